package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"harvester/internal/model"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3", "":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported sink driver %q", driver)
}

// maxParams keeps a single statement under the engine's bind variable limit.
func (d Dialect) maxParams() int {
	if d == Postgres {
		return 65000
	}
	return 30000
}

// sqliteTime sorts lexically in UTC, so MIN and MAX work on the stored text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// Table is a sink table and its declared column contract.
type Table struct {
	// Kind is the logical table (tweets, users, media, places); Name may be schema-qualified.
	Kind    string
	Name    string
	Columns []string
	Types   map[string]string
}

// NewTable sorts the declared columns so generated statements are stable.
func NewTable(kind, name string, fields map[string]string) Table {
	cols := make([]string, 0, len(fields))
	types := make(map[string]string, len(fields))
	for c, t := range fields {
		cols = append(cols, c)
		types[c] = t
	}
	sort.Strings(cols)
	return Table{Kind: kind, Name: name, Columns: cols, Types: types}
}

func (t Table) has(col string) bool {
	_, ok := t.Types[col]
	return ok
}

// Statement is a batched upsert against one table.
type Statement struct {
	Table   Table
	Dialect Dialect
	// Update columns are overwritten on conflict, Merge columns are OR-ed with the stored value.
	Update []string
	Merge  []string
}

// BuildUpsert builds the statement for primary rows of a table. For tweets
// collected by any intent but the stream, the intent's provenance flags are
// merged so they never regress to false.
func BuildUpsert(t Table, update []string, intent model.Intent, d Dialect) Statement {
	st := Statement{Table: t, Dialect: d}
	if t.Kind == model.TableTweets && intent != model.IntentStream {
		st.Merge = flagColumns(t, intent)
	}
	for _, c := range update {
		// merged flags are assigned once, by the OR clause
		if c == "id" || c == "event" || !t.has(c) || slices.Contains(st.Merge, c) || slices.Contains(st.Update, c) {
			continue
		}
		st.Update = append(st.Update, c)
	}
	return st
}

// BuildMerge builds the statement for referenced tweets: content already stored
// is left alone and only the intent's provenance flags accumulate.
func BuildMerge(t Table, intent model.Intent, d Dialect) Statement {
	st := Statement{Table: t, Dialect: d}
	if intent != model.IntentStream {
		st.Merge = flagColumns(t, intent)
	}
	return st
}

func flagColumns(t Table, intent model.Intent) []string {
	var out []string
	for _, c := range []string{intent.FromColumn(), intent.DirectColumn()} {
		if t.has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Conflict renders the ON CONFLICT clause.
func (s Statement) Conflict() string {
	if len(s.Update) == 0 && len(s.Merge) == 0 {
		return "ON CONFLICT (id, event) DO NOTHING"
	}
	sets := make([]string, 0, len(s.Update)+len(s.Merge))
	for _, c := range s.Update {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	for _, c := range s.Merge {
		sets = append(sets, fmt.Sprintf("%s = (cur.%s OR EXCLUDED.%s)", c, c, c))
	}
	return "ON CONFLICT (id, event) DO UPDATE SET " + strings.Join(sets, ", ")
}

// SQL renders the statement for n rows.
func (s Statement) SQL(n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s AS cur (%s) VALUES ", s.Table.Name, strings.Join(s.Table.Columns, ", "))
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s.tuple(i * len(s.Table.Columns)))
	}
	b.WriteString(" ")
	b.WriteString(s.Conflict())
	return b.String()
}

// Template is the placeholder tuple of a single row.
func (s Statement) Template() string { return s.tuple(0) }

func (s Statement) tuple(offset int) string {
	ph := make([]string, len(s.Table.Columns))
	for i, c := range s.Table.Columns {
		if s.Dialect != Postgres {
			ph[i] = "?"
			continue
		}
		ph[i] = fmt.Sprintf("$%d", offset+i+1)
		if typ := strings.ToUpper(s.Table.Types[c]); strings.Contains(typ, "JSON") || strings.HasSuffix(typ, "[]") {
			ph[i] += "::" + typ
		}
	}
	return "(" + strings.Join(ph, ", ") + ")"
}

// Args trims each row to the declared columns and encodes the values for the dialect.
// Columns a row does not carry are bound as NULL.
func (s Statement) Args(rows []model.Row) ([]any, error) {
	args := make([]any, 0, len(rows)*len(s.Table.Columns))
	for _, r := range rows {
		for _, c := range s.Table.Columns {
			v, err := s.encode(r[c])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", s.Table.Kind, c, err)
			}
			args = append(args, v)
		}
	}
	return args, nil
}

// RowsPerChunk is how many rows fit in one statement.
func (s Statement) RowsPerChunk() int {
	n := s.Dialect.maxParams() / max(1, len(s.Table.Columns))
	return max(1, n)
}

func (s Statement) encode(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []string:
		if s.Dialect == Postgres {
			return pq.Array(x), nil
		}
		return jsonText(x)
	case []json.RawMessage:
		if s.Dialect == Postgres {
			elems := make([]string, len(x))
			for i, m := range x {
				elems[i] = string(m)
			}
			return pq.Array(elems), nil
		}
		return jsonText(x)
	case json.RawMessage:
		return string(x), nil
	case time.Time:
		if s.Dialect == Postgres {
			return x.UTC(), nil
		}
		return x.UTC().Format(sqliteTime), nil
	case bool:
		if s.Dialect == Postgres {
			return x, nil
		}
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case int:
		return int64(x), nil
	case string, int64, float64:
		return x, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func jsonText(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// dedupe keeps the first row for each (id, event); a single statement may not
// touch the same key twice.
func dedupe(rows []model.Row) []model.Row {
	seen := make(map[[2]any]bool, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		k := [2]any{r["id"], r["event"]}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}
