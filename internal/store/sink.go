package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"harvester/internal/logging"
	"harvester/internal/metrics"
	"harvester/internal/model"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Sink is the relational store for one session. It holds a single connection
// so writes are never concurrent.
type Sink struct {
	db      *sql.DB
	dialect Dialect
	tables  map[string]Table
}

// Group is one seed group with the creation-time range of its rows.
// First and Last are nil for groups read from a user-supplied file.
type Group struct {
	Key   []string
	First *time.Time
	Last  *time.Time
}

// Open connects to the sink. tables is keyed by logical table kind.
func Open(ctx context.Context, driver, dsn string, tables map[string]Table) (*Sink, error) {
	return openWith(ctx, sql.Open, driver, dsn, tables)
}

func openWith(ctx context.Context, open sqlOpenFunc, driver, dsn string, tables map[string]Table) (*Sink, error) {
	d, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("empty %s dsn", d)
	}
	db, err := open(string(d), dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if d == SQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s sink: %w", d, err)
	}
	return &Sink{db: db, dialect: d, tables: tables}, nil
}

func (s *Sink) Close() error { return s.db.Close() }

func (s *Sink) Dialect() Dialect { return s.dialect }

// Table returns the table registered for kind.
func (s *Sink) Table(kind string) (Table, bool) {
	t, ok := s.tables[kind]
	return t, ok
}

func (s *Sink) placeholder(n int) string {
	if s.dialect == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Write upserts rows in one transaction, chunked to respect the bind limit.
// Duplicate keys keep their first row. A failure rolls back the whole batch.
func (s *Sink) Write(ctx context.Context, st Statement, rows []model.Row) (int, error) {
	rows = dedupe(rows)
	if len(rows) == 0 {
		return 0, nil
	}
	fail := func(err error) (int, error) {
		metrics.IncWriteError(st.Table.Kind)
		be := &BatchError{Table: st.Table.Name, Statement: st.SQL(1), Template: st.Template(), Rows: rows, Err: err}
		logging.Error("batch_write_failed", map[string]any{
			"table":     be.Table,
			"statement": be.Statement,
			"template":  be.Template,
			"rows":      rows,
			"error":     err,
		})
		return 0, be
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(err)
	}
	per := st.RowsPerChunk()
	for i := 0; i < len(rows); i += per {
		chunk := rows[i:min(i+per, len(rows))]
		args, err := st.Args(chunk)
		if err != nil {
			_ = tx.Rollback()
			return fail(err)
		}
		if _, err := tx.ExecContext(ctx, st.SQL(len(chunk)), args...); err != nil {
			_ = tx.Rollback()
			return fail(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	metrics.AddRows(st.Table.Kind, len(rows))
	return len(rows), nil
}

// SeedBounds returns the earliest and latest created_at of the event's tweets
// matching breadth, a SQL predicate over tweet columns.
func (s *Sink) SeedBounds(ctx context.Context, event, breadth string) (first, last *time.Time, err error) {
	t, ok := s.tables[model.TableTweets]
	if !ok {
		return nil, nil, fmt.Errorf("no tweets table configured")
	}
	q := fmt.Sprintf(`SELECT MIN(created_at), MAX(created_at) FROM %s WHERE event = %s AND (%s)`,
		t.Name, s.placeholder(1), breadth)
	var lo, hi any
	if err := s.db.QueryRowContext(ctx, q, event).Scan(&lo, &hi); err != nil {
		return nil, nil, fmt.Errorf("seed bounds: %w", err)
	}
	if first, err = asTime(lo); err != nil {
		return nil, nil, err
	}
	if last, err = asTime(hi); err != nil {
		return nil, nil, err
	}
	return first, last, nil
}

// SeedGroups groups the event's matching tweets by the given columns.
func (s *Sink) SeedGroups(ctx context.Context, event string, groupBy []string, breadth string) ([]Group, error) {
	t, ok := s.tables[model.TableTweets]
	if !ok {
		return nil, fmt.Errorf("no tweets table configured")
	}
	cols := strings.Join(groupBy, ", ")
	q := fmt.Sprintf(`SELECT %s, MIN(created_at), MAX(created_at) FROM %s WHERE event = %s AND (%s) GROUP BY %s ORDER BY %s`,
		cols, t.Name, s.placeholder(1), breadth, cols, cols)
	rs, err := s.db.QueryContext(ctx, q, event)
	if err != nil {
		return nil, fmt.Errorf("seed groups: %w", err)
	}
	defer rs.Close()

	var out []Group
	for rs.Next() {
		keys := make([]sql.NullString, len(groupBy))
		var lo, hi any
		dest := make([]any, 0, len(groupBy)+2)
		for i := range keys {
			dest = append(dest, &keys[i])
		}
		dest = append(dest, &lo, &hi)
		if err := rs.Scan(dest...); err != nil {
			return nil, err
		}
		g := Group{Key: make([]string, len(keys))}
		for i, k := range keys {
			g.Key[i] = k.String
		}
		if g.First, err = asTime(lo); err != nil {
			return nil, err
		}
		if g.Last, err = asTime(hi); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rs.Err()
}

func asTime(v any) (*time.Time, error) {
	var t time.Time
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t = x
	case string:
		return parseStored(x)
	case []byte:
		return parseStored(string(x))
	default:
		return nil, fmt.Errorf("unexpected time value %T", v)
	}
	t = t.UTC()
	return &t, nil
}

func parseStored(s string) (*time.Time, error) {
	for _, layout := range []string{sqliteTime, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unparseable stored time %q", s)
}

// Provision creates the schema and every configured table, keyed on (id, event).
func (s *Sink) Provision(ctx context.Context) error {
	for _, kind := range model.Tables {
		t, ok := s.tables[kind]
		if !ok {
			continue
		}
		if s.dialect == Postgres {
			if schema, _, found := strings.Cut(t.Name, "."); found {
				if _, err := s.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
					return fmt.Errorf("create schema %s: %w", schema, err)
				}
			}
		}
		defs := make([]string, 0, len(t.Columns)+1)
		for _, c := range t.Columns {
			defs = append(defs, c+" "+s.columnType(t.Types[c]))
		}
		defs = append(defs, "PRIMARY KEY (id, event)")
		q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.Name, strings.Join(defs, ", "))
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		logging.Info("table_provisioned", map[string]any{"table": t.Name, "columns": len(t.Columns)})
	}
	return nil
}

// columnType maps a declared Postgres type onto SQLite storage classes.
func (s *Sink) columnType(declared string) string {
	if s.dialect == Postgres {
		return declared
	}
	up := strings.ToUpper(declared)
	switch {
	case strings.HasSuffix(up, "[]"), strings.Contains(up, "JSON"), strings.Contains(up, "TIMESTAMP"):
		return "TEXT"
	case strings.Contains(up, "BOOL"):
		return "INTEGER"
	}
	return declared
}
