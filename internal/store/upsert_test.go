package store

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/model"
)

func tweetsTable() Table {
	return NewTable(model.TableTweets, "ev.tweets", map[string]string{
		"id": "TEXT", "event": "TEXT", "text": "TEXT", "like_count": "INTEGER", "urls": "JSONB[]",
		"hashtags": "TEXT[]", "created_at": "TIMESTAMPTZ",
		"from_search": "BOOLEAN", "directly_from_search": "BOOLEAN",
		"from_stream": "BOOLEAN", "directly_from_stream": "BOOLEAN",
	})
}

func TestBuildUpsertMergesIntentFlags(t *testing.T) {
	st := BuildUpsert(tweetsTable(), []string{"like_count", "id", "not_declared"}, model.IntentSearch, Postgres)
	assert.Equal(t, []string{"like_count"}, st.Update)
	assert.Equal(t, []string{"from_search", "directly_from_search"}, st.Merge)
	assert.Equal(t, "ON CONFLICT (id, event) DO UPDATE SET like_count = EXCLUDED.like_count, "+
		"from_search = (cur.from_search OR EXCLUDED.from_search), "+
		"directly_from_search = (cur.directly_from_search OR EXCLUDED.directly_from_search)", st.Conflict())
}

func TestBuildUpsertAssignsEachColumnOnce(t *testing.T) {
	st := BuildUpsert(tweetsTable(),
		[]string{"like_count", "from_search", "directly_from_search", "like_count", "from_stream"}, model.IntentSearch, Postgres)
	assert.Equal(t, []string{"like_count", "from_stream"}, st.Update)
	assert.Equal(t, []string{"from_search", "directly_from_search"}, st.Merge)
	assert.Equal(t, 1, strings.Count(st.Conflict(), ", from_search ="))
	assert.Equal(t, 1, strings.Count(st.Conflict(), "like_count ="))
}

func TestBuildUpsertStreamDoesNotMerge(t *testing.T) {
	st := BuildUpsert(tweetsTable(), nil, model.IntentStream, Postgres)
	assert.Empty(t, st.Merge)
	assert.Equal(t, "ON CONFLICT (id, event) DO NOTHING", st.Conflict())

	users := NewTable(model.TableUsers, "users", map[string]string{"id": "TEXT", "event": "TEXT", "name": "TEXT"})
	st = BuildUpsert(users, []string{"name"}, model.IntentSearch, SQLite)
	assert.Empty(t, st.Merge)
	assert.Equal(t, []string{"name"}, st.Update)
}

func TestBuildMergeOnlyTouchesFlags(t *testing.T) {
	st := BuildMerge(tweetsTable(), model.IntentSearch, SQLite)
	assert.Empty(t, st.Update)
	assert.Equal(t, []string{"from_search", "directly_from_search"}, st.Merge)
}

func TestPostgresPlaceholdersAndCasts(t *testing.T) {
	st := BuildUpsert(tweetsTable(), nil, model.IntentStream, Postgres)
	// columns are sorted: created_at, directly_from_search, directly_from_stream, event, from_search,
	// from_stream, hashtags, id, like_count, text, urls
	assert.Equal(t, "($1, $2, $3, $4, $5, $6, $7::TEXT[], $8, $9, $10, $11::JSONB[])", st.Template())
	sql := st.SQL(2)
	assert.True(t, strings.HasPrefix(sql, "INSERT INTO ev.tweets AS cur (created_at, directly_from_search,"))
	assert.Contains(t, sql, "$12, $13")
	assert.Contains(t, sql, "$22::JSONB[])")
}

func TestArgsTrimAndEncode(t *testing.T) {
	ts := time.Date(2024, 2, 28, 10, 0, 0, 0, time.UTC)
	row := model.Row{
		"id": "1", "event": "e", "text": "x", "like_count": 3, "created_at": ts,
		"hashtags": []string{"go"}, "urls": []json.RawMessage{json.RawMessage(`{"u":1}`)},
		"from_search": true, "directly_from_search": true, "extra_field": "dropped",
	}
	pg := BuildUpsert(tweetsTable(), nil, model.IntentSearch, Postgres)
	args, err := pg.Args([]model.Row{row})
	require.NoError(t, err)
	require.Len(t, args, len(pg.Table.Columns))
	assert.Equal(t, ts, args[0])
	assert.Nil(t, args[2], "absent column binds NULL")
	assert.Equal(t, pq.Array([]string{"go"}), args[6])
	assert.Equal(t, int64(3), args[8])
	assert.Equal(t, pq.Array([]string{`{"u":1}`}), args[10])

	lite := BuildUpsert(tweetsTable(), nil, model.IntentSearch, SQLite)
	args, err = lite.Args([]model.Row{row})
	require.NoError(t, err)
	assert.Equal(t, "2024-02-28T10:00:00.000000000Z", args[0])
	assert.Equal(t, int64(1), args[1])
	assert.Equal(t, `["go"]`, args[6])
	assert.Equal(t, `[{"u":1}]`, args[10])

	_, err = lite.Args([]model.Row{{"id": struct{}{}}})
	assert.Error(t, err)
}

func TestRowsPerChunk(t *testing.T) {
	tbl := tweetsTable()
	assert.Equal(t, 30000/len(tbl.Columns), Statement{Table: tbl, Dialect: SQLite}.RowsPerChunk())
	assert.Equal(t, 65000/len(tbl.Columns), Statement{Table: tbl, Dialect: Postgres}.RowsPerChunk())
}

func TestDedupeKeepsFirst(t *testing.T) {
	rows := dedupe([]model.Row{
		{"id": "1", "event": "e", "text": "first"},
		{"id": "1", "event": "other"},
		{"id": "1", "event": "e", "text": "second"},
	})
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0]["text"])
}
