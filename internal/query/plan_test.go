package query

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/model"
	"harvester/internal/store"
)

var (
	t0  = time.Date(2024, 2, 27, 8, 30, 0, 0, time.UTC)
	t1  = time.Date(2024, 2, 28, 22, 0, 0, 0, time.UTC)
	now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeSeeds struct {
	first, last *time.Time
	groups      []store.Group
	gotGroupBy  []string
	gotBreadth  string
}

func (f *fakeSeeds) SeedBounds(_ context.Context, _, breadth string) (*time.Time, *time.Time, error) {
	return f.first, f.last, nil
}

func (f *fakeSeeds) SeedGroups(_ context.Context, _ string, groupBy []string, breadth string) ([]store.Group, error) {
	f.gotGroupBy, f.gotBreadth = groupBy, breadth
	return f.groups, nil
}

func tp(t time.Time) *time.Time { return &t }

func mustSpec(t *testing.T, in model.Intent, qq bool) IntentSpec {
	t.Helper()
	s, err := SpecFor(in, qq)
	require.NoError(t, err)
	return s
}

func TestIntentFilters(t *testing.T) {
	convo := mustSpec(t, model.IntentConvo, false)
	assert.Equal(t, "(directly_from_search OR directly_from_stream)", convo.SeedFilter())
	assert.Equal(t, "(directly_from_search OR directly_from_stream OR directly_from_convo_search)", convo.GroupFilter())

	quote := mustSpec(t, model.IntentQuote, false)
	assert.Equal(t, "(directly_from_search) AND retweeted IS NULL AND quote_count > 0", quote.GroupFilter())
	assert.False(t, quote.Incremental)
	qq := mustSpec(t, model.IntentQuote, true)
	assert.Equal(t, "(directly_from_quote_search) AND retweeted IS NULL AND quote_count > 0", qq.SeedFilter())

	_, err := SpecFor(model.IntentStream, false)
	assert.Error(t, err)
}

func TestFragments(t *testing.T) {
	f, err := mustSpec(t, model.IntentConvo, false).Fragment([]string{"123"})
	require.NoError(t, err)
	assert.Equal(t, "conversation_id:123", f)

	f, err = mustSpec(t, model.IntentTimeline, false).Fragment([]string{"@alice"})
	require.NoError(t, err)
	assert.Equal(t, "from:alice", f)

	f, err = mustSpec(t, model.IntentQuote, false).Fragment([]string{"9", "bob"})
	require.NoError(t, err)
	assert.Equal(t, `url:"https://twitter.com/bob/status/9"`, f)

	_, err = mustSpec(t, model.IntentQuote, false).Fragment([]string{"9", ""})
	assert.Error(t, err)
}

func TestBatchFragmentsIsLosslessAndBounded(t *testing.T) {
	var frags []string
	for i := 0; i < 300; i++ {
		frags = append(frags, "conversation_id:"+strings.Repeat("7", 10+i%9))
	}
	out, err := BatchFragments(frags, MaxQueryLen)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	var back []string
	for _, q := range out {
		assert.NotEmpty(t, q)
		assert.LessOrEqual(t, len(q), MaxQueryLen)
		back = append(back, strings.Split(q, orSep)...)
	}
	assert.Equal(t, frags, back)
}

func TestBatchFragmentsBoundary(t *testing.T) {
	a, b, c := strings.Repeat("a", 10), strings.Repeat("b", 10), strings.Repeat("c", 10)
	out, err := BatchFragments([]string{a, b, c}, 24)
	require.NoError(t, err)
	assert.Equal(t, []string{a + " OR " + b, c}, out)

	out, err = BatchFragments(nil, 24)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = BatchFragments([]string{a, strings.Repeat("x", 25)}, 24)
	assert.ErrorIs(t, err, ErrFragmentTooLong)
}

func TestResolveWindow(t *testing.T) {
	seeds := Seeds{First: tp(t0), Last: tp(t1)}
	cases := []struct {
		name       string
		req        WindowRequest
		start, end *time.Time
	}{
		{"explicit sentinels with offsets", WindowRequest{Start: "first_time", End: "last_time", DaysBack: 2, DaysAfter: 1},
			tp(t0.Add(-48 * time.Hour)), tp(t1.Add(24 * time.Hour))},
		{"explicit timestamp", WindowRequest{Start: "2024-01-01T00:00:00Z", End: "now"},
			tp(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), tp(now)},
		{"backfill defaults", WindowRequest{Mode: ModeBackfill},
			tp(time.Date(2024, 2, 27, 0, 0, 0, 0, time.UTC)), tp(t0)},
		{"update defaults", WindowRequest{Mode: ModeUpdate}, tp(t1), tp(now)},
		{"explicit start wins over update", WindowRequest{Mode: ModeUpdate, Start: "2024-02-01"},
			tp(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)), tp(now)},
		{"full timeline", WindowRequest{Start: "first_time", FullTimeline: true}, nil, nil},
		{"open", WindowRequest{}, nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, err := ResolveWindow(tc.req, seeds, now)
			require.NoError(t, err)
			assert.Equal(t, tc.start, w.Start)
			assert.Equal(t, tc.end, w.End)
		})
	}
}

func TestResolveWindowErrors(t *testing.T) {
	_, err := ResolveWindow(WindowRequest{Start: "first_time"}, Seeds{}, now)
	assert.ErrorIs(t, err, store.ErrNoSeedData)
	_, err = ResolveWindow(WindowRequest{Mode: ModeUpdate}, Seeds{}, now)
	assert.ErrorIs(t, err, store.ErrNoSeedData)
	_, err = ResolveWindow(WindowRequest{Start: "yesterday-ish"}, Seeds{}, now)
	assert.Error(t, err)

	_, err = ModeOf(true, true)
	assert.ErrorIs(t, err, ErrConflictingModes)
	m, err := ModeOf(false, true)
	require.NoError(t, err)
	assert.Equal(t, ModeUpdate, m)
}

func TestPlanGroupsIncrementalWindows(t *testing.T) {
	spec := mustSpec(t, model.IntentConvo, false)
	groups := []store.Group{
		{Key: []string{"1"}, First: tp(t0), Last: tp(t1)},
		{Key: []string{"2"}},
	}
	win := Window{Start: tp(t0.Add(-time.Hour)), End: tp(now)}

	qs, err := PlanGroups(spec, groups, win, ModeBackfill)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, Query{Text: "conversation_id:1", Start: win.Start, End: tp(t0)}, qs[0])
	assert.Equal(t, Query{Text: "conversation_id:2", Start: win.Start, End: win.End}, qs[1])

	qs, err = PlanGroups(spec, groups, win, ModeUpdate)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, tp(t1), qs[0].Start)
	assert.Equal(t, win.End, qs[0].End)

	qs, err = PlanGroups(spec, groups, win, ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, []Query{{Text: "conversation_id:1 OR conversation_id:2", Start: win.Start, End: win.End}}, qs)
}

func TestPlanFreeTextReadsQueryFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ev.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queries:\n  - \"#a\"\n  - \"#b\"\nstart_time: 2024-02-01T00:00:00Z\n"), 0o644))

	qs, err := Plan(context.Background(), Request{
		Event: "ev", Spec: mustSpec(t, model.IntentSearch, false), QueryFile: path,
		Window: WindowRequest{DaysBack: 1},
	}, &fakeSeeds{}, now)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "#a", qs[0].Text)
	assert.Equal(t, tp(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)), qs[0].Start)
	assert.Nil(t, qs[0].End)
}

func TestPlanTimelineDefaultsAndWidenedGroups(t *testing.T) {
	seeds := &fakeSeeds{first: tp(t0), last: tp(t1), groups: []store.Group{{Key: []string{"42"}, First: tp(t0), Last: tp(t1)}}}
	qs, err := Plan(context.Background(), Request{Event: "ev", Spec: mustSpec(t, model.IntentTimeline, false)}, seeds, now)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, "from:42", qs[0].Text)
	assert.Equal(t, tp(t0.Add(-14*24*time.Hour)), qs[0].Start)
	assert.Equal(t, tp(t1), qs[0].End)
	assert.Equal(t, []string{"author_id"}, seeds.gotGroupBy)
	assert.Contains(t, seeds.gotBreadth, "directly_from_timeline_search")
}

func TestPlanRejectsIncrementalQuotes(t *testing.T) {
	_, err := Plan(context.Background(), Request{
		Event: "ev", Spec: mustSpec(t, model.IntentQuote, false), Window: WindowRequest{Mode: ModeUpdate},
	}, &fakeSeeds{}, now)
	assert.ErrorIs(t, err, ErrIncrementalNotAllowed)
}

func TestPlanIDsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("1\n\n2\n"), 0o644))
	qs, err := Plan(context.Background(), Request{
		Event: "ev", Spec: mustSpec(t, model.IntentConvo, false), IDsFile: path,
	}, &fakeSeeds{}, now)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, "conversation_id:1 OR conversation_id:2", qs[0].Text)
	assert.Nil(t, qs[0].Start)

	_, err = Plan(context.Background(), Request{Event: "ev", Spec: mustSpec(t, model.IntentConvo, false)}, &fakeSeeds{}, now)
	assert.ErrorIs(t, err, store.ErrNoSeedData)
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "ev.json", OutputName("ev", model.IntentSearch))
	assert.Equal(t, "ev_conversations.json", OutputName("ev", model.IntentConvo))
	assert.Equal(t, "ev_timelines.json", OutputName("ev", model.IntentTimeline))
}
