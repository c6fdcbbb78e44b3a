package query

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/ratelimit"
	"harvester/internal/xclient"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

type reply struct {
	body string
	err  error
}

type fakeFetcher struct {
	replies []reply
	calls   []url.Values
}

func (f *fakeFetcher) Get(_ context.Context, _ string, params url.Values) ([]byte, error) {
	f.calls = append(f.calls, params)
	r := f.replies[0]
	f.replies = f.replies[1:]
	return []byte(r.body), r.err
}

func newGovernor(clk *fakeClock) *ratelimit.Governor {
	return ratelimit.New(ratelimit.Options{Limit: 300, MinInterval: time.Second, Clock: clk})
}

func TestRunnerPaginatesAndAbsorbsOverload(t *testing.T) {
	clk := &fakeClock{now: now}
	f := &fakeFetcher{replies: []reply{
		{body: `{"data":[],"meta":{"next_token":"p2"}}`},
		{err: &xclient.StatusError{Code: http.StatusTooManyRequests}},
		{body: `{"data":[],"meta":{}}`},
		{err: &xclient.StatusError{Code: http.StatusServiceUnavailable}},
		{body: `{"meta":{"result_count":0}}`},
	}}
	var pages []int
	r := &Runner{
		Fetcher:  f,
		Governor: newGovernor(clk),
		Params:   url.Values{"max_results": {"500"}},
		OnPage: func(_ context.Context, i int, _ Query, _ []byte) error {
			pages = append(pages, i)
			return nil
		},
	}
	start := tp(t0)
	require.NoError(t, r.Run(context.Background(), []Query{{Text: "a", Start: start}, {Text: "b"}}))

	assert.Equal(t, []int{0, 0, 1}, pages)
	require.Len(t, f.calls, 5)
	assert.Equal(t, "a", f.calls[0].Get("query"))
	assert.Equal(t, "2024-02-27T08:30:00Z", f.calls[0].Get("start_time"))
	assert.Equal(t, "500", f.calls[0].Get("max_results"))
	assert.Empty(t, f.calls[0].Get("next_token"))
	// the rate-limited call is retried with the same cursor
	assert.Equal(t, "p2", f.calls[1].Get("next_token"))
	assert.Equal(t, "p2", f.calls[2].Get("next_token"))
	assert.Equal(t, "b", f.calls[3].Get("query"))
	assert.Empty(t, f.calls[3].Get("next_token"))
	assert.Empty(t, f.calls[4].Get("start_time"))
	// five calls were counted; the 429 pause reset the window after two
	assert.Equal(t, 3, r.Governor.State().CallsInWindow)
}

func TestRunnerReturnsFatalStatus(t *testing.T) {
	f := &fakeFetcher{replies: []reply{{err: &xclient.StatusError{Code: http.StatusBadRequest, Body: "bad"}}}}
	r := &Runner{Fetcher: f, Governor: newGovernor(&fakeClock{now: now}),
		OnPage: func(context.Context, int, Query, []byte) error { return nil }}
	err := r.Run(context.Background(), []Query{{Text: "a"}})
	assert.True(t, xclient.IsStatus(err, http.StatusBadRequest))
}

func TestRunnerStopsQuietlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeFetcher{replies: []reply{{body: `{"data":[],"meta":{"next_token":"more"}}`}}}
	r := &Runner{Fetcher: f, Governor: newGovernor(&fakeClock{now: now}),
		OnPage: func(context.Context, int, Query, []byte) error {
			cancel()
			return nil
		}}
	assert.NoError(t, r.Run(ctx, []Query{{Text: "a"}}))
	assert.Len(t, f.calls, 1)
}

func TestCounterTotalsAndFiles(t *testing.T) {
	dir := t.TempDir()
	qs := make([]Query, 12)
	for i := range qs {
		qs[i] = Query{Text: "q"}
	}
	c := NewCounter(dir, "ev", true, len(qs), nil)
	ctx := context.Background()
	require.NoError(t, c.Handle(ctx, 0, qs[0], []byte(`{"data":[{"start":"s","tweet_count":2}],"meta":{"total_tweet_count":2,"next_token":"x"}}`)))
	require.NoError(t, c.Handle(ctx, 0, qs[0], []byte(`{"data":[{"start":"t","tweet_count":3}],"meta":{"total_tweet_count":3}}`)))
	require.NoError(t, c.Handle(ctx, 1, qs[1], []byte(`{"meta":{"result_count":0}}`)))
	require.NoError(t, c.Close())
	assert.Equal(t, 5, c.Total())

	assert.Equal(t, filepath.Join(dir, "ev_counts_01.json"), c.FileName(0))
	b, err := os.ReadFile(c.FileName(0))
	require.NoError(t, err)
	assert.Equal(t, "{\"start\":\"s\",\"tweet_count\":2}\n{\"start\":\"t\",\"tweet_count\":3}\n", string(b))
	_, err = os.Stat(c.FileName(1))
	assert.NoError(t, err)

	assert.Error(t, NewCounter(dir, "ev", false, 1, nil).Handle(ctx, 0, Query{}, []byte(`{"meta":{}}`)))
}
