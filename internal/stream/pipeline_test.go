package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/ratelimit"
	"harvester/internal/xclient"
)

// chanSource serves lines from a channel and blocks until closed.
type chanSource struct {
	lines  chan []byte
	closed chan struct{}
	once   sync.Once
	served atomic.Int32
}

func newChanSource() *chanSource {
	return &chanSource{lines: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *chanSource) Next() ([]byte, error) {
	select {
	case l, ok := <-s.lines:
		if !ok {
			return nil, io.EOF
		}
		s.served.Add(1)
		return l, nil
	case <-s.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func unlimited() *ratelimit.Governor { return ratelimit.New(ratelimit.Options{}) }

func TestCancelDrainsQueuedMessagesInOrder(t *testing.T) {
	src := newChanSource()
	var mu sync.Mutex
	var got []string
	started := make(chan struct{}, 3)
	gate := make(chan struct{})
	p := &Pipeline{
		Source:   src,
		Governor: unlimited(),
		Timeout:  time.Minute,
		Handle: func(ctx context.Context, body []byte) error {
			started <- struct{}{}
			<-gate
			assert.NoError(t, ctx.Err(), "writes run on a detached context")
			var m struct {
				Data struct {
					ID string `json:"id"`
				} `json:"data"`
			}
			assert.NoError(t, json.Unmarshal(body, &m))
			mu.Lock()
			got = append(got, m.Data.ID)
			mu.Unlock()
			return nil
		},
	}
	src.lines <- []byte(`{"data":{"id":"1"}}`)
	src.lines <- []byte("")
	src.lines <- []byte(`{"data":{"id":"2"}}`)
	src.lines <- []byte("\r")
	src.lines <- []byte(`{"data":{"id":"3"}}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// the consumer holds message 1 while the producer reads the rest
	<-started
	require.Eventually(t, func() bool { return src.served.Load() == 5 }, 5*time.Second, time.Millisecond)
	cancel()
	close(gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after cancel")
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.Equal(t, 3, p.Governor.State().TweetsTotal)
}

func TestRunRejectsNonPositiveTimeout(t *testing.T) {
	p := &Pipeline{Source: newChanSource(), Governor: unlimited(),
		Handle: func(context.Context, []byte) error { return nil }}
	assert.Error(t, p.Run(context.Background()))
}

func TestServerCloseEndsCleanly(t *testing.T) {
	src := newChanSource()
	src.lines <- []byte(`{"data":{"id":"1"}}`)
	close(src.lines)
	n := 0
	p := &Pipeline{Source: src, Governor: unlimited(), Timeout: time.Minute,
		Handle: func(context.Context, []byte) error { n++; return nil }}
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 1, n)
}

func TestStallIsFatal(t *testing.T) {
	src := newChanSource()
	p := &Pipeline{Source: src, Governor: unlimited(), Timeout: 20 * time.Millisecond,
		Handle: func(context.Context, []byte) error { return nil }}
	err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrStreamStall)
}

func TestHandlerFailureStopsProducer(t *testing.T) {
	src := newChanSource()
	src.lines <- []byte(`{"data":{"id":"1"}}`)
	boom := errors.New("boom")
	p := &Pipeline{Source: src, Governor: unlimited(), Timeout: time.Minute,
		Handle: func(context.Context, []byte) error { return boom }}
	assert.ErrorIs(t, p.Run(context.Background()), boom)
}

func TestQueueNeverBlocksPush(t *testing.T) {
	q := newQueue()
	for i := 0; i < 10000; i++ {
		q.push(item{body: []byte{byte(i)}})
	}
	it, err := q.pop(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, it.body)
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "ev.yaml")
	require.NoError(t, os.WriteFile(good, []byte("rules:\n  - value: \"#go lang:en\"\n    tag: go\n  - value: golang\n"), 0o644))
	rules, err := LoadRules(good)
	require.NoError(t, err)
	assert.Equal(t, []xclient.Rule{{Value: "#go lang:en", Tag: "go"}, {Value: "golang"}}, rules)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules:\n  - tag: missing-value\n"), 0o644))
	_, err = LoadRules(bad)
	assert.ErrorIs(t, err, ErrInvalidRules)

	assert.ErrorIs(t, ValidateRules(nil), ErrInvalidRules)
}

type fakeRules struct {
	existing []xclient.Rule
	deleted  []string
	added    []xclient.Rule
	dry      bool
}

func (f *fakeRules) ListRules(context.Context, string) ([]xclient.Rule, error) { return f.existing, nil }

func (f *fakeRules) DeleteRules(_ context.Context, _ string, ids []string) error {
	f.deleted = ids
	return nil
}

func (f *fakeRules) AddRules(_ context.Context, _ string, rules []xclient.Rule, dryRun bool) (json.RawMessage, error) {
	f.added, f.dry = rules, dryRun
	return json.RawMessage(`{"meta":{"summary":{"valid":1}}}`), nil
}

func TestSyncRulesReplaces(t *testing.T) {
	f := &fakeRules{existing: []xclient.Rule{{ID: "a"}, {ID: "b"}}}
	rules := []xclient.Rule{{Value: "x"}}
	require.NoError(t, SyncRules(context.Background(), f, "u", rules, true))
	assert.Equal(t, []string{"a", "b"}, f.deleted)
	assert.Equal(t, rules, f.added)
	assert.False(t, f.dry)

	f = &fakeRules{existing: []xclient.Rule{{ID: "a"}}}
	require.NoError(t, SyncRules(context.Background(), f, "u", rules, false))
	assert.Nil(t, f.deleted)

	resp, err := DryRun(context.Background(), f, "u", rules)
	require.NoError(t, err)
	assert.True(t, f.dry)
	assert.Contains(t, string(resp), "valid")
}
