// Package stream consumes the filtered stream: a producer goroutine reads the
// connection into an unbounded FIFO and a consumer goroutine persists each message.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"harvester/internal/extract"
	"harvester/internal/logging"
	"harvester/internal/metrics"
	"harvester/internal/model"
	"harvester/internal/ratelimit"
)

// ErrStreamStall is returned when no message arrives within the consumer timeout.
var ErrStreamStall = errors.New("stream stalled")

// LineSource yields one raw message per call and io.EOF at the end.
// *xclient.Stream implements it.
type LineSource interface {
	Next() ([]byte, error)
	Close() error
}

// Handler persists one stream message.
type Handler func(ctx context.Context, body []byte) error

type item struct {
	body []byte
	stop bool
}

// queue is an unbounded FIFO. push never blocks.
type queue struct {
	mu    sync.Mutex
	items []item
	ready chan struct{}
}

func newQueue() *queue { return &queue{ready: make(chan struct{}, 1)} }

func (q *queue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	n := len(q.items)
	q.mu.Unlock()
	metrics.SetQueueDepth(n)
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop waits up to timeout for the next item.
func (q *queue) pop(timeout time.Duration) (item, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = item{}
			q.items = q.items[1:]
			n := len(q.items)
			q.mu.Unlock()
			metrics.SetQueueDepth(n)
			return it, nil
		}
		q.mu.Unlock()
		select {
		case <-q.ready:
		case <-timer.C:
			return item{}, fmt.Errorf("%w: nothing received for %s", ErrStreamStall, timeout)
		}
	}
}

// Pipeline connects a stream connection to a handler.
type Pipeline struct {
	Source LineSource
	// Governor is used by the producer only.
	Governor *ratelimit.Governor
	Handle   Handler
	Timeout  time.Duration
	Log      logging.Fields
}

// Run blocks until the stream ends, the consumer fails or ctx is cancelled.
// On cancellation everything already queued is handled before Run returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.Timeout <= 0 {
		return fmt.Errorf("stream consumer timeout must be positive, got %s", p.Timeout)
	}
	q := newQueue()
	g, gctx := errgroup.WithContext(ctx)
	// closing the connection is what unblocks a pending read
	stopRead := context.AfterFunc(gctx, func() { _ = p.Source.Close() })
	defer stopRead()

	g.Go(func() error { return p.produce(gctx, q) })
	g.Go(func() error { return p.consume(context.WithoutCancel(ctx), q) })
	err := g.Wait()
	if err == nil {
		p.Log.Info("stream_stopped", map[string]any{"tweets": p.Governor.State().TweetsTotal})
	}
	return err
}

func (p *Pipeline) produce(ctx context.Context, q *queue) error {
	defer q.push(item{stop: true})
	for {
		line, err := p.Source.Next()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF):
				p.Log.Warn("stream_closed_by_server", nil)
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := p.Governor.Admit(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !json.Valid(line) {
			return &extract.PayloadError{Reason: "stream message is not json", Payload: line}
		}
		q.push(item{body: line})
		p.Governor.RecordTweets(1)
		metrics.AddTweets(string(model.IntentStream), 1)
	}
}

func (p *Pipeline) consume(ctx context.Context, q *queue) error {
	for {
		it, err := q.pop(p.Timeout)
		if err != nil {
			p.Log.Error("stream_stall", map[string]any{"timeout_secs": int(p.Timeout.Seconds())})
			return err
		}
		if it.stop {
			return nil
		}
		if err := p.Handle(ctx, it.body); err != nil {
			return err
		}
	}
}
