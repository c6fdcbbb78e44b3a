package session

import (
	"context"
	"fmt"
	"time"

	"harvester/internal/capture"
	"harvester/internal/extract"
	"harvester/internal/metrics"
	"harvester/internal/model"
	"harvester/internal/ratelimit"
	"harvester/internal/store"
)

// PageWriter persists one response body: rows to the sink, primary results to
// the capture file.
type PageWriter struct {
	Sink    *store.Sink
	Event   string
	Intent  model.Intent
	Capture *capture.Writer
	// Governor receives tweet counts; nil when the caller counts them itself.
	Governor *ratelimit.Governor
	Now      func() time.Time

	tweets store.Statement
	refs   store.Statement
	other  map[string]store.Statement
}

func NewPageWriter(sink *store.Sink, updateFields map[string][]string, event string, intent model.Intent,
	cw *capture.Writer, gov *ratelimit.Governor) (*PageWriter, error) {
	w := &PageWriter{
		Sink: sink, Event: event, Intent: intent, Capture: cw, Governor: gov, Now: time.Now,
		other: make(map[string]store.Statement, 3),
	}
	d := sink.Dialect()
	for _, kind := range model.Tables {
		t, ok := sink.Table(kind)
		if !ok {
			return nil, fmt.Errorf("no %s table configured", kind)
		}
		st := store.BuildUpsert(t, updateFields[kind], intent, d)
		if kind == model.TableTweets {
			w.tweets = st
			w.refs = store.BuildMerge(t, intent, d)
			continue
		}
		w.other[kind] = st
	}
	return w, nil
}

// HandlePage decodes, normalizes and stores body. An empty page is a no-op.
func (w *PageWriter) HandlePage(ctx context.Context, body []byte) error {
	p, err := extract.Decode(body)
	if err != nil || p == nil {
		return err
	}
	rows, err := extract.Extract(p, w.Event, w.Intent, w.Now().UTC())
	if err != nil {
		return err
	}
	batches := []struct {
		st   store.Statement
		rows []model.Row
	}{
		{w.tweets, rows.Tweets},
		{w.refs, rows.Refs},
		{w.other[model.TableUsers], rows.Users},
		{w.other[model.TableMedia], rows.Media},
		{w.other[model.TablePlaces], rows.Places},
	}
	for _, b := range batches {
		if _, err := w.Sink.Write(ctx, b.st, b.rows); err != nil {
			return err
		}
	}
	if w.Capture != nil {
		if err := w.Capture.Write(p.Raw...); err != nil {
			return err
		}
	}
	if w.Governor != nil {
		w.Governor.RecordTweets(len(p.Tweets))
		metrics.AddTweets(string(w.Intent), len(p.Tweets))
	}
	return nil
}
