package session

import (
	"context"
	"path/filepath"
	"time"

	"harvester/internal/capture"
	"harvester/internal/metrics"
	"harvester/internal/model"
	"harvester/internal/query"
)

// SearchOptions selects what a search or count session covers.
type SearchOptions struct {
	Event          string
	Intent         model.Intent
	QuotesOfQuotes bool
	IDsFile        string
	Window         query.WindowRequest
	Append         bool
	MaxResults     int
	// Counts queries the count endpoint instead of fetching tweets.
	Counts      bool
	Granularity string
	// CountFiles overrides the per-query count artifact default.
	CountFiles *bool
}

func (s *Session) plan(ctx context.Context, opts SearchOptions) ([]query.Query, error) {
	spec, err := query.SpecFor(opts.Intent, opts.QuotesOfQuotes)
	if err != nil {
		return nil, err
	}
	return query.Plan(ctx, query.Request{
		Event:     opts.Event,
		Spec:      spec,
		Window:    opts.Window,
		QueryFile: filepath.Join(s.Config.Input.Search, opts.Event+".yaml"),
		IDsFile:   opts.IDsFile,
	}, s.Sink, s.Now().UTC())
}

// Search pages through every planned query and persists each page.
func (s *Session) Search(ctx context.Context, opts SearchOptions) error {
	defer metrics.ObserveSessionDuration(time.Now())
	if opts.Counts {
		return s.count(ctx, opts)
	}
	log := s.Log.With(map[string]any{"event": opts.Event, "intent": string(opts.Intent), "mode": opts.Window.Mode.String()})
	queries, err := s.plan(ctx, opts)
	if err != nil {
		return err
	}
	log.Info("search_planned", map[string]any{"queries": len(queries)})

	appendMode := opts.Append || opts.Window.Mode != query.ModeNormal
	cw, err := capture.Open(filepath.Join(s.Config.Output.JSON.Search, query.OutputName(opts.Event, opts.Intent)), appendMode)
	if err != nil {
		return err
	}
	defer cw.Close()

	gov := s.governor(s.Config.RateLimits.Search)
	pw, err := NewPageWriter(s.Sink, s.Config.UpdateFields, opts.Event, opts.Intent, cw, gov)
	if err != nil {
		return err
	}
	pw.Now = s.Now

	maxResults := opts.MaxResults
	if maxResults == 0 {
		maxResults = s.Config.Search.MaxResults
	}
	params := s.fieldParams()
	params.Set("max_results", clampResults(maxResults))

	r := &query.Runner{
		Fetcher:  s.Client,
		Governor: gov,
		Endpoint: s.Config.Endpoints.Search,
		Params:   params,
		OnPage: func(ctx context.Context, _ int, _ query.Query, body []byte) error {
			return pw.HandlePage(ctx, body)
		},
		Log: log,
	}
	if err := r.Run(ctx, queries); err != nil {
		return err
	}
	log.Info("search_finished", map[string]any{"tweets": gov.State().TweetsTotal, "capture": cw.Path()})
	return nil
}

func (s *Session) count(ctx context.Context, opts SearchOptions) error {
	log := s.Log.With(map[string]any{"event": opts.Event, "intent": string(opts.Intent), "counts": true})
	queries, err := s.plan(ctx, opts)
	if err != nil {
		return err
	}
	files := opts.Intent == model.IntentSearch
	if opts.CountFiles != nil {
		files = *opts.CountFiles
	}
	c := query.NewCounter(s.Config.Output.JSON.Search, opts.Event, files, len(queries), log)

	granularity := opts.Granularity
	if granularity == "" {
		granularity = s.Config.Search.Granularity
	}
	r := &query.Runner{
		Fetcher:  s.Client,
		Governor: s.governor(s.Config.RateLimits.Search),
		Endpoint: s.Config.Endpoints.Count,
		Params:   map[string][]string{"granularity": {granularity}},
		OnPage:   c.Handle,
		Log:      log,
	}
	runErr := r.Run(ctx, queries)
	if err := c.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
