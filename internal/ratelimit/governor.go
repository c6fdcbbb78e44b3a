package ratelimit

import (
	"context"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"harvester/internal/logging"
	"harvester/internal/metrics"
	"harvester/internal/xclient"
)

const (
	// Window is the API's rolling quota window.
	Window = 900 * time.Second
	// Grace is added to every window-reset sleep.
	Grace = 15 * time.Second
	// UnavailablePause is the fixed sleep after a 503.
	UnavailablePause = 30 * time.Second
)

type PauseKind string

const (
	PauseRateLimited PauseKind = "rate_limited"
	PauseUnavailable PauseKind = "unavailable"
)

// State is everything the governor tracks. It is owned by one Governor.
type State struct {
	CallsInWindow          int
	WindowStart            time.Time
	Limit                  float64
	Paused                 bool
	TemporarilyUnavailable bool

	TweetsTotal       int
	TweetsInWindow    int
	TweetsSinceReport int
	LastReport        time.Time
}

// Report is a periodic progress summary.
type Report struct {
	Tweets   int
	Interval time.Duration
	Total    int
}

type Options struct {
	// Calls allowed per Window. Zero or less disables the quota (streaming).
	Limit int
	// Lower bound on the sleep computed by Pace.
	MinInterval time.Duration
	// Interval between status reports; zero reports only on window resets.
	ReportEvery time.Duration
	Clock       Clock
	// Optional hard requests-per-second cap applied inside Admit.
	Ceiling  *rate.Limiter
	OnReport func(Report)
}

// Governor gates a single request loop. It is not safe for concurrent use.
type Governor struct {
	opts  Options
	clock Clock
	st    State
}

func New(opts Options) *Governor {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	limit := math.Inf(1)
	if opts.Limit > 0 {
		limit = float64(opts.Limit)
	}
	now := opts.Clock.Now()
	return &Governor{
		opts:  opts,
		clock: opts.Clock,
		st:    State{Limit: limit, WindowStart: now, LastReport: now},
	}
}

// State returns a copy of the current state.
func (g *Governor) State() State { return g.st }

// Unlimited reports whether quota pacing is disabled.
func (g *Governor) Unlimited() bool { return math.IsInf(g.st.Limit, 1) }

// Admit must run immediately before every outbound call.
func (g *Governor) Admit(ctx context.Context) error {
	now := g.clock.Now()
	elapsed := now.Sub(g.st.WindowStart)
	switch {
	case float64(g.st.CallsInWindow) >= g.st.Limit || g.st.Paused:
		d := Window - elapsed + Grace
		metrics.IncPause(string(PauseRateLimited))
		logging.Warn("rate_limit_pause", map[string]any{
			"sleep_secs":      int(d.Seconds()),
			"calls_in_window": g.st.CallsInWindow,
			"window_start":    g.st.WindowStart.UTC().Format(time.RFC3339),
		})
		if err := g.clock.Sleep(ctx, d); err != nil {
			return err
		}
		g.resetWindow(g.clock.Now())
	case elapsed > Window:
		g.resetWindow(now)
	case g.st.TemporarilyUnavailable:
		metrics.IncPause(string(PauseUnavailable))
		logging.Warn("service_unavailable_pause", map[string]any{"sleep_secs": int(UnavailablePause.Seconds())})
		if err := g.clock.Sleep(ctx, UnavailablePause); err != nil {
			return err
		}
		g.st.TemporarilyUnavailable = false
	case g.opts.ReportEvery > 0 && now.Sub(g.st.LastReport) > g.opts.ReportEvery:
		g.report(Report{Tweets: g.st.TweetsSinceReport, Interval: now.Sub(g.st.LastReport), Total: g.st.TweetsTotal})
		g.st.TweetsSinceReport = 0
		g.st.LastReport = now
	}
	if g.opts.Ceiling != nil {
		return g.opts.Ceiling.Wait(ctx)
	}
	return nil
}

func (g *Governor) resetWindow(now time.Time) {
	g.report(Report{Tweets: g.st.TweetsInWindow, Interval: Window, Total: g.st.TweetsTotal})
	g.st.CallsInWindow = 0
	g.st.TweetsInWindow = 0
	g.st.WindowStart = now
	g.st.Paused = false
	g.st.TweetsSinceReport = 0
	g.st.LastReport = now
}

func (g *Governor) report(r Report) {
	if g.opts.OnReport != nil {
		g.opts.OnReport(r)
	}
}

// RecordCall counts one outbound call against the window.
func (g *Governor) RecordCall() { g.st.CallsInWindow++ }

// RecordTweets adds primary results to the progress counters.
func (g *Governor) RecordTweets(n int) {
	g.st.TweetsTotal += n
	g.st.TweetsInWindow += n
	g.st.TweetsSinceReport += n
}

// RecordPause registers an overload signal for the next Admit.
func (g *Governor) RecordPause(kind PauseKind) {
	switch kind {
	case PauseRateLimited:
		g.st.Paused = true
	case PauseUnavailable:
		g.st.TemporarilyUnavailable = true
	}
}

// Absorb turns a 429 or 503 into a pause and returns nil so the caller retries.
// Any other error is returned unchanged and is fatal.
func (g *Governor) Absorb(err error) error {
	switch {
	case xclient.IsStatus(err, http.StatusTooManyRequests):
		g.RecordPause(PauseRateLimited)
		return nil
	case xclient.IsStatus(err, http.StatusServiceUnavailable):
		g.RecordPause(PauseUnavailable)
		return nil
	}
	return err
}

// Pace spreads the remaining quota evenly over the rest of the window.
func (g *Governor) Pace(ctx context.Context) error {
	if g.Unlimited() {
		return nil
	}
	remaining := Window - g.clock.Now().Sub(g.st.WindowStart)
	calls := g.st.Limit - float64(g.st.CallsInWindow)
	switch {
	case remaining > 0 && calls > 0:
		d := time.Duration(float64(remaining) / calls)
		if d < g.opts.MinInterval {
			d = g.opts.MinInterval
		}
		return g.clock.Sleep(ctx, d)
	case remaining > 0:
		g.st.Paused = true
	}
	return nil
}
