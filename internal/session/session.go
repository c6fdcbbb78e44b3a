// Package session runs one harvesting session: a search, a count or a stream
// against a single event.
package session

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"harvester/internal/config"
	"harvester/internal/logging"
	"harvester/internal/ratelimit"
	"harvester/internal/store"
	"harvester/internal/xclient"
)

// Session holds what every run needs. Build it with New.
type Session struct {
	ID     string
	Config config.Config
	Client *xclient.HTTPClient
	Sink   *store.Sink
	Clock  ratelimit.Clock
	// Ceiling caps archive requests per second; nil disables it.
	Ceiling *rate.Limiter
	Now     func() time.Time
	Log     logging.Fields
}

func New(cfg config.Config, client *xclient.HTTPClient, sink *store.Sink) *Session {
	id := uuid.NewString()
	return &Session{
		ID:      id,
		Config:  cfg,
		Client:  client,
		Sink:    sink,
		Clock:   ratelimit.RealClock(),
		Ceiling: ratelimit.Ceiling(1),
		Now:     time.Now,
		Log:     logging.With(map[string]any{"session_id": id}),
	}
}

// Tables builds the sink's table set from configuration.
func Tables(cfg config.Config) map[string]store.Table {
	names := cfg.TableNames()
	out := make(map[string]store.Table, len(names))
	for kind, name := range names {
		out[kind] = store.NewTable(kind, name, cfg.InsertFields[kind])
	}
	return out
}

func (s *Session) governor(limit int) *ratelimit.Governor {
	var ceiling *rate.Limiter
	if limit > 0 {
		ceiling = s.Ceiling
	}
	return ratelimit.New(ratelimit.Options{
		Limit:       limit,
		MinInterval: time.Second,
		ReportEvery: time.Duration(s.Config.Logging.ReportEveryMins) * time.Minute,
		Clock:       s.Clock,
		Ceiling:     ceiling,
		OnReport: func(r ratelimit.Report) {
			s.Log.Info("status_report", map[string]any{
				"tweets":        r.Tweets,
				"interval_mins": int(r.Interval.Minutes()),
				"total":         r.Total,
			})
		},
	})
}

// fieldParams are the field and expansion parameters shared by search and stream.
func (s *Session) fieldParams() url.Values {
	rf := s.Config.RequestFields
	v := url.Values{}
	set := func(k string, fs []string) {
		if len(fs) > 0 {
			v.Set(k, strings.Join(fs, ","))
		}
	}
	set("tweet.fields", rf.Tweets)
	set("user.fields", rf.Users)
	set("media.fields", rf.Media)
	set("place.fields", rf.Places)
	set("expansions", s.Config.Expansions)
	return v
}

// clampResults keeps max_results within the archive endpoint's 10-500 range.
func clampResults(n int) string {
	return strconv.Itoa(min(max(n, 10), 500))
}
