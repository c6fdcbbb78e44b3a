package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"harvester/internal/capture"
	"harvester/internal/config"
	"harvester/internal/logging"
	"harvester/internal/metrics"
	"harvester/internal/model"
	"harvester/internal/ratelimit"
	"harvester/internal/stream"
	"harvester/internal/xclient"
)

type StreamOptions struct {
	Event   string
	Replace bool
	Append  bool
	// Timeout overrides the configured consumer stall timeout.
	Timeout time.Duration
}

func (s *Session) rules(event string) ([]xclient.Rule, error) {
	return stream.LoadRules(filepath.Join(s.Config.Input.Stream, event+".yaml"))
}

// DryRunRules validates the event's rules against the API without installing them.
func (s *Session) DryRunRules(ctx context.Context, event string) (json.RawMessage, error) {
	rules, err := s.rules(event)
	if err != nil {
		return nil, err
	}
	return stream.DryRun(ctx, s.Client, s.Config.Endpoints.Rules, rules)
}

// Stream installs the event's rules and consumes the filtered stream until ctx
// is cancelled, the server closes the connection or the consumer stalls.
func (s *Session) Stream(ctx context.Context, opts StreamOptions) error {
	defer metrics.ObserveSessionDuration(time.Now())
	log := s.Log.With(map[string]any{"event": opts.Event, "intent": string(model.IntentStream)})

	rules, err := s.rules(opts.Event)
	if err != nil {
		return err
	}
	if err := stream.SyncRules(ctx, s.Client, s.Config.Endpoints.Rules, rules, opts.Replace); err != nil {
		return err
	}

	cw, err := capture.Open(filepath.Join(s.Config.Output.JSON.Stream, opts.Event+".json"), opts.Append)
	if err != nil {
		return err
	}
	defer cw.Close()
	pw, err := NewPageWriter(s.Sink, s.Config.UpdateFields, opts.Event, model.IntentStream, cw, nil)
	if err != nil {
		return err
	}
	pw.Now = s.Now

	gov := s.governor(0)
	src, err := s.connect(ctx, gov, log)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer src.Close()
	log.Info("stream_connected", map[string]any{"rules": len(rules)})

	p := &stream.Pipeline{
		Source:   src,
		Governor: gov,
		Handle:   pw.HandlePage,
		Timeout:  s.streamTimeout(opts.Timeout),
		Log:      log,
	}
	return p.Run(ctx)
}

// connect opens the stream, pausing on 429 and 503 the way search calls do.
func (s *Session) connect(ctx context.Context, gov *ratelimit.Governor, log logging.Fields) (*xclient.Stream, error) {
	for {
		if err := gov.Admit(ctx); err != nil {
			return nil, err
		}
		src, err := s.Client.OpenStream(ctx, s.Config.Endpoints.Stream, s.fieldParams())
		gov.RecordCall()
		if err == nil {
			return src, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := gov.Absorb(err); err != nil {
			return nil, err
		}
		log.Warn("stream_connect_retry", map[string]any{"err": err})
	}
}

func (s *Session) streamTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if mins := s.Config.Stream.TimeoutMins; mins > 0 {
		return time.Duration(mins) * time.Minute
	}
	return time.Duration(config.Default().Stream.TimeoutMins) * time.Minute
}
