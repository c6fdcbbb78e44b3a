package cmdlog

import (
	"context"
	"errors"
	"time"

	"harvester/internal/logging"
	"harvester/internal/metrics"
)

// Run executes a CLI command body, logging its outcome and counting runs and failures.
// An interrupted command that returns context.Canceled is reported as ok.
func Run(cmd string, fields map[string]any, f func() error) error {
	metrics.IncCommandRun(cmd)
	start := time.Now()
	err := f()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	out := map[string]any{"duration_ms": time.Since(start).Milliseconds()}
	for k, v := range fields {
		out[k] = v
	}
	if err != nil {
		metrics.IncCommandError(cmd)
		out["error"] = err.Error()
		logging.Error(cmd+"_error", out)
	} else {
		logging.Info(cmd+"_ok", out)
	}
	return err
}
