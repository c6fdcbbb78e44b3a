package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposure(t *testing.T) {
	IncCommandRun("search")
	IncCommandError("search")
	IncAPIRetry("/test")
	IncPause("rate_limited")
	AddTweets("search", 3)
	AddRows("tweets", 3)
	SetQueueDepth(2)
	ObserveSessionDuration(time.Now().Add(-1500 * time.Millisecond))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, m := range []string{
		"harvester_command_runs_total",
		"harvester_command_errors_total",
		"harvester_session_duration_seconds",
		"harvester_api_retries_total",
		"harvester_rate_pauses_total",
		"harvester_tweets_received_total",
		"harvester_rows_written_total",
		"harvester_stream_queue_depth",
	} {
		if !strings.Contains(body, m) {
			t.Fatalf("expected metric %s in body", m)
		}
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: %d", rec.Code)
	}
}

func TestStartServerDisabledWithoutAddr(t *testing.T) {
	if StartServer("") != nil {
		t.Fatal("expected nil server for empty addr")
	}
}
