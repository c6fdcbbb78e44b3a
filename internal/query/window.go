package query

import (
	"fmt"
	"strings"
	"time"

	"harvester/internal/store"
)

// TimeFormat is how window bounds are sent to the API.
const TimeFormat = "2006-01-02T15:04:05Z"

const day = 24 * time.Hour

// Mode selects an incremental run.
type Mode int

const (
	ModeNormal Mode = iota
	ModeBackfill
	ModeUpdate
)

func (m Mode) String() string {
	switch m {
	case ModeBackfill:
		return "backfill"
	case ModeUpdate:
		return "update"
	}
	return "normal"
}

// ModeOf validates the backfill and update flags.
func ModeOf(backfill, update bool) (Mode, error) {
	switch {
	case backfill && update:
		return ModeNormal, ErrConflictingModes
	case backfill:
		return ModeBackfill, nil
	case update:
		return ModeUpdate, nil
	}
	return ModeNormal, nil
}

// WindowRequest is the user's view of the time window. Start and End are empty,
// a sentinel (first_time, last_time, now) or an RFC 3339 timestamp.
type WindowRequest struct {
	Start     string
	End       string
	DaysBack  int
	DaysAfter int
	Mode      Mode
	// FullTimeline leaves both bounds open.
	FullTimeline bool
}

// Seeds are the earliest and latest creation times of the event's seed rows.
type Seeds struct {
	First *time.Time
	Last  *time.Time
}

// Window is a resolved time range. A nil bound is open.
type Window struct {
	Start *time.Time
	End   *time.Time
}

// ResolveWindow turns a request into concrete bounds. An explicit start moves
// back DaysBack days and an explicit end forward DaysAfter days.
func ResolveWindow(req WindowRequest, seeds Seeds, now time.Time) (Window, error) {
	var w Window
	if req.FullTimeline {
		return w, nil
	}

	switch {
	case req.Start != "":
		t, err := resolveBound(req.Start, seeds, now)
		if err != nil {
			return w, fmt.Errorf("start: %w", err)
		}
		t = t.Add(-time.Duration(req.DaysBack) * day)
		w.Start = &t
	case req.Mode == ModeBackfill:
		if seeds.First == nil {
			return w, store.ErrNoSeedData
		}
		t := midnight(*seeds.First)
		w.Start = &t
	case req.Mode == ModeUpdate:
		if seeds.Last == nil {
			return w, store.ErrNoSeedData
		}
		t := *seeds.Last
		w.Start = &t
	}

	switch {
	case req.End != "":
		t, err := resolveBound(req.End, seeds, now)
		if err != nil {
			return w, fmt.Errorf("end: %w", err)
		}
		t = t.Add(time.Duration(req.DaysAfter) * day)
		w.End = &t
	case req.Mode == ModeBackfill:
		if seeds.First == nil {
			return w, store.ErrNoSeedData
		}
		t := *seeds.First
		w.End = &t
	case req.Mode == ModeUpdate:
		t := now
		w.End = &t
	}
	return w, nil
}

func resolveBound(v string, seeds Seeds, now time.Time) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case FirstTime:
		if seeds.First == nil {
			return time.Time{}, store.ErrNoSeedData
		}
		return *seeds.First, nil
	case LastTime:
		if seeds.Last == nil {
			return time.Time{}, store.ErrNoSeedData
		}
		return *seeds.Last, nil
	case Now:
		return now, nil
	}
	return ParseTime(v)
}

// ParseTime accepts RFC 3339 timestamps and bare dates.
func ParseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", v)
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatTime renders a bound for the API; nil renders empty.
func FormatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}
