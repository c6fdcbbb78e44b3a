package query

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"harvester/internal/logging"
	"harvester/internal/model"
	"harvester/internal/store"
	"harvester/internal/util"
)

// Query is one search string with its own window.
type Query struct {
	Text  string
	Start *time.Time
	End   *time.Time
}

// QueryFile is an event's free-text query list.
type QueryFile struct {
	Queries   []string `yaml:"queries"`
	StartTime string   `yaml:"start_time"`
	EndTime   string   `yaml:"end_time"`
}

func LoadQueryFile(path string) (QueryFile, error) {
	var qf QueryFile
	b, err := os.ReadFile(path)
	if err != nil {
		return qf, err
	}
	if err := yaml.Unmarshal(b, &qf); err != nil {
		return qf, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(qf.Queries) == 0 {
		return qf, fmt.Errorf("%s: no queries", path)
	}
	return qf, nil
}

// SeedSource reads the event's seed rows. *store.Sink implements it.
type SeedSource interface {
	SeedBounds(ctx context.Context, event, breadth string) (first, last *time.Time, err error)
	SeedGroups(ctx context.Context, event string, groupBy []string, breadth string) ([]store.Group, error)
}

// Request describes what a search session should cover.
type Request struct {
	Event  string
	Spec   IntentSpec
	Window WindowRequest
	// QueryFile is read for free-text intents.
	QueryFile string
	// IDsFile replaces seed groups with one key per line.
	IDsFile string
}

// Plan builds the ordered query queue for a search session.
func Plan(ctx context.Context, req Request, seeds SeedSource, now time.Time) ([]Query, error) {
	spec := req.Spec
	wr := req.Window
	if wr.Mode != ModeNormal && !spec.Incremental {
		return nil, fmt.Errorf("%s %s: %w", wr.Mode, spec.Intent, ErrIncrementalNotAllowed)
	}

	first, last, err := seeds.SeedBounds(ctx, req.Event, spec.SeedFilter())
	if err != nil {
		return nil, err
	}
	if wr.Mode == ModeNormal {
		// intent defaults only apply when seed data exists to resolve them
		if wr.Start == "" && spec.DefaultStart != "" && first != nil {
			wr.Start = spec.DefaultStart
			if spec.DefaultDaysBack > 0 {
				wr.DaysBack = spec.DefaultDaysBack
			}
		}
		if wr.End == "" && spec.DefaultEnd != "" && last != nil {
			wr.End = spec.DefaultEnd
		}
	}
	win, err := ResolveWindow(wr, Seeds{First: first, Last: last}, now)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", req.Event, err)
	}

	if !spec.IDDriven() {
		return planFreeText(req, win)
	}
	groups, err := loadGroups(ctx, req, seeds)
	if err != nil {
		return nil, err
	}
	return PlanGroups(spec, groups, win, wr.Mode)
}

func planFreeText(req Request, win Window) ([]Query, error) {
	qf, err := LoadQueryFile(req.QueryFile)
	if err != nil {
		return nil, err
	}
	if win.Start == nil && qf.StartTime != "" {
		t, err := ParseTime(qf.StartTime)
		if err != nil {
			return nil, fmt.Errorf("%s start_time: %w", req.QueryFile, err)
		}
		t = t.Add(-time.Duration(req.Window.DaysBack) * day)
		win.Start = &t
	}
	if win.End == nil && qf.EndTime != "" {
		t, err := ParseTime(qf.EndTime)
		if err != nil {
			return nil, fmt.Errorf("%s end_time: %w", req.QueryFile, err)
		}
		t = t.Add(time.Duration(req.Window.DaysAfter) * day)
		win.End = &t
	}
	out := make([]Query, 0, len(qf.Queries))
	for _, q := range qf.Queries {
		out = append(out, Query{Text: q, Start: win.Start, End: win.End})
	}
	return out, nil
}

func loadGroups(ctx context.Context, req Request, seeds SeedSource) ([]store.Group, error) {
	spec := req.Spec
	if req.IDsFile == "" {
		groups, err := seeds.SeedGroups(ctx, req.Event, spec.GroupBy, spec.GroupFilter())
		if err != nil {
			return nil, err
		}
		if len(groups) == 0 {
			return nil, fmt.Errorf("event %s %s: %w", req.Event, spec.Intent, store.ErrNoSeedData)
		}
		return groups, nil
	}
	if len(spec.GroupBy) != 1 {
		return nil, fmt.Errorf("%s does not accept an ids file", spec.Intent)
	}
	lines, err := util.ReadLines(req.IDsFile)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, errors.New(req.IDsFile + ": no ids")
	}
	groups := make([]store.Group, 0, len(lines))
	for _, l := range lines {
		groups = append(groups, store.Group{Key: []string{l}})
	}
	return groups, nil
}

// PlanGroups turns seed groups into queries. Plain runs OR-join fragments;
// backfill and update give every group its own window.
func PlanGroups(spec IntentSpec, groups []store.Group, win Window, mode Mode) ([]Query, error) {
	if mode == ModeNormal {
		frags := make([]string, 0, len(groups))
		for _, g := range groups {
			f, err := spec.Fragment(g.Key)
			if err != nil {
				return nil, err
			}
			frags = append(frags, f)
		}
		texts, err := BatchFragments(frags, MaxQueryLen)
		if err != nil {
			return nil, err
		}
		out := make([]Query, 0, len(texts))
		for _, t := range texts {
			out = append(out, Query{Text: t, Start: win.Start, End: win.End})
		}
		return out, nil
	}

	out := make([]Query, 0, len(groups))
	for _, g := range groups {
		f, err := spec.Fragment(g.Key)
		if err != nil {
			return nil, err
		}
		q := Query{Text: f, Start: win.Start, End: win.End}
		switch mode {
		case ModeBackfill:
			if g.First != nil {
				q.End = g.First
			}
		case ModeUpdate:
			if g.Last != nil {
				q.Start = g.Last
			}
		}
		if q.Start != nil && q.End != nil && !q.Start.Before(*q.End) {
			logging.Debug("empty_group_window", map[string]any{"query": f, "start": FormatTime(q.Start), "end": FormatTime(q.End)})
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// OutputName is the capture file for an intent's primary results.
func OutputName(event string, intent model.Intent) string {
	switch intent {
	case model.IntentConvo:
		return event + "_conversations.json"
	case model.IntentTimeline:
		return event + "_timelines.json"
	case model.IntentQuote:
		return event + "_quotes.json"
	}
	return event + ".json"
}
