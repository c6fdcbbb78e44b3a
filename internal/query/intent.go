package query

import (
	"fmt"
	"strings"

	"harvester/internal/model"
)

// Window bound sentinels.
const (
	FirstTime = "first_time"
	LastTime  = "last_time"
	Now       = "now"
)

// IntentSpec is the per-intent behaviour table: how seed rows are selected,
// how groups become query fragments and which window defaults apply.
type IntentSpec struct {
	Intent model.Intent
	// Seed rows are grouped by these tweet columns; empty for free-text search.
	GroupBy  []string
	Operator string
	// Breadth selects the seed rows. Extra is AND-ed to it.
	Breadth string
	Extra   string
	// Defaults used when neither backfill nor update is requested.
	DefaultStart    string
	DefaultEnd      string
	DefaultDaysBack int
	Incremental     bool
	// WidenGroups adds rows from earlier runs of the same intent to the seed groups
	// so an interrupted backfill or update resumes from where it stopped.
	WidenGroups bool
}

const eventBreadth = "directly_from_search OR directly_from_stream"

// SpecFor returns the behaviour of an intent. quotesOfQuotes seeds a quote search
// from earlier quote results instead of search results.
func SpecFor(intent model.Intent, quotesOfQuotes bool) (IntentSpec, error) {
	switch intent {
	case model.IntentSearch:
		return IntentSpec{Intent: intent, Breadth: eventBreadth, Incremental: true}, nil
	case model.IntentConvo:
		return IntentSpec{
			Intent: intent, GroupBy: []string{"conversation_id"}, Operator: "conversation_id",
			Breadth: eventBreadth, DefaultStart: FirstTime, DefaultEnd: LastTime,
			Incremental: true, WidenGroups: true,
		}, nil
	case model.IntentTimeline:
		return IntentSpec{
			Intent: intent, GroupBy: []string{"author_id"}, Operator: "from",
			Breadth: eventBreadth, DefaultStart: FirstTime, DefaultEnd: LastTime, DefaultDaysBack: 14,
			Incremental: true, WidenGroups: true,
		}, nil
	case model.IntentQuote:
		breadth := model.IntentSearch.DirectColumn()
		if quotesOfQuotes {
			breadth = model.IntentQuote.DirectColumn()
		}
		return IntentSpec{
			Intent: intent, GroupBy: []string{"id", "author_handle"}, Operator: "url",
			Breadth: breadth, Extra: "retweeted IS NULL AND quote_count > 0",
			DefaultStart: FirstTime, DefaultEnd: LastTime,
		}, nil
	}
	return IntentSpec{}, fmt.Errorf("intent %q has no search behaviour", intent)
}

// IDDriven reports whether queries are built from group keys rather than a query file.
func (s IntentSpec) IDDriven() bool { return len(s.GroupBy) > 0 }

// SeedFilter is the predicate for the event's seed rows.
func (s IntentSpec) SeedFilter() string { return s.filter(false) }

// GroupFilter is SeedFilter, widened with the intent's own direct results when enabled.
func (s IntentSpec) GroupFilter() string { return s.filter(s.WidenGroups) }

func (s IntentSpec) filter(widen bool) string {
	b := s.Breadth
	if widen {
		b += " OR " + s.Intent.DirectColumn()
	}
	f := "(" + b + ")"
	if s.Extra != "" {
		f += " AND " + s.Extra
	}
	return f
}

// Fragment renders the operator-prefixed query for one group key.
func (s IntentSpec) Fragment(key []string) (string, error) {
	if len(key) == 0 || key[0] == "" {
		return "", fmt.Errorf("empty %s group key", s.Intent)
	}
	switch s.Operator {
	case "url":
		if len(key) < 2 || key[1] == "" {
			return "", fmt.Errorf("quote target %s has no author handle", key[0])
		}
		return fmt.Sprintf(`url:"https://twitter.com/%s/status/%s"`, key[1], key[0]), nil
	case "from":
		return "from:" + strings.TrimPrefix(key[0], "@"), nil
	}
	return s.Operator + ":" + key[0], nil
}
