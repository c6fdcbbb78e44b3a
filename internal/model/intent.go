package model

// Intent is the kind of query a session runs.
type Intent string

const (
	IntentSearch   Intent = "search"
	IntentStream   Intent = "stream"
	IntentConvo    Intent = "convo_search"
	IntentQuote    Intent = "quote_search"
	IntentTimeline Intent = "timeline_search"
)

// Intents lists every intent; each owns a pair of provenance flag columns on tweets.
var Intents = []Intent{IntentSearch, IntentStream, IntentConvo, IntentQuote, IntentTimeline}

// FromColumn is the flag set when a tweet was collected by this intent in any way.
func (i Intent) FromColumn() string { return "from_" + string(i) }

// DirectColumn is the flag set when a tweet was a primary result of this intent.
func (i Intent) DirectColumn() string { return "directly_from_" + string(i) }
