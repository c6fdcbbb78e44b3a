package query

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"harvester/internal/capture"
	"harvester/internal/extract"
	"harvester/internal/logging"
	"harvester/internal/metrics"
	"harvester/internal/model"
)

// Counter totals count-endpoint pages and optionally keeps each query's
// time-series buckets in <event>_counts_<NNN>.json.
type Counter struct {
	Dir     string
	Event   string
	Files   bool
	Queries int
	Log     logging.Fields

	index    int
	perQuery int
	total    int
	w        *capture.Writer
}

func NewCounter(dir, event string, files bool, queries int, log logging.Fields) *Counter {
	return &Counter{Dir: dir, Event: event, Files: files, Queries: queries, Log: log, index: -1}
}

// FileName is the count artifact for the query at index (zero based).
func (c *Counter) FileName(index int) string {
	width := len(strconv.Itoa(c.Queries))
	return filepath.Join(c.Dir, fmt.Sprintf("%s_counts_%0*d.json", c.Event, width, index+1))
}

// Handle is a PageHandler.
func (c *Counter) Handle(_ context.Context, index int, q Query, body []byte) error {
	var page struct {
		Data []json.RawMessage `json:"data"`
		Meta *model.Meta       `json:"meta"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return &extract.PayloadError{Reason: "invalid json: " + err.Error(), Payload: body}
	}
	if index != c.index {
		if err := c.finishQuery(); err != nil {
			return err
		}
		c.index = index
		if c.Files {
			w, err := capture.Open(c.FileName(index), false)
			if err != nil {
				return err
			}
			c.w = w
		}
	}

	n := 0
	switch {
	case page.Meta != nil && page.Meta.TotalTweetCount != nil:
		n = *page.Meta.TotalTweetCount
	case page.Meta != nil && page.Meta.ResultCount != nil && *page.Meta.ResultCount == 0:
	default:
		return &extract.PayloadError{Reason: "missing meta.total_tweet_count", Payload: body}
	}
	c.perQuery += n
	c.total += n
	metrics.AddCounted(n)
	if c.w != nil && len(page.Data) > 0 {
		return c.w.Write(page.Data...)
	}
	return nil
}

func (c *Counter) finishQuery() error {
	if c.index >= 0 {
		c.Log.Info("query_count", map[string]any{"query_index": c.index + 1, "count": c.perQuery})
	}
	c.perQuery = 0
	if c.w == nil {
		return nil
	}
	err := c.w.Close()
	c.w = nil
	return err
}

// Close finishes the last query and logs the overall total.
func (c *Counter) Close() error {
	err := c.finishQuery()
	c.Log.Info("total_count", map[string]any{"count": c.total, "queries": c.Queries})
	return err
}

func (c *Counter) Total() int { return c.total }
