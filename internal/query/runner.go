package query

import (
	"context"
	"encoding/json"
	"net/url"

	"harvester/internal/logging"
	"harvester/internal/model"
	"harvester/internal/ratelimit"
)

// Fetcher performs one GET. *xclient.HTTPClient implements it.
type Fetcher interface {
	Get(ctx context.Context, endpoint string, params url.Values) ([]byte, error)
}

// PageHandler receives every successful page. index is the query's position in the queue.
type PageHandler func(ctx context.Context, index int, q Query, body []byte) error

// Runner pages through a query queue under a rate governor.
type Runner struct {
	Fetcher  Fetcher
	Governor *ratelimit.Governor
	Endpoint string
	// Params are sent with every request: fields, expansions, max_results or granularity.
	Params url.Values
	OnPage PageHandler
	Log    logging.Fields
}

// Run processes queries in order until the queue is exhausted or ctx is cancelled.
// Cancellation is not an error.
func (r *Runner) Run(ctx context.Context, queries []Query) error {
	cursor := ""
	announced := -1
	for i := 0; i < len(queries); {
		if ctx.Err() != nil {
			return nil
		}
		q := queries[i]
		if announced != i {
			r.Log.Info("search_query_updated", map[string]any{
				"query_index": i + 1,
				"queries":     len(queries),
				"query":       q.Text,
				"start_time":  FormatTime(q.Start),
				"end_time":    FormatTime(q.End),
			})
			announced = i
		}

		if err := r.Governor.Admit(ctx); err != nil {
			return quiet(ctx, err)
		}
		body, err := r.Fetcher.Get(ctx, r.Endpoint, r.params(q, cursor))
		r.Governor.RecordCall()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := r.Governor.Absorb(err); err != nil {
				return err
			}
			continue
		}
		if err := r.OnPage(ctx, i, q, body); err != nil {
			return err
		}

		if next := nextToken(body); next != "" {
			cursor = next
		} else {
			cursor = ""
			i++
			if i == len(queries) {
				break
			}
		}
		if err := r.Governor.Pace(ctx); err != nil {
			return quiet(ctx, err)
		}
	}
	return nil
}

func (r *Runner) params(q Query, cursor string) url.Values {
	v := make(url.Values, len(r.Params)+4)
	for k, vs := range r.Params {
		v[k] = append([]string(nil), vs...)
	}
	v.Set("query", q.Text)
	if q.Start != nil {
		v.Set("start_time", FormatTime(q.Start))
	}
	if q.End != nil {
		v.Set("end_time", FormatTime(q.End))
	}
	if cursor != "" {
		v.Set("next_token", cursor)
	}
	return v
}

func nextToken(body []byte) string {
	var page struct {
		Meta *model.Meta `json:"meta"`
	}
	if json.Unmarshal(body, &page) != nil || page.Meta == nil {
		return ""
	}
	return page.Meta.NextToken
}

// quiet maps an error caused by cancellation to nil.
func quiet(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
