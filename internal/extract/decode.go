package extract

import (
	"bytes"
	"encoding/json"

	"harvester/internal/model"
)

// Payload is one decoded response body.
type Payload struct {
	Body []byte
	// Raw holds each primary result exactly as received, for the capture file.
	Raw      []json.RawMessage
	Tweets   []model.Tweet
	Includes model.Includes
	Meta     model.Meta
}

// Decode parses a search page or a stream message. Search pages carry an array
// under data, stream messages a single object. It returns nil and no error for
// an empty page (result_count 0).
func Decode(body []byte) (*Payload, error) {
	var page model.Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, shapeErr(body, "invalid json: %v", err)
	}
	data := bytes.TrimSpace(page.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		if page.Meta != nil && page.Meta.ResultCount != nil && *page.Meta.ResultCount == 0 {
			return nil, nil
		}
		return nil, shapeErr(body, "missing data")
	}

	p := &Payload{Body: body}
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &p.Raw); err != nil {
			return nil, shapeErr(body, "data: %v", err)
		}
	case '{':
		p.Raw = []json.RawMessage{json.RawMessage(data)}
	default:
		return nil, shapeErr(body, "data is neither object nor array")
	}
	p.Tweets = make([]model.Tweet, len(p.Raw))
	for i, raw := range p.Raw {
		if err := json.Unmarshal(raw, &p.Tweets[i]); err != nil {
			return nil, shapeErr(body, "data[%d]: %v", i, err)
		}
	}
	if page.Includes != nil {
		p.Includes = *page.Includes
	}
	if page.Meta != nil {
		p.Meta = *page.Meta
	}
	return p, nil
}
