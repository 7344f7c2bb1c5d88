package search

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UpstreamError is a search call answered with a non 2xx status.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("search rejected with status %d: %s", e.Status, e.Body)
}

// SubResponse is the answer to one definition of a search payload.
type SubResponse struct {
	Hits []json.RawMessage
	// Total is the number of hits the upstream claims the search has, only
	// meaningful when HasTotal is set.
	Total    int
	HasTotal bool
}

// PageResult is one page of a search, Body is the raw response.
type PageResult struct {
	Page      int             `json:"page"`
	Offset    int             `json:"offset"`
	HitCount  int             `json:"hit_count"`
	Body      json.RawMessage `json:"body"`
	Responses []SubResponse   `json:"-"`
}

// ParseSearchResponse splits a search response into its sub-responses. It
// understands {"responses": [...]}, a bare array of sub-responses and a single
// sub-response object. Hits are read from `hits.hits` (or `hits` when it is an
// array), totals from `hits.total` then `total`, either as a number or as
// {"value": n}.
func ParseSearchResponse(body []byte) ([]SubResponse, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &ProtocolDriftError{Reason: "empty search response"}
	}

	var rawSubs []json.RawMessage
	switch trimmed[0] {
	case '[':
		err := json.Unmarshal(trimmed, &rawSubs)
		if err != nil {
			return nil, &ProtocolDriftError{Reason: "search response array", Err: err}
		}
	case '{':
		fields := map[string]json.RawMessage{}
		err := json.Unmarshal(trimmed, &fields)
		if err != nil {
			return nil, &ProtocolDriftError{Reason: "search response object", Err: err}
		}
		responses, ok := fields["responses"]
		if !ok {
			rawSubs = []json.RawMessage{trimmed}
			break
		}
		if isNull(responses) {
			return nil, nil
		}
		err = json.Unmarshal(responses, &rawSubs)
		if err != nil {
			return nil, &ProtocolDriftError{Reason: "search responses", Err: err}
		}
	default:
		return nil, &ProtocolDriftError{Reason: "search response is not an object or array"}
	}

	out := make([]SubResponse, 0, len(rawSubs))
	for _, raw := range rawSubs {
		sub, err := parseSubResponse(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func parseSubResponse(raw json.RawMessage) (SubResponse, error) {
	var sub SubResponse
	if isNull(raw) {
		return sub, nil
	}

	fields := map[string]json.RawMessage{}
	err := json.Unmarshal(raw, &fields)
	if err != nil {
		return sub, &ProtocolDriftError{Reason: "sub-response", Err: err}
	}

	if hits, ok := fields["hits"]; ok && !isNull(hits) {
		trimmed := bytes.TrimSpace(hits)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			err = json.Unmarshal(trimmed, &sub.Hits)
			if err != nil {
				return sub, &ProtocolDriftError{Reason: "hits array", Err: err}
			}
		} else {
			var inner struct {
				Hits  []json.RawMessage `json:"hits"`
				Total json.RawMessage   `json:"total"`
			}
			err = json.Unmarshal(trimmed, &inner)
			if err != nil {
				return sub, &ProtocolDriftError{Reason: "hits object", Err: err}
			}
			sub.Hits = inner.Hits
			sub.Total, sub.HasTotal = parseTotal(inner.Total)
		}
	}

	if !sub.HasTotal {
		sub.Total, sub.HasTotal = parseTotal(fields["total"])
	}
	return sub, nil
}

func parseTotal(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || isNull(raw) {
		return 0, false
	}
	var scalar float64
	if json.Unmarshal(raw, &scalar) == nil {
		return int(scalar), true
	}
	var nested struct {
		Value *float64 `json:"value"`
	}
	if json.Unmarshal(raw, &nested) == nil && nested.Value != nil {
		return int(*nested.Value), true
	}
	return 0, false
}
