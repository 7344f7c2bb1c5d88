package search

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSearchResponse(t *testing.T) {
	table := []struct {
		name      string
		body      string
		hits      []int
		totals    []int
		hasTotals []bool
	}{
		{
			name:      "scalar total",
			body:      `{"responses":[{"hits":{"hits":[{"_id":"1"},{"_id":"2"}],"total":12}}]}`,
			hits:      []int{2},
			totals:    []int{12},
			hasTotals: []bool{true},
		},
		{
			name:      "nested total",
			body:      `{"responses":[{"hits":{"hits":[{"_id":"1"}],"total":{"value":7,"relation":"eq"}}}]}`,
			hits:      []int{1},
			totals:    []int{7},
			hasTotals: []bool{true},
		},
		{
			name:      "top level total and hits array",
			body:      `{"responses":[{"hits":[{"_id":"1"}],"total":3},{"hits":{"hits":[]}}]}`,
			hits:      []int{1, 0},
			totals:    []int{3, 0},
			hasTotals: []bool{true, false},
		},
		{
			name:      "single sub-response",
			body:      `{"hits":{"hits":[{"_id":"1"}]}}`,
			hits:      []int{1},
			totals:    []int{0},
			hasTotals: []bool{false},
		},
		{
			name:      "bare array",
			body:      `[{"hits":{"hits":[{},{},{}],"total":{"value":3}}}, null]`,
			hits:      []int{3, 0},
			totals:    []int{3, 0},
			hasTotals: []bool{true, false},
		},
	}

	for _, row := range table {
		t.Run(row.name, func(t *testing.T) {
			subs, err := ParseSearchResponse([]byte(row.body))
			require.NoError(t, err)
			require.Len(t, subs, len(row.hits))
			for i, sub := range subs {
				require.Len(t, sub.Hits, row.hits[i])
				require.Equal(t, row.totals[i], sub.Total)
				require.Equal(t, row.hasTotals[i], sub.HasTotal)
			}
		})
	}
}

func TestParseSearchResponseDrift(t *testing.T) {
	for _, body := range []string{``, `<html>blocked</html>`, `{"responses":{}}`, `{"responses":[{"hits":"x"}]}`} {
		_, err := ParseSearchResponse([]byte(body))
		require.True(t, IsSoftStop(err), body)
	}
}
