package harvest

import (
	"encoding/json"
	"omoharvest-backend/internal/scrapers/bubble/cipher"
	"omoharvest-backend/internal/scrapers/bubble/search"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSearchTemplate(t *testing.T) {
	payload, err := SearchTemplate("omolaat", "custom.order", "Created Date")
	require.NoError(t, err)

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"appname": "omolaat",
		"app_version": "live",
		"searches": [{
			"appname": "omolaat",
			"app_version": "live",
			"type": "custom.order",
			"constraints": [],
			"sorts_list": [{"sort_field": "Created Date", "descending": true}],
			"from": 0,
			"n": 10,
			"situation": "unknown"
		}]
	}`, string(out))
}

func TestNewTemplateEnvelope(t *testing.T) {
	codec := cipher.NewCodec("omolaat", cipher.Strict)
	payload, err := SearchTemplate("omolaat", "custom.order", "Created Date")
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 0, 0, 0, 123_000_000, time.UTC)
	env, err := NewTemplateEnvelope(codec, payload, now)
	require.NoError(t, err)
	require.Equal(t, "1704067200123", env.Timestamp)

	opened, err := codec.Open(env)
	require.NoError(t, err)
	require.Equal(t, "1704067200123", opened.Timestamp)
	parsed, err := search.ParsePayload(opened.Payload)
	require.NoError(t, err)
	require.Len(t, parsed.Definitions, 1)
	require.Equal(t, 0, *parsed.Definitions[0].From)
}
