package harvest

import (
	"encoding/json"
	"omoharvest-backend/internal/scrapers/bubble/cipher"
	"omoharvest-backend/internal/scrapers/bubble/search"
	"strconv"
	"time"
)

// SearchTemplate builds the msearch payload a list page of recordType sends:
// every record, newest first, one page at a time. The date window is added
// per day by the search engine.
func SearchTemplate(appName, recordType, dateField string) (*search.Payload, error) {
	raw, err := json.Marshal(map[string]any{
		"appname":     appName,
		"app_version": "live",
		"searches": []map[string]any{{
			"appname":     appName,
			"app_version": "live",
			"type":        recordType,
			"constraints": []any{},
			"sorts_list": []map[string]any{
				{"sort_field": dateField, "descending": true},
			},
			"from":      0,
			"n":         search.PageSize,
			"situation": "unknown",
		}},
	})
	if err != nil {
		return nil, err
	}
	return search.ParsePayload(raw)
}

// NewTemplateEnvelope encrypts the search template under a fresh timestamp and
// iv, which then stay fixed for the whole run.
func NewTemplateEnvelope(codec cipher.Codec, payload *search.Payload, now time.Time) (cipher.Envelope, error) {
	return codec.EncryptEnvelope(
		payload,
		cipher.WithTimestamp(strconv.FormatInt(now.UnixMilli(), 10)),
	)
}
