package telemetry

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopedAPI(t *testing.T) {
	rec := &RecordingAPI{}
	scoped := NewScopedAPI("bubble_session", rec)

	scoped.ReportBroken("session.request", "boom")
	scoped.ReportWarning("session.cookie")
	scoped.ReportCount("session.pages", 3)

	broken := rec.Reports("broken")
	require.Len(t, broken, 1)
	require.Equal(t, "bubble_session: session.request", broken[0].ID)
	require.Equal(t, []any{"boom"}, broken[0].Params)

	require.Len(t, rec.Reports("warning"), 1)
	require.Equal(t, []any{int64(3)}, rec.Reports("count")[0].Params)
	require.Len(t, rec.Reports(""), 3)
}

func TestFormatHeadersRedactsCookies(t *testing.T) {
	headers := http.Header{}
	headers.Set("Cookie", "secret=1")
	headers.Set("Accept", "application/json")

	require.Equal(t, "Accept: application/json\nCookie: <redacted>", formatHeaders(headers))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "DEBUG", parseLevel("debug").String())
	require.Equal(t, "WARN", parseLevel("Warning").String())
	require.Equal(t, "INFO", parseLevel("").String())
}
