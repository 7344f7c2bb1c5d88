package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"omoharvest-backend/internal/components/telemetry"
	"omoharvest-backend/internal/scrapers/bubble/cipher"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, baseUrl string) (*Session, *telemetry.RecordingAPI) {
	t.Helper()
	tel := &telemetry.RecordingAPI{}
	sess, err := New(Options{
		BaseURL: baseUrl,
		AppName: "omolaat",
		Timeout: 5 * time.Second,
	}, tel)
	require.NoError(t, err)
	return sess, tel
}

func TestRequestCookies(t *testing.T) {
	var seenCookies []string
	mux := http.NewServeMux()
	mux.HandleFunc("/first", func(w http.ResponseWriter, r *http.Request) {
		seenCookies = append(seenCookies, r.Header.Get("Cookie"))
		http.SetCookie(w, &http.Cookie{Name: "b", Value: "1"})
		http.SetCookie(w, &http.Cookie{Name: "a", Value: "1"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/second", func(w http.ResponseWriter, r *http.Request) {
		seenCookies = append(seenCookies, r.Header.Get("Cookie"))
		http.SetCookie(w, &http.Cookie{Name: "a", Value: "2"})
		http.SetCookie(w, &http.Cookie{Name: "b", Value: "", MaxAge: -1})
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})
	mux.HandleFunc("/third", func(w http.ResponseWriter, r *http.Request) {
		seenCookies = append(seenCookies, r.Header.Get("Cookie"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	sess, _ := newTestSession(t, server.URL)
	ctx := context.Background()

	res, err := sess.Request(ctx, http.MethodGet, "/first", nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)

	res, err = sess.Request(ctx, http.MethodGet, "/second", nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, res.Status, "redirects must not be followed")

	_, err = sess.Request(ctx, http.MethodGet, "/third", nil, nil)
	require.NoError(t, err)

	require.Equal(t, []string{"", "a=1; b=1", "a=2"}, seenCookies)
	require.Equal(t, map[string]string{"a": "2"}, sess.Cookies())
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer server.Close()

	sess, _ := newTestSession(t, server.URL)
	sess.SetHeader("X-Default", "default")
	sess.SetHeader("X-Overridden", "default")

	_, err := sess.Request(context.Background(), http.MethodGet, "/", map[string]string{
		"X-Overridden": "call",
	}, nil)
	require.NoError(t, err)

	require.Equal(t, "default", got.Get("X-Default"))
	require.Equal(t, "call", got.Get("X-Overridden"))
	require.Equal(t, DefaultUserAgent, got.Get("User-Agent"))
}

func TestRequestTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseUrl := server.URL
	server.Close()

	sess, tel := newTestSession(t, baseUrl)
	_, err := sess.Request(context.Background(), http.MethodGet, "/", nil, nil)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.MethodGet, transportErr.Method)
	require.NotEmpty(t, tel.Reports("broken"))
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	sess, err := New(Options{
		BaseURL: server.URL,
		AppName: "omolaat",
		Timeout: 50 * time.Millisecond,
	}, &telemetry.RecordingAPI{})
	require.NoError(t, err)

	_, err = sess.Request(context.Background(), http.MethodGet, "/", nil, nil)
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
}

func TestSearch(t *testing.T) {
	codec := cipher.NewCodec("omolaat", cipher.Strict)

	var decrypted cipher.Decrypted
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, SearchPath, r.URL.Path)
		headers = r.Header.Clone()

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var env cipher.Envelope
		require.NoError(t, json.Unmarshal(body, &env))
		decrypted, err = codec.Open(env)
		require.NoError(t, err)

		w.Write([]byte(`{"responses":[]}`))
	}))
	defer server.Close()

	sess, _ := newTestSession(t, server.URL)
	env, err := codec.EncryptEnvelope(`{"searches":[]}`)
	require.NoError(t, err)

	res, err := sess.Search(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, `{"responses":[]}`, string(res.Body))
	require.Equal(t, `{"searches":[]}`, string(decrypted.Payload))

	require.Equal(t, "omolaat", headers.Get(HeaderAppName))
	require.Equal(t, DefaultBreakingRevision, headers.Get(HeaderBreakingRevision))
	require.Equal(t, DefaultClientVersion, headers.Get(HeaderClientVersion))
	require.Contains(t, headers.Get(HeaderFiberID), "x")
	require.True(t, strings.HasPrefix(headers.Get("Content-Type"), "application/json"))
}

func TestClone(t *testing.T) {
	sess, _ := newTestSession(t, "https://omolaat.bubbleapps.io")
	sess.SetCookie("omolaat_live_u2main", "bus|1|token")
	sess.SetHeader("X-Custom", "one")

	clone, err := sess.Clone()
	require.NoError(t, err)
	clone.SetCookie("omolaat_live_u2main", "changed")
	clone.SetHeader("X-Custom", "two")

	value, ok := sess.Cookie("omolaat_live_u2main")
	require.True(t, ok)
	require.Equal(t, "bus|1|token", value)
	require.Equal(t, "one", sess.headers["X-Custom"])
	require.Equal(t, "two", clone.headers["X-Custom"])
	require.NotSame(t, sess.http, clone.http)
}

func TestNewRejectsRelativeBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "/relative", AppName: "omolaat"}, &telemetry.RecordingAPI{})
	require.Error(t, err)
}

func TestIDGeneratorMonotonic(t *testing.T) {
	fixed := time.UnixMilli(1704067200000)
	gen := NewIDGenerator(func() time.Time { return fixed })

	prev := ""
	for i := 0; i < 500; i++ {
		id := gen.Next()
		require.True(t, strings.HasPrefix(id, "1704067200000x"), id)
		require.Len(t, id, 13+1+18)
		require.Greater(t, id, prev)
		prev = id
	}

	first, second := gen.Pair()
	require.Greater(t, second, first)
}

func TestURL(t *testing.T) {
	sess, _ := newTestSession(t, "https://omolaat.bubbleapps.io/")
	require.Equal(t, "https://omolaat.bubbleapps.io/api/1.1/init/data?location=x", sess.URL("/api/1.1/init/data?location=x"))
}
