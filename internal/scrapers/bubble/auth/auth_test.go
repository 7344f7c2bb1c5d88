package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"omoharvest-backend/internal/components/telemetry"
	"omoharvest-backend/internal/scrapers/bubble/session"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

const loginPage = `<!DOCTYPE html>
<html>
<head>
	<meta name="bubble_client_version" content="a1b2c3d4e5">
	<script>window.app = {};</script>
</head>
<body></body>
</html>`

type fakeUpstream struct {
	t *testing.T

	sessionCookie string
	loginStatus   int

	calls    []string
	workflow workflowRequest
	headers  http.Header
}

func (f *fakeUpstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		f.calls = append(f.calls, "page")
		http.SetCookie(w, &http.Cookie{Name: "__cf_bm", Value: "warm"})
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(loginPage))
	})
	mux.HandleFunc(InitPath, func(w http.ResponseWriter, r *http.Request) {
		f.calls = append(f.calls, "init")
		require.True(f.t, strings.HasSuffix(r.URL.Query().Get("location"), "/login"))
		require.Contains(f.t, r.Header.Get("Cookie"), "__cf_bm=warm")
		if f.sessionCookie != "" {
			http.SetCookie(w, &http.Cookie{Name: "omolaat_live_u2main", Value: f.sessionCookie})
		}
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc(HiPath, func(w http.ResponseWriter, r *http.Request) {
		f.calls = append(f.calls, "hi")
		require.Equal(f.t, http.MethodPost, r.Method)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc(WorkflowPath, func(w http.ResponseWriter, r *http.Request) {
		f.calls = append(f.calls, "workflow")
		f.headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(f.t, err)
		require.NoError(f.t, json.Unmarshal(body, &f.workflow))

		if f.loginStatus != http.StatusOK {
			w.WriteHeader(f.loginStatus)
			w.Write([]byte(`{"error":"bad credentials"}`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "omolaat_live_u1main", Value: "real-session"})
		w.Write([]byte(`{"step_results":[]}`))
	})
	return mux
}

func setup(t *testing.T, f *fakeUpstream) (*session.Session, *telemetry.RecordingAPI) {
	t.Helper()
	f.t = t
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)

	tel := &telemetry.RecordingAPI{}
	sess, err := session.New(session.Options{
		BaseURL: server.URL,
		AppName: "omolaat",
		Timeout: 5 * time.Second,
	}, tel)
	require.NoError(t, err)
	return sess, tel
}

func TestLogin(t *testing.T) {
	f := &fakeUpstream{
		sessionCookie: "bus|1704067200000x123456789012345678|token",
		loginStatus:   http.StatusOK,
	}
	sess, tel := setup(t, f)

	authenticator := New(sess, Options{}, tel)
	require.Equal(t, Unauthenticated, authenticator.State())

	out, err := authenticator.Login(context.Background(), "user@example.com", "hunter2")
	require.NoError(t, err)
	require.Same(t, sess, out)
	require.Equal(t, Authenticated, authenticator.State())
	require.Equal(t, "1704067200000x123456789012345678", authenticator.AccountID())
	require.Equal(t, []string{"page", "init", "hi", "workflow"}, f.calls)

	value, ok := sess.Cookie("omolaat_live_u1main")
	require.True(t, ok)
	require.Equal(t, "real-session", value)
	require.Equal(t, "a1b2c3d4e5", sess.ClientVersion)
	require.Equal(t, "a1b2c3d4e5", f.headers.Get(session.HeaderClientVersion))

	opts := DefaultOptions()
	require.Len(t, f.workflow.Calls, 1)
	call := f.workflow.Calls[0]
	require.Equal(t, "user@example.com", call.ClientState.ElementState[opts.EmailElementID].Value)
	require.Equal(t, "hunter2", call.ClientState.ElementState[opts.PasswordElementID].Value)
	require.Equal(t, "1704067200000x123456789012345678", f.workflow.UserID)
	require.Equal(t, "UTC", f.workflow.TimezoneString)
	require.Greater(t, call.ServerCallID, call.RunID)
	require.Equal(t, opts.ButtonElementID, call.ElementID)
}

func TestLoginMissingAccountID(t *testing.T) {
	table := []struct {
		name   string
		cookie string
	}{
		{name: "no cookie", cookie: ""},
		{name: "no delimiter", cookie: "bus"},
		{name: "empty field", cookie: "bus||token"},
	}

	for _, row := range table {
		t.Run(row.name, func(t *testing.T) {
			f := &fakeUpstream{sessionCookie: row.cookie, loginStatus: http.StatusOK}
			sess, tel := setup(t, f)

			authenticator := New(sess, Options{}, tel)
			_, err := authenticator.Login(context.Background(), "user@example.com", "hunter2")

			var authErr *AuthenticationError
			require.ErrorAs(t, err, &authErr)
			require.Zero(t, authErr.Status)
			require.Equal(t, Failed, authenticator.State())
			require.NotContains(t, f.calls, "workflow")
		})
	}
}

func TestLoginRejected(t *testing.T) {
	f := &fakeUpstream{
		sessionCookie: "bus|1704067200000x1|token",
		loginStatus:   http.StatusBadRequest,
	}
	sess, tel := setup(t, f)

	authenticator := New(sess, Options{}, tel)
	_, err := authenticator.Login(context.Background(), "user@example.com", "wrong")

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, http.StatusBadRequest, authErr.Status)
	require.Contains(t, authErr.Body, "bad credentials")
	require.Equal(t, Failed, authenticator.State())
	require.NotEmpty(t, tel.Reports("broken"))

	_, err = authenticator.Login(context.Background(), "user@example.com", "wrong")
	require.Error(t, err)
}

type dumpOutput struct {
	mutex    sync.Mutex
	messages []string
}

func (d *dumpOutput) Write(id string, contents string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.messages = append(d.messages, contents)
}

func TestLoginKeepsPasswordOutOfDumps(t *testing.T) {
	f := &fakeUpstream{
		sessionCookie: "bus|1704067200000x1|token",
		loginStatus:   http.StatusUnauthorized,
	}
	f.t = t
	server := httptest.NewServer(f.handler())
	defer server.Close()

	dump := &dumpOutput{}
	tel := &telemetry.RecordingAPI{}
	sess, err := session.New(session.Options{
		BaseURL: server.URL,
		AppName: "omolaat",
		Timeout: 5 * time.Second,
		Dump:    dump,
	}, tel)
	require.NoError(t, err)

	password := "hunter2-secret&<>"
	_, err = New(sess, Options{}, tel).Login(context.Background(), "user@example.com", password)
	require.Error(t, err)

	opts := DefaultOptions()
	require.Equal(t, password, f.workflow.Calls[0].ClientState.ElementState[opts.PasswordElementID].Value)

	// page, init, hi and workflow
	require.Len(t, dump.messages, 4)
	workflowDumps := 0
	for _, message := range dump.messages {
		require.NotContains(t, message, "hunter2-secret")
		if strings.Contains(message, WorkflowPath) {
			workflowDumps++
			require.Contains(t, message, "<redacted>")
			require.Contains(t, message, "user@example.com")
		}
	}
	require.Equal(t, 1, workflowDumps)

	for _, report := range tel.Reports("") {
		for _, param := range report.Params {
			require.NotContains(t, fmt.Sprint(param), "hunter2-secret")
		}
	}
}

func TestFindClientVersionFromScript(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBufferString(
		`<html><head><script>var x = 1;</script><script>window._bubble = {"client_version": "f00dbabe"};</script></head></html>`,
	))
	require.NoError(t, err)
	require.Equal(t, "f00dbabe", findClientVersion(doc))

	doc, err = goquery.NewDocumentFromReader(bytes.NewBufferString(`<html></html>`))
	require.NoError(t, err)
	require.Equal(t, "", findClientVersion(doc))
}

func TestTimezoneOffset(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	require.Equal(t, 480, timezoneOffset(time.Date(2024, 1, 15, 12, 0, 0, 0, la)))
	require.Equal(t, 420, timezoneOffset(time.Date(2024, 7, 15, 12, 0, 0, 0, la)))
	require.Equal(t, 0, timezoneOffset(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)))
}
