// Package auth logs into a Bubble application the way its login page does:
// a few bootstrap calls that warm up the session cookies, then a forged
// workflow/start call carrying the login form state.
package auth

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"omoharvest-backend/internal/components/assert"
	"omoharvest-backend/internal/components/telemetry"
	"omoharvest-backend/internal/scrapers/bubble/session"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/bubble/auth")

const (
	report_auth_bootstrap  = "authenticator.bootstrap"
	report_auth_account_id = "authenticator.account-id"
	report_auth_login      = "authenticator.login"
)

const (
	InitPath     = "/api/1.1/init/data"
	HiPath       = "/user/hi"
	WorkflowPath = "/workflow/start"
)

type State int

const (
	Unauthenticated State = iota
	Bootstrapping
	Authenticating
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Bootstrapping:
		return "bootstrapping"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// AuthenticationError is a fatal login failure. Status is 0 when the failure
// happened before the login call (ex. no account id in the cookies).
type AuthenticationError struct {
	Reason string
	Status int
	Body   string
}

func (e *AuthenticationError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("authentication failed: %s", e.Reason)
	}
	return fmt.Sprintf("authentication failed: %s (status %d): %s", e.Reason, e.Status, e.Body)
}

// Options describes the login page of the target application. The element ids
// come from the page's element tree and only change when the app is edited.
type Options struct {
	LoginPath         string `json:"login_path"`
	PageElementID     string `json:"page_element_id"`
	FormElementID     string `json:"form_element_id"`
	EmailElementID    string `json:"email_element_id"`
	PasswordElementID string `json:"password_element_id"`
	ButtonElementID   string `json:"button_element_id"`
	WorkflowItemID    string `json:"workflow_item_id"`
	AppLastChange     string `json:"app_last_change"`
	// SessionCookie defaults to <appname>_live_u2main.
	SessionCookie string `json:"session_cookie"`
	ViewportWidth int    `json:"viewport_width"`
	// Location is the timezone the simulated browser reports, defaults to UTC.
	Location *time.Location `json:"-"`
}

// DefaultOptions returns the element ids of the target login page.
func DefaultOptions() Options {
	return Options{
		LoginPath:         "/login",
		PageElementID:     "bTGYf",
		FormElementID:     "bTGbC",
		EmailElementID:    "bTGbI",
		PasswordElementID: "bTGbO",
		ButtonElementID:   "bTGbU",
		WorkflowItemID:    "bTGbV",
		AppLastChange:     "21093784529",
		ViewportWidth:     1440,
		Location:          time.UTC,
	}
}

func (o Options) withDefaults(appName string) Options {
	d := DefaultOptions()
	if o.LoginPath == "" {
		o.LoginPath = d.LoginPath
	}
	if o.PageElementID == "" {
		o.PageElementID = d.PageElementID
	}
	if o.FormElementID == "" {
		o.FormElementID = d.FormElementID
	}
	if o.EmailElementID == "" {
		o.EmailElementID = d.EmailElementID
	}
	if o.PasswordElementID == "" {
		o.PasswordElementID = d.PasswordElementID
	}
	if o.ButtonElementID == "" {
		o.ButtonElementID = d.ButtonElementID
	}
	if o.WorkflowItemID == "" {
		o.WorkflowItemID = d.WorkflowItemID
	}
	if o.AppLastChange == "" {
		o.AppLastChange = d.AppLastChange
	}
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = d.ViewportWidth
	}
	if o.Location == nil {
		o.Location = d.Location
	}
	if o.SessionCookie == "" {
		o.SessionCookie = fmt.Sprintf("%s_live_u2main", appName)
	}
	return o
}

// Authenticator drives one session from Unauthenticated to Authenticated.
type Authenticator struct {
	sess      *session.Session
	opts      Options
	tel       telemetry.API
	state     State
	accountID string
}

func New(sess *session.Session, opts Options, tel telemetry.API) *Authenticator {
	assert.NotNil(sess)
	assert.NotNil(tel)

	return &Authenticator{
		sess:  sess,
		opts:  opts.withDefaults(sess.AppName),
		tel:   telemetry.NewScopedAPI("bubble_auth", tel),
		state: Unauthenticated,
	}
}

// Login is a shorthand for New(...).Login(...).
func Login(ctx context.Context, sess *session.Session, opts Options, tel telemetry.API, email, password string) (*session.Session, error) {
	return New(sess, opts, tel).Login(ctx, email, password)
}

func (a *Authenticator) State() State {
	return a.state
}

// AccountID is the account identifier found in the session cookie, it is only
// set once the authenticator reached Authenticating.
func (a *Authenticator) AccountID() string {
	return a.accountID
}

func (a *Authenticator) fail(err error) error {
	a.state = Failed
	return err
}

// Login runs the bootstrap calls and the login workflow, the returned session
// is the same value the authenticator was created with, now holding the
// upstream's session tokens.
func (a *Authenticator) Login(ctx context.Context, email, password string) (*session.Session, error) {
	ctx, span := tracer.Start(ctx, "Authenticator:Login")
	defer span.End()
	span.SetAttributes(attribute.String("bubble.app", a.sess.AppName))

	if a.state != Unauthenticated {
		err := fmt.Errorf("authenticator is %s, logins cannot be repeated", a.state)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	a.state = Bootstrapping
	err := a.bootstrap(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "bootstrap failed")
		return nil, a.fail(err)
	}

	a.state = Authenticating
	accountID, err := a.extractAccountID()
	if err != nil {
		span.SetStatus(codes.Error, "missing account id")
		return nil, a.fail(err)
	}
	a.accountID = accountID

	err = a.submitLogin(ctx, email, password)
	if err != nil {
		span.SetStatus(codes.Error, "login workflow failed")
		return nil, a.fail(err)
	}

	a.state = Authenticated
	return a.sess, nil
}

func (a *Authenticator) pageURL() string {
	return a.sess.URL(a.opts.LoginPath)
}

func (a *Authenticator) bootstrap(ctx context.Context) error {
	pageUrl := a.pageURL()

	res, err := a.sess.Request(ctx, http.MethodGet, a.opts.LoginPath, map[string]string{
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Upgrade-Insecure-Requests": "1",
	}, nil)
	if err != nil {
		a.tel.ReportBroken(report_auth_bootstrap, fmt.Errorf("page: %w", err))
		return err
	}
	a.checkBootstrapStatus("page", res)
	a.detectClientVersion(res.Body)

	xhrHeaders := func() map[string]string {
		headers := a.sess.PlatformHeaders()
		headers["Accept"] = "application/json, text/javascript, */*; q=0.01"
		headers["Referer"] = pageUrl
		headers["X-Requested-With"] = "XMLHttpRequest"
		return headers
	}

	initPath := fmt.Sprintf("%s?location=%s", InitPath, url.QueryEscape(pageUrl))
	res, err = a.sess.Request(ctx, http.MethodGet, initPath, xhrHeaders(), nil)
	if err != nil {
		a.tel.ReportBroken(report_auth_bootstrap, fmt.Errorf("init: %w", err))
		return err
	}
	a.checkBootstrapStatus("init", res)

	hiHeaders := xhrHeaders()
	hiHeaders["Content-Type"] = "application/json"
	hiHeaders["Origin"] = a.sess.BaseURL.String()
	res, err = a.sess.Request(ctx, http.MethodPost, HiPath, hiHeaders, []byte("{}"))
	if err != nil {
		a.tel.ReportBroken(report_auth_bootstrap, fmt.Errorf("hi: %w", err))
		return err
	}
	a.checkBootstrapStatus("hi", res)

	return nil
}

// bootstrap responses are only needed for their cookies, a failure status
// is suspicious but not fatal.
func (a *Authenticator) checkBootstrapStatus(step string, res *session.Response) {
	if res.Status >= 400 {
		a.tel.ReportWarning(report_auth_bootstrap, step, res.Status)
	}
}

var clientVersionRegex = regexp.MustCompile(`client_version["']?\s*[:=]\s*["']([0-9A-Za-z_-]+)["']`)

func findClientVersion(doc *goquery.Document) string {
	version, ok := doc.Find(`meta[name="bubble_client_version"]`).Attr("content")
	if ok && version != "" {
		return version
	}
	found := ""
	doc.Find("script").EachWithBreak(func(_ int, script *goquery.Selection) bool {
		groups := clientVersionRegex.FindStringSubmatch(script.Text())
		if len(groups) == 2 {
			found = groups[1]
			return false
		}
		return true
	})
	return found
}

func (a *Authenticator) detectClientVersion(page []byte) {
	if len(page) == 0 {
		return
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		a.tel.ReportWarning(report_auth_bootstrap, fmt.Errorf("parse page: %w", err))
		return
	}
	version := findClientVersion(doc)
	if version == "" {
		a.tel.ReportDebug("client version not found on page, keeping configured value", a.sess.ClientVersion)
		return
	}
	a.sess.ClientVersion = version
}

func (a *Authenticator) extractAccountID() (string, error) {
	value, ok := a.sess.Cookie(a.opts.SessionCookie)
	if !ok {
		err := &AuthenticationError{Reason: fmt.Sprintf("cookie %s was not set", a.opts.SessionCookie)}
		a.tel.ReportBroken(report_auth_account_id, err)
		return "", err
	}
	decoded, err := url.QueryUnescape(value)
	if err == nil {
		value = decoded
	}
	fields := strings.Split(value, "|")
	if len(fields) < 2 || fields[1] == "" {
		err := &AuthenticationError{Reason: fmt.Sprintf("cookie %s carries no account id", a.opts.SessionCookie)}
		a.tel.ReportBroken(report_auth_account_id, err)
		return "", err
	}
	return fields[1], nil
}

func (a *Authenticator) submitLogin(ctx context.Context, email, password string) error {
	payload := buildLoginWorkflow(a.sess, a.opts, loginForm{
		accountID: a.accountID,
		email:     email,
		password:  password,
		now:       a.sess.Now(),
		location:  a.opts.Location,
	})

	headers := a.sess.PlatformHeaders()
	headers["Content-Type"] = "application/json"
	headers["Accept"] = "application/json, text/javascript, */*; q=0.01"
	headers["Origin"] = a.sess.BaseURL.String()
	headers["Referer"] = a.pageURL()
	headers["X-Requested-With"] = "XMLHttpRequest"

	ctx = telemetry.WithRedactedValues(ctx, password)
	res, err := a.sess.Request(ctx, http.MethodPost, WorkflowPath, headers, payload)
	if err != nil {
		a.tel.ReportBroken(report_auth_login, err)
		return err
	}
	if res.Status != http.StatusOK {
		err := &AuthenticationError{
			Reason: "login workflow rejected",
			Status: res.Status,
			Body:   string(res.Body),
		}
		a.tel.ReportBroken(report_auth_login, err)
		return err
	}
	return nil
}
