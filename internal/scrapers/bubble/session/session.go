// Package session owns the raw HTTP side of talking to a Bubble application:
// a cookie jar that this package manages itself, the default headers a real
// browser tab sends, and the platform correlation headers.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"omoharvest-backend/internal/components/assert"
	"omoharvest-backend/internal/components/telemetry"
	"omoharvest-backend/internal/scrapers/bubble/cipher"
	"sort"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	report_session_new     = "session.new"
	report_session_request = "session.request"
	report_session_search  = "session.search"
)

const (
	HeaderAppName          = "X-Bubble-Appname"
	HeaderFiberID          = "X-Bubble-Fiber-ID"
	HeaderBreakingRevision = "X-Bubble-Breaking-Revision"
	HeaderClientVersion    = "X-Bubble-Client-Version"

	SearchPath = "/elasticsearch/msearch"

	DefaultTimeout          = 30 * time.Second
	DefaultUserAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
	DefaultBreakingRevision = "5"
	DefaultClientVersion    = "cb7acb3d5f8e6d3e9b1c0a2f4e6d8c0b"
)

// TransportError is returned when a request could not complete at the network
// level (connection refused, timeout, tls failure...), it is never retried here.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %s", e.Method, e.URL, e.Err.Error())
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type Options struct {
	BaseURL string
	AppName string
	// Timeout is applied to every call, defaults to DefaultTimeout.
	Timeout   time.Duration
	UserAgent string
	// ClientVersion and BreakingRevision are sent as platform headers, the
	// upstream rejects implausible values.
	ClientVersion    string
	BreakingRevision string
	// RateLimit is the max requests per second, 0 disables the limiter.
	RateLimit float64
	// CloudflareBypass wraps the transport with cloudflare-bp-go.
	CloudflareBypass bool
	// Headers are extra default headers sent with every request.
	Headers map[string]string
	// Now replaces time.Now for id generation and cookie expiry.
	Now func() time.Time
	// Dump receives the full text of every http exchange when set.
	Dump telemetry.InstrumentOutput
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Session is the state of one scraping run. It must not be shared between
// concurrent runs, use Clone to hand a copy to another run.
type Session struct {
	BaseURL *url.URL
	AppName string

	ClientVersion    string
	BreakingRevision string

	opts    Options
	http    *resty.Client
	headers map[string]string
	cookies map[string]string
	ids     *IDGenerator
	tel     telemetry.API
}

func New(opts Options, tel telemetry.API) (*Session, error) {
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.AppName)

	tel = telemetry.NewScopedAPI("bubble_session", tel)

	baseUrl, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		tel.ReportBroken(report_session_new, fmt.Errorf("parse base url: %w", err), opts.BaseURL)
		return nil, err
	}
	if baseUrl.Scheme == "" || baseUrl.Host == "" {
		err = fmt.Errorf("base url %q must be absolute", opts.BaseURL)
		tel.ReportBroken(report_session_new, err)
		return nil, err
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = DefaultClientVersion
	}
	if opts.BreakingRevision == "" {
		opts.BreakingRevision = DefaultBreakingRevision
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(baseUrl.String())
	httpClient.SetTimeout(opts.Timeout)
	// cookies are tracked by the session itself so that they can be inspected,
	// cloned and sent as a single header.
	httpClient.SetCookieJar(nil)
	// redirects are not followed so that every Set-Cookie is observed.
	httpClient.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))
	if opts.CloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}

	if opts.RateLimit > 0 {
		// max burst >= 1 just means that no requests will be dropped
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		rateLimiter := rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
		httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return rateLimiter.Wait(req.Context())
		})
	}

	telemetry.InstrumentResty(httpClient, tel, opts.Dump)

	headers := map[string]string{
		"User-Agent":      opts.UserAgent,
		"Accept-Language": "en-US,en;q=0.9",
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &Session{
		BaseURL:          baseUrl,
		AppName:          opts.AppName,
		ClientVersion:    opts.ClientVersion,
		BreakingRevision: opts.BreakingRevision,

		opts:    opts,
		http:    httpClient,
		headers: headers,
		cookies: map[string]string{},
		ids:     NewIDGenerator(opts.Now),
		tel:     tel,
	}, nil
}

// Clone returns a deep copy of the session with its own http client, cookie
// jar and headers.
func (s *Session) Clone() (*Session, error) {
	clone, err := New(s.opts, s.tel)
	if err != nil {
		return nil, err
	}
	clone.ClientVersion = s.ClientVersion
	clone.BreakingRevision = s.BreakingRevision
	for k, v := range s.headers {
		clone.headers[k] = v
	}
	for k, v := range s.cookies {
		clone.cookies[k] = v
	}
	return clone, nil
}

// Codec returns the cipher codec bound to the session's app name.
func (s *Session) Codec(mode cipher.Mode) cipher.Codec {
	return cipher.NewCodec(s.AppName, mode)
}

// IDs is the generator of fiber and element ids for this session.
func (s *Session) IDs() *IDGenerator {
	return s.ids
}

func (s *Session) Now() time.Time {
	return s.opts.Now()
}

// Cookie returns the value of a cookie in the jar.
func (s *Session) Cookie(name string) (string, bool) {
	v, ok := s.cookies[name]
	return v, ok
}

func (s *Session) SetCookie(name, value string) {
	s.cookies[name] = value
}

// Cookies returns a copy of the jar.
func (s *Session) Cookies() map[string]string {
	out := make(map[string]string, len(s.cookies))
	for k, v := range s.cookies {
		out[k] = v
	}
	return out
}

// SetHeader changes a default header for every following request.
func (s *Session) SetHeader(name, value string) {
	s.headers[name] = value
}

func (s *Session) cookieHeader() string {
	names := make([]string, 0, len(s.cookies))
	for name := range s.cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, s.cookies[name]))
	}
	return strings.Join(parts, "; ")
}

func (s *Session) mergeCookies(cookies []*http.Cookie) {
	now := s.opts.Now()
	for _, c := range cookies {
		expired := c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now))
		if expired {
			delete(s.cookies, c.Name)
			continue
		}
		s.cookies[c.Name] = c.Value
	}
}

// PlatformHeaders returns the platform correlation headers with a fresh fiber id.
func (s *Session) PlatformHeaders() map[string]string {
	return map[string]string{
		HeaderAppName:          s.AppName,
		HeaderFiberID:          s.ids.Next(),
		HeaderBreakingRevision: s.BreakingRevision,
		HeaderClientVersion:    s.ClientVersion,
	}
}

// URL resolves a path against the session base url.
func (s *Session) URL(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return s.BaseURL.String() + path
	}
	return s.BaseURL.ResolveReference(ref).String()
}

// Request performs one http call with the default headers, the given headers
// and the cookie jar, and merges the Set-Cookie headers of the response into
// the jar. Any status code is a successful Request, only network level
// failures return an error (always a *TransportError).
func (s *Session) Request(ctx context.Context, method, path string, headers map[string]string, body any) (*Response, error) {
	req := s.http.R().SetContext(ctx)
	for k, v := range s.headers {
		req.SetHeader(k, v)
	}
	for k, v := range headers {
		req.SetHeader(k, v)
	}
	if cookie := s.cookieHeader(); cookie != "" {
		req.SetHeader("Cookie", cookie)
	}
	if body != nil {
		req.SetBody(body)
	}

	res, err := req.Execute(method, path)
	if err != nil {
		err = &TransportError{Method: method, URL: s.URL(path), Err: err}
		s.tel.ReportBroken(report_session_request, err)
		return nil, err
	}

	s.mergeCookies(res.Cookies())

	return &Response{
		Status: res.StatusCode(),
		Header: res.Header(),
		Body:   res.Body(),
	}, nil
}

// Search posts an encrypted search envelope to the search endpoint.
func (s *Session) Search(ctx context.Context, env cipher.Envelope) (*Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		s.tel.ReportBroken(report_session_search, fmt.Errorf("json marshal: %w", err))
		return nil, err
	}

	headers := s.PlatformHeaders()
	headers["Content-Type"] = "application/json"
	headers["Accept"] = "application/json, text/javascript, */*; q=0.01"
	headers["Origin"] = s.BaseURL.String()
	headers["Referer"] = s.BaseURL.String() + "/"
	headers["X-Requested-With"] = "XMLHttpRequest"

	return s.Request(ctx, http.MethodPost, SearchPath, headers, body)
}
