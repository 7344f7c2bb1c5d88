// Package harvest drives one or many harvesting runs: log in, walk the
// search page by page (or day by day) and format what was found.
package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"omoharvest-backend/internal/components/assert"
	"omoharvest-backend/internal/components/chrono"
	"omoharvest-backend/internal/components/telemetry"
	"omoharvest-backend/internal/harvest/db"
	"omoharvest-backend/internal/scrapers/bubble/auth"
	"omoharvest-backend/internal/scrapers/bubble/search"
	"omoharvest-backend/internal/scrapers/bubble/session"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("harvest")
var meter = otel.Meter("harvest")

type runMetrics struct {
	pages   metric.Int64Counter
	records metric.Int64Counter
	failed  metric.Int64Counter
}

// instruments created on the global meter follow a provider installed later
var metrics = sync.OnceValue(func() runMetrics {
	pages, err := meter.Int64Counter("harvest.pages", metric.WithDescription("search pages fetched"))
	if err != nil {
		otel.Handle(err)
	}
	records, err := meter.Int64Counter("harvest.records", metric.WithDescription("records extracted from hits"))
	if err != nil {
		otel.Handle(err)
	}
	failed, err := meter.Int64Counter("harvest.failed_runs", metric.WithDescription("runs that ended in an error"))
	if err != nil {
		otel.Handle(err)
	}
	return runMetrics{pages: pages, records: records, failed: failed}
})

const (
	report_harvest_run   = "harvest.run"
	report_harvest_store = "harvest.store"
	report_harvest_batch = "harvest.batch"
	report_harvest_hits  = "harvest.hits"
)

const (
	OutputJSON = "json"
	OutputCSV  = "csv"
)

// Options is one harvesting request. From and To (YYYY-MM-DD, inclusive) are
// either both set, which harvests day by day, or both empty.
type Options struct {
	Email    string
	Password string
	// MaxPages bounds the pages of the search (of every day when harvesting
	// by day), 0 means no bound.
	MaxPages int
	// Output is json (default) or csv.
	Output string
	// Out is the output file, empty means the writer given to Execute.
	Out  string
	From string
	To   string
}

func (o Options) validate() error {
	if o.Email == "" || o.Password == "" {
		return fmt.Errorf("email and password are required")
	}
	if o.MaxPages < 0 {
		return fmt.Errorf("max pages must not be negative")
	}
	switch o.Output {
	case "", OutputJSON, OutputCSV:
	default:
		return fmt.Errorf("unknown output format %q", o.Output)
	}
	if (o.From == "") != (o.To == "") {
		return fmt.Errorf("from and to must be given together")
	}
	return nil
}

// Result is what one run harvested. Pages holds every page, including those
// of Days.
type Result struct {
	RunID   string
	Pages   []search.PageResult
	Days    []search.DayBucket
	Records []Record
}

func (r Result) HitCount() int {
	hits := 0
	for _, p := range r.Pages {
		hits += p.HitCount
	}
	return hits
}

type Harvester struct {
	cfg   Config
	loc   *time.Location
	store *Store
	clock chrono.API
	dump  telemetry.InstrumentOutput
	tel   telemetry.API
}

// New creates a harvester, store may be nil to skip persistence.
func New(cfg Config, store *Store, tel telemetry.API) (Harvester, error) {
	assert.NotNil(tel)

	cfg, err := cfg.WithDefaults()
	if err != nil {
		return Harvester{}, err
	}
	clock, err := chrono.NewStandardImpl(cfg.Timezone)
	if err != nil {
		return Harvester{}, err
	}
	h := Harvester{
		cfg:   cfg,
		loc:   clock.Location(),
		store: store,
		clock: clock,
		tel:   telemetry.NewScopedAPI("harvest", tel),
	}
	if cfg.DumpDir != "" {
		dump, err := telemetry.NewFilesystemOutput(cfg.DumpDir)
		if err != nil {
			return Harvester{}, fmt.Errorf("dump dir: %w", err)
		}
		h.dump = dump
	}
	return h, nil
}

func (h Harvester) Config() Config {
	return h.cfg
}

func (h Harvester) Location() *time.Location {
	return h.loc
}

func (h Harvester) dateRange(opts Options) (time.Time, time.Time, error) {
	from, err := search.ParseDate(opts.From, h.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
	}
	to, err := search.ParseDate(opts.To, h.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to (%s) is before from (%s)", opts.To, opts.From)
	}
	return from, to, nil
}

// Run logs in with a session of its own and harvests the search. On failure
// the returned result holds whatever was harvested before the error.
func (h Harvester) Run(ctx context.Context, job string, opts Options) (Result, error) {
	ctx, span := tracer.Start(ctx, "Harvester:Run")
	defer span.End()

	result := Result{RunID: uuid.NewString()}
	span.SetAttributes(
		attribute.String("harvest.run_id", result.RunID),
		attribute.String("harvest.job", job),
	)

	err := opts.validate()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	byDay := opts.From != ""
	var from, to time.Time
	if byDay {
		from, to, err = h.dateRange(opts)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}
	}

	if h.store != nil {
		err = h.store.StartRun(ctx, result.RunID, job, h.cfg.AppName, h.clock.Now())
		if err != nil {
			h.tel.ReportBroken(report_harvest_store, fmt.Errorf("start run: %w", err), result.RunID)
			span.SetStatus(codes.Error, "start run")
			return result, err
		}
	}

	err = h.harvest(ctx, &result, opts, byDay, from, to)
	if err != nil {
		h.tel.ReportBroken(report_harvest_run, err, job, result.RunID)
		span.SetStatus(codes.Error, err.Error())
	}
	h.tel.ReportCount(report_harvest_hits, int64(result.HitCount()))

	appAttr := metric.WithAttributes(attribute.String("bubble.app", h.cfg.AppName))
	metrics().pages.Add(ctx, int64(len(result.Pages)), appAttr)
	metrics().records.Add(ctx, int64(len(result.Records)), appAttr)
	if err != nil {
		metrics().failed.Add(ctx, 1, appAttr)
	}

	if h.store != nil {
		summary := RunSummary{
			Status: db.RUN_STATUS_SUCCEEDED,
			Pages:  len(result.Pages),
			Hits:   result.HitCount(),
		}
		if err != nil {
			summary.Status = db.RUN_STATUS_FAILED
			summary.Message = err.Error()
		}
		// the run is finished even when ctx was what failed it
		finishErr := h.store.FinishRun(context.WithoutCancel(ctx), result.RunID, h.clock.Now(), summary)
		if finishErr != nil {
			h.tel.ReportBroken(report_harvest_store, fmt.Errorf("finish run: %w", finishErr), result.RunID)
			if err == nil {
				err = finishErr
			}
		}
	}

	return result, err
}

func (h Harvester) harvest(ctx context.Context, result *Result, opts Options, byDay bool, from, to time.Time) error {
	sessOpts := h.cfg.SessionOptions()
	sessOpts.Dump = h.dump
	sess, err := session.New(sessOpts, h.tel)
	if err != nil {
		return err
	}

	authOpts := h.cfg.Auth
	authOpts.Location = h.loc
	_, err = auth.Login(ctx, sess, authOpts, h.tel, opts.Email, opts.Password)
	if err != nil {
		return err
	}

	codec := sess.Codec(h.cfg.Mode())
	template, err := SearchTemplate(h.cfg.AppName, h.cfg.RecordType, h.cfg.DateField)
	if err != nil {
		return fmt.Errorf("build search template: %w", err)
	}
	env, err := NewTemplateEnvelope(codec, template, sess.Now())
	if err != nil {
		return fmt.Errorf("encrypt search template: %w", err)
	}

	engine := search.NewEngine(search.Options{
		Mode:      h.cfg.Mode(),
		Pacing:    h.cfg.SearchPacing(),
		DateField: h.cfg.DateField,
		Location:  h.loc,
	}, h.tel)

	var searchErr error
	if byDay {
		result.Days, searchErr = engine.FetchByDay(ctx, sess, env, h.cfg.AppName, from, to, opts.MaxPages)
		for _, day := range result.Days {
			result.Pages = append(result.Pages, day.Pages...)
		}
	} else {
		result.Pages, searchErr = engine.Paginate(ctx, sess, env, h.cfg.AppName, opts.MaxPages)
	}

	result.Records, err = ExtractRecords(result.Pages, h.cfg.DateField)
	if err != nil {
		h.tel.ReportWarning(report_harvest_run, fmt.Errorf("extract records: %w", err))
	}
	if searchErr != nil {
		return searchErr
	}

	if h.store != nil && len(result.Records) > 0 {
		written, err := h.store.SaveRecords(ctx, result.RunID, h.cfg.AppName, h.cfg.RecordType, result.Records, h.clock.Now())
		if err != nil {
			return fmt.Errorf("save records: %w", err)
		}
		h.tel.ReportDebug("saved records", result.RunID, written)
	}
	return nil
}

type successBody struct {
	Success   bool              `json:"success"`
	Responses []json.RawMessage `json:"responses"`
}

type failureBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// WriteJSON writes {"success": true, "responses": [...]} with the raw body
// of every page.
func WriteJSON(w io.Writer, result Result) error {
	body := successBody{Success: true, Responses: []json.RawMessage{}}
	for _, p := range result.Pages {
		body.Responses = append(body.Responses, p.Body)
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(body)
}

// WriteFailure writes {"success": false, "message": ...}.
func WriteFailure(w io.Writer, err error) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(failureBody{Success: false, Message: err.Error()})
}

// Write formats the result in the given output format.
func (h Harvester) Write(w io.Writer, output string, result Result) error {
	if output == OutputCSV {
		return WriteCSV(w, result.Records, h.loc)
	}
	return WriteJSON(w, result)
}

func openOutput(path string, fallback io.Writer) (io.Writer, func() error, error) {
	if path == "" {
		return fallback, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// Execute runs the harvest and writes its output to opts.Out, or stdout when
// empty. A failed run writes the failure document instead.
func (h Harvester) Execute(ctx context.Context, job string, opts Options, stdout io.Writer) (Result, error) {
	result, runErr := h.Run(ctx, job, opts)

	w, closeOut, err := openOutput(opts.Out, stdout)
	if err != nil {
		return result, fmt.Errorf("open output: %w", err)
	}
	if runErr != nil {
		err = WriteFailure(w, runErr)
	} else {
		err = h.Write(w, opts.Output, result)
	}
	closeErr := closeOut()

	if runErr != nil {
		return result, runErr
	}
	if err != nil {
		return result, fmt.Errorf("write output: %w", err)
	}
	return result, closeErr
}

type JobResult struct {
	Name   string
	Result Result
	Err    error
}

type lockedWriter struct {
	mutex sync.Mutex
	w     io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.w.Write(p)
}

// jobName names unnamed jobs, the names only have to tell the jobs of one
// batch apart.
func jobName(job JobConfig) string {
	if job.Name != "" {
		return job.Name
	}
	suffix, err := random.String(6)
	if err != nil {
		return "job"
	}
	return "job-" + strings.ToLower(suffix)
}

// Batch runs the jobs concurrently, at most Config.Concurrency at a time. Each
// job owns its session, a failed job does not stop the others. Results are in
// job order.
func (h Harvester) Batch(ctx context.Context, jobs []JobConfig, stdout io.Writer) []JobResult {
	ctx, span := tracer.Start(ctx, "Harvester:Batch")
	defer span.End()
	span.SetAttributes(attribute.Int("harvest.jobs", len(jobs)))

	results := make([]JobResult, len(jobs))
	out := &lockedWriter{w: stdout}

	var group errgroup.Group
	group.SetLimit(h.cfg.Concurrency)
	for i, job := range jobs {
		name := jobName(job)
		group.Go(func() error {
			// json documents written to a shared writer must not interleave
			var buf strings.Builder
			result, err := h.Execute(ctx, name, job.Options(), &buf)
			if buf.Len() > 0 {
				out.Write([]byte(buf.String()))
			}
			if err != nil {
				h.tel.ReportWarning(report_harvest_batch, name, err)
			}
			results[i] = JobResult{Name: name, Result: result, Err: err}
			return nil
		})
	}
	group.Wait()

	return results
}
