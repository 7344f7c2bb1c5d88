// Package search walks the result pages of an encrypted Bubble search. The
// encrypted search template is opened, edited (offset, date window) and
// resealed for every call, always under the template's own timestamp and iv.
package search

import (
	"context"
	"errors"
	"fmt"
	"omoharvest-backend/internal/components/assert"
	"omoharvest-backend/internal/components/chrono"
	"omoharvest-backend/internal/components/telemetry"
	"omoharvest-backend/internal/scrapers/bubble/cipher"
	"omoharvest-backend/internal/scrapers/bubble/session"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/bubble/search")

const (
	report_engine_paginate     = "engine.paginate"
	report_engine_fetch_by_day = "engine.fetch-by-day"
	report_engine_pages        = "engine.pages"
)

// DefaultDateField is the field the day windows are applied on.
const DefaultDateField = "Created Date"

// Pacing is the wait between two calls. It exists to stay under the upstream's
// throttling, it is not a performance knob.
type Pacing struct {
	PageDelay time.Duration
	DayDelay  time.Duration
}

var (
	DefaultPacing = Pacing{PageDelay: 500 * time.Millisecond, DayDelay: 250 * time.Millisecond}
	NoPacing      = Pacing{}
)

// Client sends one encrypted search, *session.Session implements it.
type Client interface {
	Search(ctx context.Context, env cipher.Envelope) (*session.Response, error)
}

type Options struct {
	Mode      cipher.Mode
	Pacing    Pacing
	DateField string
	// Location is the timezone calendar days are cut in, defaults to UTC.
	Location *time.Location
}

type Engine struct {
	mode      cipher.Mode
	pacing    Pacing
	dateField string
	location  *time.Location
	tel       telemetry.API
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewEngine(opts Options, tel telemetry.API) Engine {
	assert.NotNil(tel)

	if opts.DateField == "" {
		opts.DateField = DefaultDateField
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return Engine{
		mode:      opts.Mode,
		pacing:    opts.Pacing,
		dateField: opts.DateField,
		location:  opts.Location,
		tel:       telemetry.NewScopedAPI("bubble_search", tel),
		sleep:     chrono.Sleep,
	}
}

// Paginate fetches the pages of the search in env, starting at offset 0, until
// a page is empty, the running hit count reaches the total the upstream
// reported, a page is short, or maxPages pages were fetched (maxPages <= 0
// means no page limit).
//
// A payload or response the engine does not understand ends the walk with the
// pages fetched so far and no error. Transport errors, rejected searches and
// ctx cancellation return the pages fetched so far along with the error.
func (e Engine) Paginate(ctx context.Context, client Client, env cipher.Envelope, appName string, maxPages int) ([]PageResult, error) {
	ctx, span := tracer.Start(ctx, "Engine:Paginate")
	defer span.End()

	codec := cipher.NewCodec(appName, e.mode)

	var results []PageResult
	expected := map[int]int{}
	running := 0
	current := env

	for page := 1; maxPages <= 0 || page <= maxPages; page++ {
		err := ctx.Err()
		if err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return results, err
		}

		opened, err := codec.Open(current)
		if err != nil {
			e.tel.ReportBroken(report_engine_paginate, fmt.Errorf("open envelope: %w", err), page)
			span.SetStatus(codes.Error, "open envelope")
			return results, err
		}
		payload, err := ParsePayload(opened.Payload)
		if err != nil {
			e.tel.ReportWarning(report_engine_paginate, err, page)
			break
		}

		offset := (page - 1) * PageSize
		payload.SetOffset(offset)
		current, err = codec.Reseal(opened, payload)
		if err != nil {
			e.tel.ReportBroken(report_engine_paginate, fmt.Errorf("reseal envelope: %w", err), page)
			span.SetStatus(codes.Error, "reseal envelope")
			return results, err
		}

		res, err := client.Search(ctx, current)
		if err != nil {
			e.tel.ReportBroken(report_engine_paginate, err, page)
			span.SetStatus(codes.Error, "search")
			return results, err
		}
		if res.Status < 200 || res.Status >= 300 {
			err = &UpstreamError{Status: res.Status, Body: string(res.Body)}
			e.tel.ReportBroken(report_engine_paginate, err, page)
			span.SetStatus(codes.Error, "search rejected")
			return results, err
		}

		subs, err := ParseSearchResponse(res.Body)
		if err != nil {
			e.tel.ReportWarning(report_engine_paginate, err, page)
			break
		}

		pageHits := 0
		for i, sub := range subs {
			pageHits += len(sub.Hits)
			_, known := expected[i]
			if sub.HasTotal && !known {
				expected[i] = sub.Total
			}
		}

		if pageHits == 0 {
			break
		}
		running += pageHits
		results = append(results, PageResult{
			Page:      page,
			Offset:    offset,
			HitCount:  pageHits,
			Body:      append([]byte(nil), res.Body...),
			Responses: subs,
		})

		if len(expected) > 0 {
			total := 0
			for _, t := range expected {
				total += t
			}
			if running >= total {
				break
			}
		}
		if pageHits < PageSize {
			break
		}
		if maxPages > 0 && page == maxPages {
			break
		}

		err = e.sleep(ctx, e.pacing.PageDelay)
		if err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return results, err
		}
	}

	e.tel.ReportCount(report_engine_pages, int64(len(results)))
	span.SetAttributes(
		attribute.Int("search.pages", len(results)),
		attribute.Int("search.hits", running),
	)
	return results, nil
}

// IsSoftStop reports whether err is a protocol drift, which the engine
// treats as the end of the data instead of a failure.
func IsSoftStop(err error) bool {
	var drift *ProtocolDriftError
	return errors.As(err, &drift)
}
