package search

import (
	"context"
	"fmt"
	"omoharvest-backend/internal/scrapers/bubble/cipher"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DateLayout = "2006-01-02"

// DayBucket is the result of the search restricted to one calendar day.
type DayBucket struct {
	Date          string       `json:"date"`
	WindowStartMs int64        `json:"window_start_ms"`
	WindowEndMs   int64        `json:"window_end_ms"`
	Pages         []PageResult `json:"pages"`
	HitCount      int          `json:"hit_count"`
}

// DayRange returns midnight of every calendar day between from and to
// (inclusive) in loc. It returns nothing when to is before from.
func DayRange(from, to time.Time, loc *time.Location) []time.Time {
	from = from.In(loc)
	to = to.In(loc)
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, loc)

	var days []time.Time
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		days = append(days, day)
	}
	return days
}

// DayWindow returns the epoch milliseconds of 00:00:00.000 and 23:59:59.000
// of the day.
func DayWindow(day time.Time) (int64, int64) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, day.Location())
	return start.UnixMilli(), end.UnixMilli()
}

// ParseDate parses a YYYY-MM-DD date in loc.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout, value, loc)
}

// FetchByDay runs Paginate once per calendar day between from and to
// (inclusive), with the search restricted to that day on the engine's date
// field. Days without any page are left out of the result.
func (e Engine) FetchByDay(ctx context.Context, client Client, env cipher.Envelope, appName string, from, to time.Time, maxPagesPerDay int) ([]DayBucket, error) {
	ctx, span := tracer.Start(ctx, "Engine:FetchByDay")
	defer span.End()

	codec := cipher.NewCodec(appName, e.mode)
	days := DayRange(from, to, e.location)
	span.SetAttributes(attribute.Int("search.days", len(days)))

	var buckets []DayBucket
	for i, day := range days {
		err := ctx.Err()
		if err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return buckets, err
		}

		startMs, endMs := DayWindow(day)

		opened, err := codec.Open(env)
		if err != nil {
			e.tel.ReportBroken(report_engine_fetch_by_day, fmt.Errorf("open template: %w", err))
			span.SetStatus(codes.Error, "open template")
			return buckets, err
		}
		payload, err := ParsePayload(opened.Payload)
		if err != nil {
			e.tel.ReportWarning(report_engine_fetch_by_day, err, day.Format(DateLayout))
			break
		}
		payload.UpsertConstraint(Constraint{Key: e.dateField, Value: startMs, Type: GreaterOrEqual})
		payload.UpsertConstraint(Constraint{Key: e.dateField, Value: endMs, Type: LessThan})

		dayEnv, err := codec.Reseal(opened, payload)
		if err != nil {
			e.tel.ReportBroken(report_engine_fetch_by_day, fmt.Errorf("reseal template: %w", err))
			span.SetStatus(codes.Error, "reseal template")
			return buckets, err
		}

		pages, err := e.Paginate(ctx, client, dayEnv, appName, maxPagesPerDay)
		if len(pages) > 0 {
			hits := 0
			for _, p := range pages {
				hits += p.HitCount
			}
			buckets = append(buckets, DayBucket{
				Date:          day.Format(DateLayout),
				WindowStartMs: startMs,
				WindowEndMs:   endMs,
				Pages:         pages,
				HitCount:      hits,
			})
		}
		if err != nil {
			span.SetStatus(codes.Error, "paginate")
			return buckets, err
		}

		if i < len(days)-1 {
			err = e.sleep(ctx, e.pacing.DayDelay)
			if err != nil {
				span.SetStatus(codes.Error, "cancelled")
				return buckets, err
			}
		}
	}

	return buckets, nil
}
