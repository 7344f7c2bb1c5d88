package utils

import (
	"fmt"
	"io"
	"omoharvest-backend/internal/harvest"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

func NewTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}

func formatMillis(ms int64, loc *time.Location) string {
	return time.UnixMilli(ms).In(loc).Format("2006-01-02 15:04:05")
}

// RenderDays prints one row per harvested day, or a single row for a run
// that was not split by day.
func RenderDays(w io.Writer, result harvest.Result, loc *time.Location) {
	t := NewTable(w)
	t.SetTitle(fmt.Sprintf("run %s", result.RunID))
	if len(result.Days) == 0 {
		t.AppendHeader(table.Row{"Pages", "Hits", "Records"})
		t.AppendRow(table.Row{len(result.Pages), result.HitCount(), len(result.Records)})
		t.Render()
		return
	}

	t.AppendHeader(table.Row{"Date", "Window start", "Window end", "Pages", "Hits"})
	for _, day := range result.Days {
		t.AppendRow(table.Row{
			day.Date,
			formatMillis(day.WindowStartMs, loc),
			formatMillis(day.WindowEndMs, loc),
			len(day.Pages),
			day.HitCount,
		})
	}
	t.AppendFooter(table.Row{"Total", "", "", len(result.Pages), result.HitCount()})
	t.Render()
}

// RenderJobs prints one row per batch job.
func RenderJobs(w io.Writer, results []harvest.JobResult) {
	t := NewTable(w)
	t.AppendHeader(table.Row{"Job", "Run", "Days", "Pages", "Hits", "Records", "Status"})
	for _, res := range results {
		status := "ok"
		if res.Err != nil {
			status = res.Err.Error()
		}
		t.AppendRow(table.Row{
			res.Name,
			res.Result.RunID,
			len(res.Result.Days),
			len(res.Result.Pages),
			res.Result.HitCount(),
			len(res.Result.Records),
			status,
		})
	}
	t.Render()
}
