package harvest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"omoharvest-backend/internal/scrapers/bubble/search"
	"strconv"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

// Record is one hit of a harvested search.
type Record struct {
	ID string
	// CreatedAt is the date field of the hit in epoch milliseconds, nil when
	// the hit has none.
	CreatedAt *int64
	Hit       map[string]any
	Raw       json.RawMessage
}

type columnKind int

const (
	columnText columnKind = iota
	columnDate
)

// Column is one CSV column, Query is a jq expression evaluated on the hit.
type Column struct {
	Name  string
	Query string
	kind  columnKind
}

// Columns is the CSV schema, the order is part of the output format.
var Columns = []Column{
	{Name: "order_id", Query: `._source.order_id_text // ._id`},
	{Name: "version", Query: `._version // ._source.version_number`},
	{Name: "sales_id", Query: `._source.sales_id_text`},
	{Name: "created_date", Query: `._source["Created Date"]`, kind: columnDate},
	{Name: "modified_date", Query: `._source["Modified Date"]`, kind: columnDate},
	{Name: "order_date", Query: `._source.order_date_date`, kind: columnDate},
	{Name: "payment_date", Query: `._source.payment_date_date`, kind: columnDate},
	{Name: "shipped_date", Query: `._source.shipped_date_date`, kind: columnDate},
	{Name: "delivered_date", Query: `._source.delivered_date_date`, kind: columnDate},
	{Name: "currency", Query: `._source.currency_text`},
	{Name: "subtotal", Query: `._source.subtotal_number`},
	{Name: "discount", Query: `._source.discount_number`},
	{Name: "tax", Query: `._source.tax_number`},
	{Name: "shipping", Query: `._source.shipping_number`},
	{Name: "total", Query: `._source.total_number`},
	{Name: "refunded_amount", Query: `._source.refunded_amount_number`},
	{Name: "status", Query: `._source.status_option_order_status`},
	{Name: "payment_status", Query: `._source.payment_status_option_payment_status`},
	{Name: "fulfillment_status", Query: `._source.fulfillment_status_option_fulfillment_status`},
	{Name: "coupon_code", Query: `._source.coupon_code_text`},
	{Name: "coupon_id", Query: `._source.coupon_custom_coupon`},
	{Name: "affiliate_id", Query: `._source.affiliate_custom_affiliate`},
	{Name: "affiliate_code", Query: `._source.affiliate_code_text`},
	{Name: "store_id", Query: `._source.store_custom_store`},
	{Name: "store_name", Query: `._source.store_name_text`},
	{Name: "customer_email", Query: `._source.customer_email_text`},
}

func compile(src string, variables ...string) (*gojq.Code, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	code, err := gojq.Compile(query, gojq.WithVariables(variables))
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return code, nil
}

var compiledColumns = sync.OnceValues(func() ([]*gojq.Code, error) {
	out := make([]*gojq.Code, len(Columns))
	for i, col := range Columns {
		code, err := compile(col.Query)
		if err != nil {
			return nil, err
		}
		out[i] = code
	}
	return out, nil
})

var compiledRecordFields = sync.OnceValues(func() ([2]*gojq.Code, error) {
	id, err := compile(`._id // ._source._id`)
	if err != nil {
		return [2]*gojq.Code{}, err
	}
	date, err := compile(`._source[$field]`, "$field")
	if err != nil {
		return [2]*gojq.Code{}, err
	}
	return [2]*gojq.Code{id, date}, nil
})

// first returns the first value the query produces, nil when it produces none.
func first(code *gojq.Code, input any, variables ...any) (any, error) {
	iter := code.Run(input, variables...)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := v.(error); ok {
		return nil, err
	}
	return v, nil
}

func toMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case string:
		t, err := time.Parse(time.RFC3339, n)
		if err == nil {
			return t.UnixMilli(), true
		}
		ms, err := strconv.ParseInt(n, 10, 64)
		return ms, err == nil
	}
	return 0, false
}

// ExtractRecords decodes the hits of every page into records, a record seen
// twice (pages can shift while paginating) is kept once.
func ExtractRecords(pages []search.PageResult, dateField string) ([]Record, error) {
	fields, err := compiledRecordFields()
	if err != nil {
		return nil, err
	}

	var records []Record
	seen := map[string]bool{}
	for _, page := range pages {
		for _, sub := range page.Responses {
			for _, raw := range sub.Hits {
				var hit map[string]any
				err := json.Unmarshal(raw, &hit)
				if err != nil {
					return nil, fmt.Errorf("page %d: decode hit: %w", page.Page, err)
				}
				if hit == nil {
					continue
				}

				record := Record{Hit: hit, Raw: raw}
				id, err := first(fields[0], hit)
				if err != nil {
					return nil, err
				}
				if id != nil {
					record.ID = fmt.Sprint(id)
				}
				date, err := first(fields[1], hit, dateField)
				if err != nil {
					return nil, err
				}
				if ms, ok := toMillis(date); ok {
					record.CreatedAt = &ms
				}

				if record.ID != "" {
					if seen[record.ID] {
						continue
					}
					seen[record.ID] = true
				}
				records = append(records, record)
			}
		}
	}
	return records, nil
}

func formatValue(v any, kind columnKind, loc *time.Location) (string, error) {
	if v == nil {
		return "", nil
	}
	if kind == columnDate {
		if ms, ok := toMillis(v); ok {
			return time.UnixMilli(ms).In(loc).Format(time.RFC3339), nil
		}
	}
	switch value := v.(type) {
	case string:
		return value, nil
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(value), nil
	case bool:
		return strconv.FormatBool(value), nil
	default:
		out, err := json.Marshal(value)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

// WriteCSV writes the records with the Columns header, dates are formatted as
// RFC3339 in loc.
func WriteCSV(w io.Writer, records []Record, loc *time.Location) error {
	codes, err := compiledColumns()
	if err != nil {
		return err
	}

	out := csv.NewWriter(w)
	header := make([]string, len(Columns))
	for i, col := range Columns {
		header[i] = col.Name
	}
	err = out.Write(header)
	if err != nil {
		return err
	}

	row := make([]string, len(Columns))
	for _, record := range records {
		for i, col := range Columns {
			v, err := first(codes[i], record.Hit)
			if err != nil {
				return fmt.Errorf("record %s: column %s: %w", record.ID, col.Name, err)
			}
			row[i], err = formatValue(v, col.kind, loc)
			if err != nil {
				return fmt.Errorf("record %s: column %s: %w", record.ID, col.Name, err)
			}
		}
		err = out.Write(row)
		if err != nil {
			return err
		}
	}

	out.Flush()
	return out.Error()
}
