package upsert

import (
	"math"
	"time"

	"github.com/cantart/batchloader/warehouse"
)

// Row is one record to ingest, keyed by column name.
type Row = warehouse.Row

// Sanitize returns an equivalent row that is safe to hand to the table
// store's load path: NaN and infinite floats become nil, date and timestamp
// values become their canonical string form, everything else passes through.
// It never rejects a row.
func Sanitize(row Row) Row {
	cleaned := make(Row, len(row))
	for k, v := range row {
		cleaned[k] = sanitizeValue(v)
	}
	return cleaned
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case time.Time:
		return formatTime(val)
	default:
		return v
	}
}

// formatTime renders midnight values as a bare date and everything else as
// RFC 3339.
func formatTime(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}
