package warehouse

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FieldType is the warehouse-level column type. The mapping to the backing
// store's native types happens in columnDDL.
type FieldType string

const (
	TypeString    FieldType = "STRING"
	TypeInt64     FieldType = "INT64"
	TypeFloat64   FieldType = "FLOAT64"
	TypeBool      FieldType = "BOOL"
	TypeDate      FieldType = "DATE"
	TypeTimestamp FieldType = "TIMESTAMP"
	TypeJSON      FieldType = "JSON"
)

// FieldMode describes column nullability and cardinality.
type FieldMode string

const (
	ModeRequired FieldMode = "REQUIRED"
	ModeNullable FieldMode = "NULLABLE"
	ModeRepeated FieldMode = "REPEATED"
)

// Field is one column of a table schema.
type Field struct {
	Name string
	Type FieldType
	Mode FieldMode
}

// Schema is an ordered list of fields.
type Schema []Field

var nativeTypes = map[FieldType]string{
	TypeString:    "TEXT",
	TypeInt64:     "BIGINT",
	TypeFloat64:   "DOUBLE PRECISION",
	TypeBool:      "BOOLEAN",
	TypeDate:      "DATE",
	TypeTimestamp: "TIMESTAMPTZ",
	TypeJSON:      "JSONB",
}

// columnDDL renders one field as a column definition. Mode defaults to
// NULLABLE when unset.
func columnDDL(f Field) (string, error) {
	ident, err := QuoteIdentifier(f.Name)
	if err != nil {
		return "", fmt.Errorf("field %q: %w", f.Name, err)
	}

	native, ok := nativeTypes[f.Type]
	if !ok {
		return "", fmt.Errorf("field %q: unsupported type %q", f.Name, f.Type)
	}

	var parts []string
	switch f.Mode {
	case ModeRepeated:
		parts = append(parts, ident, native+"[]")
	case ModeRequired:
		parts = append(parts, ident, native, "NOT NULL")
	case ModeNullable, "":
		parts = append(parts, ident, native)
	default:
		return "", fmt.Errorf("field %q: unsupported mode %q", f.Name, f.Mode)
	}
	return strings.Join(parts, " "), nil
}

// DetectSchema infers a schema from sample rows, used for staging loads where
// no declared schema exists. Columns come from the first row in sorted order;
// the first non-nil value seen for a column decides its type, defaulting to
// STRING when every sample is nil.
func DetectSchema(rows []Row) (Schema, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("detect schema: no sample rows")
	}

	columns := make([]string, 0, len(rows[0]))
	for name := range rows[0] {
		columns = append(columns, name)
	}
	sort.Strings(columns)

	schema := make(Schema, 0, len(columns))
	for _, name := range columns {
		fieldType := TypeString
		for _, row := range rows {
			v, ok := row[name]
			if !ok || v == nil {
				continue
			}
			fieldType = detectType(v)
			break
		}
		schema = append(schema, Field{Name: name, Type: fieldType, Mode: ModeNullable})
	}
	return schema, nil
}

func detectType(v any) FieldType {
	switch val := v.(type) {
	case bool:
		return TypeBool
	case int, int32, int64:
		return TypeInt64
	case float32, float64:
		return TypeFloat64
	case time.Time:
		return TypeTimestamp
	case string:
		if _, err := time.Parse("2006-01-02", val); err == nil {
			return TypeDate
		}
		if _, err := time.Parse(time.RFC3339, val); err == nil {
			return TypeTimestamp
		}
		return TypeString
	default:
		return TypeString
	}
}
