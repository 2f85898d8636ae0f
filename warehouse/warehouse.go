package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Row is one logical table row, keyed by column name. Values are scalars:
// string, number, bool, time or nil.
type Row = map[string]any

// RowError reports a failure inserting a single row on the direct-insert path.
type RowError struct {
	Index int
	Err   error
}

// TableRef addresses a table as project.dataset.table. Project selects the
// connection; dataset and table are rendered as quoted identifiers.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

// WithTable returns a copy of the ref pointing at a different table in the
// same dataset.
func (r TableRef) WithTable(table string) TableRef {
	r.Table = table
	return r
}

func (r TableRef) String() string {
	return fmt.Sprintf("%s.%s.%s", r.Project, r.Dataset, r.Table)
}

// Ident renders the ref as a quoted dataset.table identifier pair.
func (r TableRef) Ident() (string, error) {
	dataset, err := QuoteIdentifier(r.Dataset)
	if err != nil {
		return "", fmt.Errorf("dataset: %w", err)
	}
	table, err := QuoteIdentifier(r.Table)
	if err != nil {
		return "", fmt.Errorf("table: %w", err)
	}
	return dataset + "." + table, nil
}

// WriteDisposition controls what LoadRows does with existing table contents.
type WriteDisposition string

const (
	WriteTruncate WriteDisposition = "WRITE_TRUNCATE"
	WriteAppend   WriteDisposition = "WRITE_APPEND"
)

// LoadOptions configures a LoadRows call.
type LoadOptions struct {
	// WriteDisposition defaults to WriteTruncate.
	WriteDisposition WriteDisposition
	// Autodetect creates the table from the sample rows when it does not
	// exist yet. Intended for transient staging tables.
	Autodetect bool
}

// insertBatchSize bounds rows per INSERT statement so a load never exceeds
// the driver's placeholder limit.
const insertBatchSize = 500

// Client executes table-store operations against a SQL database.
type Client struct {
	db *sql.DB
}

func NewClient(db *sql.DB) *Client {
	return &Client{db: db}
}

// TableExists reports whether the referenced table exists.
func (c *Client) TableExists(ctx context.Context, ref TableRef) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = $1 AND table_name = $2
	)`
	var exists bool
	if err := c.db.QueryRowContext(ctx, query, ref.Dataset, ref.Table).Scan(&exists); err != nil {
		return false, fmt.Errorf("check table %s: %w", ref, err)
	}
	return exists, nil
}

// EnsureTable creates the table when missing and skips it when present.
// Returns true if the table was created.
func (c *Client) EnsureTable(ctx context.Context, ref TableRef, schema Schema) (bool, error) {
	if len(schema) == 0 {
		return false, errors.New("ensure table: empty schema")
	}

	exists, err := c.TableExists(ctx, ref)
	if err != nil {
		return false, err
	}
	if exists {
		log.Debugf("table already exists: %s", ref)
		return false, nil
	}

	ident, err := ref.Ident()
	if err != nil {
		return false, err
	}
	datasetIdent, err := QuoteIdentifier(ref.Dataset)
	if err != nil {
		return false, fmt.Errorf("dataset: %w", err)
	}

	columns := make([]string, len(schema))
	for i, field := range schema {
		ddl, err := columnDDL(field)
		if err != nil {
			return false, fmt.Errorf("ensure table %s: %w", ref, err)
		}
		columns[i] = ddl
	}

	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", datasetIdent)); err != nil {
		return false, fmt.Errorf("create dataset %s: %w", ref.Dataset, err)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", ident, strings.Join(columns, ", "))
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return false, fmt.Errorf("create table %s: %w", ref, err)
	}
	log.Infof("created table %s", ref)
	return true, nil
}

// LoadRows writes rows into the referenced table. With WriteTruncate the
// table contents are fully replaced, never appended to, so a staging load
// cannot observe rows from an earlier load.
func (c *Client) LoadRows(ctx context.Context, ref TableRef, rows []Row, opts LoadOptions) error {
	if len(rows) == 0 {
		return errors.New("load rows: empty input")
	}
	if opts.WriteDisposition == "" {
		opts.WriteDisposition = WriteTruncate
	}

	columns, err := resolveColumns(rows)
	if err != nil {
		return fmt.Errorf("load rows into %s: %w", ref, err)
	}

	if opts.Autodetect {
		schema, err := DetectSchema(rows)
		if err != nil {
			return fmt.Errorf("load rows into %s: %w", ref, err)
		}
		if _, err := c.EnsureTable(ctx, ref, schema); err != nil {
			return err
		}
	}

	ident, err := ref.Ident()
	if err != nil {
		return err
	}
	quotedColumns, err := QuoteAll(columns)
	if err != nil {
		return fmt.Errorf("load rows into %s: %w", ref, err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if opts.WriteDisposition == WriteTruncate {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", ident)); err != nil {
			return fmt.Errorf("truncate %s: %w", ref, err)
		}
	}

	for start := 0; start < len(rows); start += insertBatchSize {
		end := min(start+insertBatchSize, len(rows))
		if err := insertBatch(ctx, tx, ident, columns, quotedColumns, rows[start:end]); err != nil {
			return fmt.Errorf("load rows into %s: %w", ref, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func insertBatch(ctx context.Context, tx *sql.Tx, ident string, columns, quotedColumns []string, rows []Row) error {
	placeholders := make([]string, len(rows))
	args := make([]any, 0, len(rows)*len(columns))
	argIdx := 1
	for i, row := range rows {
		rowPlaceholders := make([]string, len(columns))
		for j, col := range columns {
			rowPlaceholders[j] = fmt.Sprintf("$%d", argIdx)
			args = append(args, row[col])
			argIdx++
		}
		placeholders[i] = fmt.Sprintf("(%s)", strings.Join(rowPlaceholders, ", "))
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s",
		ident,
		strings.Join(quotedColumns, ", "),
		strings.Join(placeholders, ", "),
	)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// resolveColumns derives the column list from the first row, in sorted order.
// Later rows may omit columns (loaded as NULL) but must not introduce new
// ones; a row carrying a column the first row lacks would be silently
// truncated otherwise, so it is rejected instead.
func resolveColumns(rows []Row) ([]string, error) {
	columns := make([]string, 0, len(rows[0]))
	for name := range rows[0] {
		columns = append(columns, name)
	}
	sort.Strings(columns)

	known := make(map[string]struct{}, len(columns))
	for _, name := range columns {
		known[name] = struct{}{}
	}
	for i, row := range rows {
		for name := range row {
			if _, ok := known[name]; !ok {
				return nil, fmt.Errorf("row %d: column %q not present in first row", i, name)
			}
		}
	}
	return columns, nil
}

// Query runs a SQL statement with named @param parameters and returns the
// result rows. Parameter types STRING, INT64, FLOAT64 and BOOL are inferred
// from the native Go value.
func (c *Client) Query(ctx context.Context, query string, params map[string]any) ([]Row, error) {
	expanded, args, err := expandParams(query, params)
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, expanded, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		scan := make([]any, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Exec runs a SQL statement with named @param parameters, discarding any
// result rows.
func (c *Client) Exec(ctx context.Context, query string, params map[string]any) error {
	expanded, args, err := expandParams(query, params)
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, expanded, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// DeleteTable drops the referenced table. With ifExists set a missing table
// is not an error.
func (c *Client) DeleteTable(ctx context.Context, ref TableRef, ifExists bool) error {
	ident, err := ref.Ident()
	if err != nil {
		return err
	}
	stmt := "DROP TABLE "
	if ifExists {
		stmt += "IF EXISTS "
	}
	stmt += ident
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("drop table %s: %w", ref, err)
	}
	return nil
}

// InsertRows appends rows directly, one statement per row, without any
// dedup. Failures are collected per row rather than aborting the batch,
// so callers can tell exactly which rows were lost.
func (c *Client) InsertRows(ctx context.Context, ref TableRef, rows []Row) ([]RowError, error) {
	ident, err := ref.Ident()
	if err != nil {
		return nil, err
	}

	var rowErrs []RowError
	for i, row := range rows {
		if err := insertOne(ctx, c.db, ident, row); err != nil {
			rowErrs = append(rowErrs, RowError{Index: i, Err: err})
		}
	}
	if len(rowErrs) > 0 {
		log.Errorf("insert into %s: %d of %d rows failed", ref, len(rowErrs), len(rows))
	}
	return rowErrs, nil
}

func insertOne(ctx context.Context, db *sql.DB, ident string, row Row) error {
	columns := make([]string, 0, len(row))
	for name := range row {
		columns = append(columns, name)
	}
	sort.Strings(columns)

	quoted, err := QuoteAll(columns)
	if err != nil {
		return err
	}
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		ident,
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)
	if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	return nil
}
