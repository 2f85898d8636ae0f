package upsert

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/cantart/batchloader/warehouse"
)

// DefaultChunkSize keeps a single staging load under typical load-job
// payload limits.
const DefaultChunkSize = 2000

// Store is the table-store capability set the engine drives.
type Store interface {
	TableExists(ctx context.Context, ref warehouse.TableRef) (bool, error)
	EnsureTable(ctx context.Context, ref warehouse.TableRef, schema warehouse.Schema) (bool, error)
	LoadRows(ctx context.Context, ref warehouse.TableRef, rows []Row, opts warehouse.LoadOptions) error
	Query(ctx context.Context, query string, params map[string]any) ([]Row, error)
	Exec(ctx context.Context, query string, params map[string]any) error
	DeleteTable(ctx context.Context, ref warehouse.TableRef, ifExists bool) error
	InsertRows(ctx context.Context, ref warehouse.TableRef, rows []Row) ([]warehouse.RowError, error)
}

// Engine ingests record batches into target tables by staging each chunk and
// merging it on a set of key columns. It performs strictly sequential,
// blocking work and assumes a single writer per target table: concurrent
// upserts against the same target can clobber each other's staging data
// unless WithInvocationSuffix is set.
type Engine struct {
	store          Store
	isolateStaging bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithInvocationSuffix gives every Upsert call its own staging table name so
// concurrent invocations against the same target cannot share staging state.
func WithInvocationSuffix() Option {
	return func(e *Engine) {
		e.isolateStaging = true
	}
}

func New(store Store, opts ...Option) *Engine {
	e := &Engine{store: store}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request describes one upsert batch.
type Request struct {
	Target warehouse.TableRef
	Rows   []Row
	// KeyColumns jointly decide whether an incoming row matches an existing
	// target row. Every row must carry all of them.
	KeyColumns []string
	// UpdateColumns are overwritten on a match. When empty they default to
	// the sanitized first row's columns minus the key columns, computed once
	// per invocation.
	UpdateColumns []string
	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int
}

// Result reports an upsert outcome. Merged counts rows processed, not rows
// whose values actually changed. CleanupWarning carries a staging-deletion
// failure, which never fails the batch since the merges already committed.
type Result struct {
	Merged         int
	Chunks         int
	CleanupWarning string
}

// InsertResult reports a SimpleInsert outcome.
type InsertResult struct {
	Inserted int
	Errors   []warehouse.RowError
}

// Upsert merges rows into the target table. Each chunk fully overwrites the
// staging table, then a MERGE matches staging rows to target rows on the key
// columns, updating matches and inserting the rest. Chunks commit
// independently and in input order; a mid-batch failure leaves earlier
// chunks merged and aborts the rest.
func (e *Engine) Upsert(ctx context.Context, req Request) (Result, error) {
	var res Result
	if len(req.Rows) == 0 {
		log.Warnf("upsert %s: empty rows, skipping", req.Target)
		return res, nil
	}
	if len(req.KeyColumns) == 0 {
		return res, errors.New("at least one key column is required")
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 {
		return res, errors.New("chunk size must be positive")
	}

	rows := make([]Row, len(req.Rows))
	for i, row := range req.Rows {
		rows[i] = Sanitize(row)
	}

	// Caller errors surface before any store call so a malformed batch can
	// never leave a partial merge behind.
	if err := validateKeys(rows, req.KeyColumns); err != nil {
		return res, err
	}
	columns := rowColumns(rows[0])
	updateColumns, err := resolveUpdateColumns(columns, req.KeyColumns, req.UpdateColumns)
	if err != nil {
		return res, err
	}

	suffix := ""
	if e.isolateStaging {
		suffix = uuid.NewString()[:8]
	}
	staging := req.Target.WithTable(stagingName(req.Target.Table, suffix))

	mergeSQL, err := buildMergeSQL(mergeSpec{
		target:        req.Target,
		staging:       staging,
		keyColumns:    req.KeyColumns,
		updateColumns: updateColumns,
		insertColumns: columns,
	})
	if err != nil {
		return res, err
	}

	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		chunk := rows[start:end]

		loadOpts := warehouse.LoadOptions{
			WriteDisposition: warehouse.WriteTruncate,
			Autodetect:       true,
		}
		if err := e.store.LoadRows(ctx, staging, chunk, loadOpts); err != nil {
			res.CleanupWarning = e.cleanupStaging(ctx, staging)
			return res, fmt.Errorf("chunk %d: stage load: %w", res.Chunks, err)
		}
		if err := e.store.Exec(ctx, mergeSQL, nil); err != nil {
			res.CleanupWarning = e.cleanupStaging(ctx, staging)
			return res, fmt.Errorf("chunk %d: merge: %w", res.Chunks, err)
		}

		res.Merged += len(chunk)
		res.Chunks++
		log.Infof("upsert %s: merged chunk %d, %d rows (%d/%d)",
			req.Target, res.Chunks, len(chunk), end, len(rows))
	}

	res.CleanupWarning = e.cleanupStaging(ctx, staging)
	log.Infof("upsert %s done: merged=%d chunks=%d", req.Target, res.Merged, res.Chunks)
	return res, nil
}

// cleanupStaging drops the staging table best-effort. The merge already
// committed, so a failed drop is reported as a warning, never an error.
func (e *Engine) cleanupStaging(ctx context.Context, staging warehouse.TableRef) string {
	if err := e.store.DeleteTable(ctx, staging, true); err != nil {
		log.Warnf("drop staging table %s: %v", staging, err)
		return err.Error()
	}
	return ""
}

func validateKeys(rows []Row, keyColumns []string) error {
	for i, row := range rows {
		for _, key := range keyColumns {
			if _, ok := row[key]; !ok {
				return fmt.Errorf("row %d: missing key column %q", i, key)
			}
		}
	}
	return nil
}

func rowColumns(row Row) []string {
	columns := make([]string, 0, len(row))
	for name := range row {
		columns = append(columns, name)
	}
	sort.Strings(columns)
	return columns
}

// resolveUpdateColumns defaults the update set to every first-row column
// that is not a key. Explicit update columns must exist in the first row.
func resolveUpdateColumns(columns, keyColumns, updateColumns []string) ([]string, error) {
	known := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		known[col] = struct{}{}
	}

	if updateColumns != nil {
		for _, col := range updateColumns {
			if _, ok := known[col]; !ok {
				return nil, fmt.Errorf("update column %q not found in rows", col)
			}
		}
		return updateColumns, nil
	}

	keys := make(map[string]struct{}, len(keyColumns))
	for _, key := range keyColumns {
		keys[key] = struct{}{}
	}
	derived := make([]string, 0, len(columns))
	for _, col := range columns {
		if _, isKey := keys[col]; !isKey {
			derived = append(derived, col)
		}
	}
	return derived, nil
}

// SimpleInsert appends rows without dedup, for log-style data where
// duplicates do not matter. Rows are sanitized the same way as for Upsert.
func (e *Engine) SimpleInsert(ctx context.Context, target warehouse.TableRef, rows []Row) (InsertResult, error) {
	var res InsertResult
	if len(rows) == 0 {
		return res, nil
	}

	cleaned := make([]Row, len(rows))
	for i, row := range rows {
		cleaned[i] = Sanitize(row)
	}

	rowErrs, err := e.store.InsertRows(ctx, target, cleaned)
	if err != nil {
		return res, fmt.Errorf("insert into %s: %w", target, err)
	}
	res.Inserted = len(cleaned)
	res.Errors = rowErrs
	return res, nil
}

// EnsureTable creates the target table when missing, so jobs only depend on
// the engine.
func (e *Engine) EnsureTable(ctx context.Context, ref warehouse.TableRef, schema warehouse.Schema) (bool, error) {
	return e.store.EnsureTable(ctx, ref, schema)
}

// RunQuery executes ad-hoc SQL with named @param parameters.
func (e *Engine) RunQuery(ctx context.Context, query string, params map[string]any) ([]Row, error) {
	return e.store.Query(ctx, query, params)
}
