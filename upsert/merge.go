package upsert

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cantart/batchloader/warehouse"
)

const stagingPrefix = "_staging_"

// stagingName derives the staging table name for a target table. The name is
// deterministic unless a per-invocation suffix is supplied.
func stagingName(table, suffix string) string {
	if suffix == "" {
		return stagingPrefix + table
	}
	return stagingPrefix + table + "_" + suffix
}

// mergeSpec is the structured form of one merge statement: which staging
// table feeds which target, matched on which keys, updating and inserting
// which columns. Keeping the statement as data keeps identifier escaping in
// one place and lets the rendering be tested without a database.
type mergeSpec struct {
	target        warehouse.TableRef
	staging       warehouse.TableRef
	keyColumns    []string
	updateColumns []string
	insertColumns []string
}

// buildMergeSQL renders the spec as a MERGE statement. Matched target rows
// have the update columns overwritten from staging; unmatched staging rows
// are inserted with every insert column. With no update columns (every
// column is a key) matches are left untouched.
func buildMergeSQL(spec mergeSpec) (string, error) {
	if len(spec.keyColumns) == 0 {
		return "", errors.New("at least one key column is required")
	}
	if len(spec.insertColumns) == 0 {
		return "", errors.New("at least one insert column is required")
	}

	targetIdent, err := spec.target.Ident()
	if err != nil {
		return "", fmt.Errorf("target: %w", err)
	}
	stagingIdent, err := spec.staging.Ident()
	if err != nil {
		return "", fmt.Errorf("staging: %w", err)
	}

	quotedKeys, err := warehouse.QuoteAll(spec.keyColumns)
	if err != nil {
		return "", fmt.Errorf("key columns: %w", err)
	}
	quotedUpdates, err := warehouse.QuoteAll(spec.updateColumns)
	if err != nil {
		return "", fmt.Errorf("update columns: %w", err)
	}
	quotedInserts, err := warehouse.QuoteAll(spec.insertColumns)
	if err != nil {
		return "", fmt.Errorf("insert columns: %w", err)
	}

	onClauses := make([]string, len(quotedKeys))
	for i, key := range quotedKeys {
		onClauses[i] = fmt.Sprintf("T.%s = S.%s", key, key)
	}

	var matched string
	if len(quotedUpdates) == 0 {
		matched = "WHEN MATCHED THEN DO NOTHING"
	} else {
		setClauses := make([]string, len(quotedUpdates))
		for i, col := range quotedUpdates {
			setClauses[i] = fmt.Sprintf("%s = S.%s", col, col)
		}
		matched = fmt.Sprintf("WHEN MATCHED THEN UPDATE SET %s", strings.Join(setClauses, ", "))
	}

	insertVals := make([]string, len(quotedInserts))
	for i, col := range quotedInserts {
		insertVals[i] = "S." + col
	}

	return fmt.Sprintf(
		"MERGE INTO %s AS T USING %s AS S ON %s %s WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		targetIdent,
		stagingIdent,
		strings.Join(onClauses, " AND "),
		matched,
		strings.Join(quotedInserts, ", "),
		strings.Join(insertVals, ", "),
	), nil
}
