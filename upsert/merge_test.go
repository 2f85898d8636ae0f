package upsert

import (
	"testing"

	"github.com/cantart/batchloader/warehouse"
)

func testSpec() mergeSpec {
	target := warehouse.TableRef{Project: "analytics", Dataset: "public", Table: "exchange_rates"}
	return mergeSpec{
		target:        target,
		staging:       target.WithTable("_staging_exchange_rates"),
		keyColumns:    []string{"date", "currency"},
		updateColumns: []string{"rate"},
		insertColumns: []string{"currency", "date", "rate"},
	}
}

func TestBuildMergeSQL(t *testing.T) {
	got, err := buildMergeSQL(testSpec())
	if err != nil {
		t.Fatalf("buildMergeSQL: %v", err)
	}
	want := `MERGE INTO "public"."exchange_rates" AS T ` +
		`USING "public"."_staging_exchange_rates" AS S ` +
		`ON T."date" = S."date" AND T."currency" = S."currency" ` +
		`WHEN MATCHED THEN UPDATE SET "rate" = S."rate" ` +
		`WHEN NOT MATCHED THEN INSERT ("currency", "date", "rate") VALUES (S."currency", S."date", S."rate")`
	if got != want {
		t.Fatalf("buildMergeSQL =\n%s\nwant\n%s", got, want)
	}
}

func TestBuildMergeSQLNoUpdateColumns(t *testing.T) {
	spec := testSpec()
	spec.updateColumns = nil
	spec.insertColumns = []string{"currency", "date"}

	got, err := buildMergeSQL(spec)
	if err != nil {
		t.Fatalf("buildMergeSQL: %v", err)
	}
	want := `MERGE INTO "public"."exchange_rates" AS T ` +
		`USING "public"."_staging_exchange_rates" AS S ` +
		`ON T."date" = S."date" AND T."currency" = S."currency" ` +
		`WHEN MATCHED THEN DO NOTHING ` +
		`WHEN NOT MATCHED THEN INSERT ("currency", "date") VALUES (S."currency", S."date")`
	if got != want {
		t.Fatalf("buildMergeSQL =\n%s\nwant\n%s", got, want)
	}
}

func TestBuildMergeSQLValidation(t *testing.T) {
	spec := testSpec()
	spec.keyColumns = nil
	if _, err := buildMergeSQL(spec); err == nil {
		t.Fatal("expected error without key columns, got nil")
	}

	spec = testSpec()
	spec.keyColumns = []string{"bad col"}
	if _, err := buildMergeSQL(spec); err == nil {
		t.Fatal("expected error for unsafe key identifier, got nil")
	}

	spec = testSpec()
	spec.insertColumns = nil
	if _, err := buildMergeSQL(spec); err == nil {
		t.Fatal("expected error without insert columns, got nil")
	}
}

func TestStagingName(t *testing.T) {
	if got := stagingName("exchange_rates", ""); got != "_staging_exchange_rates" {
		t.Fatalf("stagingName = %q", got)
	}
	if got := stagingName("exchange_rates", "ab12cd34"); got != "_staging_exchange_rates_ab12cd34" {
		t.Fatalf("stagingName with suffix = %q", got)
	}
}
