package main

import (
	"testing"

	"github.com/dataloom/etlcore/pkg/loader"
)

func TestParseOnConflict(t *testing.T) {
	cases := []struct {
		in      string
		want    loader.OnConflict
		wantErr bool
	}{
		{"", loader.OnConflictError, false},
		{"error", loader.OnConflictError, false},
		{"nothing", loader.OnConflictNothing, false},
		{"upsert", loader.OnConflictUpsert, false},
		{"bogus", 0, true},
	}
	for _, c := range cases {
		got, err := parseOnConflict(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("parseOnConflict(%q): err=%v, wantErr=%v", c.in, err, c.wantErr)
		}
		if !c.wantErr && got != c.want {
			t.Fatalf("parseOnConflict(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSkipRowsExtractsFromResumeState(t *testing.T) {
	if got := skipRows(nil); got != 0 {
		t.Fatalf("expected 0 for nil resumeState, got %d", got)
	}
	if got := skipRows(map[string]any{"skipRows": float64(42)}); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := skipRows(map[string]any{"nextUrl": "https://example.com"}); got != 0 {
		t.Fatalf("expected 0 when skipRows absent, got %d", got)
	}
}

func TestSourceTypeFromExt(t *testing.T) {
	cases := map[string]string{
		"/tmp/orders.csv":    "csv",
		"/tmp/orders.CSV":    "csv",
		"/tmp/orders.json":   "json",
		"/tmp/orders.ndjson": "json",
		"/tmp/orders.txt":    "",
	}
	for in, want := range cases {
		if got := sourceTypeFromExt(in); got != want {
			t.Fatalf("sourceTypeFromExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSourceOpenerRequiresPathForFileSources(t *testing.T) {
	if _, err := sourceOpener(jobRequest{sourceType: "csv"}); err == nil {
		t.Fatal("expected error when csv source has no path")
	}
	if _, err := sourceOpener(jobRequest{sourceType: "json"}); err == nil {
		t.Fatal("expected error when json source has no path")
	}
	if _, err := sourceOpener(jobRequest{sourceType: "api"}); err == nil {
		t.Fatal("expected error when api source has no url")
	}
	if _, err := sourceOpener(jobRequest{sourceType: "bogus"}); err == nil {
		t.Fatal("expected error for unknown source type")
	}
}

func TestRunJobRequiresTable(t *testing.T) {
	_, err := runJob(nil, jobDeps{}, jobRequest{sourceType: "csv", path: "/tmp/x.csv"})
	if err == nil {
		t.Fatal("expected error when table is missing")
	}
}
