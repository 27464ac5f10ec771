package csvsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dataloom/etlcore/pkg/source"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rows.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func readAll(t *testing.T, s *Source) []map[string]string {
	t.Helper()
	var out []map[string]string
	for {
		rec, ok, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		row := map[string]string{}
		for k, v := range rec {
			row[k] = v.S
		}
		out = append(out, row)
	}
	return out
}

func TestOpenDetectsCommaDelimiter(t *testing.T) {
	path := writeTemp(t, "ordrenr,dato,kundenr\n1,2025-01-01,9\n2,2025-01-02,10\n")
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rows := readAll(t, s)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["ordrenr"] != "1" {
		t.Fatalf("expected normalised header lookup to work, got %v", rows[0])
	}
}

func TestOpenDetectsSemicolonDelimiter(t *testing.T) {
	path := writeTemp(t, "a;b;c\n1;2;3\n")
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rows := readAll(t, s)
	if len(rows) != 1 || rows[0]["b"] != "2" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestOpenHonoursExplicitDelimiterOverride(t *testing.T) {
	path := writeTemp(t, "a,b\n1,2\n") // comma-looking content, force semicolon: whole line becomes one field
	s, err := Open(Config{Path: path, Delimiter: ';'})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rows := readAll(t, s)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["a_b"] != "1,2" {
		t.Fatalf("expected forced semicolon split to keep the comma header as one (normalised) field, got %v", rows[0])
	}
}

func TestOpenSkipsBlankLinesAndSkipRows(t *testing.T) {
	path := writeTemp(t, "a,b\n1,2\n\n3,4\n5,6\n")
	s, err := Open(Config{Path: path, Options: source.Options{SkipRows: 1}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rows := readAll(t, s)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after skipping blanks+1, got %v", rows)
	}
	if rows[0]["a"] != "3" {
		t.Fatalf("expected skipRows to discard first parsed record, got %v", rows[0])
	}
}

func TestOpenToleratesMismatchedColumnCounts(t *testing.T) {
	path := writeTemp(t, "a,b,c\n1,2\n3,4,5,6\n")
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rows := readAll(t, s)
	if len(rows) != 2 {
		t.Fatalf("expected both short and long rows to parse, got %v", rows)
	}
	if rows[0]["c"] != "" {
		t.Fatalf("expected missing trailing column to be empty string, got %v", rows[0])
	}
}

func TestOpenNormalisesHeaders(t *testing.T) {
	path := writeTemp(t, "Order Nr.,Kunde-ID\n1,2\n")
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rows := readAll(t, s)
	if rows[0]["order_nr"] != "1" || rows[0]["kunde_id"] != "2" {
		t.Fatalf("expected normalised headers, got %v", rows[0])
	}
}
