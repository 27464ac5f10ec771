// Package csvsource implements the CSV row source spec.md §4.1 describes:
// optional gzip/brotli decompression, delimiter sniffing via a
// peek-first-line filter, BOM stripping, tolerant column-count parsing,
// and header normalisation.
package csvsource

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/dataloom/etlcore/pkg/etlerr"
	"github.com/dataloom/etlcore/pkg/record"
	"github.com/dataloom/etlcore/pkg/source"
)

// Compression selects the decompressor wrapped around the raw file bytes
// before delimiter sniffing and parsing.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionBrotli
)

// Config is the CSV-specific source configuration spec.md §4.6 lists:
// file path, optional delimiter override, and compression.
type Config struct {
	Path        string
	Delimiter   rune // 0 means "detect"
	Compression Compression
	source.Options
}

// Source streams records from one CSV file.
type Source struct {
	cfg     Config
	file    *os.File
	reader  *csv.Reader
	header  []string
	skipped int
}

// Open prepares the file, decompressor, and peek-first-line delimiter
// sniff, but does not read the header yet — Next does that lazily on
// first call so Open never blocks on a record boundary.
func Open(cfg Config) (*Source, error) {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, etlerr.NewSourceFormatError(fmt.Errorf("open %s: %w", cfg.Path, err), "csvsource")
	}

	var raw io.Reader = f
	switch cfg.Compression {
	case CompressionGzip:
		gz, err := gzip.NewReader(raw)
		if err != nil {
			f.Close()
			return nil, etlerr.NewSourceFormatError(fmt.Errorf("gzip: %w", err), "csvsource")
		}
		raw = gz
	case CompressionBrotli:
		raw = brotli.NewReader(raw)
	}

	buffered := bufio.NewReaderSize(raw, 64*1024)
	stripBOM(buffered)

	delim := cfg.Delimiter
	if delim == 0 {
		var err error
		delim, err = sniffDelimiter(buffered)
		if err != nil {
			f.Close()
			return nil, etlerr.NewSourceFormatError(err, "csvsource")
		}
	}

	r := csv.NewReader(buffered)
	r.Comma = delim
	r.FieldsPerRecord = -1 // tolerate mismatched column counts
	r.TrimLeadingSpace = true

	return &Source{cfg: cfg, file: f, reader: r}, nil
}

func stripBOM(r *bufio.Reader) {
	bom, err := r.Peek(3)
	if err == nil && bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
		r.Discard(3)
	}
}

// sniffDelimiter reads ahead to the first line break (without consuming
// it from the downstream reader — bufio.Reader.Peek duplicates no bytes
// onto the wire) and counts ';' vs ',' occurrences. Semicolons win ties.
func sniffDelimiter(r *bufio.Reader) (rune, error) {
	const maxPeek = 64 * 1024
	buf, _ := r.Peek(maxPeek)
	idx := bytes.IndexByte(buf, '\n')
	line := buf
	if idx >= 0 {
		line = buf[:idx]
	}
	semis := bytes.Count(line, []byte{';'})
	commas := bytes.Count(line, []byte{','})
	if semis >= commas && semis > 0 {
		return ';', nil
	}
	if commas > 0 {
		return ',', nil
	}
	return ',', nil
}

func (s *Source) readHeader() error {
	row, err := s.reader.Read()
	if err != nil {
		return etlerr.NewSourceFormatError(fmt.Errorf("read header: %w", err), "csvsource")
	}
	header := make([]string, len(row))
	for i, h := range row {
		header[i] = record.NormaliseHeader(strings.TrimSpace(h))
	}
	s.header = header
	return nil
}

// Next returns the next non-empty record, skipping s.cfg.SkipRows records
// immediately following the header. Cancellation is checked once per
// record, satisfying the one-record-boundary propagation requirement.
func (s *Source) Next(ctx context.Context) (record.Record, bool, error) {
	if s.header == nil {
		if err := s.readHeader(); err != nil {
			return nil, false, err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, false, etlerr.NewCancelledError("csv source cancelled")
		default:
		}

		row, err := s.reader.Read()
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, etlerr.NewSourceFormatError(fmt.Errorf("parse row: %w", err), "csvsource")
		}
		if isBlankRow(row) {
			continue
		}
		if s.skipped < s.cfg.SkipRows {
			s.skipped++
			continue
		}
		return rowToRecord(s.header, row), true, nil
	}
}

func isBlankRow(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func rowToRecord(header, row []string) record.Record {
	rec := make(record.Record, len(header))
	for i, h := range header {
		val := ""
		if i < len(row) {
			val = strings.TrimSpace(row[i])
		}
		rec[h] = record.TextValue(val)
	}
	return rec
}

// Close releases the underlying file handle.
func (s *Source) Close() error {
	return s.file.Close()
}
