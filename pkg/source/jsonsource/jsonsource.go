// Package jsonsource implements the JSON row source spec.md §4.1
// describes: ndjson (line-delimited) and array (top-level streaming
// array) modes, both with optional gzip/brotli decompression.
package jsonsource

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	jsoniter "github.com/json-iterator/go"

	"github.com/dataloom/etlcore/pkg/etlerr"
	"github.com/dataloom/etlcore/pkg/record"
	"github.com/dataloom/etlcore/pkg/source"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Mode selects ndjson (line-by-line) or array (top-level JSON array)
// parsing.
type Mode int

const (
	ModeNDJSON Mode = iota
	ModeArray
)

type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionBrotli
)

type Config struct {
	Path        string
	Mode        Mode
	Compression Compression
	source.Options
}

// Source streams records from one JSON file in either ndjson or array
// mode.
type Source struct {
	cfg     Config
	file    *os.File
	scanner *bufio.Scanner     // ndjson mode
	iter    *jsoniter.Iterator // array mode
	lineNo  int
	skipped int
}

func Open(cfg Config) (*Source, error) {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, etlerr.NewSourceFormatError(fmt.Errorf("open %s: %w", cfg.Path, err), "jsonsource")
	}

	var raw io.Reader = f
	switch cfg.Compression {
	case CompressionGzip:
		gz, err := gzip.NewReader(raw)
		if err != nil {
			f.Close()
			return nil, etlerr.NewSourceFormatError(fmt.Errorf("gzip: %w", err), "jsonsource")
		}
		raw = gz
	case CompressionBrotli:
		raw = brotli.NewReader(raw)
	}

	s := &Source{cfg: cfg, file: f}
	if cfg.Mode == ModeNDJSON {
		sc := bufio.NewScanner(raw)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		s.scanner = sc
	} else {
		s.iter = jsoniter.Parse(jsonAPI, raw, 64*1024)
	}
	return s, nil
}

// Next returns the next record. In ndjson mode each non-empty line is
// parsed independently; a parse error names the 1-based line and aborts
// with SourceFormat. In array mode, elements are streamed via
// jsoniter.Iterator.ReadArray, which consumes the opening '[', each ','
// separator, and the closing ']' itself; non-object elements are wrapped
// {value: ...}.
func (s *Source) Next(ctx context.Context) (record.Record, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, false, etlerr.NewCancelledError("json source cancelled")
		default:
		}

		var rec record.Record
		var ok bool
		var err error
		if s.cfg.Mode == ModeNDJSON {
			rec, ok, err = s.nextNDJSON()
		} else {
			rec, ok, err = s.nextArrayElement()
		}
		if err != nil || !ok {
			return rec, ok, err
		}
		if s.skipped < s.cfg.SkipRows {
			s.skipped++
			continue
		}
		return rec, true, nil
	}
}

func (s *Source) nextNDJSON() (record.Record, bool, error) {
	for s.scanner.Scan() {
		s.lineNo++
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		var raw map[string]interface{}
		if err := jsonAPI.UnmarshalFromString(line, &raw); err != nil {
			return nil, false, etlerr.NewSourceFormatError(
				fmt.Errorf("line %d: %w", s.lineNo, err), "jsonsource")
		}
		return mapToRecord(raw), true, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, false, etlerr.NewSourceFormatError(fmt.Errorf("scan ndjson: %w", err), "jsonsource")
	}
	return nil, false, nil
}

func (s *Source) nextArrayElement() (record.Record, bool, error) {
	if !s.iter.ReadArray() {
		if err := s.iter.Error; err != nil && err != io.EOF {
			return nil, false, etlerr.NewSourceFormatError(fmt.Errorf("read array: %w", err), "jsonsource")
		}
		return nil, false, nil
	}

	var elem interface{}
	s.iter.ReadVal(&elem)
	if err := s.iter.Error; err != nil && err != io.EOF {
		return nil, false, etlerr.NewSourceFormatError(fmt.Errorf("decode array element: %w", err), "jsonsource")
	}

	switch v := elem.(type) {
	case map[string]interface{}:
		return mapToRecord(v), true, nil
	default:
		return mapToRecord(map[string]interface{}{"value": v}), true, nil
	}
}

func mapToRecord(raw map[string]interface{}) record.Record {
	rec := make(record.Record, len(raw))
	for k, v := range raw {
		rec[record.NormaliseHeader(k)] = toValue(v)
	}
	return rec
}

func toValue(v interface{}) record.Value {
	switch t := v.(type) {
	case nil:
		return record.NullValue()
	case string:
		return record.TextValue(t)
	case bool:
		return record.BoolValue(t)
	case float64:
		return record.FloatValue(t)
	default:
		s, _ := jsonAPI.MarshalToString(t)
		return record.TextValue(s)
	}
}

func (s *Source) Close() error {
	return s.file.Close()
}
