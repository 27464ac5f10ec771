// Package apisource implements the API row source spec.md §4.1 describes:
// paginated HTTP GET/POST with dotted-path record and next-page
// extraction, and rate limiting. Pages are fetched one at a time, in
// order; there is no parallel page fetching.
package apisource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/dataloom/etlcore/pkg/etlerr"
	"github.com/dataloom/etlcore/pkg/record"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Method is the HTTP verb used for every page request.
type Method string

const (
	MethodGet  Method = "GET"
	MethodPost Method = "POST"
)

// Config is the API-specific configuration spec.md §4.6 lists.
type Config struct {
	URL                string
	Method             Method
	Headers            map[string]string
	Body               string
	RequestTimeout     time.Duration
	MinRequestInterval time.Duration // rate limit: minimum gap between requests
	DataPath           string        // dotted path to the record array within each response
	NextPagePath       string        // dotted path to the next page URL
	MaxPages           int           // 0 means unbounded

	SkipRows int
}

// Source streams records across one or more paginated HTTP responses.
// Fetching is strictly sequential: each page's nextPagePath is resolved
// from the prior response, so there is no future URL to prefetch with
// (spec.md §4.1's "1 = strictly sequential" reading).
type Source struct {
	cfg        Config
	client     *http.Client
	limiter    *rate.Limiter
	onNextURL  func(string)
	nextURL    string
	page       int
	buf        []record.Record
	bufIdx     int
	skipped    int
	exhausted  bool
}

func New(cfg Config) *Source {
	var limiter *rate.Limiter
	if cfg.MinRequestInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinRequestInterval), 1)
	}
	return &Source{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: limiter,
		nextURL: cfg.URL,
	}
}

// OnNextURL registers the callback invoked with the most recently
// discovered next-page URL after each successful fetch, so the
// orchestrator can persist resume state without waiting for the source to
// exhaust (spec.md §4.1's per-fetch resume-state callback).
func (s *Source) OnNextURL(fn func(nextURL string)) {
	s.onNextURL = fn
}

// Next returns the next record, fetching additional pages as needed.
func (s *Source) Next(ctx context.Context) (record.Record, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, false, etlerr.NewCancelledError("api source cancelled")
		default:
		}

		if s.bufIdx < len(s.buf) {
			rec := s.buf[s.bufIdx]
			s.bufIdx++
			if s.skipped < s.cfg.SkipRows {
				s.skipped++
				continue
			}
			return rec, true, nil
		}

		if s.exhausted {
			return nil, false, nil
		}

		if err := s.fetchNextPage(ctx); err != nil {
			return nil, false, err
		}
	}
}

func (s *Source) fetchNextPage(ctx context.Context) error {
	if s.nextURL == "" || (s.cfg.MaxPages > 0 && s.page >= s.cfg.MaxPages) {
		s.exhausted = true
		s.buf = nil
		s.bufIdx = 0
		return nil
	}

	records, err := s.fetchOnePage(ctx, s.nextURL)
	if err != nil {
		return err
	}
	s.page++
	s.buf = records
	s.bufIdx = 0
	return nil
}

func (s *Source) fetchOnePage(ctx context.Context, url string) ([]record.Record, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, etlerr.NewCancelledError("api source rate limiter cancelled")
		}
	}

	var bodyReader io.Reader
	if s.cfg.Method == MethodPost && s.cfg.Body != "" {
		bodyReader = bytes.NewReader([]byte(s.cfg.Body))
	}
	method := string(s.cfg.Method)
	if method == "" {
		method = string(MethodGet)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, etlerr.NewSourceFormatError(fmt.Errorf("build request: %w", err), "apisource")
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, etlerr.NewSourceFormatError(fmt.Errorf("fetch %s: %w", url, err), "apisource")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, etlerr.NewSourceFormatError(fmt.Errorf("read response body: %w", err), "apisource")
	}
	if resp.StatusCode >= 400 {
		return nil, etlerr.NewSourceFormatError(
			fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url), "apisource")
	}

	var parsed interface{}
	if err := jsonAPI.Unmarshal(body, &parsed); err != nil {
		return nil, etlerr.NewSourceFormatError(fmt.Errorf("parse response json: %w", err), "apisource")
	}

	items := extractPath(parsed, s.cfg.DataPath)
	arr, ok := items.([]interface{})
	if !ok {
		return nil, etlerr.NewSourceFormatError(
			fmt.Errorf("dataPath %q did not resolve to an array", s.cfg.DataPath), "apisource")
	}

	records := make([]record.Record, 0, len(arr))
	for _, el := range arr {
		m, ok := el.(map[string]interface{})
		if !ok {
			m = map[string]interface{}{"value": el}
		}
		records = append(records, mapToRecord(m))
	}

	s.nextURL = ""
	if s.cfg.NextPagePath != "" {
		if nu, ok := extractPath(parsed, s.cfg.NextPagePath).(string); ok {
			s.nextURL = strings.TrimSpace(nu)
		}
	}
	if s.onNextURL != nil {
		s.onNextURL(s.nextURL)
	}

	return records, nil
}

// extractPath resolves a dotted path like "data.items" against a decoded
// JSON value, returning nil if any segment is missing. Numeric segments
// index into arrays.
func extractPath(v interface{}, path string) interface{} {
	if path == "" {
		return v
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case map[string]interface{}:
			cur = t[seg]
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil
			}
			cur = t[idx]
		default:
			return nil
		}
	}
	return cur
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
	return nil
}
