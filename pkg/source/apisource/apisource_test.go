package apisource

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNextFollowsNextPagePathAcrossPages(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			fmt.Fprintf(w, `{"items":[{"id":1},{"id":2}],"next":"%s"}`, srv.URL)
		} else {
			fmt.Fprint(w, `{"items":[{"id":3}],"next":""}`)
		}
	}))
	defer srv.Close()

	s := New(Config{
		URL:          srv.URL,
		Method:       MethodGet,
		DataPath:     "items",
		NextPagePath: "next",
	})

	var ids []float64
	for i := 0; i < 10; i++ {
		rec, ok, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		ids = append(ids, rec["id"].F)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Fatalf("expected ids [1 2 3] across both pages, got %v", ids)
	}
}

func TestMaxPagesStopsPagination(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintf(w, `{"items":[{"id":%d}],"next":"%s"}`, calls, srv.URL)
	}))
	defer srv.Close()

	s := New(Config{
		URL:          srv.URL,
		DataPath:     "items",
		NextPagePath: "next",
		MaxPages:     2,
	})

	var count int
	for {
		_, ok, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected exactly 2 records (one per page, capped at MaxPages=2), got %d", count)
	}
}

func TestOnNextURLCallbackReceivesEachPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"id":1}],"next":""}`)
	}))
	defer srv.Close()

	s := New(Config{URL: srv.URL, DataPath: "items", NextPagePath: "next"})
	var seen []string
	s.OnNextURL(func(u string) { seen = append(seen, u) })

	for {
		_, ok, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
	}
	if len(seen) != 1 || seen[0] != "" {
		t.Fatalf("expected callback invoked once with empty terminal next URL, got %v", seen)
	}
}

func TestDataPathMissingFailsWithSourceFormatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"other":[]}`)
	}))
	defer srv.Close()

	s := New(Config{URL: srv.URL, DataPath: "items", RequestTimeout: time.Second})
	_, _, err := s.Next(context.Background())
	if err == nil {
		t.Fatal("expected error when dataPath does not resolve")
	}
}
