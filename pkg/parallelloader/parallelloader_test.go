package parallelloader

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dataloom/etlcore/pkg/loader"
)

func TestSplitLinesNeverDividesARow(t *testing.T) {
	blob := "1\ta\n2\tb\n3\tc\n4\td\n5\te\n"
	chunks := splitLines(blob, 3)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	var reassembled strings.Builder
	for _, c := range chunks {
		reassembled.WriteString(c)
	}
	if reassembled.String() != blob {
		t.Fatalf("chunking must partition the blob exactly: got %q", reassembled.String())
	}
}

func TestSplitLinesFewerRowsThanChunks(t *testing.T) {
	blob := "1\ta\n"
	chunks := splitLines(blob, 4)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk when rows < requested chunk count, got %d", len(chunks))
	}
}

func TestSplitLinesEmptyInput(t *testing.T) {
	if chunks := splitLines("", 4); chunks != nil {
		t.Fatalf("expected no chunks for empty input, got %v", chunks)
	}
}

func setupTestContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("etl_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	return container, connStr
}

func TestLoadParallelSumsChunkRowCountsAndRestoresIndexes(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker; skipped in -short mode")
	}
	ctx := context.Background()
	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	pool, err := loader.Dial(ctx, connStr, 8)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Raw().Exec(ctx,
		`CREATE TABLE orders (order_number INT PRIMARY KEY, customer TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := pool.Raw().Exec(ctx,
		`CREATE INDEX idx_orders_customer ON orders(customer)`); err != nil {
		t.Fatalf("create index: %v", err)
	}

	var blob strings.Builder
	for i := 1; i <= 20; i++ {
		blob.WriteString(strconv.Itoa(i))
		blob.WriteString("\tcustomer")
		blob.WriteString(strconv.Itoa(i))
		blob.WriteString("\n")
	}

	result, err := LoadParallel(ctx, pool, Config{
		Table:      "orders",
		Columns:    []string{"order_number", "customer"},
		OnConflict: loader.OnConflictError,
		ChunkCount: 4,
	}, blob.String())
	if err != nil {
		t.Fatalf("load parallel: %v", err)
	}
	if result.RowsInserted != 20 {
		t.Fatalf("expected 20 rows inserted, got %d", result.RowsInserted)
	}

	var indexCount int
	err = pool.Raw().QueryRow(ctx,
		`SELECT count(*) FROM pg_indexes WHERE tablename = 'orders' AND indexname = 'idx_orders_customer'`,
	).Scan(&indexCount)
	if err != nil {
		t.Fatalf("query index count: %v", err)
	}
	if indexCount != 1 {
		t.Fatalf("expected secondary index to be recreated, found %d", indexCount)
	}
}
