package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dataloom/etlcore/pkg/checkpoint"
	"github.com/dataloom/etlcore/pkg/etlerr"
	"github.com/dataloom/etlcore/pkg/loader"
	"github.com/dataloom/etlcore/pkg/record"
	"github.com/dataloom/etlcore/pkg/registry"
	"github.com/dataloom/etlcore/pkg/safety"
	"github.com/dataloom/etlcore/pkg/source"
	"github.com/dataloom/etlcore/pkg/transform"
)

// fakeSource replays a fixed slice of records, for exercising the
// orchestrator without a real CSV/JSON/API source.
type fakeSource struct {
	records []record.Record
	idx     int
}

func (f *fakeSource) Next(ctx context.Context) (record.Record, bool, error) {
	if f.idx >= len(f.records) {
		return nil, false, nil
	}
	rec := f.records[f.idx]
	f.idx++
	return rec, true, nil
}

func (f *fakeSource) Close() error { return nil }

func openFake(recs ...record.Record) func(map[string]any) (source.Source, error) {
	return func(map[string]any) (source.Source, error) {
		return &fakeSource{records: recs}, nil
	}
}

func rec(orderNumber int64, customer string) record.Record {
	return record.Record{
		"order_number": record.IntValue(orderNumber),
		"customer":     record.TextValue(customer),
	}
}

func TestRunUpsertWithoutKeysFailsConfigErrorBeforeAnyIO(t *testing.T) {
	o := New(Config{
		Table:      "orders",
		OnConflict: loader.OnConflictUpsert,
	})
	_, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("expected ConfigError for upsert without key columns")
	}
	if etlerr.KindOf(err) != etlerr.ConfigErr {
		t.Fatalf("expected ConfigErr kind, got %v", etlerr.KindOf(err))
	}
}

func TestRunDuplicateJobIDFailsRegistration(t *testing.T) {
	reg := registry.New()
	if _, err := reg.Register("job1", "orders"); err != nil {
		t.Fatalf("seed register: %v", err)
	}

	o := New(Config{
		JobID:    "job1",
		Table:    "orders",
		Registry: reg,
	})
	_, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if etlerr.KindOf(err) != etlerr.ConfigErr {
		t.Fatalf("expected ConfigErr kind, got %v", etlerr.KindOf(err))
	}
}

func TestRunEmptySourceCompletesWithZeroRows(t *testing.T) {
	reg := registry.New()
	cp := checkpoint.NewStore(t.TempDir(), nil)

	o := New(Config{
		Table:             "orders",
		SourceType:        "csv",
		OpenSource:        openFake(),
		Registry:          reg,
		Checkpoints:       cp,
		CheckpointEnabled: true,
	})

	result, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.AttemptedRows != 0 || result.InsertedRows != 0 {
		t.Fatalf("expected zero rows, got %+v", result)
	}

	job, err := reg.Get(result.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != registry.StatusCompleted {
		t.Fatalf("expected completed status, got %s", job.Status)
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

func baseRules() transform.TableRules {
	return transform.TableRules{
		Columns: map[string]transform.ColumnRule{
			"order_number": {Kind: transform.KindInteger},
			"customer":     {Kind: transform.KindText, Nullable: true},
		},
	}
}

func TestRunCsvLikeSourceInsertsAllRows(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker; skipped in -short mode")
	}
	ctx := context.Background()
	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	pool, err := loader.Dial(ctx, connStr, 5)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Raw().Exec(ctx, `CREATE TABLE orders (order_number INT PRIMARY KEY, customer TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	reg := registry.New()
	cp := checkpoint.NewStore(t.TempDir(), nil)

	o := New(Config{
		Table:             "orders",
		SourceType:        "csv",
		OpenSource:        openFake(rec(1, "acme"), rec(2, "contoso")),
		Rules:             baseRules(),
		Pool:              pool,
		Registry:          reg,
		Checkpoints:       cp,
		CheckpointEnabled: true,
	})

	result, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.AttemptedRows != 2 || result.InsertedRows != 2 || result.RejectedRows != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	var count int
	if err := pool.Raw().QueryRow(ctx, `SELECT COUNT(*) FROM orders`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows in orders, got %d", count)
	}
}

func TestRunNonStrictRejectsInvalidRowToDeadLetterFile(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker; skipped in -short mode")
	}
	ctx := context.Background()
	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	pool, err := loader.Dial(ctx, connStr, 5)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Raw().Exec(ctx, `CREATE TABLE orders (order_number INT PRIMARY KEY, customer TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	reg := registry.New()
	cp := checkpoint.NewStore(t.TempDir(), nil)
	deadLetterDir := t.TempDir()

	rules := baseRules()
	rules.Validator = func(row map[string]record.Value) *transform.ValidationError {
		if v, ok := row["customer"]; !ok || v.Kind == record.Null {
			return &transform.ValidationError{Column: "customer", Reason: "required", RawText: ""}
		}
		return nil
	}

	o := New(Config{
		Table:         "orders",
		SourceType:    "csv",
		OpenSource:    openFake(rec(1, "widgets-inc"), rec(2, ""), rec(3, "re-corp")),
		Rules:         rules,
		Pool:          pool,
		Registry:      reg,
		Checkpoints:   cp,
		DeadLetterDir: deadLetterDir,
	})

	result, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.AttemptedRows != 3 || result.InsertedRows != 2 || result.RejectedRows != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.DeadLetterPath == "" {
		t.Fatal("expected a dead-letter file path")
	}
	if _, err := os.Stat(result.DeadLetterPath); err != nil {
		t.Fatalf("expected dead-letter file to exist: %v", err)
	}
	if filepath.Dir(result.DeadLetterPath) != deadLetterDir {
		t.Fatalf("expected dead-letter file under %s, got %s", deadLetterDir, result.DeadLetterPath)
	}
}

func TestRunMaxDeadLettersSafetyLimitCancels(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker; skipped in -short mode")
	}
	ctx := context.Background()
	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	pool, err := loader.Dial(ctx, connStr, 5)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Raw().Exec(ctx, `CREATE TABLE orders (order_number INT PRIMARY KEY, customer TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	reg := registry.New()
	cp := checkpoint.NewStore(t.TempDir(), nil)

	rules := baseRules()
	rules.Validator = func(row map[string]record.Value) *transform.ValidationError {
		return &transform.ValidationError{Column: "customer", Reason: "always rejected for this test", RawText: ""}
	}

	o := New(Config{
		Table:         "orders",
		SourceType:    "csv",
		OpenSource:    openFake(rec(1, "a"), rec(2, "b"), rec(3, "c"), rec(4, "d"), rec(5, "e")),
		Rules:         rules,
		Pool:          pool,
		Registry:      reg,
		Checkpoints:   cp,
		DeadLetterDir: t.TempDir(),
		Limits:        safety.Limits{MaxDeadLetters: 2},
	})

	result, err := o.Run(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if etlerr.KindOf(err) != etlerr.CancelledErr {
		t.Fatalf("expected Cancelled kind, got %v", etlerr.KindOf(err))
	}
	if result.RejectedRows != 2 {
		t.Fatalf("expected cancellation exactly at the dead-letter limit, got %d rejected", result.RejectedRows)
	}

	job, err := reg.Get(result.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != registry.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", job.Status)
	}
	if job.Reason != string(safety.LimitDeadLetters) {
		t.Fatalf("expected reason %q, got %q", safety.LimitDeadLetters, job.Reason)
	}
}
