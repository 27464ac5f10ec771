// Package loader implements the bulk loader spec.md §4.4 describes: a
// direct COPY into the target table for onConflict=error, or a
// staging-table transaction for nothing/upsert conflict policies.
// Connection pooling and transaction/rollback idiom are adapted from
// pkg/compliance/storage/postgres's ComplianceDatabase and pgxTransaction.
package loader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dataloom/etlcore/pkg/etlerr"
)

// OnConflict selects the conflict-resolution policy spec.md §4.4 defines.
type OnConflict int

const (
	OnConflictError OnConflict = iota
	OnConflictNothing
	OnConflictUpsert
)

// Config configures one bulk-load invocation.
type Config struct {
	Table             string
	Columns           []string
	OnConflict        OnConflict
	UpsertKeyColumns  []string
	UpsertUpdateCols  []string // defaults to all non-key planned columns when empty
	ProgressInterval  int64
	OnProgress        func(rowsStreamed int64)
}

// Pool wraps a pgxpool.Pool the way ComplianceDatabase wraps one: default
// timeouts and connection limits applied at construction, a single pool
// shared across concurrently running jobs.
type Pool struct {
	pool *pgxpool.Pool
}

// Dial opens a connection pool against connString, matching
// ComplianceDatabase's default MaxConns/MaxConnLifetime/MaxConnIdleTime.
func Dial(ctx context.Context, connString string, maxConns int32) (*Pool, error) {
	if connString == "" {
		return nil, etlerr.NewConfigError(fmt.Errorf("connection string is required"), "loader")
	}
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, etlerr.NewConfigError(fmt.Errorf("parse connection string: %w", err), "loader")
	}
	if maxConns == 0 {
		maxConns = 10
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, etlerr.NewTransientDbError(fmt.Errorf("create connection pool: %w", err), "loader")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, etlerr.NewTransientDbError(fmt.Errorf("ping database: %w", err), "loader")
	}
	return &Pool{pool: pool}, nil
}

func (p *Pool) Close() { p.pool.Close() }

func (p *Pool) Raw() *pgxpool.Pool { return p.pool }

// TableColumns returns the live set of column names for table, used by the
// orchestrator to derive or validate the column plan (spec.md §4.5's
// "fetch the live column set").
func (p *Pool) TableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_name = $1`, table)
	if err != nil {
		return nil, etlerr.NewTransientDbError(fmt.Errorf("query columns for %s: %w", table, err), "loader")
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, etlerr.NewTransientDbError(fmt.Errorf("scan column name: %w", err), "loader")
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, etlerr.NewTransientDbError(fmt.Errorf("iterate columns for %s: %w", table, err), "loader")
	}
	return cols, nil
}

// LineReader is the minimal interface the loader needs from the
// backpressured copy-line stream: ReadLine-style consumption in terms of
// io.Reader bytes, since pgx's CopyFrom accepts any io.Reader directly in
// COPY text-format wire form.
type LineReader interface {
	Read(p []byte) (int, error)
}

// Result reports how many rows were actually persisted.
type Result struct {
	RowsInserted int64
}

// Load streams lines (already in COPY text format, one row per line, in
// cfg.Columns order — see pkg/copyline) into cfg.Table according to
// cfg.OnConflict.
func Load(ctx context.Context, pool *Pool, cfg Config, lines LineReader) (Result, error) {
	if cfg.OnConflict == OnConflictUpsert && len(cfg.UpsertKeyColumns) == 0 {
		return Result{}, etlerr.NewConfigError(fmt.Errorf("upsert requires a non-empty upsertKeyColumns"), "loader")
	}

	switch cfg.OnConflict {
	case OnConflictError:
		return loadDirect(ctx, pool, cfg, lines)
	default:
		return loadViaStaging(ctx, pool, cfg, lines)
	}
}

func loadDirect(ctx context.Context, pool *Pool, cfg Config, lines LineReader) (Result, error) {
	conn, err := pool.pool.Acquire(ctx)
	if err != nil {
		return Result{}, etlerr.NewTransientDbError(fmt.Errorf("acquire connection: %w", err), "loader")
	}
	defer conn.Release()

	copySQL := fmt.Sprintf("COPY %s (%s) FROM STDIN", quoteIdent(cfg.Table), quoteIdentList(cfg.Columns))
	tag, err := conn.Conn().PgConn().CopyFrom(ctx, progressWrapper(lines, cfg), copySQL)
	if err != nil {
		return Result{}, etlerr.NewLoaderFailureError(fmt.Errorf("copy into %s: %w", cfg.Table, err), "loader")
	}
	return Result{RowsInserted: tag.RowsAffected()}, nil
}

func loadViaStaging(ctx context.Context, pool *Pool, cfg Config, lines LineReader) (Result, error) {
	conn, err := pool.pool.Acquire(ctx)
	if err != nil {
		return Result{}, etlerr.NewTransientDbError(fmt.Errorf("acquire connection: %w", err), "loader")
	}
	defer conn.Release()

	tx, err := conn.Conn().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Result{}, etlerr.NewTransientDbError(fmt.Errorf("begin transaction: %w", err), "loader")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op if already committed

	staging := stagingTableName(cfg.Table)
	createSQL := fmt.Sprintf(
		`CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP`,
		quoteIdent(staging), quoteIdent(cfg.Table))
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return Result{}, etlerr.NewLoaderFailureError(fmt.Errorf("create staging table: %w", err), "loader")
	}

	stagingCols, err := pool.TableColumns(ctx, cfg.Table)
	if err != nil {
		return Result{}, err
	}
	allCols := make([]string, 0, len(stagingCols))
	for c := range stagingCols {
		allCols = append(allCols, c)
	}
	relaxSQL := relaxNotNullSQL(staging, allCols)
	if relaxSQL != "" {
		if _, err := tx.Exec(ctx, relaxSQL); err != nil {
			return Result{}, etlerr.NewLoaderFailureError(fmt.Errorf("relax staging not-null: %w", err), "loader")
		}
	}

	copySQL := fmt.Sprintf("COPY %s (%s) FROM STDIN", quoteIdent(staging), quoteIdentList(cfg.Columns))
	if _, err := tx.Conn().PgConn().CopyFrom(ctx, progressWrapper(lines, cfg), copySQL); err != nil {
		return Result{}, etlerr.NewLoaderFailureError(fmt.Errorf("copy into staging: %w", err), "loader")
	}

	insertSQL := mergeSQL(cfg, staging)
	tag, err := tx.Exec(ctx, insertSQL)
	if err != nil {
		return Result{}, etlerr.NewLoaderFailureError(fmt.Errorf("merge staging into %s: %w", cfg.Table, err), "loader")
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, etlerr.NewTransientDbError(fmt.Errorf("commit: %w", err), "loader")
	}
	return Result{RowsInserted: tag.RowsAffected()}, nil
}

func mergeSQL(cfg Config, staging string) string {
	colList := quoteIdentList(cfg.Columns)
	base := fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`,
		quoteIdent(cfg.Table), colList, colList, quoteIdent(staging))

	switch cfg.OnConflict {
	case OnConflictUpsert:
		updateCols := cfg.UpsertUpdateCols
		if len(updateCols) == 0 {
			updateCols = nonKeyColumns(cfg.Columns, cfg.UpsertKeyColumns)
		}
		sets := make([]string, len(updateCols))
		for i, c := range updateCols {
			q := quoteIdent(c)
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
		}
		return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
			base, quoteIdentList(cfg.UpsertKeyColumns), strings.Join(sets, ", "))
	default: // OnConflictNothing
		return base + " ON CONFLICT DO NOTHING"
	}
}

func nonKeyColumns(columns, keys []string) []string {
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}
	var out []string
	for _, c := range columns {
		if !keySet[c] {
			out = append(out, c)
		}
	}
	return out
}

// relaxNotNullSQL drops NOT NULL on every staging column so that partial
// tuples (columns the incoming data does not populate) can be staged
// without forcing unrelated defaults, per spec.md §4.4.
func relaxNotNullSQL(staging string, columns []string) string {
	if len(columns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("ALTER TABLE %s", quoteIdent(staging)))
	for i, c := range columns {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(fmt.Sprintf(" ALTER COLUMN %s DROP NOT NULL", quoteIdent(c)))
	}
	return b.String()
}

func stagingTableName(table string) string {
	return fmt.Sprintf("stg_%s_%d", table, time.Now().UnixNano())
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteIdentList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// progressCounter wraps a LineReader, counting bytes that contain newline
// boundaries so Load can invoke cfg.OnProgress at most every
// ProgressInterval rows, per spec.md §4.4.
type progressCounter struct {
	inner      LineReader
	cfg        Config
	rows       int64
	lastNotify int64
}

func progressWrapper(lines LineReader, cfg Config) LineReader {
	if cfg.OnProgress == nil {
		return lines
	}
	return &progressCounter{inner: lines, cfg: cfg}
}

func (p *progressCounter) Read(buf []byte) (int, error) {
	n, err := p.inner.Read(buf)
	for _, b := range buf[:n] {
		if b == '\n' {
			p.rows++
		}
	}
	interval := p.cfg.ProgressInterval
	if interval <= 0 {
		interval = 1000
	}
	if p.rows-p.lastNotify >= interval {
		p.lastNotify = p.rows
		p.cfg.OnProgress(p.rows)
	}
	return n, err
}
