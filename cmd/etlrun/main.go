// Command etlrun is the CLI entrypoint for the streaming ETL core: run one
// job against a CSV/JSON/API source, or watch a directory for new
// CSV/JSON files and run one job per arrival. Flag handling follows the
// teacher's cmd/noisefs stdlib flag convention (no cobra/viper).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dataloom/etlcore/pkg/checkpoint"
	"github.com/dataloom/etlcore/pkg/config"
	"github.com/dataloom/etlcore/pkg/etlmetrics"
	"github.com/dataloom/etlcore/pkg/failurelog"
	"github.com/dataloom/etlcore/pkg/loader"
	"github.com/dataloom/etlcore/pkg/logging"
	"github.com/dataloom/etlcore/pkg/orchestrator"
	"github.com/dataloom/etlcore/pkg/registry"
	"github.com/dataloom/etlcore/pkg/source"
	"github.com/dataloom/etlcore/pkg/source/apisource"
	"github.com/dataloom/etlcore/pkg/source/csvsource"
	"github.com/dataloom/etlcore/pkg/source/jsonsource"
	"github.com/dataloom/etlcore/pkg/util"

	"flag"
)

func main() {
	var (
		configFile   = flag.String("config", "", "Configuration file path")
		table        = flag.String("table", "", "Target table name")
		sourceType   = flag.String("source-type", "csv", "Row source type: csv | json | api")
		path         = flag.String("path", "", "File path for csv/json sources")
		delimiter    = flag.String("delimiter", "", "CSV delimiter override (single byte); empty means auto-detect")
		jsonMode     = flag.String("json-mode", "ndjson", "JSON source mode: ndjson | array")
		apiURL       = flag.String("api-url", "", "API source URL")
		apiMethod    = flag.String("api-method", "GET", "API source method: GET | POST")
		dataPath     = flag.String("data-path", "", "Dotted path to the record array within an API response")
		nextPagePath = flag.String("next-page-path", "", "Dotted path to the next-page URL within an API response")
		onConflict   = flag.String("on-conflict", "error", "Conflict policy: error | nothing | upsert")
		upsertKeys   = flag.String("upsert-keys", "", "Comma-separated upsert key columns")
		strict       = flag.Bool("strict", false, "Strict mode: fail the job on the first invalid row")
		jobID        = flag.String("job-id", "", "Job id; a fresh job resumes if a checkpoint exists with this id")
		jsonOutput   = flag.Bool("json", false, "Print the Result object as JSON instead of human text")
		watchDir     = flag.String("watch-dir", "", "Watch this directory for new CSV/JSON files and run one job per arrival")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fail(*jsonOutput, err)
	}

	logger, err := logging.NewFromConfig(cfg.Logging.Level, cfg.Logging.Output, cfg.Logging.File)
	if err != nil {
		fail(*jsonOutput, err)
	}
	logger = logger.WithComponent("etlrun")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := loader.Dial(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		fail(*jsonOutput, fmt.Errorf("connect to database: %w", err))
	}
	defer pool.Close()

	reg := registry.New()
	cpStore := checkpoint.NewStore(cfg.Checkpoint.Dir, func(format string, args ...any) {
		logger.Warn(fmt.Sprintf(format, args...))
	})

	metrics, err := etlmetrics.New(etlmetrics.Config{Enabled: cfg.Metrics.Enabled, ServiceName: cfg.Metrics.ServiceName})
	if err != nil {
		fail(*jsonOutput, fmt.Errorf("init metrics: %w", err))
	}
	defer metrics.Shutdown(context.Background())

	failures := failurelog.New(pool.Raw())
	if err := failures.EnsureSchema(ctx); err != nil {
		fail(*jsonOutput, fmt.Errorf("ensure failure log schema: %w", err))
	}

	deps := jobDeps{
		pool: pool, registry: reg, checkpoints: cpStore, failures: failures,
		metrics: metrics, logger: logger, cfg: cfg,
	}

	if *watchDir != "" {
		runWatch(ctx, deps, *watchDir, *table, *onConflict, *upsertKeys, *strict)
		return
	}

	req := jobRequest{
		table: *table, sourceType: *sourceType, path: *path, delimiter: *delimiter,
		jsonMode: *jsonMode, apiURL: *apiURL, apiMethod: *apiMethod, dataPath: *dataPath,
		nextPagePath: *nextPagePath, onConflict: *onConflict, upsertKeys: *upsertKeys,
		strict: *strict, jobID: *jobID,
	}
	result, err := runJob(ctx, deps, req)
	if err != nil {
		fail(*jsonOutput, err)
	}
	if *jsonOutput {
		util.PrintJSONSuccess(result)
		return
	}
	fmt.Printf("job %s: table=%s attempted=%d inserted=%d rejected=%d rowsPerSecond=%.1f durationMs=%d\n",
		result.JobID, result.Table, result.AttemptedRows, result.InsertedRows, result.RejectedRows,
		result.RowsPerSecond, result.DurationMs)
}

type jobDeps struct {
	pool        *loader.Pool
	registry    *registry.Registry
	checkpoints *checkpoint.Store
	failures    *failurelog.Log
	metrics     *etlmetrics.Metrics
	logger      *logging.Logger
	cfg         *config.Config
}

type jobRequest struct {
	table        string
	sourceType   string
	path         string
	delimiter    string
	jsonMode     string
	apiURL       string
	apiMethod    string
	dataPath     string
	nextPagePath string
	onConflict   string
	upsertKeys   string
	strict       bool
	jobID        string
}

func runJob(ctx context.Context, deps jobDeps, req jobRequest) (orchestrator.Result, error) {
	if req.table == "" {
		return orchestrator.Result{}, fmt.Errorf("--table is required")
	}

	onConflict, err := parseOnConflict(req.onConflict)
	if err != nil {
		return orchestrator.Result{}, err
	}

	var upsertKeyColumns []string
	if req.upsertKeys != "" {
		upsertKeyColumns = strings.Split(req.upsertKeys, ",")
	}

	openSource, err := sourceOpener(req)
	if err != nil {
		return orchestrator.Result{}, err
	}

	orch := orchestrator.New(orchestrator.Config{
		JobID:              req.jobID,
		Table:              req.table,
		SourceType:         req.sourceType,
		OpenSource:         openSource,
		Rules:              deps.cfg.Tables[req.table].ToTableRules(),
		OnConflict:         onConflict,
		UpsertKeyColumns:   upsertKeyColumns,
		StrictMode:         req.strict,
		Limits:             deps.cfg.Limits.ToSafetyLimits(),
		RetryPolicy:        deps.cfg.Retry.ToRetryPolicy(),
		CheckpointEnabled:  deps.cfg.Checkpoint.Enabled,
		DeadLetterDir:      deps.cfg.DeadLetter.Dir,
		DeadLetterCapacity: deps.cfg.DeadLetter.Capacity,
		ProgressInterval:   deps.cfg.Progress.Interval,
		CheckpointInterval: deps.cfg.Progress.CheckpointInterval,
		HighWaterMarkBytes: deps.cfg.Progress.HighWaterMarkBytes,
		Pool:               deps.pool,
		Registry:           deps.registry,
		Checkpoints:        deps.checkpoints,
		Failures:           deps.failures,
		Metrics:            deps.metrics,
	})

	return orch.Run(ctx)
}

func parseOnConflict(s string) (loader.OnConflict, error) {
	switch s {
	case "", "error":
		return loader.OnConflictError, nil
	case "nothing":
		return loader.OnConflictNothing, nil
	case "upsert":
		return loader.OnConflictUpsert, nil
	default:
		return 0, fmt.Errorf("--on-conflict must be one of error|nothing|upsert, got %q", s)
	}
}

// sourceOpener builds the orchestrator's OpenSource factory for the
// requested source type, applying resumeState["skipRows"] (file sources)
// or resumeState["nextUrl"] (API) when resuming a checkpointed job.
func sourceOpener(req jobRequest) (func(map[string]any) (source.Source, error), error) {
	switch req.sourceType {
	case "csv":
		if req.path == "" {
			return nil, fmt.Errorf("--path is required for source-type=csv")
		}
		var delim rune
		if req.delimiter != "" {
			delim = rune(req.delimiter[0])
		}
		return func(resumeState map[string]any) (source.Source, error) {
			return csvsource.Open(csvsource.Config{
				Path:      req.path,
				Delimiter: delim,
				Options:   source.Options{SkipRows: skipRows(resumeState)},
			})
		}, nil
	case "json":
		if req.path == "" {
			return nil, fmt.Errorf("--path is required for source-type=json")
		}
		mode := jsonsource.ModeNDJSON
		if req.jsonMode == "array" {
			mode = jsonsource.ModeArray
		}
		return func(resumeState map[string]any) (source.Source, error) {
			return jsonsource.Open(jsonsource.Config{
				Path:    req.path,
				Mode:    mode,
				Options: source.Options{SkipRows: skipRows(resumeState)},
			})
		}, nil
	case "api":
		if req.apiURL == "" {
			return nil, fmt.Errorf("--api-url is required for source-type=api")
		}
		method := apisource.MethodGet
		if strings.EqualFold(req.apiMethod, "POST") {
			method = apisource.MethodPost
		}
		return func(resumeState map[string]any) (source.Source, error) {
			url := req.apiURL
			if next, ok := resumeState["nextUrl"].(string); ok && next != "" {
				url = next
			}
			return apisource.New(apisource.Config{
				URL:          url,
				Method:       method,
				DataPath:     req.dataPath,
				NextPagePath: req.nextPagePath,
			}), nil
		}, nil
	default:
		return nil, fmt.Errorf("--source-type must be one of csv|json|api, got %q", req.sourceType)
	}
}

func skipRows(resumeState map[string]any) int {
	if resumeState == nil {
		return 0
	}
	if n, ok := resumeState["skipRows"].(float64); ok {
		return int(n)
	}
	return 0
}

// runWatch watches dir for newly created CSV/JSON files and runs one job
// per arrival, per SPEC_FULL.md's drop-directory supplemental feature.
// Each file's extension selects its source type; the job table and
// conflict policy are shared across every watched file.
func runWatch(ctx context.Context, deps jobDeps, dir, table, onConflict, upsertKeys string, strict bool) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fail(false, fmt.Errorf("start watcher: %w", err))
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		fail(false, fmt.Errorf("watch %s: %w", dir, err))
	}
	deps.logger.Info("watching directory for new files", map[string]interface{}{"dir": dir})

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			sourceType := sourceTypeFromExt(event.Name)
			if sourceType == "" {
				continue
			}
			// Give the writer a moment to finish flushing before reading.
			time.Sleep(250 * time.Millisecond)

			req := jobRequest{
				table: table, sourceType: sourceType, path: event.Name,
				onConflict: onConflict, upsertKeys: upsertKeys, strict: strict,
			}
			result, err := runJob(ctx, deps, req)
			if err != nil {
				deps.logger.Error("watch-triggered job failed", map[string]interface{}{"file": event.Name, "error": err.Error()})
				continue
			}
			deps.logger.Info("watch-triggered job completed", map[string]interface{}{
				"file": event.Name, "jobId": result.JobID, "inserted": result.InsertedRows,
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			deps.logger.Error("watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func sourceTypeFromExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return "csv"
	case ".json", ".ndjson":
		return "json"
	default:
		return ""
	}
}

func fail(asJSON bool, err error) {
	if asJSON {
		util.PrintJSONError(err)
	} else {
		fmt.Fprintf(os.Stderr, "etlrun: %v\n", err)
	}
	os.Exit(1)
}
