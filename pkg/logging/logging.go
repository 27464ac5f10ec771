// Package logging is a leveled, structured logger for ETL job output:
// Debug/Info/Warn/Error with optional key-value fields and console/file/both
// output destinations. Adapted from pkg/common/logging/logger.go, trimmed
// of its PII-sanitization layer (field-name/pattern redaction exists there
// to protect NoiseFS user content; an ETL job's structured fields are
// operational — row counts, table names, job IDs — not end-user content,
// so there is nothing here that needs redacting).
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is the minimum severity a Logger will emit.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a case-insensitive level name. An unrecognised string
// returns InfoLevel together with an error.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// Format selects the on-the-wire shape of emitted log lines.
type Format int

const (
	TextFormat Format = iota
	JSONFormat
)

// Entry is one structured log record.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config configures a Logger.
type Config struct {
	Level     Level
	Format    Format
	Output    io.Writer
	Component string
}

// DefaultConfig returns InfoLevel, TextFormat, stdout.
func DefaultConfig() *Config {
	return &Config{Level: InfoLevel, Format: TextFormat, Output: os.Stdout}
}

// Logger is a thread-safe leveled logger.
type Logger struct {
	mu        sync.RWMutex
	level     Level
	format    Format
	output    io.Writer
	component string
}

// New constructs a Logger from cfg, filling Output with os.Stdout if unset.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	return &Logger{level: cfg.Level, format: cfg.Format, output: output, component: cfg.Component}
}

// WithComponent returns a copy of l tagging every entry with component,
// e.g. "orchestrator", "loader", "checkpoint".
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{level: l.level, format: l.format, output: l.output, component: component}
}

func (l *Logger) enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if !l.enabled(level) {
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	entry := Entry{Timestamp: time.Now(), Level: level.String(), Message: message, Fields: fields}
	if l.component != "" {
		if entry.Fields == nil {
			entry.Fields = make(map[string]interface{})
		}
		entry.Fields["component"] = l.component
	}

	var out string
	switch l.format {
	case JSONFormat:
		data, _ := json.Marshal(entry)
		out = string(data) + "\n"
	default:
		out = formatText(entry)
	}
	l.output.Write([]byte(out))
}

// formatText renders "YYYY-MM-DD HH:MM:SS [LEVEL] message [key=value ...]".
func formatText(entry Entry) string {
	parts := []string{
		entry.Timestamp.Format("2006-01-02 15:04:05"),
		fmt.Sprintf("[%s]", entry.Level),
		entry.Message,
	}
	result := strings.Join(parts, " ")
	if len(entry.Fields) > 0 {
		fieldParts := make([]string, 0, len(entry.Fields))
		for k, v := range entry.Fields {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", k, v))
		}
		result += fmt.Sprintf(" [%s]", strings.Join(fieldParts, " "))
	}
	return result + "\n"
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) { l.log(DebugLevel, message, firstOrNil(fields)) }
func (l *Logger) Info(message string, fields ...map[string]interface{})  { l.log(InfoLevel, message, firstOrNil(fields)) }
func (l *Logger) Warn(message string, fields ...map[string]interface{})  { l.log(WarnLevel, message, firstOrNil(fields)) }
func (l *Logger) Error(message string, fields ...map[string]interface{}) { l.log(ErrorLevel, message, firstOrNil(fields)) }

func firstOrNil(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// CreateFileOutput opens (creating parent directories as needed) filename
// for appending, suitable as a Logger's Output.
func CreateFileOutput(filename string) (io.Writer, error) {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// CreateCombinedOutput writes to both stdout and filename, for the
// config's logging.output == "both" mode.
func CreateCombinedOutput(filename string) (io.Writer, error) {
	fileWriter, err := CreateFileOutput(filename)
	if err != nil {
		return nil, err
	}
	return io.MultiWriter(os.Stdout, fileWriter), nil
}

// NewFromConfig builds a Logger given the level/output/file strings
// pkg/config's LoggingConfig carries ("console" | "file" | "both").
func NewFromConfig(levelStr, output, file string) (*Logger, error) {
	level, err := ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	var w io.Writer
	switch output {
	case "file":
		w, err = CreateFileOutput(file)
	case "both":
		w, err = CreateCombinedOutput(file)
	default:
		w = os.Stdout
	}
	if err != nil {
		return nil, err
	}

	return New(&Config{Level: level, Format: TextFormat, Output: w}), nil
}
