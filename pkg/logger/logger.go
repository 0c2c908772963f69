// Package logger is the structured logging layer used by every voxelgate
// component. Connections derive child loggers carrying their id and remote
// address so every line of a session can be correlated.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Field is a key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Err attaches an error under the conventional "error" key.
func Err(err error) Field { return Field{Key: "error", Value: err} }

// Logger writes leveled, structured entries.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a child logger that adds fields to every entry.
	With(fields ...Field) Logger

	// Close releases any log file held by the root logger.
	Close() error
}

type zerologLogger struct {
	logger zerolog.Logger
	file   *DailyFileWriter // owned only by the root logger
}

// New returns a Logger writing JSON lines to w.
func New(w io.Writer, service string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: zerolog.New(w).With().Str("service", service).Timestamp().Logger().Level(level),
	}
}

// NewFile returns a Logger writing to stdout and to a daily file in dir
// named {service}_{date}.log.
func NewFile(service, dir string, level zerolog.Level) (Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	fw, err := NewDailyFileWriter(service, dir)
	if err != nil {
		return nil, err
	}
	l := New(io.MultiWriter(os.Stdout, fw), service, level).(*zerologLogger)
	l.file = fw
	return l, nil
}

// Nop discards everything.
func Nop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{logger: z.logger.With().Fields(toMap(fields)).Logger()}
}

func (z *zerologLogger) Close() error {
	if z.file != nil {
		return z.file.Close()
	}
	return nil
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return m
}

// DailyFileWriter appends to {service}_{date}.log in dir, switching files
// on the first write after the date changes. Safe for concurrent use.
type DailyFileWriter struct {
	service string
	dir     string

	mu     sync.Mutex
	file   *os.File
	date   string
	closed bool
	now    func() time.Time
}

// NewDailyFileWriter opens today's file. dir must exist.
func NewDailyFileWriter(service, dir string) (*DailyFileWriter, error) {
	w := &DailyFileWriter{service: service, dir: dir, now: time.Now}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(); err != nil {
		return nil, fmt.Errorf("initial rotation failed: %w", err)
	}
	return w, nil
}

func (w *DailyFileWriter) rotateLocked() error {
	date := w.now().Format("2006-01-02")
	if w.file != nil && date == w.date {
		return nil
	}
	name := filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", name, err)
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	w.file = f
	w.date = date
	return nil
}

// Write implements io.Writer.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}
	if err := w.rotateLocked(); err != nil {
		return 0, fmt.Errorf("rotation failed: %w", err)
	}
	return w.file.Write(p)
}

// CurrentFile returns the path being written, or "" once closed.
func (w *DailyFileWriter) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ""
	}
	return w.file.Name()
}

// Close closes the current file. Further writes fail.
func (w *DailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
