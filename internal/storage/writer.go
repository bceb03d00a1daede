// Package storage provides the append-only record sinks the pipeline writes
// through: line-delimited JSON files, an optional ClickHouse mirror, and a
// zap fallback for local development.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Stream names. Each maps to one JSONL file in the runtime directory.
const (
	StreamEvents = "events"
	StreamAlerts = "alerts"
	StreamEvals  = "evals"
)

// Writer appends self-contained JSON records to a named stream.
// Write must never fail the caller: persistence problems are logged, not
// propagated into the decision path.
type Writer interface {
	Write(stream string, record any)
	Close()
}

// JSONLWriter appends records synchronously to per-stream .jsonl files.
// The pipeline is single-threaded per event, so a synchronous writer keeps
// replay output deterministic; the async buffering lives in the ClickHouse
// mirror instead.
type JSONLWriter struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

// NewJSONLWriter creates the runtime directory and a writer over it.
func NewJSONLWriter(dir string, logger *zap.Logger) (*JSONLWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	return &JSONLWriter{
		dir:    dir,
		logger: logger,
		files:  make(map[string]*os.File),
	}, nil
}

// Write appends one record to the stream's file.
func (w *JSONLWriter) Write(stream string, record any) {
	raw, err := json.Marshal(record)
	if err != nil {
		w.logger.Error("record marshal failed, dropping",
			zap.String("stream", stream),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, ok := w.files[stream]
	if !ok {
		path := filepath.Join(w.dir, stream+".jsonl")
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w.logger.Error("stream open failed, dropping record",
				zap.String("stream", stream),
				zap.Error(err),
			)
			return
		}
		w.files[stream] = f
	}

	if _, err := f.Write(append(raw, '\n')); err != nil {
		w.logger.Error("stream append failed",
			zap.String("stream", stream),
			zap.Error(err),
		)
	}
}

// Close flushes and closes every stream file.
func (w *JSONLWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for stream, f := range w.files {
		if err := f.Close(); err != nil {
			w.logger.Warn("stream close failed",
				zap.String("stream", stream),
				zap.Error(err),
			)
		}
	}
	w.files = make(map[string]*os.File)
}

// LogWriter is a fallback Writer for local development: records go to the
// structured log instead of files.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter on the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(stream string, record any) {
	raw, err := json.Marshal(record)
	if err != nil {
		w.logger.Error("record marshal failed", zap.String("stream", stream), zap.Error(err))
		return
	}
	w.logger.Info("record",
		zap.String("stream", stream),
		zap.ByteString("payload", raw),
	)
}

func (w *LogWriter) Close() {}

// MultiWriter fans records out to several writers.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter combines writers; Write order follows argument order.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (w *MultiWriter) Write(stream string, record any) {
	for _, inner := range w.writers {
		inner.Write(stream, record)
	}
}

func (w *MultiWriter) Close() {
	for _, inner := range w.writers {
		inner.Close()
	}
}
