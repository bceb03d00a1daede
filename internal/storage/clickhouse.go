package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

type chRow struct {
	stream  string
	ts      time.Time
	payload string
}

// ClickHouseWriter mirrors pipeline records into ClickHouse asynchronously.
// Write is non-blocking: rows are buffered and batch-inserted by a
// background flush loop, and dropped with a warning when the buffer is full.
// The JSONL files remain the canonical log; this sink exists for analytics.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan chRow
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter connects to ClickHouse and starts the flush loop.
// Target table:
//
//	shelfwatch_records(stream String, ts DateTime64(3), payload String)
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan chRow, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go w.flushLoop()
	return w, nil
}

// Write queues a record for async insertion.
func (w *ClickHouseWriter) Write(stream string, record any) {
	raw, err := json.Marshal(record)
	if err != nil {
		w.logger.Error("record marshal failed, dropping",
			zap.String("stream", stream),
			zap.Error(err),
		)
		return
	}
	row := chRow{stream: stream, ts: time.Now(), payload: string(raw)}
	select {
	case w.buffer <- row:
	default:
		w.logger.Warn("clickhouse buffer full, dropping record",
			zap.String("stream", stream),
		)
	}
}

// Close signals the flush loop to drain remaining rows and waits for it.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]chRow, 0, flushBatch)

	for {
		select {
		case row := <-w.buffer:
			batch = append(batch, row)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case row := <-w.buffer:
					batch = append(batch, row)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(rows []chRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO shelfwatch_records (stream, ts, payload)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, r := range rows {
		if err := batch.Append(r.stream, r.ts, r.payload); err != nil {
			w.logger.Error("clickhouse append failed",
				zap.String("stream", r.stream),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(rows)),
			zap.Error(err),
		)
	}
}
