package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse mirror for operator tooling.
// It is optional: the JSONL files are the canonical log, the mirror just
// makes "what alerted recently" cheap to ask.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// StoredRecord is one mirrored row; Payload is the record's original JSON.
type StoredRecord struct {
	Stream    string    `json:"stream"`
	Timestamp time.Time `json:"ts"`
	Payload   string    `json:"payload"`
}

// Recent returns the newest rows of a stream, newest first.
func (r *Reader) Recent(ctx context.Context, stream string, limit int) ([]StoredRecord, error) {
	rows, err := r.conn.Query(ctx,
		"SELECT stream, ts, payload FROM shelfwatch_records "+
			"WHERE stream = @stream ORDER BY ts DESC LIMIT @limit",
		clickhouse.Named("stream", stream),
		clickhouse.Named("limit", uint32(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("Recent query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StoredRecord
	for rows.Next() {
		var rec StoredRecord
		if err := rows.Scan(&rec.Stream, &rec.Timestamp, &rec.Payload); err != nil {
			return nil, fmt.Errorf("Recent scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StreamStats is the per-stream row volume over a window.
type StreamStats struct {
	Stream string `json:"stream"`
	Count  int    `json:"count"`
}

// Stats returns record counts per stream since the given instant.
func (r *Reader) Stats(ctx context.Context, since time.Time) ([]StreamStats, error) {
	rows, err := r.conn.Query(ctx,
		"SELECT stream, count() AS count FROM shelfwatch_records "+
			"WHERE ts >= @since GROUP BY stream ORDER BY stream",
		clickhouse.Named("since", since),
	)
	if err != nil {
		return nil, fmt.Errorf("Stats query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StreamStats
	for rows.Next() {
		var s StreamStats
		var count uint64
		if err := rows.Scan(&s.Stream, &count); err != nil {
			return nil, fmt.Errorf("Stats scan: %w", err)
		}
		s.Count = int(count)
		out = append(out, s)
	}
	return out, rows.Err()
}
