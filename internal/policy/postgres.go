package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresStore offers the Store contract over two tables:
//
//	shelf_policies(version BIGINT PRIMARY KEY, thresholds JSONB, updated_at TIMESTAMPTZ)
//	shelf_policy_changes(change_id UUID, from_version BIGINT, to_version BIGINT UNIQUE,
//	                     deltas JSONB, clamped JSONB, trigger_batch_size INT,
//	                     reason TEXT, ts TIMESTAMPTZ)
//
// Propose runs in a single transaction so concurrent optimizers cannot race
// a version; the to_version uniqueness constraint is the backstop.
type PostgresStore struct {
	db     *sql.DB
	bounds map[string]Range
	now    func() time.Time
	logger *zap.Logger

	mu     sync.Mutex
	active Policy
}

// OpenPostgresStore loads the latest policy version, seeding the default
// policy when the table is empty. A connectable database with unreadable
// policy rows is fatal, matching the file store.
func OpenPostgresStore(db *sql.DB, bounds map[string]Range, logger *zap.Logger, now func() time.Time) (*PostgresStore, error) {
	if now == nil {
		now = time.Now
	}
	if bounds == nil {
		bounds = DefaultBounds()
	}
	s := &PostgresStore{db: db, bounds: bounds, now: now, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := s.loadLatest(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		p, err = s.seed(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.active = p
	return s, nil
}

func (s *PostgresStore) loadLatest(ctx context.Context) (Policy, error) {
	var p Policy
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT version, thresholds, updated_at
		FROM shelf_policies ORDER BY version DESC LIMIT 1`,
	).Scan(&p.Version, &raw, &p.UpdatedAt)
	if err != nil {
		return Policy{}, err
	}
	if err := json.Unmarshal(raw, &p.Thresholds); err != nil {
		return Policy{}, fmt.Errorf("policy row corrupt: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) seed(ctx context.Context) (Policy, error) {
	p := Default()
	p.UpdatedAt = s.now()
	raw, err := json.Marshal(p.Thresholds)
	if err != nil {
		return Policy{}, fmt.Errorf("marshal default thresholds: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Policy{}, fmt.Errorf("seed policy: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shelf_policies (version, thresholds, updated_at) VALUES ($1, $2, $3)`,
		p.Version, raw, p.UpdatedAt,
	); err != nil {
		return Policy{}, fmt.Errorf("seed policy: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shelf_policy_changes
			(change_id, from_version, to_version, deltas, clamped, trigger_batch_size, reason, ts)
		VALUES ($1, 0, $2, $3, NULL, 0, 'init', $4)`,
		uuid.NewString(), p.Version, raw, p.UpdatedAt,
	); err != nil {
		return Policy{}, fmt.Errorf("seed policy change: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Policy{}, fmt.Errorf("seed policy: %w", err)
	}
	return p, nil
}

// Active returns a copy of the cached current policy.
func (s *PostgresStore) Active() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Clone()
}

// Propose applies deltas under a transaction, clamped to the safe ranges.
func (s *PostgresStore) Propose(ctx context.Context, deltas map[string]float64, meta ProposalMeta) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.active.Clone()
	next.Version = s.active.Version + 1
	next.UpdatedAt = s.now()

	applied := make(map[string]float64, len(deltas))
	var clamped map[string]float64
	for name, d := range deltas {
		cur := next.Thresholds[name]
		target := cur + d
		if r, ok := s.bounds[name]; ok {
			if boundary := r.Clamp(target); boundary != target {
				if clamped == nil {
					clamped = make(map[string]float64)
				}
				clamped[name] = boundary
				target = boundary
			}
		}
		target = math.Round(target*10000) / 10000
		applied[name] = math.Round((target-cur)*10000) / 10000
		next.Thresholds[name] = target
	}

	change := Change{
		ID:               uuid.NewString(),
		FromVersion:      s.active.Version,
		ToVersion:        next.Version,
		Deltas:           applied,
		Clamped:          clamped,
		TriggerBatchSize: meta.TriggerBatchSize,
		Reason:           meta.Reason,
		Timestamp:        next.UpdatedAt,
	}

	thresholdsRaw, err := json.Marshal(next.Thresholds)
	if err != nil {
		return Change{}, fmt.Errorf("marshal thresholds: %w", err)
	}
	deltasRaw, err := json.Marshal(applied)
	if err != nil {
		return Change{}, fmt.Errorf("marshal deltas: %w", err)
	}
	var clampedRaw any
	if clamped != nil {
		b, err := json.Marshal(clamped)
		if err != nil {
			return Change{}, fmt.Errorf("marshal clamps: %w", err)
		}
		clampedRaw = b
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, fmt.Errorf("propose: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shelf_policies (version, thresholds, updated_at) VALUES ($1, $2, $3)`,
		next.Version, thresholdsRaw, next.UpdatedAt,
	); err != nil {
		return Change{}, fmt.Errorf("propose: insert policy: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shelf_policy_changes
			(change_id, from_version, to_version, deltas, clamped, trigger_batch_size, reason, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		change.ID, change.FromVersion, change.ToVersion, deltasRaw, clampedRaw,
		change.TriggerBatchSize, change.Reason, change.Timestamp,
	); err != nil {
		return Change{}, fmt.Errorf("propose: insert change: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Change{}, fmt.Errorf("propose: %w", err)
	}

	s.active = next
	s.logger.Info("policy updated",
		zap.Int64("from_version", change.FromVersion),
		zap.Int64("to_version", change.ToVersion),
		zap.String("reason", change.Reason),
	)
	return change, nil
}

// VerifyChangeLog replays shelf_policy_changes in version order.
func (s *PostgresStore) VerifyChangeLog(ctx context.Context) error {
	s.mu.Lock()
	active := s.active.Clone()
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT from_version, to_version, deltas
		FROM shelf_policy_changes ORDER BY to_version ASC`)
	if err != nil {
		return fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	replayed := make(map[string]float64)
	var version int64
	for rows.Next() {
		var from, to int64
		var raw []byte
		if err := rows.Scan(&from, &to, &raw); err != nil {
			return fmt.Errorf("scan change row: %w", err)
		}
		if from != version || to != version+1 {
			return fmt.Errorf("change log version gap %d→%d after version %d", from, to, version)
		}
		var deltas map[string]float64
		if err := json.Unmarshal(raw, &deltas); err != nil {
			return fmt.Errorf("change row %d corrupt: %w", to, err)
		}
		for name, d := range deltas {
			replayed[name] = math.Round((replayed[name]+d)*10000) / 10000
		}
		version = to
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read change log: %w", err)
	}

	if version != active.Version {
		return fmt.Errorf("change log ends at version %d but active policy is version %d", version, active.Version)
	}
	for name, want := range active.Thresholds {
		if got := replayed[name]; math.Abs(got-want) > 1e-6 {
			return fmt.Errorf("change log replay mismatch for %s: replayed %.4f, active %.4f", name, got, want)
		}
	}
	return nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
