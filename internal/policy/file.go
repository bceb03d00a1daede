package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	policyFileName  = "policy.json"
	changesFileName = "policy_changes.jsonl"
)

// FileStore persists the active policy as a single JSON document plus an
// append-only JSONL change log. Writes are atomic (temp file + rename) and
// serialized behind a mutex; Active hands out copies so readers never see a
// half-applied update.
type FileStore struct {
	mu          sync.Mutex
	policyPath  string
	changesPath string
	bounds      map[string]Range
	active      Policy
	now         func() time.Time
	logger      *zap.Logger
}

// OpenFileStore loads the policy document from dir, initializing a fresh
// version-1 policy (with its bootstrap Change) when none exists. An existing
// but unreadable document is a fatal condition: the pipeline must not run
// with an unknown active policy.
func OpenFileStore(dir string, bounds map[string]Range, logger *zap.Logger, now func() time.Time) (*FileStore, error) {
	if now == nil {
		now = time.Now
	}
	if bounds == nil {
		bounds = DefaultBounds()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create policy dir: %w", err)
	}

	s := &FileStore{
		policyPath:  filepath.Join(dir, policyFileName),
		changesPath: filepath.Join(dir, changesFileName),
		bounds:      bounds,
		now:         now,
		logger:      logger,
	}

	raw, err := os.ReadFile(s.policyPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.bootstrap(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read policy document: %w", err)
	default:
		var p Policy
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("policy document corrupt: %w", err)
		}
		if p.Version < 1 || p.Thresholds == nil {
			return nil, fmt.Errorf("policy document corrupt: version=%d", p.Version)
		}
		s.active = p
	}

	return s, nil
}

// bootstrap writes the default policy and its version-0→1 change entry.
func (s *FileStore) bootstrap() error {
	p := Default()
	p.UpdatedAt = s.now()

	change := Change{
		ID:          uuid.NewString(),
		FromVersion: 0,
		ToVersion:   p.Version,
		Deltas:      p.Clone().Thresholds, // from an empty map, the deltas are the values
		Reason:      "init",
		Timestamp:   p.UpdatedAt,
	}
	if err := s.appendChange(change); err != nil {
		return err
	}
	if err := s.writeDocument(p); err != nil {
		return err
	}
	s.active = p
	s.logger.Info("policy store initialized",
		zap.Int64("version", p.Version),
		zap.String("path", s.policyPath),
	)
	return nil
}

// Active returns a copy of the current policy.
func (s *FileStore) Active() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Clone()
}

// Propose atomically applies deltas (clamped to the safe ranges), bumps the
// version, and appends the audit Change.
func (s *FileStore) Propose(_ context.Context, deltas map[string]float64, meta ProposalMeta) (Change, error) {
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
		target = round4(target)
		applied[name] = round4(target - cur)
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

	if err := s.appendChange(change); err != nil {
		return Change{}, err
	}
	if err := s.writeDocument(next); err != nil {
		return Change{}, err
	}
	s.active = next

	s.logger.Info("policy updated",
		zap.Int64("from_version", change.FromVersion),
		zap.Int64("to_version", change.ToVersion),
		zap.String("reason", change.Reason),
		zap.Int("clamped", len(clamped)),
	)
	return change, nil
}

// VerifyChangeLog replays the change log from version 0 and checks that it
// reproduces the active policy with contiguous versions.
func (s *FileStore) VerifyChangeLog(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.changesPath)
	if err != nil {
		return fmt.Errorf("open change log: %w", err)
	}
	defer f.Close()

	replayed := make(map[string]float64)
	var version int64
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var c Change
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			return fmt.Errorf("change log line %d corrupt: %w", line, err)
		}
		if c.FromVersion != version || c.ToVersion != version+1 {
			return fmt.Errorf("change log line %d: version gap %d→%d after version %d", line, c.FromVersion, c.ToVersion, version)
		}
		for name, d := range c.Deltas {
			replayed[name] = round4(replayed[name] + d)
		}
		version = c.ToVersion
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read change log: %w", err)
	}

	if version != s.active.Version {
		return fmt.Errorf("change log ends at version %d but active policy is version %d", version, s.active.Version)
	}
	for name, want := range s.active.Thresholds {
		if got := replayed[name]; math.Abs(got-want) > 1e-6 {
			return fmt.Errorf("change log replay mismatch for %s: replayed %.4f, active %.4f", name, got, want)
		}
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) appendChange(c Change) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal policy change: %w", err)
	}
	f, err := os.OpenFile(s.changesPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open change log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append policy change: %w", err)
	}
	return nil
}

func (s *FileStore) writeDocument(p Policy) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	tmp := s.policyPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write policy temp file: %w", err)
	}
	if err := os.Rename(tmp, s.policyPath); err != nil {
		return fmt.Errorf("swap policy document: %w", err)
	}
	return nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
