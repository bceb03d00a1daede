package eval

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shelfsense-ai/shelfwatch/internal/decision"
	"github.com/shelfsense-ai/shelfwatch/internal/event"
	"github.com/shelfsense-ai/shelfwatch/internal/rci"
	"github.com/shelfsense-ai/shelfwatch/internal/retry"
	"github.com/shelfsense-ai/shelfwatch/internal/storage"
)

// windowCap bounds the in-memory recent window.
const windowCap = 200

// Recorder turns each (event, decision, verdict) triple into exactly one
// scored, append-only Record. Scoring prefers the external engine; when it
// is unreachable the deterministic local scorer takes over and the record is
// tagged so the optimizer's input stays auditable.
type Recorder struct {
	engine Engine // nil when no engine is configured
	retry  retry.Policy
	scorer LocalScorer
	writer storage.Writer
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	recent []Record
	count  uint64
}

// NewRecorder wires a Recorder. engine may be nil; now defaults to time.Now.
func NewRecorder(engine Engine, rp retry.Policy, writer storage.Writer, logger *zap.Logger, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		engine: engine,
		retry:  rp,
		writer: writer,
		logger: logger,
		now:    now,
	}
}

// Record scores and persists the triple. It never drops a record: an RCI
// failure or a fallback decision is exactly the signal the optimizer needs.
func (r *Recorder) Record(ctx context.Context, ev event.Event, d decision.Decision, v rci.Verdict) Record {
	rec := Record{
		RecordType:     "decision",
		Event:          ev,
		Decision:       d,
		Verdict:        v,
		OutcomeSignals: deriveSignals(ev, d, v),
		PolicyVersion:  d.PolicyVersion,
		Timestamp:      r.now(),
	}

	rec.Score, rec.ScorerSource = r.score(ctx, rec)

	r.writer.Write(storage.StreamEvals, rec)

	r.mu.Lock()
	r.recent = append(r.recent, rec)
	if len(r.recent) > windowCap {
		r.recent = r.recent[len(r.recent)-windowCap:]
	}
	r.count++
	r.mu.Unlock()

	return rec
}

// score asks the engine first and degrades to the local scorer.
func (r *Recorder) score(ctx context.Context, rec Record) (float64, ScorerSource) {
	if r.engine == nil {
		return r.scorer.Score(rec), ScorerLocal
	}

	var engineScore float64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var opErr error
		engineScore, opErr = r.engine.Score(ctx, rec)
		return opErr
	})
	if err != nil {
		r.logger.Warn("scoring engine unavailable, using local scorer",
			zap.String("event_id", rec.Event.ID),
			zap.Error(err),
		)
		return r.scorer.Score(rec), ScorerLocal
	}
	return engineScore, ScorerEngine
}

// Count returns the number of records appended since startup, the watermark
// the optimizer compares against its batch trigger.
func (r *Recorder) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// LocalRecent returns up to n of the locally buffered records without
// touching the engine. Used for metrics snapshots.
func (r *Recorder) LocalRecent(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.recent) {
		n = len(r.recent)
	}
	out := make([]Record, n)
	copy(out, r.recent[len(r.recent)-n:])
	return out
}

// RecentWindow returns the most recent n records, preferring the scoring
// engine's authoritative rows and falling back to the local window when the
// engine is unreachable. Degraded mode, not a failure.
func (r *Recorder) RecentWindow(ctx context.Context, n int) []Record {
	if r.engine != nil {
		var rows []Record
		err := r.retry.Do(ctx, func(ctx context.Context) error {
			var opErr error
			rows, opErr = r.engine.FetchRecent(ctx, n)
			return opErr
		})
		if err == nil && len(rows) >= n {
			return rows[len(rows)-n:]
		}
		if err != nil {
			r.logger.Warn("scoring engine window fetch failed, using local records",
				zap.Error(err),
			)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.recent) {
		n = len(r.recent)
	}
	out := make([]Record, n)
	copy(out, r.recent[len(r.recent)-n:])
	return out
}
