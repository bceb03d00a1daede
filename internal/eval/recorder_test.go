package eval

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shelfsense-ai/shelfwatch/internal/decision"
	"github.com/shelfsense-ai/shelfwatch/internal/event"
	"github.com/shelfsense-ai/shelfwatch/internal/rci"
	"github.com/shelfsense-ai/shelfwatch/internal/retry"
	"github.com/shelfsense-ai/shelfwatch/internal/storage"
)

// memWriter captures writes per stream.
type memWriter struct {
	records map[string][]any
}

func newMemWriter() *memWriter { return &memWriter{records: make(map[string][]any)} }

func (w *memWriter) Write(stream string, record any) {
	w.records[stream] = append(w.records[stream], record)
}
func (w *memWriter) Close() {}

// stubEngine scripts the scoring service.
type stubEngine struct {
	score    float64
	scoreErr error
	recent   []Record
}

func (e *stubEngine) Score(_ context.Context, _ Record) (float64, error) {
	return e.score, e.scoreErr
}
func (e *stubEngine) FetchRecent(_ context.Context, _ int) ([]Record, error) {
	return e.recent, nil
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func passingTriple() (event.Event, decision.Decision, rci.Verdict) {
	ev := event.Event{
		ID:       "e1",
		Kind:     event.KindShelfEmpty,
		ZoneID:   "z1",
		Evidence: event.Evidence{DwellSec: 30, MotionScore: 0, ShelfFillRatio: 0},
	}
	d := decision.Decision{
		EventID:    "e1",
		Alert:      true,
		AlertKind:  event.KindShelfEmpty,
		Confidence: 1.0,
		Rationale:  "empty shelf",
		Tags:       []string{"fill_ratio"},
		Source:     decision.SourceReasoning,
	}
	return ev, d, rci.Verdict{Pass: true}
}

func TestRecord_LocalScorerWhenNoEngine(t *testing.T) {
	w := newMemWriter()
	r := NewRecorder(nil, retry.New(1, 0, 0), w, zap.NewNop(), fixedClock())

	ev, d, v := passingTriple()
	rec := r.Record(context.Background(), ev, d, v)

	if rec.ScorerSource != ScorerLocal {
		t.Errorf("expected local scorer tag, got %s", rec.ScorerSource)
	}
	if len(w.records[storage.StreamEvals]) != 1 {
		t.Fatalf("expected 1 persisted eval record, got %d", len(w.records[storage.StreamEvals]))
	}
	if r.Count() != 1 {
		t.Errorf("expected watermark 1, got %d", r.Count())
	}
}

func TestRecord_EngineScoreUsedAndTagged(t *testing.T) {
	w := newMemWriter()
	r := NewRecorder(&stubEngine{score: 0.91}, retry.New(1, time.Second, 0), w, zap.NewNop(), fixedClock())

	ev, d, v := passingTriple()
	rec := r.Record(context.Background(), ev, d, v)
	if rec.ScorerSource != ScorerEngine {
		t.Errorf("expected engine tag, got %s", rec.ScorerSource)
	}
	if rec.Score != 0.91 {
		t.Errorf("expected engine score, got %v", rec.Score)
	}
}

func TestRecord_EngineOutageFallsBackToLocal(t *testing.T) {
	w := newMemWriter()
	eng := &stubEngine{scoreErr: errors.New("engine down")}
	r := NewRecorder(eng, retry.New(2, time.Second, 0), w, zap.NewNop(), fixedClock())

	ev, d, v := passingTriple()
	rec := r.Record(context.Background(), ev, d, v)
	if rec.ScorerSource != ScorerLocal {
		t.Errorf("expected local fallback tag, got %s", rec.ScorerSource)
	}
	if len(w.records[storage.StreamEvals]) != 1 {
		t.Error("engine outage must not drop the record")
	}
}

func TestRecord_FailedVerdictStillRecorded(t *testing.T) {
	w := newMemWriter()
	r := NewRecorder(nil, retry.New(1, 0, 0), w, zap.NewNop(), fixedClock())

	ev, d, _ := passingTriple()
	rec := r.Record(context.Background(), ev, d, rci.Verdict{Pass: false, Reason: "kind mismatch"})
	if len(w.records[storage.StreamEvals]) != 1 {
		t.Fatal("failed verdict must still be recorded")
	}
	if rec.OutcomeSignals.Spam != 1 {
		t.Errorf("downgraded alert should register as spam, got %+v", rec.OutcomeSignals)
	}
	if rec.Score >= 0.5 {
		t.Errorf("spam record should score low, got %v", rec.Score)
	}
}

func TestRecord_GroundTruthOverridesProxies(t *testing.T) {
	w := newMemWriter()
	r := NewRecorder(nil, retry.New(1, 0, 0), w, zap.NewNop(), fixedClock())

	gt := true
	ev, _, _ := passingTriple()
	ev.Evidence.GroundTruthAlert = &gt
	d := decision.Decision{EventID: "e1", Alert: false, Source: decision.SourceFallback}

	rec := r.Record(context.Background(), ev, d, rci.Verdict{Pass: true})
	if rec.OutcomeSignals.Abandoned != 1 {
		t.Errorf("missed labeled incident should register abandoned, got %+v", rec.OutcomeSignals)
	}
	if rec.OutcomeSignals.Resolved != 0 || rec.OutcomeSignals.Spam != 0 {
		t.Errorf("unexpected proxies: %+v", rec.OutcomeSignals)
	}
}

func TestRecentWindow_LocalWhenNoEngine(t *testing.T) {
	w := newMemWriter()
	r := NewRecorder(nil, retry.New(1, 0, 0), w, zap.NewNop(), fixedClock())

	ev, d, v := passingTriple()
	for i := 0; i < 5; i++ {
		r.Record(context.Background(), ev, d, v)
	}
	got := r.RecentWindow(context.Background(), 3)
	if len(got) != 3 {
		t.Errorf("expected window of 3, got %d", len(got))
	}
	if all := r.LocalRecent(100); len(all) != 5 {
		t.Errorf("expected 5 buffered records, got %d", len(all))
	}
}

func TestLocalScorer_Deterministic(t *testing.T) {
	ev, d, v := passingTriple()
	rec := Record{Event: ev, Decision: d, Verdict: v, OutcomeSignals: deriveSignals(ev, d, v)}

	s := LocalScorer{}
	first := s.Score(rec)
	for i := 0; i < 10; i++ {
		if got := s.Score(rec); got != first {
			t.Fatalf("score changed between runs: %v vs %v", got, first)
		}
	}
}

func TestLocalScorer_KnownValues(t *testing.T) {
	ev, d, v := passingTriple() // resolved, perfectly calibrated: raw 1.0
	resolved := Record{Event: ev, Decision: d, Verdict: v, OutcomeSignals: deriveSignals(ev, d, v)}
	if got := (LocalScorer{}).Score(resolved); got != 1.0 {
		t.Errorf("resolved record should score 1.0, got %v", got)
	}

	failed := rci.Verdict{Pass: false, Reason: "inconsistent"}
	spam := Record{Event: ev, Decision: d, Verdict: failed, OutcomeSignals: deriveSignals(ev, d, failed)}
	// raw = -0.8 (spam) - 0.5 (rci) = -1.3 → (−1.3+2.55)/3.55
	if got := (LocalScorer{}).Score(spam); got != 0.3521 {
		t.Errorf("spam record score = %v, want 0.3521", got)
	}
}
