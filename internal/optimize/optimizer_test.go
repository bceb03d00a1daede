package optimize

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shelfsense-ai/shelfwatch/internal/decision"
	"github.com/shelfsense-ai/shelfwatch/internal/eval"
	"github.com/shelfsense-ai/shelfwatch/internal/event"
	"github.com/shelfsense-ai/shelfwatch/internal/policy"
	"github.com/shelfsense-ai/shelfwatch/internal/rci"
	"github.com/shelfsense-ai/shelfwatch/internal/retry"
)

type nopWriter struct{}

func (nopWriter) Write(string, any) {}
func (nopWriter) Close()            {}

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func newHarness(t *testing.T) (*Agent, *eval.Recorder, policy.Store) {
	t.Helper()
	store, err := policy.OpenFileStore(t.TempDir(), policy.DefaultBounds(), zap.NewNop(), fixedClock())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	recorder := eval.NewRecorder(nil, retry.New(1, 0, 0), nopWriter{}, zap.NewNop(), fixedClock())
	agent := NewAgent(store, recorder, DefaultConfig(), zap.NewNop())
	return agent, recorder, store
}

// recordSpam appends an alerting record that failed consistency: a false
// alert with a low local score.
func recordSpam(recorder *eval.Recorder, kind event.Kind, id string) {
	ev := event.Event{
		ID:       id,
		Kind:     kind,
		ZoneID:   "z1",
		Evidence: event.Evidence{DwellSec: 30, MotionScore: 0, ShelfFillRatio: 0},
	}
	d := decision.Decision{
		EventID:    id,
		Alert:      true,
		AlertKind:  kind,
		Confidence: 1.0,
		Rationale:  "r",
		Tags:       []string{"t"},
		Source:     decision.SourceReasoning,
	}
	recorder.Record(context.Background(), ev, d, rci.Verdict{Pass: false, Reason: "inconsistent"})
}

// recordMiss appends a non-alerting record on strong evidence.
func recordMiss(recorder *eval.Recorder, kind event.Kind, id string) {
	ev := event.Event{
		ID:       id,
		Kind:     kind,
		ZoneID:   "z1",
		Evidence: event.Evidence{DwellSec: 30, MotionScore: 0, ShelfFillRatio: 0},
	}
	d := decision.Decision{EventID: id, Alert: false, Source: decision.SourceFallback}
	recorder.Record(context.Background(), ev, d, rci.Verdict{Pass: true})
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = prefix + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	return out
}

func TestMaybeOptimize_BelowTriggerDoesNothing(t *testing.T) {
	agent, recorder, store := newHarness(t)
	for _, id := range ids("e", 19) {
		recordSpam(recorder, event.KindShelfEmpty, id)
	}
	change, err := agent.MaybeOptimize(context.Background())
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if change != nil {
		t.Errorf("19 records must not trigger the optimizer, got %+v", change)
	}
	if store.Active().Version != 1 {
		t.Errorf("policy must be untouched, got version %d", store.Active().Version)
	}
}

func TestMaybeOptimize_RaisesCutoffOnFalseAlerts(t *testing.T) {
	agent, recorder, store := newHarness(t)
	for _, id := range ids("e", 20) {
		recordSpam(recorder, event.KindShelfEmpty, id)
	}

	change, err := agent.MaybeOptimize(context.Background())
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if change == nil {
		t.Fatal("20 false-alert records must trigger a proposal")
	}

	key := policy.ConfidenceKey(event.KindShelfEmpty)
	delta := change.Deltas[key]
	if delta <= 0 {
		t.Errorf("over-triggering must raise the cutoff, got %v", delta)
	}
	if math.Abs(delta) > DefaultConfig().MaxStep {
		t.Errorf("delta %v exceeds max step %v", delta, DefaultConfig().MaxStep)
	}
	wantStep := DefaultConfig().MaxStep * DefaultConfig().Damping
	if math.Abs(delta-wantStep) > 1e-9 {
		t.Errorf("delta %v, want damped step %v", delta, wantStep)
	}

	pol := store.Active()
	if pol.Version != 2 {
		t.Errorf("expected version 2, got %d", pol.Version)
	}
	for _, other := range []event.Kind{event.KindMisplacedItem, event.KindCrowding} {
		if got := pol.Threshold(policy.ConfidenceKey(other), 0); got != 0.75 {
			t.Errorf("kind %s without window data must be untouched, got %v", other, got)
		}
	}
}

func TestMaybeOptimize_LowersCutoffOnMisses(t *testing.T) {
	agent, recorder, _ := newHarness(t)
	for _, id := range ids("e", 20) {
		recordMiss(recorder, event.KindCrowding, id)
	}

	change, err := agent.MaybeOptimize(context.Background())
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if change == nil {
		t.Fatal("a window full of misses must trigger a proposal")
	}
	if delta := change.Deltas[policy.ConfidenceKey(event.KindCrowding)]; delta >= 0 {
		t.Errorf("under-triggering must lower the cutoff, got %v", delta)
	}
}

func TestMaybeOptimize_SmallKindSampleUntouched(t *testing.T) {
	agent, recorder, store := newHarness(t)
	spamIDs := ids("s", 18)
	for _, id := range spamIDs {
		recordSpam(recorder, event.KindShelfEmpty, id)
	}
	for _, id := range ids("c", 2) {
		recordSpam(recorder, event.KindCrowding, id)
	}

	change, err := agent.MaybeOptimize(context.Background())
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if change == nil {
		t.Fatal("expected a proposal for the dominant kind")
	}
	if _, ok := change.Deltas[policy.ConfidenceKey(event.KindCrowding)]; ok {
		t.Error("a kind with two samples must not be tuned")
	}
	if got := store.Active().Threshold(policy.ConfidenceKey(event.KindCrowding), 0); got != 0.75 {
		t.Errorf("crowding cutoff must be untouched, got %v", got)
	}
}

func TestMaybeOptimize_WatermarkPreventsRerunOnSameRecords(t *testing.T) {
	agent, recorder, _ := newHarness(t)
	for _, id := range ids("e", 20) {
		recordSpam(recorder, event.KindShelfEmpty, id)
	}
	if change, _ := agent.MaybeOptimize(context.Background()); change == nil {
		t.Fatal("first run must propose")
	}
	change, err := agent.MaybeOptimize(context.Background())
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if change != nil {
		t.Error("no new records since the last run, must not propose again")
	}
}

func TestMaybeOptimize_IntegrityFailuresExcluded(t *testing.T) {
	agent, recorder, store := newHarness(t)
	for _, id := range ids("e", 20) {
		ev := event.Event{
			ID:       id,
			Kind:     event.KindShelfEmpty,
			ZoneID:   "z1",
			Evidence: event.Evidence{DwellSec: 30},
		}
		// Decision referencing a different event: excluded from aggregation.
		d := decision.Decision{EventID: "other", Alert: true, AlertKind: ev.Kind, Confidence: 1, Rationale: "r", Tags: []string{"t"}}
		recorder.Record(context.Background(), ev, d, rci.Verdict{Pass: false})
	}

	change, err := agent.MaybeOptimize(context.Background())
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if change != nil {
		t.Errorf("window of integrity failures must yield no proposal, got %+v", change)
	}
	if store.Active().Version != 1 {
		t.Errorf("policy must be untouched, got version %d", store.Active().Version)
	}
}
