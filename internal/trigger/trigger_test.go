package trigger

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shelfsense-ai/shelfwatch/internal/event"
	"github.com/shelfsense-ai/shelfwatch/internal/policy"
)

func strongCandidate(kind event.Kind, zone string) event.Candidate {
	return event.Candidate{
		Kind:     kind,
		ZoneID:   zone,
		Evidence: event.Evidence{DwellSec: 30, MotionScore: 0, ShelfFillRatio: 0},
	}
}

func testClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestEvaluate_EmitsOnStrongEvidence(t *testing.T) {
	clock, _ := testClock(time.Unix(1000, 0))
	tr := New(zap.NewNop(), clock, nil)

	sig := event.PerceptionSignal{Candidates: []event.Candidate{strongCandidate(event.KindShelfEmpty, "z1")}}
	ev, ok := tr.Evaluate(sig, policy.Default())
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.Kind != event.KindShelfEmpty || ev.ZoneID != "z1" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.ID == "" || ev.Seq != 1 {
		t.Errorf("expected id and seq=1, got id=%q seq=%d", ev.ID, ev.Seq)
	}
}

func TestEvaluate_DropsWeakEvidence(t *testing.T) {
	clock, _ := testClock(time.Unix(1000, 0))
	tr := New(zap.NewNop(), clock, nil)

	weak := event.Candidate{
		Kind:     event.KindShelfEmpty,
		ZoneID:   "z1",
		Evidence: event.Evidence{DwellSec: 1, MotionScore: 0.95, ShelfFillRatio: 0.95},
	}
	if _, ok := tr.Evaluate(event.PerceptionSignal{Candidates: []event.Candidate{weak}}, policy.Default()); ok {
		t.Error("weak evidence must not raise an event")
	}
}

func TestEvaluate_CooldownSuppressesSameKindZone(t *testing.T) {
	clock, advance := testClock(time.Unix(1000, 0))
	tr := New(zap.NewNop(), clock, nil)
	pol := policy.Default() // cooldown_sec 120

	sig := event.PerceptionSignal{Candidates: []event.Candidate{strongCandidate(event.KindCrowding, "z1")}}
	if _, ok := tr.Evaluate(sig, pol); !ok {
		t.Fatal("first signal should fire")
	}

	advance(30 * time.Second)
	if _, ok := tr.Evaluate(sig, pol); ok {
		t.Error("repeat inside cooldown must be suppressed")
	}

	advance(120 * time.Second)
	if _, ok := tr.Evaluate(sig, pol); !ok {
		t.Error("signal after cooldown should fire again")
	}
}

func TestEvaluate_CooldownIsPerKindAndZone(t *testing.T) {
	clock, _ := testClock(time.Unix(1000, 0))
	tr := New(zap.NewNop(), clock, nil)
	pol := policy.Default()

	first := event.PerceptionSignal{Candidates: []event.Candidate{strongCandidate(event.KindCrowding, "z1")}}
	if _, ok := tr.Evaluate(first, pol); !ok {
		t.Fatal("first signal should fire")
	}

	otherZone := event.PerceptionSignal{Candidates: []event.Candidate{strongCandidate(event.KindCrowding, "z2")}}
	if _, ok := tr.Evaluate(otherZone, pol); !ok {
		t.Error("different zone must not share the cooldown")
	}

	otherKind := event.PerceptionSignal{Candidates: []event.Candidate{strongCandidate(event.KindShelfEmpty, "z1")}}
	if _, ok := tr.Evaluate(otherKind, pol); !ok {
		t.Error("different kind must not share the cooldown")
	}
}

func TestEvaluate_MalformedCandidateDropped(t *testing.T) {
	clock, _ := testClock(time.Unix(1000, 0))
	tr := New(zap.NewNop(), clock, nil)

	sig := event.PerceptionSignal{Candidates: []event.Candidate{
		{Kind: "aisle_fire", ZoneID: "z1", Evidence: event.Evidence{DwellSec: 30}},
		{Kind: event.KindShelfEmpty, Evidence: event.Evidence{DwellSec: 30}}, // no zone
	}}
	if _, ok := tr.Evaluate(sig, policy.Default()); ok {
		t.Error("malformed candidates must never raise an event")
	}
}

func TestEvaluate_UndeclaredZoneDropped(t *testing.T) {
	clock, _ := testClock(time.Unix(1000, 0))
	tr := New(zap.NewNop(), clock, []string{"z1"})

	sig := event.PerceptionSignal{Candidates: []event.Candidate{strongCandidate(event.KindShelfEmpty, "z9")}}
	if _, ok := tr.Evaluate(sig, policy.Default()); ok {
		t.Error("candidate in undeclared zone must be dropped")
	}
}

func TestEvaluate_FirstPassingCandidateWins(t *testing.T) {
	clock, _ := testClock(time.Unix(1000, 0))
	tr := New(zap.NewNop(), clock, nil)

	sig := event.PerceptionSignal{Candidates: []event.Candidate{
		{Kind: "bogus", ZoneID: "z0"},
		strongCandidate(event.KindMisplacedItem, "z1"),
		strongCandidate(event.KindShelfEmpty, "z2"),
	}}
	ev, ok := tr.Evaluate(sig, policy.Default())
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.Kind != event.KindMisplacedItem {
		t.Errorf("expected first passing candidate, got %s", ev.Kind)
	}
}

func TestEvaluate_CopiesEntityIDs(t *testing.T) {
	clock, _ := testClock(time.Unix(1000, 0))
	tr := New(zap.NewNop(), clock, nil)

	c := strongCandidate(event.KindCrowding, "z1")
	c.EntityIDs = []int{7, 8}
	ev, ok := tr.Evaluate(event.PerceptionSignal{Candidates: []event.Candidate{c}}, policy.Default())
	if !ok {
		t.Fatal("expected an event")
	}
	if len(ev.EphemeralEntityIDs) != 2 {
		t.Fatalf("expected entity ids carried in-memory, got %v", ev.EphemeralEntityIDs)
	}
	ev.EphemeralEntityIDs[0] = 99
	if c.EntityIDs[0] != 7 {
		t.Error("event must hold its own copy of the entity ids")
	}
}
