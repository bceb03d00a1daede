package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func openTestStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	s, err := OpenFileStore(dir, DefaultBounds(), zap.NewNop(), fixedClock())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func readChanges(t *testing.T, dir string) []Change {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, changesFileName))
	if err != nil {
		t.Fatalf("open change log: %v", err)
	}
	defer f.Close()

	var out []Change
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var c Change
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			t.Fatalf("parse change line: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func TestOpenFileStore_BootstrapsVersionOne(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	p := s.Active()
	if p.Version != 1 {
		t.Errorf("expected version 1, got %d", p.Version)
	}
	if p.Threshold(ConfidenceKey("shelf_empty"), 0) != 0.75 {
		t.Errorf("default confidence cutoff missing: %+v", p.Thresholds)
	}

	changes := readChanges(t, dir)
	if len(changes) != 1 {
		t.Fatalf("expected bootstrap change, got %d entries", len(changes))
	}
	if changes[0].FromVersion != 0 || changes[0].ToVersion != 1 {
		t.Errorf("bootstrap change must cover 0→1, got %d→%d", changes[0].FromVersion, changes[0].ToVersion)
	}
	if err := s.VerifyChangeLog(context.Background()); err != nil {
		t.Errorf("fresh store must verify: %v", err)
	}
}

func TestPropose_VersionsStrictlyIncreasingGapFree(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	key := ConfidenceKey("shelf_empty")
	for i := 0; i < 5; i++ {
		if _, err := s.Propose(context.Background(), map[string]float64{key: 0.01}, ProposalMeta{Reason: "test"}); err != nil {
			t.Fatalf("propose %d: %v", i, err)
		}
	}

	if got := s.Active().Version; got != 6 {
		t.Errorf("expected version 6 after 5 proposals, got %d", got)
	}
	changes := readChanges(t, dir)
	var version int64
	for i, c := range changes {
		if c.FromVersion != version || c.ToVersion != version+1 {
			t.Fatalf("entry %d breaks continuity: %d→%d after %d", i, c.FromVersion, c.ToVersion, version)
		}
		version = c.ToVersion
	}
	if err := s.VerifyChangeLog(context.Background()); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestPropose_ClampRecordsBoundary(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	key := ConfidenceKey("shelf_empty")

	c, err := s.Propose(context.Background(), map[string]float64{key: 0.5}, ProposalMeta{Reason: "runaway"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if c.Clamped[key] != 0.95 {
		t.Errorf("expected clamp boundary 0.95 recorded, got %+v", c.Clamped)
	}
	if got := s.Active().Threshold(key, 0); got != 0.95 {
		t.Errorf("active threshold must sit on the boundary, got %v", got)
	}
	if c.Deltas[key] != 0.2 {
		t.Errorf("applied delta must be boundary-current, got %v", c.Deltas[key])
	}
	if err := s.VerifyChangeLog(context.Background()); err != nil {
		t.Errorf("clamped change must still replay: %v", err)
	}
}

func TestPropose_EmptyDeltaStillBumpsVersion(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	c, err := s.Propose(context.Background(), nil, ProposalMeta{Reason: "noop"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if c.FromVersion != 1 || c.ToVersion != 2 {
		t.Errorf("no-op proposal must still advance the version, got %d→%d", c.FromVersion, c.ToVersion)
	}
	if err := s.VerifyChangeLog(context.Background()); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestOpenFileStore_ReloadKeepsActivePolicy(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	key := ConfidenceKey("crowding")
	if _, err := s.Propose(context.Background(), map[string]float64{key: -0.05}, ProposalMeta{Reason: "test"}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	want := s.Active()

	reopened := openTestStore(t, dir)
	got := reopened.Active()
	if got.Version != want.Version {
		t.Errorf("reload version = %d, want %d", got.Version, want.Version)
	}
	if got.Threshold(key, 0) != want.Threshold(key, 0) {
		t.Errorf("reload threshold = %v, want %v", got.Threshold(key, 0), want.Threshold(key, 0))
	}
	if err := reopened.VerifyChangeLog(context.Background()); err != nil {
		t.Errorf("verify after reload: %v", err)
	}
}

func TestOpenFileStore_CorruptDocumentIsFatal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, policyFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileStore(dir, DefaultBounds(), zap.NewNop(), fixedClock()); err == nil {
		t.Error("corrupt policy document must refuse to open")
	}
}

func TestVerifyChangeLog_DetectsVersionGap(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	// Forge an entry that skips a version.
	forged := Change{ID: "x", FromVersion: 5, ToVersion: 6, Deltas: map[string]float64{}, Timestamp: fixedClock()()}
	raw, _ := json.Marshal(forged)
	f, err := os.OpenFile(filepath.Join(dir, changesFileName), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := s.VerifyChangeLog(context.Background()); err == nil {
		t.Error("gap in the change log must fail verification")
	}
}

func TestVerifyChangeLog_DetectsTamperedDelta(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	key := ConfidenceKey("shelf_empty")
	if _, err := s.Propose(context.Background(), map[string]float64{key: 0.02}, ProposalMeta{Reason: "test"}); err != nil {
		t.Fatal(err)
	}

	// Rewrite the active document so it no longer matches the log.
	p := s.Active()
	p.Thresholds[key] = 0.9
	raw, _ := json.Marshal(p)
	if err := os.WriteFile(filepath.Join(dir, policyFileName), raw, 0o644); err != nil {
		t.Fatal(err)
	}
	tampered := openTestStore(t, dir)
	if err := tampered.VerifyChangeLog(context.Background()); err == nil {
		t.Error("active document diverging from the replayed log must fail verification")
	}
}

func TestRangeClamp(t *testing.T) {
	r := Range{Min: 0.55, Max: 0.95}
	if got := r.Clamp(0.3); got != 0.55 {
		t.Errorf("below min: got %v", got)
	}
	if got := r.Clamp(1.2); got != 0.95 {
		t.Errorf("above max: got %v", got)
	}
	if got := r.Clamp(0.7); got != 0.7 {
		t.Errorf("in range: got %v", got)
	}
}
