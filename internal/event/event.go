package event

import (
	"fmt"
	"time"
)

// Kind classifies a candidate shelf/stock occurrence.
type Kind string

const (
	KindShelfEmpty    Kind = "shelf_empty"
	KindMisplacedItem Kind = "misplaced_item"
	KindCrowding      Kind = "crowding"
)

// Kinds lists every valid event kind, in stable order.
var Kinds = []Kind{KindShelfEmpty, KindMisplacedItem, KindCrowding}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindShelfEmpty, KindMisplacedItem, KindCrowding:
		return true
	}
	return false
}

// Evidence holds the structured features perception attaches to a candidate.
// No raw imagery ever crosses this boundary.
type Evidence struct {
	DwellSec       float64  `json:"dwell_sec"`
	MotionScore    float64  `json:"motion_score"`
	ShelfFillRatio float64  `json:"shelf_fill_ratio"`
	EntityCount    int      `json:"entity_count"`
	ZoneHistory    []string `json:"zone_history,omitempty"`

	// GroundTruthAlert is only present on replay fixtures that carry a label.
	GroundTruthAlert *bool `json:"ground_truth_alert,omitempty"`
}

// Strength collapses the evidence features into a single [0,1] value used by
// the trigger gate and the consistency bands. Long dwell, low motion, and a
// sparse shelf all push the value up.
func (e Evidence) Strength() float64 {
	dwell := clamp01(e.DwellSec / 30.0)
	still := 1.0 - clamp01(e.MotionScore)
	sparse := 1.0 - clamp01(e.ShelfFillRatio)
	return clamp01(0.4*dwell + 0.3*still + 0.3*sparse)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Event is one candidate occurrence emitted by the trigger. Immutable once
// created.
//
// EphemeralEntityIDs are transient tracker identifiers. They are excluded
// from JSON so no persisted record is ever keyed by identity; only
// Evidence.EntityCount survives serialization.
type Event struct {
	ID                 string    `json:"event_id"`
	Seq                uint64    `json:"seq"`
	Kind               Kind      `json:"kind"`
	Timestamp          time.Time `json:"ts"`
	ZoneID             string    `json:"zone_id"`
	EphemeralEntityIDs []int     `json:"-"`
	Evidence           Evidence  `json:"evidence"`
}

// Candidate is one possible occurrence inside a perception signal.
type Candidate struct {
	Kind      Kind     `json:"kind"`
	ZoneID    string   `json:"zone_id"`
	EntityIDs []int    `json:"entity_ids,omitempty"`
	Evidence  Evidence `json:"evidence"`
}

// PerceptionSignal is the per-frame input from the perception layer:
// zero or more candidates plus the frame timestamp.
type PerceptionSignal struct {
	FrameTS    time.Time   `json:"frame_ts"`
	Candidates []Candidate `json:"candidates"`
}

// Validate checks the structural fields a candidate must carry before it may
// enter the pipeline.
func (c Candidate) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", c.Kind)
	}
	if c.ZoneID == "" {
		return fmt.Errorf("candidate missing zone_id")
	}
	if c.Evidence.DwellSec < 0 || c.Evidence.MotionScore < 0 {
		return fmt.Errorf("negative evidence feature")
	}
	return nil
}
