package policy

import "context"

// Store is the single source of truth for the active policy. Readers always
// observe a fully-formed version; only Propose mutates state, atomically
// moving version N to N+1 and appending a Change.
type Store interface {
	// Active returns a copy of the current policy.
	Active() Policy

	// Propose applies deltas to the active thresholds, clamped to the safe
	// ranges, bumps the version, and appends the audit Change. A proposal
	// whose every delta is clamped away still produces a (no-op) Change so
	// the attempt stays auditable.
	Propose(ctx context.Context, deltas map[string]float64, meta ProposalMeta) (Change, error)

	// VerifyChangeLog replays the change log from version 0 and errors if
	// the versions are not contiguous or the result does not reproduce the
	// active policy.
	VerifyChangeLog(ctx context.Context) error

	Close() error
}
