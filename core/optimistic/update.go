package optimistic

import "time"

// Kind tags the category of a mutation. The set is open.
type Kind string

const (
	KindBegin        Kind = "begin"
	KindEnd          Kind = "end"
	KindStatusChange Kind = "status-change"
)

// State is the lifecycle state of an Update.
type State string

const (
	StatePending    State = "pending"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
	StateRolledBack State = "rolled_back"
)

// IsTerminal reports whether s leads to eviction.
func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateRolledBack
}

// Reason explains why an Update was rolled back. The set is open.
type Reason string

const (
	ReasonTimeout            Reason = "timeout"
	ReasonMaxRetriesExceeded Reason = "max-retries-exceeded"
	ReasonManual             Reason = "manual"
)

// Wildcard subscribers are notified of every transition.
const Wildcard = "*"

// Update is one in-flight optimistic mutation.
// Values handed out by the Tracker are snapshots; changing them has no effect on the Tracker.
type Update[V any] struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	OptimisticValue V         `json:"optimistic_value"`
	OriginalValue   *V        `json:"original_value,omitempty"` // nil if not captured
	State           State     `json:"state"`
	RetryCount      int       `json:"retry_count"`
	MaxRetries      int       `json:"max_retries"`
	LastError       error     `json:"-"`
	RollbackReason  Reason    `json:"rollback_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Value returns what readers should see: the optimistic value, or the original one once rolled back.
func (u Update[V]) Value() (V, bool) {
	if u.State != StateRolledBack {
		return u.OptimisticValue, true
	}
	if u.OriginalValue != nil {
		return *u.OriginalValue, true
	}
	var zero V
	return zero, false
}

func (u Update[V]) snapshot() Update[V] {
	if u.OriginalValue != nil {
		orig := *u.OriginalValue
		u.OriginalValue = &orig
	}
	return u
}
