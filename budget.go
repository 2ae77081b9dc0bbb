package arbor

import (
	"sync"
	"time"
)

// Role is a kernel cell's level in the hierarchy. Cells spawn children of
// strictly lower role only.
type Role int

const (
	RoleCEO Role = iota
	RoleVP
	RoleDirector
	RoleManager
	RoleStaff
)

func (r Role) String() string {
	switch r {
	case RoleCEO:
		return "ceo"
	case RoleVP:
		return "vp"
	case RoleDirector:
		return "director"
	case RoleManager:
		return "manager"
	case RoleStaff:
		return "staff"
	default:
		return "unknown"
	}
}

// Below returns the next role down the hierarchy, or false at staff level.
func (r Role) Below() (Role, bool) {
	if r >= RoleStaff {
		return RoleStaff, false
	}
	return r + 1, true
}

// BudgetPolicy supplies per-role defaults and the reallocation parameters.
type BudgetPolicy struct {
	// TokensPerRole is the default token allotment for a cell of each role.
	TokensPerRole map[Role]int64
	// TimePerRole is the default wall-clock allotment for each role.
	TimePerRole map[Role]time.Duration
	// ChildShare is the fraction of the parent's remaining tokens a child
	// of a given role may receive at spawn time.
	ChildShare map[Role]float64
	// ReallocCap caps a child's revised allotment at original * ReallocCap.
	ReallocCap float64
	// FloorTokens is the parent-remaining threshold below which the
	// governor issues a graceful-degrade broadcast.
	FloorTokens int64
}

// DefaultBudgetPolicy returns the shipped role budgets.
func DefaultBudgetPolicy() BudgetPolicy {
	return BudgetPolicy{
		TokensPerRole: map[Role]int64{
			RoleCEO:      400_000,
			RoleVP:       200_000,
			RoleDirector: 100_000,
			RoleManager:  50_000,
			RoleStaff:    20_000,
		},
		TimePerRole: map[Role]time.Duration{
			RoleCEO:      20 * time.Minute,
			RoleVP:       12 * time.Minute,
			RoleDirector: 8 * time.Minute,
			RoleManager:  5 * time.Minute,
			RoleStaff:    3 * time.Minute,
		},
		ChildShare: map[Role]float64{
			RoleVP:       0.5,
			RoleDirector: 0.4,
			RoleManager:  0.35,
			RoleStaff:    0.25,
		},
		ReallocCap:  2.0,
		FloorTokens: 2_000,
	}
}

// Budget is a cell's token and time ledger. Charge is called after every
// LLM response with the observed usage; the cell fails with
// BudgetExhaustedError when the ledger overdraws. The allotment can grow
// while children run (reallocation), so Total is mutable under the lock.
type Budget struct {
	mu       sync.Mutex
	total    int64
	original int64
	used     int64
	deadline time.Time
	start    time.Time
}

// NewBudget creates a ledger with the given token total and deadline.
func NewBudget(tokens int64, deadline time.Time) *Budget {
	return &Budget{total: tokens, original: tokens, deadline: deadline, start: time.Now()}
}

// Charge records usage against the ledger. Returns a BudgetExhaustedError
// (attributed to cellID) if the ledger overdraws or the deadline has passed.
func (b *Budget) Charge(cellID string, usage Usage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used += int64(usage.Total())
	if b.used > b.total {
		return &BudgetExhaustedError{CellID: cellID, Used: b.used, Total: b.total, Reason: "tokens"}
	}
	if !b.deadline.IsZero() && time.Now().After(b.deadline) {
		return &BudgetExhaustedError{CellID: cellID, Used: b.used, Total: b.total, Reason: "deadline"}
	}
	return nil
}

// Used returns tokens charged so far.
func (b *Budget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Total returns the current allotment (original plus any reallocated surplus).
func (b *Budget) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Original returns the allotment the budget was created with.
func (b *Budget) Original() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.original
}

// Remaining returns tokens left, never negative.
func (b *Budget) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r := b.total - b.used; r > 0 {
		return r
	}
	return 0
}

// Deadline returns the wall-clock deadline (zero = none).
func (b *Budget) Deadline() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadline
}

// Elapsed returns time since the budget was created.
func (b *Budget) Elapsed() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.start)
}

// Grant raises the allotment by delta, capped at original * cap (cap <= 0
// means uncapped). Returns the amount actually granted.
func (b *Budget) Grant(delta int64, cap float64) int64 {
	if delta <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := int64(0)
	if cap > 0 {
		limit = int64(float64(b.original) * cap)
	}
	granted := delta
	if limit > 0 && b.total+granted > limit {
		granted = limit - b.total
	}
	if granted <= 0 {
		return 0
	}
	b.total += granted
	return granted
}

// BurnRate returns tokens consumed per second since start. Zero when no
// time has elapsed.
func (b *Budget) BurnRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	sec := time.Since(b.start).Seconds()
	if sec <= 0 {
		return 0
	}
	return float64(b.used) / sec
}

// ProjectedOverrun reports whether the current burn rate would exceed the
// allotment before the deadline. Used by the parent's governance loop to
// preempt stalled or runaway children.
func (b *Budget) ProjectedOverrun() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deadline.IsZero() {
		return false
	}
	sec := time.Since(b.start).Seconds()
	if sec <= 0 {
		return false
	}
	rate := float64(b.used) / sec
	horizon := time.Until(b.deadline).Seconds()
	if horizon <= 0 {
		return b.used > b.total
	}
	projected := float64(b.used) + rate*horizon
	return projected > float64(b.total)
}

// childAllotment computes a child's budget: min(hint, parent remaining * share).
// A zero hint means "no hint" and yields the share-derived amount.
func childAllotment(parent *Budget, share float64, hint int64) int64 {
	derived := int64(float64(parent.Remaining()) * share)
	if hint > 0 && hint < derived {
		return hint
	}
	return derived
}
