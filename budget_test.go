package arbor

import (
	"errors"
	"testing"
	"time"
)

func TestRoleBelow(t *testing.T) {
	role := RoleCEO
	var chain []string
	for {
		chain = append(chain, role.String())
		next, ok := role.Below()
		if !ok {
			break
		}
		role = next
	}
	want := "ceo,vp,director,manager,staff"
	if got := joinStrings(chain); got != want {
		t.Errorf("hierarchy = %s, want %s", got, want)
	}
	if next, ok := RoleStaff.Below(); ok {
		t.Errorf("staff has a level below: %v", next)
	}
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func TestBudgetCharge(t *testing.T) {
	b := NewBudget(1000, time.Time{})

	if err := b.Charge("cell-1", Usage{InputTokens: 300, OutputTokens: 200}); err != nil {
		t.Fatalf("in-budget charge failed: %v", err)
	}
	if b.Used() != 500 {
		t.Errorf("Used = %d, want 500", b.Used())
	}
	if b.Remaining() != 500 {
		t.Errorf("Remaining = %d, want 500", b.Remaining())
	}

	err := b.Charge("cell-1", Usage{InputTokens: 600})
	var exhausted *BudgetExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("overdraw error = %v, want BudgetExhaustedError", err)
	}
	if exhausted.Reason != "tokens" {
		t.Errorf("Reason = %q, want tokens", exhausted.Reason)
	}
	if exhausted.CellID != "cell-1" {
		t.Errorf("CellID = %q, want cell-1", exhausted.CellID)
	}
}

func TestBudgetChargeDeadline(t *testing.T) {
	b := NewBudget(1_000_000, time.Now().Add(-time.Second))
	err := b.Charge("cell-2", Usage{InputTokens: 1})
	var exhausted *BudgetExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want BudgetExhaustedError", err)
	}
	if exhausted.Reason != "deadline" {
		t.Errorf("Reason = %q, want deadline", exhausted.Reason)
	}
}

func TestBudgetRemainingNeverNegative(t *testing.T) {
	b := NewBudget(100, time.Time{})
	_ = b.Charge("c", Usage{InputTokens: 500})
	if b.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", b.Remaining())
	}
}

func TestBudgetGrant(t *testing.T) {
	b := NewBudget(1000, time.Time{})

	if got := b.Grant(500, 2.0); got != 500 {
		t.Errorf("Grant(500) = %d, want 500", got)
	}
	if b.Total() != 1500 {
		t.Errorf("Total = %d, want 1500", b.Total())
	}

	// Cap is original * 2.0 = 2000; only 500 more fits.
	if got := b.Grant(900, 2.0); got != 500 {
		t.Errorf("Grant(900) = %d, want 500 (capped)", got)
	}
	if got := b.Grant(1, 2.0); got != 0 {
		t.Errorf("Grant at cap = %d, want 0", got)
	}
	if b.Original() != 1000 {
		t.Errorf("Original = %d, want 1000 (grants must not move it)", b.Original())
	}
}

func TestBudgetGrantUncapped(t *testing.T) {
	b := NewBudget(100, time.Time{})
	if got := b.Grant(1_000_000, 0); got != 1_000_000 {
		t.Errorf("uncapped Grant = %d, want full delta", got)
	}
}

func TestBudgetGrantIgnoresNonPositive(t *testing.T) {
	b := NewBudget(100, time.Time{})
	if got := b.Grant(0, 2.0); got != 0 {
		t.Errorf("Grant(0) = %d", got)
	}
	if got := b.Grant(-50, 2.0); got != 0 {
		t.Errorf("Grant(-50) = %d", got)
	}
	if b.Total() != 100 {
		t.Errorf("Total moved to %d", b.Total())
	}
}

func TestBudgetProjectedOverrun(t *testing.T) {
	b := NewBudget(100, time.Time{})
	if b.ProjectedOverrun() {
		t.Error("no deadline must never project an overrun")
	}

	// Already overdrawn with the deadline passed.
	b = NewBudget(10, time.Now().Add(-time.Second))
	_ = b.Charge("c", Usage{InputTokens: 50})
	if !b.ProjectedOverrun() {
		t.Error("overdrawn past deadline should project overrun")
	}
}

func TestChildAllotment(t *testing.T) {
	parent := NewBudget(10_000, time.Time{})

	// Share-derived when no hint.
	if got := childAllotment(parent, 0.5, 0); got != 5000 {
		t.Errorf("childAllotment = %d, want 5000", got)
	}
	// Hint wins when smaller.
	if got := childAllotment(parent, 0.5, 2000); got != 2000 {
		t.Errorf("childAllotment with hint = %d, want 2000", got)
	}
	// Oversized hint is clamped to the share.
	if got := childAllotment(parent, 0.5, 50_000); got != 5000 {
		t.Errorf("childAllotment with big hint = %d, want 5000", got)
	}
}

func TestDefaultBudgetPolicyShrinksDownHierarchy(t *testing.T) {
	p := DefaultBudgetPolicy()
	role := RoleCEO
	for {
		next, ok := role.Below()
		if !ok {
			break
		}
		if p.TokensPerRole[next] >= p.TokensPerRole[role] {
			t.Errorf("%s tokens %d >= %s tokens %d", next, p.TokensPerRole[next], role, p.TokensPerRole[role])
		}
		if p.TimePerRole[next] >= p.TimePerRole[role] {
			t.Errorf("%s time >= %s time", next, role)
		}
		role = next
	}
}
