// Package allocation distributes one payment amount across lab order items
// and derives threshold gating. Everything here is a pure function of the
// ledger state handed in by the caller; the package never touches the
// database, which keeps the engine deterministic and directly testable.
package allocation

import (
	"sort"

	"backend/internal/apperr"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Target is one candidate order item with its paid-to-date amount re-derived
// from the allocation ledger (never from a running counter).
type Target struct {
	ItemID         uuid.UUID
	OrderID        uuid.UUID
	UnitPrice      decimal.Decimal
	Allocated      decimal.Decimal
	OrderCreatedAt int64 // unix nanos of the parent order's creation, for oldest-due-first ordering
}

// Due returns the outstanding amount on the target, floored at zero.
func (t Target) Due() decimal.Decimal {
	due := t.UnitPrice.Sub(t.Allocated)
	if due.Sign() < 0 {
		return decimal.Zero
	}
	return due
}

// Entry is one planned ledger row.
type Entry struct {
	ItemID  uuid.UUID
	OrderID uuid.UUID
	Amount  decimal.Decimal
}

// Plan is the computed distribution. Invariant: the entry amounts sum exactly
// to the requested amount, every amount is positive, and no item appears twice.
type Plan struct {
	Entries []Entry
}

func (p Plan) Total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range p.Entries {
		total = total.Add(e.Amount)
	}
	return total
}

// Distribute walks the targets oldest-due-first — sorted by the parent
// order's creation time, then item id for reproducibility — allocating
// min(remaining, due) to each until the amount is exhausted. Fully settled
// items are skipped rather than zero-allocated. If the amount exceeds the sum
// of all dues the whole plan is rejected; clamping would break the invariant
// that entries sum exactly to the payment's applied amount.
func Distribute(amount decimal.Decimal, targets []Target) (Plan, error) {
	if amount.Sign() <= 0 {
		return Plan{}, apperr.New(apperr.CodeValidation, "payment amount must be positive, got %s", amount.String())
	}
	if len(targets) == 0 {
		return Plan{}, apperr.New(apperr.CodeItemNotEligible, "no eligible order items to allocate against")
	}

	// A target set may name the same item twice (e.g. both by item id and via
	// its order); contributions must be merged before planning so the ledger's
	// (payment, item) uniqueness holds.
	seen := make(map[uuid.UUID]bool, len(targets))
	deduped := make([]Target, 0, len(targets))
	for _, t := range targets {
		if seen[t.ItemID] {
			continue
		}
		seen[t.ItemID] = true
		deduped = append(deduped, t)
	}

	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].OrderCreatedAt != deduped[j].OrderCreatedAt {
			return deduped[i].OrderCreatedAt < deduped[j].OrderCreatedAt
		}
		return deduped[i].ItemID.String() < deduped[j].ItemID.String()
	})

	totalDue := decimal.Zero
	for _, t := range deduped {
		totalDue = totalDue.Add(t.Due())
	}
	if amount.Cmp(totalDue) > 0 {
		return Plan{}, apperr.New(apperr.CodeOverpaymentRejected,
			"payment %s exceeds total due %s across target items", amount.String(), totalDue.String())
	}

	remaining := amount
	plan := Plan{Entries: make([]Entry, 0, len(deduped))}
	for _, t := range deduped {
		if remaining.Sign() == 0 {
			break
		}
		due := t.Due()
		if due.Sign() == 0 {
			continue
		}
		applied := decimal.Min(remaining, due)
		plan.Entries = append(plan.Entries, Entry{ItemID: t.ItemID, OrderID: t.OrderID, Amount: applied})
		remaining = remaining.Sub(applied)
	}

	return plan, nil
}
