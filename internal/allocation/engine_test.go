package allocation

import (
	"testing"

	"backend/internal/apperr"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func target(item, order uuid.UUID, price, allocated string, createdAt int64) Target {
	return Target{
		ItemID:         item,
		OrderID:        order,
		UnitPrice:      dec(price),
		Allocated:      dec(allocated),
		OrderCreatedAt: createdAt,
	}
}

func TestDistribute(t *testing.T) {
	orderA := uuid.New()
	orderB := uuid.New()
	itemA := uuid.New()
	itemB := uuid.New()

	t.Run("oldest due first, deterministic split", func(t *testing.T) {
		// A due 100, B due 50; 120 fills A then leaves 30 due on B.
		targets := []Target{
			target(itemB, orderB, "50", "0", 2),
			target(itemA, orderA, "100", "0", 1),
		}

		plan, err := Distribute(dec("120"), targets)
		require.NoError(t, err)
		require.Len(t, plan.Entries, 2)
		assert.Equal(t, itemA, plan.Entries[0].ItemID)
		assert.True(t, plan.Entries[0].Amount.Equal(dec("100")))
		assert.Equal(t, itemB, plan.Entries[1].ItemID)
		assert.True(t, plan.Entries[1].Amount.Equal(dec("20")))
	})

	t.Run("overpayment rejected, not clamped", func(t *testing.T) {
		targets := []Target{
			target(itemA, orderA, "100", "0", 1),
			target(itemB, orderB, "50", "0", 2),
		}

		_, err := Distribute(dec("200"), targets)
		require.Error(t, err)
		assert.True(t, apperr.HasCode(err, apperr.CodeOverpaymentRejected))
	})

	t.Run("exact payoff consumes every due", func(t *testing.T) {
		targets := []Target{
			target(itemA, orderA, "100", "25", 1),
			target(itemB, orderB, "50", "0", 2),
		}

		plan, err := Distribute(dec("125"), targets)
		require.NoError(t, err)
		require.Len(t, plan.Entries, 2)
		assert.True(t, plan.Total().Equal(dec("125")))
	})

	t.Run("settled item skipped without zero entry", func(t *testing.T) {
		settled := uuid.New()
		targets := []Target{
			target(settled, orderA, "100", "100", 1),
			target(itemB, orderB, "50", "0", 2),
		}

		plan, err := Distribute(dec("30"), targets)
		require.NoError(t, err)
		require.Len(t, plan.Entries, 1)
		assert.Equal(t, itemB, plan.Entries[0].ItemID)
	})

	t.Run("duplicate targets merged before planning", func(t *testing.T) {
		targets := []Target{
			target(itemA, orderA, "100", "0", 1),
			target(itemA, orderA, "100", "0", 1),
		}

		plan, err := Distribute(dec("60"), targets)
		require.NoError(t, err)
		require.Len(t, plan.Entries, 1)
		assert.True(t, plan.Entries[0].Amount.Equal(dec("60")))
	})

	t.Run("ties in order age broken by item id", func(t *testing.T) {
		first := uuid.MustParse("00000000-0000-0000-0000-000000000001")
		second := uuid.MustParse("00000000-0000-0000-0000-000000000002")
		targets := []Target{
			target(second, orderA, "40", "0", 5),
			target(first, orderA, "40", "0", 5),
		}

		plan, err := Distribute(dec("10"), targets)
		require.NoError(t, err)
		require.Len(t, plan.Entries, 1)
		assert.Equal(t, first, plan.Entries[0].ItemID)
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		targets := []Target{target(itemA, orderA, "100", "0", 1)}

		for _, amount := range []string{"0", "-5"} {
			_, err := Distribute(dec(amount), targets)
			require.Error(t, err)
			assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
		}
	})

	t.Run("empty target set rejected", func(t *testing.T) {
		_, err := Distribute(dec("10"), nil)
		require.Error(t, err)
		assert.True(t, apperr.HasCode(err, apperr.CodeItemNotEligible))
	})
}

func TestDistributeConservation(t *testing.T) {
	// For a spread of amounts up to the total due, entries always sum exactly
	// to the requested amount.
	orderA := uuid.New()
	orderB := uuid.New()
	targets := []Target{
		target(uuid.New(), orderA, "99.99", "10.50", 1),
		target(uuid.New(), orderA, "250", "0", 1),
		target(uuid.New(), orderB, "0.01", "0", 2),
		target(uuid.New(), orderB, "75.25", "75.25", 2),
	}

	for _, amount := range []string{"0.01", "10", "89.49", "100", "339.50"} {
		plan, err := Distribute(dec(amount), targets)
		require.NoError(t, err, "amount %s", amount)
		assert.True(t, plan.Total().Equal(dec(amount)), "amount %s allocated %s", amount, plan.Total())
		for _, e := range plan.Entries {
			assert.True(t, e.Amount.Sign() > 0, "zero or negative entry for amount %s", amount)
		}
	}
}

func TestEffectiveThreshold(t *testing.T) {
	fallback := dec("0.50")

	assert.True(t, EffectiveThreshold(nil, fallback).Equal(fallback))

	override := dec("0.25")
	assert.True(t, EffectiveThreshold(&override, fallback).Equal(override))
}

func TestSampleAllowed(t *testing.T) {
	threshold := dec("0.50")

	t.Run("below threshold", func(t *testing.T) {
		assert.False(t, SampleAllowed(dec("49.99"), dec("100"), threshold))
	})

	t.Run("exactly at threshold", func(t *testing.T) {
		assert.True(t, SampleAllowed(dec("50"), dec("100"), threshold))
	})

	t.Run("above threshold", func(t *testing.T) {
		assert.True(t, SampleAllowed(dec("100"), dec("100"), threshold))
	})

	t.Run("zero priced item always allowed", func(t *testing.T) {
		assert.True(t, SampleAllowed(decimal.Zero, decimal.Zero, threshold))
	})

	t.Run("zero threshold allows unpaid item", func(t *testing.T) {
		assert.True(t, SampleAllowed(decimal.Zero, dec("100"), decimal.Zero))
	})
}
