package allocation

import "github.com/shopspring/decimal"

// EffectiveThreshold resolves the per-order override against the global
// default. The caller reads the default once per request and injects it here,
// so gating is a pure function of (ledger state, config, request).
func EffectiveThreshold(override *decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	if override != nil {
		return *override
	}
	return fallback
}

// SampleAllowed reports whether an item has been paid up to the threshold
// fraction of its price. Compared as allocated >= price * threshold to stay
// exact under decimal arithmetic; a zero-priced item is always allowed.
func SampleAllowed(allocated, unitPrice, threshold decimal.Decimal) bool {
	if unitPrice.Sign() <= 0 {
		return true
	}
	return allocated.Cmp(unitPrice.Mul(threshold)) >= 0
}
