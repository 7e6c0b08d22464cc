package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the quota holder for one billing period. All mutation goes
// through the ledger; reserved and consumed never go negative.
type Account struct {
	ID             string
	TotalAllocated decimal.Decimal
	Reserved       decimal.Decimal
	Consumed       decimal.Decimal
	PeriodStart    time.Time
	UpdatedAt      time.Time
}

// Available returns the hours still open for new reservations. Overage
// commits can push this negative, which only blocks further reservations.
func (a Account) Available() decimal.Decimal {
	return a.TotalAllocated.Sub(a.Reserved).Sub(a.Consumed)
}

// ConsumptionPercentage reports consumed hours as a share of the allocation.
func (a Account) ConsumptionPercentage() decimal.Decimal {
	if a.TotalAllocated.IsZero() {
		return decimal.Zero
	}
	return a.Consumed.Div(a.TotalAllocated).Mul(decimal.NewFromInt(100))
}

// NearLimit reports whether consumption crossed the given percentage.
func (a Account) NearLimit(thresholdPct decimal.Decimal) bool {
	return a.ConsumptionPercentage().GreaterThanOrEqual(thresholdPct)
}
