package app

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pellax/memorymeet-sub001/internal/clock"
	"github.com/pellax/memorymeet-sub001/internal/domain"
)

// AccountStore provisions and reads quota accounts.
type AccountStore interface {
	CreateAccount(ctx context.Context, acc domain.Account) error
	GetAccount(ctx context.Context, accountID string) (domain.Account, error)
}

type AccountService struct {
	store AccountStore
	clock clock.Clock
}

func NewAccountService(store AccountStore, clk clock.Clock) *AccountService {
	return &AccountService{
		store: store,
		clock: clk,
	}
}

type CreateAccountInput struct {
	AccountID      string
	TotalAllocated decimal.Decimal
}

func (s *AccountService) CreateAccount(ctx context.Context, in CreateAccountInput) (domain.Account, error) {
	if in.AccountID == "" {
		return domain.Account{}, domain.ErrInvalidID
	}
	if !in.TotalAllocated.IsPositive() {
		return domain.Account{}, domain.ErrInvalidAllocation
	}

	now := s.clock.Now()
	acc := domain.Account{
		ID:             in.AccountID,
		TotalAllocated: in.TotalAllocated,
		Reserved:       decimal.Zero,
		Consumed:       decimal.Zero,
		PeriodStart:    now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateAccount(ctx, acc); err != nil {
		return domain.Account{}, err
	}
	return acc, nil
}

// nearLimitThreshold mirrors the consumption alert the dashboards key on.
var nearLimitThreshold = decimal.NewFromInt(80)

type UsageReport struct {
	AccountID             string
	TotalAllocated        decimal.Decimal
	Reserved              decimal.Decimal
	Consumed              decimal.Decimal
	Available             decimal.Decimal
	ConsumptionPercentage decimal.Decimal
	NearLimit             bool
}

func (s *AccountService) GetUsage(ctx context.Context, accountID string) (UsageReport, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return UsageReport{}, err
	}

	return UsageReport{
		AccountID:             acc.ID,
		TotalAllocated:        acc.TotalAllocated,
		Reserved:              acc.Reserved,
		Consumed:              acc.Consumed,
		Available:             acc.Available(),
		ConsumptionPercentage: acc.ConsumptionPercentage().Round(2),
		NearLimit:             acc.NearLimit(nearLimitThreshold),
	}, nil
}
