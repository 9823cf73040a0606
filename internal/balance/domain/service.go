package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Service interface {
	Track(ctx context.Context, req TrackRequest) (*TrackResponse, error)
	UpdateBalance(ctx context.Context, req UpdateBalanceRequest) (*BalanceView, error)
	GetBalances(ctx context.Context, customerID, entityID string) ([]BalanceView, error)
	Check(ctx context.Context, req CheckRequest) (*CheckResponse, error)
}

// ResetSignal announces that a subscription entered a new billing period.
type ResetSignal struct {
	OrgID          snowflake.ID
	Environment    string
	CustomerID     snowflake.ID
	SubscriptionID snowflake.ID
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Allowances     map[string]decimal.Decimal // feature code to the new allowance
}

type ResetOutcome struct {
	Reset     int
	Skipped   int
	Adjusted  int
	Rollovers int
	Expired   int64
}
