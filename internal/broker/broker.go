// Package broker defines the market-facing dependencies of the execution
// engine (position oracle, price source, brokerage) and provides Alpaca, KIS
// and in-memory simulator implementations.
package broker

import (
	"context"
	"fmt"

	"reservo/internal/domain"
)

// PositionOracle reports the account's current holding of a ticker. An
// instrument that is not held yields Holding{Found: false} and a nil error.
type PositionOracle interface {
	Position(ctx context.Context, ticker string) (domain.Holding, error)
}

// PriceSource returns the latest traded price of a ticker. Implementations
// return an error rather than a non-positive price.
type PriceSource interface {
	LatestPrice(ctx context.Context, ticker string) (float64, error)
}

// Brokerage submits orders. A nil error with a non-OK result Code is a
// business-level rejection.
type Brokerage interface {
	// Name returns the broker identifier (e.g. "alpaca", "kis", "simulator").
	Name() string

	// Submit sends a single order to the brokerage.
	Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error)
}

// Broker bundles the three roles; every implementation in this package
// satisfies it.
type Broker interface {
	PositionOracle
	PriceSource
	Brokerage
}

func checkPrice(ticker string, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %v for %s", price, ticker)
	}
	return price, nil
}
