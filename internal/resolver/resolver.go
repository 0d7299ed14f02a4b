// Package resolver computes the execution price and share quantity of a queued
// order from its intent and live market inputs. It performs no I/O.
package resolver

import (
	"fmt"

	"github.com/shopspring/decimal"

	"reservo/internal/domain"
)

var (
	ceilingAvgFactor     = decimal.RequireFromString("1.05")
	ceilingCurrentFactor = decimal.RequireFromString("1.15")
	sellTargetFactor     = decimal.RequireFromString("1.10")
)

// Input carries everything Resolve needs. Tranches is the capital-division
// constant frozen on the order when it was reserved.
type Input struct {
	Side             domain.Side
	Seed             float64
	Tranches         int
	LiveAvgPrice     float64
	LiveCurrentPrice float64
	OwnedQty         int64
}

// Resolve returns the price and quantity to submit. Every arithmetic step is
// rounded to two decimal places, half-up, in a fixed order.
func Resolve(in Input) (domain.Resolution, error) {
	avg := decimal.NewFromFloat(in.LiveAvgPrice)
	cur := decimal.NewFromFloat(in.LiveCurrentPrice)

	switch in.Side {
	case domain.SideBuyAverage:
		return buy(in, round2(avg))

	case domain.SideBuyCeiling:
		byAvg := round2(avg.Mul(ceilingAvgFactor))
		byCurrent := round2(cur.Mul(ceilingCurrentFactor))
		return buy(in, decimal.Min(byAvg, byCurrent))

	case domain.SideSell:
		if in.OwnedQty <= 0 {
			return domain.Resolution{}, domain.ErrInsufficientPosition
		}
		price := round2(avg.Mul(sellTargetFactor))
		if cur.GreaterThan(price) {
			price = round2(cur)
		}
		if !price.IsPositive() {
			return domain.Resolution{}, fmt.Errorf("%w: %s", domain.ErrInvalidPrice, price)
		}
		return domain.Resolution{
			Price:    toFloat(price),
			Qty:      in.OwnedQty,
			QtyBasis: domain.QtyBasisPosition,
		}, nil
	}

	return domain.Resolution{}, fmt.Errorf("unknown side %q", in.Side)
}

func buy(in Input, price decimal.Decimal) (domain.Resolution, error) {
	if !price.IsPositive() {
		return domain.Resolution{}, fmt.Errorf("%w: %s", domain.ErrInvalidPrice, price)
	}
	if in.Tranches <= 0 {
		return domain.Resolution{}, fmt.Errorf("tranche count must be positive, got %d", in.Tranches)
	}

	tranche := round2(decimal.NewFromFloat(in.Seed).Div(decimal.NewFromInt(int64(in.Tranches))))
	qty := tranche.Div(price).Floor().IntPart()
	if qty <= 0 {
		return domain.Resolution{}, fmt.Errorf("%w: tranche %s at price %s", domain.ErrZeroQuantity, tranche, price)
	}

	return domain.Resolution{
		Price:    toFloat(price),
		Qty:      qty,
		QtyBasis: domain.QtyBasisTranche,
	}, nil
}

// Round2 rounds f to two decimal places, half-up.
func Round2(f float64) float64 {
	return toFloat(round2(decimal.NewFromFloat(f)))
}

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
