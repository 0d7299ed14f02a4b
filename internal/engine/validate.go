package engine

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"reservo/internal/domain"
)

var tickerPattern = regexp.MustCompile(`^[A-Z0-9.]{1,12}$`)

// normalizeIntent upper-cases and trims the intent and rejects anything the
// engine could never execute.
func normalizeIntent(in domain.Intent) (domain.Intent, error) {
	in.Owner = strings.TrimSpace(in.Owner)
	in.Ticker = strings.ToUpper(strings.TrimSpace(in.Ticker))

	if in.Owner == "" {
		return in, &domain.ValidationError{Field: "owner", Reason: "required"}
	}
	if in.Ticker == "" {
		return in, &domain.ValidationError{Field: "ticker", Reason: "required"}
	}
	if !tickerPattern.MatchString(in.Ticker) {
		return in, &domain.ValidationError{Field: "ticker", Reason: "must be 1-12 characters of A-Z, 0-9 or '.'"}
	}
	if !in.Side.Valid() {
		return in, &domain.ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", in.Side)}
	}
	if !finite(in.Seed) || in.Seed < 0 {
		return in, &domain.ValidationError{Field: "seed", Reason: "must be a non-negative number"}
	}
	if in.Side.IsBuy() && in.Seed == 0 {
		return in, &domain.ValidationError{Field: "seed", Reason: "must be positive for buy orders"}
	}
	if !finite(in.AvgPrice) || in.AvgPrice < 0 {
		return in, &domain.ValidationError{Field: "avg_price", Reason: "must be a non-negative number"}
	}
	return in, nil
}

// checkSchedule bounds how far ahead an order may be queued.
func (e *Engine) checkSchedule(executeAfter, now time.Time) error {
	if e.cfg.Tranches <= 0 {
		return &domain.ValidationError{Field: "tranches", Reason: "must be positive"}
	}
	if e.cfg.MaxScheduleAhead > 0 && executeAfter.Sub(now) > e.cfg.MaxScheduleAhead {
		return &domain.ValidationError{
			Field:  "execute_after",
			Reason: fmt.Sprintf("more than %s in the future", e.cfg.MaxScheduleAhead),
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
