// Package domain defines the core types shared across the reservo platform:
// queued orders, their lifecycle states, holdings and brokerage requests.
package domain

import (
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Side is the pricing intent of a queued order.
type Side string

const (
	// SideBuyAverage buys at the position's average cost basis.
	SideBuyAverage Side = "BUY_AVG"
	// SideBuyCeiling buys at min(avg*1.05, current*1.15).
	SideBuyCeiling Side = "BUY_CEIL"
	// SideSell sells the whole sellable position at max(avg*1.10, current).
	SideSell Side = "SELL"
)

// ParseSide normalises s into a Side. The second return value is false when s
// names no known side.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuyAverage:
		return SideBuyAverage, true
	case SideBuyCeiling, "BUY_MARKET":
		return SideBuyCeiling, true
	case SideSell:
		return SideSell, true
	}
	return "", false
}

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	switch s {
	case SideBuyAverage, SideBuyCeiling, SideSell:
		return true
	}
	return false
}

// IsBuy reports whether the side acquires shares.
func (s Side) IsBuy() bool {
	return s == SideBuyAverage || s == SideBuyCeiling
}

// Direction maps the side onto the direction sent to the brokerage.
func (s Side) Direction() Direction {
	if s.IsBuy() {
		return DirectionBuy
	}
	return DirectionSell
}

// Direction is the buy/sell flag of a brokerage submission.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// OrderStatus is the lifecycle state of a queued order.
type OrderStatus string

const (
	StatusPending OrderStatus = "PENDING"
	StatusRunning OrderStatus = "RUNNING"
	StatusDone    OrderStatus = "DONE"
	StatusError   OrderStatus = "ERROR"
)

// Terminal reports whether no further transition can leave the status.
func (s OrderStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// ParseStatus normalises s into an OrderStatus.
func ParseStatus(s string) (OrderStatus, bool) {
	switch st := OrderStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusRunning, StatusDone, StatusError:
		return st, true
	}
	return "", false
}

// OrderType is the brokerage order type used for a submission.
type OrderType string

const (
	// OrderTypeLOC is limit-on-close, used for buys.
	OrderTypeLOC OrderType = "loc"
	// OrderTypeLimit is a plain day limit order, used for sells.
	OrderTypeLimit OrderType = "limit"
)

// Market identifies the exchange calendar an order is scheduled against.
type Market string

const (
	MarketUS Market = "us"
)

// ---------------------------------------------------------------------------
// Queued orders
// ---------------------------------------------------------------------------

// Intent is what a requester asks for when reserving an order.
type Intent struct {
	Owner    string  `json:"owner"`
	Ticker   string  `json:"ticker"`
	Side     Side    `json:"side"`
	Seed     float64 `json:"seed"`
	AvgPrice float64 `json:"avg_price"`
}

// QueuedOrder is the unit of work persisted in the order store.
type QueuedOrder struct {
	ID           string      `json:"id"`
	Owner        string      `json:"owner"`
	Ticker       string      `json:"ticker"`
	Side         Side        `json:"side"`
	Seed         float64     `json:"seed"`
	AvgPrice     float64     `json:"avg_price"`
	Tranches     int         `json:"tranches"`
	Status       OrderStatus `json:"status"`
	ExecuteAfter time.Time   `json:"execute_after"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	ExecutedAt   *time.Time  `json:"executed_at,omitempty"`
	RetryCount   int         `json:"retry_count"`
	Error        string      `json:"error,omitempty"`
	RepeatGroup  string      `json:"repeat_group,omitempty"`
	RepeatIndex  int         `json:"repeat_index"`

	// Execution outputs, set on DONE. SubmittedAt is stamped just before the
	// brokerage call and cleared again when the attempt fails.
	ExecPrice     float64    `json:"exec_price,omitempty"`
	ExecQty       int64      `json:"exec_qty,omitempty"`
	BrokerOrderID string     `json:"broker_order_id,omitempty"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`

	// LockToken correlates a RUNNING claim with its holder.
	LockToken string `json:"-"`
}

// Intent returns the reservation intent the order was created from.
func (o *QueuedOrder) Intent() Intent {
	return Intent{
		Owner:    o.Owner,
		Ticker:   o.Ticker,
		Side:     o.Side,
		Seed:     o.Seed,
		AvgPrice: o.AvgPrice,
	}
}

// ---------------------------------------------------------------------------
// Market state
// ---------------------------------------------------------------------------

// Holding is the position oracle's view of one instrument. Found is false when
// the instrument is not held at all.
type Holding struct {
	Ticker      string  `json:"ticker"`
	AvgPrice    float64 `json:"avg_price"`
	Qty         int64   `json:"qty"`
	SellableQty int64   `json:"sellable_qty"`
	Found       bool    `json:"found"`
}

// Resolution is the price and quantity computed for an execution attempt.
type Resolution struct {
	Price    float64  `json:"price"`
	Qty      int64    `json:"qty"`
	QtyBasis QtyBasis `json:"qty_basis"`
}

// QtyBasis records how a quantity was derived.
type QtyBasis string

const (
	QtyBasisTranche  QtyBasis = "tranche"
	QtyBasisPosition QtyBasis = "position"
)

// ---------------------------------------------------------------------------
// Brokerage submissions
// ---------------------------------------------------------------------------

// CodeOK is the normalised business status code of an accepted submission.
const CodeOK = "OK"

// SubmitRequest is a single order sent to the brokerage.
type SubmitRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Ticker        string    `json:"ticker"`
	Price         float64   `json:"price"`
	Qty           int64     `json:"qty"`
	Direction     Direction `json:"direction"`
	Type          OrderType `json:"type"`
}

// SubmitResult is the brokerage's answer to a submission. Code is CodeOK only
// when the brokerage accepted the order at the business level.
type SubmitResult struct {
	BrokerOrderID string `json:"broker_order_id"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}
