package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"reservo/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements Broker for paper trading and tests. Holdings and
// prices are held in memory; rejections and failures can be scripted per
// ticker.
type SimulatorBroker struct {
	mu       sync.Mutex
	holdings map[string]domain.Holding
	prices   map[string]float64
	rejects  map[string]string // ticker -> rejection code
	failures map[string]error  // ticker -> submit transport error
	fetchErr map[string]error  // ticker -> position/price lookup error
	orders   []domain.SubmitRequest

	submits atomic.Int64
	seq     atomic.Int64
}

// NewSimulatorBroker creates a new SimulatorBroker with no holdings.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		holdings: make(map[string]domain.Holding),
		prices:   make(map[string]float64),
		rejects:  make(map[string]string),
		failures: make(map[string]error),
		fetchErr: make(map[string]error),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetHolding installs a holding of qty shares at avg.
func (b *SimulatorBroker) SetHolding(ticker string, avg float64, qty int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ticker = strings.ToUpper(ticker)
	b.holdings[ticker] = domain.Holding{
		Ticker:      ticker,
		AvgPrice:    avg,
		Qty:         qty,
		SellableQty: qty,
		Found:       true,
	}
}

// SetPrice sets the latest traded price of ticker.
func (b *SimulatorBroker) SetPrice(ticker string, price float64) {
	b.mu.Lock()
	b.prices[strings.ToUpper(ticker)] = price
	b.mu.Unlock()
}

// RejectWith makes every submission for ticker come back with code. An empty
// code clears the rejection.
func (b *SimulatorBroker) RejectWith(ticker, code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if code == "" {
		delete(b.rejects, strings.ToUpper(ticker))
		return
	}
	b.rejects[strings.ToUpper(ticker)] = code
}

// FailWith makes submissions for ticker fail with err at the transport level.
// A nil err clears the failure.
func (b *SimulatorBroker) FailWith(ticker string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, strings.ToUpper(ticker))
		return
	}
	b.failures[strings.ToUpper(ticker)] = err
}

// FailLookupsWith makes position and price lookups for ticker fail with err.
func (b *SimulatorBroker) FailLookupsWith(ticker string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fetchErr, strings.ToUpper(ticker))
		return
	}
	b.fetchErr[strings.ToUpper(ticker)] = err
}

// Position returns the simulated holding, or Found=false.
func (b *SimulatorBroker) Position(_ context.Context, ticker string) (domain.Holding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ticker = strings.ToUpper(ticker)
	if err := b.fetchErr[ticker]; err != nil {
		return domain.Holding{}, err
	}
	if h, ok := b.holdings[ticker]; ok {
		return h, nil
	}
	return domain.Holding{Ticker: ticker}, nil
}

// LatestPrice returns the simulated price.
func (b *SimulatorBroker) LatestPrice(_ context.Context, ticker string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ticker = strings.ToUpper(ticker)
	if err := b.fetchErr[ticker]; err != nil {
		return 0, err
	}
	p, ok := b.prices[ticker]
	if !ok {
		return 0, fmt.Errorf("no simulated price for %s", ticker)
	}
	return checkPrice(ticker, p)
}

// Submit records the order and fills it immediately, adjusting the simulated
// holding. Every call, successful or not, increments the submission counter.
func (b *SimulatorBroker) Submit(_ context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error) {
	b.submits.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	ticker := strings.ToUpper(req.Ticker)

	if err := b.failures[ticker]; err != nil {
		return nil, err
	}
	if code, ok := b.rejects[ticker]; ok {
		return &domain.SubmitResult{Code: code, Message: "simulated rejection"}, nil
	}

	b.orders = append(b.orders, req)
	b.fill(ticker, req)
	return &domain.SubmitResult{
		BrokerOrderID: fmt.Sprintf("SIM-%06d", b.seq.Add(1)),
		Code:          domain.CodeOK,
	}, nil
}

// fill applies an accepted order to the holding. Caller holds b.mu.
func (b *SimulatorBroker) fill(ticker string, req domain.SubmitRequest) {
	h := b.holdings[ticker]
	h.Ticker = ticker
	switch req.Direction {
	case domain.DirectionBuy:
		cost := h.AvgPrice*float64(h.Qty) + req.Price*float64(req.Qty)
		h.Qty += req.Qty
		h.AvgPrice = cost / float64(h.Qty)
	case domain.DirectionSell:
		h.Qty -= req.Qty
		if h.Qty <= 0 {
			delete(b.holdings, ticker)
			return
		}
	}
	h.SellableQty = h.Qty
	h.Found = true
	b.holdings[ticker] = h
}

// Submits returns how many times Submit has been called.
func (b *SimulatorBroker) Submits() int64 {
	return b.submits.Load()
}

// Orders returns a copy of the accepted submissions.
func (b *SimulatorBroker) Orders() []domain.SubmitRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.SubmitRequest(nil), b.orders...)
}
