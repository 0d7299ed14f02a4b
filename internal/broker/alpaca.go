package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"reservo/internal/domain"
	"reservo/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements Broker using the Alpaca trading and market-data
// APIs. The reservation id is sent as client_order_id so Alpaca rejects a
// duplicate submission of the same order.
type AlpacaBroker struct {
	trading *alpaca.Client
	data    *marketdata.Client
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoints. An empty dataURL selects the SDK default.
func NewAlpacaBroker(apiKey, apiSecret, baseURL, dataURL string) *AlpacaBroker {
	dataOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}
	return &AlpacaBroker{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(dataOpts),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Position returns the open position in ticker. Alpaca answers 404 for
// symbols that are not held.
func (b *AlpacaBroker) Position(_ context.Context, ticker string) (domain.Holding, error) {
	p, err := b.trading.GetPosition(ticker)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return domain.Holding{Ticker: ticker}, nil
		}
		return domain.Holding{}, fmt.Errorf("GetPosition %s: %w", ticker, err)
	}

	// Shares reserved by open orders are excluded from qty_available.
	avg, _ := p.AvgEntryPrice.Float64()
	return domain.Holding{
		Ticker:      ticker,
		AvgPrice:    avg,
		Qty:         p.Qty.IntPart(),
		SellableQty: p.QtyAvailable.IntPart(),
		Found:       true,
	}, nil
}

// LatestPrice returns the price of the latest trade in ticker.
func (b *AlpacaBroker) LatestPrice(_ context.Context, ticker string) (float64, error) {
	trade, err := b.data.GetLatestTrade(ticker, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("GetLatestTrade %s: %w", ticker, err)
	}
	if trade == nil {
		return 0, fmt.Errorf("no latest trade for %s", ticker)
	}
	return checkPrice(ticker, trade.Price)
}

// Submit places a limit order. Buys are limit-on-close (time in force CLS),
// sells are day limits. Client errors from Alpaca (4xx) are business
// rejections; everything else is a transport failure.
func (b *AlpacaBroker) Submit(_ context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error) {
	qty := decimal.NewFromInt(req.Qty)
	limit := decimal.NewFromFloat(req.Price).Round(2)

	side := alpaca.Buy
	if req.Direction == domain.DirectionSell {
		side = alpaca.Sell
	}
	tif := alpaca.Day
	if req.Type == domain.OrderTypeLOC {
		tif = alpaca.CLS
	}

	order, err := b.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Ticker,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Limit,
		TimeInForce:   tif,
		LimitPrice:    &limit,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return &domain.SubmitResult{
				Code:    strconv.Itoa(apiErr.StatusCode),
				Message: apiErr.Message,
			}, nil
		}
		return nil, fmt.Errorf("PlaceOrder %s: %w", req.Ticker, err)
	}

	if order.Status == "rejected" {
		return &domain.SubmitResult{BrokerOrderID: order.ID, Code: "rejected", Message: "order rejected by alpaca"}, nil
	}
	return &domain.SubmitResult{BrokerOrderID: order.ID, Code: domain.CodeOK}, nil
}

// Sessions fetches the exchange schedule between from and to from the Alpaca
// calendar endpoint, for use with util.TradingCalendar.LoadSessions.
func (b *AlpacaBroker) Sessions(_ context.Context, loc *time.Location, from, to time.Time) ([]util.Session, error) {
	days, err := b.trading.GetCalendar(alpaca.GetCalendarRequest{
		Start: from,
		End:   to,
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}

	sessions := make([]util.Session, 0, len(days))
	for _, d := range days {
		open, err := time.ParseInLocation("2006-01-02 15:04", d.Date+" "+d.Open, loc)
		if err != nil {
			return nil, fmt.Errorf("parsing open of %s: %w", d.Date, err)
		}
		closeAt, err := time.ParseInLocation("2006-01-02 15:04", d.Date+" "+d.Close, loc)
		if err != nil {
			return nil, fmt.Errorf("parsing close of %s: %w", d.Date, err)
		}
		sessions = append(sessions, util.Session{Open: open, Close: closeAt})
	}
	return sessions, nil
}
