package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"reservo/internal/domain"
)

// ---------------------------------------------------------------------------
// Simulator
// ---------------------------------------------------------------------------

func TestSimulatorBrokerName(t *testing.T) {
	b := NewSimulatorBroker()
	if got := b.Name(); got != "simulator" {
		t.Errorf("SimulatorBroker.Name() = %q, want %q", got, "simulator")
	}
}

func TestSimulatorPositionAndPrice(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker()

	h, err := b.Position(ctx, "tqqq")
	if err != nil || h.Found {
		t.Fatalf("Position(unheld) = %+v, %v; want not found", h, err)
	}
	if _, err := b.LatestPrice(ctx, "TQQQ"); err == nil {
		t.Error("LatestPrice without a price should fail")
	}

	b.SetHolding("TQQQ", 50, 10)
	b.SetPrice("TQQQ", 55)
	h, _ = b.Position(ctx, "TQQQ")
	if !h.Found || h.AvgPrice != 50 || h.SellableQty != 10 {
		t.Errorf("Position = %+v", h)
	}
	if p, _ := b.LatestPrice(ctx, "tqqq"); p != 55 {
		t.Errorf("LatestPrice = %v, want 55", p)
	}

	b.SetPrice("BAD", 0)
	if _, err := b.LatestPrice(ctx, "BAD"); err == nil {
		t.Error("non-positive price should be an error")
	}
}

func TestSimulatorSubmitFills(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker()
	b.SetHolding("SOXL", 20, 10)

	res, err := b.Submit(ctx, domain.SubmitRequest{ClientOrderID: "o-1", Ticker: "SOXL", Price: 10, Qty: 10, Direction: domain.DirectionBuy})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Code != domain.CodeOK || res.BrokerOrderID == "" {
		t.Errorf("Submit result = %+v", res)
	}
	h, _ := b.Position(ctx, "SOXL")
	if h.Qty != 20 || h.AvgPrice != 15 {
		t.Errorf("after buy: qty=%d avg=%v, want 20/15", h.Qty, h.AvgPrice)
	}

	if _, err := b.Submit(ctx, domain.SubmitRequest{Ticker: "SOXL", Price: 16.5, Qty: 20, Direction: domain.DirectionSell}); err != nil {
		t.Fatalf("Submit(sell): %v", err)
	}
	if h, _ := b.Position(ctx, "SOXL"); h.Found {
		t.Errorf("selling the whole position should clear it, got %+v", h)
	}
	if b.Submits() != 2 || len(b.Orders()) != 2 {
		t.Errorf("Submits=%d Orders=%d, want 2/2", b.Submits(), len(b.Orders()))
	}
}

func TestSimulatorScriptedOutcomes(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker()

	b.RejectWith("TQQQ", "APBK0656")
	res, err := b.Submit(ctx, domain.SubmitRequest{Ticker: "TQQQ", Price: 1, Qty: 1, Direction: domain.DirectionBuy})
	if err != nil || res.Code != "APBK0656" {
		t.Errorf("rejected Submit = %+v, %v", res, err)
	}

	boom := errors.New("connection reset")
	b.FailWith("TQQQ", boom)
	if _, err := b.Submit(ctx, domain.SubmitRequest{Ticker: "TQQQ"}); !errors.Is(err, boom) {
		t.Errorf("failing Submit err = %v, want %v", err, boom)
	}

	b.FailLookupsWith("TQQQ", boom)
	if _, err := b.Position(ctx, "TQQQ"); !errors.Is(err, boom) {
		t.Errorf("Position err = %v, want %v", err, boom)
	}

	if b.Submits() != 2 || len(b.Orders()) != 0 {
		t.Errorf("Submits=%d Orders=%d, want 2/0", b.Submits(), len(b.Orders()))
	}
}

// ---------------------------------------------------------------------------
// Token cache
// ---------------------------------------------------------------------------

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time                         { return c.now }
func (c *stepClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func TestTokenCacheRefreshesBeforeExpiry(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)}
	fetches := 0
	cache := NewTokenCache(func(context.Context) (string, time.Duration, error) {
		fetches++
		return "tok", time.Hour, nil
	}, time.Minute, clock)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := cache.Token(ctx); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1", fetches)
	}

	clock.now = clock.now.Add(58 * time.Minute)
	cache.Token(ctx)
	if fetches != 1 {
		t.Errorf("token still valid at 58m, fetches = %d", fetches)
	}

	clock.now = clock.now.Add(time.Minute)
	cache.Token(ctx)
	if fetches != 2 {
		t.Errorf("token inside the margin should refresh, fetches = %d", fetches)
	}

	cache.Invalidate()
	cache.Token(ctx)
	if fetches != 3 {
		t.Errorf("Invalidate should force a refresh, fetches = %d", fetches)
	}
}

func TestTokenCacheError(t *testing.T) {
	cache := NewTokenCache(func(context.Context) (string, time.Duration, error) {
		return "", 0, errors.New("denied")
	}, time.Minute, nil)
	if _, err := cache.Token(context.Background()); err == nil {
		t.Error("Token should surface fetch errors")
	}
}

// ---------------------------------------------------------------------------
// KIS
// ---------------------------------------------------------------------------

type kisFake struct {
	tokens      atomic.Int32
	balances    atomic.Int32
	orders      atomic.Int32
	priceFails  atomic.Int32
	orderRtCd   string
	lastOrder   kisOrderRequest
	lastOrderTR string
}

func (f *kisFake) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		f.tokens.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tkn", "token_type": "Bearer", "expires_in": 86400})
	})
	mux.HandleFunc("GET /uapi/overseas-stock/v1/trading/inquire-balance", func(w http.ResponseWriter, r *http.Request) {
		f.balances.Add(1)
		if r.Header.Get("authorization") != "Bearer tkn" || r.Header.Get("tr_id") != "VTTS3012R" {
			t.Errorf("balance headers = %v", r.Header)
		}
		if r.URL.Query().Get("CTX_AREA_NK200") == "" {
			w.Header().Set("tr_cont", "M")
			json.NewEncoder(w).Encode(map[string]any{
				"rt_cd": "0", "ctx_area_nk200": "page2",
				"output1": []map[string]string{{"ovrs_pdno": "SOXL", "pchs_avg_pric": "20.0000", "ovrs_cblc_qty": "3", "ord_psbl_qty": "3"}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd":   "0",
			"output1": []map[string]string{{"ovrs_pdno": "TQQQ", "pchs_avg_pric": "50.1234", "ovrs_cblc_qty": "12", "ord_psbl_qty": "10"}},
		})
	})
	mux.HandleFunc("GET /uapi/overseas-price/v1/quotations/price", func(w http.ResponseWriter, r *http.Request) {
		if f.priceFails.Load() > 0 {
			f.priceFails.Add(-1)
			http.Error(w, "gateway", http.StatusBadGateway)
			return
		}
		if r.URL.Query().Get("EXCD") != "NAS" {
			t.Errorf("EXCD = %q, want NAS", r.URL.Query().Get("EXCD"))
		}
		json.NewEncoder(w).Encode(map[string]any{"rt_cd": "0", "output": map[string]string{"last": "55.25"}})
	})
	mux.HandleFunc("POST /uapi/overseas-stock/v1/trading/order", func(w http.ResponseWriter, r *http.Request) {
		f.orders.Add(1)
		f.lastOrderTR = r.Header.Get("tr_id")
		json.NewDecoder(r.Body).Decode(&f.lastOrder)
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": f.orderRtCd, "msg_cd": "APBK0013", "msg1": "accepted",
			"output": map[string]string{"ODNO": "0030138295"},
		})
	})
	return mux
}

func newKISTest(t *testing.T) (*KISBroker, *kisFake) {
	t.Helper()
	fake := &kisFake{orderRtCd: "0"}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	b, err := NewKISBroker(KISConfig{
		AppKey:          "key",
		AppSecret:       "secret",
		Account:         "12345678-01",
		BaseURL:         srv.URL,
		Paper:           true,
		RateLimitPerMin: 600000,
	}, srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewKISBroker: %v", err)
	}
	return b, fake
}

func TestKISRejectsBadAccount(t *testing.T) {
	if _, err := NewKISBroker(KISConfig{AppKey: "k", AppSecret: "s", Account: "12345678"}, nil, nil); err == nil {
		t.Error("account without product code should be rejected")
	}
}

func TestKISPositionPaginates(t *testing.T) {
	b, fake := newKISTest(t)
	ctx := context.Background()

	h, err := b.Position(ctx, "TQQQ")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if !h.Found || h.AvgPrice != 50.1234 || h.Qty != 12 || h.SellableQty != 10 {
		t.Errorf("Position = %+v", h)
	}
	if fake.balances.Load() != 2 {
		t.Errorf("balance pages fetched = %d, want 2", fake.balances.Load())
	}

	h, err = b.Position(ctx, "UPRO")
	if err != nil || h.Found {
		t.Errorf("Position(unheld) = %+v, %v", h, err)
	}
	if fake.tokens.Load() != 1 {
		t.Errorf("token issued %d times, want 1", fake.tokens.Load())
	}
}

func TestKISLatestPriceRetriesServerErrors(t *testing.T) {
	b, fake := newKISTest(t)
	fake.priceFails.Store(2)

	p, err := b.LatestPrice(context.Background(), "TQQQ")
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if p != 55.25 {
		t.Errorf("LatestPrice = %v, want 55.25", p)
	}
}

func TestKISSubmit(t *testing.T) {
	b, fake := newKISTest(t)
	ctx := context.Background()

	res, err := b.Submit(ctx, domain.SubmitRequest{
		ClientOrderID: "o-1", Ticker: "TQQQ", Price: 10.5, Qty: 9,
		Direction: domain.DirectionBuy, Type: domain.OrderTypeLOC,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Code != domain.CodeOK || res.BrokerOrderID != "0030138295" {
		t.Errorf("Submit result = %+v", res)
	}
	if fake.lastOrderTR != "VTTC0802U" {
		t.Errorf("tr_id = %q, want VTTC0802U", fake.lastOrderTR)
	}
	o := fake.lastOrder
	if o.PDNO != "TQQQ" || o.OrdQty != "9" || o.OvrsOrdUnpr != "10.50" || o.OrdDvsn != "03" || o.CANO != "12345678" {
		t.Errorf("order body = %+v", o)
	}

	fake.orderRtCd = "1"
	res, err = b.Submit(ctx, domain.SubmitRequest{Ticker: "TQQQ", Price: 22, Qty: 5, Direction: domain.DirectionSell, Type: domain.OrderTypeLimit})
	if err != nil {
		t.Fatalf("Submit(sell): %v", err)
	}
	if res.Code != "1" {
		t.Errorf("rejected Code = %q, want 1", res.Code)
	}
	if fake.lastOrderTR != "VTTC0801U" || fake.lastOrder.OrdDvsn != "00" {
		t.Errorf("sell tr_id=%q division=%q", fake.lastOrderTR, fake.lastOrder.OrdDvsn)
	}
}

func TestKISSubmitNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tkn", "expires_in": 3600})
	})
	mux.HandleFunc("POST /uapi/overseas-stock/v1/trading/order", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b, err := NewKISBroker(KISConfig{AppKey: "k", AppSecret: "s", Account: "1-01", BaseURL: srv.URL, RateLimitPerMin: 600000}, srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewKISBroker: %v", err)
	}
	if _, err := b.Submit(context.Background(), domain.SubmitRequest{Ticker: "TQQQ", Qty: 1, Price: 1}); err == nil {
		t.Fatal("Submit should surface the gateway error")
	}
	if calls.Load() != 1 {
		t.Errorf("order endpoint called %d times, want 1", calls.Load())
	}
}

// ---------------------------------------------------------------------------
// Alpaca
// ---------------------------------------------------------------------------

func TestAlpacaBrokerName(t *testing.T) {
	b := NewAlpacaBroker("key", "secret", "https://paper-api.alpaca.markets", "")
	if got := b.Name(); got != "alpaca" {
		t.Errorf("AlpacaBroker.Name() = %q, want %q", got, "alpaca")
	}
}

func TestAlpacaPositionNotHeld(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/positions/UPRO" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":40410000,"message":"position does not exist"}`))
	}))
	defer srv.Close()

	b := NewAlpacaBroker("key", "secret", srv.URL, srv.URL)
	h, err := b.Position(context.Background(), "UPRO")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if h.Found {
		t.Errorf("Position(unheld) = %+v, want not found", h)
	}
}

func TestAlpacaPositionAndOrder(t *testing.T) {
	var placed map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/positions/TQQQ":
			w.Write([]byte(`{"symbol":"TQQQ","qty":"12","qty_available":"5","avg_entry_price":"50.25","side":"long"}`))
		case "/v2/orders":
			json.NewDecoder(r.Body).Decode(&placed)
			w.Write([]byte(`{"id":"alp-1","client_order_id":"o-1","symbol":"TQQQ","status":"accepted"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := NewAlpacaBroker("key", "secret", srv.URL, srv.URL)
	ctx := context.Background()

	h, err := b.Position(ctx, "TQQQ")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if !h.Found || h.Qty != 12 || h.AvgPrice != 50.25 {
		t.Errorf("Position = %+v", h)
	}
	if h.SellableQty != 5 {
		t.Errorf("SellableQty = %d, want 5 (7 shares held by open orders)", h.SellableQty)
	}

	res, err := b.Submit(ctx, domain.SubmitRequest{
		ClientOrderID: "o-1", Ticker: "TQQQ", Price: 10.5, Qty: 9,
		Direction: domain.DirectionBuy, Type: domain.OrderTypeLOC,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Code != domain.CodeOK || res.BrokerOrderID != "alp-1" {
		t.Errorf("Submit result = %+v", res)
	}
	if placed["client_order_id"] != "o-1" || placed["time_in_force"] != "cls" || placed["type"] != "limit" {
		t.Errorf("placed order = %v", placed)
	}
}

func TestAlpacaSubmitClientErrorIsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code":40310000,"message":"insufficient buying power"}`))
	}))
	defer srv.Close()

	b := NewAlpacaBroker("key", "secret", srv.URL, srv.URL)
	res, err := b.Submit(context.Background(), domain.SubmitRequest{Ticker: "TQQQ", Price: 1, Qty: 1, Direction: domain.DirectionBuy})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Code == domain.CodeOK {
		t.Errorf("403 should not be reported as OK: %+v", res)
	}
}

func TestAlpacaSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"date":"2024-07-03","open":"09:30","close":"13:00"},{"date":"2024-07-05","open":"09:30","close":"16:00"}]`))
	}))
	defer srv.Close()

	loc, _ := time.LoadLocation("America/New_York")
	b := NewAlpacaBroker("key", "secret", srv.URL, srv.URL)
	sessions, err := b.Sessions(context.Background(), loc, time.Date(2024, 7, 1, 0, 0, 0, 0, loc), time.Date(2024, 7, 5, 0, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Sessions returned %d days, want 2", len(sessions))
	}
	want := time.Date(2024, 7, 3, 13, 0, 0, 0, loc)
	if !sessions[0].Close.Equal(want) {
		t.Errorf("first close = %v, want %v", sessions[0].Close, want)
	}
}
