package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reservo/internal/domain"
	"reservo/internal/util"
)

// Compile-time interface check.
var _ Broker = (*KISBroker)(nil)

const (
	kisPaperURL = "https://openapivts.koreainvestment.com:29443"
	kisLiveURL  = "https://openapi.koreainvestment.com:9443"

	kisTokenMargin = 60 * time.Second
	kisReadTries   = 3
	kisMaxPages    = 10
)

// Transaction ids per environment.
type kisTRIDs struct {
	balance, buy, sell string
}

var (
	kisPaperTR = kisTRIDs{balance: "VTTS3012R", buy: "VTTC0802U", sell: "VTTC0801U"}
	kisLiveTR  = kisTRIDs{balance: "TTTS3012R", buy: "TTTT1002U", sell: "TTTT1006U"}
)

const kisPriceTR = "HHDFS00000300"

// Order divisions.
const (
	kisDivisionLimit = "00"
	kisDivisionLOC   = "34"
	kisPaperLOC      = "03"
)

// KISConfig holds Korea Investment & Securities overseas-stock credentials.
type KISConfig struct {
	AppKey          string
	AppSecret       string
	Account         string // "12345678-01"
	BaseURL         string
	Paper           bool
	Exchange        string // order/balance exchange code, e.g. "NASD"
	RateLimitPerMin int
}

// KISBroker implements Broker against the KIS overseas-stock REST API.
type KISBroker struct {
	cfg        KISConfig
	cano       string
	acntPrdtCd string
	tr         kisTRIDs
	client     *http.Client
	limiter    *util.RateLimiter
	tokens     *TokenCache
	log        *slog.Logger
}

// NewKISBroker validates cfg and creates a KISBroker. A nil client selects a
// client with a 10 second timeout; a nil clock selects the wall clock.
func NewKISBroker(cfg KISConfig, client *http.Client, clock util.Clock) (*KISBroker, error) {
	cano, prdt, ok := strings.Cut(cfg.Account, "-")
	if !ok || cano == "" || prdt == "" {
		return nil, fmt.Errorf("kis account %q must look like 12345678-01", cfg.Account)
	}
	if cfg.AppKey == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("kis app key and secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = kisLiveURL
		if cfg.Paper {
			cfg.BaseURL = kisPaperURL
		}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Exchange == "" {
		cfg.Exchange = "NASD"
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 120
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	b := &KISBroker{
		cfg:        cfg,
		cano:       cano,
		acntPrdtCd: prdt,
		tr:         kisLiveTR,
		client:     client,
		limiter:    util.NewRateLimiterPerSecond(float64(cfg.RateLimitPerMin)/60.0, 1),
		log:        slog.Default().With("broker", "kis"),
	}
	if cfg.Paper {
		b.tr = kisPaperTR
	}
	b.tokens = NewTokenCache(b.issueToken, kisTokenMargin, clock)
	return b, nil
}

// Name returns "kis".
func (b *KISBroker) Name() string {
	return "kis"
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type kisEnvelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

type kisTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type kisBalanceItem struct {
	Ticker      string `json:"ovrs_pdno"`
	AvgPrice    string `json:"pchs_avg_pric"`
	BalanceQty  string `json:"ovrs_cblc_qty"`
	HoldingQty  string `json:"hldg_qty"`
	SellableQty string `json:"ord_psbl_qty"`
}

type kisBalanceResponse struct {
	kisEnvelope
	CtxAreaFK200 string           `json:"ctx_area_fk200"`
	CtxAreaNK200 string           `json:"ctx_area_nk200"`
	Output1      []kisBalanceItem `json:"output1"`
}

type kisPriceResponse struct {
	kisEnvelope
	Output struct {
		Last string `json:"last"`
	} `json:"output"`
}

type kisOrderRequest struct {
	CANO         string `json:"CANO"`
	AcntPrdtCd   string `json:"ACNT_PRDT_CD"`
	OvrsExcgCd   string `json:"OVRS_EXCG_CD"`
	PDNO         string `json:"PDNO"`
	OrdQty       string `json:"ORD_QTY"`
	OvrsOrdUnpr  string `json:"OVRS_ORD_UNPR"`
	OrdSvrDvsnCd string `json:"ORD_SVR_DVSN_CD"`
	OrdDvsn      string `json:"ORD_DVSN"`
}

type kisOrderResponse struct {
	kisEnvelope
	Output struct {
		ODNO string `json:"ODNO"`
	} `json:"output"`
}

// statusError is a non-2xx HTTP answer.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("kis http %d: %s", e.Status, e.Body)
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Position scans the overseas balance for ticker, following continuation
// pages.
func (b *KISBroker) Position(ctx context.Context, ticker string) (domain.Holding, error) {
	var fk, nk, cont string
	for page := 0; page < kisMaxPages; page++ {
		q := url.Values{
			"CANO":           {b.cano},
			"ACNT_PRDT_CD":   {b.acntPrdtCd},
			"OVRS_EXCG_CD":   {b.cfg.Exchange},
			"TR_CRCY_CD":     {"USD"},
			"CTX_AREA_FK200": {fk},
			"CTX_AREA_NK200": {nk},
		}

		var resp kisBalanceResponse
		var hdr http.Header
		err := b.read(ctx, func() error {
			var err error
			hdr, err = b.do(ctx, http.MethodGet, "/uapi/overseas-stock/v1/trading/inquire-balance", b.tr.balance, cont, q, nil, &resp)
			return err
		})
		if err != nil {
			return domain.Holding{}, fmt.Errorf("inquire balance: %w", err)
		}
		if resp.RtCd != "0" {
			return domain.Holding{}, fmt.Errorf("inquire balance: %s %s", resp.MsgCd, resp.Msg1)
		}

		for _, item := range resp.Output1 {
			if !strings.EqualFold(item.Ticker, ticker) {
				continue
			}
			return holdingFromKIS(ticker, item)
		}

		next := hdr.Get("tr_cont")
		if next != "F" && next != "M" {
			break
		}
		cont, fk, nk = "N", resp.CtxAreaFK200, resp.CtxAreaNK200
	}
	return domain.Holding{Ticker: ticker}, nil
}

func holdingFromKIS(ticker string, item kisBalanceItem) (domain.Holding, error) {
	avg, err := parseKISFloat(item.AvgPrice)
	if err != nil {
		return domain.Holding{}, fmt.Errorf("parsing pchs_avg_pric %q: %w", item.AvgPrice, err)
	}
	qtyField := item.BalanceQty
	if qtyField == "" {
		qtyField = item.HoldingQty
	}
	qty, err := parseKISFloat(qtyField)
	if err != nil {
		return domain.Holding{}, fmt.Errorf("parsing holding qty %q: %w", qtyField, err)
	}
	sellable := int64(qty)
	if item.SellableQty != "" {
		if v, err := parseKISFloat(item.SellableQty); err == nil {
			sellable = int64(v)
		}
	}
	return domain.Holding{
		Ticker:      ticker,
		AvgPrice:    avg,
		Qty:         int64(qty),
		SellableQty: sellable,
		Found:       true,
	}, nil
}

// LatestPrice reads the current price quotation.
func (b *KISBroker) LatestPrice(ctx context.Context, ticker string) (float64, error) {
	q := url.Values{
		"AUTH": {""},
		"EXCD": {quoteExchange(b.cfg.Exchange)},
		"SYMB": {ticker},
	}
	var resp kisPriceResponse
	err := b.read(ctx, func() error {
		_, err := b.do(ctx, http.MethodGet, "/uapi/overseas-price/v1/quotations/price", kisPriceTR, "", q, nil, &resp)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("quote %s: %w", ticker, err)
	}
	if resp.RtCd != "0" {
		return 0, fmt.Errorf("quote %s: %s %s", ticker, resp.MsgCd, resp.Msg1)
	}
	price, err := parseKISFloat(resp.Output.Last)
	if err != nil {
		return 0, fmt.Errorf("parsing last price %q: %w", resp.Output.Last, err)
	}
	return checkPrice(ticker, price)
}

// Submit places an overseas order. Buys go out as limit-on-close, sells as
// plain limits. Submissions are never retried here.
func (b *KISBroker) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error) {
	trID, division := b.tr.sell, kisDivisionLimit
	if req.Direction == domain.DirectionBuy {
		trID = b.tr.buy
		if req.Type == domain.OrderTypeLOC {
			division = kisDivisionLOC
			if b.cfg.Paper {
				division = kisPaperLOC
			}
		}
	}

	body := kisOrderRequest{
		CANO:         b.cano,
		AcntPrdtCd:   b.acntPrdtCd,
		OvrsExcgCd:   b.cfg.Exchange,
		PDNO:         req.Ticker,
		OrdQty:       strconv.FormatInt(req.Qty, 10),
		OvrsOrdUnpr:  strconv.FormatFloat(req.Price, 'f', 2, 64),
		OrdSvrDvsnCd: "0",
		OrdDvsn:      division,
	}

	var resp kisOrderResponse
	if _, err := b.do(ctx, http.MethodPost, "/uapi/overseas-stock/v1/trading/order", trID, "", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("placing order %s: %w", req.ClientOrderID, err)
	}

	res := &domain.SubmitResult{
		BrokerOrderID: resp.Output.ODNO,
		Code:          resp.RtCd,
		Message:       strings.TrimSpace(resp.MsgCd + " " + resp.Msg1),
	}
	if resp.RtCd == "0" {
		res.Code = domain.CodeOK
	}
	b.log.Info("order submitted",
		"order_id", req.ClientOrderID,
		"ticker", req.Ticker,
		"rt_cd", resp.RtCd,
		"broker_order_id", res.BrokerOrderID,
	)
	return res, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (b *KISBroker) issueToken(ctx context.Context) (string, time.Duration, error) {
	payload := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     b.cfg.AppKey,
		"appsecret":  b.cfg.AppSecret,
	}
	var tok kisTokenResponse
	err := b.read(ctx, func() error {
		return b.send(ctx, http.MethodPost, "/oauth2/tokenP", nil, payload, nil, &tok)
	})
	if err != nil {
		return "", 0, fmt.Errorf("issuing kis token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", 0, fmt.Errorf("issuing kis token: empty access_token")
	}
	return tok.AccessToken, time.Duration(tok.ExpiresIn) * time.Second, nil
}

// read retries an idempotent call. Client errors other than 429 are final.
func (b *KISBroker) read(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, kisReadTries, 200*time.Millisecond, func() error {
		err := fn()
		var se *statusError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 && se.Status != http.StatusTooManyRequests {
			return util.Permanent(err)
		}
		return err
	})
}

// do performs an authenticated API call.
func (b *KISBroker) do(ctx context.Context, method, path, trID, trCont string, q url.Values, body, out any) (http.Header, error) {
	token, err := b.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{
		"authorization": {"Bearer " + token},
		"appkey":        {b.cfg.AppKey},
		"appsecret":     {b.cfg.AppSecret},
		"tr_id":         {trID},
		"custtype":      {"P"},
	}
	if trCont != "" {
		hdr["tr_cont"] = []string{trCont}
	}

	var respHdr http.Header
	err = b.send(ctx, method, path, q, body, hdr, out, &respHdr)
	var se *statusError
	if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || strings.Contains(se.Body, "EGW00123")) {
		b.tokens.Invalidate()
	}
	return respHdr, err
}

// send issues one rate-limited request and decodes a JSON answer into out.
// The optional trailing argument receives the response headers.
func (b *KISBroker) send(ctx context.Context, method, path string, q url.Values, body any, hdr http.Header, out any, respHdr ...*http.Header) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	u := b.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	// KIS header names are lower-case and case-sensitive on some gateways.
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{Status: resp.StatusCode, Body: string(raw)}
	}
	if len(respHdr) > 0 && respHdr[0] != nil {
		*respHdr[0] = resp.Header
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func parseKISFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// quoteExchange maps an order exchange code onto the quotation exchange code.
func quoteExchange(orderExchange string) string {
	switch strings.ToUpper(orderExchange) {
	case "NYSE":
		return "NYS"
	case "AMEX":
		return "AMS"
	default:
		return "NAS"
	}
}
