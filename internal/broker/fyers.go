package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/niftyterm/gamma_strangler/internal/util"
)

// tickSize is the NSE option tick. Paper fills are rounded to it so simulated
// prices stay on the exchange grid.
const tickSize = 0.05

// istZone dates option symbols; NSE expiries are IST calendar days.
var istZone = time.FixedZone("IST", int(5.5*3600))

// ErrLiveModeRequested is returned when a gateway is constructed without the
// paper flag. There is no live mode; the constructor refuses to build one.
var ErrLiveModeRequested = errors.New("broker: live trading is not supported, gateway is paper-only")

// FyersGateway implements Broker against the Fyers v3 REST API for market
// data, with synthetic paper fills for orders.
type FyersGateway struct {
	client       *http.Client
	logger       *logrus.Logger
	clientID     string
	accessToken  string
	baseURL      string
	spotSymbol   string
	optionPrefix string
	strikeCount  int
	paper        bool
}

// GatewayOptions configures a FyersGateway.
type GatewayOptions struct {
	ClientID     string
	AccessToken  string
	BaseURL      string
	SpotSymbol   string
	OptionPrefix string
	StrikeCount  int
	Timeout      time.Duration
	// Paper must be true. It exists so the invariant is asserted explicitly
	// at the one place a gateway can be built.
	Paper  bool
	Logger *logrus.Logger
}

// NewFyersGateway builds the paper gateway. Construction fails unless
// opts.Paper is set: an order placed through this client can never reach a
// live endpoint because no order-placement HTTP path exists at all.
func NewFyersGateway(opts GatewayOptions) (*FyersGateway, error) {
	if !opts.Paper {
		return nil, ErrLiveModeRequested
	}
	if opts.ClientID == "" {
		return nil, errors.New("broker: client_id is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api-t1.fyers.in/api/v3"
	}
	if opts.SpotSymbol == "" {
		opts.SpotSymbol = "NSE:NIFTY50-INDEX"
	}
	if opts.OptionPrefix == "" {
		opts.OptionPrefix = "NSE:NIFTY"
	}
	if opts.StrikeCount == 0 {
		opts.StrikeCount = 20
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &FyersGateway{
		client:       &http.Client{Timeout: opts.Timeout},
		logger:       opts.Logger,
		clientID:     opts.ClientID,
		accessToken:  opts.AccessToken,
		baseURL:      opts.BaseURL,
		spotSymbol:   opts.SpotSymbol,
		optionPrefix: opts.OptionPrefix,
		strikeCount:  opts.StrikeCount,
		paper:        true,
	}, nil
}

// Ensure FyersGateway implements Broker at compile time.
var _ Broker = (*FyersGateway)(nil)

type quotesResponse struct {
	S string `json:"s"`
	D []struct {
		V struct {
			LP float64 `json:"lp"`
		} `json:"v"`
	} `json:"d"`
}

// GetSpot returns the NIFTY index last price.
func (g *FyersGateway) GetSpot(ctx context.Context) (float64, error) {
	var resp quotesResponse
	path := fmt.Sprintf("/data/quotes?symbols=%s", g.spotSymbol)
	if err := g.doGet(ctx, path, &resp); err != nil {
		return 0, fmt.Errorf("fetching spot: %w", err)
	}
	if resp.S != "ok" || len(resp.D) == 0 {
		return 0, fmt.Errorf("fetching spot: empty quote response")
	}
	return resp.D[0].V.LP, nil
}

type chainResponse struct {
	S    string `json:"s"`
	Data struct {
		ExpiryData []struct {
			Date   string `json:"date"`
			Expiry string `json:"expiry"` // epoch seconds
		} `json:"expiryData"`
		OptionsChain []struct {
			Symbol      string  `json:"symbol"`
			StrikePrice float64 `json:"strike_price"`
			OptionType  string  `json:"option_type"`
			LTP         float64 `json:"ltp"`
			Delta       float64 `json:"delta"`
			Gamma       float64 `json:"gamma"`
		} `json:"optionsChain"`
	} `json:"data"`
}

// GetOptionChain returns the nearest-expiry chain with greeks. Entries with
// no traded price are dropped so callers never act on a dead quote.
func (g *FyersGateway) GetOptionChain(ctx context.Context) ([]Option, error) {
	var resp chainResponse
	path := fmt.Sprintf("/data/options-chain-v3?symbol=%s&strikecount=%d", g.spotSymbol, g.strikeCount)
	if err := g.doGet(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("fetching option chain: %w", err)
	}
	if resp.S != "ok" {
		return nil, fmt.Errorf("fetching option chain: gateway status %q", resp.S)
	}

	expiry := nearestExpiry(resp)
	chain := make([]Option, 0, len(resp.Data.OptionsChain))
	for _, row := range resp.Data.OptionsChain {
		if row.LTP <= 0 || row.StrikePrice <= 0 {
			continue
		}
		var optType OptionType
		switch row.OptionType {
		case "CE":
			optType = OptionTypeCall
		case "PE":
			optType = OptionTypePut
		default:
			continue
		}
		symbol := row.Symbol
		if symbol == "" {
			// Some chain rows arrive without a symbol; rebuild it from the
			// nearest expiry rather than dropping a live quote.
			if expiry.IsZero() {
				continue
			}
			symbol = util.OptionSymbol(g.optionPrefix, expiry, row.StrikePrice, row.OptionType)
		}
		chain = append(chain, Option{
			Symbol:    symbol,
			Strike:    row.StrikePrice,
			Type:      optType,
			Delta:     row.Delta,
			Gamma:     row.Gamma,
			LastPrice: row.LTP,
		})
	}
	return chain, nil
}

// nearestExpiry parses the first expiry the chain response advertises.
func nearestExpiry(resp chainResponse) time.Time {
	for _, e := range resp.Data.ExpiryData {
		epoch, err := strconv.ParseInt(e.Expiry, 10, 64)
		if err != nil || epoch <= 0 {
			continue
		}
		return time.Unix(epoch, 0).In(istZone)
	}
	return time.Time{}
}

// PlaceOrder fills the leg synthetically at its last traded price. There is
// deliberately no HTTP call here.
func (g *FyersGateway) PlaceOrder(_ context.Context, req OrderRequest) (*OrderFill, error) {
	if !g.paper {
		// Unreachable by construction; kept as a hard stop.
		return nil, ErrLiveModeRequested
	}
	if req.Symbol == "" || req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid order request: symbol=%q qty=%d", req.Symbol, req.Quantity)
	}
	fill := &OrderFill{
		OrderID:   "PAPER-" + uuid.NewString()[:8],
		Symbol:    req.Symbol,
		Quantity:  req.Quantity,
		Side:      req.Side,
		FillPrice: util.RoundToTick(req.LastPrice, tickSize),
	}
	g.logger.WithFields(logrus.Fields{
		"order_id": fill.OrderID,
		"symbol":   fill.Symbol,
		"qty":      fill.Quantity,
		"side":     fill.Side,
		"price":    fill.FillPrice,
	}).Info("paper fill")
	return fill, nil
}

type marginRequest struct {
	Data []marginLeg `json:"data"`
}

type marginLeg struct {
	Symbol      string  `json:"symbol"`
	Qty         int     `json:"qty"`
	Side        int     `json:"side"`
	Type        int     `json:"type"`
	ProductType string  `json:"productType"`
	LimitPrice  float64 `json:"limitPrice"`
	StopLoss    float64 `json:"stopLoss"`
}

type marginResponse struct {
	S    string `json:"s"`
	Data struct {
		SpanMargin     float64 `json:"span_margin"`
		ExposureMargin float64 `json:"exposure_margin"`
		MarginTotal    float64 `json:"margin_total"`
		HedgeBenefit   float64 `json:"hedge_benefit"`
	} `json:"data"`
	Message string `json:"message"`
}

// ComputeBasketMargin sends all legs in one request so the exchange applies
// hedge netting across the basket.
func (g *FyersGateway) ComputeBasketMargin(ctx context.Context, legs []BasketLeg) (*MarginBreakdown, error) {
	if len(legs) == 0 {
		return nil, errors.New("margin basket is empty")
	}
	req := marginRequest{Data: make([]marginLeg, 0, len(legs))}
	for _, l := range legs {
		req.Data = append(req.Data, marginLeg{
			Symbol:      l.Symbol,
			Qty:         l.Quantity,
			Side:        int(l.Side),
			Type:        2, // market
			ProductType: "MARGIN",
		})
	}

	var resp marginResponse
	if err := g.doPost(ctx, "/multiorder/margin", req, &resp); err != nil {
		return nil, fmt.Errorf("computing basket margin: %w", err)
	}
	if resp.S != "ok" {
		return nil, fmt.Errorf("computing basket margin: %s", resp.Message)
	}
	return &MarginBreakdown{
		SpanMargin:     resp.Data.SpanMargin,
		ExposureMargin: resp.Data.ExposureMargin,
		TotalRequired:  resp.Data.MarginTotal,
		HedgeBenefit:   resp.Data.HedgeBenefit,
	}, nil
}

type profileResponse struct {
	S string `json:"s"`
}

// ValidateToken checks the session by fetching the profile endpoint.
func (g *FyersGateway) ValidateToken(ctx context.Context) (bool, error) {
	var resp profileResponse
	if err := g.doGet(ctx, "/profile", &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return false, nil
		}
		return false, err
	}
	return resp.S == "ok", nil
}

func (g *FyersGateway) doGet(ctx context.Context, path string, out interface{}) error {
	return g.do(ctx, http.MethodGet, path, nil, out)
}

func (g *FyersGateway) doPost(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return g.do(ctx, http.MethodPost, path, bytes.NewReader(payload), out)
}

func (g *FyersGateway) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", g.clientID+":"+g.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
