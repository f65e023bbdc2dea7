package control

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyterm/gamma_strangler/internal/broker"
	"github.com/niftyterm/gamma_strangler/internal/engine"
	"github.com/niftyterm/gamma_strangler/internal/models"
	"github.com/niftyterm/gamma_strangler/internal/retry"
	"github.com/niftyterm/gamma_strangler/internal/storage"
	"github.com/niftyterm/gamma_strangler/internal/strategy"
)

var ist = time.FixedZone("IST", int(5.5*3600))

func newTestServer(t *testing.T, authToken string) (*Server, *storage.MockStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mock := broker.NewMockBroker(24700)
	store := storage.NewMockStore()

	selectorCfg := strategy.SelectorConfig{
		CEDeltaTarget:    0.22,
		PEDeltaTarget:    -0.22,
		HedgeDeltaTarget: 0.10,
		StrikeInterval:   50,
		OffsetPoints:     100,
	}
	eng, err := engine.New(engine.Config{
		MaxTradesPerDay: 2,
		QuantityPerLeg:  75,
		OffsetCutoff:    "09:45",
		OffsetTargetPct: 0.30,
		OffsetStopMult:  1.5,
		Location:        ist,
		Retry: retry.Config{
			MaxAttempts:    1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Timeout:        time.Second,
		},
	}, engine.Deps{
		Gateway:  mock,
		Store:    store,
		Selector: strategy.NewStrikeSelector(selectorCfg),
		Risk: strategy.NewRiskAccountant(strategy.RiskConfig{
			Capital:       500000,
			RiskPctPerDay: 2,
			L1SpotMovePct: 0.006,
			L1PremiumRise: 0.40,
			L2DeltaLimit:  0.35,
			L3SpotMovePct: 0.012,
		}),
		Defense: strategy.NewGammaDefenseEngine(strategy.DefenseConfig{
			L1SpotMovePct: 0.006,
			L1PremiumRise: 0.40,
			L2DeltaLimit:  0.35,
			L3SpotMovePct: 0.012,
			L3Window:      45 * time.Minute,
		}, strategy.NewRollPolicy(selectorCfg)),
		Logger: logger,
	})
	require.NoError(t, err)

	server := NewServer(Config{Port: 8080, AuthToken: authToken},
		eng, store, strategy.NewMarginAggregator(mock), logger)
	return server, store
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	rec := doRequest(t, s, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/status?token=secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "token also accepted as a query param")

	rec = doRequest(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health probes skip auth")
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap engine.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, models.PhaseIdle, snap.Phase)
	assert.Equal(t, 2, snap.MaxTrades)
	assert.Zero(t, snap.OpenTrades)
}

func TestLifecycleEndpoints(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "double start")

	rec = doRequest(t, s, http.MethodPost, "/api/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "IDLE", body["phase"])
}

func TestEntryDeclinedWhileIdle(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodPost, "/api/entry", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["declined"], "IDLE")
}

func TestEntryAndClose(t *testing.T) {
	s, _ := newTestServer(t, "")
	require.Equal(t, http.StatusOK, doRequest(t, s, http.MethodPost, "/api/start", nil).Code)

	rec := doRequest(t, s, http.MethodPost, "/api/entry", entryRequest{Variant: models.VariantRegular})
	require.Equal(t, http.StatusCreated, rec.Code)

	var trade models.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trade))
	assert.Equal(t, models.VariantRegular, trade.Variant)
	assert.Len(t, trade.Legs, 4)

	rec = doRequest(t, s, http.MethodGet, "/api/trades/"+trade.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/trades/"+trade.ID+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var closeBody map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closeBody))
	_, ok := closeBody["realized_pnl"]
	assert.True(t, ok)

	rec = doRequest(t, s, http.MethodPost, "/api/trades/"+trade.ID+"/close", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "already closed")

	rec = doRequest(t, s, http.MethodPost, "/api/trades/missing/close", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTradeListingFilters(t *testing.T) {
	s, _ := newTestServer(t, "")
	require.Equal(t, http.StatusOK, doRequest(t, s, http.MethodPost, "/api/start", nil).Code)
	require.Equal(t, http.StatusCreated, doRequest(t, s, http.MethodPost, "/api/entry", entryRequest{Variant: models.VariantRegular}).Code)

	rec := doRequest(t, s, http.MethodGet, "/api/trades?open=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var open []*models.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &open))
	assert.Len(t, open, 1)

	rec = doRequest(t, s, http.MethodGet, "/api/trades?date=1999-01-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var none []*models.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &none))
	assert.Empty(t, none)
}

func TestCloseAllEndpoint(t *testing.T) {
	s, store := newTestServer(t, "")
	require.Equal(t, http.StatusOK, doRequest(t, s, http.MethodPost, "/api/start", nil).Code)
	require.Equal(t, http.StatusCreated, doRequest(t, s, http.MethodPost, "/api/entry", entryRequest{Variant: models.VariantRegular}).Code)
	require.Equal(t, http.StatusCreated, doRequest(t, s, http.MethodPost, "/api/entry", entryRequest{Variant: models.VariantSimplifiedOffset}).Code)

	rec := doRequest(t, s, http.MethodPost, "/api/close-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	open, err := store.GetOpenTrades()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMarginEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")
	require.Equal(t, http.StatusOK, doRequest(t, s, http.MethodPost, "/api/start", nil).Code)

	rec := doRequest(t, s, http.MethodPost, "/api/entry", entryRequest{Variant: models.VariantRegular})
	require.Equal(t, http.StatusCreated, rec.Code)
	var trade models.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trade))

	rec = doRequest(t, s, http.MethodGet, "/api/trades/"+trade.ID+"/margin", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.Bytes())

	rec = doRequest(t, s, http.MethodGet, "/api/trades/missing/margin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSummariesEndpoint(t *testing.T) {
	s, store := newTestServer(t, "")
	require.NoError(t, store.UpsertDailySummary(models.DailySummary{
		TradeDate: "2026-08-28", TotalTrades: 2, WinningTrades: 1, NetPnL: -3000, MaxDrawdown: 6250, WinRate: 50,
	}))

	rec := doRequest(t, s, http.MethodGet, "/api/summaries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []models.DailySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "2026-08-28", summaries[0].TradeDate)
}
