// Package engine coordinates the strangle lifecycle: entries, monitoring,
// gamma defense, exits and the daily governance limits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/niftyterm/gamma_strangler/internal/broker"
	"github.com/niftyterm/gamma_strangler/internal/models"
	"github.com/niftyterm/gamma_strangler/internal/notify"
	"github.com/niftyterm/gamma_strangler/internal/retry"
	"github.com/niftyterm/gamma_strangler/internal/storage"
	"github.com/niftyterm/gamma_strangler/internal/strategy"
)

// Close reasons written to the trade record.
const (
	CloseReasonForceClose = "FORCE_CLOSE"
	CloseReasonTargetHit  = "TARGET_HIT"
	CloseReasonStopLoss   = "STOP_LOSS"
	CloseReasonReset      = "RESET"
	CloseReasonManual     = "MANUAL"
)

// EntryDecline is a refused entry. It is a normal governed outcome, not a
// failure: counters are untouched and the caller may try again later.
type EntryDecline struct {
	Reason string
}

func (e *EntryDecline) Error() string {
	return "entry declined: " + e.Reason
}

// IsDecline reports whether err is an entry decline.
func IsDecline(err error) bool {
	var d *EntryDecline
	return errors.As(err, &d)
}

// Config carries the engine's governance and variant parameters.
type Config struct {
	MaxTradesPerDay int
	QuantityPerLeg  int

	// Entries after the cutoff use the simplified offset variant.
	OffsetCutoff    string // "HH:MM" in Location
	OffsetTargetPct float64
	OffsetStopMult  float64

	Location *time.Location
	Retry    retry.Config
}

// Deps are the engine's collaborators.
type Deps struct {
	Gateway  broker.Broker
	Store    storage.Interface
	Notifier notify.Notifier
	Selector *strategy.StrikeSelector
	Risk     *strategy.RiskAccountant
	Defense  *strategy.GammaDefenseEngine
	Logger   *logrus.Logger
}

// Engine runs the strategy. Public operations are serialized by opMu so a
// manual close and a monitor tick never interleave mid-decision. The state
// mutex mu guards only the in-memory fields below and is never held across a
// gateway, store or notifier call, so snapshot reads stay responsive.
type Engine struct {
	cfg  Config
	deps Deps

	opMu sync.Mutex
	mu   sync.Mutex

	// Guarded by mu.
	phase         models.EnginePhase
	tradesToday   int
	realizedToday float64
	peakNet       float64
	maxDrawdown   float64
	lastSpot      float64
	gwAlertDay    string

	clock func() time.Time
}

// New constructs an idle engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Location == nil {
		return nil, fmt.Errorf("engine: location is required")
	}
	if cfg.MaxTradesPerDay <= 0 || cfg.QuantityPerLeg <= 0 {
		return nil, fmt.Errorf("engine: trade and quantity limits must be positive")
	}
	if _, err := time.ParseInLocation("15:04", cfg.OffsetCutoff, cfg.Location); err != nil {
		return nil, fmt.Errorf("engine: offset cutoff %q: %w", cfg.OffsetCutoff, err)
	}
	if deps.Gateway == nil || deps.Store == nil || deps.Selector == nil || deps.Risk == nil || deps.Defense == nil {
		return nil, fmt.Errorf("engine: missing dependency")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	return &Engine{
		cfg:   cfg,
		deps:  deps,
		phase: models.PhaseIdle,
		clock: time.Now,
	}, nil
}

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() models.EnginePhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Start arms the engine for entries. Valid from IDLE or STOPPED_FOR_DAY.
func (e *Engine) Start() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == models.PhaseRunning {
		return fmt.Errorf("engine already running")
	}
	e.phase = models.PhaseRunning
	e.deps.Logger.WithField("phase", e.phase).Info("engine started")
	return nil
}

// Stop blocks further entries for the day. Open trades remain monitored.
func (e *Engine) Stop() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != models.PhaseRunning {
		return fmt.Errorf("engine not running (phase %s)", e.phase)
	}
	e.phase = models.PhaseStoppedForDay
	e.deps.Logger.WithField("phase", e.phase).Info("engine stopped for the day")
	return nil
}

// ResetDay closes any remaining open trades with reason RESET, zeroes the
// daily counters and returns the engine to IDLE. This is the only way the
// per-day state is reset.
func (e *Engine) ResetDay(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	err := e.closeAll(ctx, CloseReasonReset)

	e.mu.Lock()
	e.phase = models.PhaseIdle
	e.tradesToday = 0
	e.realizedToday = 0
	e.peakNet = 0
	e.maxDrawdown = 0
	e.gwAlertDay = ""
	e.mu.Unlock()

	e.deps.Logger.Info("daily state reset")
	return err
}

// OpenPosition opens a new strangle of the given variant, subject to the
// phase, trade-count and daily-loss gates. A *EntryDecline error means the
// entry was refused by governance, not that anything failed.
func (e *Engine) OpenPosition(ctx context.Context, variant models.Variant) (*models.Trade, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.open(ctx, variant)
}

// open holds opMu. Decision state is read under mu, the gateway and store
// work happens with only opMu held, and counters are updated under mu again
// once the trade is durably recorded.
func (e *Engine) open(ctx context.Context, variant models.Variant) (*models.Trade, error) {
	if !variant.Valid() {
		return nil, fmt.Errorf("invalid variant %q", variant)
	}

	e.mu.Lock()
	phase, tradesToday, realized := e.phase, e.tradesToday, e.realizedToday
	e.mu.Unlock()

	if phase != models.PhaseRunning {
		return nil, &EntryDecline{Reason: fmt.Sprintf("engine is %s", phase)}
	}
	if tradesToday >= e.cfg.MaxTradesPerDay {
		return nil, &EntryDecline{Reason: fmt.Sprintf("daily trade limit %d reached", e.cfg.MaxTradesPerDay)}
	}

	open, err := e.deps.Store.GetOpenTrades()
	if err != nil {
		return nil, fmt.Errorf("loading open trades: %w", err)
	}
	if e.deps.Risk.DailyLossBreached(realized, e.deps.Risk.MTM(open)) {
		return nil, &EntryDecline{Reason: fmt.Sprintf("daily loss limit %.0f reached", e.deps.Risk.MaxDailyLoss())}
	}

	spot, chain, err := e.fetchMarket(ctx)
	if err != nil {
		return nil, fmt.Errorf("market data unavailable: %w", err)
	}

	var sel *strategy.Selection
	if variant == models.VariantSimplifiedOffset {
		sel, err = e.deps.Selector.SelectOffset(chain, spot)
	} else {
		sel, err = e.deps.Selector.SelectRegular(chain, spot)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting strikes: %w", err)
	}

	now := e.clock().In(e.cfg.Location)
	trade := &models.Trade{
		ID:        uuid.NewString(),
		TradeDate: now.Format("2006-01-02"),
		Variant:   sel.Variant,
		EntryTime: now,
		EntrySpot: spot,
		CEStrike:  sel.CEStrike,
		PEStrike:  sel.PEStrike,
		Status:    models.StatusOpen,
	}

	for _, pick := range sel.Legs {
		side := broker.SideSell
		if pick.Side == models.SideBuy {
			side = broker.SideBuy
		}
		fill, err := e.deps.Gateway.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:    pick.Option.Symbol,
			Quantity:  e.cfg.QuantityPerLeg,
			Side:      side,
			LastPrice: pick.Option.LastPrice,
		})
		if err != nil {
			return nil, fmt.Errorf("filling %s: %w", pick.Option.Symbol, err)
		}
		trade.Legs = append(trade.Legs, &models.Position{
			Symbol:       fill.Symbol,
			Strike:       pick.Option.Strike,
			Class:        models.OptionClass(pick.Option.Type),
			Side:         pick.Side,
			IsHedge:      pick.IsHedge,
			EntryPrice:   fill.FillPrice,
			CurrentPrice: fill.FillPrice,
			Quantity:     fill.Quantity,
			Greeks:       models.Greeks{Delta: pick.Option.Delta, Gamma: pick.Option.Gamma},
		})
	}

	trade.PremiumCollected = premiumCollected(trade)
	if err := trade.Validate(); err != nil {
		return nil, fmt.Errorf("constructed trade invalid: %w", err)
	}
	if err := e.deps.Store.CreateTrade(trade); err != nil {
		return nil, fmt.Errorf("persisting trade: %w", err)
	}

	e.mu.Lock()
	e.tradesToday++
	e.mu.Unlock()

	e.deps.Logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"variant":  trade.Variant,
		"ce":       trade.CEStrike,
		"pe":       trade.PEStrike,
		"premium":  trade.PremiumCollected,
	}).Info("opened strangle")
	e.notify(ctx, fmt.Sprintf("Opened %s strangle CE %.0f / PE %.0f, premium %.0f",
		trade.Variant, trade.CEStrike, trade.PEStrike, trade.PremiumCollected))
	return trade, nil
}

// ClosePosition closes one open trade at current prices.
func (e *Engine) ClosePosition(ctx context.Context, tradeID, reason string) (float64, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	trade, err := e.deps.Store.GetTrade(tradeID)
	if err != nil {
		return 0, err
	}
	if trade.Status == models.StatusClosed {
		return 0, fmt.Errorf("trade %s already closed (%s)", trade.ID, trade.CloseReason)
	}

	// Best-effort refresh; a dead gateway must not block a close.
	if _, chain, err := e.fetchMarket(ctx); err == nil {
		refreshLegs(trade, chain)
	}
	return e.closeTrade(ctx, trade, reason)
}

// CloseAllPositions closes every open trade with the given reason. Failures
// on one trade do not stop the others.
func (e *Engine) CloseAllPositions(ctx context.Context, reason string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.closeAll(ctx, reason)
}

func (e *Engine) closeAll(ctx context.Context, reason string) error {
	open, err := e.deps.Store.GetOpenTrades()
	if err != nil {
		return fmt.Errorf("loading open trades: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	_, chain, ferr := e.fetchMarket(ctx)
	var errs []error
	for _, trade := range open {
		if ferr == nil {
			refreshLegs(trade, chain)
		}
		if _, err := e.closeTrade(ctx, trade, reason); err != nil {
			errs = append(errs, fmt.Errorf("trade %s: %w", trade.ID, err))
		}
	}
	return errors.Join(errs...)
}

// closeTrade finalizes a trade at its current leg prices and persists it.
func (e *Engine) closeTrade(ctx context.Context, trade *models.Trade, reason string) (float64, error) {
	pnl := trade.UnrealizedPnL()
	now := e.clock().In(e.cfg.Location)
	if err := trade.Close(pnl, reason, now); err != nil {
		return 0, err
	}
	if err := e.deps.Store.UpdateTrade(trade); err != nil {
		return 0, fmt.Errorf("persisting close: %w", err)
	}

	e.mu.Lock()
	e.realizedToday += pnl
	e.mu.Unlock()

	e.deps.Logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"reason":   reason,
		"pnl":      pnl,
	}).Info("closed strangle")
	e.notify(ctx, fmt.Sprintf("Closed trade CE %.0f / PE %.0f: %s, P&L %+.0f",
		trade.CEStrike, trade.PEStrike, reason, pnl))
	return pnl, nil
}

// MonitorTick is the 30-second heartbeat: refresh prices, run the offset
// variant's target and stop exits, run gamma defense, track the intraday
// drawdown and attempt an entry if the book is flat. A gateway outage skips
// the tick and raises at most one alert per day.
func (e *Engine) MonitorTick(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	spot, chain, err := e.fetchMarket(ctx)
	if err != nil {
		e.alertGatewayDown(ctx, err)
		return nil
	}

	open, err := e.deps.Store.GetOpenTrades()
	if err != nil {
		return fmt.Errorf("loading open trades: %w", err)
	}

	now := e.clock().In(e.cfg.Location)
	for _, trade := range open {
		refreshLegs(trade, chain)
		if err := e.deps.Store.UpdateTrade(trade); err != nil {
			e.deps.Logger.WithError(err).WithField("trade_id", trade.ID).Error("persisting refreshed prices")
			continue
		}

		if trade.Variant == models.VariantSimplifiedOffset {
			if closed := e.checkOffsetExit(ctx, trade); closed {
				continue
			}
		}

		eval := e.deps.Defense.Evaluate(trade, spot, now)
		if eval.Tier == 0 {
			continue
		}
		e.handleTrigger(ctx, trade, eval, chain, spot)
	}

	e.trackDrawdown(open)

	// Flat book while running: try to enter. Declines are routine.
	if e.Phase() == models.PhaseRunning && !anyOpen(open) {
		if _, err := e.open(ctx, e.VariantForTime(now)); err != nil && !IsDecline(err) {
			e.deps.Logger.WithError(err).Warn("scheduled entry failed")
		}
	}
	return nil
}

// checkOffsetExit applies the simplified variant's premium-based target and
// stop. Returns true if the trade was closed.
func (e *Engine) checkOffsetExit(ctx context.Context, trade *models.Trade) bool {
	if trade.PremiumCollected <= 0 {
		return false
	}
	pnl := trade.UnrealizedPnL()
	switch {
	case pnl >= e.cfg.OffsetTargetPct*trade.PremiumCollected:
		_, err := e.closeTrade(ctx, trade, CloseReasonTargetHit)
		if err != nil {
			e.deps.Logger.WithError(err).WithField("trade_id", trade.ID).Error("target exit failed")
			return false
		}
		return true
	case pnl <= -e.cfg.OffsetStopMult*trade.PremiumCollected:
		_, err := e.closeTrade(ctx, trade, CloseReasonStopLoss)
		if err != nil {
			e.deps.Logger.WithError(err).WithField("trade_id", trade.ID).Error("stop exit failed")
			return false
		}
		return true
	}
	return false
}

// handleTrigger executes one defense verdict: force close at max level,
// otherwise apply the policy, bump the level and log the adjustment.
func (e *Engine) handleTrigger(ctx context.Context, trade *models.Trade, eval strategy.Evaluation, chain []broker.Option, spot float64) {
	log := e.deps.Logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"tier":     eval.Tier,
		"reason":   eval.Reason,
	})

	if eval.ForceClose {
		if _, err := e.closeTrade(ctx, trade, strategy.CloseReasonMaxAdjustments); err != nil {
			log.WithError(err).Error("max-adjustment close failed")
			return
		}
		log.Warn("trade force-closed at max adjustment level")
		return
	}

	action, err := e.deps.Defense.Policy().Apply(trade, eval.Tier, chain, spot)
	if err != nil {
		log.WithError(err).Error("adjustment failed; trade left as-is")
		return
	}
	if err := trade.RecordAdjustment(); err != nil {
		log.WithError(err).Error("recording adjustment level")
		return
	}
	if err := e.deps.Store.UpdateTrade(trade); err != nil {
		log.WithError(err).Error("persisting adjusted trade")
		return
	}
	adj := models.Adjustment{
		TradeID:   trade.ID,
		Tier:      eval.Tier,
		Action:    action,
		Timestamp: e.clock().In(e.cfg.Location),
	}
	if err := e.deps.Store.CreateAdjustment(adj); err != nil {
		log.WithError(err).Error("persisting adjustment log entry")
	}
	log.WithField("action", action).Warn("gamma defense adjusted trade")
	e.notify(ctx, fmt.Sprintf("Defense L%d: %s (%s)", eval.Tier, action, eval.Reason))
}

// GenerateEODSummary aggregates the IST day's trades into the daily summary
// row and returns it. The max drawdown comes from the intraday trajectory
// tracked across monitor ticks.
func (e *Engine) GenerateEODSummary(ctx context.Context) (*models.DailySummary, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	date := e.clock().In(e.cfg.Location).Format("2006-01-02")
	trades, err := e.deps.Store.GetTradesForDate(date)
	if err != nil {
		return nil, fmt.Errorf("loading trades for %s: %w", date, err)
	}

	summary := models.DailySummary{TradeDate: date}
	closed := 0
	for _, t := range trades {
		summary.TotalTrades++
		if t.Status != models.StatusClosed {
			continue
		}
		closed++
		summary.NetPnL += t.RealizedPnL
		if t.RealizedPnL > 0 {
			summary.WinningTrades++
		}
	}
	if closed > 0 {
		summary.WinRate = float64(summary.WinningTrades) / float64(closed) * 100
	}

	e.mu.Lock()
	summary.MaxDrawdown = e.maxDrawdown
	e.mu.Unlock()

	if err := e.deps.Store.UpsertDailySummary(summary); err != nil {
		return nil, fmt.Errorf("persisting summary: %w", err)
	}
	if err := e.deps.Notifier.SendEODReport(ctx, summary.TotalTrades, summary.NetPnL, summary.MaxDrawdown, summary.WinRate); err != nil {
		e.deps.Logger.WithError(err).Warn("sending EOD report")
	}
	return &summary, nil
}

// VariantForTime picks the construction for a new entry: regular before the
// cutoff, simplified offset after.
func (e *Engine) VariantForTime(now time.Time) models.Variant {
	now = now.In(e.cfg.Location)
	cutoff, err := time.ParseInLocation("15:04", e.cfg.OffsetCutoff, e.cfg.Location)
	if err != nil {
		return models.VariantRegular
	}
	nowMin := now.Hour()*60 + now.Minute()
	cutMin := cutoff.Hour()*60 + cutoff.Minute()
	if nowMin >= cutMin {
		return models.VariantSimplifiedOffset
	}
	return models.VariantRegular
}

// VariantNow picks the variant for an entry placed right now, on the
// engine's clock.
func (e *Engine) VariantNow() models.Variant {
	return e.VariantForTime(e.clock())
}

// Snapshot is the engine's externally visible state.
type Snapshot struct {
	Phase          models.EnginePhase `json:"phase"`
	TradesToday    int                `json:"trades_today"`
	MaxTrades      int                `json:"max_trades_per_day"`
	RealizedPnL    float64            `json:"realized_pnl"`
	MTM            float64            `json:"mtm"`
	NetDelta       float64            `json:"net_delta"`
	GammaRiskScore float64            `json:"gamma_risk_score"`
	RiskBand       strategy.RiskBand  `json:"risk_band"`
	MaxDailyLoss   float64            `json:"max_daily_loss"`
	MaxDrawdown    float64            `json:"max_drawdown"`
	OpenTrades     int                `json:"open_trades"`
	Spot           float64            `json:"spot"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Status reports the live state without touching the gateway. Risk measures
// are computed from the last persisted prices.
func (e *Engine) Status() (*Snapshot, error) {
	open, err := e.deps.Store.GetOpenTrades()
	if err != nil {
		return nil, fmt.Errorf("loading open trades: %w", err)
	}

	e.mu.Lock()
	snap := &Snapshot{
		Phase:        e.phase,
		TradesToday:  e.tradesToday,
		MaxTrades:    e.cfg.MaxTradesPerDay,
		RealizedPnL:  e.realizedToday,
		MaxDrawdown:  e.maxDrawdown,
		Spot:         e.lastSpot,
		MaxDailyLoss: e.deps.Risk.MaxDailyLoss(),
		Timestamp:    e.clock().In(e.cfg.Location),
	}
	e.mu.Unlock()

	snap.OpenTrades = len(open)
	snap.MTM = e.deps.Risk.MTM(open)
	snap.NetDelta = e.deps.Risk.NetDelta(open)
	snap.GammaRiskScore = e.deps.Risk.GammaRiskScore(open, snap.Spot)
	snap.RiskBand = strategy.Band(snap.GammaRiskScore)
	return snap, nil
}

// fetchMarket pulls spot and chain with retries and remembers the spot for
// status reads.
func (e *Engine) fetchMarket(ctx context.Context) (float64, []broker.Option, error) {
	spot, err := retry.Do(ctx, e.deps.Logger, e.cfg.Retry, "get spot", e.deps.Gateway.GetSpot)
	if err != nil {
		return 0, nil, err
	}
	chain, err := retry.Do(ctx, e.deps.Logger, e.cfg.Retry, "get option chain", e.deps.Gateway.GetOptionChain)
	if err != nil {
		return 0, nil, err
	}

	e.mu.Lock()
	e.lastSpot = spot
	e.mu.Unlock()
	return spot, chain, nil
}

// alertGatewayDown notifies at most once per IST day about a dead gateway.
func (e *Engine) alertGatewayDown(ctx context.Context, cause error) {
	day := e.clock().In(e.cfg.Location).Format("2006-01-02")

	e.mu.Lock()
	already := e.gwAlertDay == day
	e.gwAlertDay = day
	e.mu.Unlock()

	e.deps.Logger.WithError(cause).Warn("gateway unreachable; skipping tick")
	if !already {
		e.notify(ctx, "Gateway unreachable; monitoring is degraded until it recovers")
	}
}

// trackDrawdown updates the intraday peak-to-trough of realized+MTM.
func (e *Engine) trackDrawdown(open []*models.Trade) {
	mtm := e.deps.Risk.MTM(open)

	e.mu.Lock()
	defer e.mu.Unlock()
	net := e.realizedToday + mtm
	if net > e.peakNet {
		e.peakNet = net
	}
	if dd := e.peakNet - net; dd > e.maxDrawdown {
		e.maxDrawdown = dd
	}
}

func (e *Engine) notify(ctx context.Context, text string) {
	if err := e.deps.Notifier.Send(ctx, text); err != nil {
		e.deps.Logger.WithError(err).Warn("notification failed")
	}
}

// refreshLegs updates leg prices and greeks from a chain snapshot. Legs whose
// strike is missing from the snapshot keep their previous quote.
func refreshLegs(trade *models.Trade, chain []broker.Option) {
	for _, leg := range trade.Legs {
		opt := broker.FindOption(chain, leg.Strike, broker.OptionType(leg.Class))
		if opt == nil || opt.LastPrice <= 0 {
			continue
		}
		leg.CurrentPrice = opt.LastPrice
		leg.Greeks = models.Greeks{Delta: opt.Delta, Gamma: opt.Gamma}
	}
}

// premiumCollected is net credit at entry: short premium received minus
// hedge premium paid.
func premiumCollected(trade *models.Trade) float64 {
	total := 0.0
	for _, leg := range trade.Legs {
		amount := leg.EntryPrice * float64(leg.Quantity)
		if leg.Side == models.SideSell {
			total += amount
		} else {
			total -= amount
		}
	}
	return total
}

func anyOpen(trades []*models.Trade) bool {
	for _, t := range trades {
		if t.Status == models.StatusOpen {
			return true
		}
	}
	return false
}
