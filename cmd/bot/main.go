// Command bot runs the NIFTY strangle paper-trading engine: the IST
// scheduler, the position monitor and the manual-override control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/niftyterm/gamma_strangler/internal/broker"
	"github.com/niftyterm/gamma_strangler/internal/config"
	"github.com/niftyterm/gamma_strangler/internal/control"
	"github.com/niftyterm/gamma_strangler/internal/engine"
	"github.com/niftyterm/gamma_strangler/internal/logging"
	"github.com/niftyterm/gamma_strangler/internal/notify"
	"github.com/niftyterm/gamma_strangler/internal/retry"
	"github.com/niftyterm/gamma_strangler/internal/scheduler"
	"github.com/niftyterm/gamma_strangler/internal/storage"
	"github.com/niftyterm/gamma_strangler/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		Level:   cfg.Environment.LogLevel,
		Format:  cfg.Environment.LogFormat,
		LogFile: cfg.Environment.LogFile,
	})
	logger.WithField("mode", cfg.Environment.Mode).Info("starting NIFTY strangle bot (paper only)")

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("bot exited with error")
	}
	logger.Info("bot stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("loading timezone: %w", err)
	}

	token := cfg.Broker.AccessToken
	if token == "" {
		// No token configured: perform the headless TOTP login flow.
		logger.Info("no access token configured, attempting headless login")
		token, err = broker.NewLoginClient(logger).Login(ctx, broker.LoginCredentials{
			ClientID:   cfg.Broker.ClientID,
			PIN:        cfg.Broker.PIN,
			TOTPSecret: cfg.Broker.TOTPSecret,
			SecretKey:  cfg.Broker.SecretKey,
		})
		if err != nil {
			return fmt.Errorf("headless login: %w", err)
		}
	}

	gateway, err := broker.NewFyersGateway(broker.GatewayOptions{
		ClientID:     cfg.Broker.ClientID,
		AccessToken:  token,
		BaseURL:      cfg.Broker.BaseURL,
		SpotSymbol:   cfg.Strategy.SpotSymbol,
		OptionPrefix: cfg.Strategy.OptionPrefix,
		Timeout:      cfg.BrokerTimeout(),
		Paper:        cfg.Environment.Mode == "paper",
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}
	protected := broker.NewCircuitBreakerBroker(gateway, logger)

	if ok, err := protected.ValidateToken(ctx); err != nil {
		logger.WithError(err).Warn("token validation failed; continuing, market data may be unavailable")
	} else if !ok {
		return fmt.Errorf("gateway rejected the access token")
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("closing storage")
		}
	}()

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		notifier = notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
	}

	selectorCfg := strategy.SelectorConfig{
		CEDeltaTarget:    cfg.Strategy.CEDeltaTarget,
		PEDeltaTarget:    cfg.Strategy.PEDeltaTarget,
		HedgeDeltaTarget: cfg.Strategy.HedgeDeltaTarget,
		StrikeInterval:   cfg.Strategy.StrikeInterval,
		OffsetPoints:     cfg.Strategy.OffsetPoints,
	}
	defense := strategy.NewGammaDefenseEngine(strategy.DefenseConfig{
		L1SpotMovePct: cfg.Strategy.L1SpotMovePct,
		L1PremiumRise: cfg.Strategy.L1PremiumRise,
		L2DeltaLimit:  cfg.Strategy.L2DeltaLimit,
		L3SpotMovePct: cfg.Strategy.L3SpotMovePct,
		L3Window:      time.Duration(cfg.Strategy.L3WindowMinutes) * time.Minute,
	}, strategy.NewRollPolicy(selectorCfg))

	eng, err := engine.New(engine.Config{
		MaxTradesPerDay: cfg.Risk.MaxTradesPerDay,
		QuantityPerLeg:  cfg.QuantityPerLeg(),
		OffsetCutoff:    cfg.Strategy.OffsetCutoff,
		OffsetTargetPct: cfg.Strategy.OffsetTargetPct,
		OffsetStopMult:  cfg.Strategy.OffsetStopMult,
		Location:        loc,
		Retry: retry.Config{
			MaxAttempts:    cfg.Broker.MaxRetries,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			Timeout:        25 * time.Second,
		},
	}, engine.Deps{
		Gateway:  protected,
		Store:    store,
		Notifier: notifier,
		Selector: strategy.NewStrikeSelector(selectorCfg),
		Risk: strategy.NewRiskAccountant(strategy.RiskConfig{
			Capital:       cfg.Risk.Capital,
			RiskPctPerDay: cfg.Risk.RiskPctPerDay,
			L1SpotMovePct: cfg.Strategy.L1SpotMovePct,
			L1PremiumRise: cfg.Strategy.L1PremiumRise,
			L2DeltaLimit:  cfg.Strategy.L2DeltaLimit,
			L3SpotMovePct: cfg.Strategy.L3SpotMovePct,
		}),
		Defense: defense,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	sched := scheduler.New(loc, logger)
	if err := wireSchedule(sched, cfg, eng); err != nil {
		return fmt.Errorf("wiring schedule: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(ctx)
	})

	if cfg.Control.Port > 0 {
		api := control.NewServer(control.Config{
			Port:      cfg.Control.Port,
			AuthToken: cfg.Control.AuthToken,
		}, eng, store, strategy.NewMarginAggregator(protected), logger)
		g.Go(func() error {
			if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return api.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// wireSchedule binds the daily timetable to engine operations. Each event
// fires at most once per IST day; a late start catches up in order.
func wireSchedule(sched *scheduler.Scheduler, cfg *config.Config, eng *engine.Engine) error {
	events := []struct {
		name    string
		at      string
		handler scheduler.Handler
	}{
		// Market open clears yesterday's state before anything else runs.
		{"market_open", cfg.Schedule.MarketOpen, eng.ResetDay},
		{"strategy_start", cfg.Schedule.StrategyStart, func(context.Context) error { return eng.Start() }},
		{"no_new_trades", cfg.Schedule.NoNewTrades, func(context.Context) error { return eng.Stop() }},
		{"force_close", cfg.Schedule.ForceClose, func(ctx context.Context) error {
			return eng.CloseAllPositions(ctx, engine.CloseReasonForceClose)
		}},
		{"eod_report", cfg.Schedule.EODReport, func(ctx context.Context) error {
			_, err := eng.GenerateEODSummary(ctx)
			return err
		}},
	}
	for _, e := range events {
		if err := sched.AddEvent(e.name, e.at, e.handler); err != nil {
			return err
		}
	}
	return sched.SetMonitor(cfg.Schedule.MarketOpen, cfg.Schedule.ForceClose, cfg.MonitorInterval(), eng.MonitorTick)
}
