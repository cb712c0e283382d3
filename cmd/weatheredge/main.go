// Command weatheredge runs the weather-trading engine: fetching
// forecasts, evaluating them against exchange-listed temperature
// contracts, and placing orders within configured risk limits.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/weatheredge/internal/cities"
	"github.com/aristath/weatheredge/internal/config"
	"github.com/aristath/weatheredge/internal/database"
	"github.com/aristath/weatheredge/internal/domain"
	"github.com/aristath/weatheredge/internal/errs"
	"github.com/aristath/weatheredge/internal/exchange"
	"github.com/aristath/weatheredge/internal/gates"
	"github.com/aristath/weatheredge/internal/loop"
	"github.com/aristath/weatheredge/internal/market"
	"github.com/aristath/weatheredge/internal/oms"
	"github.com/aristath/weatheredge/internal/repository"
	"github.com/aristath/weatheredge/internal/risk"
	"github.com/aristath/weatheredge/internal/rollups"
	"github.com/aristath/weatheredge/internal/scheduler"
	"github.com/aristath/weatheredge/internal/server"
	"github.com/aristath/weatheredge/internal/strategy"
	"github.com/aristath/weatheredge/internal/weather"
	"github.com/aristath/weatheredge/pkg/logger"
)

// exit codes, per the CLI surface's documented contract.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitReconcileMism = 2
	exitAuthFailure   = 3
)

// app bundles every wired dependency a subcommand might need, built
// once per invocation from the loaded configuration.
type app struct {
	cfg           *config.Config
	log           zerolog.Logger
	opsDB         *database.DB
	analytics     *database.DB
	ops           *repository.OpsRepository
	analyticsRepo *repository.AnalyticsRepository
	citiesReg     *cities.Registry
	riskEng       *risk.Engine
	exch          *exchange.Client
	omsMgr        *oms.Manager
	weatherP      *weather.Provider
	marketP       *market.Provider
}

func buildApp(mode string, confirmLive bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if mode != "" {
		cfg.Mode = domain.Mode(mode)
	}
	if confirmLive {
		cfg.ConfirmLive = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.Pretty})

	opsDB, err := database.New(database.Config{Path: cfg.DataDir + "/ops.db", Profile: database.ProfileLedger, Name: "ops"})
	if err != nil {
		return nil, fmt.Errorf("%w: opening ops database: %v", errs.ErrConfig, err)
	}
	if err := opsDB.Migrate(); err != nil {
		return nil, fmt.Errorf("%w: migrating ops database: %v", errs.ErrConfig, err)
	}

	analyticsDB, err := database.New(database.Config{Path: cfg.DataDir + "/analytics.db", Profile: database.ProfileStandard, Name: "analytics"})
	if err != nil {
		return nil, fmt.Errorf("%w: opening analytics database: %v", errs.ErrConfig, err)
	}
	if err := analyticsDB.Migrate(); err != nil {
		return nil, fmt.Errorf("%w: migrating analytics database: %v", errs.ErrConfig, err)
	}

	ops := repository.NewOpsRepository(opsDB)
	analyticsRepo := repository.NewAnalyticsRepository(analyticsDB)
	citiesReg := cities.New()

	riskEng := risk.New(risk.Params{
		Bankroll:              cfg.Bankroll,
		MaxTradeRiskPct:       cfg.MaxTradeRiskPct,
		MaxCityExposurePct:    cfg.MaxCityExposurePct,
		MaxClusterExposurePct: cfg.MaxClusterExposurePct,
		MaxDailyLossPct:       cfg.MaxDailyLossPct,
		MaxContractsPerTrade:  cfg.MaxContractsPerTrade,
		RejectBurstWindow:     time.Minute,
		RejectBurstThreshold:  5,
	})

	exch, err := exchange.New(exchange.Config{
		BaseURL: cfg.ExchangeBaseURL, APIKeyID: cfg.ExchangeAPIKeyID, PrivateKeyPEM: cfg.ExchangePrivateKey,
		RateLimitPerSec: cfg.ExchangeRateLimitPerSec, HTTPTimeout: cfg.HTTPTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	omsMgr := oms.New(exch, ops, log)

	weatherP := weather.New(weather.Config{
		BaseURL: cfg.WeatherBaseURL, APIKey: cfg.WeatherAPIKey, CacheTTL: cfg.WeatherCacheTTL,
		StaleCeiling: cfg.WeatherStaleCeiling, RateLimitPerSec: cfg.WeatherRateLimitPerSec, HTTPTimeout: cfg.HTTPTimeout,
	}, log)

	marketP := market.New(market.Config{
		BaseURL: cfg.ExchangeBaseURL, APIKeyID: cfg.ExchangeAPIKeyID, PrivateKey: cfg.ExchangePrivateKey,
		RateLimitPerSec: cfg.ExchangeRateLimitPerSec, HTTPTimeout: cfg.HTTPTimeout,
	}, log)

	return &app{
		cfg: cfg, log: log, opsDB: opsDB, analytics: analyticsDB,
		ops: ops, analyticsRepo: analyticsRepo, citiesReg: citiesReg,
		riskEng: riskEng, exch: exch, omsMgr: omsMgr, weatherP: weatherP, marketP: marketP,
	}, nil
}

func (a *app) Close() {
	_ = a.opsDB.Close()
	_ = a.analytics.Close()
}

func main() {
	var mode string
	var confirmLive bool

	root := &cobra.Command{
		Use:   "weatheredge",
		Short: "Weather-derivative trading engine",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the trading loop and public read model server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(mode, confirmLive)
		},
	}
	runCmd.Flags().StringVar(&mode, "mode", "", "override trading mode (SHADOW, PAPER, LIVE)")
	runCmd.Flags().BoolVar(&confirmLive, "confirm-live", false, "required to run in LIVE mode")

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a one-shot startup reconciliation against the exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			return reconcileCommand()
		},
	}

	rollupsCmd := &cobra.Command{
		Use:   "rollups",
		Short: "Regenerate analytics aggregates for the prior UTC day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rollupsCommand()
		},
	}

	root.AddCommand(runCmd, reconcileCmd, rollupsCmd)

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errs.Is(err, errs.ErrConfig):
		return exitConfigError
	case errs.Is(err, errs.ErrReconcileMismatch):
		return exitReconcileMism
	case errs.Is(err, errs.ErrAuth):
		return exitAuthFailure
	default:
		return exitConfigError
	}
}

func runCommand(mode string, confirmLive bool) error {
	a, err := buildApp(mode, confirmLive)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.log)
	if err := wireScheduledJobs(sched, a); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	var stream *market.QuoteStream
	if a.cfg.ExchangeWSURL != "" {
		stream = market.NewQuoteStream(a.cfg.ExchangeWSURL, nil, a.log)
		a.marketP.AttachStream(stream)
	}

	orch := loop.New(loop.Config{
		Mode:                 a.cfg.Mode,
		CycleInterval:        a.cfg.CycleInterval,
		ErrorSleep:           a.cfg.ErrorSleep,
		RepriceInterval:      a.cfg.RepriceInterval,
		MaxChaseCents:        a.cfg.MaxChaseCents,
		MaxContractsPerTrade: a.cfg.MaxContractsPerTrade,
		CityWorkerPoolSize:   a.cfg.CityWorkerPoolSize,
		CycleBudget:          a.cfg.CycleBudget,
		StrategyParams:       strategy.Params{MaxUncertainty: a.cfg.MaxUncertainty, MinEdge: a.cfg.MinEdgeAfterCosts},
		GatesParams: gates.Params{
			SpreadMaxCents: a.cfg.SpreadMaxCents, LiquidityMin: a.cfg.LiquidityMin,
			MinLiquidityMultiple: a.cfg.MinLiquidityMultiple, MinEdgeAfterCosts: a.cfg.MinEdgeAfterCosts,
		},
		Cities:  a.citiesReg,
		Weather: a.weatherP,
		Market:  a.marketP,
		Risk:    a.riskEng,
		OMS:     a.omsMgr,
		Ops:     a.ops,
		Logger:  a.log,
	})

	srv := server.New(server.Config{Port: a.cfg.Port, Log: a.log, AnalyticsDB: a.analytics, Cities: a.citiesReg, DevMode: false})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if stream != nil {
		stream.Start(ctx)
		defer stream.Stop()
	}

	errCh := make(chan error, 2)
	go func() { errCh <- orch.Run(ctx) }()
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		a.log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			a.log.Error().Err(err).Msg("fatal error, shutting down")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("server forced to shutdown")
	}
	return nil
}

func reconcileCommand() error {
	a, err := buildApp("", false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	open, err := a.ops.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("%w: loading open orders: %v", errs.ErrReconcileMismatch, err)
	}

	adjusted, events, err := a.omsMgr.Reconcile(ctx, open)
	if err != nil {
		return err
	}
	for _, ev := range events {
		ev.ID = uuid.NewString()
		ev.CreatedAt = time.Now()
		if err := a.ops.SaveRiskEvent(ctx, ev); err != nil {
			a.log.Error().Err(err).Msg("failed to persist reconciliation risk event")
		}
	}

	a.log.Info().
		Str("open", humanize.Comma(int64(len(open)))).
		Str("adjusted", humanize.Comma(int64(len(adjusted)))).
		Str("imported", humanize.Comma(int64(len(events)))).
		Msg("reconciliation complete")
	return nil
}

func rollupsCommand() error {
	a, err := buildApp("", false)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs := []scheduler.Job{
		&rollups.DailyRollupJob{Ops: a.ops, Analytics: a.analyticsRepo, Logger: a.log},
		&rollups.ClusterRollupJob{Ops: a.ops, Analytics: a.analyticsRepo, Cities: a.citiesReg, Logger: a.log},
		&rollups.EquityCurveJob{Ops: a.ops, Analytics: a.analyticsRepo, BankrollCents: a.cfg.Bankroll * 100, Logger: a.log},
		&rollups.FillPublisherJob{Ops: a.ops, Analytics: a.analyticsRepo, PublicDelay: a.cfg.PublicDelay, Logger: a.log},
	}
	for _, j := range jobs {
		if err := j.Run(); err != nil {
			return fmt.Errorf("running %s: %w", j.Name(), err)
		}
	}

	pnl, err := a.ops.TotalRealizedPnLThrough(context.Background(), time.Now())
	if err == nil {
		a.log.Info().
			Str("bankroll", humanize.FormatFloat("#,###.##", a.cfg.Bankroll)).
			Str("realized_pnl", humanize.FormatFloat("#,###.##", pnl/100)).
			Msg("rollups complete")
	}
	return nil
}

// wireScheduledJobs registers the engine's background cron jobs: daily
// analytics rollups just after midnight UTC, the public fill feed on a
// short cadence, and the daily risk reset at the same midnight boundary
// the rollups key off of.
func wireScheduledJobs(sched *scheduler.Scheduler, a *app) error {
	dailyRollup := &rollups.DailyRollupJob{Ops: a.ops, Analytics: a.analyticsRepo, Logger: a.log}
	clusterRollup := &rollups.ClusterRollupJob{Ops: a.ops, Analytics: a.analyticsRepo, Cities: a.citiesReg, Logger: a.log}
	equityCurve := &rollups.EquityCurveJob{Ops: a.ops, Analytics: a.analyticsRepo, BankrollCents: a.cfg.Bankroll * 100, Logger: a.log}
	fillPublisher := &rollups.FillPublisherJob{Ops: a.ops, Analytics: a.analyticsRepo, PublicDelay: a.cfg.PublicDelay, Logger: a.log}
	dailyReset := &risk.DailyResetJob{Engine: a.riskEng}

	if err := sched.AddJob("0 5 0 * * *", dailyRollup); err != nil {
		return err
	}
	if err := sched.AddJob("0 6 0 * * *", clusterRollup); err != nil {
		return err
	}
	if err := sched.AddJob("0 7 0 * * *", equityCurve); err != nil {
		return err
	}
	if err := sched.AddJob("0 */5 * * * *", fillPublisher); err != nil {
		return err
	}
	if err := sched.AddJob("0 0 0 * * *", dailyReset); err != nil {
		return err
	}
	return nil
}
