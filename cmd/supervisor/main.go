// Command supervisor wires C1-C9 and the external chat/social control
// surface into one running process: it is the composition root cmd/
// main.go plays for the HTTP API, adapted here to start background
// components under C8 instead of a Gin router.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"botcore/internal/airouter"
	"botcore/internal/breaker"
	"botcore/internal/chatadapter"
	"botcore/internal/config"
	"botcore/internal/errs"
	"botcore/internal/eventbus"
	"botcore/internal/learning"
	"botcore/internal/llm"
	"botcore/internal/lockmanager"
	"botcore/internal/logger"
	"botcore/internal/loops"
	"botcore/internal/monitoring"
	"botcore/internal/ollama"
	"botcore/internal/store"
	"botcore/internal/supervisor"
	"botcore/internal/trade"
	"botcore/internal/tracing"
)

// Exit codes: 0 clean shutdown, 1 an unclassified startup/runtime
// failure, 2 durable state the process could not trust (a corrupt or
// unrecoverable store/learning file), 3 a required component the
// supervisor gave up restarting.
const (
	exitOK                = 0
	exitGeneralFailure    = 1
	exitPersistenceFailed = 2
	exitComponentFatal    = 3
)

func main() {
	settings, err := config.Load()
	if err != nil {
		log.Fatalf("config.Load: %v", err)
	}

	shutdownTracing, err := tracing.Setup("botcore-supervisor")
	if err != nil {
		log.Fatalf("tracing.Setup: %v", err)
	}

	db := openOptionalDB(settings)
	appLog := logger.NewLogger("supervisor", db)
	appLog.Info("starting botcore supervisor")

	st, err := store.Open(settings.StoreDir)
	if err != nil {
		fatal(appLog, "store.Open failed", err)
	}

	locks, err := lockmanager.New(settings.LockDir, settings.LockTTL)
	if err != nil {
		fatal(appLog, "lockmanager.New failed", err)
	}
	locks.StartHeartbeat(settings.LockTTL / 3)
	locks.StartReaper(settings.LockTTL)

	bus := eventbus.New(appLog)
	if settings.RedisAddr != "" {
		if _, err := eventbus.NewRedisRelay(bus, settings.RedisAddr, appLog); err != nil {
			appLog.Warn("redis relay unavailable, continuing with in-process bus only", "error", err.Error())
		}
	}

	learnings, err := learning.Open(settings.LearningDir, settings.LearningAlpha)
	if err != nil {
		fatal(appLog, "learning.Open failed", err)
	}
	if db != nil {
		if idx, err := learning.NewIndex(db); err != nil {
			appLog.Warn("learning index init failed, continuing file-only", "error", err.Error())
		} else if err := learnings.AttachIndex(idx); err != nil {
			appLog.Warn("learning index attach failed, continuing file-only", "error", err.Error())
		}
	}

	auditLogger := logger.NewAuditLogger(db, bus)
	auditLogger.Start()

	flags := config.DefaultFeatureFlags()

	var cfgManager *config.Manager
	breakerFailureThreshold := settings.BreakerFailureThreshold
	breakerCooldown := settings.BreakerCooldown
	if db != nil {
		if mgr, err := config.NewManager(db, "botcore-supervisor"); err != nil {
			appLog.Warn("dynamic config manager unavailable, using static settings", "error", err.Error())
		} else {
			cfgManager = mgr
			breakerFailureThreshold = cfgManager.GetInt("breaker_failure_threshold", breakerFailureThreshold)
			breakerCooldown = time.Duration(cfgManager.GetInt("breaker_cooldown_seconds", int(breakerCooldown/time.Second))) * time.Second
		}
	}

	sampler := monitoring.NewSampler(settings.StoreDir)
	sup := supervisor.New(bus, appLog, sampler)

	router := airouter.New(appLog, 30*time.Second, breaker.Config{
		FailureThreshold: breakerFailureThreshold,
		RecoveryTimeout:  breakerCooldown,
	})
	router.Register(airouter.NewOllamaProvider(ollama.NewClientFromEnv(), settings.OllamaModel,
		airouter.TaskSentiment, airouter.TaskSummarize, airouter.TaskModeration, airouter.TaskChat),
		rate.NewLimiter(rate.Limit(5), 5))
	if settings.OpenAIAPIKey != "" {
		openaiClient := llm.NewOpenAIClient(settings.OpenAIAPIKey, settings.OpenAIBaseURL, settings.OpenAIModel)
		router.Register(airouter.NewOpenAIProvider(openaiClient, settings.OpenAIModel, 0.15,
			airouter.TaskTradeReason, airouter.TaskChat, airouter.TaskEmbedding),
			rate.NewLimiter(rate.Limit(3), 3))
	}

	prices := trade.NewPriceCache(time.Minute, appLog)
	venue := buildVenue(settings, flags, prices)

	engine, err := trade.New(st, locks, bus, venue, prices, trade.Config{
		MaxPositions: settings.MaxOpenPositions,
		Trailing:     trade.DefaultTrailingParams(),
		Guard:        trade.DefaultGuardConfig(),
		LockTTL:      settings.LockTTL,
	}, appLog)
	if err != nil {
		fatal(appLog, "trade.New failed", err)
	}
	tradeWorker := trade.NewWorker(engine, bus, appLog, trade.WorkerConfig{})

	hub := chatadapter.New(bus, sup, engine, appLog)

	moderationLoop := loops.NewModerationLoop(bus, router, st, appLog, loops.ModerationConfig{})
	regimeLoop := loops.NewRegimeLoop(bus, st, appLog, loops.RegimeConfig{})
	selfTuningLoop := loops.NewSelfTuningLoop(st, learnings, realizedPnLEvaluator(engine), appLog,
		loops.SelfTuningConfig{}, defaultTunables())

	registerOrFatal(sup, tradeWorker, supervisor.ComponentConfig{Name: "trade_engine"})
	registerOrFatal(sup, moderationLoop, supervisor.ComponentConfig{Name: "moderation_loop", Dependencies: []string{"trade_engine"}})
	registerOrFatal(sup, regimeLoop, supervisor.ComponentConfig{Name: "regime_loop", Dependencies: []string{"trade_engine"}})
	registerOrFatal(sup, selfTuningLoop, supervisor.ComponentConfig{Name: "self_tuning_loop", Dependencies: []string{"trade_engine"}})
	registerOrFatal(sup, hub, supervisor.ComponentConfig{Name: "chat_adapter", Dependencies: []string{"trade_engine"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		fatal(appLog, "supervisor.Start failed", err)
	}

	httpServer := &http.Server{Addr: settings.HTTPAddr, Handler: hub.Router()}
	go func() {
		appLog.Info("chat control surface listening", "addr", settings.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Error("chat control surface stopped", err)
		}
	}()

	fatalComponent := watchForFatalComponent(ctx, sup, appLog)

	exitCode := exitOK
	select {
	case <-waitForShutdownSignalCh():
		appLog.Info("shutdown signal received")
	case name := <-fatalComponent:
		appLog.Error("required component reached fatal state, shutting down",
			fmt.Errorf("component %q exhausted its restart budget", name))
		exitCode = exitComponentFatal
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	httpServer.Shutdown(shutdownCtx)
	shutdownCancel()

	sup.Shutdown()
	if cfgManager != nil {
		cfgManager.Close()
	}
	locks.Stop()
	shutdownTracing(context.Background())
	appLog.Info("botcore supervisor stopped")

	if exitCode != exitOK {
		os.Exit(exitCode)
	}
}

// watchForFatalComponent polls sup.Status() for any component the
// supervisor has given up restarting and reports its name on the
// returned channel, once, the first time it happens.
func watchForFatalComponent(ctx context.Context, sup *supervisor.Supervisor, appLog *logger.Logger) <-chan string {
	ch := make(chan string, 1)
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if fatal := sup.FatalComponents(); len(fatal) > 0 {
					appLog.Warn("fatal component detected", "components", fatal)
					ch <- fatal[0]
					return
				}
			}
		}
	}()
	return ch
}

func waitForShutdownSignalCh() <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		waitForShutdownSignal()
		ch <- struct{}{}
	}()
	return ch
}

// buildVenue returns the paper-trading venue. A real exchange adapter
// sits outside this module's boundary (trade.Venue is deliberately a
// thin quote/fill interface with no wire protocol specified), so every
// deployment short of one wiring a concrete adapter into trade.Venue
// runs against the simulated fill engine; settings.VenueBaseURL is
// reserved for that adapter once it exists.
func buildVenue(settings *config.Settings, flags *config.FeatureFlags, prices *trade.PriceCache) trade.Venue {
	_ = settings.VenueBaseURL
	_ = flags.SandboxMode
	return trade.NewPaperVenue(prices, decimal.NewFromFloat(0.001), 25)
}

// fatal logs a startup or runtime failure the process cannot recover
// from and exits with a code reflecting err's errs.Kind: corrupt or
// unrecoverable durable state exits 2, everything else exits 1.
func fatal(appLog *logger.Logger, msg string, err error) {
	appLog.Error(msg, err)
	if errs.KindOf(err) == errs.Persistence {
		os.Exit(exitPersistenceFailed)
	}
	os.Exit(exitGeneralFailure)
}

func registerOrFatal(sup *supervisor.Supervisor, worker supervisor.Worker, cfg supervisor.ComponentConfig) {
	if err := sup.Register(worker, cfg); err != nil {
		log.Fatalf("supervisor.Register(%s): %v", cfg.Name, err)
	}
}

func openOptionalDB(settings *config.Settings) *gorm.DB {
	if settings.LearningPostgresDSN == "" {
		return nil
	}
	db, err := gorm.Open(postgres.Open(settings.LearningPostgresDSN), &gorm.Config{})
	if err != nil {
		return nil
	}
	return db
}

// realizedPnLEvaluator scores the self-tuning loop's current tunables by
// the total realized P&L of every closed position, the simplest
// performance signal trade.Engine's own bookkeeping can answer without
// a dedicated analytics store. Closed positions carry their exit price
// in CurrentPrice, so P&L is recovered with the same entry/exit/side
// arithmetic trade.Engine itself applies when a position closes.
func realizedPnLEvaluator(engine *trade.Engine) loops.Evaluator {
	return func(ctx context.Context) (float64, error) {
		positions, err := engine.Positions(trade.PositionFilter{Status: "closed"})
		if err != nil {
			return 0, err
		}
		total := decimal.Zero
		for _, p := range positions {
			if p.Side == "short" {
				total = total.Add(p.EntryPrice.Sub(p.CurrentPrice).Mul(p.Quantity))
			} else {
				total = total.Add(p.CurrentPrice.Sub(p.EntryPrice).Mul(p.Quantity))
			}
		}
		f, _ := total.Float64()
		return f, nil
	}
}

func defaultTunables() []loops.Tunable {
	return []loops.Tunable{
		{Key: "trailing.trail_pct", Default: 0.05, Min: 0.01, Max: 0.20, Step: 0.01},
		{Key: "trailing.break_even_gain", Default: 0.10, Min: 0.02, Max: 0.30, Step: 0.02},
	}
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
