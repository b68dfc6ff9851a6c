// Command sentryfw runs the adaptive log-driven web-application firewall:
// it tails an access log, fingerprints and scores each visitor, enforces
// bans against the host packet filter, and serves an admin HTTP API.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rawblock/sentryfw/internal/alert"
	"github.com/rawblock/sentryfw/internal/allowlist"
	"github.com/rawblock/sentryfw/internal/api"
	"github.com/rawblock/sentryfw/internal/chain"
	"github.com/rawblock/sentryfw/internal/config"
	"github.com/rawblock/sentryfw/internal/coordinator"
	"github.com/rawblock/sentryfw/internal/detector"
	"github.com/rawblock/sentryfw/internal/firewall"
	"github.com/rawblock/sentryfw/internal/logtail"
	"github.com/rawblock/sentryfw/internal/scheduler"
	"github.com/rawblock/sentryfw/internal/scoring"
	"github.com/rawblock/sentryfw/internal/store"
	"github.com/rawblock/sentryfw/pkg/models"
)

func main() {
	configPath := getEnvOrDefault("FIREWALL_CONFIG", "/etc/sentryfw/config.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[Main] loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.Store.DSN)
	if err != nil {
		log.Fatalf("[Main] connecting to store: %v", err)
	}
	defer st.Close()

	if err := st.InitSchema(ctx); err != nil {
		log.Fatalf("[Main] initializing schema: %v", err)
	}

	allowList := allowlist.New()
	denyList := allowlist.New()
	warmLoadLists(ctx, st, allowList, denyList, cfg)

	det := detector.New(detectorConfig(cfg.Detector))
	chainMgr := chain.NewManager(st, chain.Config{
		HistoryWindow:      cfg.Fingerprint.HistoryWindow,
		SameBaseCount:      cfg.Fingerprint.SameBaseCount,
		BehaviorChangeRate: cfg.Fingerprint.BehaviorChangeRate,
	})
	scoringEngine := scoring.NewEngine(st, scoringConfig(cfg.Scoring))

	hub := api.NewHub()
	go hub.Run()

	alertMgr := alert.NewManager(hub.Broadcast)
	for _, wh := range cfg.Alerting.Webhooks {
		alertMgr.RegisterWebhook(alert.Webhook{
			Name:        wh.Name,
			URL:         wh.URL,
			Enabled:     true,
			Headers:     wh.Headers,
			MinSeverity: models.Severity(wh.MinSeverity),
		})
	}

	backend, err := firewallBackend(ctx, cfg.Firewall)
	if err != nil {
		log.Fatalf("[Main] initializing firewall backend: %v", err)
	}
	fwExecutor := firewall.NewExecutor(backend, st, allowList, firewall.Config{
		PermanentEscalationThreshold: cfg.Scoring.PermanentEscalationBans,
	}, alertMgr.EmitBan, func(addr string) {})

	handler := api.NewHandler(fwExecutor, scoringEngine, allowList, alertMgr, st, hub, api.Config{
		AuthToken:       cfg.API.AuthToken,
		AllowedOrigins:  "*",
		RateLimitPerMin: cfg.API.RateLimitPerMin,
		RateLimitBurst:  cfg.API.RateLimitBurst,
		EnableSynthetic: cfg.API.EnableSynthetic,
	})
	router := api.SetupRouter(handler)

	coord := coordinator.New(coordinator.DefaultConfig(), allowList, st, chainMgr, nil, det, scoringEngine, fwExecutor, alertMgr)
	coord.SetDenyList(denyList)
	coord.Start(ctx)
	handler.SetEnqueue(coord.Enqueue)

	tailer := logtail.New(cfg.LogSource.Path, logtail.Profile(cfg.LogSource.Format))
	go tailer.Run(ctx)
	go func() {
		for rec := range tailer.Out() {
			coord.Enqueue(ctx, rec)
		}
	}()

	sched := scheduler.New(scheduler.Config{
		BanSweepInterval:   cfg.Scheduler.BanSweepInterval,
		RetentionHorizon:   cfg.Store.RetentionHorizon,
		RetentionHourLocal: cfg.Scheduler.RetentionHourLocal,
	}, fwExecutor, st, st)
	go sched.Run(ctx)

	srv := &http.Server{Addr: cfg.API.Listen, Handler: router}
	go func() {
		log.Printf("[Main] admin API listening on %s", cfg.API.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Main] admin API server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Main] shutdown signal received, draining pipeline")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// Tailer stops first (ctx already cancelled, Out() channel closes),
	// then the worker pool drains whatever it already accepted.
	coord.Wait()
	log.Println("[Main] worker pool drained, exiting")
}

func warmLoadLists(ctx context.Context, st *store.Store, allowList, denyList *allowlist.List, cfg *config.Config) {
	now := time.Now()
	for _, seed := range cfg.AllowList {
		allowList.Add(seed.CIDROrAddr, seed.Description, seed.Reason, now)
	}
	for _, seed := range cfg.DenyList {
		denyList.Add(seed.CIDROrAddr, seed.Description, seed.Reason, now)
	}

	persisted, err := st.LoadAllowEntries(ctx)
	if err != nil {
		log.Printf("[Main] failed to warm-load allow-list from store: %v", err)
	}
	for _, e := range persisted {
		allowList.Add(e.CIDROrAddr, e.Description, e.Reason, e.CreatedAt)
	}

	persistedDeny, err := st.LoadDenyEntries(ctx)
	if err != nil {
		log.Printf("[Main] failed to warm-load deny-list from store: %v", err)
	}
	for _, e := range persistedDeny {
		denyList.Add(e.CIDROrAddr, e.Description, e.Reason, e.CreatedAt)
	}
}

func firewallBackend(ctx context.Context, cfg config.FirewallConfig) (firewall.Backend, error) {
	switch cfg.Backend {
	case "linux":
		return firewall.NewLinuxBackend(ctx, cfg.BansChain, cfg.RateChain, cfg.PortChain, cfg.CommandTimeout)
	case "windows":
		return firewall.NewWindowsBackend(cfg.CommandTimeout), nil
	default:
		return firewall.NewDryRunBackend(), nil
	}
}

func detectorConfig(cfg config.DetectorConfig) detector.Config {
	return detector.Config{
		RateLimit: detector.WindowConfig{
			Window:    time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
			MaxEvents: cfg.RateLimit.MaxEvents,
		},
		PathScan: detector.WindowConfig{
			Window:    time.Duration(cfg.PathScan.WindowSeconds) * time.Second,
			MaxEvents: cfg.PathScan.MaxEvents,
		},
		SQLInjection:   cfg.SQLInjection,
		XSS:            cfg.XSS,
		SensitivePaths: cfg.SensitivePaths,
		BadUserAgents:  cfg.BadUserAgents,
	}
}

func scoringConfig(cfg config.ScoringConfig) scoring.Config {
	baseScores := make(map[models.ThreatType]int, len(cfg.BaseScores))
	for k, v := range cfg.BaseScores {
		baseScores[models.ThreatType(k)] = v
	}
	multipliers := make(map[models.Severity]float64, len(cfg.SeverityMultipliers))
	for k, v := range cfg.SeverityMultipliers {
		multipliers[models.Severity(k)] = v
	}
	return scoring.Config{
		DecayHours:              cfg.DecayHours,
		DecayRate:               cfg.DecayRate,
		BaseScores:              baseScores,
		SeverityMultipliers:     multipliers,
		TemporaryThreshold:      cfg.TemporaryThreshold,
		ExtendedThreshold:       cfg.ExtendedThreshold,
		PermanentThreshold:      cfg.PermanentThreshold,
		TemporaryBanDuration:    cfg.TemporaryBanDuration,
		ExtendedBanDuration:     cfg.ExtendedBanDuration,
		PermanentEscalationBans: cfg.PermanentEscalationBans,
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
