package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/opsdeck/shellgate/internal/audit"
	"github.com/opsdeck/shellgate/internal/config"
	"github.com/opsdeck/shellgate/internal/crypto"
	"github.com/opsdeck/shellgate/internal/database"
	"github.com/opsdeck/shellgate/internal/gateway"
	"github.com/opsdeck/shellgate/internal/handlers"
	"github.com/opsdeck/shellgate/internal/logging"
	"github.com/opsdeck/shellgate/internal/policy"
	"github.com/opsdeck/shellgate/internal/registry"
	"github.com/opsdeck/shellgate/internal/sshpool"
	"github.com/robfig/cron/v3"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	cipher, err := crypto.Load(database.DB)
	if err != nil {
		log.Fatalf("Crypto init: %v", err)
	}

	// Policy bootstrap: the YAML file extends the engine denylist and seeds
	// rule sets that do not exist yet. Database rows always win afterwards.
	var extraDeny []string
	if config.Cfg.PolicyPath != "" {
		fp, err := policy.LoadFile(config.Cfg.PolicyPath)
		if err != nil {
			log.Fatalf("Policy file: %v", err)
		}
		extraDeny = fp.DefaultDenyPatterns
		if err := policy.Seed(database.DB, fp.RuleSets); err != nil {
			log.Fatalf("Policy seed: %v", err)
		}
		log.Printf("Policy file loaded: %s (%d rule sets, %d extra deny patterns)",
			config.Cfg.PolicyPath, len(fp.RuleSets), len(extraDeny))
	}
	policies := policy.NewStore(database.DB, extraDeny)

	dbSink := audit.NewDBSink(database.DB, config.Cfg.AuditRetentionDays)
	buffer := audit.NewBuffer(dbSink, config.Cfg.AuditQueueSize)

	pool := sshpool.New(sshpool.Config{
		Cap:            config.Cfg.PoolCap,
		ConnectTimeout: config.Cfg.ConnectTimeout(),
		IdleTimeout:    config.Cfg.IdleTimeoutSSH(),
		ReaperInterval: config.Cfg.ReaperInterval(),
		RetryAttempts:  config.Cfg.RetryAttempts,
		RetryDelay:     config.Cfg.RetryDelay(),
	})

	reg := registry.New(registry.Config{
		MaxSessionsPerUser: config.Cfg.MaxSessionsPerUser,
		IdleTimeout:        config.Cfg.IdleTimeoutSession(),
		ReaperInterval:     config.Cfg.ReaperInterval(),
		HistoryCap:         config.Cfg.HistoryCap,
	})

	gate := gateway.New(database.DB, cipher, pool, reg, policies, buffer, gateway.Config{
		OutputChunkBytes: config.Cfg.OutputChunkBytes,
		ExecTimeout:      config.Cfg.ExecTimeout(),
	})

	handlers.Gate = gate
	handlers.Audit = dbSink
	handlers.Policies = policies
	handlers.Cipher = cipher

	// Nightly audit retention purge.
	scheduler := cron.New()
	scheduler.AddFunc("30 3 * * *", func() {
		n, err := dbSink.PurgeOlderThan(0)
		if err != nil {
			log.Printf("[audit] retention purge failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[audit] retention purge removed %d record(s)", n)
		}
	})
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/terminal", handlers.TerminalWS)

		r.Get("/sessions", handlers.ListSessions)
		r.Delete("/sessions/{sessionID}", handlers.TerminateSession)
		r.Get("/sessions/{sessionID}/history", handlers.SessionHistory)
		r.Post("/sessions/{sessionID}/exec", handlers.ExecCommand)

		r.Get("/hosts", handlers.ListHosts)
		r.Post("/hosts", handlers.CreateHost)
		r.Put("/hosts/{hostID}", handlers.UpdateHost)
		r.Delete("/hosts/{hostID}", handlers.DeleteHost)

		r.Get("/policy", handlers.ListPolicies)
		r.Put("/policy", handlers.SavePolicy)
		r.Get("/policy/effective", handlers.EffectivePolicy)

		r.Get("/audit", handlers.QueryAudit)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	reg.Close()
	pool.CloseAll()
	buffer.Close()
	log.Println("Server stopped")
}
