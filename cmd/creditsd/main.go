package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jewwiid/preset-credits/internal/accountstore"
	accpostgres "github.com/jewwiid/preset-credits/internal/accountstore/postgres"
	accsqlite "github.com/jewwiid/preset-credits/internal/accountstore/sqlite"
	"github.com/jewwiid/preset-credits/internal/alerts"
	"github.com/jewwiid/preset-credits/internal/allocator"
	"github.com/jewwiid/preset-credits/internal/auth"
	"github.com/jewwiid/preset-credits/internal/config"
	"github.com/jewwiid/preset-credits/internal/core"
	"github.com/jewwiid/preset-credits/internal/health"
	"github.com/jewwiid/preset-credits/internal/httpserver"
	"github.com/jewwiid/preset-credits/internal/ledger"
	ledpostgres "github.com/jewwiid/preset-credits/internal/ledger/postgres"
	ledsqlite "github.com/jewwiid/preset-credits/internal/ledger/sqlite"
	"github.com/jewwiid/preset-credits/internal/logging"
	"github.com/jewwiid/preset-credits/internal/metrics"
	"github.com/jewwiid/preset-credits/internal/pricing"
	"github.com/jewwiid/preset-credits/internal/ratelimit"
	"github.com/jewwiid/preset-credits/internal/version"
)

func main() {
	cfg, err := config.LoadCreditsConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Initialize rotating file logging (default enabled when log_file provided)
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	logTarget := strings.TrimSpace(cfg.LogFileDaemon)
	if logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[creditsd] ")
		defer rot.Close()
	}

	log.Printf("preset credits %s starting env=%s backend=%s", version.Info(), cfg.Environment, cfg.StoreBackend)

	table := pricing.DefaultTable()
	if cfg.PricingFile != "" {
		loaded, err := pricing.LoadTable(cfg.PricingFile)
		if err != nil {
			log.Fatalf("load pricing file %s: %v", cfg.PricingFile, err)
		}
		table = loaded
		log.Printf("pricing overrides loaded from %s", cfg.PricingFile)
	}

	var (
		creditStore ledger.Store
	)
	switch cfg.StoreBackend {
	case "postgres":
		creditStore, err = ledpostgres.New(cfg.PostgresDSN, cfg.PgMaxOpen, cfg.PgMaxIdle, cfg.PgLifetime, cfg.PgIdleTime)
	default:
		creditStore, err = ledsqlite.New(cfg.CreditsPath)
	}
	if err != nil {
		log.Fatalf("open credit store: %v", err)
	}
	defer creditStore.Close()

	accountStore, err := openAccountStore(cfg)
	if err != nil {
		log.Fatalf("open account store: %v", err)
	}
	defer accountStore.Close()

	var dispatcher *alerts.Dispatcher
	if handler := cfg.Alerts.BuildScriptHandler(); handler != nil {
		dispatcher = &alerts.Dispatcher{}
		dispatcher.Register(handler)
		log.Printf("alerts dispatcher enabled script=%s", cfg.Alerts.ScriptPath)
	}

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector()
	}

	svc := ledger.NewService(creditStore)
	svc.SetAlerts(dispatcher)
	svc.SetMetrics(collector)
	svc.SetLogger(log.New(log.Writer(), "[creditsd/ledger] ", log.LstdFlags|log.Lmicroseconds))

	alloc := allocator.New(creditStore)
	alloc.SetAlerts(dispatcher)
	alloc.SetLogger(log.New(log.Writer(), "[creditsd/allocator] ", log.LstdFlags|log.Lmicroseconds))

	charger := core.NewCharger(table, svc, core.NewLoopbackRunner())
	charger.SetLogger(log.New(log.Writer(), "[creditsd/charger] ", log.LstdFlags|log.Lmicroseconds))

	var authManager *auth.Manager
	if !cfg.AuthDisabled {
		authManager = auth.NewManager(cfg.AuthSecret)
	} else {
		log.Printf("authorization disabled: skipping session validation")
	}

	httpSrv := httpserver.New(svc, charger, accountStore, table, authManager, cfg.AdminEmail)
	httpSrv.SetAuthDisabled(cfg.AuthDisabled)
	httpSrv.SetAllocator(alloc)
	httpSrv.SetMetrics(collector)
	httpSrv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[creditsd/http] ", log.LstdFlags|log.Lmicroseconds))

	checker := health.New(health.Config{})
	if p, ok := creditStore.(health.Pinger); ok {
		checker.RegisterStore("credits", p)
	}
	if p, ok := accountStore.(health.Pinger); ok {
		checker.RegisterStore("accounts", p)
	}
	httpSrv.SetHealthChecker(checker)

	if cfg.RateLimitEnabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimitPerSecond,
			Burst:             cfg.RateLimitBurst,
		})
		defer limiter.Close()
		httpSrv.SetRateLimit(ratelimit.NewMiddleware(limiter, nil, log.New(log.Writer(), "[creditsd/ratelimit] ", log.LstdFlags|log.Lmicroseconds)))
		log.Printf("rate limiting enabled rps=%.0f burst=%.0f", cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.AllocationEnabled {
		go runAllocationSweep(ctx, alloc, cfg.AllocationInterval)
	} else {
		log.Printf("monthly allocation sweep disabled by configuration")
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("credit service listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openAccountStore(cfg config.CreditsConfig) (accountstore.Store, error) {
	if cfg.StoreBackend == "postgres" {
		return accpostgres.New(cfg.PostgresDSN)
	}
	return accsqlite.New(cfg.AccountsPath)
}

// runAllocationSweep resets monthly subscription allowances on a fixed
// interval. The first sweep runs shortly after startup so restarts do not
// delay overdue resets by a full interval.
func runAllocationSweep(ctx context.Context, alloc *allocator.Allocator, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	timer := time.NewTimer(30 * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		report, err := alloc.AllocateAll(ctx)
		if err != nil {
			log.Printf("allocation sweep failed: %v", err)
		} else if report.Reset > 0 || report.Failed > 0 {
			log.Printf("allocation sweep scanned=%d reset=%d skipped=%d failed=%d in %s",
				report.Scanned, report.Reset, report.Skipped, report.Failed, report.Duration)
		}
		timer.Reset(interval)
	}
}
