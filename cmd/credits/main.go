package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/jewwiid/preset-credits/internal/allocator"
	"github.com/jewwiid/preset-credits/internal/bootstrap"
	"github.com/jewwiid/preset-credits/internal/config"
	"github.com/jewwiid/preset-credits/internal/ledger"
	ledpostgres "github.com/jewwiid/preset-credits/internal/ledger/postgres"
	ledsqlite "github.com/jewwiid/preset-credits/internal/ledger/sqlite"
	"github.com/jewwiid/preset-credits/internal/pricing"
	"github.com/jewwiid/preset-credits/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "help", "--help", "-h":
		printUsage()
		return
	case "version", "--version":
		fmt.Println(version.Info())
		return
	case "init":
		if err := runInit(os.Args[2:]); err != nil {
			log.Fatalf("init failed: %v", err)
		}
		fmt.Println("credit service config initialised")
		return
	}

	cfg, err := config.LoadCreditsConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logOutput := io.Writer(os.Stderr)
	if cfg.LogFileCLI != "" {
		logPath := cfg.LogFileCLI
		if !filepath.IsAbs(logPath) {
			logPath = filepath.Join(".", logPath)
		}
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			log.Fatalf("create log directory: %v", err)
		}
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer file.Close()
		logOutput = io.MultiWriter(os.Stderr, file)
	}
	levelTag := strings.ToUpper(cfg.LogLevel)
	rootLogger := log.New(logOutput, fmt.Sprintf("[credits/main][%s][%s] ", cfg.Environment, levelTag), log.LstdFlags|log.Lmicroseconds)

	store, err := openStore(cfg)
	if err != nil {
		rootLogger.Fatalf("open credit store: %v", err)
	}
	defer store.Close()

	svc := ledger.NewService(store)
	svc.SetLogger(rootLogger)

	ctx := context.Background()
	args := os.Args[2:]

	switch os.Args[1] {
	case "balance":
		err = runBalance(ctx, svc, args)
	case "deduct":
		err = runDeduct(ctx, svc, args)
	case "refund":
		err = runRefund(ctx, svc, args)
	case "add":
		err = runAdd(ctx, svc, args)
	case "transactions":
		err = runTransactions(ctx, svc, args)
	case "allocate":
		err = runAllocate(ctx, store, rootLogger, args)
	case "quote":
		err = runQuote(cfg, args)
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		rootLogger.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func printUsage() {
	fmt.Print(`Preset credits CLI

Usage:
  credits balance --user <id>                          Show a user's balance
  credits deduct --user <id> --credits <n> [--op t]    Deduct credits
  credits refund --user <id> --credits <n> [--reason]  Refund credits
  credits add --user <id> --credits <n> [--type t]     Add credits
  credits transactions --user <id> [--limit n]         List recent transactions
  credits allocate                                     Run the monthly allowance sweep
  credits quote --provider <p> [--units n | --duration s --resolution r]
  credits init [flags]                                 Generate config files
  credits version                                      Print version

Flags for init:
  --root string        output directory (default '.')
  --env string         environment name (default 'dev')
  --admin string       admin email (default 'admin@example.com')
  --http string        bind address for creditsd (default ':8090')
  --backend string     store backend, sqlite or postgres (default 'sqlite')
  --dsn string         postgres DSN (required with --backend postgres)
  --force              overwrite existing files
`)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	root := fs.String("root", ".", "config root")
	env := fs.String("env", "dev", "environment name")
	admin := fs.String("admin", "admin@example.com", "admin email")
	httpAddr := fs.String("http", ":8090", "creditsd HTTP bind address")
	backend := fs.String("backend", "sqlite", "store backend")
	dsn := fs.String("dsn", "", "postgres DSN")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return bootstrap.Init(bootstrap.InitOptions{
		Root:         *root,
		Environment:  *env,
		AdminEmail:   *admin,
		HTTPAddress:  *httpAddr,
		StoreBackend: *backend,
		PostgresDSN:  *dsn,
		Force:        *force,
	})
}

func openStore(cfg config.CreditsConfig) (ledger.Store, error) {
	if cfg.StoreBackend == "postgres" {
		return ledpostgres.New(cfg.PostgresDSN, cfg.PgMaxOpen, cfg.PgMaxIdle, cfg.PgLifetime, cfg.PgIdleTime)
	}
	return ledsqlite.New(cfg.CreditsPath)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runBalance(ctx context.Context, svc *ledger.Service, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("--user is required")
	}
	bal, err := svc.Balance(ctx, *user)
	if err != nil {
		return err
	}
	return printJSON(bal)
}

func runDeduct(ctx context.Context, svc *ledger.Service, args []string) error {
	fs := flag.NewFlagSet("deduct", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	credits := fs.Int("credits", 0, "credits to deduct")
	op := fs.String("op", "manual", "operation type recorded on the transaction")
	provider := fs.String("provider", "", "provider name recorded on the transaction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *credits <= 0 {
		return fmt.Errorf("--user and a positive --credits are required")
	}
	res, err := svc.Deduct(ctx, *user, *credits, *op, *provider)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runRefund(ctx context.Context, svc *ledger.Service, args []string) error {
	fs := flag.NewFlagSet("refund", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	credits := fs.Int("credits", 0, "credits to refund")
	op := fs.String("op", "manual", "operation type recorded on the transaction")
	reason := fs.String("reason", "manual refund", "refund reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *credits <= 0 {
		return fmt.Errorf("--user and a positive --credits are required")
	}
	res, err := svc.Refund(ctx, *user, *credits, *op, *reason)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runAdd(ctx context.Context, svc *ledger.Service, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	credits := fs.Int("credits", 0, "credits to add")
	txType := fs.String("type", string(ledger.TransactionPurchase), "transaction type")
	reason := fs.String("reason", "manual credit", "reason recorded on the transaction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *credits <= 0 {
		return fmt.Errorf("--user and a positive --credits are required")
	}
	res, err := svc.Add(ctx, *user, *credits, ledger.TransactionType(*txType), *reason)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runTransactions(ctx context.Context, svc *ledger.Service, args []string) error {
	fs := flag.NewFlagSet("transactions", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	limit := fs.Int("limit", 20, "max rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("--user is required")
	}
	txs, err := svc.Transactions(ctx, *user, *limit)
	if err != nil {
		return err
	}
	return printJSON(txs)
}

func runAllocate(ctx context.Context, store ledger.Store, logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("allocate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	alloc := allocator.New(store)
	alloc.SetLogger(logger)
	report, err := alloc.AllocateAll(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runQuote(cfg config.CreditsConfig, args []string) error {
	fs := flag.NewFlagSet("quote", flag.ContinueOnError)
	provider := fs.String("provider", "", "provider name")
	units := fs.Int("units", 1, "unit count for image providers")
	duration := fs.Int("duration", 0, "video duration in seconds")
	resolution := fs.String("resolution", "", "video resolution, e.g. 720p")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *provider == "" {
		return fmt.Errorf("--provider is required")
	}
	table := pricing.DefaultTable()
	if cfg.PricingFile != "" {
		loaded, err := pricing.LoadTable(cfg.PricingFile)
		if err != nil {
			return err
		}
		table = loaded
	}
	var (
		cost int
		err  error
	)
	if *duration > 0 {
		cost, err = table.VideoGenerationCost(pricing.Provider(*provider), *duration, *resolution)
	} else {
		cost, err = table.CostFor(pricing.Provider(*provider), *units)
	}
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"provider": *provider, "credits": cost})
}
