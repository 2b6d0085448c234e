package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jewwiid/preset-credits/internal/alerts"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/credits.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// CreditsConfig describes runtime options for the credit service and CLI.
type CreditsConfig struct {
	Environment string
	HTTPAddress string

	// Store backend: sqlite or postgres.
	StoreBackend string
	CreditsPath  string
	AccountsPath string
	PostgresDSN  string
	PgMaxOpen    int
	PgMaxIdle    int
	PgLifetime   int
	PgIdleTime   int

	// Optional pricing override file (YAML).
	PricingFile string

	// Backward-compatible base log file; used if specific files unset
	LogFile string
	// Separate log files for CLI and daemon (preferred)
	LogFileCLI    string
	LogFileDaemon string
	LogLevel      string

	AdminEmail   string
	AuthSecret   string
	AuthDisabled bool

	Alerts alerts.Config

	// Monthly allowance sweep.
	AllocationEnabled  bool
	AllocationInterval time.Duration

	MetricsEnabled bool

	// Per-caller request limiting on the HTTP surface.
	RateLimitEnabled   bool
	RateLimitPerSecond float64
	RateLimitBurst     float64
}

// LoadCreditsConfig reads the current environment and loads the appropriate
// credits config file.
func LoadCreditsConfig(root string) (CreditsConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return CreditsConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return CreditsConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := CreditsConfig{
		Environment:  s.Environment,
		HTTPAddress:  firstNonEmpty(os.Getenv("PRESET_HTTP_ADDRESS"), merged["http_address"], ":8090"),
		StoreBackend: strings.ToLower(firstNonEmpty(os.Getenv("PRESET_STORE_BACKEND"), merged["store_backend"], "sqlite")),
		CreditsPath:  firstNonEmpty(os.Getenv("PRESET_CREDITS_PATH"), merged["credits_path"], DefaultCreditsPath()),
		AccountsPath: firstNonEmpty(os.Getenv("PRESET_ACCOUNTS_PATH"), merged["accounts_path"], DefaultAccountsPath()),
		PostgresDSN:  firstNonEmpty(os.Getenv("PRESET_POSTGRES_DSN"), merged["postgres_dsn"]),
		PgMaxOpen:    parseOptionalInt(firstNonEmpty(os.Getenv("PRESET_PG_MAX_OPEN"), merged["pg_max_open"]), 25),
		PgMaxIdle:    parseOptionalInt(firstNonEmpty(os.Getenv("PRESET_PG_MAX_IDLE"), merged["pg_max_idle"]), 5),
		PgLifetime:   parseOptionalInt(firstNonEmpty(os.Getenv("PRESET_PG_LIFETIME_MIN"), merged["pg_lifetime_min"]), 5),
		PgIdleTime:   parseOptionalInt(firstNonEmpty(os.Getenv("PRESET_PG_IDLE_MIN"), merged["pg_idle_min"]), 1),
		PricingFile:  firstNonEmpty(os.Getenv("PRESET_PRICING_FILE"), merged["pricing_file"]),
		LogFile:      firstNonEmpty(os.Getenv("PRESET_LOG_FILE"), merged["log_file"]),
		LogLevel:     firstNonEmpty(merged["log_level"], "info"),
		AdminEmail:   firstNonEmpty(os.Getenv("PRESET_ADMIN_EMAIL"), merged["admin_email"], "admin@local"),
		AuthSecret:   firstNonEmpty(os.Getenv("PRESET_AUTH_SECRET"), merged["auth_secret"], "preset-dev-secret"),
		AuthDisabled: parseOptionalBool(firstNonEmpty(os.Getenv("PRESET_AUTH_DISABLED"), merged["auth_disabled"]), true),
	}
	switch cfg.StoreBackend {
	case "sqlite", "postgres":
	default:
		return CreditsConfig{}, fmt.Errorf("unknown store_backend %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == "postgres" && strings.TrimSpace(cfg.PostgresDSN) == "" {
		return CreditsConfig{}, errors.New("postgres_dsn is required when store_backend=postgres")
	}

	// Preferred separate log files with env override precedence
	cfg.LogFileCLI = firstNonEmpty(os.Getenv("PRESET_LOG_FILE_CLI"), os.Getenv("PRESET_LOG_FILE"), merged["log_file_cli"], merged["log_file"])
	cfg.LogFileDaemon = firstNonEmpty(os.Getenv("PRESET_LOG_FILE_DAEMON"), os.Getenv("PRESET_LOG_FILE"), merged["log_file_daemon"], merged["log_file"])

	alertArgs := firstNonEmpty(os.Getenv("PRESET_ALERT_SCRIPT_ARGS"), merged["alerts_script_args"])
	alertEnv := firstNonEmpty(os.Getenv("PRESET_ALERT_SCRIPT_ENV"), merged["alerts_script_env"])
	cfg.Alerts = alerts.Config{
		Enabled:    parseBool(firstNonEmpty(os.Getenv("PRESET_ALERTS_ENABLED"), merged["alerts_enabled"])),
		ScriptPath: firstNonEmpty(os.Getenv("PRESET_ALERT_SCRIPT"), merged["alerts_script_path"]),
		ScriptArgs: parseCSV(alertArgs),
		Env:        parseMap(alertEnv),
	}
	if v := firstNonEmpty(os.Getenv("PRESET_ALERT_TIMEOUT"), merged["alerts_timeout"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return CreditsConfig{}, fmt.Errorf("invalid alerts_timeout %q: %w", v, err)
		}
		cfg.Alerts.Timeout = dur
	}
	if err := cfg.Alerts.Validate(); err != nil {
		return CreditsConfig{}, err
	}

	cfg.AllocationEnabled = parseOptionalBool(firstNonEmpty(os.Getenv("PRESET_ALLOCATION_ENABLED"), merged["allocation_enabled"]), true)
	if v := firstNonEmpty(os.Getenv("PRESET_ALLOCATION_INTERVAL"), merged["allocation_interval"], "1h"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return CreditsConfig{}, fmt.Errorf("invalid allocation_interval %q: %w", v, err)
		}
		cfg.AllocationInterval = dur
	}
	cfg.MetricsEnabled = parseOptionalBool(firstNonEmpty(os.Getenv("PRESET_METRICS_ENABLED"), merged["metrics_enabled"]), true)

	cfg.RateLimitEnabled = parseBool(firstNonEmpty(os.Getenv("PRESET_RATE_LIMIT_ENABLED"), merged["rate_limit_enabled"]))
	cfg.RateLimitPerSecond = parseOptionalFloat(firstNonEmpty(os.Getenv("PRESET_RATE_LIMIT_PER_SECOND"), merged["rate_limit_per_second"]), 20)
	cfg.RateLimitBurst = parseOptionalFloat(firstNonEmpty(os.Getenv("PRESET_RATE_LIMIT_BURST"), merged["rate_limit_burst"]), 40)

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalFloat(v string, fallback float64) float64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	entries := strings.Split(input, ",")
	result := make(map[string]string)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if key != "" {
			result[key] = value
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// DefaultCreditsPath returns the fallback credit database location under the
// user's home directory.
func DefaultCreditsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credits.db"
	}
	return filepath.Join(home, ".preset", "credits.db")
}

// DefaultAccountsPath returns the fallback account database path.
func DefaultAccountsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "accounts.db"
	}
	return filepath.Join(home, ".preset", "accounts.db")
}
