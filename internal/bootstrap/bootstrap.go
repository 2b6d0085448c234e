package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jewwiid/preset-credits/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root         string
	Environment  string
	AdminEmail   string
	HTTPAddress  string
	StoreBackend string
	PostgresDSN  string
	CreditsPath  string
	AccountsPath string
	Force        bool
}

// Init scaffolds configuration files for the credit service.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := Validate(opts); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	creditsPath := filepath.Join(opts.Root, "config", opts.Environment, "credits.ini")
	if err := writeFile(creditsPath, creditsTemplate(opts), opts.Force); err != nil {
		return err
	}

	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.AdminEmail) == "" {
		opts.AdminEmail = "admin@example.com"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8090"
	}
	if strings.TrimSpace(opts.StoreBackend) == "" {
		opts.StoreBackend = "sqlite"
	}
	if strings.TrimSpace(opts.CreditsPath) == "" {
		opts.CreditsPath = config.DefaultCreditsPath()
	}
	if strings.TrimSpace(opts.AccountsPath) == "" {
		opts.AccountsPath = config.DefaultAccountsPath()
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Preset credit service settings
environment=%s
admin_email=%s
`, opts.Environment, opts.AdminEmail)
}

func creditsTemplate(opts InitOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Environment specific overrides for %s\n", opts.Environment)
	fmt.Fprintf(&b, "http_address=%s\n", opts.HTTPAddress)
	b.WriteString("log_level=info\n")
	b.WriteString("# Separate log files (CLI and daemon). Dash '-' disables file output.\n")
	b.WriteString("log_file_cli=logs/credits-cli.log\n")
	b.WriteString("log_file_daemon=logs/creditsd.log\n")
	fmt.Fprintf(&b, "store_backend=%s\n", opts.StoreBackend)
	if opts.StoreBackend == "postgres" {
		fmt.Fprintf(&b, "postgres_dsn=%s\n", opts.PostgresDSN)
	} else {
		fmt.Fprintf(&b, "credits_path=%s\n", opts.CreditsPath)
		fmt.Fprintf(&b, "accounts_path=%s\n", opts.AccountsPath)
	}
	b.WriteString("allocation_enabled=true\n")
	b.WriteString("allocation_interval=1h\n")
	return b.String()
}

// Validate ensures required fields are present without modifying files.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if strings.TrimSpace(opts.AdminEmail) == "" {
		return errors.New("admin email is required")
	}
	if !strings.Contains(opts.AdminEmail, "@") {
		return errors.New("admin email must contain '@'")
	}
	switch opts.StoreBackend {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(opts.PostgresDSN) == "" {
			return errors.New("postgres backend requires a DSN")
		}
	default:
		return fmt.Errorf("unknown store backend %q", opts.StoreBackend)
	}
	return nil
}
