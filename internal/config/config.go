package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written as "10m" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config holds the application configuration
type Config struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	StatePath string `toml:"state_path"`

	Accounts []AccountConfig `toml:"accounts"`
}

// AccountConfig holds configuration for a single synchronized account
type AccountConfig struct {
	Name string `toml:"name"`

	// Server settings
	Server   string `toml:"server"`
	Port     int    `toml:"port"`
	StartTLS bool   `toml:"starttls"`
	Username string `toml:"username"`
	CAPath   string `toml:"ca_path"`

	// Exactly one of these must yield a non-empty secret.
	Password        string `toml:"password"`
	PasswordCommand string `toml:"password_command"`

	// Local storage
	Maildir string `toml:"maildir"`

	// Mailbox selection: Exclude names are never synchronized; if Idle is
	// non-empty, only the listed mailboxes are watched continuously and the
	// rest are synced once at startup.
	Exclude []string `toml:"exclude"`
	Idle    []string `toml:"idle"`

	// Tuning
	IdleKeepalive Duration `toml:"idle_keepalive"`
	WatchDebounce Duration `toml:"watch_debounce"`
	ReconnectMin  Duration `toml:"reconnect_min"`
	ReconnectMax  Duration `toml:"reconnect_max"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".mailsyncd", "config.toml")
}

// Load loads configuration from a TOML file and applies defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.StatePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		cfg.StatePath = filepath.Join(home, ".mailsyncd", "state")
	} else {
		cfg.StatePath = expandHome(cfg.StatePath)
	}

	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		if acc.Port == 0 {
			acc.Port = 993
		}
		acc.Maildir = expandHome(acc.Maildir)
		if acc.IdleKeepalive.Duration == 0 {
			acc.IdleKeepalive.Duration = 10 * time.Minute
		}
		if acc.WatchDebounce.Duration == 0 {
			acc.WatchDebounce.Duration = 10 * time.Second
		}
		if acc.ReconnectMin.Duration == 0 {
			acc.ReconnectMin.Duration = 10 * time.Second
		}
		if acc.ReconnectMax.Duration == 0 {
			acc.ReconnectMax.Duration = 5 * time.Minute
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool)
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Name == "" {
			return fmt.Errorf("account %d: name is required", i+1)
		}
		if seen[acc.Name] {
			return fmt.Errorf("account %s: duplicate name", acc.Name)
		}
		seen[acc.Name] = true
		if acc.Server == "" {
			return fmt.Errorf("account %s: server is required", acc.Name)
		}
		if acc.Port < 1 || acc.Port > 65535 {
			return fmt.Errorf("account %s: invalid port %d", acc.Name, acc.Port)
		}
		if acc.Username == "" {
			return fmt.Errorf("account %s: username is required", acc.Name)
		}
		if acc.Maildir == "" {
			return fmt.Errorf("account %s: maildir is required", acc.Name)
		}
		if acc.Password == "" && acc.PasswordCommand == "" {
			return fmt.Errorf("account %s: one of password or password_command is required", acc.Name)
		}
		if acc.Password != "" && acc.PasswordCommand != "" {
			return fmt.Errorf("account %s: password and password_command are mutually exclusive", acc.Name)
		}
	}
	return nil
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}

// Credential resolves the account secret, either verbatim from the config or
// by running password_command through the shell and trimming its output.
func (a *AccountConfig) Credential() (string, error) {
	if a.Password != "" {
		return a.Password, nil
	}
	out, err := exec.Command("sh", "-c", a.PasswordCommand).Output()
	if err != nil {
		return "", fmt.Errorf("account %s: password_command failed: %w", a.Name, err)
	}
	secret := strings.TrimSpace(string(out))
	if secret == "" {
		return "", fmt.Errorf("account %s: password_command produced no output", a.Name)
	}
	return secret, nil
}

// TLSConfig builds the TLS client configuration, loading the PEM CA bundle
// from ca_path when one is configured.
func (a *AccountConfig) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: a.Server,
		MinVersion: tls.VersionTLS12,
	}
	if a.CAPath == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(a.CAPath)
	if err != nil {
		return nil, fmt.Errorf("account %s: failed to read CA bundle: %w", a.Name, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("account %s: no certificates found in %s", a.Name, a.CAPath)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// Excluded reports whether the mailbox is on the account's exclude list.
func (a *AccountConfig) Excluded(mailbox string) bool {
	for _, name := range a.Exclude {
		if name == mailbox {
			return true
		}
	}
	return false
}

// Watched reports whether the mailbox should be watched continuously. With
// no idle list configured every synchronized mailbox is watched.
func (a *AccountConfig) Watched(mailbox string) bool {
	if len(a.Idle) == 0 {
		return true
	}
	for _, name := range a.Idle {
		if name == mailbox {
			return true
		}
	}
	return false
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
