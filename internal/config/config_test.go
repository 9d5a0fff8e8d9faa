package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[[accounts]]
name = "personal"
server = "imap.example.org"
username = "mw"
password = "hunter2"
maildir = "/tmp/mail"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	require.Len(t, cfg.Accounts, 1)

	acc := cfg.Accounts[0]
	assert.Equal(t, 993, acc.Port)
	assert.False(t, acc.StartTLS)
	assert.Equal(t, 10*time.Minute, acc.IdleKeepalive.Duration)
	assert.Equal(t, 10*time.Second, acc.WatchDebounce.Duration)
	assert.Equal(t, 10*time.Second, acc.ReconnectMin.Duration)
	assert.Equal(t, 5*time.Minute, acc.ReconnectMax.Duration)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
[[accounts]]
name = "personal"
server = "imap.example.org"
username = "mw"
password = "hunter2"
maildir = "/tmp/mail"
idle_keepalive = "25m"
watch_debounce = "2s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25*time.Minute, cfg.Accounts[0].IdleKeepalive.Duration)
	assert.Equal(t, 2*time.Second, cfg.Accounts[0].WatchDebounce.Duration)
}

func TestValidateRejectsBadAccounts(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AccountConfig)
		wantErr string
	}{
		{"missing name", func(a *AccountConfig) { a.Name = "" }, "name is required"},
		{"missing server", func(a *AccountConfig) { a.Server = "" }, "server is required"},
		{"missing username", func(a *AccountConfig) { a.Username = "" }, "username is required"},
		{"missing maildir", func(a *AccountConfig) { a.Maildir = "" }, "maildir is required"},
		{"bad port", func(a *AccountConfig) { a.Port = 70000 }, "invalid port"},
		{"no secret", func(a *AccountConfig) { a.Password = "" }, "password or password_command"},
		{"both secrets", func(a *AccountConfig) { a.PasswordCommand = "cat" }, "mutually exclusive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Accounts: []AccountConfig{{
				Name:     "personal",
				Server:   "imap.example.org",
				Port:     993,
				Username: "mw",
				Password: "hunter2",
				Maildir:  "/tmp/mail",
			}}}
			tt.mutate(&cfg.Accounts[0])
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	acc := AccountConfig{
		Name: "personal", Server: "imap.example.org", Port: 993,
		Username: "mw", Password: "hunter2", Maildir: "/tmp/mail",
	}
	cfg := &Config{Accounts: []AccountConfig{acc, acc}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
}

func TestCredentialFromCommand(t *testing.T) {
	acc := &AccountConfig{Name: "personal", PasswordCommand: "echo '  hunter2  '"}
	secret, err := acc.Credential()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func TestCredentialEmptyCommandOutput(t *testing.T) {
	acc := &AccountConfig{Name: "personal", PasswordCommand: "true"}
	_, err := acc.Credential()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output")
}

func TestCredentialPrefersLiteralPassword(t *testing.T) {
	acc := &AccountConfig{Name: "personal", Password: "hunter2"}
	secret, err := acc.Credential()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func TestExcludedAndWatched(t *testing.T) {
	acc := &AccountConfig{
		Exclude: []string{"Spam", "Trash"},
		Idle:    []string{"INBOX"},
	}
	assert.True(t, acc.Excluded("Spam"))
	assert.False(t, acc.Excluded("INBOX"))
	assert.True(t, acc.Watched("INBOX"))
	assert.False(t, acc.Watched("Archive"))

	// With no idle list every mailbox is watched.
	acc.Idle = nil
	assert.True(t, acc.Watched("Archive"))
}

func TestGetAccountByName(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{{Name: "personal"}, {Name: "work"}}}

	acc, err := cfg.GetAccountByName("work")
	require.NoError(t, err)
	assert.Equal(t, "work", acc.Name)

	_, err = cfg.GetAccountByName("missing")
	assert.Error(t, err)

	assert.Equal(t, []string{"personal", "work"}, cfg.AccountNames())
}
