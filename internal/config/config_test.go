package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TON_WALLET_ADDRESS", "UQwallet")
	t.Setenv("DATABASE_DRIVER", "SQLite")
	t.Setenv("RECONCILE_INTERVAL", "90s")
	t.Setenv("BOT_USERNAME", "@sender_bot")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.ReconcileInterval != 90*time.Second {
		t.Fatalf("expected 90s interval, got %s", cfg.ReconcileInterval)
	}
	if cfg.RetentionWindow != 24*time.Hour {
		t.Fatalf("expected default retention of 24h, got %s", cfg.RetentionWindow)
	}
	if cfg.BotUsername != "sender_bot" {
		t.Fatalf("expected bot username without @, got %q", cfg.BotUsername)
	}
	if cfg.RateFallback != 2.4 {
		t.Fatalf("expected fallback rate 2.4, got %v", cfg.RateFallback)
	}
}

func TestLoadYAMLFileEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paygate.yaml")
	content := "ton_wallet_address: UQfile\ndatabase_driver: sqlite\nsqlite_path: /tmp/x.db\nledger_fetch_limit: 50\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LEDGER_FETCH_LIMIT", "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WalletAddress != "UQfile" {
		t.Fatalf("expected wallet from file, got %q", cfg.WalletAddress)
	}
	if cfg.LedgerFetchLimit != 25 {
		t.Fatalf("expected env override 25, got %d", cfg.LedgerFetchLimit)
	}
}

func TestValidateReportsMissingSettings(t *testing.T) {
	cfg := &Config{DatabaseDriver: "mongo"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"TON_WALLET_ADDRESS", "DATABASE_DRIVER", "RETENTION_WINDOW"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %s in %q", want, msg)
		}
	}
}
