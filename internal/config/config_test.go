package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ksred/klear-exec/internal/auth"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("KLEAR_DB_PATH", "")
	t.Setenv("PORT", "")
	t.Setenv("KLEAR_DECISION_URL", "")
	t.Setenv("KLEAR_SYMBOLS", "")
	t.Setenv("KLEAR_JWT_SECRET", "")

	path := writeConfig(t, `
server:
  jwt_secret: a-long-enough-test-secret
  clients:
    - api_key: bot
      api_secret: bot-secret
      permissions: [submit, read]
symbols: [btc, " eth "]
registry:
  scale_in: true
  max_pending_per_side: 2
monitor:
  interval: 5s
  reconcile_every: 4
decision:
  urls: [http://localhost:9000/decide]
  timeout: 7s
gate:
  max_leverage: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := strings.Join(cfg.Symbols, ","); got != "BTC,ETH" {
		t.Errorf("symbols = %s", got)
	}
	if strings.Join(cfg.Engine.Symbols, ",") != "BTC,ETH" || !cfg.Engine.ScaleIn {
		t.Errorf("engine config not derived: %+v", cfg.Engine)
	}
	if cfg.Monitor.Interval != 5*time.Second || cfg.Monitor.ReconcileEvery != 4 {
		t.Errorf("monitor = %+v", cfg.Monitor)
	}
	if cfg.Monitor.PurgeEvery != 120 {
		t.Errorf("unset monitor fields lost their defaults: %+v", cfg.Monitor)
	}
	if cfg.Monitor.DecisionDeadline != 7*time.Second {
		t.Errorf("decision deadline = %s", cfg.Monitor.DecisionDeadline)
	}
	if cfg.Gate.MaxLeverage != 10 || cfg.Gate.MinConfluence != 40 {
		t.Errorf("gate = %+v", cfg.Gate)
	}
	if len(cfg.Server.Clients) != 1 || len(cfg.Server.Clients[0].Permissions) != 2 {
		t.Errorf("clients = %+v", cfg.Server.Clients)
	}
	if cfg.Server.Port != "8080" || cfg.Database.Path != "klear-exec.db" {
		t.Errorf("defaults lost: port %s db %s", cfg.Server.Port, cfg.Database.Path)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KLEAR_DB_PATH", "/tmp/override.db")
	t.Setenv("PORT", "9090")
	t.Setenv("KLEAR_JWT_SECRET", "secret-from-the-environment")
	t.Setenv("KLEAR_DECISION_URL", "http://a:1/decide, http://b:2/decide")
	t.Setenv("KLEAR_SYMBOLS", "sol")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" || cfg.Server.Port != "9090" {
		t.Errorf("env overrides not applied: %+v", cfg.Server)
	}
	if len(cfg.Decision.URLs) != 2 || cfg.Decision.URLs[1] != "http://b:2/decide" {
		t.Errorf("decision urls = %q", cfg.Decision.URLs)
	}
	if len(cfg.Symbols) != 1 || cfg.Symbols[0] != "SOL" {
		t.Errorf("symbols = %v", cfg.Symbols)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"valid", func(c *Config) {}, ""},
		{"short secret", func(c *Config) { c.Server.JWTSecret = "short" }, "jwt secret"},
		{"no symbols", func(c *Config) { c.Symbols = nil }, "symbol"},
		{"decision without url", func(c *Config) { c.Monitor.DecisionEvery = 2 }, "decision url"},
		{"bad url", func(c *Config) { c.Decision.URLs = []string{"localhost:9000"} }, "invalid decision url"},
		{"leverage bounds", func(c *Config) { c.Gate.MaxLeverage = 0 }, "leverage"},
		{"size bounds", func(c *Config) { c.Gate.MaxSize = 2 }, "size"},
		{"volatility bounds", func(c *Config) { c.Regime.MediumVolMax = 0.5 }, "volatility"},
		{"client without secret", func(c *Config) {
			c.Server.Clients = append(c.Server.Clients, c.Server.Clients[0])
			c.Server.Clients[1].APISecret = ""
		}, "client 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.JWTSecret = "a-long-enough-test-secret"
			cfg.Server.Clients = []auth.Client{{APIKey: "bot", APISecret: "bot-secret", Permissions: []string{auth.PermRead}}}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.want)
			}
		})
	}
}
