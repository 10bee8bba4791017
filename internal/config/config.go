package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ksred/klear-exec/internal/auth"
	"github.com/ksred/klear-exec/internal/confluence"
	"github.com/ksred/klear-exec/internal/cooldown"
	"github.com/ksred/klear-exec/internal/engine"
	"github.com/ksred/klear-exec/internal/exchange"
	"github.com/ksred/klear-exec/internal/gate"
	"github.com/ksred/klear-exec/internal/intent"
	"github.com/ksred/klear-exec/internal/position"
	"github.com/ksred/klear-exec/internal/regime"
	"github.com/ksred/klear-exec/internal/trailing"
	"github.com/ksred/klear-exec/pkg/middleware"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the server and the simulation. Load reads
// YAML over Default, then applies environment overrides.
type Config struct {
	Server struct {
		Port       string            `yaml:"port"`
		JWTSecret  string            `yaml:"jwt_secret"`
		TokenTTL   time.Duration     `yaml:"token_ttl"`
		Clients    []auth.Client     `yaml:"clients"`
		RateLimits middleware.Limits `yaml:"rate_limits"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	// Symbols are watched by reconciliation and the decision cycle.
	Symbols []string `yaml:"symbols"`

	Engine  engine.Config        `yaml:"engine"`
	Monitor engine.MonitorConfig `yaml:"monitor"`

	Decision struct {
		URLs    []string      `yaml:"urls"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"decision"`

	Registry   intent.Config     `yaml:"registry"`
	Positions  position.Config   `yaml:"positions"`
	Trailing   trailing.Config   `yaml:"trailing"`
	Cooldown   cooldown.Config   `yaml:"cooldown"`
	Gate       gate.Config       `yaml:"gate"`
	Regime     regime.Config     `yaml:"regime"`
	Confluence confluence.Config `yaml:"confluence"`

	Exchange struct {
		Guard exchange.GuardConfig `yaml:"guard"`
		Paper Paper                `yaml:"paper"`
	} `yaml:"exchange"`
}

// Paper configures the simulated venue used when no live exchange is wired.
type Paper struct {
	InitialEquity float64 `yaml:"initial_equity"`
	SuccessRate   float64 `yaml:"success_rate"`
	MinLatencyMS  int     `yaml:"min_latency_ms"`
	MaxLatencyMS  int     `yaml:"max_latency_ms"`
	FeeRate       float64 `yaml:"fee_rate"`
	// Prices seed the last traded price per symbol.
	Prices map[string]float64 `yaml:"prices"`
}

// PaperConfig converts p into the venue's own settings.
func (p Paper) PaperConfig() exchange.PaperConfig {
	cfg := exchange.DefaultPaperConfig()
	if p.InitialEquity > 0 {
		cfg.InitialEquity = p.InitialEquity
	}
	if p.SuccessRate > 0 {
		cfg.SuccessRate = p.SuccessRate
	}
	cfg.MinLatency = p.MinLatencyMS
	cfg.MaxLatency = p.MaxLatencyMS
	if p.FeeRate > 0 {
		cfg.FeeRate = p.FeeRate
	}
	return cfg
}

// Default returns a config that runs a paper venue on BTC.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.TokenTTL = 24 * time.Hour
	cfg.Server.RateLimits = middleware.DefaultLimits()
	cfg.Database.Path = "klear-exec.db"
	cfg.Symbols = []string{"BTC"}
	cfg.Engine = engine.DefaultConfig()
	cfg.Monitor = engine.DefaultMonitorConfig()
	cfg.Decision.Timeout = 20 * time.Second
	cfg.Registry = intent.DefaultConfig()
	cfg.Positions = position.DefaultConfig()
	cfg.Trailing = trailing.DefaultConfig()
	cfg.Cooldown = cooldown.DefaultConfig()
	cfg.Gate = gate.DefaultConfig()
	cfg.Regime = regime.DefaultConfig()
	cfg.Confluence = confluence.DefaultConfig()
	cfg.Exchange.Guard = exchange.DefaultGuardConfig()
	cfg.Exchange.Paper = Paper{
		InitialEquity: 10000,
		SuccessRate:   1,
		Prices:        map[string]float64{"BTC": 50000},
	}
	return cfg
}

// Load reads path (optional) over the defaults, loads .env when present and
// applies environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	overrideWithEnv(cfg)
	cfg.finish()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("KLEAR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("KLEAR_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("KLEAR_DECISION_URL"); v != "" {
		cfg.Decision.URLs = strings.Split(v, ",")
	}
	if v := os.Getenv("KLEAR_SYMBOLS"); v != "" {
		cfg.Symbols = strings.Split(v, ",")
	}
}

// finish copies the settings shared between sections.
func (c *Config) finish() {
	for i, s := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, u := range c.Decision.URLs {
		c.Decision.URLs[i] = strings.TrimSpace(u)
	}
	c.Engine.Symbols = c.Symbols
	c.Engine.ScaleIn = c.Registry.ScaleIn
	if c.Decision.Timeout > 0 {
		c.Monitor.DecisionDeadline = c.Decision.Timeout
	}
	if c.Positions.HistoryLimit <= 0 {
		c.Positions.HistoryLimit = c.Registry.HistoryLimit
	}
}

// Validate checks the settings the engine cannot run without.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if len(c.Server.JWTSecret) < 16 {
		return errors.New("jwt secret must be at least 16 characters (set KLEAR_JWT_SECRET)")
	}
	if len(c.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	for _, s := range c.Symbols {
		if s == "" {
			return errors.New("empty symbol in symbol list")
		}
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive, got %s", c.Monitor.Interval)
	}
	if c.Monitor.DecisionEvery > 0 && len(c.Decision.URLs) == 0 {
		return errors.New("decision cycle enabled without a decision url")
	}
	for _, u := range c.Decision.URLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("invalid decision url: %q", u)
		}
	}
	if c.Gate.MinLeverage < 1 || c.Gate.MaxLeverage < c.Gate.MinLeverage {
		return fmt.Errorf("invalid leverage bounds %d-%d", c.Gate.MinLeverage, c.Gate.MaxLeverage)
	}
	if c.Gate.MinSize <= 0 || c.Gate.MaxSize > 1 || c.Gate.MaxSize < c.Gate.MinSize {
		return fmt.Errorf("invalid size bounds %v-%v", c.Gate.MinSize, c.Gate.MaxSize)
	}
	if c.Gate.MinLimitTTL <= 0 || c.Gate.MaxLimitTTL < c.Gate.MinLimitTTL {
		return fmt.Errorf("invalid limit ttl bounds %s-%s", c.Gate.MinLimitTTL, c.Gate.MaxLimitTTL)
	}
	if c.Regime.LowVolMax >= c.Regime.MediumVolMax || c.Regime.MediumVolMax >= c.Regime.HighVolMax {
		return errors.New("volatility bucket bounds must increase")
	}
	if c.Trailing.MinDistancePct <= 0 || c.Trailing.MaxDistancePct < c.Trailing.MinDistancePct {
		return fmt.Errorf("invalid trailing distance bounds %v-%v", c.Trailing.MinDistancePct, c.Trailing.MaxDistancePct)
	}
	if c.Registry.ScaleIn && c.Registry.MaxPendingPerSide < 1 {
		return errors.New("scale-in needs max_pending_per_side of at least 1")
	}
	for i, cl := range c.Server.Clients {
		if cl.APIKey == "" || cl.APISecret == "" {
			return fmt.Errorf("client %d needs api_key and api_secret", i)
		}
	}
	return nil
}
