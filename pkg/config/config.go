package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/opencourier/courier/pkg/models"
)

// Config holds all Courier configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	DBPath    string          `yaml:"db_path"`
	Env       string          `yaml:"env"`
	LogLevel  string          `yaml:"log_level"`
	DevMode   bool            `yaml:"dev_mode"`
	Budget    BudgetConfig    `yaml:"budget"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Email     EmailConfig     `yaml:"email"`
	Redis     RedisConfig     `yaml:"redis"`
	Events    EventsConfig    `yaml:"events"`
}

// BudgetConfig is the budget a fresh database is seeded with and reset to.
type BudgetConfig struct {
	LimitAmount   string              `yaml:"limit_amount"`
	Period        models.BudgetPeriod `yaml:"period"`
	AlertAt75     bool                `yaml:"alert_at_75"`
	AlertAt90     bool                `yaml:"alert_at_90"`
	HardStopAt100 bool                `yaml:"hard_stop_at_100"`
	// HoldTimeout is how old an unsettled reservation must be before serve
	// releases it at startup.
	HoldTimeout time.Duration `yaml:"hold_timeout"`
}

// Model converts the configured defaults to a budget.
func (b BudgetConfig) Model() (models.Budget, error) {
	limit, err := decimal.NewFromString(b.LimitAmount)
	if err != nil {
		return models.Budget{}, fmt.Errorf("budget limit_amount %q: %w", b.LimitAmount, err)
	}
	return models.Budget{
		LimitAmount:   limit,
		Period:        b.Period,
		AlertAt75:     b.AlertAt75,
		AlertAt90:     b.AlertAt90,
		HardStopAt100: b.HardStopAt100,
	}, nil
}

// LifecycleConfig controls simulated delivery progress.
type LifecycleConfig struct {
	SentDelay      time.Duration `yaml:"sent_delay"`
	DeliveredDelay time.Duration `yaml:"delivered_delay"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// EmailConfig defines the outbound email provider. With no api_key, sends
// are logged instead of delivered.
type EmailConfig struct {
	APIURL  string        `yaml:"api_url"`
	APIKey  string        `yaml:"api_key"`
	From    string        `yaml:"from"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig enables cross-process event fan-out.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// EventsConfig controls the server-sent event stream.
type EventsConfig struct {
	Replay    int           `yaml:"replay"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		DBPath:   "courier.db",
		Env:      "local",
		LogLevel: "info",
		Budget: BudgetConfig{
			LimitAmount: "10.00",
			Period:      models.BudgetMonthly,
			AlertAt75:   true,
			AlertAt90:   true,
			HoldTimeout: 5 * time.Minute,
		},
		Lifecycle: LifecycleConfig{
			SentDelay:      time.Second,
			DeliveredDelay: 3500 * time.Millisecond,
			SweepInterval:  5 * time.Second,
		},
		Email: EmailConfig{
			APIURL:  "https://api.resend.com",
			From:    "OpenCourier <courier@mail.opencourier.org>",
			Timeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "courier:events",
		},
		Events: EventsConfig{
			Replay:    50,
			Heartbeat: 15 * time.Second,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if _, err := cfg.Budget.Model(); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if !cfg.Budget.Period.Valid() {
		return nil, fmt.Errorf("parse config: unknown budget period %q", cfg.Budget.Period)
	}
	if lc := cfg.Lifecycle; lc.DeliveredDelay <= lc.SentDelay {
		return nil, fmt.Errorf("parse config: lifecycle delivered_delay %s must be after sent_delay %s", lc.DeliveredDelay, lc.SentDelay)
	}

	return cfg, nil
}
