package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"main/internal/rebalance"
	"main/internal/schema"
	"main/pkg/conn"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Duration parses JSON duration strings like "1s" or "168h".
type Duration time.Duration

// UnmarshalJSON accepts a Go duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Accounts  []AccountConfig  `json:"accounts"`
	Portfolio PortfolioConfig  `json:"portfolio"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Stream    StreamConfig     `json:"stream"`
	Rebalance RebalanceConfig  `json:"rebalance"`
	Server    ServerConfig     `json:"server"`
	Postgres  *PostgresConfig  `json:"postgres"`
}

// AccountConfig declares one account entry. Params is passed through to the
// strategy constructor untouched.
type AccountConfig struct {
	ID       string          `json:"id"`
	Strategy string          `json:"strategy"`
	Capital  decimal.Decimal `json:"capital"`
	Limits   LimitsConfig    `json:"limits"`
	Params   json.RawMessage `json:"params"`
}

// LimitsConfig declares per-account risk limits.
type LimitsConfig struct {
	MaxPosition            decimal.Decimal `json:"maxPosition"`
	MaxDailyLoss           decimal.Decimal `json:"maxDailyLoss"`
	MaxConcurrentPositions int             `json:"maxConcurrentPositions"`
}

// PortfolioConfig declares fleet-wide limits.
type PortfolioConfig struct {
	MaxTotalLoss      decimal.Decimal `json:"maxTotalLoss"`
	DailyProfitTarget decimal.Decimal `json:"dailyProfitTarget"`
}

// SchedulerConfig tunes the agent loops.
type SchedulerConfig struct {
	TickInterval Duration `json:"tickInterval"`
	KillTimeout  Duration `json:"killTimeout"`
}

// StreamConfig tunes the snapshot publisher.
type StreamConfig struct {
	Interval  Duration `json:"interval"`
	QueueSize int      `json:"queueSize"`
	LogTail   int      `json:"logTail"`
}

// RebalanceConfig tunes the rebalancing engine.
type RebalanceConfig struct {
	Interval       Duration        `json:"interval"`
	ProfitMultiple decimal.Decimal `json:"profitMultiple"`
	ProfitTarget   decimal.Decimal `json:"profitTarget"`
	LossThreshold  decimal.Decimal `json:"lossThreshold"`
	FloorCapital   decimal.Decimal `json:"floorCapital"`
	TopUp          bool            `json:"topUp"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// PostgresConfig enables the persistence collaborator.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslMode"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Accounts     []schema.Account
	Portfolio    schema.PortfolioLimits
	TickInterval time.Duration
	KillTimeout  time.Duration

	StreamInterval  time.Duration
	StreamQueueSize int
	LogTail         int

	Rebalance rebalance.Config

	ServerAddr string
	Postgres   *conn.Option
}

// Load reads a JSON config file, applies .env and environment overrides,
// and validates the result.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	return Resolve(cfg)
}

// Resolve validates a file config and applies environment overrides.
func Resolve(cfg FileConfig) (Loaded, error) {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	accounts, err := resolveAccounts(cfg.Accounts)
	if err != nil {
		return Loaded{}, err
	}

	loaded := Loaded{
		Accounts: accounts,
		Portfolio: schema.PortfolioLimits{
			MaxTotalLoss:      cfg.Portfolio.MaxTotalLoss,
			DailyProfitTarget: cfg.Portfolio.DailyProfitTarget,
		},
		TickInterval:    cfg.Scheduler.TickInterval.Std(),
		KillTimeout:     cfg.Scheduler.KillTimeout.Std(),
		StreamInterval:  cfg.Stream.Interval.Std(),
		StreamQueueSize: cfg.Stream.QueueSize,
		LogTail:         cfg.Stream.LogTail,
		Rebalance: rebalance.Config{
			Interval:       cfg.Rebalance.Interval.Std(),
			ProfitMultiple: cfg.Rebalance.ProfitMultiple,
			ProfitTarget:   cfg.Rebalance.ProfitTarget,
			LossThreshold:  cfg.Rebalance.LossThreshold,
			FloorCapital:   cfg.Rebalance.FloorCapital,
			TopUp:          cfg.Rebalance.TopUp,
		},
		ServerAddr: cfg.Server.Addr,
	}
	if loaded.ServerAddr == "" {
		loaded.ServerAddr = ":8080"
	}
	if addr := os.Getenv("FLEET_SERVER_ADDR"); addr != "" {
		loaded.ServerAddr = addr
	}

	if cfg.Postgres != nil {
		opt := &conn.Option{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}
		if v := os.Getenv("FLEET_PG_PASSWORD"); v != "" {
			opt.Password = v
		}
		if v := os.Getenv("FLEET_PG_HOST"); v != "" {
			opt.Host = v
		}
		loaded.Postgres = opt
	}
	return loaded, nil
}

func resolveAccounts(configs []AccountConfig) ([]schema.Account, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}
	seen := make(map[string]struct{}, len(configs))
	accounts := make([]schema.Account, 0, len(configs))
	for _, c := range configs {
		if c.ID == "" {
			return nil, fmt.Errorf("account id is empty")
		}
		if _, ok := seen[c.ID]; ok {
			return nil, fmt.Errorf("duplicate account id: %s", c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.Strategy == "" {
			return nil, fmt.Errorf("account %s: strategy is empty", c.ID)
		}
		if !c.Capital.IsPositive() {
			return nil, fmt.Errorf("account %s: capital must be > 0", c.ID)
		}
		if err := validateLimits(c.Limits); err != nil {
			return nil, fmt.Errorf("account %s: %w", c.ID, err)
		}
		accounts = append(accounts, schema.Account{
			ID:       schema.AccountID(c.ID),
			Strategy: schema.StrategyKind(c.Strategy),
			Capital:  c.Capital,
			Limits: schema.RiskLimits{
				MaxPosition:            c.Limits.MaxPosition,
				MaxDailyLoss:           c.Limits.MaxDailyLoss,
				MaxConcurrentPositions: c.Limits.MaxConcurrentPositions,
			},
			Params: c.Params,
		})
	}
	return accounts, nil
}

func validateLimits(l LimitsConfig) error {
	one := decimal.NewFromInt(1)
	if !l.MaxPosition.IsPositive() || l.MaxPosition.GreaterThan(one) {
		return fmt.Errorf("maxPosition must be in (0, 1]")
	}
	if !l.MaxDailyLoss.IsPositive() || l.MaxDailyLoss.GreaterThan(one) {
		return fmt.Errorf("maxDailyLoss must be in (0, 1]")
	}
	if l.MaxConcurrentPositions < 0 {
		return fmt.Errorf("maxConcurrentPositions must be >= 0")
	}
	return nil
}
