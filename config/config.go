// Package config loads daemon configuration from a TOML file with
// environment overrides applied on top.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openmarket/auction"
	"github.com/cloudx-io/openmarket/fraud"
)

// Duration decodes TOML strings such as "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Log        LogConfig        `toml:"log"`
	HTTP       HTTPConfig       `toml:"http"`
	Auction    AuctionConfig    `toml:"auction"`
	Settlement SettlementConfig `toml:"settlement"`
	Fraud      FraudConfig      `toml:"fraud"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Bolt       BoltConfig       `toml:"bolt"`
	Graph      GraphConfig      `toml:"graph"`
	Receipts   ReceiptConfig    `toml:"receipts"`
	Admin      AdminConfig      `toml:"admin"`
	Notify     NotifyConfig     `toml:"notify"`
}

type LogConfig struct {
	Level     slog.Level `toml:"level"`
	Format    string     `toml:"format"`
	AddSource bool       `toml:"add_source"`
}

type HTTPConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	// MaxInFlight bounds concurrently served requests; extra requests get 503.
	MaxInFlight int `toml:"max_in_flight"`
}

type AuctionConfig struct {
	SelfBidPolicy string   `toml:"self_bid_policy"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type SettlementConfig struct {
	ReservationTTL  Duration `toml:"reservation_ttl"`
	ExpiryInterval  Duration `toml:"expiry_interval"`
	VerifierURL     string   `toml:"verifier_url"`
	VerifierAPIKey  string   `toml:"verifier_api_key"`
	VerifierTimeout Duration `toml:"verifier_timeout"`
}

type FraudConfig struct {
	Workers             int      `toml:"workers"`
	QueueSize           int      `toml:"queue_size"`
	AutoBlockCritical   bool     `toml:"auto_block_critical"`
	SuspendOnConfirm    bool     `toml:"suspend_on_confirm"`
	SimilarityThreshold float64  `toml:"similarity_threshold"`
	WithdrawalRatio     string   `toml:"withdrawal_ratio"`
	WarningAmount       string   `toml:"warning_amount"`
	CriticalAmount      string   `toml:"critical_amount"`
	SweepInterval       Duration `toml:"sweep_interval"`
	SimilarityCacheSize int      `toml:"similarity_cache_size"`
	SimilarityCacheTTL  Duration `toml:"similarity_cache_ttl"`
}

type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime Duration `toml:"max_conn_lifetime"`
	Migrate         bool     `toml:"migrate"`
}

type BoltConfig struct {
	Path string `toml:"path"`
}

type GraphConfig struct {
	URI            string `toml:"uri"`
	Database       string `toml:"database"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	MaxConnections int    `toml:"max_connections"`
}

type ReceiptConfig struct {
	Enabled bool   `toml:"enabled"`
	KeyFile string `toml:"key_file"`
}

type AdminConfig struct {
	Token     string `toml:"token"`
	AccountID string `toml:"account_id"`
}

type NotifyConfig struct {
	QueueSize int `toml:"queue_size"`
	Workers   int `toml:"workers"`
}

func Default() Config {
	fc := fraud.DefaultConfig()
	return Config{
		Log: LogConfig{Level: slog.LevelInfo, Format: "text"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
			MaxInFlight:     256,
		},
		Auction: AuctionConfig{
			SelfBidPolicy: string(auction.SelfBidFlag),
			SweepInterval: Duration{time.Second},
		},
		Settlement: SettlementConfig{
			ReservationTTL:  Duration{15 * time.Minute},
			ExpiryInterval:  Duration{30 * time.Second},
			VerifierTimeout: Duration{5 * time.Second},
		},
		Fraud: FraudConfig{
			Workers:             fc.Workers,
			QueueSize:           fc.QueueSize,
			AutoBlockCritical:   fc.AutoBlockCritical,
			SuspendOnConfirm:    fc.SuspendOnConfirm,
			SimilarityThreshold: fc.SimilarityThreshold,
			WithdrawalRatio:     fc.WithdrawalRatio.String(),
			WarningAmount:       fc.WarningAmount.String(),
			CriticalAmount:      fc.CriticalAmount.String(),
			SweepInterval:       Duration{time.Minute},
			SimilarityCacheSize: 4096,
			SimilarityCacheTTL:  Duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{MaxConns: 16, Migrate: true},
		Graph:    GraphConfig{MaxConnections: 10},
		Receipts: ReceiptConfig{Enabled: true},
		Admin:    AdminConfig{AccountID: fc.AdminAccountID},
		Notify:   NotifyConfig{QueueSize: 1024, Workers: 2},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to open config: %w", err)
		}
		defer file.Close()
		if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.Log.Level.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}
	cfg.Log.Format = valueOrDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.AddSource = parseBoolWithDefault("LOG_ADD_SOURCE", cfg.Log.AddSource)

	cfg.HTTP.Addr = valueOrDefault("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.MaxInFlight = parseIntWithDefault("HTTP_MAX_IN_FLIGHT", cfg.HTTP.MaxInFlight)

	cfg.Postgres.DSN = valueOrDefault("DATABASE_URL", cfg.Postgres.DSN)
	cfg.Bolt.Path = valueOrDefault("BOLT_PATH", cfg.Bolt.Path)

	cfg.Graph.URI = valueOrDefault("GRAPH_URI", cfg.Graph.URI)
	cfg.Graph.Database = valueOrDefault("GRAPH_DATABASE", cfg.Graph.Database)
	cfg.Graph.Username = valueOrDefault("GRAPH_USERNAME", cfg.Graph.Username)
	cfg.Graph.Password = valueOrDefault("GRAPH_PASSWORD", cfg.Graph.Password)

	cfg.Settlement.VerifierURL = valueOrDefault("PAYMENT_VERIFIER_URL", cfg.Settlement.VerifierURL)
	cfg.Settlement.VerifierAPIKey = valueOrDefault("PAYMENT_VERIFIER_API_KEY", cfg.Settlement.VerifierAPIKey)

	cfg.Receipts.KeyFile = valueOrDefault("RECEIPT_KEY_FILE", cfg.Receipts.KeyFile)
	cfg.Admin.Token = valueOrDefault("ADMIN_TOKEN", cfg.Admin.Token)

	for key, target := range map[string]*Duration{
		"RESERVATION_TTL":        &cfg.Settlement.ReservationTTL,
		"AUCTION_SWEEP_INTERVAL": &cfg.Auction.SweepInterval,
		"HTTP_SHUTDOWN_TIMEOUT":  &cfg.HTTP.ShutdownTimeout,
	} {
		if v := os.Getenv(key); v != "" {
			if err := target.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
		}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch auction.SelfBidPolicy(c.Auction.SelfBidPolicy) {
	case auction.SelfBidFlag, auction.SelfBidReject:
	default:
		errs = append(errs, fmt.Errorf("auction.self_bid_policy must be flag or reject, got %q", c.Auction.SelfBidPolicy))
	}
	if c.Settlement.ReservationTTL.Duration <= 0 {
		errs = append(errs, errors.New("settlement.reservation_ttl must be positive"))
	}
	if c.HTTP.MaxInFlight <= 0 {
		errs = append(errs, errors.New("http.max_in_flight must be positive"))
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	for name, v := range map[string]string{
		"fraud.withdrawal_ratio": c.Fraud.WithdrawalRatio,
		"fraud.warning_amount":   c.Fraud.WarningAmount,
		"fraud.critical_amount":  c.Fraud.CriticalAmount,
	} {
		if _, err := decimal.NewFromString(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// FraudDetectorConfig merges the file settings into the detector defaults.
func (c Config) FraudDetectorConfig() fraud.Config {
	fc := fraud.DefaultConfig()
	fc.Workers = c.Fraud.Workers
	fc.QueueSize = c.Fraud.QueueSize
	fc.AutoBlockCritical = c.Fraud.AutoBlockCritical
	fc.SuspendOnConfirm = c.Fraud.SuspendOnConfirm
	fc.SimilarityThreshold = c.Fraud.SimilarityThreshold
	fc.AdminAccountID = c.Admin.AccountID
	if v, err := decimal.NewFromString(c.Fraud.WithdrawalRatio); err == nil {
		fc.WithdrawalRatio = v
	}
	if v, err := decimal.NewFromString(c.Fraud.WarningAmount); err == nil {
		fc.WarningAmount = v
	}
	if v, err := decimal.NewFromString(c.Fraud.CriticalAmount); err == nil {
		fc.CriticalAmount = v
	}
	return fc
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}
