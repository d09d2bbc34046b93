package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "market.toml")
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	assert.NoError(t, err)
	check.Equal(t, ":8080", cfg.HTTP.Addr)
	check.Equal(t, "flag", cfg.Auction.SelfBidPolicy)
	check.Equal(t, 15*time.Minute, cfg.Settlement.ReservationTTL.Duration)
	check.Equal(t, "admin", cfg.Admin.AccountID)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "debug"
format = "json"

[auction]
self_bid_policy = "reject"
sweep_interval = "250ms"

[settlement]
reservation_ttl = "5m"
verifier_url = "http://payments.local/verify"

[fraud]
workers = 8
withdrawal_ratio = "0.75"
critical_amount = "5000"
`)
	t.Setenv("ADMIN_TOKEN", "s3cret")
	t.Setenv("RESERVATION_TTL", "7m")

	cfg, err := Load(path)
	assert.NoError(t, err)
	check.Equal(t, slog.LevelDebug, cfg.Log.Level)
	check.Equal(t, "json", cfg.Log.Format)
	check.Equal(t, "reject", cfg.Auction.SelfBidPolicy)
	check.Equal(t, 250*time.Millisecond, cfg.Auction.SweepInterval.Duration)
	check.Equal(t, 7*time.Minute, cfg.Settlement.ReservationTTL.Duration)
	check.Equal(t, "s3cret", cfg.Admin.Token)

	fc := cfg.FraudDetectorConfig()
	check.Equal(t, 8, fc.Workers)
	check.True(t, decimal.RequireFromString("0.75").Equal(fc.WithdrawalRatio))
	check.True(t, decimal.RequireFromString("5000").Equal(fc.CriticalAmount))
	check.True(t, decimal.RequireFromString("1000").Equal(fc.WarningAmount))
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, `
[auction]
self_bid_policy = "maybe"
`))
	check.Error(t, err)

	_, err = Load(writeConfig(t, `
[settlement]
reservation_ttl = "soon"
`))
	check.Error(t, err)

	_, err = Load(writeConfig(t, `
[unknown]
x = 1
`))
	check.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	check.Error(t, err)
}
