package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/token_economy/internal/app/domain/emission"
	"github.com/R3E-Network/token_economy/internal/app/domain/subscription"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 24*time.Hour, cfg.Epoch.Length)
	require.Equal(t, uint64(1), cfg.Economy.MinStake)
	require.Equal(t, time.Minute, cfg.Redis.LockTTL)

	policy, err := cfg.EmissionPolicy()
	require.NoError(t, err)
	require.Equal(t, emission.Default().EpochCap, policy.EpochCap)
	require.Equal(t, 2.0, policy.SubscriptionMultipliers[subscription.TierPremium])
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, "ledgerd.yaml", `
server:
  addr: ":9000"
epoch:
  genesis: "2024-01-01T00:00:00Z"
  length: 1h
economy:
  min_stake: 10
  policy:
    epoch_cap: 5000
    cap_scope: target
    kappa_tiers:
      - {min_ratio: 0, multiplier: 1}
      - {min_ratio: 0.5, multiplier: 3}
  new_user_grant:
    amount: 100
    vesting_epochs: 10
distribution:
  schedule: "@daily"
`)
	t.Setenv("LEDGER_HTTP_ADDR", ":9100")
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Server.Addr)
	require.Equal(t, "postgres://localhost/ledger", cfg.Database.DSN)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, time.Hour, cfg.Epoch.Length)
	require.Equal(t, "@daily", cfg.Distribution.Schedule)
	require.Equal(t, uint64(100), cfg.Economy.NewUserGrant.Policy().Amount)

	genesis, err := cfg.GenesisTime(time.Now())
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), genesis)

	policy, err := cfg.EmissionPolicy()
	require.NoError(t, err)
	require.Equal(t, uint64(5000), policy.EpochCap)
	require.Equal(t, emission.CapPerTarget, policy.CapScope)
	require.Len(t, policy.KappaTiers, 2)
}

func TestLoadEnvFile(t *testing.T) {
	env := writeFile(t, ".env", "GOVERNANCE_SECRET=from-dotenv\n")
	t.Setenv("GOVERNANCE_SECRET", "")
	os.Unsetenv("GOVERNANCE_SECRET")

	cfg, err := Load("", env)
	require.NoError(t, err)
	require.Equal(t, "from-dotenv", cfg.Governance.Secret)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad scope":   "economy:\n  policy:\n    cap_scope: everywhere\n",
		"bad genesis": "epoch:\n  genesis: yesterday\n",
		"bad length":  "epoch:\n  length: 0s\n",
		"bad kappa":   "economy:\n  policy:\n    kappa_tiers:\n      - {min_ratio: 0.2, multiplier: 1}\n",
		"bad tier":    "economy:\n  policy:\n    subscription_multipliers:\n      gold: 4\n",
		"short lock":  "redis:\n  addr: localhost:6379\n  lock_ttl: 1s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", body), "")
			require.Error(t, err)
		})
	}
}
