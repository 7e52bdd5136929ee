// Package config loads ledgerd configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/token_economy/internal/app/domain/emission"
	"github.com/R3E-Network/token_economy/internal/app/domain/grant"
	"github.com/R3E-Network/token_economy/internal/app/domain/subscription"
	"github.com/R3E-Network/token_economy/internal/app/kappa"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

// Config is the complete ledgerd configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Governance   GovernanceConfig   `yaml:"governance"`
	Epoch        EpochConfig        `yaml:"epoch"`
	Economy      EconomyConfig      `yaml:"economy"`
	Distribution DistributionConfig `yaml:"distribution"`
	Logging      logger.Config      `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"LEDGER_HTTP_ADDR"`
	RateLimit       float64       `yaml:"rate_limit" env:"LEDGER_RATE_LIMIT"`
	Burst           int           `yaml:"burst" env:"LEDGER_RATE_BURST"`
	AuditLimit      int           `yaml:"audit_limit"`
	AuditPath       string        `yaml:"audit_path" env:"LEDGER_AUDIT_PATH"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects postgres persistence. An empty DSN keeps every
// store in memory.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn" env:"DATABASE_URL"`
	Migrate      bool          `yaml:"migrate" env:"DATABASE_MIGRATE"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the cross-instance round lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	LockKey  string        `yaml:"lock_key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type GovernanceConfig struct {
	Secret string `yaml:"secret" env:"GOVERNANCE_SECRET"`
	Issuer string `yaml:"issuer" env:"GOVERNANCE_ISSUER"`
}

type EpochConfig struct {
	// Genesis is RFC3339. Empty means process start, re-anchored to the
	// genesis stored in the latest snapshot when one exists. A configured
	// genesis that disagrees with the snapshot fails startup.
	Genesis string        `yaml:"genesis" env:"EPOCH_GENESIS"`
	Length  time.Duration `yaml:"length" env:"EPOCH_LENGTH"`
}

type GrantConfig struct {
	Amount        uint64 `yaml:"amount"`
	CliffEpochs   uint64 `yaml:"cliff_epochs"`
	VestingEpochs uint64 `yaml:"vesting_epochs"`
}

func (g GrantConfig) Policy() grant.Policy {
	return grant.Policy{Amount: g.Amount, CliffEpochs: g.CliffEpochs, VestingEpochs: g.VestingEpochs}
}

// PolicyConfig is the genesis emission policy.
type PolicyConfig struct {
	EpochCap                uint64             `yaml:"epoch_cap"`
	BaseRate                uint64             `yaml:"base_rate"`
	CapScope                string             `yaml:"cap_scope"`
	RewardAsset             string             `yaml:"reward_asset"`
	KappaTiers              []kappa.Tier       `yaml:"kappa_tiers"`
	SubscriptionMultipliers map[string]float64 `yaml:"subscription_multipliers"`
}

type EconomyConfig struct {
	// Rate is credits per base unit scaled by 1e6.
	Rate         uint64       `yaml:"rate" env:"EXCHANGE_RATE"`
	MinStake     uint64       `yaml:"min_stake" env:"MIN_STAKE"`
	Policy       PolicyConfig `yaml:"policy"`
	NewUserGrant GrantConfig  `yaml:"new_user_grant"`
	TargetGrant  GrantConfig  `yaml:"target_grant"`
}

type DistributionConfig struct {
	Schedule         string        `yaml:"schedule" env:"ROUND_SCHEDULE"`
	Timeout          time.Duration `yaml:"timeout" env:"ROUND_TIMEOUT"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	policy := emission.Default()
	multipliers := make(map[string]float64, len(policy.SubscriptionMultipliers))
	for tier, m := range policy.SubscriptionMultipliers {
		multipliers[string(tier)] = m
	}
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       50,
			Burst:           100,
			AuditLimit:      500,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Migrate:      true,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			ConnMaxLife:  30 * time.Minute,
		},
		Redis:      RedisConfig{LockKey: "token-economy:distribution-round", LockTTL: time.Minute},
		Governance: GovernanceConfig{Issuer: "token-economy"},
		Epoch:      EpochConfig{Length: 24 * time.Hour},
		Economy: EconomyConfig{
			MinStake: 1,
			Policy: PolicyConfig{
				EpochCap:                policy.EpochCap,
				BaseRate:                policy.BaseRate,
				CapScope:                string(policy.CapScope),
				RewardAsset:             string(policy.RewardAsset),
				SubscriptionMultipliers: multipliers,
			},
		},
		Distribution: DistributionConfig{
			Schedule:         "0 * * * *",
			Timeout:          30 * time.Minute,
			SnapshotInterval: time.Minute,
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides. envFile, when non-empty, is loaded into the environment first;
// a missing env file is not an error.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// minLockTTL leaves the round lock room for at least one refresh.
const minLockTTL = 3 * time.Second

// Validate checks values that would otherwise fail later at startup.
func (c Config) Validate() error {
	if c.Epoch.Length <= 0 {
		return fmt.Errorf("epoch.length must be positive")
	}
	if _, err := c.GenesisTime(time.Now()); err != nil {
		return err
	}
	if _, err := c.EmissionPolicy(); err != nil {
		return err
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL < minLockTTL {
		return fmt.Errorf("redis.lock_ttl must be at least %s", minLockTTL)
	}
	return nil
}

// GenesisTime parses the configured genesis, falling back to now.
func (c Config) GenesisTime(now time.Time) (time.Time, error) {
	raw := strings.TrimSpace(c.Epoch.Genesis)
	if raw == "" {
		return now.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("epoch.genesis: %w", err)
	}
	return t.UTC(), nil
}

// EmissionPolicy converts the genesis policy section.
func (c Config) EmissionPolicy() (emission.Policy, error) {
	pc := c.Economy.Policy
	policy := emission.Policy{
		EpochCap:    pc.EpochCap,
		BaseRate:    pc.BaseRate,
		CapScope:    emission.CapScope(pc.CapScope),
		RewardAsset: emission.RewardAsset(pc.RewardAsset),
	}
	switch policy.CapScope {
	case "":
		policy.CapScope = emission.CapGlobal
	case emission.CapGlobal, emission.CapPerTarget:
	default:
		return emission.Policy{}, fmt.Errorf("economy.policy.cap_scope %q is not global or target", pc.CapScope)
	}
	switch policy.RewardAsset {
	case "":
		policy.RewardAsset = emission.RewardCredits
	case emission.RewardCredits, emission.RewardBase:
	default:
		return emission.Policy{}, fmt.Errorf("economy.policy.reward_asset %q is not credits or base", pc.RewardAsset)
	}
	if len(pc.KappaTiers) > 0 {
		table, err := kappa.NewTable(pc.KappaTiers)
		if err != nil {
			return emission.Policy{}, fmt.Errorf("economy.policy.kappa_tiers: %w", err)
		}
		policy.KappaTiers = table
	}
	if len(pc.SubscriptionMultipliers) > 0 {
		policy.SubscriptionMultipliers = make(map[subscription.Tier]float64, len(pc.SubscriptionMultipliers))
		for name, m := range pc.SubscriptionMultipliers {
			tier := subscription.Tier(name)
			if !tier.Valid() || m <= 0 {
				return emission.Policy{}, fmt.Errorf("economy.policy.subscription_multipliers: invalid %s=%v", name, m)
			}
			policy.SubscriptionMultipliers[tier] = m
		}
	}
	return policy, nil
}
