package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"auction-engine/internal/policy"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. AUCTION_DB_DSN for --db-dsn
const EnvPrefix = "AUCTION"

type DBConfig struct {
	// DSN selects postgres; empty runs on the in-memory store
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	// Addr enables the shared rate limiter and the sweep lease; empty disables both
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type AuthConfig struct {
	JWTSecret string
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

type SweepConfig struct {
	Interval    time.Duration
	BatchSize   int
	LeaseKey    string
	LeaseExpiry time.Duration
	ClaimTTL    time.Duration
}

// Config is everything the service reads at startup
type Config struct {
	ServerAddr string
	LogLevel   string
	Seed       bool

	Policy    policy.Policy
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Sweep     SweepConfig
}

// Flags declares every setting with its default
func Flags() *pflag.FlagSet {
	def := policy.Default()
	fs := pflag.NewFlagSet("auction-engine", pflag.ContinueOnError)

	// server config
	fs.String("server-addr", ":8080", "HTTP listen address")
	fs.String("log-level", "info", "log level")
	fs.Bool("seed", false, "seed demo auctions into the in-memory store")

	// policy config
	fs.Int64("min-bid-step", def.MinBidStep, "default minimum bid step")
	fs.Int("anti-snipe-window-minutes", int(def.AntiSnipeWindow/time.Minute), "anti-sniping window in minutes")
	fs.String("deposit-mode", string(def.Deposit.Mode), "deposit policy: fixed or percent")
	fs.String("deposit-value", def.Deposit.Value.String(), "fixed deposit amount or percent of the start price")
	fs.Int64("buyer-fixed-fee", def.BuyerFixedFee, "fixed fee charged to the buyer")
	fs.String("seller-fee-rate-percent", def.SellerFeeRatePercent.String(), "seller fee in percent of the vehicle amount")
	fs.Duration("store-timeout", def.StoreTimeout, "bound on one atomic store unit, lock wait included")
	fs.Int("max-attempts", def.MaxAttempts, "attempts on transient store failures")
	fs.Duration("retry-backoff", def.RetryBackoff, "linear backoff step between attempts")

	// db config
	fs.String("db-dsn", "", "postgres DSN; empty uses the in-memory store")
	fs.Bool("db-auto-migrate", true, "create tables on startup")

	// redis config
	fs.String("redis-addr", "", "redis address for rate limiting and the sweep lease")
	fs.String("redis-password", "", "")
	fs.Int("redis-db", 0, "")
	fs.String("redis-key-prefix", "auction:", "")

	// nats config
	fs.String("nats-url", "", "NATS URL for domain events; empty disables publishing")
	fs.String("nats-subject-prefix", "", "")

	// auth config
	fs.String("jwt-secret", "", "HS256 secret for bearer tokens")

	// rate limit config
	fs.Int("bid-rate-limit", 10, "bids per identity per window; 0 disables")
	fs.Duration("bid-rate-window", time.Minute, "")

	// sweep config
	fs.Duration("sweep-interval", 5*time.Second, "")
	fs.Int("sweep-batch-size", 100, "")
	fs.String("sweep-lease-key", "sweep-lease", "")
	fs.Duration("sweep-lease-expiry", 30*time.Second, "")
	fs.Duration("sweep-claim-ttl", time.Minute, "how long a closing auction stays claimed by one sweep")

	return fs
}

// Load parses args into fs and overlays AUCTION_* environment variables
func Load(fs *pflag.FlagSet, args []string) (Config, error) {
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("config: bind flags: %w", err)
	}
	v.AutomaticEnv()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	var errs []error
	depositValue, err := decimal.NewFromString(v.GetString("deposit-value"))
	if err != nil {
		errs = append(errs, fmt.Errorf("deposit-value: %w", err))
	}
	sellerRate, err := decimal.NewFromString(v.GetString("seller-fee-rate-percent"))
	if err != nil {
		errs = append(errs, fmt.Errorf("seller-fee-rate-percent: %w", err))
	}

	cfg := Config{
		ServerAddr: v.GetString("server-addr"),
		LogLevel:   v.GetString("log-level"),
		Seed:       v.GetBool("seed"),
		Policy: policy.Policy{
			MinBidStep:      v.GetInt64("min-bid-step"),
			AntiSnipeWindow: time.Duration(v.GetInt("anti-snipe-window-minutes")) * time.Minute,
			Deposit: policy.DepositPolicy{
				Mode:  policy.DepositMode(v.GetString("deposit-mode")),
				Value: depositValue,
			},
			BuyerFixedFee:        v.GetInt64("buyer-fixed-fee"),
			SellerFeeRatePercent: sellerRate,
			StoreTimeout:         v.GetDuration("store-timeout"),
			MaxAttempts:          v.GetInt("max-attempts"),
			RetryBackoff:         v.GetDuration("retry-backoff"),
		},
		DB: DBConfig{
			DSN:         v.GetString("db-dsn"),
			AutoMigrate: v.GetBool("db-auto-migrate"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("redis-addr"),
			Password:  v.GetString("redis-password"),
			DB:        v.GetInt("redis-db"),
			KeyPrefix: v.GetString("redis-key-prefix"),
		},
		NATS: NATSConfig{
			URL:           v.GetString("nats-url"),
			SubjectPrefix: v.GetString("nats-subject-prefix"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("jwt-secret"),
		},
		RateLimit: RateLimitConfig{
			Limit:  v.GetInt("bid-rate-limit"),
			Window: v.GetDuration("bid-rate-window"),
		},
		Sweep: SweepConfig{
			Interval:    v.GetDuration("sweep-interval"),
			BatchSize:   v.GetInt("sweep-batch-size"),
			LeaseKey:    v.GetString("sweep-lease-key"),
			LeaseExpiry: v.GetDuration("sweep-lease-expiry"),
			ClaimTTL:    v.GetDuration("sweep-claim-ttl"),
		},
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error
	if c.ServerAddr == "" {
		errs = append(errs, errors.New("server-addr is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("jwt-secret is required"))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.Limit > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("bid-rate-window must be positive, got %s", c.RateLimit.Window))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sweep-interval must be positive, got %s", c.Sweep.Interval))
	}
	if c.Sweep.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sweep-batch-size must be positive, got %d", c.Sweep.BatchSize))
	}
	if c.Sweep.ClaimTTL <= 0 {
		errs = append(errs, fmt.Errorf("sweep-claim-ttl must be positive, got %s", c.Sweep.ClaimTTL))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
