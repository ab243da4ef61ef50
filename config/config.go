package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-market/clients"
	"github.com/vitwit/x402-market/ledger"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string         `yaml:"env"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Networks NetworksConfig `yaml:"networks"`
	Signer   SignerConfig   `yaml:"signer"`
	Paywall  PaywallConfig  `yaml:"paywall"`
	Market   MarketConfig   `yaml:"market"`
	Bot      BotConfig      `yaml:"bot"`
}

type HTTPConfig struct {
	Addr          string        `yaml:"addr"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	VerifyTimeout time.Duration `yaml:"verify_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// PostgresConfig selects the in-memory store when DSN is empty.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig disables the verification cache when Addr is empty.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type NetworksConfig struct {
	Solana NetworkConfig `yaml:"solana"`
	Base   NetworkConfig `yaml:"base"`
}

type NetworkConfig struct {
	Enabled bool   `yaml:"enabled"`
	RPC     string `yaml:"rpc"`

	// Mint (ledger network) or token contract (EVM) of USDC.
	Asset    string `yaml:"asset"`
	Decimals int32  `yaml:"decimals"`
	ChainID  int64  `yaml:"chain_id"`

	// PayTo is the static recipient. The ledger network ignores it and
	// pays the active signer instead.
	PayTo string `yaml:"pay_to"`

	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type SignerConfig struct {
	// Key is a base58 secret, a JSON byte array, or a keygen file path.
	Key string `yaml:"key"`
}

type PaywallConfig struct {
	Tiers []ledger.Tier `yaml:"tiers"`
}

type MarketConfig struct {
	FeeBps     uint32            `yaml:"fee_bps"`
	FeeWallets map[string]string `yaml:"fee_wallets"`
	PageSize   int               `yaml:"page_size"`
}

type BotConfig struct {
	Token string `yaml:"token"`
}

func Default() Config {
	return Config{
		Env: "dev",
		HTTP: HTTPConfig{
			Addr:          ":8080",
			ReadTimeout:   5 * time.Second,
			WriteTimeout:  60 * time.Second,
			IdleTimeout:   30 * time.Second,
			VerifyTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Redis: RedisConfig{
			CacheTTL: 10 * time.Minute,
		},
		Networks: NetworksConfig{
			Solana: NetworkConfig{
				Enabled:       true,
				RPC:           "https://api.mainnet-beta.solana.com",
				Asset:         "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
				Decimals:      6,
				RetryAttempts: 5,
				RetryDelay:    2 * time.Second,
			},
			Base: NetworkConfig{
				Enabled:       false,
				RPC:           "https://mainnet.base.org",
				Asset:         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Decimals:      6,
				ChainID:       clients.BaseChainID,
				RetryAttempts: 5,
				RetryDelay:    3 * time.Second,
			},
		},
		Paywall: PaywallConfig{
			Tiers: []ledger.Tier{
				{Name: "day", Price: decimal.RequireFromString("1"), Duration: 24 * time.Hour},
				{Name: "week", Price: decimal.RequireFromString("5"), Duration: 7 * 24 * time.Hour},
				{Name: "month", Price: decimal.RequireFromString("15"), Duration: 30 * 24 * time.Hour},
			},
		},
		Market: MarketConfig{
			PageSize: 100,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadFromYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("unmarshal config yaml: %w", err)
	}

	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Env = v
	}

	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if err := overrideDuration("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return err
	}
	if err := overrideDuration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return err
	}
	if err := overrideDuration("VERIFY_TIMEOUT", &cfg.HTTP.VerifyTimeout); err != nil {
		return err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if err := overrideInt("REDIS_DB", &cfg.Redis.DB); err != nil {
		return err
	}

	if v := os.Getenv("SOLANA_RPC"); v != "" {
		cfg.Networks.Solana.RPC = v
	}
	if v := os.Getenv("USDC_MINT"); v != "" {
		cfg.Networks.Solana.Asset = v
	}
	if err := overrideBool("ENABLE_SOLANA", &cfg.Networks.Solana.Enabled); err != nil {
		return err
	}

	if v := os.Getenv("BASE_RPC"); v != "" {
		cfg.Networks.Base.RPC = v
	}
	if v := os.Getenv("BASE_USDC_CONTRACT"); v != "" {
		cfg.Networks.Base.Asset = v
	}
	if v := os.Getenv("BASE_PAYMENT_WALLET"); v != "" {
		cfg.Networks.Base.PayTo = v
	}
	if err := overrideBool("ENABLE_BASE", &cfg.Networks.Base.Enabled); err != nil {
		return err
	}

	if v := os.Getenv("SOLANA_SIGNER_KEY"); v != "" {
		cfg.Signer.Key = v
	}

	if err := overrideUint32("MARKET_FEE_BPS", &cfg.Market.FeeBps); err != nil {
		return err
	}
	if v := os.Getenv("MARKET_ADMIN_WALLET"); v != "" {
		if cfg.Market.FeeWallets == nil {
			cfg.Market.FeeWallets = make(map[string]string)
		}
		cfg.Market.FeeWallets["solana"] = v
	}

	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.Bot.Token = v
	}

	return nil
}

// Validate rejects configurations the facilitator cannot serve.
func (c Config) Validate() error {
	if !c.Networks.Solana.Enabled && !c.Networks.Base.Enabled {
		return errors.New("at least one network must be enabled")
	}

	if c.Networks.Solana.Enabled {
		if strings.TrimSpace(c.Networks.Solana.RPC) == "" {
			return errors.New("networks.solana.rpc is required")
		}
		if strings.TrimSpace(c.Signer.Key) == "" {
			return errors.New("signer.key is required when solana is enabled")
		}
	}

	if c.Networks.Base.Enabled {
		if strings.TrimSpace(c.Networks.Base.RPC) == "" {
			return errors.New("networks.base.rpc is required")
		}
		if strings.TrimSpace(c.Networks.Base.Asset) == "" {
			return errors.New("networks.base.asset is required when base is enabled")
		}
		if strings.TrimSpace(c.Networks.Base.PayTo) == "" {
			return errors.New("networks.base.pay_to is required when base is enabled")
		}
	}

	if c.Market.FeeBps >= 10_000 {
		return fmt.Errorf("market.fee_bps must be below 10000, got %d", c.Market.FeeBps)
	}

	if len(c.Paywall.Tiers) == 0 {
		return errors.New("paywall.tiers must not be empty")
	}

	return nil
}

func overrideDuration(key string, target *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s duration: %w", key, err)
	}
	*target = d
	return nil
}

func overrideInt(key string, target *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s int: %w", key, err)
	}
	*target = n
	return nil
}

func overrideUint32(key string, target *uint32) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fmt.Errorf("parse %s uint: %w", key, err)
	}
	*target = uint32(n)
	return nil
}

func overrideBool(key string, target *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("parse %s bool: %w", key, err)
	}
	*target = b
	return nil
}
