package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Commands understood by Run.
const (
	CommandEligible = "eligible"
	CommandApply    = "apply"
	CommandValidate = "validate"
	CommandRedeem   = "redeem"
)

// Config holds the complete application configuration, loadable from
// environment variables (DISCOUNT_ prefix), a .env file, flags, or YAML
// config files.
type Config struct {
	DatabaseURL string `usage:"PostgreSQL connection URL (DISCOUNT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL    string `default:"" usage:"Redis URL for redemption locks, empty disables them" flag:"redis-url"`
	Migrate     bool   `default:"true" usage:"Apply the embedded schema on start"`
	Lock        LockConfig

	Command    string   `default:"validate" usage:"One of eligible, apply, validate, redeem"`
	DiscountID string   `default:"" usage:"Discount ID for eligible and apply" flag:"discount-id"`
	Code       string   `default:"" usage:"Discount code for validate and redeem"`
	OrderID    string   `default:"" usage:"Order the items belong to" flag:"order-id"`
	Items      []string `usage:"Order item IDs, defaults to every item of --order-id"`
	Candidates []string `usage:"Restrict eligible products to these IDs"`
}

// LockConfig controls the Redis redemption lock.
type LockConfig struct {
	TTL     time.Duration `default:"30s"  usage:"Lock expiry for crashed holders"`
	Backoff time.Duration `default:"50ms" usage:"Delay between lock attempts"`
}

// LoadConfig loads configuration from an optional .env file, environment
// variables, YAML config files and flags, and applies platform defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "DISCOUNT",
		Files:     []string{"config.yaml", "/etc/discount/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that
// use standard names like DATABASE_URL and REDIS_URL.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv("REDIS_URL")
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set DISCOUNT_DATABASE_URL or DATABASE_URL")
	}

	switch c.Command {
	case CommandEligible, CommandApply:
		if c.DiscountID == "" {
			return errors.Errorf("%s: --discount-id is required", c.Command)
		}
	case CommandValidate:
		if c.Code == "" {
			return errors.New("validate: --code is required")
		}
	case CommandRedeem:
		if c.Code == "" || c.OrderID == "" {
			return errors.New("redeem: --code and --order-id are required")
		}
	default:
		return errors.Errorf("unknown command %q", c.Command)
	}

	if c.Command != CommandValidate && len(c.Items) == 0 && c.OrderID == "" {
		return errors.Errorf("%s: --items or --order-id is required", c.Command)
	}
	return nil
}
