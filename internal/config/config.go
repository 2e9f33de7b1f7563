package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type Config struct {
	App       AppConfig
	Postgres  PostgresConfig
	AMQP      AMQPConfig
	Catalog   CatalogConfig
	Orders    OrdersConfig
	Display   DisplayConfig
	Notify    NotifyConfig
	Pricing   PricingConfig
	LogLevel  string
	LogFormat string
}

type AppConfig struct {
	Port              string
	StorageDriver     string
	DefaultRestaurant string
	ShutdownTimeout   time.Duration
}

type PostgresConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MigrationsPath  string
}

// DSN returns the key/value connection string understood by pgxpool.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// MigrateURL returns the URL used by golang-migrate's pgx/v5 driver.
func (c PostgresConfig) MigrateURL() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

type AMQPConfig struct {
	URL                  string
	NotificationExchange string
	MirrorExchange       string
}

type CatalogConfig struct {
	Timeout  time.Duration
	SeedFile string
}

type OrdersConfig struct {
	CodeMaxAttempts int
	DefaultLimit    int
	MaxLimit        int
}

type DisplayConfig struct {
	QueueSize     int
	ReplayBuffer  int
	ReplayLimit   int
	ReorderWindow time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration
}

type NotifyConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// PricingConfig is the server-side rate table. Rates are fractions (0.10 == 10%).
type PricingConfig struct {
	TaxRate        decimal.Decimal            `yaml:"tax_rate"`
	ServiceCharges map[string]decimal.Decimal `yaml:"service_charges"`
}

func DefaultPricing() PricingConfig {
	return PricingConfig{
		TaxRate: decimal.Zero,
		ServiceCharges: map[string]decimal.Decimal{
			"delivery": decimal.RequireFromString("0.10"),
		},
	}
}

// NewConfig reads an optional .env file and then the process environment.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}

	cfg.App.Port = getEnv("APP_PORT", "8080")
	cfg.App.StorageDriver = getEnv("STORAGE_DRIVER", StorageDriverPostgres)
	cfg.App.DefaultRestaurant = getEnv("DEFAULT_RESTAURANT_ID", "main")

	var err error
	if cfg.App.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	switch cfg.App.StorageDriver {
	case StorageDriverPostgres:
		if err := loadPostgres(&cfg.Postgres); err != nil {
			return nil, err
		}
	case StorageDriverMemory:
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.App.StorageDriver)
	}

	cfg.AMQP.URL = os.Getenv("AMQP_URL")
	cfg.AMQP.NotificationExchange = getEnv("AMQP_NOTIFICATION_EXCHANGE", "notifications_fanout")
	cfg.AMQP.MirrorExchange = getEnv("AMQP_MIRROR_EXCHANGE", "board_mirror")

	if cfg.Catalog.Timeout, err = getDuration("CATALOG_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	cfg.Catalog.SeedFile = os.Getenv("CATALOG_FILE")

	if cfg.Orders.CodeMaxAttempts, err = getInt("CODE_MAX_ATTEMPTS", 8); err != nil {
		return nil, err
	}
	if cfg.Orders.DefaultLimit, err = getInt("ORDERS_DEFAULT_LIMIT", 50); err != nil {
		return nil, err
	}
	if cfg.Orders.MaxLimit, err = getInt("ORDERS_MAX_LIMIT", 500); err != nil {
		return nil, err
	}

	if cfg.Display.QueueSize, err = getInt("WS_QUEUE_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.Display.ReplayBuffer, err = getInt("REPLAY_BUFFER", 512); err != nil {
		return nil, err
	}
	if cfg.Display.ReplayLimit, err = getInt("REPLAY_LIMIT", 1000); err != nil {
		return nil, err
	}
	if cfg.Display.ReorderWindow, err = getDuration("REORDER_WINDOW", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.Display.WriteTimeout, err = getDuration("WS_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.Display.PingInterval, err = getDuration("WS_PING_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}

	if cfg.Notify.Workers, err = getInt("NOTIFY_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.Notify.QueueSize, err = getInt("NOTIFY_QUEUE", 1024); err != nil {
		return nil, err
	}
	if cfg.Notify.Timeout, err = getDuration("NOTIFY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	cfg.Pricing = DefaultPricing()
	if path := os.Getenv("PRICING_FILE"); path != "" {
		pricing, err := LoadPricing(path)
		if err != nil {
			return nil, err
		}
		cfg.Pricing = *pricing
	}

	return cfg, nil
}

func loadPostgres(pg *PostgresConfig) error {
	required := map[string]*string{
		"DB_HOST":     &pg.Host,
		"DB_PORT":     &pg.Port,
		"DB_USER":     &pg.User,
		"DB_PASSWORD": &pg.Password,
		"DB_NAME":     &pg.DBName,
	}
	for key, dst := range required {
		*dst = os.Getenv(key)
		if *dst == "" {
			return fmt.Errorf("%s is required", key)
		}
	}
	pg.SSLMode = getEnv("DB_SSLMODE", "disable")
	pg.MigrationsPath = getEnv("MIGRATIONS_PATH", "migrations")

	maxConns, err := getInt("DB_MAX_CONNS", 10)
	if err != nil {
		return err
	}
	minConns, err := getInt("DB_MIN_CONNS", 2)
	if err != nil {
		return err
	}
	pg.MaxConns = int32(maxConns)
	pg.MinConns = int32(minConns)

	pg.MaxConnLifetime, err = getDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute)
	return err
}

// LoadPricing reads the tax rate and service charge table from a YAML file.
func LoadPricing(path string) (*PricingConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pricing file: %w", err)
	}
	defer file.Close()

	var pricing PricingConfig
	if err := yaml.NewDecoder(file).Decode(&pricing); err != nil {
		return nil, fmt.Errorf("invalid pricing file: %w", err)
	}
	if pricing.TaxRate.IsNegative() {
		return nil, fmt.Errorf("invalid pricing file: negative tax_rate")
	}
	for orderType, rate := range pricing.ServiceCharges {
		if rate.IsNegative() {
			return nil, fmt.Errorf("invalid pricing file: negative service charge for %s", orderType)
		}
	}
	if pricing.ServiceCharges == nil {
		pricing.ServiceCharges = map[string]decimal.Decimal{}
	}

	return &pricing, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}
