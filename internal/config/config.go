// Package config provides configuration management for the timeline harvester.
// It loads configuration from environment variables, .env files and an optional
// YAML accounts file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/timeline-harvester/internal/types"
)

// DefaultAccounts are monitored when neither HARVEST_ACCOUNTS nor HARVEST_ACCOUNTS_FILE is set
var DefaultAccounts = []string{"ewarren", "berniesanders", "petebuttigieg", "joebiden", "amyklobuchar"}

// Warehouse backends
const (
	WarehouseClickHouse = "clickhouse"
	WarehouseDuckDB     = "duckdb"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Warehouse WarehouseConfig
	Harvest   HarvestConfig
	Twitter   TwitterConfig
	Schedule  ScheduleConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RunRequestsRPS  float64 // POST /api/runs per client IP
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	DuckDB     DuckDBConfig
}

// PostgresConfig holds Postgres configuration (run ledger)
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration (warehouse)
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration (run lock)
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// DuckDBConfig holds the embedded warehouse path. Empty means in-memory.
type DuckDBConfig struct {
	Path string
}

// WarehouseConfig names the warehouse backend and its tables
type WarehouseConfig struct {
	Backend         string
	StagingTable    string
	ProductionTable string
	AggregateTable  string
	CacheTTL        time.Duration // aggregate read cache in Redis; zero disables
}

// HarvestConfig holds the extraction engine configuration
type HarvestConfig struct {
	Accounts          []types.Account
	AccountsFile      string
	PageLimit         int
	MaxPages          int
	Concurrency       int
	FetchTimeout      time.Duration
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	LockTTL           time.Duration
}

// TwitterConfig holds timeline API configuration
type TwitterConfig struct {
	BearerToken       string
	BaseURL           string
	RequestsPerSecond float64
}

// ScheduleConfig holds the daily trigger configuration
type ScheduleConfig struct {
	HourUTC       int
	RunRetries    int           // whole-run retries after a failed stage
	RunRetryDelay time.Duration // delay between whole-run retries
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// accountsFile is the YAML shape of HARVEST_ACCOUNTS_FILE
type accountsFile struct {
	Accounts []string `yaml:"accounts"`
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			RunRequestsRPS:  getEnvAsFloat("SERVER_RUN_REQUESTS_RPS", 0.1),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "timeline_harvester"),
				User:           getEnv("POSTGRES_USER", "harvester"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "timeline_harvester"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
			},
			DuckDB: DuckDBConfig{
				Path: getEnv("DUCKDB_PATH", ""),
			},
		},
		Warehouse: WarehouseConfig{
			Backend:         strings.ToLower(getEnv("WAREHOUSE_BACKEND", WarehouseClickHouse)),
			StagingTable:    getEnv("WAREHOUSE_STAGING_TABLE", "stg_tweets"),
			ProductionTable: getEnv("WAREHOUSE_PRODUCTION_TABLE", "tweets"),
			AggregateTable:  getEnv("WAREHOUSE_AGGREGATE_TABLE", "tweets_daily"),
			CacheTTL:        getEnvAsDuration("WAREHOUSE_AGGREGATE_CACHE_TTL", 5*time.Minute),
		},
		Harvest: HarvestConfig{
			AccountsFile:      getEnv("HARVEST_ACCOUNTS_FILE", ""),
			PageLimit:         getEnvAsInt("HARVEST_PAGE_LIMIT", 200),
			MaxPages:          getEnvAsInt("HARVEST_MAX_PAGES", 50),
			Concurrency:       getEnvAsInt("HARVEST_CONCURRENCY", 1),
			FetchTimeout:      getEnvAsDuration("HARVEST_FETCH_TIMEOUT", 30*time.Second),
			RetryMaxAttempts:  getEnvAsInt("HARVEST_RETRY_MAX_ATTEMPTS", 3),
			RetryInitialDelay: getEnvAsDuration("HARVEST_RETRY_INITIAL_DELAY", 15*time.Second),
			RetryMaxDelay:     getEnvAsDuration("HARVEST_RETRY_MAX_DELAY", 60*time.Second),
			LockTTL:           getEnvAsDuration("HARVEST_LOCK_TTL", 30*time.Minute),
		},
		Twitter: TwitterConfig{
			BearerToken:       getEnv("TWITTER_BEARER_TOKEN", ""),
			BaseURL:           getEnv("TWITTER_BASE_URL", "https://api.twitter.com/1.1"),
			RequestsPerSecond: getEnvAsFloat("TWITTER_REQUESTS_PER_SECOND", 1),
		},
		Schedule: ScheduleConfig{
			HourUTC:       getEnvAsInt("SCHEDULE_HOUR_UTC", 1),
			RunRetries:    getEnvAsInt("SCHEDULE_RUN_RETRIES", 2),
			RunRetryDelay: getEnvAsDuration("SCHEDULE_RUN_RETRY_DELAY", 15*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	accounts, err := loadAccounts(config.Harvest.AccountsFile)
	if err != nil {
		return nil, err
	}
	config.Harvest.Accounts = accounts

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// loadAccounts resolves the monitored accounts: file first, then HARVEST_ACCOUNTS, then defaults
func loadAccounts(path string) ([]types.Account, error) {
	var raw []string

	switch {
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading accounts file: %w", err)
		}
		var f accountsFile
		if err := yaml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("error parsing accounts file: %w", err)
		}
		raw = f.Accounts
	case getEnv("HARVEST_ACCOUNTS", "") != "":
		raw = strings.Split(getEnv("HARVEST_ACCOUNTS", ""), ",")
	default:
		raw = DefaultAccounts
	}

	return normalizeAccounts(raw), nil
}

// normalizeAccounts trims handles and drops blanks and duplicates, keeping order
func normalizeAccounts(raw []string) []types.Account {
	seen := make(map[types.Account]bool, len(raw))
	accounts := make([]types.Account, 0, len(raw))
	for _, r := range raw {
		a := types.NormalizeAccount(r)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		accounts = append(accounts, a)
	}
	return accounts
}

// Validate checks the configuration for values the harvester cannot run with
func (c *Config) Validate() error {
	if len(c.Harvest.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}
	if c.Harvest.PageLimit <= 0 {
		return fmt.Errorf("HARVEST_PAGE_LIMIT must be positive, got %d", c.Harvest.PageLimit)
	}
	if c.Harvest.MaxPages <= 0 {
		return fmt.Errorf("HARVEST_MAX_PAGES must be positive, got %d", c.Harvest.MaxPages)
	}
	if c.Harvest.Concurrency <= 0 {
		return fmt.Errorf("HARVEST_CONCURRENCY must be positive, got %d", c.Harvest.Concurrency)
	}
	if c.Harvest.RetryMaxAttempts <= 0 {
		return fmt.Errorf("HARVEST_RETRY_MAX_ATTEMPTS must be positive, got %d", c.Harvest.RetryMaxAttempts)
	}
	if c.Schedule.HourUTC < 0 || c.Schedule.HourUTC > 23 {
		return fmt.Errorf("SCHEDULE_HOUR_UTC must be within 0-23, got %d", c.Schedule.HourUTC)
	}
	if c.Schedule.RunRetries < 0 {
		return fmt.Errorf("SCHEDULE_RUN_RETRIES must not be negative, got %d", c.Schedule.RunRetries)
	}
	switch c.Warehouse.Backend {
	case WarehouseClickHouse, WarehouseDuckDB:
	default:
		return fmt.Errorf("unknown WAREHOUSE_BACKEND %q", c.Warehouse.Backend)
	}
	if c.Warehouse.StagingTable == "" || c.Warehouse.ProductionTable == "" || c.Warehouse.AggregateTable == "" {
		return fmt.Errorf("warehouse table names must not be empty")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
