package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Port     string
	LogLevel string
	LogDev   bool

	StoreBackend  string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	MongoURI      string
	MongoDB       string
	SQLitePath    string

	ContractAddress   string
	ExplorerBaseURL   string
	LedgerFailureRate float64
	LedgerTimeout     time.Duration
	CipherShift       int

	AuditInterval  time.Duration
	AuditAutostart bool

	SendRatePerSec float64
	SendBurst      int
}

// Load reads .env if present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from lookup, applying defaults for empty values.
func FromEnv(lookup func(string) string) (Config, error) {
	get := func(key, defaultVal string) string {
		if val := strings.TrimSpace(lookup(key)); val != "" {
			return val
		}
		return defaultVal
	}

	c := Config{
		Port:          get("PORT", "8080"),
		LogLevel:      get("LOG_LEVEL", "info"),
		StoreBackend:  strings.ToLower(get("STORE_BACKEND", BackendMemory)),
		RedisHost:     get("REDIS_HOST", "localhost"),
		RedisPort:     get("REDIS_PORT", "6379"),
		RedisPassword: get("REDIS_PASSWORD", ""),
		DBHost:        get("DB_HOST", "localhost"),
		DBPort:        get("DB_PORT", "5432"),
		DBUser:        get("DB_USER", "postgres"),
		DBPassword:    get("DB_PASSWORD", "postgres"),
		DBName:        get("DB_NAME", "postgres"),
		MongoURI:      get("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:       get("MONGO_DB", "blocktalk"),
		SQLitePath:    get("SQLITE_PATH", "data/blocktalk.db"),

		ContractAddress: get("CONTRACT_ADDRESS", ""),
		ExplorerBaseURL: get("EXPLORER_BASE_URL", ""),
	}

	var err error
	if c.LogDev, err = parseBool("LOG_DEV", get("LOG_DEV", "false")); err != nil {
		return Config{}, err
	}
	if c.LedgerFailureRate, err = parseRate("LEDGER_FAILURE_RATE", get("LEDGER_FAILURE_RATE", "0.1")); err != nil {
		return Config{}, err
	}
	if c.LedgerTimeout, err = parseDuration("LEDGER_TIMEOUT", get("LEDGER_TIMEOUT", "30s")); err != nil {
		return Config{}, err
	}
	if c.CipherShift, err = strconv.Atoi(get("CIPHER_SHIFT", "3")); err != nil {
		return Config{}, fmt.Errorf("CIPHER_SHIFT: %w", err)
	}
	if c.AuditInterval, err = parseDuration("AUDIT_INTERVAL", get("AUDIT_INTERVAL", "2m")); err != nil {
		return Config{}, err
	}
	if c.AuditAutostart, err = parseBool("AUDIT_AUTOSTART", get("AUDIT_AUTOSTART", "true")); err != nil {
		return Config{}, err
	}
	if c.SendRatePerSec, err = strconv.ParseFloat(get("SEND_RATE_PER_SEC", "5"), 64); err != nil || c.SendRatePerSec <= 0 {
		return Config{}, fmt.Errorf("SEND_RATE_PER_SEC: must be a positive number")
	}
	if c.SendBurst, err = strconv.Atoi(get("SEND_BURST", "10")); err != nil || c.SendBurst < 1 {
		return Config{}, fmt.Errorf("SEND_BURST: must be a positive integer")
	}

	switch c.StoreBackend {
	case BackendMemory, BackendRedis, BackendPostgres, BackendMongo, BackendSQLite:
	default:
		return Config{}, fmt.Errorf("STORE_BACKEND: unknown backend %q", c.StoreBackend)
	}
	return c, nil
}

func (c Config) RedisAddr() string { return c.RedisHost + ":" + c.RedisPort }

func (c Config) PostgresDSN() string {
	return "host=" + c.DBHost +
		" port=" + c.DBPort +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

func parseBool(key, val string) (bool, error) {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func parseDuration(key, val string) (time.Duration, error) {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive", key)
	}
	return d, nil
}

func parseRate(key, val string) (float64, error) {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("%s: must be between 0 and 1", key)
	}
	return f, nil
}
