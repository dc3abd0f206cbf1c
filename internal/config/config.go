package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported store adapters.
const (
	AdapterMemory     = "memory"
	AdapterSQLite     = "sqlite"
	AdapterPostgres   = "postgres"
	AdapterClickHouse = "clickhouse"
)

type Config struct {
	Port       string
	Env        string
	DBAdapter  string
	SQLiteFile string
	AuthSecret string
	BaseURL    string
	LogLevel   string
	LogFormat  string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	MigrationsDir    string
	// ClickHouse connection settings
	ClickHouseDSN      string
	ClickHouseHost     string
	ClickHousePort     string
	ClickHouseUser     string
	ClickHousePassword string
	ClickHouseDB       string

	StoreTimeout    time.Duration
	RedisURL        string
	SessionCacheTTL time.Duration

	SessionMaxAge    time.Duration
	SessionUpdateAge time.Duration
	EmailTokenMaxAge time.Duration

	GoogleClientID     string
	GoogleClientSecret string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string

	CORSOrigins []string
}

// dotenv holds values read from a .env file. Process environment wins.
var dotenv map[string]string

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v, ok := dotenv[key]; ok && v != "" {
		return v
	}
	return def
}

func loadDotenv(files ...string) {
	for _, f := range files {
		m, err := godotenv.Read(f)
		if err == nil {
			dotenv = m
			return
		}
	}
	dotenv = nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := getenv(key, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

// IsProduction reports whether the process runs with a production profile.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// CredentialsEnabled reports whether the credentials bypass provider may be
// registered. It is never enabled in production.
func (c *Config) CredentialsEnabled() bool {
	return !c.IsProduction()
}

// GoogleEnabled reports whether Google OAuth credentials are configured.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s connect_timeout=2",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// BuildClickHouseDSN returns CLICKHOUSE_DSN or one assembled from the host settings.
func (c *Config) BuildClickHouseDSN() (string, error) {
	if c.ClickHouseDSN != "" {
		return c.ClickHouseDSN, nil
	}
	if c.ClickHouseHost == "" {
		return "", errors.New("CLICKHOUSE_HOST or CLICKHOUSE_DSN must be set")
	}
	port := c.ClickHousePort
	if port == "" {
		port = "9000"
	}
	u := url.URL{
		Scheme: "clickhouse",
		Host:   c.ClickHouseHost + ":" + port,
		Path:   "/" + c.ClickHouseDB,
		User:   url.UserPassword(c.ClickHouseUser, c.ClickHousePassword),
	}
	return u.String(), nil
}

func New() (*Config, error) {
	loadDotenv(".env", "../../.env")

	c := &Config{
		Port:       getenv("PORT", "8080"),
		Env:        strings.ToLower(getenv("APP_ENV", getenv("NODE_ENV", getenv("ENV", "development")))),
		DBAdapter:  strings.ToLower(getenv("DB_ADAPTER", AdapterPostgres)),
		SQLiteFile: getenv("SQLITE_FILE", "./data/apimarket.db"),
		AuthSecret: getenv("AUTH_SECRET", "change-me"),
		BaseURL:    strings.TrimRight(getenv("BASE_URL", "http://localhost:8080"), "/"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogFormat:  getenv("LOG_FORMAT", "text"),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "market")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "marketpass")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "apimarket")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
		MigrationsDir:    getenv("MIGRATIONS_DIR", "./migrations"),

		ClickHouseDSN:      getenv("CLICKHOUSE_DSN", ""),
		ClickHouseHost:     getenv("CLICKHOUSE_HOST", "localhost"),
		ClickHousePort:     getenv("CLICKHOUSE_PORT", "9000"),
		ClickHouseUser:     getenv("CLICKHOUSE_USER", "default"),
		ClickHousePassword: getenv("CLICKHOUSE_PASSWORD", ""),
		ClickHouseDB:       getenv("CLICKHOUSE_DB", "default"),

		RedisURL: getenv("REDIS_URL", ""),

		GoogleClientID:     getenv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getenv("GOOGLE_CLIENT_SECRET", ""),

		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPUser:     getenv("SMTP_USER", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		EmailFrom:    getenv("EMAIL_FROM", "no-reply@localhost"),
	}

	var err error
	if c.StoreTimeout, err = durationEnv("STORE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.SessionCacheTTL, err = durationEnv("SESSION_CACHE_TTL", time.Minute); err != nil {
		return nil, err
	}
	if c.SessionMaxAge, err = durationEnv("SESSION_MAX_AGE", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if c.SessionUpdateAge, err = durationEnv("SESSION_UPDATE_AGE", 24*time.Hour); err != nil {
		return nil, err
	}
	if c.EmailTokenMaxAge, err = durationEnv("EMAIL_TOKEN_MAX_AGE", time.Hour); err != nil {
		return nil, err
	}

	smtpPort, err := strconv.Atoi(getenv("SMTP_PORT", "465"))
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
	}
	c.SMTPPort = smtpPort

	for _, o := range strings.Split(getenv("CORS_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.CORSOrigins = append(c.CORSOrigins, o)
		}
	}

	switch c.DBAdapter {
	case AdapterPostgres:
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case AdapterClickHouse:
		dsn, err := c.BuildClickHouseDSN()
		if err != nil {
			return nil, fmt.Errorf("clickhouse configuration error: %w", err)
		}
		c.ClickHouseDSN = dsn
	case AdapterSQLite:
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case AdapterMemory:
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, clickhouse, sqlite, memory)", c.DBAdapter)
	}

	if c.IsProduction() {
		if c.AuthSecret == "" || c.AuthSecret == "change-me" {
			return nil, errors.New("AUTH_SECRET must be set in production")
		}
		if c.DBAdapter == AdapterMemory {
			return nil, errors.New("DB_ADAPTER=memory is not allowed in production")
		}
		if c.SMTPHost == "" {
			return nil, errors.New("SMTP_HOST must be set in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
