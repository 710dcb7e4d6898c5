package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mailfinder/advisory"
	"mailfinder/models"
	"mailfinder/verifier"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type VerifierConfig struct {
	SMTPTimeout          time.Duration `json:"smtp_timeout"`
	SMTPPort             int           `json:"smtp_port"`
	SMTPMaxHosts         int           `json:"smtp_max_hosts"`
	SMTPProxy            string        `json:"smtp_proxy"`
	SenderDomain         string        `json:"sender_domain"`
	DNSServers           []string      `json:"dns_servers"`
	DNSTimeout           time.Duration `json:"dns_timeout"`
	Workers              int           `json:"workers"`
	AddressBudget        time.Duration `json:"address_budget"`
	ProbeInterval        time.Duration `json:"probe_interval"`
	SkipBlockedProviders bool          `json:"skip_blocked_providers"`
	DetectCatchAll       bool          `json:"detect_catch_all"`
}

type AdvisoryConfig struct {
	InternetChecks bool          `json:"internet_checks"`
	HIBP           bool          `json:"hibp"`
	HIBPAPIKey     string        `json:"-"`
	GoogleAPIKey   string        `json:"-"`
	GoogleCSEID    string        `json:"google_cse_id"`
	Timeout        time.Duration `json:"timeout"`
}

type Config struct {
	Environment     string   `json:"environment"`
	ServerPort      string   `json:"server_port"`
	LogLevel        string   `json:"log_level"`
	SentryDSN       string   `json:"-"`
	APIJWTSecret    string   `json:"-"`
	RateLimitPerMin int      `json:"rate_limit_per_minute"`
	CORSOrigins     []string `json:"cors_origins"`

	DBEnabled      bool   `json:"db_enabled"`
	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis    RedisConfig    `json:"redis"`
	Verifier VerifierConfig `json:"verifier"`
	Advisory AdvisoryConfig `json:"advisory"`
}

func init() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()
	envLoaded = true
}

// LoadConfig reads the environment into AppConfig and validates it.
func LoadConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	logConfig()
	return nil
}

// Load reads the environment without touching AppConfig.
func Load() (Config, error) {
	cfg := Config{
		Environment:     getEnv("ENVIRONMENT", "development"),
		ServerPort:      getEnv("SERVER_PORT", "8000"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		APIJWTSecret:    getEnv("API_JWT_SECRET", ""),
		RateLimitPerMin: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 60),
		CORSOrigins:     getEnvAsList("CORS_ORIGINS", []string{"*"}),

		DBEnabled:      getEnvAsBool("DB_ENABLED", false),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailfinder"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		Verifier: VerifierConfig{
			SMTPTimeout:          getEnvAsDuration("SMTP_TIMEOUT", 10*time.Second),
			SMTPPort:             getEnvAsInt("SMTP_PORT", 25),
			SMTPMaxHosts:         getEnvAsInt("SMTP_MAX_HOSTS", 2),
			SMTPProxy:            getEnv("SMTP_PROXY", ""),
			SenderDomain:         getEnv("VERIFIER_SENDER_DOMAIN", ""),
			DNSServers:           getEnvAsList("DNS_SERVERS", nil),
			DNSTimeout:           getEnvAsDuration("DNS_TIMEOUT", 5*time.Second),
			Workers:              getEnvAsInt("WORKERS", 10),
			AddressBudget:        getEnvAsDuration("ADDRESS_BUDGET", 30*time.Second),
			ProbeInterval:        getEnvAsDuration("PROBE_INTERVAL", 0),
			SkipBlockedProviders: getEnvAsBool("SKIP_BLOCKED_PROVIDERS", true),
			DetectCatchAll:       getEnvAsBool("DETECT_CATCH_ALL", true),
		},

		Advisory: AdvisoryConfig{
			InternetChecks: getEnvAsBool("ENABLE_INTERNET_CHECKS", false),
			HIBP:           getEnvAsBool("ENABLE_HIBP", true),
			HIBPAPIKey:     getEnv("HIBP_API_KEY", ""),
			GoogleAPIKey:   getEnv("GOOGLE_API_KEY", ""),
			GoogleCSEID:    getEnv("GOOGLE_CSE_ID", ""),
			Timeout:        getEnvAsDuration("ADVISORY_TIMEOUT", 8*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DBEnabled && c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required when DB_ENABLED is set")
	}
	if c.Environment == "production" && c.APIJWTSecret == "" {
		return fmt.Errorf("API_JWT_SECRET is required in production")
	}
	if c.Verifier.SMTPPort <= 0 || c.Verifier.SMTPPort > 65535 {
		return fmt.Errorf("SMTP_PORT %d is out of range", c.Verifier.SMTPPort)
	}
	if c.Verifier.SMTPTimeout <= 0 {
		return fmt.Errorf("SMTP_TIMEOUT must be positive")
	}
	if c.Verifier.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive")
	}
	if c.Verifier.SMTPMaxHosts <= 0 {
		return fmt.Errorf("SMTP_MAX_HOSTS must be positive")
	}
	if c.RateLimitPerMin <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("REDIS_ADDRESS is required when REDIS_ENABLED is set")
	}
	return nil
}

// VerifierOptions maps the configuration onto verifier.Options.
func (c Config) VerifierOptions() verifier.Options {
	v := c.Verifier
	return verifier.Options{
		SMTPTimeout:          v.SMTPTimeout,
		SMTPPort:             v.SMTPPort,
		MaxHosts:             v.SMTPMaxHosts,
		SenderDomain:         v.SenderDomain,
		Proxy:                v.SMTPProxy,
		DNSServers:           v.DNSServers,
		DNSTimeout:           v.DNSTimeout,
		Workers:              v.Workers,
		AddressBudget:        v.AddressBudget,
		ProbeInterval:        v.ProbeInterval,
		DetectCatchAll:       v.DetectCatchAll,
		SkipBlockedProviders: v.SkipBlockedProviders,
		AdvisoryTimeout:      c.Advisory.Timeout,
	}
}

func (c Config) AdvisorySettings() advisory.Settings {
	a := c.Advisory
	return advisory.Settings{
		InternetChecks: a.InternetChecks,
		HIBP:           a.HIBP,
		HIBPAPIKey:     a.HIBPAPIKey,
		GoogleAPIKey:   a.GoogleAPIKey,
		GoogleCSEID:    a.GoogleCSEID,
		Timeout:        a.Timeout,
	}
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logrus.Info("Successfully connected to the database")

	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsDuration accepts Go durations ("750ms") or bare seconds ("30").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return fallback
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if strings.TrimSpace(valueStr) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":     AppConfig.Environment,
		"server_port":     AppConfig.ServerPort,
		"db_enabled":      AppConfig.DBEnabled,
		"redis_enabled":   AppConfig.Redis.Enabled,
		"workers":         AppConfig.Verifier.Workers,
		"smtp_port":       AppConfig.Verifier.SMTPPort,
		"smtp_proxy":      AppConfig.Verifier.SMTPProxy != "",
		"internet_checks": AppConfig.Advisory.InternetChecks,
		"hibp":            AppConfig.Advisory.HIBP && AppConfig.Advisory.HIBPAPIKey != "",
	}).Info("Loaded configuration")
}
