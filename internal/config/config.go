package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	AuthSecret               string
	AccessTokenTTLMinutes    int
	IVADefaultPercent        decimal.Decimal
	CreditStrictValidation   bool
	ReportCacheTTLSeconds    int
	ReportStatementTimeoutMS int
}

// Load reads configuration from the environment, after sourcing an optional
// .env file for local development.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	cacheTTL, err := strconv.Atoi(getEnv("REPORT_CACHE_TTL_SECONDS", "300"))
	if err != nil || cacheTTL < 1 {
		cacheTTL = 300
	}
	stmtTimeout, err := strconv.Atoi(getEnv("REPORT_STATEMENT_TIMEOUT_MS", "5000"))
	if err != nil || stmtTimeout < 1 {
		stmtTimeout = 5000
	}

	iva, err := decimal.NewFromString(getEnv("IVA_DEFAULT_PERCENT", "0"))
	if err != nil || iva.Sign() < 0 {
		iva = decimal.Zero
	}

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    tokenTTL,
		IVADefaultPercent:        iva,
		CreditStrictValidation:   parseBool(os.Getenv("CREDIT_STRICT_VALIDATION")),
		ReportCacheTTLSeconds:    cacheTTL,
		ReportStatementTimeoutMS: stmtTimeout,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func parseBool(raw string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return parsed
}
