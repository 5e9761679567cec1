// Package config loads process configuration from the environment.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration.
type Config struct {
	Port         int
	DatabasePath string

	LogLevel  string
	LogFormat string

	CORSAllowedOrigins []string

	Ledger      LedgerConfig
	Transfer    TransferConfig
	RateMonitor RateMonitorConfig
}

type LedgerConfig struct {
	// CentsDiscountFloorUSD is the invoice total from which a fractional
	// dollar remainder is waived.
	CentsDiscountFloorUSD decimal.Decimal
	// PaymentEpsilon is the remainder below which an invoice counts as paid.
	PaymentEpsilon      decimal.Decimal
	SequenceMaxAttempts int
}

type TransferConfig struct {
	OTPTTL    time.Duration
	OTPLength int
}

// RateMonitorConfig drives the background check that warns when the
// exchange rate is missing or stale. A zero Interval disables it.
type RateMonitorConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:         getenvInt("APP_PORT", 8080),
		DatabasePath: getenv("DATABASE_PATH", "van-ledger.db"),
		LogLevel:     strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:    strings.ToLower(getenv("LOG_FORMAT", "json")),
		CORSAllowedOrigins: getenvList("CORS_ALLOWED_ORIGINS",
			[]string{"http://localhost:3000", "http://localhost:5173"}),
		Ledger: LedgerConfig{
			CentsDiscountFloorUSD: getenvDecimal("CENTS_DISCOUNT_FLOOR_USD", decimal.NewFromInt(20)),
			PaymentEpsilon:        getenvDecimal("PAYMENT_EPSILON", decimal.RequireFromString("0.01")),
			SequenceMaxAttempts:   getenvInt("SEQUENCE_MAX_ATTEMPTS", 3),
		},
		Transfer: TransferConfig{
			OTPTTL:    getenvDuration("TRANSFER_OTP_TTL", 24*time.Hour),
			OTPLength: getenvIntRange("TRANSFER_OTP_LENGTH", 6, 4, 12),
		},
		RateMonitor: RateMonitorConfig{
			Interval: getenvDuration("RATE_CHECK_INTERVAL", 5*time.Minute),
			MaxAge:   getenvDuration("RATE_MAX_AGE", 24*time.Hour),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %d", key, value, def)
		return def
	}
	return parsed
}

// getenvIntRange is getenvInt restricted to [lo, hi].
func getenvIntRange(key string, def, lo, hi int) int {
	v := getenvInt(key, def)
	if v < lo || v > hi {
		log.Printf("config: %s=%d outside [%d, %d], using %d", key, v, lo, hi, def)
		return def
	}
	return v
}

func getenvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %s", key, value, def)
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %s", key, value, def)
		return def
	}
	return parsed
}

func getenvList(key string, def []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
