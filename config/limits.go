package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Business-rule knobs. Defaults follow Brazilian supply-contract practice
// (Lei 14.133: 25% amendment ceiling) and the product's operational policy.
//
// Env overrides:
// - AMENDMENT_PCT_CEILING (default 25)
// - PRICE_TOLERANCE_PCT (default 10)
// - LOW_STOCK_THRESHOLD_PCT (default 90, utilization percentage)
// - MOVEMENT_EDIT_WINDOW_DAYS (default 30)
// - MOVEMENT_DELETE_WINDOW_DAYS (default 7)
// - APPEND_RETRY_LIMIT (default 3)

func decimalFromEnv(key string, def int64) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return decimal.NewFromInt(def)
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return decimal.NewFromInt(def)
	}
	return d
}

func AmendmentPercentageCeiling() decimal.Decimal {
	return decimalFromEnv("AMENDMENT_PCT_CEILING", 25)
}

func PriceTolerancePercentage() decimal.Decimal {
	return decimalFromEnv("PRICE_TOLERANCE_PCT", 10)
}

func LowStockThresholdPercentage() decimal.Decimal {
	return decimalFromEnv("LOW_STOCK_THRESHOLD_PCT", 90)
}

func MovementEditWindowDays() int {
	return positiveIntFromEnv("MOVEMENT_EDIT_WINDOW_DAYS", 30)
}

func MovementDeleteWindowDays() int {
	return positiveIntFromEnv("MOVEMENT_DELETE_WINDOW_DAYS", 7)
}

func AppendRetryLimit() int {
	return positiveIntFromEnv("APPEND_RETRY_LIMIT", 3)
}

func OutboxMaxAttempts() int {
	return positiveIntFromEnv("OUTBOX_MAX_ATTEMPTS", 5)
}

func positiveIntFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
