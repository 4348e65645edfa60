package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Server holds the reconciliation server's configuration. AuthSecret has no
// default on purpose; the server refuses to start without one.
type Server struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	StoreID               string
	AuthSecret            string
	AccessTokenTTLMinutes int
}

func LoadServer() Server {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	return Server{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		StoreID:               getEnv("DEFAULT_STORE_ID", "main-store"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
	}
}

func (c Server) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Terminal holds one POS terminal's configuration.
type Terminal struct {
	ServerURL           string
	StoreID             string
	TerminalID          string
	Username            string
	Password            string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	TaxRatePercent      float64
	LowStockThreshold   int
	SyncIntervalSeconds int
	MaxSyncAttempts     int
	StoreName           string
	StoreAddress        string
	CashierName         string
}

func LoadTerminal() Terminal {
	redisDB, _ := strconv.Atoi(getEnv("TERMINAL_REDIS_DB", "0"))
	taxRate, err := strconv.ParseFloat(getEnv("TAX_RATE_PERCENT", "11"), 64)
	if err != nil || taxRate < 0 {
		taxRate = 11
	}
	lowStock, err := strconv.Atoi(getEnv("LOW_STOCK_THRESHOLD", "3"))
	if err != nil || lowStock < 1 {
		lowStock = 3
	}
	interval, err := strconv.Atoi(getEnv("SYNC_INTERVAL_SECONDS", "30"))
	if err != nil || interval < 1 {
		interval = 30
	}
	maxAttempts, err := strconv.Atoi(getEnv("MAX_SYNC_ATTEMPTS", "5"))
	if err != nil || maxAttempts < 1 {
		maxAttempts = 5
	}

	return Terminal{
		ServerURL:           getEnv("SERVER_URL", "http://127.0.0.1:8080"),
		StoreID:             getEnv("TERMINAL_STORE_ID", "main-store"),
		TerminalID:          getEnv("TERMINAL_ID", "T1"),
		Username:            os.Getenv("TERMINAL_USERNAME"),
		Password:            os.Getenv("TERMINAL_PASSWORD"),
		RedisAddr:           os.Getenv("TERMINAL_REDIS_ADDR"),
		RedisPassword:       os.Getenv("TERMINAL_REDIS_PASSWORD"),
		RedisDB:             redisDB,
		TaxRatePercent:      taxRate,
		LowStockThreshold:   lowStock,
		SyncIntervalSeconds: interval,
		MaxSyncAttempts:     maxAttempts,
		StoreName:           getEnv("STORE_NAME", "Warung POS"),
		StoreAddress:        os.Getenv("STORE_ADDRESS"),
		CashierName:         getEnv("CASHIER_NAME", "Kasir"),
	}
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
