package params

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Storage struct {
	DataDir     string // pebble database directory
	JournalFile string // order submission journal ("" disables it)
}

type Logging struct {
	File  string
	Level string
}

type API struct {
	Addr           string
	AllowedOrigins []string
	// AllowDeposits mounts POST /traders/{id}/deposit. The endpoint credits
	// money without authentication; keep it off outside of development.
	AllowDeposits bool
}

type Market struct {
	BankName     string
	BaseCurrency string // currency code owned by the central bank
	// BrokerInterval is the pause between two broker iterations.
	BrokerInterval time.Duration
	// MediatorGrace bounds how long shutdown waits for queued order tasks.
	MediatorGrace time.Duration
	// PriceWindowDays is the default history window for price queries.
	PriceWindowDays int
}

type Simulator struct {
	Enabled      bool
	Interval     time.Duration
	AgentsFile   string
	InitialPrice decimal.Decimal
	PriceStep    decimal.Decimal // multiplicative step, 0.01 = 1%
	// Funding lets the central bank top up agents so they can cover their bids.
	Funding bool
}

type Config struct {
	Storage   Storage
	Logging   Logging
	API       API
	Market    Market
	Simulator Simulator
}

func Default() Config {
	return Config{
		Storage: Storage{
			DataDir:     "data/db",
			JournalFile: "data/orders.log",
		},
		Logging: Logging{
			File:  "data/realeconomy.log",
			Level: "info",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Market: Market{
			BankName:        "Server",
			BaseCurrency:    "USD",
			BrokerInterval:  time.Second,
			MediatorGrace:   30 * time.Second,
			PriceWindowDays: 7,
		},
		Simulator: Simulator{
			Enabled:      true,
			Interval:     time.Hour,
			AgentsFile:   "data/agents.yml",
			InitialPrice: decimal.NewFromInt(1),
			PriceStep:    decimal.NewFromFloat(0.01),
			Funding:      true,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = filepath.Join(dir, "db")
		cfg.Storage.JournalFile = filepath.Join(dir, "orders.log")
		cfg.Logging.File = filepath.Join(dir, "realeconomy.log")
		cfg.Simulator.AgentsFile = filepath.Join(dir, "agents.yml")
	}
	if v, ok := os.LookupEnv("JOURNAL_FILE"); ok {
		cfg.Storage.JournalFile = v
	}
	cfg.Logging.File = getEnv("LOG_FILE", cfg.Logging.File)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}
	cfg.API.AllowDeposits = os.Getenv("API_ALLOW_DEPOSITS") == "true"

	cfg.Market.BankName = getEnv("BANK_NAME", cfg.Market.BankName)
	cfg.Market.BaseCurrency = strings.ToUpper(getEnv("BASE_CURRENCY", cfg.Market.BaseCurrency))
	if ms, ok := getInt("BROKER_INTERVAL_MS"); ok && ms > 0 {
		cfg.Market.BrokerInterval = time.Duration(ms) * time.Millisecond
	}
	if s, ok := getInt("MEDIATOR_GRACE_S"); ok && s >= 0 {
		cfg.Market.MediatorGrace = time.Duration(s) * time.Second
	}
	if days, ok := getInt("PRICE_WINDOW_DAYS"); ok && days > 0 {
		cfg.Market.PriceWindowDays = days
	}

	if enabled := os.Getenv("SIMULATOR_ENABLED"); enabled != "" {
		cfg.Simulator.Enabled = enabled == "true"
	}
	if s, ok := getInt("SIMULATOR_INTERVAL_S"); ok && s > 0 {
		cfg.Simulator.Interval = time.Duration(s) * time.Second
	}
	cfg.Simulator.AgentsFile = getEnv("AGENTS_FILE", cfg.Simulator.AgentsFile)
	if d, ok := getDecimal("AGENT_INITIAL_PRICE"); ok && d.IsPositive() {
		cfg.Simulator.InitialPrice = d
	}
	if d, ok := getDecimal("AGENT_PRICE_STEP"); ok && d.IsPositive() {
		cfg.Simulator.PriceStep = d
	}
	if funding := os.Getenv("AGENT_FUNDING"); funding != "" {
		cfg.Simulator.Funding = funding == "true"
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string) (int, bool) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getDecimal(key string) (decimal.Decimal, bool) {
	value := os.Getenv(key)
	if value == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
