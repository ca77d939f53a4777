package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("BROKER_INTERVAL_MS", "250")
	t.Setenv("BASE_CURRENCY", "eur")
	t.Setenv("SIMULATOR_ENABLED", "false")
	t.Setenv("AGENT_PRICE_STEP", "0.02")
	t.Setenv("API_ALLOWED_ORIGINS", "http://a, http://b")
	t.Setenv("API_ALLOW_DEPOSITS", "true")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))

	if cfg.Market.BrokerInterval != 250*time.Millisecond {
		t.Errorf("BrokerInterval = %v", cfg.Market.BrokerInterval)
	}
	if cfg.Market.BaseCurrency != "EUR" {
		t.Errorf("BaseCurrency = %q", cfg.Market.BaseCurrency)
	}
	if cfg.Simulator.Enabled {
		t.Error("simulator should be disabled")
	}
	if cfg.Simulator.PriceStep.String() != "0.02" {
		t.Errorf("PriceStep = %s", cfg.Simulator.PriceStep)
	}
	if len(cfg.API.AllowedOrigins) != 2 || cfg.API.AllowedOrigins[1] != "http://b" {
		t.Errorf("AllowedOrigins = %v", cfg.API.AllowedOrigins)
	}
	if !cfg.API.AllowDeposits {
		t.Error("deposits should be allowed")
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("PRICE_WINDOW_DAYS=14\nBANK_NAME=Reserve\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("PRICE_WINDOW_DAYS")
		os.Unsetenv("BANK_NAME")
	})

	cfg := LoadFromEnv(envPath)
	if cfg.Market.PriceWindowDays != 14 {
		t.Errorf("PriceWindowDays = %d", cfg.Market.PriceWindowDays)
	}
	if cfg.Market.BankName != "Reserve" {
		t.Errorf("BankName = %q", cfg.Market.BankName)
	}
}

func TestDefaultIgnoresBadValues(t *testing.T) {
	t.Setenv("BROKER_INTERVAL_MS", "soon")
	t.Setenv("AGENT_INITIAL_PRICE", "-1")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "none.env"))
	def := Default()
	if cfg.Market.BrokerInterval != def.Market.BrokerInterval {
		t.Errorf("BrokerInterval = %v", cfg.Market.BrokerInterval)
	}
	if !cfg.Simulator.InitialPrice.Equal(def.Simulator.InitialPrice) {
		t.Errorf("InitialPrice = %s", cfg.Simulator.InitialPrice)
	}
}
