package config

import (
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
			wantErr: false,
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":    "test-service",
				"POOL_FEE_BPS":    "250",
				"DONATION_BPS":    "50",
				"MIN_PAYOUT_SATS": "2_000_000",
				"REFUND_POLICY":   "AUTO",
				"KAFKA_BROKERS":   "a:9092, b:9092,,",
			},
			wantErr: false,
		},
		{
			name:    "fee above 100%",
			envVars: map[string]string{"POOL_FEE_BPS": "10001"},
			wantErr: true,
		},
		{
			name:    "fee plus donation above 100%",
			envVars: map[string]string{"POOL_FEE_BPS": "9000", "DONATION_BPS": "1001"},
			wantErr: true,
		},
		{
			name:    "thresholds out of order",
			envVars: map[string]string{"MANUAL_PAYOUT_SATS": "5000000"},
			wantErr: true,
		},
		{
			name:    "zero confirmations",
			envVars: map[string]string{"REQUIRED_CONFIRMATIONS": "0"},
			wantErr: true,
		},
		{
			name:    "unknown refund policy",
			envVars: map[string]string{"REFUND_POLICY": "sometimes"},
			wantErr: true,
		},
		{
			name:    "unknown network",
			envVars: map[string]string{"BITCOIN_NETWORK": "litecoin"},
			wantErr: true,
		},
		{
			name:    "unknown encoding",
			envVars: map[string]string{"KAFKA_EVENT_ENCODING": "xml"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && cfg.ServiceName == "" {
				t.Error("ServiceName should not be empty")
			}
		})
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("POOL_FEE_BPS", "250")
	t.Setenv("DONATION_BPS", "50")
	t.Setenv("MIN_PAYOUT_SATS", "2_000_000")
	t.Setenv("REFUND_POLICY", "AUTO")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")
	t.Setenv("AUTO_PAYOUT_ENABLED", "true")
	t.Setenv("AUTO_PAYOUT_INTERVAL", "1h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Payout.DeductionBps() != 300 {
		t.Errorf("DeductionBps() = %d, want 300", cfg.Payout.DeductionBps())
	}
	if cfg.Payout.MinPayoutSats != 2_000_000 {
		t.Errorf("MinPayoutSats = %d, want 2000000", cfg.Payout.MinPayoutSats)
	}
	if cfg.Payout.RefundPolicy != RefundAuto {
		t.Errorf("RefundPolicy = %q, want auto", cfg.Payout.RefundPolicy)
	}
	if !cfg.Payout.AutoPayoutEnabled || cfg.Payout.AutoPayoutInterval != time.Hour {
		t.Errorf("auto payout = %v/%v", cfg.Payout.AutoPayoutEnabled, cfg.Payout.AutoPayoutInterval)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
}

func TestDefaultPayoutConfig(t *testing.T) {
	def := DefaultPayoutConfig()

	if err := def.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if def.MinPayoutSats != 1_000_000 || def.ManualPayoutSats != 100_000 || def.LightningPayoutSats != 10_000 {
		t.Errorf("unexpected thresholds %+v", def)
	}
	if def.RequiredConfirmations != 6 || def.PoolFeeBps != 100 {
		t.Errorf("unexpected confirmations/fee %+v", def)
	}
	if def.RefundPolicy != RefundManual {
		t.Errorf("default refund policy = %q, want manual", def.RefundPolicy)
	}
}

func TestBasisPoints_Validate(t *testing.T) {
	tests := []struct {
		bps     BasisPoints
		wantErr bool
	}{
		{0, false},
		{100, false},
		{10000, false},
		{10001, true},
	}

	for _, tt := range tests {
		if err := tt.bps.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("BasisPoints(%d).Validate() error = %v, wantErr %v", tt.bps, err, tt.wantErr)
		}
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "test_value")
	t.Setenv("TEST_UINT", "1_000")
	t.Setenv("TEST_BAD_UINT", "-5")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DURATION", "30s")

	if got := getEnv("TEST_STRING", "default"); got != "test_value" {
		t.Errorf("getEnv() = %v, want %v", got, "test_value")
	}
	if got := getEnv("NONEXISTENT", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want %v", got, "default")
	}
	if got := getEnvUint64("TEST_UINT", 0); got != 1000 {
		t.Errorf("getEnvUint64() = %v, want 1000", got)
	}
	if got := getEnvUint64("TEST_BAD_UINT", 7); got != 7 {
		t.Errorf("getEnvUint64() on bad input = %v, want default 7", got)
	}
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Error("getEnvBool() = false, want true")
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 30*time.Second {
		t.Errorf("getEnvDuration() = %v, want %v", got, 30*time.Second)
	}
	if got := getEnvSlice("NONEXISTENT", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Errorf("getEnvSlice() default = %v", got)
	}
}
