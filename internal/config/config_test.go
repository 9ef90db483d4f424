package config

import (
	"context"
	"testing"

	"github.com/sethvargo/go-envconfig"
)

func TestRazorpayValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RazorpayConfig
		wantErr bool
	}{
		{name: "test key outside production", cfg: RazorpayConfig{KeyID: "rzp_test_abc", MockPayment: true}},
		{name: "live key in production", cfg: RazorpayConfig{KeyID: "rzp_live_abc", IsProduction: true}},
		{name: "mock in production", cfg: RazorpayConfig{KeyID: "rzp_live_abc", IsProduction: true, MockPayment: true}, wantErr: true},
		{name: "test key in production", cfg: RazorpayConfig{KeyID: "rzp_test_abc", IsProduction: true}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func process(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	base := map[string]string{
		"RAZORPAY_KEY_ID":         "rzp_live_abc",
		"RAZORPAY_KEY_SECRET":     "secret",
		"RAZORPAY_WEBHOOK_SECRET": "whsec",
		"AUTH_JWT_SECRET":         "0123456789abcdef0123456789abcdef",
	}
	for k, v := range env {
		base[k] = v
	}

	var cfg Config
	err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(base),
	})
	if err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func TestProcessDefaults(t *testing.T) {
	cfg, err := process(t, nil)
	if err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if len(cfg.API.TrustedProxies) != 0 {
		t.Errorf("TrustedProxies = %v, want none by default", cfg.API.TrustedProxies)
	}
	if cfg.Razorpay.CallbackURL() != "http://localhost:8080/api/v1/payments/callback" {
		t.Errorf("CallbackURL() = %q", cfg.Razorpay.CallbackURL())
	}
}

func TestProcessTrustedProxies(t *testing.T) {
	cfg, err := process(t, map[string]string{"API_TRUSTED_PROXIES": "10.0.0.0/8,192.168.1.1"})
	if err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if len(cfg.API.TrustedProxies) != 2 || cfg.API.TrustedProxies[0] != "10.0.0.0/8" || cfg.API.TrustedProxies[1] != "192.168.1.1" {
		t.Errorf("TrustedProxies = %v", cfg.API.TrustedProxies)
	}
}

func TestProcessRejectsMockInProduction(t *testing.T) {
	_, err := process(t, map[string]string{
		"RAZORPAY_IS_PRODUCTION": "true",
		"RAZORPAY_MOCK_PAYMENT":  "true",
	})
	if err == nil {
		t.Fatal("process() error = nil, want production guard")
	}
}
