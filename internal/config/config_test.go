package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ILLUVRSE/certledger/internal/models"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LEDGER_HMAC_SECRET", secret)
	t.Setenv("LEDGER_KEY_PASSPHRASE", "pass")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Storage != StorageMemory || cfg.KeyBackend != KeyBackendLocal {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.KMSTimeout != 5*time.Second || cfg.KMSMaxRetries != 3 || cfg.KMSKeyVersion != 1 {
		t.Fatalf("unexpected kms defaults: %+v", cfg)
	}
}

func TestLoadParsesLists(t *testing.T) {
	t.Setenv("LEDGER_HMAC_SECRET", secret)
	t.Setenv("LEDGER_KEY_PASSPHRASE", "pass")
	t.Setenv("LEDGER_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LEDGER_KMS_TIMEOUT", "750ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.KMSTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected timeout: %v", cfg.KMSTimeout)
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("LEDGER_KMS_MAX_RETRIES", "many")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Storage:       StorageMemory,
			HMACSecret:    secret,
			KeyBackend:    KeyBackendLocal,
			KeyDir:        "/keys",
			KeyPassphrase: "pass",
			KMSProvider:   KMSProviderAWS,
			KMSKeyVersion: 1,
		}
	}
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"short secret", func(c *Config) { c.HMACSecret = "short" }},
		{"no passphrase", func(c *Config) { c.KeyPassphrase = "" }},
		{"unknown storage", func(c *Config) { c.Storage = "s3" }},
		{"postgres without db", func(c *Config) { c.Storage = StoragePostgres }},
		{"kms without key", func(c *Config) { c.KeyBackend = KeyBackendKMS }},
		{"http kms without endpoint", func(c *Config) {
			c.KeyBackend, c.KMSKeyID, c.KMSProvider = KeyBackendKMS, "k", KMSProviderHTTP
		}},
		{"cert without key", func(c *Config) { c.TLSCert = "cert.pem" }},
		{"client ca without tls", func(c *Config) { c.TLSClientCA = "ca.pem" }},
	}
	for _, tc := range cases {
		c := valid()
		tc.mutate(&c)
		if err := c.Validate(); !errors.Is(err, models.ErrConfig) {
			t.Fatalf("%s: expected ErrConfig, got %v", tc.name, err)
		}
	}

	c := valid()
	if err := c.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	c.KeyBackend, c.KeyPassphrase, c.KMSKeyID = KeyBackendKMS, "", "alias/ledger"
	if err := c.Validate(); err != nil {
		t.Fatalf("kms config rejected: %v", err)
	}
}
