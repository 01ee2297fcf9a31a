// Package config loads the ledgerd configuration from LEDGER_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ILLUVRSE/certledger/internal/models"
)

const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StoragePostgres = "postgres"

	KeyBackendLocal = "local"
	KeyBackendKMS   = "kms"

	KMSProviderAWS  = "aws"
	KMSProviderHTTP = "http"
)

// Config holds the runtime configuration used by cmd/ledgerd.
type Config struct {
	ListenAddr  string `env:"LEDGER_LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"LEDGER_DATABASE_URL"`

	Storage    string `env:"LEDGER_STORAGE" envDefault:"memory"`
	FileDir    string `env:"LEDGER_FILE_DIR" envDefault:"./data/ledger"`
	HMACSecret string `env:"LEDGER_HMAC_SECRET"`

	KeyBackend    string `env:"LEDGER_KEY_BACKEND" envDefault:"local"`
	KeyDir        string `env:"LEDGER_KEY_DIR" envDefault:"./data/keys"`
	KeyPassphrase string `env:"LEDGER_KEY_PASSPHRASE"`

	KMSProvider    string        `env:"LEDGER_KMS_PROVIDER" envDefault:"aws"`
	KMSKeyID       string        `env:"LEDGER_KMS_KEY_ID"`
	KMSKeyVersion  int           `env:"LEDGER_KMS_KEY_VERSION" envDefault:"1"`
	KMSRegion      string        `env:"LEDGER_KMS_REGION"`
	KMSEndpoint    string        `env:"LEDGER_KMS_ENDPOINT"`
	KMSBearerToken string        `env:"LEDGER_KMS_BEARER_TOKEN"`
	KMSTimeout     time.Duration `env:"LEDGER_KMS_TIMEOUT" envDefault:"5s"`
	KMSMaxRetries  int           `env:"LEDGER_KMS_MAX_RETRIES" envDefault:"3"`

	// mTLS towards the HTTP KMS.
	KMSClientCert string `env:"LEDGER_KMS_CLIENT_CERT"`
	KMSClientKey  string `env:"LEDGER_KMS_CLIENT_KEY"`
	KMSCACert     string `env:"LEDGER_KMS_CA_CERT"`

	// TLS for the query API. With a client CA, client certificates are required.
	TLSCert     string `env:"LEDGER_TLS_CERT"`
	TLSKey      string `env:"LEDGER_TLS_KEY"`
	TLSClientCA string `env:"LEDGER_TLS_CLIENT_CA"`

	KafkaBrokers     []string `env:"LEDGER_KAFKA_BROKERS" envSeparator:","`
	KafkaDLQTopic    string   `env:"LEDGER_KAFKA_DLQ_TOPIC" envDefault:"ledger.deadletter"`
	KafkaAlertTopic  string   `env:"LEDGER_KAFKA_ALERT_TOPIC" envDefault:"ledger.alerts"`
	KafkaMaxAttempts int      `env:"LEDGER_KAFKA_MAX_ATTEMPTS" envDefault:"3"`

	S3Bucket string `env:"LEDGER_S3_BUCKET"`
	S3Prefix string `env:"LEDGER_S3_PREFIX"`

	JWTHMACSecret    string `env:"LEDGER_JWT_HMAC_SECRET"`
	JWTPublicKeyPath string `env:"LEDGER_JWT_PUBLIC_KEY_PATH"`
	JWTIssuer        string `env:"LEDGER_JWT_ISSUER"`

	OTelEndpoint string `env:"LEDGER_OTEL_ENDPOINT"`
	OTelInsecure bool   `env:"LEDGER_OTEL_INSECURE"`
	ServiceName  string `env:"LEDGER_SERVICE_NAME" envDefault:"ledgerd"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the service cannot start with. There is no default
// passphrase or HMAC secret.
func (c *Config) Validate() error {
	if len(c.HMACSecret) < 32 {
		return fmt.Errorf("%w: LEDGER_HMAC_SECRET must be at least 32 bytes", models.ErrConfig)
	}

	switch c.Storage {
	case StorageMemory:
	case StorageFile:
		if c.FileDir == "" {
			return fmt.Errorf("%w: LEDGER_FILE_DIR required for file storage", models.ErrConfig)
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: LEDGER_DATABASE_URL required for postgres storage", models.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown LEDGER_STORAGE %q", models.ErrConfig, c.Storage)
	}

	switch c.KeyBackend {
	case KeyBackendLocal:
		if c.KeyPassphrase == "" {
			return fmt.Errorf("%w: LEDGER_KEY_PASSPHRASE required for local keys", models.ErrConfig)
		}
		if c.KeyDir == "" {
			return fmt.Errorf("%w: LEDGER_KEY_DIR required for local keys", models.ErrConfig)
		}
	case KeyBackendKMS:
		if c.KMSKeyID == "" {
			return fmt.Errorf("%w: LEDGER_KMS_KEY_ID required for kms keys", models.ErrConfig)
		}
		switch c.KMSProvider {
		case KMSProviderAWS:
		case KMSProviderHTTP:
			if c.KMSEndpoint == "" {
				return fmt.Errorf("%w: LEDGER_KMS_ENDPOINT required for http kms", models.ErrConfig)
			}
		default:
			return fmt.Errorf("%w: unknown LEDGER_KMS_PROVIDER %q", models.ErrConfig, c.KMSProvider)
		}
		if c.KMSKeyVersion < 1 {
			return fmt.Errorf("%w: LEDGER_KMS_KEY_VERSION must be positive", models.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown LEDGER_KEY_BACKEND %q", models.ErrConfig, c.KeyBackend)
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("%w: LEDGER_TLS_CERT and LEDGER_TLS_KEY must be set together", models.ErrConfig)
	}
	if c.TLSClientCA != "" && c.TLSCert == "" {
		return fmt.Errorf("%w: LEDGER_TLS_CLIENT_CA requires LEDGER_TLS_CERT", models.ErrConfig)
	}
	return nil
}
