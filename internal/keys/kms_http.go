package keys

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ILLUVRSE/certledger/internal/models"
)

// HTTPKMSConfig configures an HTTPKMSClient.
type HTTPKMSConfig struct {
	Endpoint    string
	BearerToken string
	// TLS enables mTLS or a private CA; nil keeps the default transport settings.
	TLS *tls.Config
	// Timeout caps a single HTTP exchange. KMSBackend applies its own per-attempt
	// deadline on top.
	Timeout time.Duration
}

// HTTPKMSClient talks to a JSON-over-HTTP key service:
//
//	POST /sign         {keyId, digest}            -> {signature}
//	POST /verify       {keyId, digest, signature} -> {valid}
//	POST /publicKey    {keyId}                    -> {publicKey}
//	POST /describeKey  {keyId}                    -> {keyId, enabled, keySpec, createdAt}
//
// Binary fields are standard base64; publicKey is SPKI DER.
type HTTPKMSClient struct {
	endpoint    string
	bearerToken string
	client      *http.Client
}

// NewHTTPKMSClient validates cfg and builds the HTTP client.
func NewHTTPKMSClient(cfg HTTPKMSConfig) (*HTTPKMSClient, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("%w: kms endpoint is required", models.ErrConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil {
		tr.TLSClientConfig = cfg.TLS
	}
	return &HTTPKMSClient{
		endpoint:    endpoint,
		bearerToken: cfg.BearerToken,
		client:      &http.Client{Transport: tr, Timeout: cfg.Timeout},
	}, nil
}

type kmsKeyRequest struct {
	KeyID     string `json:"keyId"`
	Digest    string `json:"digest,omitempty"`
	Signature string `json:"signature,omitempty"`
}

func (c *HTTPKMSClient) Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	var resp struct {
		Signature string `json:"signature"`
	}
	req := kmsKeyRequest{KeyID: keyID, Digest: base64.StdEncoding.EncodeToString(digest)}
	if err := c.postJSON(ctx, "sign", "/sign", req, &resp); err != nil {
		return nil, err
	}
	if resp.Signature == "" {
		return nil, &models.BackendError{Op: "sign", Err: errors.New("kms returned no signature")}
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return nil, &models.BackendError{Op: "sign", Err: fmt.Errorf("invalid base64 signature from kms: %w", err)}
	}
	return sig, nil
}

func (c *HTTPKMSClient) Verify(ctx context.Context, keyID string, digest, sig []byte) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	req := kmsKeyRequest{
		KeyID:     keyID,
		Digest:    base64.StdEncoding.EncodeToString(digest),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	if err := c.postJSON(ctx, "verify", "/verify", req, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (c *HTTPKMSClient) GetPublicKey(ctx context.Context, keyID string) ([]byte, error) {
	var resp struct {
		PublicKey string `json:"publicKey"`
	}
	if err := c.postJSON(ctx, "getPublicKey", "/publicKey", kmsKeyRequest{KeyID: keyID}, &resp); err != nil {
		return nil, err
	}
	if resp.PublicKey == "" {
		return nil, &models.BackendError{Op: "getPublicKey", Err: errors.New("kms returned no public key")}
	}
	der, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	if err != nil {
		return nil, &models.BackendError{Op: "getPublicKey", Err: fmt.Errorf("invalid base64 public key from kms: %w", err)}
	}
	return der, nil
}

func (c *HTTPKMSClient) DescribeKey(ctx context.Context, keyID string) (KeyDescription, error) {
	var resp struct {
		KeyID     string    `json:"keyId"`
		Enabled   bool      `json:"enabled"`
		KeySpec   string    `json:"keySpec"`
		CreatedAt time.Time `json:"createdAt"`
	}
	if err := c.postJSON(ctx, "describeKey", "/describeKey", kmsKeyRequest{KeyID: keyID}, &resp); err != nil {
		return KeyDescription{}, err
	}
	return KeyDescription{KeyID: resp.KeyID, Enabled: resp.Enabled, KeySpec: resp.KeySpec, CreatedAt: resp.CreatedAt}, nil
}

// Close drops idle connections to the key service.
func (c *HTTPKMSClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// httpStatusError carries a non-2xx KMS response.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("kms http %d: %s", e.StatusCode, e.Body)
}

// retryable: throttling and server-side faults.
func (e *httpStatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (c *HTTPKMSClient) postJSON(ctx context.Context, op, path string, in, out interface{}) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return &models.BackendError{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, buf)
	if err != nil {
		return &models.BackendError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &models.BackendError{Op: op, Transient: !errors.Is(err, context.Canceled), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &httpStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		return &models.BackendError{Op: op, Transient: statusErr.retryable(), Err: statusErr}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &models.BackendError{Op: op, Err: fmt.Errorf("decode kms response: %w", err)}
		}
	}
	return nil
}
