package httpserver

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ILLUVRSE/certledger/internal/keys"
	"github.com/ILLUVRSE/certledger/internal/models"
)

// AuthConfig configures bearer token checks. With neither an HMAC secret nor a public
// key the API is unauthenticated.
type AuthConfig struct {
	HMACSecret    []byte
	PublicKeyPath string
	Issuer        string
}

// Verifier checks bearer JWTs signed with HS256 or RS256.
type Verifier struct {
	hmacSecret []byte
	publicKey  *rsa.PublicKey
	issuer     string
}

// NewVerifier returns nil when cfg configures no key.
func NewVerifier(cfg AuthConfig) (*Verifier, error) {
	if len(cfg.HMACSecret) == 0 && cfg.PublicKeyPath == "" {
		return nil, nil
	}
	v := &Verifier{hmacSecret: cfg.HMACSecret, issuer: cfg.Issuer}
	if cfg.PublicKeyPath != "" {
		data, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		pub, err := keys.ParsePublicKeyPEM(string(data))
		if err != nil {
			return nil, fmt.Errorf("%w: jwt public key: %w", models.ErrConfig, err)
		}
		v.publicKey = pub
	}
	return v, nil
}

func (v *Verifier) methods() []string {
	var out []string
	if len(v.hmacSecret) > 0 {
		out = append(out, jwt.SigningMethodHS256.Alg())
	}
	if v.publicKey != nil {
		out = append(out, jwt.SigningMethodRS256.Alg())
	}
	return out
}

// VerifyToken parses and validates a compact JWT. Tokens must carry an expiry.
func (v *Verifier) VerifyToken(tokenStr string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods()),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return v.hmacSecret, nil
		case *jwt.SigningMethodRSA:
			return v.publicKey, nil
		}
		return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			respondError(w, http.StatusUnauthorized, "LEDGER_AUTH", "bearer token required")
			return
		}
		if _, err := s.auth.VerifyToken(strings.TrimPrefix(authHeader, "Bearer ")); err != nil {
			respondError(w, http.StatusUnauthorized, "LEDGER_AUTH", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
