package main

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/certledger/internal/keys"
)

func newDevTokenCmd() *cobra.Command {
	var issuer, subject, pubOut, tokenOut string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "dev-token",
		Short: "Create an RSA key pair and a signed RS256 bearer token for local testing",
		Long:  "Point LEDGER_JWT_PUBLIC_KEY_PATH at the written public key and send the token as a bearer credential.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				return err
			}
			token, err := signDevToken(priv, issuer, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			pemStr, err := keys.MarshalPublicKeyPEM(&priv.PublicKey)
			if err != nil {
				return err
			}
			if err := writeFile(pubOut, []byte(pemStr), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote public key -> %s\n", pubOut)
			if err := writeFile(tokenOut, []byte(token+"\n"), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote token -> %s\n", tokenOut)
			return nil
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "", "token issuer; must match LEDGER_JWT_ISSUER when that is set")
	cmd.Flags().StringVar(&subject, "sub", "auditor-dev", "token subject")
	cmd.Flags().StringVar(&pubOut, "pub-out", "data/dev/jwt_public.pem", "public key output path")
	cmd.Flags().StringVar(&tokenOut, "token-out", "data/dev/token.txt", "token output path")
	cmd.Flags().DurationVar(&ttl, "ttl", 10*time.Minute, "token lifetime")
	return cmd
}

func signDevToken(priv *rsa.PrivateKey, issuer, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}
