package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/ILLUVRSE/certledger/internal/models"
)

const (
	pemPublicKey        = "PUBLIC KEY"
	pemEncryptedPrivate = "ENCRYPTED PRIVATE KEY"
	requiredModulusBits = 2048
)

// DERToPEM wraps an SPKI DER public key (as returned by a KMS) in a PEM block.
func DERToPEM(der []byte) (string, error) {
	if _, err := parseRSAPublicDER(der); err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: der})), nil
}

// MarshalPublicKeyPEM encodes pub as an SPKI PEM block.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: der})), nil
}

// ParsePublicKeyPEM decodes an SPKI PEM RSA public key.
func ParsePublicKeyPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in public key", models.ErrInvalidRecord)
	}
	if block.Type != pemPublicKey {
		return nil, fmt.Errorf("%w: unexpected PEM block %q", models.ErrInvalidRecord, block.Type)
	}
	return parseRSAPublicDER(block.Bytes)
}

func parseRSAPublicDER(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %w", models.ErrInvalidRecord, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, want RSA", models.ErrInvalidRecord, key)
	}
	if pub.N.BitLen() < requiredModulusBits {
		return nil, fmt.Errorf("%w: rsa public key has %d bits, want at least %d", models.ErrInvalidRecord, pub.N.BitLen(), requiredModulusBits)
	}
	return pub, nil
}
