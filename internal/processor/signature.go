package processor

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// KeySource yields the parsed public key used to verify callbacks
type KeySource interface {
	Key(ctx context.Context) (*rsa.PublicKey, error)
}

// Verifier authenticates pushed callbacks against the processor public key
type Verifier struct {
	keys KeySource
}

// NewVerifier creates a new callback verifier
func NewVerifier(keys KeySource) *Verifier {
	return &Verifier{keys: keys}
}

// Verify checks an RSA-SHA256 signature (base64, X-Signature header) over
// the raw request body
func (v *Verifier) Verify(ctx context.Context, body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" || len(body) == 0 {
		return ErrInvalidSignature
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}

	key, err := v.keys.Key(ctx)
	if err != nil {
		return fmt.Errorf("failed to load public key: %w", err)
	}

	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// ParsePublicKey decodes a PEM encoded RSA public key (PKIX or PKCS#1)
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemText)))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type %T", parsed)
	}
	return key, nil
}

// StaticKey is a KeySource backed by a fixed key
type StaticKey struct {
	PublicKey *rsa.PublicKey
}

// Key implements KeySource
func (s StaticKey) Key(context.Context) (*rsa.PublicKey, error) {
	if s.PublicKey == nil {
		return nil, errors.New("no public key configured")
	}
	return s.PublicKey, nil
}
