package cleaner

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envArchiveSecretKey = "ARCHIVE_SECRET_KEY"
	envArchivePublicKey = "ARCHIVE_PUBLIC_KEY"
)

// Signer signs and verifies archive manifests with an Ed25519 key pair
// derived from an age secret key. Verification-only deployments configure
// just the public key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSignerFromEnv reads ARCHIVE_SECRET_KEY (an age secret key) and/or
// ARCHIVE_PUBLIC_KEY (base64 Ed25519 public key). At least one must be set.
func NewSignerFromEnv() (*Signer, error) {
	return newSigner(
		strings.TrimSpace(os.Getenv(envArchiveSecretKey)),
		strings.TrimSpace(os.Getenv(envArchivePublicKey)),
	)
}

func newSigner(secret, pub string) (*Signer, error) {
	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", envArchiveSecretKey, envArchivePublicKey)
	}

	s := &Signer{}

	if secret != "" {
		if _, err := age.ParseX25519Identity(secret); err != nil {
			return nil, fmt.Errorf("parse secret key: %w", err)
		}
		seed, err := decodeSecretSeed(secret)
		if err != nil {
			return nil, fmt.Errorf("decode secret key: %w", err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = ed25519.PublicKey(s.privateKey[ed25519.SeedSize:])
	}

	if pub != "" {
		decoded, err := base64.StdEncoding.DecodeString(pub)
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		if len(decoded) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key must decode to %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
		}
		if s.publicKey == nil {
			s.publicKey = ed25519.PublicKey(decoded)
		} else if !bytes.Equal(s.publicKey, decoded) {
			return nil, errors.New("public key does not match secret key")
		}
	}

	return s, nil
}

// Sign returns a base64 Ed25519 signature over the payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || len(s.privateKey) == 0 {
		return "", errors.New("signer has no private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// Verify checks a base64 signature against the payload. When the manifest
// embeds its signing key, it must match the configured one.
func (s *Signer) Verify(payload []byte, signature, manifestPublicKey string) error {
	if s == nil {
		return errors.New("nil signer")
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}

	key := s.publicKey
	if manifestPublicKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(manifestPublicKey)
		if err != nil {
			return fmt.Errorf("decode manifest public key: %w", err)
		}
		if len(decoded) != ed25519.PublicKeySize {
			return fmt.Errorf("manifest public key must be %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
		}
		if key != nil && !bytes.Equal(key, decoded) {
			return errors.New("manifest signed by unexpected key")
		}
		if key == nil {
			key = ed25519.PublicKey(decoded)
		}
	}
	if key == nil {
		return errors.New("no public key available")
	}

	if !ed25519.Verify(key, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64 form.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// decodeSecretSeed recovers the 32-byte seed from an age secret key's
// bech32 encoding.
func decodeSecretSeed(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected key prefix %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
