package bundles

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// BundleSigner signs the publication payload of a bundle.
type BundleSigner interface {
	Sign(payload []byte) (string, error)
	Verify(payload []byte, signature string) (bool, error)
}

// signingPayload binds content, signer and publication time.
func signingPayload(contentHash, signerID string, publishedAt time.Time) []byte {
	return []byte(contentHash + ":" + signerID + ":" + strconv.FormatInt(publishedAt.UnixNano(), 10))
}

// HMACSigner is a shared-secret placeholder for deployments without a
// signing key.
type HMACSigner struct {
	secret []byte
}

func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac signer: empty secret")
	}
	return &HMACSigner{secret: append([]byte(nil), secret...)}, nil
}

func (s *HMACSigner) Sign(payload []byte) (string, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s *HMACSigner) Verify(payload []byte, signature string) (bool, error) {
	want, err := s.Sign(payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(signature)), nil
}

// Ed25519Signer signs with a private key; signatures are hex encoded.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewEd25519Signer(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 signer: invalid key size %d", len(priv))
	}
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// NewEd25519SignerFromSeed derives the key from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 signer: seed must be %d bytes", ed25519.SeedSize)
	}
	return NewEd25519Signer(ed25519.NewKeyFromSeed(seed))
}

func (s *Ed25519Signer) PublicKey() string { return hex.EncodeToString(s.pub) }

func (s *Ed25519Signer) Sign(payload []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, payload)), nil
}

func (s *Ed25519Signer) Verify(payload []byte, signature string) (bool, error) {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(s.pub, payload, sig), nil
}
