package gateway

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/trustgate/pkg/identity"
)

// Claims is the signed body of a capability token.
type Claims struct {
	jwt.RegisteredClaims
	Level        int      `json:"loa"`
	Scope        []string `json:"scope"`
	Bundle       string   `json:"bnd,omitempty"`
	Org          string   `json:"org"`
	ArtifactType string   `json:"atype"`
}

// TokenSigner signs and verifies capability tokens.
type TokenSigner interface {
	Sign(ctx context.Context, claims *Claims) (string, error)
	// Parse verifies the signature and the time claims.
	Parse(token string, opts ...jwt.ParserOption) (*Claims, error)
}

const tenantKeyInfo = "trustgate-token-kdf"

// HMACSigner signs HS256 with a per-tenant key derived from one deployment
// secret, so a key leaked for one tenant cannot mint tokens for another.
type HMACSigner struct {
	secret []byte

	mu   sync.Mutex
	keys map[string][]byte
}

func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	return &HMACSigner{secret: append([]byte(nil), secret...), keys: make(map[string][]byte)}, nil
}

func (s *HMACSigner) tenantKey(tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, errors.New("token has no tenant")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[tenantID]; ok {
		return k, nil
	}
	k := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.secret, []byte(tenantKeyInfo), []byte(tenantID)), k); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	s.keys[tenantID] = k
	return k, nil
}

func (s *HMACSigner) Sign(_ context.Context, claims *Claims) (string, error) {
	key, err := s.tenantKey(claims.Org)
	if err != nil {
		return "", err
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func (s *HMACSigner) Parse(token string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*Claims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		return s.tenantKey(c.Org)
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// KeySetSigner signs EdDSA with the current key of a rotating key set.
type KeySetSigner struct {
	keys identity.KeySet
}

func NewKeySetSigner(keys identity.KeySet) *KeySetSigner {
	return &KeySetSigner{keys: keys}
}

func (s *KeySetSigner) Sign(ctx context.Context, claims *Claims) (string, error) {
	return s.keys.Sign(ctx, claims)
}

func (s *KeySetSigner) Parse(token string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(token, claims, s.keys.KeyFunc(), opts...); err != nil {
		return nil, err
	}
	return claims, nil
}
