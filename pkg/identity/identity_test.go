package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/trustgate/pkg/database/dbtest"
)

func TestSQLDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewSQLDirectory(dbtest.New(t))

	require.NoError(t, d.Register(ctx, Principal{ID: "alice", TenantID: "org-a", DisplayName: "Alice"}))
	tenant, err := d.TenantOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "org-a", tenant)

	p, err := d.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, PrincipalUser, p.Kind)

	// Updating display data is fine, switching tenant is not.
	require.NoError(t, d.Register(ctx, Principal{ID: "alice", TenantID: "org-a", Kind: PrincipalService}))
	assert.Error(t, d.Register(ctx, Principal{ID: "alice", TenantID: "org-b"}))

	_, err = d.TenantOf(ctx, "mallory")
	assert.ErrorIs(t, err, ErrUnknownPrincipal)

	assert.Error(t, d.Register(ctx, Principal{ID: "", TenantID: "org-a"}))
}

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory(Principal{ID: "svc", TenantID: "org-a"})
	d.Add("bob", "org-b")

	got, err := d.TenantOf(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "org-b", got)

	_, err = d.TenantOf(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownPrincipal)
}

func TestInMemoryKeySet_SignVerifyAcrossRotation(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Subject: "x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}
	old, err := ks.Sign(context.Background(), claims)
	require.NoError(t, err)

	require.NoError(t, ks.Rotate())
	fresh, err := ks.Sign(context.Background(), claims)
	require.NoError(t, err)

	for _, raw := range []string{old, fresh} {
		tok, err := jwt.Parse(raw, ks.KeyFunc())
		require.NoError(t, err)
		assert.True(t, tok.Valid)
	}
}

func TestInMemoryKeySet_EvictsOldest(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)
	first, err := ks.Sign(context.Background(), jwt.RegisteredClaims{Subject: "x"})
	require.NoError(t, err)

	for i := 0; i < ks.maxKeys; i++ {
		require.NoError(t, ks.Rotate())
	}
	_, err = jwt.Parse(first, ks.KeyFunc())
	assert.Error(t, err)
	assert.Len(t, ks.keys, ks.maxKeys)
}

func TestKeySetFromSeed(t *testing.T) {
	seed := make([]byte, 32)
	a, err := NewKeySetFromSeed("k1", seed)
	require.NoError(t, err)
	b, err := NewKeySetFromSeed("k1", seed)
	require.NoError(t, err)

	tok, err := a.Sign(context.Background(), jwt.RegisteredClaims{Subject: "s"})
	require.NoError(t, err)
	_, err = jwt.Parse(tok, b.KeyFunc())
	assert.NoError(t, err)
	assert.Equal(t, "k1", a.CurrentKID())

	_, err = NewKeySetFromSeed("k1", []byte("short"))
	assert.Error(t, err)
}

func TestKeyFunc_RejectsOtherAlgorithms(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)
	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = jwt.Parse(hs, ks.KeyFunc())
	assert.Error(t, err)
}
