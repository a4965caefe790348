package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.Equal(t, "trustgate", c.ServiceName)
	require.Equal(t, "localhost:4317", c.OTLPEndpoint)
	require.Equal(t, 1.0, c.SampleRate)
	require.False(t, c.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation_Disabled(t *testing.T) {
	p := Disabled()
	ctx, done := p.TrackOperation(context.Background(), "bundles.compile", Tenant("t1"))
	require.NotNil(t, ctx)
	done(nil)

	_, done = p.TrackOperation(context.Background(), "bundles.compile")
	done(errors.New("boom"))
}

func TestTrackOperation_NilProvider(t *testing.T) {
	var p *Provider
	ctx := context.Background()
	got, done := p.TrackOperation(ctx, "noop")
	assert.Equal(t, ctx, got)
	done(nil)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, contracts.KindTokenNotFound, ErrorKind(fmt.Errorf("wrap: %w", contracts.ErrTokenNotFound)))
	assert.Equal(t, contracts.ErrorKind("INTERNAL"), ErrorKind(errors.New("db down")))
}
