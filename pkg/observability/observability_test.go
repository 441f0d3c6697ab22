package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "adacta", cfg.ServiceName)
	require.Equal(t, "development", cfg.Environment)
	require.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	require.Equal(t, 1.0, cfg.SampleRate)
	require.False(t, cfg.Enabled)
}

func TestDisabledProviderIsInert(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, Config{Enabled: false}, nil)
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Record calls on a disabled provider must be no-ops, not panics.
	p.RecordIngest(ctx)
	p.RecordJob(ctx, "extract-text", "succeeded")
	p.RecordStepDuration(ctx, "extract-text", 120*time.Millisecond)
	p.RecordSync(ctx, "upserted")

	_, finish := p.TrackPipeline(ctx, "doc-1")
	finish(errors.New("boom"))

	require.NoError(t, p.Shutdown(ctx))
}

func TestNilProviderIsSafe(t *testing.T) {
	ctx := context.Background()
	var p *Provider

	p.RecordIngest(ctx)
	p.RecordJob(ctx, "s", "failed")
	p.RecordStepDuration(ctx, "s", time.Second)
	p.RecordSync(ctx, "deleted")

	_, finish := p.TrackPipeline(ctx, "doc-1")
	finish(nil)

	require.NoError(t, p.Shutdown(ctx))
}
