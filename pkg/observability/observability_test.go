package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "run.execute")
	assert.NotNil(t, ctx)
	finish(nil)
	finish(errors.New("double finish must not panic either"))

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.NoError(t, p.Gauge("plancore.queue.depth", "queued runs", func() float64 { return 0 }))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "plancore", cfg.ServiceName)
	assert.False(t, cfg.Enabled, "telemetry is opt-in")
	assert.Equal(t, 1.0, cfg.SampleRate)
}
