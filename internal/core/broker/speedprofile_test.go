package broker

import (
	"context"
	"testing"
	"time"

	"telegram-orchestrator/internal/core/config"
	"telegram-orchestrator/internal/core/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacingControllerBatchSizeKnownAndUnknownProfile(t *testing.T) {
	cfg := &config.Config{
		SpeedProfiles: map[string]config.SpeedProfileParams{
			"FAST": {BatchSize: 50, GlobalBudgetPerMin: 90},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPacingController(ctx, cfg)
	defer p.Stop()

	assert.Equal(t, 50, p.BatchSize(model.SpeedFast))
	assert.Equal(t, 10, p.BatchSize(model.SpeedSafe), "unknown profile falls back to the default batch size")
}

func TestPacingControllerAwaitMessageSlotHonorsBurstAndUnknownProfile(t *testing.T) {
	cfg := &config.Config{
		SpeedProfiles: map[string]config.SpeedProfileParams{
			"FAST": {PerMessageDelay: 0, GlobalBudgetPerMin: 6000},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPacingController(ctx, cfg)
	defer p.Stop()

	// Unknown profile: no throttler registered, must be a no-op.
	require.NoError(t, p.AwaitMessageSlot(ctx, model.SpeedSafe))

	// Known profile with a pre-filled burst and zero per-message delay
	// must return immediately rather than blocking on the refill loop.
	done := make(chan error, 1)
	go func() { done <- p.AwaitMessageSlot(ctx, model.SpeedFast) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitMessageSlot blocked past its burst allowance")
	}
}
