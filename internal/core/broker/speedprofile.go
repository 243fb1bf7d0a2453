// speedprofile.go applies the pacing tuple from spec.md §4.1 to every
// outbound parse call. Each speed profile gets its own bucket from the
// token-bucket throttler already in this tree (internal/infra/throttle);
// that bucket refills in whole requests per second (at least 1), so after
// taking a token each call also waits the longer of its per-message/
// per-user-request delay and the budget's spacing (one minute divided by
// GlobalBudgetPerMin), per spec.md §4.1.
package broker

import (
	"context"
	"sync"
	"time"

	"telegram-orchestrator/internal/core/config"
	"telegram-orchestrator/internal/core/model"
	"telegram-orchestrator/internal/infra/throttle"
)

// PacingController owns one token-bucket throttler per speed profile plus
// the fixed per-call delays from the profile table.
type PacingController struct {
	mu         sync.Mutex
	throttlers map[model.SpeedProfile]*throttle.Throttler
	params     map[model.SpeedProfile]config.SpeedProfileParams
}

// NewPacingController builds throttlers for every profile in cfg and
// starts their refill loops against ctx's lifetime.
func NewPacingController(ctx context.Context, cfg *config.Config) *PacingController {
	p := &PacingController{
		throttlers: make(map[model.SpeedProfile]*throttle.Throttler),
		params:     make(map[model.SpeedProfile]config.SpeedProfileParams),
	}
	for name, params := range cfg.SpeedProfiles {
		rps := params.GlobalBudgetPerMin / 60
		if rps < 1 {
			rps = 1
		}
		t := throttle.New(rps)
		t.Start(ctx)
		profile := model.SpeedProfile(name)
		p.throttlers[profile] = t
		p.params[profile] = params
	}
	return p
}

// Stop halts every throttler's background goroutine.
func (p *PacingController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.throttlers {
		t.Stop()
	}
}

// AwaitMessageSlot blocks until the global budget for profile allows one
// more message-fetch call, then additionally sleeps the longer of the
// profile's fixed per-message delay and its budget spacing, so the
// stricter of the two constraints wins (spec.md §4.1).
func (p *PacingController) AwaitMessageSlot(ctx context.Context, profile model.SpeedProfile) error {
	return p.awaitSlot(ctx, profile, func(params config.SpeedProfileParams) time.Duration {
		return params.PerMessageDelay
	})
}

// AwaitUserRequestSlot is AwaitMessageSlot's counterpart for participant
// enrichment calls, using the profile's per-user-request delay.
func (p *PacingController) AwaitUserRequestSlot(ctx context.Context, profile model.SpeedProfile) error {
	return p.awaitSlot(ctx, profile, func(params config.SpeedProfileParams) time.Duration {
		return params.PerUserRequestDelay
	})
}

func (p *PacingController) awaitSlot(ctx context.Context, profile model.SpeedProfile, pick func(config.SpeedProfileParams) time.Duration) error {
	p.mu.Lock()
	t, ok := p.throttlers[profile]
	params := p.params[profile]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if err := t.Do(ctx, func() error { return nil }); err != nil {
		return err
	}

	delay := pick(params)
	if params.GlobalBudgetPerMin > 0 {
		if spacing := time.Minute / time.Duration(params.GlobalBudgetPerMin); spacing > delay {
			delay = spacing
		}
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BatchSize returns the configured batch size for profile (spec.md §4.1
// table).
func (p *PacingController) BatchSize(profile model.SpeedProfile) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if params, ok := p.params[profile]; ok {
		return params.BatchSize
	}
	return 10
}
