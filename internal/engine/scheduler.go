package engine

import (
	"context"
	"time"
)

// Cooldowns records when each action last fired.
// It is owned by the engine loop and is not safe for concurrent use.
type Cooldowns struct {
	last map[string]time.Time
}

func NewCooldowns() *Cooldowns {
	return &Cooldowns{last: make(map[string]time.Time)}
}

// CheckAndRecord reports whether action may fire at now. A blocked firing
// leaves the recorded timestamp untouched; an allowed one records now
// before any sub-action runs.
func (c *Cooldowns) CheckAndRecord(action string, cooldown time.Duration, now time.Time) bool {
	if cooldown > 0 {
		if last, ok := c.last[action]; ok && now.Sub(last) < cooldown {
			return false
		}
	}
	c.last[action] = now
	return true
}

// Remaining returns how long action stays blocked at now.
func (c *Cooldowns) Remaining(action string, cooldown time.Duration, now time.Time) time.Duration {
	last, ok := c.last[action]
	if !ok || cooldown <= 0 {
		return 0
	}
	if left := cooldown - now.Sub(last); left > 0 {
		return left
	}
	return 0
}

// Forget drops the record for action.
func (c *Cooldowns) Forget(action string) {
	delete(c.last, action)
}

// runTimer posts a timerFired every interval until ctx is canceled.
// Each wait starts fresh, so a restarted timer never carries over elapsed time.
func (e *Engine) runTimer(ctx context.Context, action string, gen uint64, interval time.Duration) {
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.post(ctx, timerFired{Action: action, Gen: gen}); err != nil {
				return
			}
			t.Reset(interval)
		}
	}
}

// runRevert posts a single revertDue after the delay unless canceled first.
func (e *Engine) runRevert(ctx context.Context, action string, gen uint64, enabled bool, after time.Duration) {
	t := time.NewTimer(after)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		_ = e.post(ctx, revertDue{Action: action, Gen: gen, Enabled: enabled})
	}
}
