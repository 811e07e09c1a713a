package dispatch

import (
	"log/slog"
	"slices"
	"time"
)

// backoff returns min(base * 2^(retryCount-1), ceiling).
func backoff(retryCount int, base, ceiling time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return min(delay, ceiling)
}

// scheduleRetry arms a one-shot retry pass. Any pass that starts earlier
// cancels it.
func (d *Dispatcher) scheduleRetry(retryCount int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx := d.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	d.stopRetryLocked()
	delay := backoff(retryCount, d.opts.BaseBackoff, d.opts.MaxBackoff)
	d.nextRetryAt = d.now().Add(delay)
	d.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		if d.retryTimer != timer {
			d.mu.Unlock()
			return
		}
		d.retryTimer = nil
		d.nextRetryAt = time.Time{}
		d.mu.Unlock()

		d.autoSync(ctx, TriggerRetry)
	})
	d.retryTimer = timer
	slog.Info("dispatcher retry scheduled", "in", delay, "retryCount", retryCount)
}

func (d *Dispatcher) stopRetryLocked() {
	if d.retryTimer != nil {
		if d.retryTimer.Stop() {
			d.wg.Done()
		}
		d.retryTimer = nil
	}
	d.nextRetryAt = time.Time{}
}

// History returns recent pass results, newest first.
func (d *Dispatcher) History() []*PassResult {
	results := d.history.Values()
	slices.Reverse(results)
	return results
}
