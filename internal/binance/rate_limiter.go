package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimiter accounts request weight against the exchange's
// per-minute IP budget. Only a fraction of the hard limit is usable
// so that bursts and header lag never walk the process into a ban.
//
// The window is aligned to wall-clock minutes, matching how the
// server resets the X-MBX-USED-WEIGHT-1M counter.
type RateLimiter struct {
	mu sync.Mutex

	hardLimit int
	budget    int // usable weight = hardLimit * threshold fraction

	used        int
	windowStart time.Time

	banUntil   time.Time
	banNotices int // log once per ban episode

	now    func() time.Time
	logger zerolog.Logger
}

// RateLimiterStatus is a point-in-time snapshot for the status API.
type RateLimiterStatus struct {
	Used          int       `json:"used"`
	Budget        int       `json:"budget"`
	HardLimit     int       `json:"hard_limit"`
	UsagePercent  float64   `json:"usage_percent"`
	WindowResetAt time.Time `json:"window_reset_at"`
	Banned        bool      `json:"banned"`
	BanUntil      time.Time `json:"ban_until,omitempty"`
}

// NewRateLimiter builds a limiter over the given hard per-minute
// limit, granting reservations only up to hardLimit*thresholdFraction.
func NewRateLimiter(hardLimit int, thresholdFraction float64, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		hardLimit: hardLimit,
		budget:    int(float64(hardLimit) * thresholdFraction),
		now:       time.Now,
		logger:    logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// roll resets the counter when the wall-clock minute has rolled over.
// Caller holds mu.
func (r *RateLimiter) roll(now time.Time) {
	ws := now.Truncate(time.Minute)
	if ws.After(r.windowStart) {
		r.windowStart = ws
		r.used = 0
	}
}

// Reserve blocks until the given weight fits in the current minute's
// budget, then records it. It fails fast with ErrUnavailable when an
// IP ban is active or the context expires before a slot opens; a slot
// always opens within one minute, so callers bound their wait with
// the context deadline.
func (r *RateLimiter) Reserve(ctx context.Context, weight int) error {
	if weight <= 0 {
		return nil
	}
	if weight > r.budget {
		return fmt.Errorf("%w: weight %d exceeds budget %d", ErrUnavailable, weight, r.budget)
	}

	for {
		r.mu.Lock()
		now := r.now()
		r.roll(now)

		if now.Before(r.banUntil) {
			until := r.banUntil
			r.mu.Unlock()
			return fmt.Errorf("%w: banned until %s", ErrUnavailable, until.Format(time.RFC3339))
		}

		if r.used+weight <= r.budget {
			r.used += weight
			r.mu.Unlock()
			return nil
		}

		resetAt := r.windowStart.Add(time.Minute)
		r.mu.Unlock()

		// A deadline that cannot reach the window roll means the wait
		// is pointless; fail fast instead of parking the caller.
		if deadline, ok := ctx.Deadline(); ok && deadline.Before(resetAt) {
			return fmt.Errorf("%w: budget exhausted, window resets %s after deadline", ErrUnavailable, resetAt.Sub(deadline))
		}

		wait := resetAt.Sub(now)
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
}

// ObserveUsed reconciles the local counter with the used-weight value
// the server reported in a response header. The server is
// authoritative: local accounting can only undercount (other
// processes on the same IP, weight table drift).
func (r *RateLimiter) ObserveUsed(serverUsed int) {
	if serverUsed <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll(r.now())
	if serverUsed > r.used {
		r.used = serverUsed
	}
}

// TripBan opens the ban gate until the given time. A zero time falls
// back to a one-minute cooloff. Logged once per episode.
func (r *RateLimiter) TripBan(until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if until.IsZero() {
		until = now.Add(time.Minute)
	}
	if until.After(r.banUntil) {
		r.banUntil = until
		r.banNotices++
		r.logger.Warn().
			Time("ban_until", until).
			Int("episode", r.banNotices).
			Msg("rate limit ban active, refusing requests")
	}
}

// Banned reports whether the ban gate is currently closed.
func (r *RateLimiter) Banned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Before(r.banUntil)
}

// Status returns a snapshot of the limiter state.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.roll(now)

	return RateLimiterStatus{
		Used:          r.used,
		Budget:        r.budget,
		HardLimit:     r.hardLimit,
		UsagePercent:  float64(r.used) / float64(r.hardLimit) * 100,
		WindowResetAt: r.windowStart.Add(time.Minute),
		Banned:        now.Before(r.banUntil),
		BanUntil:      r.banUntil,
	}
}
