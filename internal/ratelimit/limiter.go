// Package ratelimit implements hierarchical per-IP token bucket rate
// limiting. Every client address owns a bucket per action type; IPv6
// addresses are additionally rolled up into shared /48, /56 and /64 prefix
// buckets so one subscriber cannot dodge the limits by hopping through a
// delegated block. All state lives in process memory and full buckets are
// swept away periodically.
package ratelimit

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the background sweep evicts bucket
// groups that have refilled completely.
const DefaultSweepInterval = time.Hour

// fallbackAddr buckets traffic whose source address could not be resolved.
// Degrading to one shared loopback key keeps the gate total: an unparseable
// peer is rate limited alongside the other unparseable peers rather than
// waved through.
var fallbackAddr = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// Limiter owns the shared rate-limit state. Construct exactly one per
// process with New and pass it to every request path; the constructor starts
// the single background sweep, so there is no lazy global to initialize in
// an uncontrolled order.
type Limiter struct {
	mu     sync.Mutex
	state  *storage
	limits Limits

	logger *zap.Logger
	now    func() InstantSecs

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a limiter enforcing the given budgets and starts the hourly
// sweep. The budgets are validated eagerly so a zero refill interval can
// never reach the bucket arithmetic.
func New(limits Limits, logger *zap.Logger) (*Limiter, error) {
	return NewWithSweepInterval(limits, logger, DefaultSweepInterval)
}

// NewWithSweepInterval is New with a custom sweep cadence. Tests and
// memory-constrained deployments tune this down.
func NewWithSweepInterval(limits Limits, logger *zap.Logger, sweepInterval time.Duration) (*Limiter, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if sweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %v", sweepInterval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Limiter{
		state:  newStorage(limits.byAction()),
		limits: limits,
		logger: logger,
		now:    NowSecs,
		stop:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.sweepLoop(sweepInterval)

	return l, nil
}

// Stop ends the background sweep and waits for it to exit. Safe to call
// more than once; the limiter keeps answering checks afterwards.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.RemoveFullBuckets()
		case <-l.stop:
			return
		}
	}
}

// Check runs the admission decision for one action from one address and
// consumes a token when it passes.
func (l *Limiter) Check(action ActionType, addr netip.Addr) bool {
	if !addr.IsValid() {
		addr = fallbackAddr
	}
	now := l.now()

	l.mu.Lock()
	allowed := l.state.check(action, addr, now)
	l.mu.Unlock()

	if allowed {
		checksTotal.WithLabelValues(action.String(), resultAllowed).Inc()
	} else {
		checksTotal.WithLabelValues(action.String(), resultDenied).Inc()
		l.logger.Debug("rate limited",
			zap.String("action", action.String()),
			zap.String("ip", addr.String()))
	}
	return allowed
}

// RemoveFullBuckets evicts every group whose buckets would all be back at
// capacity right now. The background sweep calls this on its interval; the
// admin API exposes it for on-demand reclamation.
func (l *Limiter) RemoveFullBuckets() {
	start := time.Now()
	now := l.now()

	l.mu.Lock()
	l.state.removeFullBuckets(now)
	st := l.state.counts()
	l.mu.Unlock()

	sweepDuration.Observe(time.Since(start).Seconds())
	recordStats(st)
	l.logger.Debug("removed full buckets",
		zap.Int("ipv4_groups", st.IPv4Groups),
		zap.Int("ipv6_prefix48_groups", st.IPv6Prefix48))
}

// SetLimits replaces the active budgets without resetting bucket state.
// Existing groups keep their token counts and drain under the new rates, so
// raising a limit never hands out an instant refill and lowering one never
// forgives accumulated debt.
func (l *Limiter) SetLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	l.state.setConfigs(limits.byAction())
	l.limits = limits
	l.mu.Unlock()

	l.logger.Info("rate limits replaced")
	return nil
}

// Limits returns the budgets currently being enforced.
func (l *Limiter) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// Stats reports how many bucket groups each address tier currently tracks.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.counts()
}

// Checker gates a single action type against the shared limiter. It is a
// small value, cheap to copy into handlers at wiring time.
type Checker struct {
	limiter *Limiter
	action  ActionType
}

// Checker returns the admission gate for the given action type.
func (l *Limiter) Checker(action ActionType) Checker {
	return Checker{limiter: l, action: action}
}

// Message gates private message sends.
func (l *Limiter) Message() Checker { return l.Checker(ActionMessage) }

// Register gates account registrations.
func (l *Limiter) Register() Checker { return l.Checker(ActionRegister) }

// Post gates post creation.
func (l *Limiter) Post() Checker { return l.Checker(ActionPost) }

// Image gates media uploads.
func (l *Limiter) Image() Checker { return l.Checker(ActionImage) }

// Comment gates comment creation.
func (l *Limiter) Comment() Checker { return l.Checker(ActionComment) }

// Search gates search queries.
func (l *Limiter) Search() Checker { return l.Checker(ActionSearch) }

// ImportUserSettings gates user settings imports.
func (l *Limiter) ImportUserSettings() Checker { return l.Checker(ActionImportUserSettings) }

// Check reports whether one request from addr may proceed, consuming a
// token when it does.
func (c Checker) Check(addr netip.Addr) bool {
	return c.limiter.Check(c.action, addr)
}
