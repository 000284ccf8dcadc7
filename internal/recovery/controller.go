// Package recovery is the Recovery Controller (spec.md §4.F): one cycle
// goroutine per account, lazily created when that account's health turns
// UNHEALTHY/DISCONNECTED and torn down once it reports HEALTHY or has been
// forced PERMANENTLY_FAILED. The backoff schedule is the teacher's
// relay/internal/upstream.Manager.calculateBackoff (exponential with ±10%
// jitter, clamped to a configured range), generalized from stream
// reconnect attempts to whole-session restart attempts.
package recovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"mdhub/internal/eventbus"
	"mdhub/internal/metrics"
	"mdhub/internal/supervisor"
	"mdhub/pkg/types"
)

// Config tunes the Recovery Controller.
type Config struct {
	CooldownMin        time.Duration
	CooldownMax        time.Duration
	MaxRestartAttempts int
	ObservationWindow  time.Duration
}

// EventPublisher is the bus dependency the Controller publishes phase transitions to.
type EventPublisher interface {
	Publish(types.Event)
}

// AccountProvider resolves an account record for a restart command.
type AccountProvider interface {
	Get(ctx context.Context, id string) (*types.Account, error)
}

// HealthForcer lets the Controller commit PERMANENTLY_FAILED once restart
// attempts are exhausted, bypassing the Health Monitor's own debounce.
type HealthForcer interface {
	ForcePermanentlyFailed(accountID, reason string)
	Status(accountID string) (types.HealthStatus, bool)
}

type watchedAccount struct {
	cycleCancel context.CancelFunc
	cycleActive bool
	mu          sync.Mutex
	done        chan struct{}
}

// Controller runs the recovery cycle for every tracked account.
type Controller struct {
	cfg            Config
	bus            EventPublisher
	sub            *eventbus.Bus
	commander      *supervisor.Supervisor
	accounts       AccountProvider
	health         HealthForcer
	canaryDefaults map[types.GatewayType]string
	metrics        *metrics.Metrics
	log            *zap.Logger

	mu       sync.Mutex
	watched  map[string]*watchedAccount
}

// New creates a Recovery Controller.
func New(cfg Config, sub *eventbus.Bus, bus EventPublisher, commander *supervisor.Supervisor,
	accounts AccountProvider, health HealthForcer, canaryDefaults map[types.GatewayType]string,
	m *metrics.Metrics, log *zap.Logger) *Controller {
	if cfg.CooldownMin <= 0 {
		cfg.CooldownMin = 5 * time.Second
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = 5 * time.Minute
	}
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = 5
	}
	if cfg.ObservationWindow <= 0 {
		cfg.ObservationWindow = 30 * time.Second
	}
	return &Controller{
		cfg: cfg, bus: bus, sub: sub, commander: commander,
		accounts: accounts, health: health, canaryDefaults: canaryDefaults,
		metrics: m, log: log, watched: make(map[string]*watchedAccount),
	}
}

// Track begins observing accountID's health transitions.
func (c *Controller) Track(accountID string) {
	c.mu.Lock()
	if _, ok := c.watched[accountID]; ok {
		c.mu.Unlock()
		return
	}
	wa := &watchedAccount{done: make(chan struct{})}
	c.watched[accountID] = wa
	c.mu.Unlock()

	sub := c.sub.Subscribe("recovery-"+accountID, "account."+accountID)
	go c.watchLoop(accountID, wa, sub)
}

// Untrack stops observing accountID entirely, canceling any active cycle.
func (c *Controller) Untrack(accountID string) {
	c.mu.Lock()
	wa, ok := c.watched[accountID]
	delete(c.watched, accountID)
	c.mu.Unlock()
	if !ok {
		return
	}
	close(wa.done)
	wa.mu.Lock()
	if wa.cycleCancel != nil {
		wa.cycleCancel()
	}
	wa.mu.Unlock()
}

func (c *Controller) watchLoop(accountID string, wa *watchedAccount, sub *eventbus.Subscription) {
	defer sub.Close()
	for {
		ev, ok := sub.Next(wa.done)
		if !ok {
			return
		}
		p, ok := ev.Payload.(types.HealthStatusChangedPayload)
		if !ok {
			continue
		}
		switch p.NewStatus {
		case types.HealthUnhealthy, types.HealthDisconnected:
			c.startCycle(accountID, wa)
		case types.HealthHealthy:
			c.commander.ResetRestartAttempts(accountID)
			c.stopCycle(wa)
		case types.HealthPermanentlyFailed:
			c.stopCycle(wa)
		}
	}
}

func (c *Controller) startCycle(accountID string, wa *watchedAccount) {
	wa.mu.Lock()
	if wa.cycleActive {
		wa.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	wa.cycleCancel = cancel
	wa.cycleActive = true
	wa.mu.Unlock()

	go func() {
		c.runCycle(ctx, accountID)
		wa.mu.Lock()
		wa.cycleActive = false
		wa.mu.Unlock()
	}()
}

func (c *Controller) stopCycle(wa *watchedAccount) {
	wa.mu.Lock()
	if wa.cycleCancel != nil {
		wa.cycleCancel()
	}
	wa.mu.Unlock()
}

// runCycle drives cooldown -> restart -> observe until the account
// recovers, attempts are exhausted, or the cycle is cancelled.
func (c *Controller) runCycle(ctx context.Context, accountID string) {
	for attempt := 1; attempt <= c.cfg.MaxRestartAttempts; attempt++ {
		delay := calculateBackoff(attempt, c.cfg.CooldownMin, c.cfg.CooldownMax)
		c.commander.SetNextAllowedRestartAt(accountID, time.Now().Add(delay))
		c.publishPhase(accountID, types.RecoveryPhaseCooldown, attempt)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		acc, err := c.accounts.Get(ctx, accountID)
		if err != nil {
			c.log.Warn("recovery could not resolve account", zap.String("account_id", accountID), zap.Error(err))
			continue
		}

		c.publishPhase(accountID, types.RecoveryPhaseRestarting, attempt)
		if c.metrics != nil {
			c.metrics.RecoveryPhases.WithLabelValues(accountID, string(types.RecoveryPhaseRestarting)).Inc()
		}

		if err := c.commander.Submit(ctx, supervisor.Command{
			Kind: supervisor.CommandRestart, Account: *acc, CanaryDefaults: c.canaryDefaults,
		}); err != nil {
			c.log.Warn("recovery restart failed", zap.String("account_id", accountID), zap.Error(err))
			continue
		}

		if c.awaitObservation(ctx, accountID) {
			c.publishPhase(accountID, types.RecoveryPhaseCompleted, attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.publishPhase(accountID, types.RecoveryPhaseFailed, attempt)
	}

	if c.health != nil {
		c.health.ForcePermanentlyFailed(accountID, "max_restart_attempts_exceeded")
	}
	c.publishPhase(accountID, types.RecoveryPhasePermanentlyFailed, c.cfg.MaxRestartAttempts)
}

// awaitObservation polls health status for up to ObservationWindow,
// returning true if the account reaches HEALTHY within it.
func (c *Controller) awaitObservation(ctx context.Context, accountID string) bool {
	deadline := time.NewTimer(c.cfg.ObservationWindow)
	defer deadline.Stop()
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			// The watch loop cancels the cycle as soon as HEALTHY is
			// committed, so check once more before reporting failure.
			if c.health != nil {
				if status, ok := c.health.Status(accountID); ok && status.Status == types.HealthHealthy {
					return true
				}
			}
			return false
		case <-deadline.C:
			return false
		case <-poll.C:
			if c.health == nil {
				continue
			}
			if status, ok := c.health.Status(accountID); ok && status.Status == types.HealthHealthy {
				return true
			}
		}
	}
}

func (c *Controller) publishPhase(accountID string, phase types.RecoveryPhaseKind, attempt int) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(types.Event{
		Type:  types.EventRecoveryPhase,
		Topic: "account." + accountID,
		Payload: types.RecoveryPhasePayload{
			AccountID: accountID,
			Phase:     phase,
			Attempt:   attempt,
		},
	})
}

// calculateBackoff computes an exponential delay with ±10% jitter, clamped to [min, max].
func calculateBackoff(attempt int, min, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := min * time.Duration(1<<uint(attempt-1))
	if delay > max {
		delay = max
	}
	jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
	result := delay + jitter
	if result < 0 {
		result = 0
	}
	return result
}
