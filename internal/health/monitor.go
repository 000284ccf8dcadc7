// Package health is the Health Monitor (spec.md §4.E): one evaluation
// loop per tracked account that classifies session health from transport
// state (GatewayStateChanged) plus data-plane liveness (CanaryTickObserved),
// committing a transition only after it has held steady for the configured
// debounce window. The debounce/commit shape is grounded on the teacher's
// relay/internal/upstream.Manager health-check loop
// (healthCheckLoop/performHealthCheck), generalized from a single
// ticker-driven check into an event-driven fast path plus a ticker fallback:
// state changes and canary ticks are evaluated as they arrive, and a canary
// going stale is noticed on the next ticker evaluation. A session with no
// canary symbol is classified from transport state alone.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"mdhub/internal/eventbus"
	"mdhub/internal/metrics"
	"mdhub/pkg/types"
)

// Config tunes the Health Monitor.
type Config struct {
	Interval        time.Duration
	Debounce        time.Duration
	CanaryThreshold time.Duration
}

// EventPublisher is the bus dependency the Monitor publishes committed transitions to.
type EventPublisher interface {
	Publish(types.Event)
}

// SessionSource is the Supervisor dependency the Monitor reads transport state from.
type SessionSource interface {
	Session(accountID string) (types.GatewaySession, bool)
}

type accountHealth struct {
	mu              sync.Mutex
	status          types.HealthStatus
	pendingState    types.HealthState
	pendingSince    time.Time
	hasPending      bool
	forcedPermanent bool
	canaryLastTick  time.Time
	done            chan struct{}
}

// Monitor runs one evaluation loop per tracked account.
type Monitor struct {
	cfg     Config
	bus     EventPublisher
	sub     *eventbus.Bus
	sessions SessionSource
	metrics *metrics.Metrics
	log     *zap.Logger

	mu       sync.Mutex
	accounts map[string]*accountHealth
}

// New creates a Health Monitor. sub is the bus instance it subscribes to
// per-account topics on; bus is where it publishes committed transitions
// (normally the same instance, split for interface clarity).
func New(cfg Config, sub *eventbus.Bus, bus EventPublisher, sessions SessionSource, m *metrics.Metrics, log *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 3 * time.Second
	}
	if cfg.CanaryThreshold <= 0 {
		cfg.CanaryThreshold = 60 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		bus:      bus,
		sub:      sub,
		sessions: sessions,
		metrics:  m,
		log:      log,
		accounts: make(map[string]*accountHealth),
	}
}

// Track starts evaluating accountID's health. Safe to call once per account.
func (m *Monitor) Track(accountID string) {
	m.mu.Lock()
	if _, ok := m.accounts[accountID]; ok {
		m.mu.Unlock()
		return
	}
	ah := &accountHealth{
		status: types.HealthStatus{AccountID: accountID, Status: types.HealthDisconnected, LastTransitionAt: time.Now()},
		done:   make(chan struct{}),
	}
	m.accounts[accountID] = ah
	m.mu.Unlock()

	sub := m.sub.Subscribe("health-monitor-"+accountID, "account."+accountID)
	go m.eventLoop(accountID, ah, sub)
	go m.evalLoop(accountID, ah)
}

// Untrack stops evaluating accountID, e.g. when its account is deleted.
func (m *Monitor) Untrack(accountID string) {
	m.mu.Lock()
	ah, ok := m.accounts[accountID]
	delete(m.accounts, accountID)
	m.mu.Unlock()
	if ok {
		close(ah.done)
	}
}

// Status returns the current committed health for accountID.
func (m *Monitor) Status(accountID string) (types.HealthStatus, bool) {
	m.mu.Lock()
	ah, ok := m.accounts[accountID]
	m.mu.Unlock()
	if !ok {
		return types.HealthStatus{}, false
	}
	ah.mu.Lock()
	defer ah.mu.Unlock()
	return ah.status, true
}

// ForcePermanentlyFailed commits PERMANENTLY_FAILED immediately, bypassing
// debounce. Called by the Recovery Controller once restart attempts are exhausted.
func (m *Monitor) ForcePermanentlyFailed(accountID, reason string) {
	m.mu.Lock()
	ah, ok := m.accounts[accountID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ah.mu.Lock()
	old := ah.status.Status
	ah.status.Status = types.HealthPermanentlyFailed
	ah.status.LastTransitionAt = time.Now()
	ah.status.LastReason = reason
	ah.forcedPermanent = true
	ah.mu.Unlock()

	m.commitTransition(accountID, old, types.HealthPermanentlyFailed, reason)
}

// ClearPermanentlyFailed re-enables evaluation, e.g. after a manual restart
// via the Control API of a permanently failed account.
func (m *Monitor) ClearPermanentlyFailed(accountID string) {
	m.mu.Lock()
	ah, ok := m.accounts[accountID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ah.mu.Lock()
	ah.forcedPermanent = false
	ah.hasPending = false
	ah.mu.Unlock()
}

func (m *Monitor) eventLoop(accountID string, ah *accountHealth, sub *eventbus.Subscription) {
	defer sub.Close()
	for {
		ev, ok := sub.Next(ah.done)
		if !ok {
			return
		}
		switch p := ev.Payload.(type) {
		case types.CanaryTickObservedPayload:
			ah.mu.Lock()
			ah.canaryLastTick = p.At
			ah.mu.Unlock()
			m.evaluate(accountID, ah)
		case types.GatewayStateChangedPayload:
			m.evaluate(accountID, ah)
		}
	}
}

func (m *Monitor) evalLoop(accountID string, ah *accountHealth) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ah.done:
			return
		case <-ticker.C:
			m.evaluate(accountID, ah)
		}
	}
}

func (m *Monitor) evaluate(accountID string, ah *accountHealth) {
	ah.mu.Lock()
	if ah.forcedPermanent {
		ah.mu.Unlock()
		return
	}
	canaryLastTick := ah.canaryLastTick
	ah.mu.Unlock()

	session, ok := m.sessions.Session(accountID)
	evaluated := types.HealthDisconnected
	reason := "session_not_found"
	if ok {
		evaluated, reason = classify(session, canaryLastTick, m.cfg.CanaryThreshold)
	}

	ah.mu.Lock()
	committed := ah.status.Status
	if evaluated == committed {
		ah.hasPending = false
		ah.mu.Unlock()
		return
	}

	if !ah.hasPending || ah.pendingState != evaluated {
		ah.hasPending = true
		ah.pendingState = evaluated
		ah.pendingSince = time.Now()
		ah.mu.Unlock()
		return
	}

	if time.Since(ah.pendingSince) < m.cfg.Debounce {
		ah.mu.Unlock()
		return
	}

	ah.status.Status = evaluated
	ah.status.LastTransitionAt = time.Now()
	ah.status.LastReason = reason
	ah.status.ConsecutiveFailures++
	if evaluated == types.HealthHealthy {
		ah.status.ConsecutiveFailures = 0
	}
	ah.hasPending = false
	ah.mu.Unlock()

	m.commitTransition(accountID, committed, evaluated, reason)
}

func classify(session types.GatewaySession, canaryLastTick time.Time, canaryThreshold time.Duration) (types.HealthState, string) {
	switch session.State {
	case types.SessionConnected:
		if session.CanarySymbol == "" {
			return types.HealthHealthy, "transport_only"
		}
		if canaryLastTick.IsZero() {
			return types.HealthUnhealthy, "canary_never_observed"
		}
		if time.Since(canaryLastTick) > canaryThreshold {
			return types.HealthUnhealthy, "canary_stale"
		}
		return types.HealthHealthy, "canary_fresh"
	case types.SessionConnecting:
		return types.HealthRecovering, "transport_connecting"
	case types.SessionError:
		return types.HealthUnhealthy, "transport_error"
	case types.SessionDisconnected, types.SessionTerminating, types.SessionIdle:
		return types.HealthDisconnected, "transport_not_connected"
	default:
		return types.HealthDisconnected, "transport_not_connected"
	}
}

func (m *Monitor) commitTransition(accountID string, old, new_ types.HealthState, reason string) {
	if m.metrics != nil {
		m.metrics.HealthTransitions.WithLabelValues(accountID, new_.String()).Inc()
		if new_ == types.HealthUnhealthy {
			m.metrics.CanaryStale.WithLabelValues(accountID).Inc()
		}
	}
	if m.log != nil {
		m.log.Info("health transition",
			zap.String("account_id", accountID),
			zap.String("old", old.String()),
			zap.String("new", new_.String()),
			zap.String("reason", reason))
	}
	if m.bus == nil {
		return
	}
	m.bus.Publish(types.Event{
		Type:  types.EventHealthStatusChanged,
		Topic: "account." + accountID,
		Payload: types.HealthStatusChangedPayload{
			AccountID: accountID,
			OldStatus: old,
			NewStatus: new_,
			Reason:    reason,
		},
	})
}
