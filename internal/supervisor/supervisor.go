// Package supervisor is the Gateway Supervisor (spec.md §4.D): it
// generalizes the teacher's relay/internal/upstream.Manager — which drove
// one shared upstream connection plus one Stream per symbol — into N
// independent GatewaySessions, one per configured account, each owning its
// own adaptor instance, subscription set and restart bookkeeping. Adaptor
// tick/state callbacks are dispatched through a bounded
// github.com/panjf2000/ants/v2 pool per session so a slow downstream
// publish can never block the adaptor's own goroutine.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"mdhub/internal/apperr"
	"mdhub/internal/gateway"
	"mdhub/internal/metrics"
	"mdhub/pkg/types"
)

// EventPublisher is the bus dependency the Supervisor publishes to.
type EventPublisher interface {
	Publish(types.Event)
}

// Config tunes the Supervisor.
type Config struct {
	Mock           bool
	MaxExchangeSkew time.Duration
	PoolSize       int
}

type sessionRuntime struct {
	mu       sync.Mutex
	account  types.Account
	gw       gateway.UpstreamGateway
	session  types.GatewaySession
	pool     *ants.Pool
	canary   string
}

// Supervisor owns the set of live GatewaySessions.
type Supervisor struct {
	cfg     Config
	bus     EventPublisher
	metrics *metrics.Metrics
	log     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionRuntime
	commandCh chan Command
}

// New creates a Supervisor.
func New(cfg Config, bus EventPublisher, m *metrics.Metrics, log *zap.Logger) *Supervisor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 32
	}
	if cfg.MaxExchangeSkew <= 0 {
		cfg.MaxExchangeSkew = 5 * time.Second
	}
	return &Supervisor{
		cfg:      cfg,
		bus:      bus,
		metrics:  m,
		log:      log,
		sessions: make(map[string]*sessionRuntime),
		commandCh: make(chan Command, 64),
	}
}

func canarySymbolFor(acc types.Account, defaults map[types.GatewayType]string) string {
	if s := acc.Settings["canary_symbol"]; s != "" {
		return s
	}
	return defaults[acc.GatewayType]
}

func symbolsFor(acc types.Account) []string {
	raw := acc.Settings["symbols"]
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Start creates (if absent) and connects the session for acc, subscribing
// to its configured symbols plus its canary symbol.
func (s *Supervisor) Start(ctx context.Context, acc types.Account, canaryDefaults map[types.GatewayType]string) error {
	s.mu.Lock()
	rt, exists := s.sessions[acc.ID]
	if !exists {
		pool, err := ants.NewPool(s.cfg.PoolSize)
		if err != nil {
			s.mu.Unlock()
			return apperr.Wrap(apperr.DependencyUnavailable, err, "failed to create session worker pool")
		}
		rt = &sessionRuntime{
			account: acc,
			pool:    pool,
			canary:  canarySymbolFor(acc, canaryDefaults),
			session: types.GatewaySession{
				AccountID:         acc.ID,
				GatewayType:       acc.GatewayType,
				State:             types.SessionIdle,
				SubscribedSymbols: make(map[string]struct{}),
				CanarySymbol:      canarySymbolFor(acc, canaryDefaults),
			},
		}
		s.sessions[acc.ID] = rt
	}
	s.mu.Unlock()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.State == types.SessionConnected || rt.session.State == types.SessionConnecting {
		return nil
	}

	settings := map[string]string{"canary_symbol": rt.canary}
	for k, v := range acc.Settings {
		settings[k] = v
	}
	gw := gateway.New(gateway.Config{
		AccountID:   acc.ID,
		GatewayType: acc.GatewayType,
		Settings:    settings,
	}, s.cfg.Mock)
	rt.gw = gw

	gw.SetStateHandler(func(state types.SessionState, err error) {
		_ = rt.pool.Submit(func() { s.onStateChange(acc.ID, state, err) })
	})
	gw.SetTickHandler(func(raw types.RawTick) {
		_ = rt.pool.Submit(func() { s.onTick(acc.ID, raw) })
	})

	rt.session.State = types.SessionConnecting
	if err := gw.Connect(ctx); err != nil {
		rt.session.State = types.SessionDisconnected
		return apperr.Wrap(apperr.Transient, err, "failed to connect gateway session")
	}

	symbols := symbolsFor(acc)
	if rt.canary != "" {
		symbols = append(symbols, rt.canary)
	}
	for _, sym := range symbols {
		if err := gw.Subscribe(sym); err != nil {
			s.log.Warn("subscribe failed", zap.String("account_id", acc.ID), zap.String("symbol", sym), zap.Error(err))
			continue
		}
		rt.session.SubscribedSymbols[sym] = struct{}{}
	}

	if s.metrics != nil {
		s.metrics.SessionsConnected.WithLabelValues(acc.ID).Set(1)
	}
	return nil
}

// Stop disconnects and tears down acc's session.
func (s *Supervisor) Stop(accountID string) error {
	s.mu.RLock()
	rt, ok := s.sessions[accountID]
	s.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.NotFound, "no session for account").WithDetails(map[string]string{"account_id": accountID})
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.gw != nil {
		if err := rt.gw.Disconnect(); err != nil {
			return apperr.Wrap(apperr.Transient, err, "failed to disconnect gateway session")
		}
	}
	rt.session.State = types.SessionTerminating
	if s.metrics != nil {
		s.metrics.SessionsConnected.WithLabelValues(accountID).Set(0)
	}
	return nil
}

// Restart stops (if running) and starts acc's session again, incrementing
// its restart_attempts counter. Used by the Recovery Controller.
func (s *Supervisor) Restart(ctx context.Context, acc types.Account, canaryDefaults map[types.GatewayType]string) error {
	_ = s.Stop(acc.ID)

	s.mu.RLock()
	rt := s.sessions[acc.ID]
	s.mu.RUnlock()
	if rt != nil {
		rt.mu.Lock()
		rt.session.RestartAttempts++
		rt.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RestartAttempts.WithLabelValues(acc.ID).Inc()
		}
	}
	return s.Start(ctx, acc, canaryDefaults)
}

// SubscribeSymbol adds symbol to accountID's live subscription set. Used by
// the Aggregator when migrating a contract binding onto a new source: the
// new source is subscribed before the old one is unsubscribed, so there is
// no gap in tick coverage during the handover.
func (s *Supervisor) SubscribeSymbol(accountID, symbol string) error {
	s.mu.RLock()
	rt, ok := s.sessions[accountID]
	s.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.NotFound, "no session for account").WithDetails(map[string]string{"account_id": accountID})
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.gw == nil {
		return apperr.New(apperr.Transient, "session has no active gateway")
	}
	if err := rt.gw.Subscribe(symbol); err != nil {
		return apperr.Wrap(apperr.Transient, err, "failed to subscribe symbol")
	}
	rt.session.SubscribedSymbols[symbol] = struct{}{}
	return nil
}

// UnsubscribeSymbol removes symbol from accountID's live subscription set.
func (s *Supervisor) UnsubscribeSymbol(accountID, symbol string) error {
	s.mu.RLock()
	rt, ok := s.sessions[accountID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.gw == nil {
		return nil
	}
	if err := rt.gw.Unsubscribe(symbol); err != nil {
		return apperr.Wrap(apperr.Transient, err, "failed to unsubscribe symbol")
	}
	delete(rt.session.SubscribedSymbols, symbol)
	return nil
}

// Sessions returns a snapshot of every tracked GatewaySession.
func (s *Supervisor) Sessions() []types.GatewaySession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.GatewaySession, 0, len(s.sessions))
	for _, rt := range s.sessions {
		rt.mu.Lock()
		out = append(out, cloneSession(rt.session))
		rt.mu.Unlock()
	}
	return out
}

// Session returns one account's session snapshot.
func (s *Supervisor) Session(accountID string) (types.GatewaySession, bool) {
	s.mu.RLock()
	rt, ok := s.sessions[accountID]
	s.mu.RUnlock()
	if !ok {
		return types.GatewaySession{}, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return cloneSession(rt.session), true
}

// ResetRestartAttempts zeroes accountID's restart counter. Called by the
// Recovery Controller once a session reports HEALTHY again.
func (s *Supervisor) ResetRestartAttempts(accountID string) {
	s.mu.RLock()
	rt, ok := s.sessions[accountID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	rt.mu.Lock()
	rt.session.RestartAttempts = 0
	rt.mu.Unlock()
}

// SetNextAllowedRestartAt records when accountID's next restart attempt may
// run. Written by the Recovery Controller after computing a cooldown delay.
func (s *Supervisor) SetNextAllowedRestartAt(accountID string, at time.Time) {
	s.mu.RLock()
	rt, ok := s.sessions[accountID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	rt.mu.Lock()
	rt.session.NextAllowedRestartAt = at
	rt.mu.Unlock()
}

func cloneSession(in types.GatewaySession) types.GatewaySession {
	out := in
	out.SubscribedSymbols = make(map[string]struct{}, len(in.SubscribedSymbols))
	for k := range in.SubscribedSymbols {
		out.SubscribedSymbols[k] = struct{}{}
	}
	return out
}

func (s *Supervisor) onStateChange(accountID string, state types.SessionState, err error) {
	s.mu.RLock()
	rt, ok := s.sessions[accountID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	old := rt.session.State
	rt.session.State = state
	if state == types.SessionConnected {
		rt.session.ConnectTime = time.Now()
	}
	rt.mu.Unlock()

	if old == state {
		return
	}
	if s.bus != nil {
		s.bus.Publish(types.Event{
			Type:  types.EventGatewayStateChanged,
			Topic: "account." + accountID,
			Payload: types.GatewayStateChangedPayload{
				AccountID: accountID,
				OldState:  old,
				NewState:  state,
			},
		})
	}
}

func (s *Supervisor) onTick(accountID string, raw types.RawTick) {
	s.mu.RLock()
	rt, ok := s.sessions[accountID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	now := time.Now()
	tick := raw.ToTick(accountID, now)
	valid, reason := tick.Valid(now, s.cfg.MaxExchangeSkew)

	rt.mu.Lock()
	rt.session.LastTickTime = now
	isCanary := rt.canary != "" && rt.canary == raw.Symbol
	rt.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TicksIngressed.WithLabelValues(accountID).Inc()
		if !valid {
			s.metrics.TicksRejected.WithLabelValues(reason).Inc()
		}
	}

	if !valid {
		if s.log != nil {
			s.log.Warn("tick rejected",
				zap.String("account_id", accountID),
				zap.String("symbol", raw.Symbol),
				zap.String("reason", reason))
		}
		if s.bus != nil {
			s.bus.Publish(types.Event{
				Type:  types.EventSystemLog,
				Topic: "system",
				Payload: types.SystemLogPayload{
					Level:   types.LogWarn,
					Message: fmt.Sprintf("tick rejected for %s: %s", raw.Symbol, reason),
					Source:  "supervisor",
				},
			})
		}
		return
	}

	if s.bus == nil {
		return
	}

	if isCanary {
		s.bus.Publish(types.Event{
			Type:  types.EventCanaryTickObserved,
			Topic: "account." + accountID,
			Payload: types.CanaryTickObservedPayload{
				AccountID: accountID,
				Symbol:    raw.Symbol,
				At:        now,
			},
		})
	}

	s.bus.Publish(types.Event{
		Type:  types.EventTickIngressed,
		Topic: fmt.Sprintf("contract.%s", raw.Symbol),
		Payload: types.TickIngressedPayload{
			Tick: tick,
		},
	})
}
