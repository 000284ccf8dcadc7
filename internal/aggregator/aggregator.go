// Package aggregator is the Quote Aggregation Engine (spec.md §4.G): for
// every tracked symbol it elects the highest-priority healthy source
// account and republishes only that source's ticks downstream, migrating
// between sources on health transitions without a coverage gap (the new
// source is subscribed before the old one is dropped). There is no direct
// teacher analogue for per-symbol leader election; the per-entity
// goroutine-confined actor shape is grounded on the same confinement
// pattern the teacher uses for per-stream state in
// relay/internal/upstream.Manager (one Stream, one owning goroutine), here
// applied per contract symbol instead of per upstream stream.
package aggregator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"mdhub/internal/eventbus"
	"mdhub/internal/metrics"
	"mdhub/pkg/types"
)

// EventPublisher is the bus dependency the Aggregator publishes elections and egress ticks to.
type EventPublisher interface {
	Publish(types.Event)
}

// HealthSource resolves an account's currently committed health.
type HealthSource interface {
	Status(accountID string) (types.HealthStatus, bool)
}

// SymbolSubscriber lets the Aggregator move a symbol's live subscription
// between accounts during a migration.
type SymbolSubscriber interface {
	SubscribeSymbol(accountID, symbol string) error
	UnsubscribeSymbol(accountID, symbol string) error
}

// Config tunes the Aggregator.
type Config struct {
	MigrationDedupWindow time.Duration
}

type bindingActor struct {
	binding        types.ContractBinding
	lastMigratedAt time.Time
	cmdCh          chan func()
	done           chan struct{}
}

// Aggregator owns one ContractBinding, and one serializing actor, per tracked symbol.
type Aggregator struct {
	cfg      Config
	bus      EventPublisher
	sub      *eventbus.Bus
	health   HealthSource
	subscriber SymbolSubscriber
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu             sync.RWMutex
	bindings       map[string]*bindingActor
	preferredOrder map[string][]string // mirrors each binding's source order, for race-free routing lookups
	wildcard       *eventbus.Subscription
	closed         chan struct{}
}

// New creates an Aggregator and starts its wildcard intake loop.
func New(cfg Config, sub *eventbus.Bus, bus EventPublisher, health HealthSource,
	subscriber SymbolSubscriber, m *metrics.Metrics, log *zap.Logger) *Aggregator {
	if cfg.MigrationDedupWindow <= 0 {
		cfg.MigrationDedupWindow = 2 * time.Second
	}
	a := &Aggregator{
		cfg: cfg, bus: bus, sub: sub, health: health, subscriber: subscriber,
		metrics: m, log: log,
		bindings:       make(map[string]*bindingActor),
		preferredOrder: make(map[string][]string),
		closed:         make(chan struct{}),
	}
	a.wildcard = sub.Subscribe("aggregator", "*")
	go a.intakeLoop()
	return a
}

// Close tears down the Aggregator's intake loop and every symbol actor.
func (a *Aggregator) Close() {
	close(a.closed)
	a.wildcard.Close()
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, b := range a.bindings {
		close(b.done)
	}
}

// RegisterSymbol starts tracking symbol with the given preferred source
// order (highest priority first, as resolved from Account.Priority).
func (a *Aggregator) RegisterSymbol(symbol string, gatewayType types.GatewayType, preferredOrder []string) {
	a.mu.Lock()
	b, exists := a.bindings[symbol]
	a.preferredOrder[symbol] = append([]string(nil), preferredOrder...)
	if !exists {
		b = &bindingActor{
			binding: types.ContractBinding{
				Symbol:                 symbol,
				GatewayType:            gatewayType,
				PreferredPriorityOrder: preferredOrder,
			},
			cmdCh: make(chan func(), 64),
			done:  make(chan struct{}),
		}
		a.bindings[symbol] = b
		go a.runActor(b)
	}
	a.mu.Unlock()

	b.cmdCh <- func() {
		b.binding.PreferredPriorityOrder = preferredOrder
		a.elect(b)
	}
}

// Binding returns a snapshot of symbol's current election state.
func (a *Aggregator) Binding(symbol string) (types.ContractBinding, bool) {
	a.mu.RLock()
	b, ok := a.bindings[symbol]
	a.mu.RUnlock()
	if !ok {
		return types.ContractBinding{}, false
	}
	result := make(chan types.ContractBinding, 1)
	select {
	case b.cmdCh <- func() { result <- b.binding }:
		return <-result, true
	case <-b.done:
		return types.ContractBinding{}, false
	}
}

// Bindings returns a snapshot of every tracked symbol's current election
// state, used by the Control API's aggregated health view and the
// WebSocket Broadcaster's connect-time snapshot.
func (a *Aggregator) Bindings() []types.ContractBinding {
	a.mu.RLock()
	symbols := make([]string, 0, len(a.bindings))
	for symbol := range a.bindings {
		symbols = append(symbols, symbol)
	}
	a.mu.RUnlock()

	out := make([]types.ContractBinding, 0, len(symbols))
	for _, symbol := range symbols {
		if b, ok := a.Binding(symbol); ok {
			out = append(out, b)
		}
	}
	return out
}

func (a *Aggregator) runActor(b *bindingActor) {
	for {
		select {
		case <-b.done:
			return
		case cmd := <-b.cmdCh:
			cmd()
		}
	}
}

func (a *Aggregator) intakeLoop() {
	for {
		ev, ok := a.wildcard.Next(a.closed)
		if !ok {
			return
		}
		switch p := ev.Payload.(type) {
		case types.TickIngressedPayload:
			a.routeTick(p.Tick)
		case types.HealthStatusChangedPayload:
			a.routeHealthChange(p.AccountID)
		}
	}
}

func (a *Aggregator) routeTick(tick types.Tick) {
	a.mu.RLock()
	b, ok := a.bindings[tick.Symbol]
	a.mu.RUnlock()
	if !ok {
		return
	}
	b.cmdCh <- func() { a.forwardIfCurrentSource(b, tick) }
}

func (a *Aggregator) routeHealthChange(accountID string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for symbol, order := range a.preferredOrder {
		for _, candidate := range order {
			if candidate == accountID {
				b := a.bindings[symbol]
				b.cmdCh <- func() { a.elect(b) }
				break
			}
		}
	}
}

func (a *Aggregator) forwardIfCurrentSource(b *bindingActor, tick types.Tick) {
	if b.binding.CurrentSource == "" || tick.SourceAccountID != b.binding.CurrentSource {
		return
	}
	if a.bus == nil {
		return
	}
	a.bus.Publish(types.Event{
		Type:  types.EventTickEgressed,
		Topic: "md." + tick.Symbol,
		Payload: types.TickEgressedPayload{Tick: tick},
	})
}

// elect re-runs leader selection for b, migrating sources with a
// subscribe-before-unsubscribe handover when the winner changes. Must only
// be invoked from b's own actor goroutine.
func (a *Aggregator) elect(b *bindingActor) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.ElectionLatency.Observe(time.Since(start).Seconds())
		}
	}()

	winner := ""
	for _, candidate := range b.binding.PreferredPriorityOrder {
		if status, ok := a.health.Status(candidate); ok && status.Status == types.HealthHealthy {
			winner = candidate
			break
		}
	}

	if winner == b.binding.CurrentSource {
		if winner == "" && a.bus != nil {
			a.bus.Publish(types.Event{
				Type:    types.EventNoSourceAvailable,
				Topic:   "contract." + b.binding.Symbol,
				Payload: types.NoSourceAvailablePayload{Symbol: b.binding.Symbol},
			})
			if a.metrics != nil {
				a.metrics.NoSourceTotal.WithLabelValues(b.binding.Symbol).Inc()
			}
		}
		return
	}

	if b.binding.CurrentSource != "" && winner != "" && time.Since(b.lastMigratedAt) < a.cfg.MigrationDedupWindow {
		a.log.Debug("suppressing rapid re-election", zap.String("symbol", b.binding.Symbol))
		return
	}

	old := b.binding.CurrentSource
	b.binding.PendingMigration = true

	if winner != "" && a.subscriber != nil {
		if err := a.subscriber.SubscribeSymbol(winner, b.binding.Symbol); err != nil {
			a.log.Warn("failed to subscribe new source before migration",
				zap.String("symbol", b.binding.Symbol), zap.String("account_id", winner), zap.Error(err))
			b.binding.PendingMigration = false
			return
		}
	}

	b.binding.CurrentSource = winner
	b.lastMigratedAt = time.Now()

	if old != "" && a.subscriber != nil {
		_ = a.subscriber.UnsubscribeSymbol(old, b.binding.Symbol)
	}
	b.binding.PendingMigration = false

	if a.bus != nil {
		a.bus.Publish(types.Event{
			Type:  types.EventContractMigrated,
			Topic: "contract." + b.binding.Symbol,
			Payload: types.ContractMigratedPayload{Symbol: b.binding.Symbol, From: old, To: winner},
		})
		if old != "" || winner != "" {
			a.bus.Publish(types.Event{
				Type:  types.EventFailoverExecuted,
				Topic: "contract." + b.binding.Symbol,
				Payload: types.FailoverExecutedPayload{
					Symbol: b.binding.Symbol, From: old, To: winner, DurationMs: time.Since(start).Milliseconds(),
				},
			})
		}
		if winner == "" {
			a.bus.Publish(types.Event{
				Type:  types.EventNoSourceAvailable,
				Topic: "contract." + b.binding.Symbol,
				Payload: types.NoSourceAvailablePayload{Symbol: b.binding.Symbol},
			})
			if a.metrics != nil {
				a.metrics.NoSourceTotal.WithLabelValues(b.binding.Symbol).Inc()
			}
		}
	}
	if a.metrics != nil && (old != "" || winner != "") {
		a.metrics.FailoversTotal.WithLabelValues(b.binding.Symbol).Inc()
	}
}
