package gateway

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"mdhub/pkg/types"
)

// faultInjectionRate is the per-tick probability of a simulated transport
// fault when an adaptor's Settings["simulate_faults"] is "1".
const faultInjectionRate = 0.01

// baseAdaptor is the shared synthetic data-loop implementation behind
// MockAdaptor, CTPAdaptor and SOPTAdaptor alike: none of the three speak to
// a real vendor process yet, so CTP and SOPT are presently mock-equivalent,
// kept as distinct types purely so Supervisor dispatch on gateway_type has
// somewhere real to go once a live adaptor is dropped in. The run loop is
// grounded on the teacher's upstream.Manager.runStream; it has no reconnect
// backoff of its own.
type baseAdaptor struct {
	accountID      string
	gatewayType    types.GatewayType
	label          string
	tickInterval   time.Duration
	symbolSeed     []string
	simulateFaults bool

	mu        sync.Mutex
	symbols   map[string]struct{}
	cancel    context.CancelFunc
	tickFn    TickHandler
	stateFn   StateHandler
	connected bool
	state     types.SessionState
}

func newBaseAdaptor(cfg Config, label string, defaultSymbols []string) *baseAdaptor {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &baseAdaptor{
		accountID:      cfg.AccountID,
		gatewayType:    cfg.GatewayType,
		label:          label,
		tickInterval:   interval,
		symbolSeed:     defaultSymbols,
		simulateFaults: cfg.Settings["simulate_faults"] == "1",
		symbols:        make(map[string]struct{}),
		state:          types.SessionDisconnected,
	}
}

func (a *baseAdaptor) AccountID() string           { return a.accountID }
func (a *baseAdaptor) GatewayType() types.GatewayType { return a.gatewayType }

func (a *baseAdaptor) State() types.SessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *baseAdaptor) SetTickHandler(fn TickHandler)   { a.mu.Lock(); a.tickFn = fn; a.mu.Unlock() }
func (a *baseAdaptor) SetStateHandler(fn StateHandler) { a.mu.Lock(); a.stateFn = fn; a.mu.Unlock() }

func (a *baseAdaptor) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.connected = true
	a.state = types.SessionConnecting
	for _, s := range a.symbolSeed {
		a.symbols[s] = struct{}{}
	}
	a.mu.Unlock()

	a.setState(types.SessionConnected, nil)

	go a.runLoop(runCtx)
	return nil
}

func (a *baseAdaptor) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.setState(types.SessionTerminating, nil)
	return nil
}

// setState updates the adaptor's tracked state and invokes the registered
// StateHandler, if any, with the same value.
func (a *baseAdaptor) setState(state types.SessionState, err error) {
	a.mu.Lock()
	a.state = state
	stateFn := a.stateFn
	a.mu.Unlock()
	if stateFn != nil {
		stateFn(state, err)
	}
}

func (a *baseAdaptor) Subscribe(symbol string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.symbols[symbol] = struct{}{}
	return nil
}

func (a *baseAdaptor) Unsubscribe(symbol string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.symbols, symbol)
	return nil
}

func (a *baseAdaptor) SubscribedSymbols() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.symbols))
	for s := range a.symbols {
		out = append(out, s)
	}
	return out
}

// runLoop synthesizes ticks for every subscribed symbol on tickInterval,
// standing in for the vendor SDK's push-callback thread.
func (a *baseAdaptor) runLoop(ctx context.Context) {
	ticker := time.NewTicker(a.tickInterval)
	defer ticker.Stop()

	seed := fnv.New64a()
	_, _ = seed.Write([]byte(a.accountID))
	seq := rand.New(rand.NewSource(int64(seed.Sum64())))
	base := 3500.0 + seq.Float64()*500

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.simulateFaults && seq.Float64() < faultInjectionRate {
				a.injectFault()
				continue
			}

			a.mu.Lock()
			symbols := make([]string, 0, len(a.symbols))
			for s := range a.symbols {
				symbols = append(symbols, s)
			}
			tickFn := a.tickFn
			a.mu.Unlock()

			if tickFn == nil {
				continue
			}

			drift := (seq.Float64() - 0.5) * 2.0
			last := base + drift
			now := time.Now()
			for _, symbol := range symbols {
				tickFn(types.RawTick{
					Symbol:       symbol,
					Exchange:     exchangeFor(a.gatewayType),
					LastPrice:    last,
					LastVolume:   int64(seq.Intn(50) + 1),
					BidPrice:     last - 0.2,
					BidVolume:    int64(seq.Intn(20) + 1),
					AskPrice:     last + 0.2,
					AskVolume:    int64(seq.Intn(20) + 1),
					ExchangeTime: now,
				})
			}
		}
	}
}

// injectFault simulates a brief transport error blip for adaptors opted
// into fault injection via Settings["simulate_faults"] == "1", so SessionError is a reachable state
// without a real vendor connection to fail. Self-heals back to CONNECTED
// after a short delay, mirroring a reconnect an underlying SDK would retry.
func (a *baseAdaptor) injectFault() {
	a.setState(types.SessionError, errors.New("simulated transport fault"))
	time.Sleep(75 * time.Millisecond)
	a.mu.Lock()
	stillConnected := a.connected
	a.mu.Unlock()
	if stillConnected {
		a.setState(types.SessionConnected, nil)
	}
}

func exchangeFor(gt types.GatewayType) string {
	if gt == types.GatewaySOPT {
		return "SHFE-OPT"
	}
	return "SHFE"
}
