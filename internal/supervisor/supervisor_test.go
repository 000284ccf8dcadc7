package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mdhub/pkg/types"
)

type capturingBus struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *capturingBus) Publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *capturingBus) snapshot() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Event, len(b.events))
	copy(out, b.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartConnectsAndPublishesTicks(t *testing.T) {
	bus := &capturingBus{}
	sup := New(Config{Mock: true}, bus, nil, zap.NewNop())

	acc := types.Account{ID: "acc-1", GatewayType: types.GatewayCTP, Settings: map[string]string{"symbols": "rb2601"}}
	require.NoError(t, sup.Start(context.Background(), acc, map[types.GatewayType]string{types.GatewayCTP: "rb2601"}))
	defer sup.Stop(acc.ID)

	waitFor(t, func() bool {
		for _, ev := range bus.snapshot() {
			if ev.Type == types.EventTickIngressed {
				return true
			}
		}
		return false
	})

	session, ok := sup.Session(acc.ID)
	require.True(t, ok)
	assert.Equal(t, types.SessionConnected, session.State)
	assert.Contains(t, session.SubscribedSymbols, "rb2601")
}

func TestStopTransitionsToTerminating(t *testing.T) {
	bus := &capturingBus{}
	sup := New(Config{Mock: true}, bus, nil, zap.NewNop())

	acc := types.Account{ID: "acc-1", GatewayType: types.GatewayCTP}
	require.NoError(t, sup.Start(context.Background(), acc, nil))
	require.NoError(t, sup.Stop(acc.ID))

	session, ok := sup.Session(acc.ID)
	require.True(t, ok)
	assert.Equal(t, types.SessionTerminating, session.State)
}

func TestRestartIncrementsRestartAttempts(t *testing.T) {
	bus := &capturingBus{}
	sup := New(Config{Mock: true}, bus, nil, zap.NewNop())

	acc := types.Account{ID: "acc-1", GatewayType: types.GatewayCTP}
	require.NoError(t, sup.Start(context.Background(), acc, nil))
	require.NoError(t, sup.Restart(context.Background(), acc, nil))

	session, ok := sup.Session(acc.ID)
	require.True(t, ok)
	assert.Equal(t, 1, session.RestartAttempts)
}

func TestStopUnknownAccountReturnsNotFound(t *testing.T) {
	sup := New(Config{Mock: true}, &capturingBus{}, nil, zap.NewNop())
	err := sup.Stop("missing")
	require.Error(t, err)
}

func TestRejectedTickPublishesSystemLogWarning(t *testing.T) {
	bus := &capturingBus{}
	sup := New(Config{Mock: true}, bus, nil, zap.NewNop())

	acc := types.Account{ID: "acc-1", GatewayType: types.GatewayCTP}
	require.NoError(t, sup.Start(context.Background(), acc, nil))
	defer sup.Stop(acc.ID)

	sup.onTick(acc.ID, types.RawTick{Symbol: "rb2601", LastPrice: 0, ExchangeTime: time.Now()})

	waitFor(t, func() bool {
		for _, ev := range bus.snapshot() {
			if ev.Type != types.EventSystemLog {
				continue
			}
			p, ok := ev.Payload.(types.SystemLogPayload)
			if ok && strings.Contains(p.Message, "rejected") {
				return true
			}
		}
		return false
	})
}
