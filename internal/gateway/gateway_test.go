package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdhub/pkg/types"
)

func TestNewSelectsMockWhenForced(t *testing.T) {
	g := New(Config{AccountID: "acc-1", GatewayType: types.GatewaySOPT}, true)
	_, ok := g.(*MockAdaptor)
	assert.True(t, ok)
}

func TestNewDispatchesOnGatewayType(t *testing.T) {
	ctp := New(Config{AccountID: "a", GatewayType: types.GatewayCTP}, false)
	_, ok := ctp.(*CTPAdaptor)
	assert.True(t, ok)

	sopt := New(Config{AccountID: "a", GatewayType: types.GatewaySOPT}, false)
	_, ok = sopt.(*SOPTAdaptor)
	assert.True(t, ok)
}

func TestConnectEmitsConnectedStateAndTicks(t *testing.T) {
	g := New(Config{AccountID: "acc-1", GatewayType: types.GatewayCTP, TickInterval: 5 * time.Millisecond}, true)

	var mu sync.Mutex
	var states []types.SessionState
	g.SetStateHandler(func(s types.SessionState, _ error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	tickCh := make(chan types.RawTick, 10)
	g.SetTickHandler(func(rt types.RawTick) { tickCh <- rt })

	require.NoError(t, g.Subscribe("rb2601"))
	require.NoError(t, g.Connect(context.Background()))
	defer g.Disconnect()

	select {
	case rt := <-tickCh:
		assert.Equal(t, "rb2601", rt.Symbol)
		assert.Greater(t, rt.LastPrice, 0.0)
	case <-time.After(time.Second):
		t.Fatal("no tick observed")
	}

	mu.Lock()
	assert.Contains(t, states, types.SessionConnected)
	mu.Unlock()
}

func TestUnsubscribeStopsTicksForSymbol(t *testing.T) {
	g := New(Config{AccountID: "acc-1", GatewayType: types.GatewayCTP, TickInterval: 5 * time.Millisecond}, true)
	require.NoError(t, g.Subscribe("rb2601"))
	require.NoError(t, g.Connect(context.Background()))
	defer g.Disconnect()

	require.NoError(t, g.Unsubscribe("rb2601"))
	assert.Empty(t, g.SubscribedSymbols())
}
