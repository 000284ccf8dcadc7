package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mdhub/internal/eventbus"
	"mdhub/pkg/types"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]types.GatewaySession
}

func newFakeSessions() *fakeSessions { return &fakeSessions{sessions: map[string]types.GatewaySession{}} }

func (f *fakeSessions) Session(accountID string) (types.GatewaySession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[accountID]
	return s, ok
}

func (f *fakeSessions) set(accountID string, s types.GatewaySession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[accountID] = s
}

func waitForStatus(t *testing.T, m *Monitor, accountID string, want types.HealthState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := m.Status(accountID); ok && st.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never reached %s", want)
}

func TestDisconnectedSessionClassifiesDisconnected(t *testing.T) {
	bus := eventbus.New(16)
	sessions := newFakeSessions()
	sessions.set("acc-1", types.GatewaySession{State: types.SessionDisconnected})

	m := New(Config{Interval: 10 * time.Millisecond, Debounce: 5 * time.Millisecond}, bus, bus, sessions, nil, zap.NewNop())
	m.Track("acc-1")
	defer m.Untrack("acc-1")

	waitForStatus(t, m, "acc-1", types.HealthDisconnected)
}

func TestFreshCanaryClassifiesHealthyAfterDebounce(t *testing.T) {
	bus := eventbus.New(16)
	sessions := newFakeSessions()
	sessions.set("acc-1", types.GatewaySession{State: types.SessionConnected, CanarySymbol: "rb2601"})

	sub := bus.Subscribe("test-listener", "account.acc-1")
	defer sub.Close()

	m := New(Config{Interval: 5 * time.Millisecond, Debounce: 10 * time.Millisecond, CanaryThreshold: time.Minute}, bus, bus, sessions, nil, zap.NewNop())
	m.Track("acc-1")
	defer m.Untrack("acc-1")

	bus.Publish(types.Event{
		Type:  types.EventCanaryTickObserved,
		Topic: "account.acc-1",
		Payload: types.CanaryTickObservedPayload{AccountID: "acc-1", Symbol: "rb2601", At: time.Now()},
	})

	waitForStatus(t, m, "acc-1", types.HealthHealthy)
}

func TestForcePermanentlyFailedBypassesDebounce(t *testing.T) {
	bus := eventbus.New(16)
	sessions := newFakeSessions()
	sessions.set("acc-1", types.GatewaySession{State: types.SessionConnected})

	m := New(Config{Interval: time.Hour, Debounce: time.Hour}, bus, bus, sessions, nil, zap.NewNop())
	m.Track("acc-1")
	defer m.Untrack("acc-1")

	m.ForcePermanentlyFailed("acc-1", "max_restart_attempts_exceeded")

	status, ok := m.Status("acc-1")
	require.True(t, ok)
	assert.Equal(t, types.HealthPermanentlyFailed, status.Status)
}

func TestUnstableCanaryDoesNotCommitBeforeDebounceElapses(t *testing.T) {
	bus := eventbus.New(16)
	sessions := newFakeSessions()
	sessions.set("acc-1", types.GatewaySession{State: types.SessionConnected, CanarySymbol: "rb2601"})

	m := New(Config{Interval: 5 * time.Millisecond, Debounce: time.Hour, CanaryThreshold: time.Minute}, bus, bus, sessions, nil, zap.NewNop())
	m.Track("acc-1")
	defer m.Untrack("acc-1")

	bus.Publish(types.Event{
		Type:    types.EventCanaryTickObserved,
		Topic:   "account.acc-1",
		Payload: types.CanaryTickObservedPayload{AccountID: "acc-1", Symbol: "rb2601", At: time.Now()},
	})

	time.Sleep(50 * time.Millisecond)
	status, ok := m.Status("acc-1")
	require.True(t, ok)
	assert.Equal(t, types.HealthDisconnected, status.Status, "debounce window has not elapsed yet")
}

func TestClassifyCoversEveryTransportState(t *testing.T) {
	threshold := time.Minute
	fresh := time.Now()
	stale := time.Now().Add(-2 * threshold)

	cases := []struct {
		name     string
		session  types.GatewaySession
		canary   time.Time
		wantState  types.HealthState
		wantReason string
	}{
		{"connected fresh canary", types.GatewaySession{State: types.SessionConnected, CanarySymbol: "rb2601"}, fresh, types.HealthHealthy, "canary_fresh"},
		{"connected stale canary", types.GatewaySession{State: types.SessionConnected, CanarySymbol: "rb2601"}, stale, types.HealthUnhealthy, "canary_stale"},
		{"connected no canary yet", types.GatewaySession{State: types.SessionConnected, CanarySymbol: "rb2601"}, time.Time{}, types.HealthUnhealthy, "canary_never_observed"},
		{"connecting", types.GatewaySession{State: types.SessionConnecting}, time.Time{}, types.HealthRecovering, "transport_connecting"},
		{"transport error", types.GatewaySession{State: types.SessionError}, fresh, types.HealthUnhealthy, "transport_error"},
		{"disconnected", types.GatewaySession{State: types.SessionDisconnected}, time.Time{}, types.HealthDisconnected, "transport_not_connected"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state, reason := classify(tc.session, tc.canary, threshold)
			assert.Equal(t, tc.wantState, state)
			assert.Equal(t, tc.wantReason, reason)
		})
	}
}
