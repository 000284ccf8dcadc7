package broadcaster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"mdhub/internal/eventbus"
	"mdhub/pkg/types"
)

func newTestServer(t *testing.T, b *Broadcaster) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = b.Handle(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleSendsConnectionSnapshotThenBusEvents(t *testing.T) {
	bus := eventbus.New(32)
	b := New(Config{PingInterval: time.Hour}, bus, nil, nil, nil, nil, zap.NewNop())
	srv := newTestServer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, snapshot, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(snapshot), "\"connection\"")
	assert.Contains(t, string(snapshot), "client_id")

	require.Eventually(t, func() bool { return bus.Stats().Subscribers == 1 }, time.Second, 10*time.Millisecond)

	bus.Publish(types.Event{
		Type:    types.EventSystemLog,
		Topic:   "*",
		Payload: types.SystemLogPayload{Message: "hello"},
	})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestHandleCleansUpSubscriptionOnDisconnect(t *testing.T) {
	bus := eventbus.New(32)
	b := New(Config{PingInterval: time.Hour}, bus, nil, nil, nil, nil, zap.NewNop())
	srv := newTestServer(t, b)

	ctx := context.Background()
	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bus.Stats().Subscribers == 1 }, time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return bus.Stats().Subscribers == 0 }, time.Second, 10*time.Millisecond)
}
