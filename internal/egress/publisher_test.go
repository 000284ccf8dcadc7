package egress

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"mdhub/internal/eventbus"
	"mdhub/pkg/types"
)

func readFrame(t *testing.T, conn net.Conn) (string, types.Tick) {
	t.Helper()
	var header [4]byte
	_, err := io.ReadFull(conn, header[:])
	require.NoError(t, err)
	topic := make([]byte, binary.BigEndian.Uint32(header[:]))
	_, err = io.ReadFull(conn, topic)
	require.NoError(t, err)

	_, err = io.ReadFull(conn, header[:])
	require.NoError(t, err)
	body := make([]byte, binary.BigEndian.Uint32(header[:]))
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)

	var tick types.Tick
	require.NoError(t, msgpack.Unmarshal(body, &tick))
	return string(topic), tick
}

func TestPublisherBroadcastsTickFrame(t *testing.T) {
	bus := eventbus.New(16)
	pub := New(Config{Bind: "tcp://127.0.0.1:0"}, bus, nil, zap.NewNop())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()
	pub.cfg.Bind = "tcp://" + addr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Start(ctx)

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	require.Eventually(t, func() bool {
		pub.mu.RLock()
		defer pub.mu.RUnlock()
		return len(pub.clients) == 1
	}, time.Second, 10*time.Millisecond)

	bus.Publish(types.Event{
		Type:  types.EventTickEgressed,
		Topic: "md.rb2601",
		Payload: types.TickEgressedPayload{Tick: types.Tick{Symbol: "rb2601", LastPriceTicks: 35000000}},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	topic, tick := readFrame(t, conn)
	assert.Equal(t, "rb2601", topic)
	assert.Equal(t, "rb2601", tick.Symbol)
	assert.Equal(t, int64(35000000), tick.LastPriceTicks)
}
