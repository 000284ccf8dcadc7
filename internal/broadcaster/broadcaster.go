// Package broadcaster is the WebSocket Broadcaster (spec.md §4.I),
// generalized from the teacher's relay/internal/api.WSHandler: the same
// nhooyr.io/websocket + wsjson connection loop (one goroutine reading
// client commands, the connection's own goroutine draining an outbound
// channel), widened from a per-symbol fanout.Subscriber into a bus-wide
// "*" subscription so every dashboard client sees the full merged
// event/tick stream rather than one symbol at a time. JSON encoding uses
// github.com/json-iterator/go, another teacher go.mod dependency relay/
// itself never imported (it used encoding/json via Fiber's default codec).
package broadcaster

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"mdhub/internal/eventbus"
	"mdhub/internal/metrics"
	"mdhub/internal/ratelimit"
	"mdhub/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config tunes the WebSocket Broadcaster.
type Config struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxEventsPerSec int
}

// OutboundMessage is the envelope every dashboard client receives.
type OutboundMessage struct {
	EventType types.EventType `json:"event_type"`
	Topic     string          `json:"topic,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   any             `json:"payload,omitempty"`
}

// ConnectionSnapshot is the payload of the connect-time "connection" message:
// the dashboard's initial view of the world before incremental events arrive.
type ConnectionSnapshot struct {
	ClientID string                  `json:"client_id"`
	Sessions []types.GatewaySession  `json:"sessions"`
	Health   []types.HealthStatus    `json:"health"`
	Bindings []types.ContractBinding `json:"bindings"`
}

// InboundMessage is a client-sent frame: ping/pong keepalives or a
// best-effort topic subscription narrowing request.
type InboundMessage struct {
	Type   string `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

// SessionSource resolves the Supervisor's current session snapshots.
type SessionSource interface {
	Sessions() []types.GatewaySession
}

// HealthSource resolves the Health Monitor's current committed statuses.
type HealthSource interface {
	Status(accountID string) (types.HealthStatus, bool)
}

// BindingSource resolves the Aggregator's current per-symbol election state.
type BindingSource interface {
	Bindings() []types.ContractBinding
}

// Broadcaster fans every bus event out to connected WebSocket clients.
type Broadcaster struct {
	cfg      Config
	bus      *eventbus.Bus
	sessions SessionSource
	health   HealthSource
	bindings BindingSource
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	log      *zap.Logger

	nextConnID atomic.Int64
}

// New creates a Broadcaster.
func New(cfg Config, bus *eventbus.Bus, sessions SessionSource, health HealthSource, bindings BindingSource,
	m *metrics.Metrics, log *zap.Logger) *Broadcaster {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.MaxEventsPerSec <= 0 {
		cfg.MaxEventsPerSec = 100
	}
	return &Broadcaster{
		cfg: cfg, bus: bus, sessions: sessions, health: health, bindings: bindings,
		limiter: ratelimit.NewLimiter(ratelimit.Config{DefaultRPS: cfg.MaxEventsPerSec}),
		metrics: m, log: log,
	}
}

// Handle drives one client's connection lifetime until it disconnects or ctx is cancelled.
func (b *Broadcaster) Handle(ctx context.Context, conn *websocket.Conn) error {
	connID := b.nextConnID.Add(1)
	clientKey := connKey(connID)
	b.limiter.SetLimit(clientKey, b.cfg.MaxEventsPerSec)
	defer b.limiter.Remove(clientKey)

	sub := b.bus.Subscribe(clientKey, "*")
	defer sub.Close()

	if b.metrics != nil {
		b.metrics.WSClients.Inc()
		defer b.metrics.WSClients.Dec()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := ctx.Done()

	if err := b.sendConnectionSnapshot(ctx, conn, clientKey); err != nil {
		return err
	}

	go b.pingLoop(ctx, conn)
	go b.readLoop(ctx, conn, cancel)

	for {
		ev, ok := sub.Next(done)
		if !ok {
			return ctx.Err()
		}
		if !b.limiter.Allow(clientKey) {
			if b.metrics != nil {
				b.metrics.WSDroppedEvents.WithLabelValues(clientKey).Inc()
			}
			continue
		}
		msg := OutboundMessage{EventType: ev.Type, Topic: ev.Topic, Timestamp: ev.Timestamp, Payload: ev.Payload}
		if err := b.write(ctx, conn, msg); err != nil {
			return err
		}
	}
}

// sendConnectionSnapshot sends the connect-time "connection" message
// carrying client_id and the current {sessions, health, bindings} view, so
// a dashboard client has a complete picture before the first incremental
// event arrives.
func (b *Broadcaster) sendConnectionSnapshot(ctx context.Context, conn *websocket.Conn, clientKey string) error {
	snapshot := ConnectionSnapshot{ClientID: clientKey}
	if b.sessions != nil {
		snapshot.Sessions = b.sessions.Sessions()
		for _, sess := range snapshot.Sessions {
			if b.health != nil {
				if status, ok := b.health.Status(sess.AccountID); ok {
					snapshot.Health = append(snapshot.Health, status)
				}
			}
		}
	}
	if b.bindings != nil {
		snapshot.Bindings = b.bindings.Bindings()
	}
	return b.write(ctx, conn, OutboundMessage{
		EventType: types.EventConnectionSnapshot,
		Timestamp: time.Now(),
		Payload:   snapshot,
	})
}

func (b *Broadcaster) write(ctx context.Context, conn *websocket.Conn, msg OutboundMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		b.log.Warn("failed to marshal outbound event", zap.Error(err))
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, body)
}

// readLoop drains client-sent frames (ping/pong/subscribe). The Broadcaster
// doesn't yet narrow a client's feed by subscribe topics, but it must still
// read the socket so nhooyr.io/websocket can service control frames and
// detect a dead peer; cancel stops Handle's write loop once the peer closes.
func (b *Broadcaster) readLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var inbound InboundMessage
		if err := json.Unmarshal(data, &inbound); err != nil {
			continue
		}
		switch inbound.Type {
		case "ping":
			_ = b.write(ctx, conn, OutboundMessage{EventType: types.EventType("pong"), Timestamp: time.Now()})
		case "pong":
			// keepalive acknowledgment, nothing to do
		case "subscribe":
			b.log.Debug("client subscribe request", zap.Strings("topics", inbound.Topics))
		}
	}
}

func (b *Broadcaster) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, b.cfg.PongTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				b.log.Warn("websocket ping failed, closing connection", zap.Error(err))
				_ = conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}

func connKey(id int64) string {
	return "ws-" + strconv.FormatInt(id, 10)
}
