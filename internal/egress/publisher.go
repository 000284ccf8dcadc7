// Package egress is the Tick Egress publisher (spec.md §4.H): a raw TCP
// pub/sub server that republishes the Aggregator's merged cleansed tick
// stream as length-prefixed two-part frames, [u32 topic length][topic]
// [u32 payload length][msgpack payload]. The server lifecycle
// (New/Start/accept loop/per-connection goroutine) is grounded on
// the teacher's relay/internal/grpc.Server shape; the two dependencies it
// exercises, github.com/vmihailenco/msgpack/v5 and
// github.com/valyala/bytebufferpool, are present in the teacher's go.mod
// but unused by relay/ itself (relay's WS fanout sends plain JSON) — here
// they get a real home serializing the binary feed.
package egress

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"mdhub/internal/eventbus"
	"mdhub/internal/metrics"
	"mdhub/pkg/types"
)

// Config tunes the Tick Egress publisher.
type Config struct {
	Bind            string
	SendQueueDepth  int
	MetricsInterval time.Duration
}

type client struct {
	conn   net.Conn
	sendCh chan []byte
	id     string
}

// Publisher is the binary tick-egress TCP server.
type Publisher struct {
	cfg     Config
	sub     *eventbus.Subscription
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	log     *zap.Logger
	pool    bytebufferpool.Pool

	mu       sync.RWMutex
	clients  map[string]*client
	listener net.Listener
}

// New creates a Tick Egress publisher. Call Start to bind and serve.
func New(cfg Config, bus *eventbus.Bus, m *metrics.Metrics, log *zap.Logger) *Publisher {
	if cfg.SendQueueDepth <= 0 {
		cfg.SendQueueDepth = 1000
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 10 * time.Second
	}
	return &Publisher{
		cfg: cfg, bus: bus, metrics: m, log: log,
		clients: make(map[string]*client),
	}
}

// Start binds the listener and runs until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	addr := strings.TrimPrefix(p.cfg.Bind, "tcp://")
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind tick egress listener")
	}
	p.listener = lis

	p.sub = p.bus.Subscribe("tick-egress", "*")

	go p.acceptLoop(ctx)
	go p.intakeLoop(ctx)
	go p.metricsLoop(ctx)

	<-ctx.Done()
	p.sub.Close()
	return lis.Close()
}

func (p *Publisher) acceptLoop(ctx context.Context) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.log.Warn("tick egress accept failed", zap.Error(err))
				return
			}
		}
		p.addClient(conn)
	}
}

func (p *Publisher) addClient(conn net.Conn) {
	c := &client{conn: conn, sendCh: make(chan []byte, p.cfg.SendQueueDepth), id: conn.RemoteAddr().String()}
	p.mu.Lock()
	p.clients[c.id] = c
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.EgressSubscribers.Inc()
	}
	p.log.Info("tick egress client connected", zap.String("remote_addr", c.id))
	go p.writeLoop(c)
}

func (p *Publisher) removeClient(c *client) {
	p.mu.Lock()
	delete(p.clients, c.id)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.EgressSubscribers.Dec()
	}
	_ = c.conn.Close()
}

func (p *Publisher) writeLoop(c *client) {
	defer p.removeClient(c)
	for frame := range c.sendCh {
		if _, err := c.conn.Write(frame); err != nil {
			return
		}
	}
}

func (p *Publisher) intakeLoop(ctx context.Context) {
	done := ctx.Done()
	for {
		ev, ok := p.sub.Next(done)
		if !ok {
			return
		}
		payload, ok := ev.Payload.(types.TickEgressedPayload)
		if !ok {
			continue
		}
		p.broadcast(payload.Tick)
	}
}

func (p *Publisher) broadcast(tick types.Tick) {
	start := time.Now()
	buf := p.pool.Get()
	defer p.pool.Put(buf)

	body, err := msgpack.Marshal(tick)
	if err != nil {
		p.log.Warn("failed to marshal tick for egress", zap.Error(err))
		return
	}

	topic := tick.Symbol
	var header [4]byte

	binary.BigEndian.PutUint32(header[:], uint32(len(topic)))
	buf.Write(header[:])
	buf.WriteString(topic)

	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	buf.Write(header[:])
	buf.Write(body)

	frame := make([]byte, buf.Len())
	copy(frame, buf.B)

	if p.metrics != nil {
		p.metrics.EgressSerializeNs.Observe(time.Since(start).Seconds())
		p.metrics.TicksEgressed.WithLabelValues(tick.Symbol).Inc()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	depth := 0
	for _, c := range p.clients {
		select {
		case c.sendCh <- frame:
			if n := len(c.sendCh); n > depth {
				depth = n
			}
		default:
			p.log.Warn("tick egress client send queue full, dropping frame", zap.String("remote_addr", c.id))
		}
	}
	if p.metrics != nil {
		p.metrics.EgressQueueDepth.Set(float64(depth))
	}
}

func (p *Publisher) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			n := len(p.clients)
			p.mu.RUnlock()
			p.log.Debug("tick egress status", zap.Int("subscriber_count", n))
			if p.bus != nil {
				p.bus.Publish(types.Event{
					Type:  types.EventSystemLog,
					Topic: "system",
					Payload: types.SystemLogPayload{
						Level:   types.LogInfo,
						Message: "tick egress status",
						Source:  "egress",
						Metadata: map[string]string{
							"subscriber_count": strconv.Itoa(n),
						},
					},
				})
			}
		}
	}
}
