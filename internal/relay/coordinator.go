package relay

import (
	"context"
	"sort"
	"time"

	"github.com/1ureka/netviz/internal/protocol"
	"github.com/1ureka/netviz/internal/registry"
	"github.com/1ureka/netviz/internal/simulator"
	"github.com/1ureka/netviz/internal/util"
)

// eventBufferSize is the capacity of the loop's inbound queue.
const eventBufferSize = 256

// Demo traffic timings, measured from the connect that triggers them.
const (
	demoFirstDelay  = 2 * time.Second
	demoSecondDelay = 1 * time.Second
)

// Option configures a [Coordinator].
type Option func(c *Coordinator)

// WithScheduler replaces the timer-backed scheduler used for delays.
func WithScheduler(s util.Scheduler) Option {
	return func(c *Coordinator) { c.sched = s }
}

// WithTap registers an observer for transfer notifications.
func WithTap(t Tap) Option {
	return func(c *Coordinator) { c.tap = t }
}

// WithStats makes the coordinator update the given counters.
func WithStats(s *util.Stats) Option {
	return func(c *Coordinator) { c.stats = s }
}

// WithDemoTraffic enables the sample transfers broadcast after a connect.
func WithDemoTraffic(enabled bool) Option {
	return func(c *Coordinator) { c.demo = enabled }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator relays messages between connected clients.
//
// Construct using [New], then start [Coordinator.Run].
type Coordinator struct {
	registry *registry.Registry
	sim      *simulator.Simulator
	sched    util.Scheduler
	tap      Tap
	stats    *util.Stats
	demo     bool
	now      func() time.Time

	// active maps client id to its session. Loop-owned.
	active map[int]*Session

	events chan func()
	done   chan struct{}
}

// New creates a coordinator over reg and sim. The coordinator becomes the
// only writer of reg.
func New(reg *registry.Registry, sim *simulator.Simulator, options ...Option) *Coordinator {
	c := &Coordinator{
		registry: reg,
		sim:      sim,
		sched:    util.TimerScheduler{},
		stats:    util.NewStats(),
		now:      time.Now,
		active:   make(map[int]*Session),
		events:   make(chan func(), eventBufferSize),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Run processes events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// post queues fn for the loop. It drops fn once the loop has stopped.
func (c *Coordinator) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// later runs fn on the loop after d.
func (c *Coordinator) later(d time.Duration, fn func()) {
	c.sched.AfterFunc(d, func() { c.post(fn) })
}

// Connect starts a session for conn. Activation happens asynchronously on
// the loop; events handled through the returned session are queued behind
// it.
func (c *Coordinator) Connect(conn Conn) *Session {
	s := &Session{c: c, conn: conn}
	c.post(func() { c.activate(s) })
	return s
}

// ---------------------------------------------------------------------------
// Loop handlers
// ---------------------------------------------------------------------------

func (c *Coordinator) activate(s *Session) {
	if s.state != StateConnecting {
		return
	}

	s.id = c.registry.Register(s.conn.Origin())
	s.state = StateActive
	c.stats.AddConn()

	rec, _ := c.registry.Get(s.id)
	util.LogInfo("client %d connected from %s", s.id, rec.Origin)

	c.broadcast(protocol.EventClientConnected, rec.Peer(), s.id)

	existing := make([]protocol.PeerInfo, 0, len(c.active))
	for _, other := range c.registry.List() {
		if other.ID != s.id {
			existing = append(existing, other.Peer())
		}
	}
	c.active[s.id] = s
	c.emit(s, protocol.EventInitialize, protocol.Initialize{
		YourID:          s.id,
		ExistingClients: existing,
	})

	if c.demo && len(c.active) > 1 {
		c.scheduleDemo(s.id)
	}
}

func (c *Coordinator) deactivate(s *Session) {
	if s.state != StateActive {
		s.state = StateClosed
		return
	}
	s.state = StateClosed

	delete(c.active, s.id)
	c.registry.Unregister(s.id)
	c.stats.RemoveConn()
	util.LogInfo("client %d disconnected", s.id)

	c.broadcast(protocol.EventClientDisconnected, s.id, 0)
}

func (c *Coordinator) send(s *Session, req protocol.SendMessage) {
	if s.state != StateActive {
		return
	}
	if err := req.Validate(); err != nil {
		c.reject(s, err)
		return
	}

	size := len(req.Message)
	sentAt := c.now()

	// Sending is counted before the outcome is known.
	c.registry.RecordSent(s.id, size)

	out, err := c.sim.Simulate(s.id, req.TargetID, req.Message, req.Protocol)
	if err != nil {
		c.reject(s, err)
		return
	}
	util.LogDebug("client %d → %d via %s: %s after %s", s.id, req.TargetID, req.Protocol, out.Status, out.Delay)

	transfer := protocol.PacketTransferred{
		From:     s.id,
		To:       req.TargetID,
		Protocol: req.Protocol,
		Size:     size,
	}

	switch out.Status {
	case simulator.TargetMissing:
		c.emit(s, protocol.EventError, protocol.Error{
			Message:   clientNotFound(req.TargetID),
			Timestamp: c.now(),
		})
		c.fail(transfer, protocol.ReasonClientNotFound)

	case simulator.Lost:
		c.fail(transfer, protocol.ReasonPacketLost)

	case simulator.Delivered:
		senderID := s.id
		c.later(out.Delay, func() {
			c.deliver(senderID, req, sentAt, out.Ack, transfer)
		})
	}
}

// deliver completes a delayed delivery. Sender and target are looked up
// again because either may have left while the message was in flight.
func (c *Coordinator) deliver(senderID int, req protocol.SendMessage, sentAt time.Time, ack bool, transfer protocol.PacketTransferred) {
	target, ok := c.active[req.TargetID]
	if !ok {
		util.LogDebug("client %d left before delivery from %d", req.TargetID, senderID)
		c.fail(transfer, protocol.ReasonClientNotFound)
		return
	}

	c.emit(target, protocol.EventReceiveMessage, protocol.ReceiveMessage{
		From:      senderID,
		Message:   req.Message,
		Timestamp: sentAt,
		Protocol:  req.Protocol,
	})
	c.registry.RecordReceived(req.TargetID, transfer.Size)

	if sender, ok := c.active[senderID]; ok && ack {
		c.emit(sender, protocol.EventMessageAck, protocol.MessageAck{
			TargetID:          req.TargetID,
			Timestamp:         c.now(),
			OriginalTimestamp: sentAt,
		})
	}

	transfer.Success = true
	c.stats.AddDelivered(transfer.Size)
	c.transferred(transfer)
}

func (c *Coordinator) fail(transfer protocol.PacketTransferred, reason string) {
	transfer.Success = false
	transfer.Error = reason
	c.stats.AddLost()
	c.transferred(transfer)
}

// transferred broadcasts a transfer notification to every connection,
// sender and target included, so every open client can draw all traffic.
func (c *Coordinator) transferred(transfer protocol.PacketTransferred) {
	c.broadcast(protocol.EventPacketTransferred, transfer, 0)
	if c.tap != nil {
		c.tap.Transfer(transfer)
	}
}

func (c *Coordinator) statsFor(s *Session) {
	if s.state != StateActive {
		return
	}
	clients := c.registry.List()
	rows := make([]protocol.ClientStats, len(clients))
	for i, rec := range clients {
		rows[i] = rec.Stats()
	}
	c.emit(s, protocol.EventStatsUpdate, rows)
}

// reject answers malformed input with an error to the offending client only.
func (c *Coordinator) reject(s *Session, err error) {
	if s.state != StateActive {
		return
	}
	util.LogWarning("client %d: %v", s.id, err)
	c.emit(s, protocol.EventError, protocol.Error{
		Message:   err.Error(),
		Timestamp: c.now(),
	})
}

// scheduleDemo broadcasts a sample tcp transfer from the new client to the
// lowest-numbered other client, then a sample udp transfer back.
func (c *Coordinator) scheduleDemo(newID int) {
	c.later(demoFirstDelay, func() {
		other := 0
		for _, id := range c.activeIDs() {
			if id != newID {
				other = id
				break
			}
		}
		if other == 0 {
			return
		}
		c.broadcast(protocol.EventPacketTransferred, protocol.PacketTransferred{
			From: newID, To: other, Protocol: protocol.ModeTCP, Size: 100, Success: true,
		}, 0)
		c.later(demoSecondDelay, func() {
			c.broadcast(protocol.EventPacketTransferred, protocol.PacketTransferred{
				From: other, To: newID, Protocol: protocol.ModeUDP, Size: 50, Success: true,
			}, 0)
		})
	})
}

// ---------------------------------------------------------------------------
// Emission helpers
// ---------------------------------------------------------------------------

func (c *Coordinator) emit(s *Session, event string, payload any) {
	if err := s.conn.Emit(event, payload); err != nil {
		util.LogWarning("client %d: failed to emit %s: %v", s.id, event, err)
	}
}

// broadcast emits to every active session except the one with id except
// (0 excludes nobody).
func (c *Coordinator) broadcast(event string, payload any, except int) {
	for _, id := range c.activeIDs() {
		if id != except {
			c.emit(c.active[id], event, payload)
		}
	}
}

func (c *Coordinator) activeIDs() []int {
	ids := make([]int, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
