package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/netviz/internal/protocol"
	"github.com/1ureka/netviz/internal/registry"
	"github.com/1ureka/netviz/internal/simulator"
	"github.com/1ureka/netviz/internal/util"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type emitted struct {
	event   string
	payload any
}

// fakeConn records everything emitted to it.
type fakeConn struct {
	origin string

	mu     sync.Mutex
	events []emitted
	closed bool
}

func (f *fakeConn) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return net.ErrClosed
	}
	f.events = append(f.events, emitted{event, payload})
	return nil
}

func (f *fakeConn) Origin() string { return f.origin }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// named returns the payloads of all events called name.
func (f *fakeConn) named(name string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.events {
		if e.event == name {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var errQueueFull = errors.New("outbound queue full")

// stuckConn accepts budget events, then behaves like a transport whose peer
// stopped reading: Emit fails and the connection closes itself.
type stuckConn struct {
	fakeConn
	budget int
	onDrop func()
}

func (s *stuckConn) Emit(event string, payload any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	if s.budget == 0 {
		s.closed = true
		drop := s.onDrop
		s.mu.Unlock()
		if drop != nil {
			drop()
		}
		return errQueueFull
	}
	s.budget--
	s.events = append(s.events, emitted{event, payload})
	s.mu.Unlock()
	return nil
}

func (s *stuckConn) setOnDrop(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrop = fn
}

// manualScheduler holds tasks until the test fires them.
type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	tasks  []func()
}

func (m *manualScheduler) AfterFunc(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.tasks = append(m.tasks, fn)
}

func (m *manualScheduler) take() ([]time.Duration, []func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, t := m.delays, m.tasks
	m.delays, m.tasks = nil, nil
	return d, t
}

// constSource always returns v.
type constSource float64

func (c constSource) Float64() float64 { return float64(c) }

// recordingTap collects transfers.
type recordingTap struct {
	transfers []protocol.PacketTransferred
}

func (r *recordingTap) Transfer(t protocol.PacketTransferred) {
	r.transfers = append(r.transfers, t)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	c     *Coordinator
	reg   *registry.Registry
	sched *manualScheduler
	stats *util.Stats
}

func newHarness(t *testing.T, simOpts []simulator.Option, opts ...Option) *harness {
	t.Helper()
	reg := registry.New()
	sched := &manualScheduler{}
	stats := util.NewStats()
	opts = append([]Option{WithScheduler(sched), WithStats(stats)}, opts...)
	c := New(reg, simulator.New(reg, simOpts...), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	return &harness{c: c, reg: reg, sched: sched, stats: stats}
}

// sync waits until every event posted so far has been processed.
func (h *harness) sync() {
	done := make(chan struct{})
	h.c.post(func() { close(done) })
	<-done
}

// registryGet reads the registry on the loop.
func (h *harness) registryGet(id int) (registry.Client, bool) {
	var (
		rec registry.Client
		ok  bool
	)
	done := make(chan struct{})
	h.c.post(func() {
		rec, ok = h.reg.Get(id)
		close(done)
	})
	<-done
	return rec, ok
}

func (h *harness) connect(origin string) (*Session, *fakeConn) {
	conn := &fakeConn{origin: origin}
	s := h.c.Connect(conn)
	h.sync()
	return s, conn
}

func (h *harness) attach(conn Conn) *Session {
	s := h.c.Connect(conn)
	h.sync()
	return s
}

func (h *harness) send(s *Session, target int, message string, mode protocol.Mode) {
	s.Handle(runtimex.PanicOnError1(protocol.Encode(protocol.EventSendMessage, protocol.SendMessage{
		TargetID: target,
		Message:  message,
		Protocol: mode,
	})))
	h.sync()
}

// fire runs every pending scheduled task and returns their delays.
func (h *harness) fire() []time.Duration {
	delays, tasks := h.sched.take()
	for _, fn := range tasks {
		fn()
	}
	h.sync()
	return delays
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestScenarioReliableHi walks through A and B connecting and A sending "hi"
// to B in tcp mode.
func TestScenarioReliableHi(t *testing.T) {
	h := newHarness(t, nil)

	a, connA := h.connect("10.0.0.1")
	require.Equal(t, 1, a.id)
	require.Equal(t, []any{protocol.Initialize{YourID: 1, ExistingClients: []protocol.PeerInfo{}}}, connA.named(protocol.EventInitialize))

	b, connB := h.connect("10.0.0.2")
	require.Equal(t, 2, b.id)

	joined := connA.named(protocol.EventClientConnected)
	require.Len(t, joined, 1)
	require.Equal(t, 2, joined[0].(protocol.PeerInfo).ID)
	require.Equal(t, "10.0.0.2", joined[0].(protocol.PeerInfo).IP)
	require.Empty(t, connB.named(protocol.EventClientConnected))

	initB := connB.named(protocol.EventInitialize)
	require.Len(t, initB, 1)
	require.Equal(t, 2, initB[0].(protocol.Initialize).YourID)
	require.Len(t, initB[0].(protocol.Initialize).ExistingClients, 1)
	require.Equal(t, 1, initB[0].(protocol.Initialize).ExistingClients[0].ID)

	h.send(a, 2, "hi", protocol.ModeTCP)

	// Counted immediately, delivered only after the delay.
	recA, _ := h.registryGet(1)
	require.Equal(t, 1, recA.PacketsSent)
	require.Equal(t, 2, recA.BytesTransferred)
	require.Empty(t, connB.named(protocol.EventReceiveMessage))

	delays := h.fire()
	require.Len(t, delays, 1)
	require.GreaterOrEqual(t, delays[0], simulator.ReliableMinDelay)
	require.Less(t, delays[0], simulator.ReliableMaxDelay)

	received := connB.named(protocol.EventReceiveMessage)
	require.Len(t, received, 1)
	msg := received[0].(protocol.ReceiveMessage)
	require.Equal(t, 1, msg.From)
	require.Equal(t, "hi", msg.Message)
	require.Equal(t, protocol.ModeTCP, msg.Protocol)

	acks := connA.named(protocol.EventMessageAck)
	require.Len(t, acks, 1)
	require.Equal(t, 2, acks[0].(protocol.MessageAck).TargetID)
	require.Empty(t, connB.named(protocol.EventMessageAck))

	want := protocol.PacketTransferred{From: 1, To: 2, Protocol: protocol.ModeTCP, Size: 2, Success: true}
	require.Equal(t, []any{want}, connA.named(protocol.EventPacketTransferred))
	require.Equal(t, []any{want}, connB.named(protocol.EventPacketTransferred))

	recB, _ := h.registryGet(2)
	require.Equal(t, 1, recB.PacketsReceived)
	require.Equal(t, 2, recB.BytesTransferred)
	require.Equal(t, int64(1), h.stats.Delivered.Load())
}

// TestTransferBroadcastReachesBystanders verifies a third client that is
// neither sender nor target still sees the transfer.
func TestTransferBroadcastReachesBystanders(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.connect("a")
	h.connect("b")
	_, connC := h.connect("c")

	h.send(a, 2, "ping", protocol.ModeTCP)
	h.fire()

	require.Len(t, connC.named(protocol.EventPacketTransferred), 1)
	require.Empty(t, connC.named(protocol.EventReceiveMessage))
	require.Empty(t, connC.named(protocol.EventMessageAck))
}

func TestUnreliableDeliveredWithoutAck(t *testing.T) {
	h := newHarness(t, []simulator.Option{simulator.WithSource(constSource(0.5))})
	a, connA := h.connect("a")
	_, connB := h.connect("b")

	h.send(a, 2, "yo", protocol.ModeUDP)
	delays := h.fire()
	require.Equal(t, []time.Duration{100 * time.Millisecond}, delays)

	require.Len(t, connB.named(protocol.EventReceiveMessage), 1)
	require.Empty(t, connA.named(protocol.EventMessageAck))

	transfers := connA.named(protocol.EventPacketTransferred)
	require.Len(t, transfers, 1)
	require.True(t, transfers[0].(protocol.PacketTransferred).Success)
}

func TestUnreliableLostIsBroadcastOnly(t *testing.T) {
	tap := &recordingTap{}
	h := newHarness(t, []simulator.Option{simulator.WithSource(constSource(0.01))}, WithTap(tap))
	a, connA := h.connect("a")
	_, connB := h.connect("b")

	h.send(a, 2, "gone", protocol.ModeUDP)
	_, tasks := h.sched.take()
	require.Empty(t, tasks, "lost packets are reported without delay")

	want := protocol.PacketTransferred{From: 1, To: 2, Protocol: protocol.ModeUDP, Size: 4, Error: protocol.ReasonPacketLost}
	require.Equal(t, []any{want}, connA.named(protocol.EventPacketTransferred))
	require.Equal(t, []any{want}, connB.named(protocol.EventPacketTransferred))
	require.Empty(t, connA.named(protocol.EventError))
	require.Empty(t, connB.named(protocol.EventReceiveMessage))
	require.Equal(t, []protocol.PacketTransferred{want}, tap.transfers)

	// The send is still counted.
	recA, _ := h.registryGet(1)
	require.Equal(t, 1, recA.PacketsSent)
	require.Equal(t, int64(1), h.stats.Lost.Load())
}

func TestMissingTargetNotifiesSenderOnly(t *testing.T) {
	for _, mode := range []protocol.Mode{protocol.ModeTCP, protocol.ModeUDP} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, nil)
			a, connA := h.connect("a")
			_, connB := h.connect("b")

			h.send(a, 9, "hello", mode)

			errs := connA.named(protocol.EventError)
			require.Len(t, errs, 1)
			require.Equal(t, "Client 9 not found or disconnected", errs[0].(protocol.Error).Message)
			require.Empty(t, connB.named(protocol.EventError))
			require.Empty(t, connB.named(protocol.EventReceiveMessage))

			want := protocol.PacketTransferred{From: 1, To: 9, Protocol: mode, Size: 5, Error: protocol.ReasonClientNotFound}
			require.Equal(t, []any{want}, connB.named(protocol.EventPacketTransferred))
		})
	}
}

// TestDisconnect verifies a departing client is announced, removed, and
// afterwards unreachable.
func TestDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	a, connA := h.connect("a")
	b, connB := h.connect("b")

	b.Close()
	b.Close()
	h.sync()

	require.True(t, connB.isClosed())
	require.Equal(t, []any{2}, connA.named(protocol.EventClientDisconnected))
	_, ok := h.registryGet(2)
	require.False(t, ok)

	h.send(a, 2, "anyone?", protocol.ModeTCP)
	require.Len(t, connA.named(protocol.EventError), 1)
	require.Equal(t, int64(1), h.stats.Active())
}

// TestTargetLeavesWhileInFlight verifies a delivery whose target left during
// the delay does not fault and reaches nobody.
func TestTargetLeavesWhileInFlight(t *testing.T) {
	h := newHarness(t, nil)
	a, connA := h.connect("a")
	b, connB := h.connect("b")

	h.send(a, 2, "late", protocol.ModeTCP)
	b.Close()
	h.sync()
	h.fire()

	require.Empty(t, connB.named(protocol.EventReceiveMessage))
	require.Empty(t, connA.named(protocol.EventMessageAck))

	transfers := connA.named(protocol.EventPacketTransferred)
	require.Len(t, transfers, 1)
	require.False(t, transfers[0].(protocol.PacketTransferred).Success)
}

// TestSenderLeavesWhileInFlight verifies the target still receives the
// message but no ack is attempted.
func TestSenderLeavesWhileInFlight(t *testing.T) {
	h := newHarness(t, nil)
	a, connA := h.connect("a")
	_, connB := h.connect("b")

	h.send(a, 2, "bye", protocol.ModeTCP)
	a.Close()
	h.sync()
	h.fire()

	require.Len(t, connB.named(protocol.EventReceiveMessage), 1)
	require.Empty(t, connA.named(protocol.EventMessageAck))
}

func TestStatsReplyGoesToRequesterOnly(t *testing.T) {
	h := newHarness(t, nil)
	a, connA := h.connect("a")
	_, connB := h.connect("b")

	h.send(a, 2, "abc", protocol.ModeTCP)
	h.fire()

	a.Handle(runtimex.PanicOnError1(protocol.Encode(protocol.EventGetStats, nil)))
	h.sync()

	require.Empty(t, connB.named(protocol.EventStatsUpdate))
	updates := connA.named(protocol.EventStatsUpdate)
	require.Len(t, updates, 1)

	rows := updates[0].([]protocol.ClientStats)
	require.Len(t, rows, 2)
	require.Equal(t, 1, rows[0].PacketsSent)
	require.Equal(t, 3, rows[0].BytesTransferred)
	require.Equal(t, 1, rows[1].PacketsReceived)
	require.Equal(t, "b", rows[1].IP)
}

func TestMalformedInputIsRejected(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
	}{
		{"not json", `{{{`},
		{"unknown event", `{"event":"launch-missiles"}`},
		{"send without data", `{"event":"send-message"}`},
		{"target as string", `{"event":"send-message","data":{"targetId":"2","message":"x","protocol":"tcp"}}`},
		{"bad protocol", `{"event":"send-message","data":{"targetId":2,"message":"x","protocol":"quic"}}`},
		{"empty message", `{"event":"send-message","data":{"targetId":2,"message":"","protocol":"udp"}}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			a, connA := h.connect("a")
			_, connB := h.connect("b")

			a.Handle([]byte(tc.frame))
			h.sync()

			require.Len(t, connA.named(protocol.EventError), 1)
			require.Empty(t, connB.named(protocol.EventError))
			require.Empty(t, connB.named(protocol.EventPacketTransferred))

			rec, _ := h.registryGet(1)
			require.Zero(t, rec.PacketsSent)
			require.Zero(t, rec.BytesTransferred)
		})
	}
}

func TestIdentifiersAreNotReused(t *testing.T) {
	h := newHarness(t, nil)
	first, _ := h.connect("a")
	first.Close()
	h.sync()

	second, conn := h.connect("a")
	require.Greater(t, second.id, first.id)
	require.Equal(t, StateClosed, first.state)
	require.Equal(t, StateActive, second.state)

	init := conn.named(protocol.EventInitialize)
	require.Empty(t, init[0].(protocol.Initialize).ExistingClients)
}

func TestDemoTraffic(t *testing.T) {
	h := newHarness(t, nil, WithDemoTraffic(true))
	_, connA := h.connect("a")
	_, tasks := h.sched.take()
	require.Empty(t, tasks, "no demo with a single client")

	h.connect("b")
	delays := h.fire()
	require.Equal(t, []time.Duration{demoFirstDelay}, delays)

	delays = h.fire()
	require.Equal(t, []time.Duration{demoSecondDelay}, delays)

	require.Equal(t, []any{
		protocol.PacketTransferred{From: 2, To: 1, Protocol: protocol.ModeTCP, Size: 100, Success: true},
		protocol.PacketTransferred{From: 1, To: 2, Protocol: protocol.ModeUDP, Size: 50, Success: true},
	}, connA.named(protocol.EventPacketTransferred))
}

// TestFailingEmitDoesNotStallRelay verifies a client whose sends fail
// neither blocks nor corrupts traffic between the others, and leaves
// normally once its reader notices.
func TestFailingEmitDoesNotStallRelay(t *testing.T) {
	h := newHarness(t, nil)
	a, connA := h.connect("a")
	_, connB := h.connect("b")
	stuck := &stuckConn{fakeConn: fakeConn{origin: "c"}, budget: 1}
	sc := h.attach(stuck)
	require.Equal(t, 3, sc.id)
	require.Len(t, stuck.named(protocol.EventInitialize), 1)

	h.send(a, 2, "hi", protocol.ModeTCP)
	h.fire()

	require.Len(t, connB.named(protocol.EventReceiveMessage), 1)
	require.Len(t, connA.named(protocol.EventMessageAck), 1)
	require.Len(t, connA.named(protocol.EventPacketTransferred), 1)
	require.Len(t, connB.named(protocol.EventPacketTransferred), 1)
	require.True(t, stuck.isClosed())
	require.Empty(t, stuck.named(protocol.EventPacketTransferred))

	// The reader goroutine ends the session once the transport is gone.
	sc.Close()
	h.sync()
	require.Equal(t, []any{3}, connA.named(protocol.EventClientDisconnected))
	require.Equal(t, []any{3}, connB.named(protocol.EventClientDisconnected))
	require.Equal(t, int64(2), h.stats.Active())
}

// TestConnClosingMidBroadcast verifies a connection that goes away while a
// broadcast is being delivered is removed afterwards and the broadcast still
// reaches everyone else.
func TestConnClosingMidBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	stuck := &stuckConn{fakeConn: fakeConn{origin: "a"}, budget: 1}
	sa := h.c.Connect(stuck)
	stuck.setOnDrop(func() { sa.Close() })
	h.sync()

	_, connB := h.connect("b")
	_, connC := h.connect("c")

	require.True(t, stuck.isClosed())
	_, ok := h.registryGet(1)
	require.False(t, ok)

	initB := connB.named(protocol.EventInitialize)[0].(protocol.Initialize)
	require.Len(t, initB.ExistingClients, 1)
	require.Equal(t, []any{1}, connB.named(protocol.EventClientDisconnected))

	initC := connC.named(protocol.EventInitialize)[0].(protocol.Initialize)
	require.Equal(t, []protocol.PeerInfo{{ID: 2, IP: "b", ConnectedAt: initC.ExistingClients[0].ConnectedAt}}, initC.ExistingClients)
	require.Equal(t, int64(2), h.stats.Active())
}

func TestSessionAfterRunStops(t *testing.T) {
	reg := registry.New()
	c := New(reg, simulator.New(reg))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	// Posting after the loop stopped must not block.
	s := c.Connect(&fakeConn{origin: "late"})
	s.Handle([]byte(`{"event":"get-stats"}`))
	s.Close()
}

func TestStateString(t *testing.T) {
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "active", StateActive.String())
	require.Equal(t, "closed", StateClosed.String())
}
