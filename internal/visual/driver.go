package visual

import (
	"slices"
	"sync"

	"github.com/1ureka/netviz/internal/client"
	"github.com/1ureka/netviz/internal/protocol"
	"github.com/1ureka/netviz/internal/util"
)

// Renderer draws layouts and animations. Animate must not block; markers
// of overlapping animations are independent. Handshake lights the first
// lit steps of [HandshakeSteps]; zero clears the panel.
type Renderer interface {
	Draw(l Layout)
	Animate(a Animation)
	Handshake(lit int)
}

// DriverOption configures a [Driver].
type DriverOption func(d *Driver)

// WithDriverScheduler replaces the timer used for acknowledgment follow-ups.
func WithDriverScheduler(s util.Scheduler) DriverOption {
	return func(d *Driver) { d.sched = s }
}

// WithSamples plays a short tcp, udp and failed sample between this client
// and another node whenever the diagram changes.
func WithSamples(enabled bool) DriverOption {
	return func(d *Driver) { d.samples = enabled }
}

// Driver keeps the layout in sync with the peer set and turns transfer
// notifications into animations.
type Driver struct {
	r      Renderer
	sched  util.Scheduler
	width  float64
	height float64

	mu     sync.Mutex
	self   int
	peers  []int
	extra  []int // ids seen only in transfers since the last peer change
	layout Layout

	samples     bool
	handshaking bool
	stopped     bool
}

// NewDriver creates a driver drawing on a width x height canvas.
func NewDriver(r Renderer, width, height float64, options ...DriverOption) *Driver {
	d := &Driver{
		r:      r,
		sched:  util.TimerScheduler{},
		width:  width,
		height: height,
	}
	for _, opt := range options {
		opt(d)
	}
	d.layout = ComputeLayout(nil, 0, width, height)
	return d
}

// Layout returns the current layout.
func (d *Driver) Layout() Layout {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.layout
}

// SetPeers recomputes and redraws the layout when the peer set or own id
// changed.
func (d *Driver) SetPeers(self int, peers []int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if self == d.self && slices.Equal(peers, d.peers) {
		return
	}
	d.self = self
	d.peers = slices.Clone(peers)
	d.extra = nil
	d.relayout()

	if d.samples && self > 0 && len(d.peers) > 0 {
		d.scheduleSamples(self, d.peers[0])
	}
}

// Stop ends the handshake cycle and pending samples. Animations already
// handed to the renderer finish on their own.
func (d *Driver) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

func (d *Driver) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Handshake starts the repeating handshake panel. Later calls are no-ops.
func (d *Driver) Handshake() {
	d.mu.Lock()
	start := !d.handshaking && !d.stopped
	d.handshaking = true
	d.mu.Unlock()

	if start {
		d.sched.AfterFunc(HandshakeDelay, d.handshakeCycle)
	}
}

func (d *Driver) handshakeCycle() {
	if d.isStopped() {
		return
	}
	d.r.Handshake(0)
	for i, step := range HandshakeSteps {
		lit := i + 1
		d.sched.AfterFunc(step.At, func() {
			if !d.isStopped() {
				d.r.Handshake(lit)
			}
		})
	}
	d.sched.AfterFunc(HandshakeReset, func() {
		if d.isStopped() {
			return
		}
		d.r.Handshake(0)
		d.sched.AfterFunc(HandshakePause, d.handshakeCycle)
	})
}

// Local animates a message this client just sent, ahead of the relay's
// transfer notification. It never triggers an ack: the notification does.
func (d *Driver) Local(self, target int, mode protocol.Mode, size int) {
	d.mu.Lock()
	if !d.layout.Has(self) || !d.layout.Has(target) || self == target {
		d.mu.Unlock()
		return
	}
	a := Plan(protocol.PacketTransferred{From: self, To: target, Protocol: mode, Size: size, Success: true}, false, d.layout)
	d.mu.Unlock()

	a.Local = true
	d.r.Animate(a)
}

// scheduleSamples must be called with d.mu held.
func (d *Driver) scheduleSamples(self, other int) {
	sample := func(t protocol.PacketTransferred) func() {
		return func() {
			d.mu.Lock()
			skip := d.stopped || !d.layout.Has(t.From) || !d.layout.Has(t.To)
			d.mu.Unlock()
			if !skip {
				d.Transfer(t)
			}
		}
	}

	d.sched.AfterFunc(sampleDelay, sample(protocol.PacketTransferred{
		From: self, To: other, Protocol: protocol.ModeTCP, Size: 100, Success: true,
	}))
	d.sched.AfterFunc(sampleDelay+sampleUDPAfter, sample(protocol.PacketTransferred{
		From: other, To: self, Protocol: protocol.ModeUDP, Size: 50, Success: true,
	}))
	d.sched.AfterFunc(sampleDelay+sampleUDPAfter+sampleFailAt, sample(protocol.PacketTransferred{
		From: self, To: other, Protocol: protocol.ModeUDP, Size: 75, Error: protocol.ReasonPacketLost,
	}))
}

// Transfer animates t. Endpoints missing from the layout are added to it
// first.
func (d *Driver) Transfer(t protocol.PacketTransferred) {
	if t.From <= 0 || t.To <= 0 {
		return
	}

	d.mu.Lock()
	if !d.layout.Has(t.From) || !d.layout.Has(t.To) {
		for _, id := range []int{t.From, t.To} {
			if !d.layout.Has(id) {
				d.extra = append(d.extra, id)
			}
		}
		d.relayout()
	}
	a := Plan(t, false, d.layout)
	d.mu.Unlock()

	d.r.Animate(a)
	if a.NeedsAck() {
		back := protocol.PacketTransferred{
			From: t.To, To: t.From, Protocol: protocol.ModeTCP, Success: true,
		}
		d.sched.AfterFunc(a.Duration+AckDelay, func() { d.ack(back) })
	}
}

// ack animates the reverse acknowledgment if both nodes are still drawn.
func (d *Driver) ack(t protocol.PacketTransferred) {
	d.mu.Lock()
	if !d.layout.Has(t.From) || !d.layout.Has(t.To) {
		d.mu.Unlock()
		return
	}
	a := Plan(t, true, d.layout)
	d.mu.Unlock()

	d.r.Animate(a)
}

// relayout must be called with d.mu held.
func (d *Driver) relayout() {
	ids := append(slices.Clone(d.peers), d.extra...)
	d.layout = ComputeLayout(ids, d.self, d.width, d.height)
	d.r.Draw(d.layout)
}

// Observe is a [client.Listener] that keeps the driver in sync with a
// store.
func (d *Driver) Observe(s client.State, ev client.Event) {
	switch ev := ev.(type) {
	case client.Connected:
		d.Handshake()

	case client.Sent:
		d.Local(s.SelfID, ev.Target, ev.Protocol, len(ev.Message))

	case client.Inbound:
		switch ev.Envelope.Event {
		case protocol.EventInitialize, protocol.EventClientConnected, protocol.EventClientDisconnected:
			d.SetPeers(s.SelfID, s.PeerIDs())
		case protocol.EventPacketTransferred:
			var t protocol.PacketTransferred
			if ev.Envelope.Unmarshal(&t) == nil {
				d.Transfer(t)
			}
		}
	}
}
