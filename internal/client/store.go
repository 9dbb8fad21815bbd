// Package client holds the terminal client's view of the relay: a state
// store fed by server events and local actions, and the session that keeps
// a connection to the server alive.
package client

import (
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/netviz/internal/protocol"
)

// MaxPackets is the capacity of the packet log.
const MaxPackets = 100

// PacketKind tells data packets from acknowledgments.
type PacketKind string

const (
	PacketData PacketKind = "data"
	PacketAck  PacketKind = "ack"
)

// Packet is one entry of the packet log. Entries are never modified.
type Packet struct {
	ID        string
	Kind      PacketKind
	Protocol  protocol.Mode
	From      int
	To        int
	Size      int
	Content   string
	Timestamp time.Time
}

// MessageKind classifies a message log entry.
type MessageKind string

const (
	MessageSent     MessageKind = "sent"
	MessageReceived MessageKind = "received"
	MessageError    MessageKind = "error"
)

// Message is one entry of the message log. Peer is the counterpart id and
// is zero for errors.
type Message struct {
	Kind      MessageKind
	Peer      int
	Content   string
	Protocol  protocol.Mode
	Timestamp time.Time
}

// ConnEvent is a line of the connection event log.
type ConnEvent struct {
	Text string
	At   time.Time
}

// State is everything the client knows. Values are treated as immutable:
// Reduce returns a new State and never mutates slices or maps it received.
type State struct {
	SelfID       int
	Connected    bool
	Peers        map[int]protocol.PeerInfo // excludes self
	Messages     []Message
	Packets      []Packet // newest first, at most MaxPackets
	Selected     string   // id of the selected packet, if any
	Events       []ConnEvent
	Stats        []protocol.ClientStats
	LastTransfer *protocol.PacketTransferred
}

// PeerIDs returns the known peer ids in ascending order, self excluded.
func (s State) PeerIDs() []int {
	ids := make([]int, 0, len(s.Peers))
	for id := range s.Peers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// SelectedPacket returns the selected packet, if it is still in the log.
func (s State) SelectedPacket() (Packet, bool) {
	for _, p := range s.Packets {
		if p.ID == s.Selected {
			return p, true
		}
	}
	return Packet{}, false
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Event is an input to [Reduce].
type Event interface {
	isEvent()
}

// Inbound is a decoded server event. PacketID names the packet-log entry
// it may create; At is when it was received.
type Inbound struct {
	Envelope protocol.Envelope
	PacketID string
	At       time.Time
}

// Sent records a message this client handed to the server.
type Sent struct {
	Target   int
	Message  string
	Protocol protocol.Mode
	PacketID string
	At       time.Time
}

// SelectPacket marks a packet of the log as selected.
type SelectPacket struct {
	ID string
}

// Connected and Disconnected track the transport state.
type (
	Connected    struct{ At time.Time }
	Disconnected struct{ At time.Time }
)

func (Inbound) isEvent()      {}
func (Sent) isEvent()         {}
func (SelectPacket) isEvent() {}
func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}

// ---------------------------------------------------------------------------
// Reducer
// ---------------------------------------------------------------------------

// Reduce returns the state after ev. It has no side effects; events it
// cannot interpret leave the state unchanged.
func Reduce(s State, ev Event) State {
	switch ev := ev.(type) {
	case Inbound:
		return reduceInbound(s, ev)

	case Sent:
		s.Messages = appendMessage(s.Messages, Message{
			Kind: MessageSent, Peer: ev.Target, Content: ev.Message,
			Protocol: ev.Protocol, Timestamp: ev.At,
		})
		s.Packets = pushPacket(s.Packets, Packet{
			ID: ev.PacketID, Kind: PacketData, Protocol: ev.Protocol,
			From: s.SelfID, To: ev.Target, Size: len(ev.Message),
			Content: ev.Message, Timestamp: ev.At,
		})
		return s

	case SelectPacket:
		for _, p := range s.Packets {
			if p.ID == ev.ID {
				s.Selected = ev.ID
				break
			}
		}
		return s

	case Connected:
		s.Connected = true
		s.Events = appendEvent(s.Events, ev.At, "Connected to server")
		return s

	case Disconnected:
		s.Connected = false
		s.Events = appendEvent(s.Events, ev.At, "Disconnected from server")
		return s
	}
	return s
}

func reduceInbound(s State, ev Inbound) State {
	env := ev.Envelope

	switch env.Event {
	case protocol.EventInitialize:
		var init protocol.Initialize
		if env.Unmarshal(&init) != nil || init.YourID <= 0 {
			return s
		}
		s.SelfID = init.YourID
		s.Peers = make(map[int]protocol.PeerInfo, len(init.ExistingClients))
		for _, p := range init.ExistingClients {
			if p.ID != init.YourID {
				s.Peers[p.ID] = p
			}
		}
		s.Events = appendEvent(s.Events, ev.At, fmt.Sprintf("Assigned client ID: %d", init.YourID))

	case protocol.EventClientConnected:
		var peer protocol.PeerInfo
		if env.Unmarshal(&peer) != nil || peer.ID <= 0 || peer.ID == s.SelfID {
			return s
		}
		s.Peers = clonePeers(s.Peers)
		s.Peers[peer.ID] = peer
		s.Events = appendEvent(s.Events, ev.At, fmt.Sprintf("Client %d connected", peer.ID))

	case protocol.EventClientDisconnected:
		var id int
		if env.Unmarshal(&id) != nil {
			return s
		}
		if _, ok := s.Peers[id]; ok {
			s.Peers = clonePeers(s.Peers)
			delete(s.Peers, id)
		}
		s.Events = appendEvent(s.Events, ev.At, fmt.Sprintf("Client %d disconnected", id))

	case protocol.EventReceiveMessage:
		var msg protocol.ReceiveMessage
		if env.Unmarshal(&msg) != nil || !msg.Protocol.Valid() {
			return s
		}
		s.Events = appendEvent(s.Events, ev.At,
			fmt.Sprintf("Received message from Client %d via %s", msg.From, upper(msg.Protocol)))
		s.Messages = appendMessage(s.Messages, Message{
			Kind: MessageReceived, Peer: msg.From, Content: msg.Message,
			Protocol: msg.Protocol, Timestamp: msg.Timestamp,
		})
		s.Packets = pushPacket(s.Packets, Packet{
			ID: ev.PacketID, Kind: PacketData, Protocol: msg.Protocol,
			From: msg.From, To: s.SelfID, Size: len(msg.Message),
			Content: msg.Message, Timestamp: msg.Timestamp,
		})

	case protocol.EventMessageAck:
		var ack protocol.MessageAck
		if env.Unmarshal(&ack) != nil {
			return s
		}
		s.Events = appendEvent(s.Events, ev.At, fmt.Sprintf("Received ACK from Client %d", ack.TargetID))
		s.Packets = pushPacket(s.Packets, Packet{
			ID: ev.PacketID, Kind: PacketAck, Protocol: protocol.ModeTCP,
			From: ack.TargetID, To: s.SelfID, Size: 0,
			Content: "ACK", Timestamp: ack.Timestamp,
		})

	case protocol.EventPacketTransferred:
		var t protocol.PacketTransferred
		if env.Unmarshal(&t) != nil {
			return s
		}
		s.LastTransfer = &t

	case protocol.EventStatsUpdate:
		var rows []protocol.ClientStats
		if env.Unmarshal(&rows) != nil {
			return s
		}
		s.Stats = rows

	case protocol.EventError:
		var e protocol.Error
		if env.Unmarshal(&e) != nil {
			return s
		}
		s.Events = appendEvent(s.Events, ev.At, "Error: "+e.Message)
		s.Messages = appendMessage(s.Messages, Message{
			Kind: MessageError, Content: e.Message, Timestamp: e.Timestamp,
		})
	}
	return s
}

// pushPacket returns a new log with p in front, dropping the oldest entry
// past MaxPackets.
func pushPacket(log []Packet, p Packet) []Packet {
	n := min(len(log)+1, MaxPackets)
	out := make([]Packet, n)
	out[0] = p
	copy(out[1:], log)
	return out
}

// appendMessage and appendEvent never share a backing array with their input.
func appendMessage(log []Message, m Message) []Message {
	out := make([]Message, len(log), len(log)+1)
	copy(out, log)
	return append(out, m)
}

func appendEvent(log []ConnEvent, at time.Time, text string) []ConnEvent {
	out := make([]ConnEvent, len(log), len(log)+1)
	copy(out, log)
	return append(out, ConnEvent{Text: text, At: at})
}

func clonePeers(m map[int]protocol.PeerInfo) map[int]protocol.PeerInfo {
	if m == nil {
		return make(map[int]protocol.PeerInfo)
	}
	return maps.Clone(m)
}

func upper(m protocol.Mode) string {
	switch m {
	case protocol.ModeTCP:
		return "TCP"
	case protocol.ModeUDP:
		return "UDP"
	}
	return string(m)
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// Listener is notified after every dispatch with the new state and the
// event that produced it.
type Listener func(s State, ev Event)

// Store serializes dispatches and notifies listeners in dispatch order.
type Store struct {
	mu        sync.Mutex
	state     State
	listeners []Listener

	newID func() string
	now   func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

// State returns the current state.
func (st *Store) State() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Subscribe registers fn for future dispatches. Listeners run on the
// dispatching goroutine while the store is locked and must not call
// Dispatch themselves.
func (st *Store) Subscribe(fn Listener) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.listeners = append(st.listeners, fn)
}

// Dispatch stamps ev with a packet id and time where it carries none,
// reduces it and notifies listeners. It returns the new state.
func (st *Store) Dispatch(ev Event) State {
	st.mu.Lock()
	defer st.mu.Unlock()

	ev = st.stamp(ev)
	st.state = Reduce(st.state, ev)
	for _, fn := range st.listeners {
		fn(st.state, ev)
	}
	return st.state
}

func (st *Store) stamp(ev Event) Event {
	switch e := ev.(type) {
	case Inbound:
		if e.PacketID == "" {
			e.PacketID = st.newID()
		}
		if e.At.IsZero() {
			e.At = st.now()
		}
		return e
	case Sent:
		if e.PacketID == "" {
			e.PacketID = st.newID()
		}
		if e.At.IsZero() {
			e.At = st.now()
		}
		return e
	case Connected:
		if e.At.IsZero() {
			e.At = st.now()
		}
		return e
	case Disconnected:
		if e.At.IsZero() {
			e.At = st.now()
		}
		return e
	}
	return ev
}
