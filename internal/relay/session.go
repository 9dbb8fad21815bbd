package relay

import (
	"fmt"

	"github.com/1ureka/netviz/internal/protocol"
	"github.com/1ureka/netviz/internal/util"
)

// State is the lifecycle stage of a session.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosed // terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is one connection's handle on the coordinator. Handle and Close
// may be called from any goroutine; the fields are only touched on the
// coordinator loop.
type Session struct {
	c     *Coordinator
	conn  Conn
	id    int
	state State
}

// Handle decodes an inbound frame and queues the matching action. Frames
// that cannot be decoded are answered with an error event.
func (s *Session) Handle(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		s.c.post(func() { s.c.reject(s, err) })
		return
	}

	switch env.Event {
	case protocol.EventSendMessage:
		var req protocol.SendMessage
		if err := env.Unmarshal(&req); err != nil {
			s.c.post(func() { s.c.reject(s, err) })
			return
		}
		s.c.post(func() { s.c.send(s, req) })

	case protocol.EventGetStats:
		s.c.post(func() { s.c.statsFor(s) })

	default:
		err := fmt.Errorf("%w: unknown event %q", protocol.ErrMalformed, env.Event)
		s.c.post(func() { s.c.reject(s, err) })
	}
}

// Close ends the session. It is safe to call more than once. The
// connection is closed on the caller's goroutine since a close handshake
// may wait on a stuck peer.
func (s *Session) Close() {
	s.c.post(func() { s.c.deactivate(s) })
	if err := s.conn.Close(); err != nil {
		util.LogDebug("%s: close: %v", s.conn.Origin(), err)
	}
}

func clientNotFound(id int) string {
	return fmt.Sprintf("Client %d not found or disconnected", id)
}
