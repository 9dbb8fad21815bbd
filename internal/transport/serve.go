package transport

import (
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"

	"github.com/1ureka/netviz/internal/relay"
)

// Conn is a relay connection that can also be read from.
type Conn interface {
	relay.Conn
	ReadFrame() ([]byte, error)
}

var (
	_ Conn = (*WSConn)(nil)
	_ Conn = (*Transport)(nil)
)

// Serve attaches conn to the coordinator and pumps its frames until the
// connection ends. A normal closure returns nil.
func Serve(coord *relay.Coordinator, conn Conn) error {
	s := coord.Connect(conn)
	defer s.Close()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if IsClosure(err) {
				return nil
			}
			return err
		}
		s.Handle(frame)
	}
}

// IsClosure reports whether err only says the connection went away.
func IsClosure(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived)
}
