package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/1ureka/netviz/internal/protocol"
	"github.com/1ureka/netviz/internal/util"
)

// ErrNotConnected is returned by Send while no connection is up.
var ErrNotConnected = errors.New("not connected to server")

// errConnClosed ends one connection attempt so the retry loop redials.
var errConnClosed = errors.New("connection closed by server")

// Conn is a client-side event connection, WebSocket or DataChannel.
type Conn interface {
	Emit(event string, payload any) error
	ReadFrame() ([]byte, error)
	Close() error
}

// Dialer opens a new connection to the relay.
type Dialer func(ctx context.Context) (Conn, error)

// SessionOption configures a [Session].
type SessionOption func(s *Session)

// WithBackOff replaces the reconnect policy. The policy is reset after
// every successful connect.
func WithBackOff(b *backoff.ExponentialBackOff) SessionOption {
	return func(s *Session) { s.policy = b }
}

// Session keeps a connection to the relay, feeding its events into a
// Store and redialing with exponential backoff when it drops.
type Session struct {
	store  *Store
	dial   Dialer
	policy *backoff.ExponentialBackOff

	mu   sync.Mutex
	conn Conn
}

// NewSession creates a session that dispatches into store.
func NewSession(store *Store, dial Dialer, options ...SessionOption) *Session {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0 // retry until cancelled

	s := &Session{store: store, dial: dial, policy: policy}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Run connects and reconnects until ctx is cancelled. It returns nil on
// cancellation.
func (s *Session) Run(ctx context.Context) error {
	b := backoff.WithContext(s.policy, ctx)

	operation := func() error {
		conn, err := s.dial(ctx)
		if err != nil {
			return err
		}
		s.policy.Reset()
		err = s.serve(ctx, conn)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		util.LogWarning("connection failed: %v (retrying in %s)", err, wait.Round(time.Millisecond))
	}

	err := backoff.RetryNotify(operation, b, notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// serve pumps conn until it fails.
func (s *Session) serve(ctx context.Context, conn Conn) error {
	s.setConn(conn)
	s.store.Dispatch(Connected{})
	defer func() {
		s.setConn(nil)
		conn.Close()
		s.store.Dispatch(Disconnected{})
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			util.LogDebug("read failed: %v", err)
			return errConnClosed
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			util.LogDebug("dropping undecodable frame: %v", err)
			continue
		}
		s.store.Dispatch(Inbound{Envelope: env})

		if env.Event == protocol.EventInitialize {
			if err := s.RequestStats(); err != nil {
				util.LogDebug("failed to request stats: %v", err)
			}
		}
	}
}

func (s *Session) setConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) current() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Send asks the relay to deliver message to target and records it locally.
func (s *Session) Send(target int, message string, mode protocol.Mode) error {
	req := protocol.SendMessage{TargetID: target, Message: message, Protocol: mode}
	if err := req.Validate(); err != nil {
		return err
	}

	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Emit(protocol.EventSendMessage, req); err != nil {
		return err
	}

	s.store.Dispatch(Sent{Target: target, Message: message, Protocol: mode})
	return nil
}

// RequestStats asks the relay for a stats-update.
func (s *Session) RequestStats() error {
	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Emit(protocol.EventGetStats, nil)
}
