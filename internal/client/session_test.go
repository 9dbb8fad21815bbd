package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/netviz/internal/protocol"
)

// pipeConn is an in-memory Conn: the test pushes server frames into in and
// reads what the client emitted from out.
type pipeConn struct {
	in   chan []byte
	out  chan protocol.Envelope
	once sync.Once
	done chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:   make(chan []byte, 16),
		out:  make(chan protocol.Envelope, 16),
		done: make(chan struct{}),
	}
}

func (c *pipeConn) Emit(event string, payload any) error {
	frame := runtimex.PanicOnError1(protocol.Encode(event, payload))
	c.out <- runtimex.PanicOnError1(protocol.Decode(frame))
	return nil
}

func (c *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *pipeConn) push(event string, payload any) {
	c.in <- runtimex.PanicOnError1(protocol.Encode(event, payload))
}

func fastBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

func waitFor(t *testing.T, st *Store, cond func(State) bool) State {
	t.Helper()
	var s State
	require.Eventually(t, func() bool {
		s = st.State()
		return cond(s)
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

func TestSessionRequestsStatsAfterInitialize(t *testing.T) {
	conn := newPipeConn()
	st := NewStore()
	sess := NewSession(st, func(context.Context) (Conn, error) { return conn, nil }, WithBackOff(fastBackOff()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	conn.push(protocol.EventInitialize, protocol.Initialize{YourID: 1, ExistingClients: []protocol.PeerInfo{{ID: 2}}})

	select {
	case env := <-conn.out:
		require.Equal(t, protocol.EventGetStats, env.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("no get-stats after initialize")
	}

	s := waitFor(t, st, func(s State) bool { return s.SelfID == 1 })
	require.True(t, s.Connected)

	require.NoError(t, sess.Send(2, "hi", protocol.ModeTCP))
	env := <-conn.out
	require.Equal(t, protocol.EventSendMessage, env.Event)
	var req protocol.SendMessage
	require.NoError(t, env.Unmarshal(&req))
	require.Equal(t, protocol.SendMessage{TargetID: 2, Message: "hi", Protocol: protocol.ModeTCP}, req)
	require.Len(t, st.State().Packets, 1)

	cancel()
	require.NoError(t, <-done)
	require.False(t, st.State().Connected)
}

func TestSessionSendValidation(t *testing.T) {
	sess := NewSession(NewStore(), nil)
	require.ErrorIs(t, sess.Send(0, "x", protocol.ModeTCP), protocol.ErrMalformed)
	require.ErrorIs(t, sess.Send(1, "", protocol.ModeTCP), protocol.ErrMalformed)
	require.ErrorIs(t, sess.Send(1, "x", protocol.ModeTCP), ErrNotConnected)
	require.ErrorIs(t, sess.RequestStats(), ErrNotConnected)
}

func TestSessionReconnects(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
		conns []*pipeConn
	)
	dial := func(context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return nil, errors.New("connection refused")
		}
		c := newPipeConn()
		conns = append(conns, c)
		return c, nil
	}

	st := NewStore()
	sess := NewSession(st, dial, WithBackOff(fastBackOff()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	waitFor(t, st, func(s State) bool { return s.Connected })

	// The server drops the connection; the session dials again.
	mu.Lock()
	conns[0].Close()
	mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(conns) == 2
	}, 2*time.Second, 5*time.Millisecond)

	s := waitFor(t, st, func(s State) bool { return s.Connected })
	var texts []string
	for _, e := range s.Events {
		texts = append(texts, e.Text)
	}
	require.Equal(t, []string{"Connected to server", "Disconnected from server", "Connected to server"}, texts)
}

func TestSessionIgnoresUndecodableFrames(t *testing.T) {
	conn := newPipeConn()
	st := NewStore()
	sess := NewSession(st, func(context.Context) (Conn, error) { return conn, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	conn.in <- []byte("not json")
	conn.push(protocol.EventClientConnected, protocol.PeerInfo{ID: 5})

	waitFor(t, st, func(s State) bool { return len(s.Peers) == 1 })
}
