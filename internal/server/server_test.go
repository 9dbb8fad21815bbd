package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/netviz/internal/protocol"
	"github.com/1ureka/netviz/internal/registry"
	"github.com/1ureka/netviz/internal/relay"
	"github.com/1ureka/netviz/internal/simulator"
	"github.com/1ureka/netviz/internal/transport"
	"github.com/1ureka/netviz/internal/util"
)

// midSource puts every delay mid-range and never loses a packet.
type midSource struct{}

func (midSource) Float64() float64 { return 0.5 }

type fixture struct {
	srv   *httptest.Server
	stats *util.Stats
}

func newFixture(t *testing.T, options ...Option) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := registry.New()
	stats := util.NewStats()
	coord := relay.New(reg, simulator.New(reg, simulator.WithSource(midSource{})), relay.WithStats(stats))
	go coord.Run(ctx)

	srv := httptest.NewServer(New(ctx, coord, stats, options...).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, stats: stats}
}

func (f *fixture) dial(t *testing.T) *transport.WSConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, err := transport.DialWS(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads frames until one carries event, failing after a timeout.
func next(t *testing.T, conn *transport.WSConn, event string) protocol.Envelope {
	t.Helper()
	found := make(chan protocol.Envelope, 1)
	go func() {
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				return
			}
			env := runtimex.PanicOnError1(protocol.Decode(frame))
			if env.Event == event {
				found <- env
				return
			}
		}
	}()

	select {
	case env := <-found:
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", event)
		return protocol.Envelope{}
	}
}

func emit(t *testing.T, conn *transport.WSConn, event string, payload any) {
	t.Helper()
	require.NoError(t, conn.Emit(event, payload))
}

func TestReliableMessageOverWebSocket(t *testing.T) {
	f := newFixture(t)

	a := f.dial(t)
	var initA protocol.Initialize
	require.NoError(t, next(t, a, protocol.EventInitialize).Unmarshal(&initA))
	require.Equal(t, 1, initA.YourID)
	require.Empty(t, initA.ExistingClients)

	b := f.dial(t)
	var initB protocol.Initialize
	require.NoError(t, next(t, b, protocol.EventInitialize).Unmarshal(&initB))
	require.Equal(t, 2, initB.YourID)
	require.Len(t, initB.ExistingClients, 1)
	require.Equal(t, "127.0.0.1", initB.ExistingClients[0].IP)

	var joined protocol.PeerInfo
	require.NoError(t, next(t, a, protocol.EventClientConnected).Unmarshal(&joined))
	require.Equal(t, 2, joined.ID)

	emit(t, a, protocol.EventSendMessage, protocol.SendMessage{TargetID: 2, Message: "hi", Protocol: protocol.ModeTCP})

	var recv protocol.ReceiveMessage
	require.NoError(t, next(t, b, protocol.EventReceiveMessage).Unmarshal(&recv))
	require.Equal(t, 1, recv.From)
	require.Equal(t, "hi", recv.Message)
	require.Equal(t, protocol.ModeTCP, recv.Protocol)

	var ack protocol.MessageAck
	require.NoError(t, next(t, a, protocol.EventMessageAck).Unmarshal(&ack))
	require.Equal(t, 2, ack.TargetID)

	for _, conn := range []*transport.WSConn{a, b} {
		var tr protocol.PacketTransferred
		require.NoError(t, next(t, conn, protocol.EventPacketTransferred).Unmarshal(&tr))
		require.True(t, tr.Success)
		require.Equal(t, 2, tr.Size)
	}

	emit(t, a, protocol.EventGetStats, nil)
	var rows []protocol.ClientStats
	require.NoError(t, next(t, a, protocol.EventStatsUpdate).Unmarshal(&rows))
	require.Len(t, rows, 2)
	require.Equal(t, 1, rows[0].PacketsSent)
	require.Equal(t, 1, rows[1].PacketsReceived)
}

func TestMalformedFrameGetsError(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t)
	next(t, a, protocol.EventInitialize)

	emit(t, a, protocol.EventSendMessage, protocol.SendMessage{TargetID: 0, Message: "x", Protocol: protocol.ModeTCP})
	var e protocol.Error
	require.NoError(t, next(t, a, protocol.EventError).Unmarshal(&e))
	require.Contains(t, e.Message, "targetId")
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t)
	next(t, a, protocol.EventInitialize)

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 1, body["activeClients"])
}

func TestStaticDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>netviz</h1>"), 0o644))
	f := newFixture(t, WithStaticDir(dir))

	resp, err := http.Get(f.srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListenAndServeShutsDown(t *testing.T) {
	reg := registry.New()
	coord := relay.New(reg, simulator.New(reg))
	ctx, cancel := context.WithCancel(context.Background())

	s := New(ctx, coord, util.NewStats())
	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe(ctx, "127.0.0.1:0", func(a net.Addr) { addrCh <- a.String() })
	}()

	addr := <-addrCh
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	require.Equal(t, "10.1.2.3", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientIP(r))
}
