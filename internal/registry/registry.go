// Package registry tracks the clients currently connected to the relay.
package registry

import (
	"sort"
	"time"

	"github.com/1ureka/netviz/internal/protocol"
)

// Client is one connected client and its running counters.
type Client struct {
	ID               int
	Origin           string
	ConnectedAt      time.Time
	PacketsSent      int
	PacketsReceived  int
	BytesTransferred int
}

// Peer returns the public view of the client.
func (c Client) Peer() protocol.PeerInfo {
	return protocol.PeerInfo{ID: c.ID, IP: c.Origin, ConnectedAt: c.ConnectedAt}
}

// Stats returns the client as a stats-update row.
func (c Client) Stats() protocol.ClientStats {
	return protocol.ClientStats{
		ID:               c.ID,
		IP:               c.Origin,
		ConnectedAt:      c.ConnectedAt,
		PacketsSent:      c.PacketsSent,
		PacketsReceived:  c.PacketsReceived,
		BytesTransferred: c.BytesTransferred,
	}
}

// Registry maps client identifiers to their records. Identifiers start at 1
// and are never reused, even after the client leaves.
//
// A Registry has a single writer and is not safe for concurrent use.
type Registry struct {
	lastID  int
	clients map[int]*Client
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[int]*Client),
		now:     time.Now,
	}
}

// Register records a new client and returns its identifier.
func (r *Registry) Register(origin string) int {
	r.lastID++
	r.clients[r.lastID] = &Client{
		ID:          r.lastID,
		Origin:      origin,
		ConnectedAt: r.now(),
	}
	return r.lastID
}

// Unregister removes a client. Unknown identifiers are ignored.
func (r *Registry) Unregister(id int) {
	delete(r.clients, id)
}

// Get returns a copy of the client record.
func (r *Registry) Get(id int) (Client, bool) {
	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// Exists reports whether id is currently registered.
func (r *Registry) Exists(id int) bool {
	_, ok := r.clients[id]
	return ok
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return len(r.clients)
}

// List returns a snapshot of all clients ordered by identifier.
func (r *Registry) List() []Client {
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordSent counts one outgoing packet of n bytes. No-op for unknown ids.
func (r *Registry) RecordSent(id, n int) {
	if c, ok := r.clients[id]; ok {
		c.PacketsSent++
		c.BytesTransferred += n
	}
}

// RecordReceived counts one incoming packet of n bytes. No-op for unknown ids.
func (r *Registry) RecordReceived(id, n int) {
	if c, ok := r.clients[id]; ok {
		c.PacketsReceived++
		c.BytesTransferred += n
	}
}
