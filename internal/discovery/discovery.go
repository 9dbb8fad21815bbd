// Package discovery advertises and finds relay servers on the local network
// over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/grandcat/zeroconf"

	"github.com/1ureka/netviz/internal/util"
)

const (
	// Service is the DNS-SD service type of a relay server.
	Service = "_netviz._tcp"
	// Domain is the mDNS browsing domain.
	Domain = "local."
)

// ErrNotFound is returned by Find when no server answered in time.
var ErrNotFound = errors.New("no netviz server found on the local network")

// Announcement is a running mDNS registration.
type Announcement struct {
	server *zeroconf.Server
}

// Announce registers this host as a relay server listening on port.
func Announce(port int) (*Announcement, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("netviz-%s", host),
		Service,
		Domain,
		port,
		[]string{"path=/ws", "rtc=/rtc"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	util.LogInfo("mDNS service registered: %s on port %d", Service, port)
	return &Announcement{server: server}, nil
}

// Close withdraws the registration.
func (a *Announcement) Close() {
	a.server.Shutdown()
}

// Find browses for relay servers and returns the address ("host:port") of
// the first one found. It gives up when ctx is done.
func Find(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if addr := entryAddr(entry); addr != "" {
				util.LogDebug("mDNS discovered %s at %s", entry.Instance, addr)
				return addr, nil
			}

		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

// entryAddr picks a dialable address from a service entry, preferring IPv4.
func entryAddr(entry *zeroconf.ServiceEntry) string {
	if entry == nil || entry.Port == 0 {
		return ""
	}
	switch {
	case len(entry.AddrIPv4) > 0:
		return net.JoinHostPort(entry.AddrIPv4[0].String(), fmt.Sprint(entry.Port))
	case len(entry.AddrIPv6) > 0:
		return net.JoinHostPort(entry.AddrIPv6[0].String(), fmt.Sprint(entry.Port))
	default:
		return ""
	}
}
