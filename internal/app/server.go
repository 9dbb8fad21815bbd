// Package app contains the top-level orchestration for the server and
// client roles.
package app

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/netviz/internal/config"
	"github.com/1ureka/netviz/internal/discovery"
	"github.com/1ureka/netviz/internal/registry"
	"github.com/1ureka/netviz/internal/relay"
	"github.com/1ureka/netviz/internal/server"
	"github.com/1ureka/netviz/internal/simulator"
	"github.com/1ureka/netviz/internal/tap"
	"github.com/1ureka/netviz/internal/util"
)

// statsInterval is how often relay activity is logged.
const statsInterval = 10 * time.Second

// RunServer orchestrates the relay server lifecycle:
//  1. Build registry, simulator and coordinator
//  2. Attach the optional Redis tap
//  3. Serve HTTP until ctx is cancelled
//  4. Announce over mDNS once listening, if enabled
func RunServer(ctx context.Context, cfg config.Config) error {
	stats := util.NewStats()
	reg := registry.New()
	sim := simulator.New(reg)

	options := []relay.Option{
		relay.WithStats(stats),
		relay.WithDemoTraffic(cfg.DemoTraffic),
	}

	if cfg.RedisAddr != "" {
		rdb, err := tap.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			// The tap is optional; the relay works without it.
			util.LogWarning("%v, transfer tap disabled", err)
		} else {
			defer rdb.Close()
			t := tap.NewRedis(rdb, cfg.RedisChannel)
			defer t.Close()
			options = append(options, relay.WithTap(t))
			util.LogInfo("publishing transfers to Redis channel %q", cfg.RedisChannel)
		}
	}

	coord := relay.New(reg, sim, options...)
	go coord.Run(ctx)

	srv := server.New(ctx, coord, stats,
		server.WithStaticDir(cfg.StaticDir),
		server.WithICEServers(cfg.ICEServers),
	)

	host := ""
	if cfg.LocalOnly {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, fmt.Sprint(cfg.Port))

	var announcement *discovery.Announcement
	defer func() {
		if announcement != nil {
			announcement.Close()
		}
	}()

	ready := func(a net.Addr) {
		port := a.(*net.TCPAddr).Port
		printServerBanner(cfg, port)
		stats.StartReporter(ctx, statsInterval)

		if cfg.MDNS {
			an, err := discovery.Announce(port)
			if err != nil {
				util.LogWarning("%v", err)
				return
			}
			announcement = an
		}
	}

	return srv.ListenAndServe(ctx, addr, ready)
}

func printServerBanner(cfg config.Config, port int) {
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}

	rows := [][2]string{
		{"WebSocket", fmt.Sprintf("ws://localhost:%d/ws", port)},
		{"WebRTC", fmt.Sprintf("ws://localhost:%d/rtc", port)},
		{"Health", fmt.Sprintf("http://localhost:%d/healthz", port)},
		{"Demo traffic", onOff(cfg.DemoTraffic)},
		{"mDNS", onOff(cfg.MDNS)},
	}
	if cfg.StaticDir != "" {
		rows = append(rows, [2]string{"Static", cfg.StaticDir})
	}
	if cfg.RedisAddr != "" {
		rows = append(rows, [2]string{"Redis", cfg.RedisAddr})
	}

	util.Banner("netviz relay", rows)
	util.LogSuccess("relay listening on port %d, waiting for clients...", port)
}
