// Netviz CLI entry point.
//
// The server role relays messages between connected clients and fakes tcp
// (delayed, acknowledged) and udp (faster, lossy) delivery. The client role
// connects to a server over WebSocket or WebRTC, draws every transfer on a
// terminal network diagram and sends messages of its own.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags and environment variables (PORT, NETVIZ_ROLE, NETVIZ_STATIC,
// NETVIZ_DEMO, NETVIZ_SAMPLES, REDIS_ADDR, NETVIZ_MDNS, NETVIZ_STUN).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/netviz/internal/app"
	"github.com/1ureka/netviz/internal/config"
	"github.com/1ureka/netviz/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.FromEnv(os.Getenv)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// CLI flags, defaulting to the environment.
	role := flag.String("role", "", "Role: server or client")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Server listening port, 1~65535")
	flag.BoolVar(&cfg.LocalOnly, "local", cfg.LocalOnly, "Listen on 127.0.0.1 only (server)")
	flag.StringVar(&cfg.StaticDir, "static", cfg.StaticDir, "Directory served at / (server)")
	flag.BoolVar(&cfg.DemoTraffic, "demo", cfg.DemoTraffic, "Broadcast sample transfers when clients connect (server)")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the transfer tap (server)")
	flag.StringVar(&cfg.RedisChannel, "redisChannel", cfg.RedisChannel, "Redis channel for the transfer tap (server)")
	flag.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "Announce the server over mDNS (server)")
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Server URL, e.g. localhost:3001 (client)")
	transport := flag.String("transport", string(cfg.Transport), "Transport: ws or webrtc (client)")
	flag.BoolVar(&cfg.Discover, "discover", cfg.Discover, "Find the server over mDNS when -server is empty (client)")
	flag.StringVar(&cfg.PcapPath, "pcap", cfg.PcapPath, "Write the packet log to this pcap file on exit (client)")
	flag.IntVar(&cfg.Target, "to", cfg.Target, "Target client id for -message (client)")
	flag.StringVar(&cfg.Protocol, "protocol", cfg.Protocol, "Protocol for -message: tcp or udp (client)")
	flag.StringVar(&cfg.Message, "message", cfg.Message, "Message to send once connected (client)")
	flag.BoolVar(&cfg.Interactive, "interactive", cfg.Interactive, "Prompt for messages instead of the live diagram (client)")
	flag.BoolVar(&cfg.Samples, "samples", cfg.Samples, "Play sample animations whenever the diagram changes (client)")
	stun := flag.String("stun", strings.Join(cfg.ICEServers, ","), "Comma separated STUN/TURN URLs")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg.Transport = config.TransportKind(*transport)
	cfg.ICEServers = config.SplitList(*stun)

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Netviz — v%s", version))
	pterm.Println()

	switch {
	case *role != "":
		cfg.Role = config.Role(*role)
	case os.Getenv("NETVIZ_ROLE") == "":
		// No -role flag → interactive mode.
		cfg = askConfig(cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	switch cfg.Role {
	case config.RoleServer:
		err = app.RunServer(ctx, cfg)
	case config.RoleClient:
		err = app.RunClient(ctx, cfg)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("successfully shut down")
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askConfig fills the role-specific fields through interactive prompts.
func askConfig(cfg config.Config) config.Config {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server — Relay messages between clients", "Client — Connect to a relay"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Server") {
		cfg.Role = config.RoleServer
		cfg.Port = askPort("Listening port (1 ~ 65535)", cfg.Port)
		return cfg
	}

	cfg.Role = config.RoleClient
	cfg.Interactive = true
	cfg.ServerURL = askURL()
	cfg.Discover = cfg.ServerURL == ""

	transport, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{string(config.TransportWS), string(config.TransportWebRTC)}).
		WithDefaultText("Transport").
		Show()
	pterm.Println()
	cfg.Transport = config.TransportKind(transport)
	return cfg
}

// askPort prompts the user for a port number until a valid one is entered.
// An empty answer keeps def.
func askPort(prompt string, def int) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("%s [%d]", prompt, def)).
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return def
		}

		port, err := strconv.Atoi(raw)
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askURL prompts the user for a server address until a valid one is
// entered. An empty answer means mDNS discovery.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Server URL (e.g. localhost:3001, empty to search the LAN)").
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return ""
		}
		if _, err := config.Endpoint(raw, "/ws"); err == nil {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
