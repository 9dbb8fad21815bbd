package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/netviz/internal/client"
	"github.com/1ureka/netviz/internal/config"
	"github.com/1ureka/netviz/internal/discovery"
	"github.com/1ureka/netviz/internal/protocol"
	"github.com/1ureka/netviz/internal/signaling"
	"github.com/1ureka/netviz/internal/transport"
	"github.com/1ureka/netviz/internal/util"
	"github.com/1ureka/netviz/internal/visual"
)

// Terminal canvas size and footer length of the live view.
const (
	canvasCols   = 60
	canvasRows   = 20
	footerEvents = 6

	discoverTimeout = 10 * time.Second
)

// RunClient orchestrates the terminal client lifecycle:
//  1. Resolve the server (flag or mDNS)
//  2. Keep a session to it, reconnecting with backoff
//  3. Feed every event into the store, the driver and the log
//  4. Send the flag message, prompt for sends, or just watch
//  5. Write the packet log as pcap on exit, if requested
func RunClient(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	base := cfg.ServerURL
	if base == "" {
		util.LogInfo("looking for a netviz server on the local network...")
		findCtx, stop := context.WithTimeout(ctx, discoverTimeout)
		addr, err := discovery.Find(findCtx)
		stop()
		if err != nil {
			return err
		}
		util.LogSuccess("found server at %s", addr)
		base = addr
	}

	dial, err := dialer(cfg, base)
	if err != nil {
		return err
	}

	store := client.NewStore()
	term := visual.NewTerm(canvasCols, canvasRows, !cfg.Interactive)
	width, height := term.Size()
	driver := visual.NewDriver(term, width, height, visual.WithSamples(cfg.Samples))
	defer driver.Stop()

	store.Subscribe(driver.Observe)
	if cfg.Interactive {
		store.Subscribe(logEvents())
	} else {
		store.Subscribe(func(s client.State, _ client.Event) {
			term.SetFooter(footer(s, footerEvents))
		})
	}

	ready := make(chan struct{})
	var readyOnce sync.Once
	store.Subscribe(func(s client.State, _ client.Event) {
		if s.SelfID > 0 && s.Connected {
			readyOnce.Do(func() { close(ready) })
		}
	})

	sess := client.NewSession(store, dial)
	sessDone := make(chan error, 1)
	go func() { sessDone <- sess.Run(ctx) }()

	if cfg.Message != "" {
		go func() {
			select {
			case <-ready:
				if err := sess.Send(cfg.Target, cfg.Message, protocol.Mode(cfg.Protocol)); err != nil {
					util.LogError("failed to send: %v", err)
				}
			case <-ctx.Done():
			}
		}()
	}

	var runErr error
	if cfg.Interactive {
		select {
		case <-ready:
			prompt(ctx, store, sess)
			cancel()
		case <-ctx.Done():
		}
	} else {
		runErr = term.Run(ctx)
	}

	<-ctx.Done()
	runErr = errors.Join(runErr, <-sessDone)

	if cfg.PcapPath != "" {
		runErr = errors.Join(runErr, savePcap(cfg.PcapPath, store.State().Packets))
	}
	return runErr
}

// dialer picks the transport for the session.
func dialer(cfg config.Config, base string) (client.Dialer, error) {
	switch cfg.Transport {
	case config.TransportWebRTC:
		url, err := config.Endpoint(base, "/rtc")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (client.Conn, error) {
			tr, err := signaling.Offer(ctx, url, cfg.ICEServers)
			if err != nil {
				return nil, err
			}
			return tr, nil
		}, nil

	default:
		url, err := config.Endpoint(base, "/ws")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (client.Conn, error) {
			conn, err := transport.DialWS(ctx, url)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}, nil
	}
}

// logEvents prints new connection events and messages as they arrive.
func logEvents() client.Listener {
	var seenEvents, seenMessages int
	return func(s client.State, _ client.Event) {
		for _, e := range s.Events[min(seenEvents, len(s.Events)):] {
			util.LogInfo("%s", e.Text)
		}
		seenEvents = len(s.Events)

		for _, m := range s.Messages[min(seenMessages, len(s.Messages)):] {
			switch m.Kind {
			case client.MessageReceived:
				pterm.Println(pterm.FgGreen.Sprintf("← Client %d (%s): %s", m.Peer, strings.ToUpper(string(m.Protocol)), m.Content))
			case client.MessageError:
				pterm.Println(pterm.FgRed.Sprintf("✗ %s", m.Content))
			}
		}
		seenMessages = len(s.Messages)
	}
}

// footer returns the last n connection events, oldest first.
func footer(s client.State, n int) []string {
	status := "disconnected"
	if s.Connected {
		status = fmt.Sprintf("connected as client %d", s.SelfID)
	}
	lines := []string{"", status}

	events := s.Events[max(0, len(s.Events)-n):]
	for _, e := range events {
		lines = append(lines, e.At.Format("15:04:05")+" "+e.Text)
	}
	return lines
}

// prompt runs the interactive menu until the user quits or ctx ends.
func prompt(ctx context.Context, store *client.Store, sess *client.Session) {
	const (
		optSend    = "Send a message"
		optStats   = "Show statistics"
		optPackets = "Inspect a packet"
		optQuit    = "Quit"
	)

	for ctx.Err() == nil {
		choice, _ := pterm.DefaultInteractiveSelect.
			WithOptions([]string{optSend, optStats, optPackets, optQuit}).
			WithDefaultText("What next").
			Show()
		pterm.Println()

		switch choice {
		case optSend:
			promptSend(store, sess)
		case optStats:
			if err := sess.RequestStats(); err != nil {
				util.LogWarning("%v", err)
				continue
			}
			time.Sleep(200 * time.Millisecond)
			printStats(store.State().Stats)
		case optPackets:
			promptPacket(store)
		case optQuit:
			return
		}
	}
}

func promptSend(store *client.Store, sess *client.Session) {
	s := store.State()
	ids := s.PeerIDs()
	if len(ids) == 0 {
		util.LogWarning("no other clients connected")
		return
	}

	options := make([]string, len(ids))
	for i, id := range ids {
		options[i] = fmt.Sprintf("Client %d (%s)", id, s.Peers[id].IP)
	}
	target, _ := pterm.DefaultInteractiveSelect.WithOptions(options).WithDefaultText("Target").Show()
	mode, _ := pterm.DefaultInteractiveSelect.WithOptions([]string{"tcp", "udp"}).WithDefaultText("Protocol").Show()
	message, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Message").Show()
	pterm.Println()

	var id int
	fmt.Sscanf(target, "Client %d", &id)
	if strings.TrimSpace(message) == "" {
		util.LogWarning("please enter a message")
		return
	}
	if err := sess.Send(id, message, protocol.Mode(mode)); err != nil {
		util.LogError("failed to send: %v", err)
		return
	}
	pterm.Println(pterm.FgCyan.Sprintf("→ Client %d (%s): %s", id, strings.ToUpper(mode), message))
}

func printStats(rows []protocol.ClientStats) {
	data := pterm.TableData{{"Client", "IP", "Connected", "Sent", "Received", "Bytes"}}
	for _, r := range rows {
		data = append(data, []string{
			strconv.Itoa(r.ID),
			r.IP,
			r.ConnectedAt.Local().Format("15:04:05"),
			strconv.Itoa(r.PacketsSent),
			strconv.Itoa(r.PacketsReceived),
			strconv.Itoa(r.BytesTransferred),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	pterm.Println()
}

func promptPacket(store *client.Store) {
	s := store.State()
	if len(s.Packets) == 0 {
		util.LogWarning("packet log is empty")
		return
	}

	options := make([]string, len(s.Packets))
	byOption := make(map[string]string, len(s.Packets))
	for i, p := range s.Packets {
		options[i] = fmt.Sprintf("%s %s %d→%d %dB [%s]",
			p.Timestamp.Local().Format("15:04:05"), strings.ToUpper(string(p.Protocol)), p.From, p.To, p.Size, shortID(p.ID))
		byOption[options[i]] = p.ID
	}
	choice, _ := pterm.DefaultInteractiveSelect.WithOptions(options).WithDefaultText("Packet").Show()
	pterm.Println()

	s = store.Dispatch(client.SelectPacket{ID: byOption[choice]})
	p, ok := s.SelectedPacket()
	if !ok {
		return
	}
	util.Banner("Packet "+p.ID, client.PacketDetails(p).Lines())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func savePcap(path string, packets []client.Packet) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create pcap file: %w", err)
	}
	if err := client.WritePcap(f, packets); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	util.LogSuccess("wrote %d packets to %s", len(packets), path)
	return nil
}
