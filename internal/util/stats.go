package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Relay counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats holds process-wide relay counters. All fields are safe for
// concurrent use; the relay loop writes and HTTP handlers read.
type Stats struct {
	TotalConns   atomic.Int64 // cumulative connections since process start
	ClosedConns  atomic.Int64 // cumulative closed connections since process start
	Delivered    atomic.Int64 // simulated packets that reached their target
	Lost         atomic.Int64 // simulated packets dropped or sent to a missing target
	BytesRelayed atomic.Int64 // payload bytes of delivered packets
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{}
}

// AddConn counts an opened connection.
func (s *Stats) AddConn() { s.TotalConns.Add(1) }

// RemoveConn counts a closed connection.
func (s *Stats) RemoveConn() { s.ClosedConns.Add(1) }

// AddDelivered counts a delivered packet of n payload bytes.
func (s *Stats) AddDelivered(n int) { s.Delivered.Add(1); s.BytesRelayed.Add(int64(n)) }

// AddLost counts a packet that never arrived.
func (s *Stats) AddLost() { s.Lost.Add(1) }

// Active returns the number of currently open connections.
func (s *Stats) Active() int64 {
	return s.TotalConns.Load() - s.ClosedConns.Load()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Active       int64 `json:"activeClients"`
	TotalConns   int64 `json:"totalConnections"`
	Delivered    int64 `json:"delivered"`
	Lost         int64 `json:"lost"`
	BytesRelayed int64 `json:"bytesRelayed"`
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Active:       s.Active(),
		TotalConns:   s.TotalConns.Load(),
		Delivered:    s.Delivered.Load(),
		Lost:         s.Lost.Load(),
		BytesRelayed: s.BytesRelayed.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartReporter launches a goroutine that logs relay activity every
// interval, skipping quiet periods. It stops when ctx is cancelled.
func (s *Stats) StartReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := s.Snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur, interval))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats describes the change between two snapshots.
func formatStats(prev, cur Snapshot, interval time.Duration) string {
	rate := float64(cur.BytesRelayed-prev.BytesRelayed) / interval.Seconds()
	return fmt.Sprintf("Relay: %s/s | Delivered: %3d | Lost: %3d | Clients: %2d",
		formatBytes(rate),
		cur.Delivered-prev.Delivered,
		cur.Lost-prev.Lost,
		cur.Active,
	)
}
