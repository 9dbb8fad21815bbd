package visual

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

// Terminal rendering constants.
const (
	frameInterval = 50 * time.Millisecond
	failLinger    = 800 * time.Millisecond // failure marker lifetime
	markerGlyph   = "●"
	failGlyph     = "×"
)

type marker struct {
	a     Animation
	start time.Time
}

// Term renders on a character grid. In live mode it redraws a pterm area
// every frame; otherwise it prints one line per layout change and per
// animation, which keeps the terminal usable for prompts.
type Term struct {
	cols, rows int
	live       bool
	now        func() time.Time

	mu      sync.Mutex
	layout  Layout
	markers []marker
	footer  []string

	handshakeOn bool
	handshake   int // lit steps
}

var _ Renderer = (*Term)(nil)

// NewTerm creates a renderer for a cols x rows grid.
func NewTerm(cols, rows int, live bool) *Term {
	return &Term{cols: cols, rows: rows, live: live, now: time.Now}
}

// Size returns the canvas dimensions to hand to [NewDriver].
func (t *Term) Size() (width, height float64) {
	return float64(t.cols), float64(t.rows)
}

// Run drives the live display until ctx is cancelled. It returns at once
// when the renderer is not live.
func (t *Term) Run(ctx context.Context) error {
	if !t.live {
		return nil
	}

	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return fmt.Errorf("failed to start live area: %w", err)
	}
	defer area.Stop()

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			area.Update(t.frame(t.now()))
		case <-ctx.Done():
			return nil
		}
	}
}

// Draw implements Renderer.
func (t *Term) Draw(l Layout) {
	t.mu.Lock()
	t.layout = l
	t.mu.Unlock()

	if !t.live {
		labels := make([]string, len(l.IDs))
		for i, id := range l.IDs {
			labels[i] = nodeLabel(id, l.Self)
		}
		pterm.Println(pterm.FgGray.Sprint("nodes: ") + strings.Join(labels, " "))
	}
}

// Animate implements Renderer.
func (t *Term) Animate(a Animation) {
	if !t.live {
		pterm.Println(describe(a))
		return
	}

	t.mu.Lock()
	t.markers = append(t.markers, marker{a: a, start: t.now()})
	t.mu.Unlock()
}

// Handshake implements Renderer. The panel only exists in live mode; the
// line-per-event output would repeat it forever.
func (t *Term) Handshake(lit int) {
	if !t.live {
		return
	}
	t.mu.Lock()
	t.handshakeOn = true
	t.handshake = lit
	t.mu.Unlock()
}

// SetFooter sets the text lines shown under the grid in live mode.
func (t *Term) SetFooter(lines []string) {
	t.mu.Lock()
	t.footer = append([]string(nil), lines...)
	t.mu.Unlock()
}

// frame renders the grid at now and drops finished markers.
func (t *Term) frame(now time.Time) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	grid := make([][]string, t.rows)
	for y := range grid {
		grid[y] = make([]string, t.cols)
		for x := range grid[y] {
			grid[y][x] = " "
		}
	}

	put := func(p Point, s string) {
		x, y := int(math.Round(p.X)), int(math.Round(p.Y))
		if y >= 0 && y < t.rows && x >= 0 && x < t.cols {
			grid[y][x] = s
		}
	}

	for _, id := range t.layout.IDs {
		label := []rune(fmt.Sprint(id))
		p := t.layout.Pos[id]
		for i, r := range label {
			cell := string(r)
			if id == t.layout.Self {
				cell = pterm.FgCyan.Sprint(cell)
			}
			put(Point{X: p.X + float64(i), Y: p.Y}, cell)
		}
	}

	kept := t.markers[:0]
	for _, m := range t.markers {
		elapsed := now.Sub(m.start)
		switch {
		case elapsed < m.a.Duration:
			f := float64(elapsed) / float64(m.a.Duration)
			put(m.a.Start.Lerp(m.a.End, f), paint(m.a.Color, markerGlyph))
			kept = append(kept, m)
		case m.a.Failed && elapsed < m.a.Duration+failLinger:
			put(m.a.End, paint(ColorFail, failGlyph))
			kept = append(kept, m)
		}
	}
	t.markers = kept

	lines := make([]string, t.rows, t.rows+len(t.footer)+1)
	for y, row := range grid {
		lines[y] = strings.Join(row, "")
	}
	if t.handshakeOn {
		lines = append(lines, handshakeLine(t.handshake))
	}
	lines = append(lines, t.footer...)
	return strings.Join(lines, "\n")
}

// describe is the single-line form of an animation.
func describe(a Animation) string {
	kind := strings.ToUpper(string(a.Protocol))
	if a.Ack {
		kind = "ACK"
	}
	line := fmt.Sprintf("%s %d → %d %s %dB", markerGlyph, a.From, a.To, kind, a.Size)
	if a.Failed {
		line += " " + failGlyph + " " + a.Reason
	}
	if a.Local {
		line += " (sending)"
	}
	return paint(a.Color, line)
}

// handshakeLine renders the panel with the first lit steps highlighted.
func handshakeLine(lit int) string {
	parts := make([]string, len(HandshakeSteps))
	for i, step := range HandshakeSteps {
		arrow := "←"
		if step.Right {
			arrow = "→"
		}
		text := step.Name + " " + arrow
		if i < lit {
			parts[i] = paint(ColorTCP, text)
		} else {
			parts[i] = pterm.FgGray.Sprint(text)
		}
	}
	return "handshake: " + strings.Join(parts, "  ")
}

func nodeLabel(id, self int) string {
	if id == self {
		return pterm.FgCyan.Sprintf("[%d]", id)
	}
	return fmt.Sprintf("[%d]", id)
}

// paint colors s with a "#rrggbb" color.
func paint(hex, s string) string {
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return s
	}
	return pterm.NewRGB(r, g, b).Sprint(s)
}
