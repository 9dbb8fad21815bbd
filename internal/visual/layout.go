// Package visual turns the client's peer set and the relay's transfer
// notifications into a node layout and packet animations. Drawing is left
// to a [Renderer].
package visual

import (
	"math"
	"slices"
)

// radiusFactor is the circle radius relative to the smaller canvas side.
const radiusFactor = 0.35

// Point is a canvas position.
type Point struct {
	X, Y float64
}

// Lerp returns the point a fraction f of the way from p to q.
func (p Point) Lerp(q Point, f float64) Point {
	return Point{X: p.X + (q.X-p.X)*f, Y: p.Y + (q.Y-p.Y)*f}
}

// Layout places every known client on a circle.
type Layout struct {
	Width, Height float64
	Self          int
	IDs           []int // ascending
	Pos           map[int]Point
}

// Has reports whether id has a position.
func (l Layout) Has(id int) bool {
	_, ok := l.Pos[id]
	return ok
}

// ComputeLayout places self and peers, in ascending id order, on a circle
// of radius 0.35*min(width, height) around the canvas center. The i-th id
// of n sits at angle 2πi/n. Non-positive ids are ignored.
func ComputeLayout(peers []int, self int, width, height float64) Layout {
	ids := make([]int, 0, len(peers)+1)
	for _, id := range peers {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	if self > 0 {
		ids = append(ids, self)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	l := Layout{
		Width:  width,
		Height: height,
		Self:   self,
		IDs:    ids,
		Pos:    make(map[int]Point, len(ids)),
	}

	cx, cy := width/2, height/2
	r := math.Min(width, height) * radiusFactor
	n := float64(len(ids))
	for i, id := range ids {
		angle := 2 * math.Pi * float64(i) / n
		l.Pos[id] = Point{X: cx + r*math.Cos(angle), Y: cy + r*math.Sin(angle)}
	}
	return l
}
