// Package simulator decides what happens to a relayed message: whether it
// arrives, how long it takes, and whether the sender gets an acknowledgment.
//
// Each call is an independent trial. There are no retries and no state kept
// between calls; all randomness comes from an injected [Source].
package simulator

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/1ureka/netviz/internal/protocol"
)

// Delivery contract.
const (
	ReliableMinDelay   = 200 * time.Millisecond
	ReliableMaxDelay   = 500 * time.Millisecond
	UnreliableMinDelay = 50 * time.Millisecond
	UnreliableMaxDelay = 150 * time.Millisecond
	LossProbability    = 0.10
)

// Status is the fate of a single send.
type Status int

const (
	Delivered Status = iota
	Lost
	TargetMissing
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Lost:
		return "lost"
	case TargetMissing:
		return "target-missing"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Outcome is the decision for one send request.
type Outcome struct {
	Status Status
	Delay  time.Duration // zero unless Delivered
	Ack    bool          // only reliable deliveries are acknowledged
}

// Source yields uniform values in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Resolver reports whether a target identifier is currently known.
type Resolver interface {
	Exists(id int) bool
}

// globalSource draws from the goroutine-safe top-level generator.
type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

// Option configures a [Simulator].
type Option func(s *Simulator)

// WithSource replaces the random source.
func WithSource(src Source) Option {
	return func(s *Simulator) {
		s.src = src
	}
}

// WithSeed uses a deterministic PCG source seeded with seed.
func WithSeed(seed uint64) Option {
	return WithSource(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// Simulator implements the delivery rules of both modes.
//
// Construct using [New].
type Simulator struct {
	resolver Resolver
	src      Source
}

// New creates a simulator that resolves targets through resolver.
func New(resolver Resolver, options ...Option) *Simulator {
	s := &Simulator{resolver: resolver, src: globalSource{}}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Simulate decides the outcome of sender sending payload to target. The
// payload does not influence the decision; it is accepted so callers hand
// over the full request.
func (s *Simulator) Simulate(senderID, targetID int, payload string, mode protocol.Mode) (Outcome, error) {
	if !mode.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown mode %q", protocol.ErrMalformed, mode)
	}

	if !s.resolver.Exists(targetID) {
		return Outcome{Status: TargetMissing}, nil
	}

	if mode == protocol.ModeTCP {
		return Outcome{
			Status: Delivered,
			Delay:  s.between(ReliableMinDelay, ReliableMaxDelay),
			Ack:    true,
		}, nil
	}

	if s.src.Float64() < LossProbability {
		return Outcome{Status: Lost}, nil
	}
	return Outcome{
		Status: Delivered,
		Delay:  s.between(UnreliableMinDelay, UnreliableMaxDelay),
	}, nil
}

// between draws a duration uniformly from [lo, hi).
func (s *Simulator) between(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(s.src.Float64()*float64(hi-lo))
}
