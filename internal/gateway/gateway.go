// Package gateway defines the payment-gateway interface the screen-side
// 2PC coordinator consumes (spec §4.8). The gateway itself — the thing
// that actually talks to a payment processor and simulates probabilistic
// capture failure — is explicitly out of scope per spec §1; this package
// only carries the interface boundary plus a simulated implementation
// good enough to drive the CLI and the scenario tests end to end.
package gateway

import (
	"math/rand"
	"sync"

	"github.com/icecream-fleet/coordinator/internal/wire"
)

// Gateway is the interface the 2PC coordinator is written against.
// Capture is attempted once per order before it is ever sent to the robot
// leader (spec §4.8 phase 1); Confirm settles a previously captured
// payment, Void releases it.
type Gateway interface {
	Capture(order wire.OrderID) error
	Confirm(order wire.OrderID) error
	Void(order wire.OrderID) error
}

// Simulated is a Gateway that captures with a configurable failure
// probability and otherwise just tracks state, standing in for the
// out-of-scope real gateway process.
type Simulated struct {
	failureProbability float64
	rng                *rand.Rand

	mu       sync.Mutex
	captured map[wire.OrderID]bool
}

// NewSimulated builds a Gateway with the PAYMENT_FAILURE_PROBABILITY named
// in spec §6 Configuration.
func NewSimulated(failureProbability float64, seed int64) *Simulated {
	return &Simulated{
		failureProbability: failureProbability,
		rng:                rand.New(rand.NewSource(seed)),
		captured:           map[wire.OrderID]bool{},
	}
}

func (g *Simulated) Capture(order wire.OrderID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rng.Float64() < g.failureProbability {
		return &wire.PaymentCaptureFailedError{OrderID: order}
	}
	g.captured[order] = true
	return nil
}

func (g *Simulated) Confirm(order wire.OrderID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.captured, order)
	return nil
}

func (g *Simulated) Void(order wire.OrderID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.captured, order)
	return nil
}
