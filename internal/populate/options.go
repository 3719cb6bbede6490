package populate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mesh-intelligence/pipeline/internal/integrity"
	"github.com/mesh-intelligence/pipeline/pkg/keyset"
)

// DefaultLease is how long a reservation holds before another worker may
// take the key over.
const DefaultLease = 5 * time.Minute

// Order is the order pending keys are attempted in.
type Order int

// Orders.
const (
	OrderRandom Order = iota
	OrderSorted
	OrderReverse
)

func (o Order) String() string {
	switch o {
	case OrderSorted:
		return "sorted"
	case OrderReverse:
		return "reverse"
	default:
		return "random"
	}
}

// ParseOrder maps "random", "sorted" and "reverse" to an Order.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "random":
		return OrderRandom, nil
	case "sorted":
		return OrderSorted, nil
	case "reverse":
		return OrderReverse, nil
	}
	return OrderRandom, fmt.Errorf("unknown populate order %q", s)
}

// Options tunes one populate pass.
type Options struct {
	// Restriction limits the pass to pending keys it matches.
	Restriction keyset.Predicate
	// Limit caps how many pending keys are considered, after ordering.
	Limit int
	// MaxCalls caps how many times Make is invoked.
	MaxCalls int
	Order    Order
	// StopOnError ends the pass at the first computation failure and
	// returns it. By default failures are recorded and the pass goes on.
	StopOnError bool
	// Holder overrides the engine's worker identity for this pass.
	Holder string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLease sets the reservation lease.
func WithLease(d time.Duration) Option {
	return func(e *Engine) { e.lease = d }
}

// WithHolder sets the worker identity used for reservations.
func WithHolder(h string) Option {
	return func(e *Engine) { e.holder = h }
}

// WithGuard commits through g instead of a guard built over the engine's
// store and graph.
func WithGuard(g *integrity.Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithRegisterer registers the engine's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithClock sets the time source for job records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}
