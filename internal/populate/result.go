package populate

import (
	"context"

	"github.com/mesh-intelligence/pipeline/pkg/keyset"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// MakeFunc computes the rows of one key. It runs with no storage lock held
// and may block on external I/O.
type MakeFunc func(ctx context.Context, key types.Row) Result

// Computed binds a computed table to the expression that yields its
// eligible keys and to the computation that fills one key.
type Computed struct {
	Table     string
	KeySource keyset.Expr
	Make      MakeFunc
}

// Part is a detail row committed with its primary row.
type Part struct {
	Table string
	Row   types.Row
}

type outcome int

const (
	outcomePopulate outcome = iota + 1
	outcomeSkip
	outcomeFail
)

// Result is what a MakeFunc returns: Populate, Skip or Fail.
type Result struct {
	outcome outcome
	primary types.Row
	parts   []Part
	reason  string
	err     error
}

// Populate commits primary together with parts. A nil primary inserts the
// key alone.
func Populate(primary types.Row, parts ...Part) Result {
	return Result{outcome: outcomePopulate, primary: primary, parts: parts}
}

// Skip excludes the key permanently. It is never offered again until its
// job record is cleared.
func Skip(reason string) Result {
	return Result{outcome: outcomeSkip, reason: reason}
}

// Fail leaves the key pending so a later pass retries it.
func Fail(err error) Result {
	return Result{outcome: outcomeFail, err: err}
}
