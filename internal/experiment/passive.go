package experiment

import (
	"context"

	"github.com/mesh-intelligence/pipeline/internal/populate"
	"github.com/mesh-intelligence/pipeline/pkg/keyset"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// PassiveKeySource selects photostimulation trials with no behavior record.
func PassiveKeySource() keyset.Expr {
	return keyset.Difference(keyset.Table(PhotostimTrial), keyset.Table(BehaviorTrial))
}

// PassivePhotostimTrialComputation marks every trial from PassiveKeySource
// as passive. The row carries nothing beyond the key.
func PassivePhotostimTrialComputation() populate.Computed {
	return populate.Computed{
		Table:     PassivePhotostimTrial,
		KeySource: PassiveKeySource(),
		Make: func(context.Context, types.Row) populate.Result {
			return populate.Populate(nil)
		},
	}
}

// Register installs the computations of every computed table.
func Register(e *populate.Engine) error {
	return e.Register(PassivePhotostimTrialComputation())
}
