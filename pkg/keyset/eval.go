package keyset

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/pipeline/pkg/schema"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Beginner opens transactions. types.Store satisfies it.
type Beginner interface {
	Begin(ctx context.Context, opts types.TxOptions) (types.Tx, error)
}

// Evaluate computes e inside one read-only transaction, so every table in
// the tree is read from the same snapshot.
func Evaluate(ctx context.Context, s Beginner, g *schema.Graph, e Expr) (*Set, error) {
	tx, err := s.Begin(ctx, types.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer tx.Rollback()
	return EvalIn(ctx, tx, g, e)
}

// EvalIn computes e inside a snapshot the caller already holds.
func EvalIn(ctx context.Context, r types.Reader, g *schema.Graph, e Expr) (*Set, error) {
	if _, err := e.Heading(g); err != nil {
		return nil, err
	}
	set, err := e.Eval(ctx, g, r)
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", e, err)
	}
	return set, nil
}
