package integrity

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Seed inserts the declared contents of every lookup table that are not
// stored yet, parents before children, in one transaction. Existing rows
// are left as they are. It returns the number of rows inserted.
func (g *Guard) Seed(ctx context.Context) (int, error) {
	tx, err := g.store.Begin(ctx, types.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for _, name := range g.graph.Tables() {
		def, err := g.graph.Table(name)
		if err != nil {
			return 0, err
		}
		for _, row := range def.Contents {
			err := g.InsertTx(ctx, tx, name, row, WithoutReplace())
			switch {
			case err == nil:
				n++
			case errors.Is(err, types.ErrDuplicateKey):
			default:
				return 0, fmt.Errorf("seeding %s: %w", name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	if n > 0 {
		g.logger.Info("lookup contents seeded", "rows", n)
	}
	return n, nil
}
