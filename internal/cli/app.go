package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/pipeline/internal/blob"
	"github.com/mesh-intelligence/pipeline/internal/config"
	"github.com/mesh-intelligence/pipeline/internal/experiment"
	"github.com/mesh-intelligence/pipeline/internal/integrity"
	"github.com/mesh-intelligence/pipeline/internal/populate"
	"github.com/mesh-intelligence/pipeline/pkg/keyset"
	"github.com/mesh-intelligence/pipeline/pkg/schema"
	"github.com/mesh-intelligence/pipeline/pkg/store"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// app holds what a command runs against. The store and everything built on
// it are opened on first use.
type app struct {
	flags    *rootFlags
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry

	store  types.Store
	blobs  blob.Store
	graph  *schema.Graph
	guard  *integrity.Guard
	engine *populate.Engine
}

// open connects the configured store and blob store and registers the
// experiment schema and its computations.
func (a *app) open(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg == nil {
		return errors.New("configuration not loaded")
	}
	g, err := experiment.NewGraph()
	if err != nil {
		return err
	}
	blobs, err := blob.Open(ctx, a.cfg.Blob)
	if err != nil {
		return systemError(fmt.Errorf("open blob store: %w", err))
	}
	s, err := store.Open(ctx, a.cfg.Store)
	if err != nil {
		if errors.Is(err, types.ErrBackendEmpty) || errors.Is(err, types.ErrBackendUnknown) || errors.Is(err, types.ErrDSNRequired) {
			return err
		}
		return systemError(fmt.Errorf("open %s store: %w", a.cfg.Store.Backend, err))
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gopts := []integrity.Option{integrity.WithLogger(a.logger)}
	if blobs != nil {
		gopts = append(gopts, integrity.WithBlobStore(blobs))
	}
	guard := integrity.New(s, g, gopts...)
	engine := populate.New(s, g,
		populate.WithLogger(a.logger),
		populate.WithGuard(guard),
		populate.WithLease(a.cfg.Populate.Lease),
		populate.WithRegisterer(a.registry),
	)
	if err := experiment.Register(engine); err != nil {
		s.Close()
		return err
	}

	a.store, a.blobs, a.graph, a.guard, a.engine = s, blobs, g, guard, engine
	a.logger.Debug("store opened", "backend", a.cfg.Store.Backend, "data_dir", a.cfg.Store.DataDir)
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// print writes v as indented JSON in --json mode and calls text otherwise.
func (a *app) print(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if a.flags.jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

// readArg returns arg, or all of stdin when arg is "-".
func readArg(cmd *cobra.Command, arg string) ([]byte, error) {
	if arg != "-" {
		return []byte(arg), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, systemError(fmt.Errorf("reading stdin: %w", err))
	}
	return b, nil
}

// parseRows decodes a JSON object or an array of objects.
func parseRows(data []byte) ([]types.Row, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidRow, err)
		}
		rows := make([]types.Row, 0, len(raw))
		for _, r := range raw {
			row, err := types.DecodeRow(r)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrInvalidRow, err)
			}
			rows = append(rows, row)
		}
		return rows, nil
	}
	row, err := types.DecodeRow(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRow, err)
	}
	return []types.Row{row}, nil
}

// parseRow decodes exactly one JSON object.
func parseRow(data []byte) (types.Row, error) {
	rows, err := parseRows(data)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("%w: expected one object, got %d", types.ErrInvalidRow, len(rows))
	}
	return rows[0], nil
}

// parseValue reads an integer, then a number, then falls back to the
// string itself.
func parseValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// parseWhere turns attr=value terms into a conjunction. A comma-separated
// value matches any of its items.
func parseWhere(terms []string) (keyset.Predicate, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	preds := make([]keyset.Predicate, 0, len(terms))
	for _, t := range terms {
		attr, value, ok := strings.Cut(t, "=")
		if !ok || attr == "" {
			return nil, fmt.Errorf("restriction %q: want attr=value", t)
		}
		if strings.Contains(value, ",") {
			parts := strings.Split(value, ",")
			values := make([]any, len(parts))
			for i, p := range parts {
				values[i] = parseValue(p)
			}
			preds = append(preds, keyset.In(attr, values...))
			continue
		}
		preds = append(preds, keyset.Eq(attr, parseValue(value)))
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return keyset.And(preds...), nil
}

func printRows(w io.Writer, rows []types.Row) {
	for _, r := range rows {
		fmt.Fprintln(w, r.String())
	}
}
