// Package populate fills computed tables. A pass evaluates the table's key
// source and the keys already present under one snapshot, then for every
// pending key reserves it, runs the computation with no transaction open,
// and commits the primary row with its parts atomically through the
// integrity guard.
package populate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mesh-intelligence/pipeline/internal/integrity"
	"github.com/mesh-intelligence/pipeline/pkg/keyset"
	"github.com/mesh-intelligence/pipeline/pkg/schema"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Engine runs populate passes against one store. Several engines, in one
// process or many, may run against the same store at once.
type Engine struct {
	store      types.Store
	graph      *schema.Graph
	guard      *integrity.Guard
	logger     *slog.Logger
	registerer prometheus.Registerer
	metrics    *metrics
	holder     string
	lease      time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	computed map[string]Computed
}

// New returns an engine with a fresh UUIDv7 worker identity.
func New(store types.Store, graph *schema.Graph, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		graph:    graph,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		holder:   NewHolder(),
		lease:    DefaultLease,
		now:      time.Now,
		computed: make(map[string]Computed),
	}
	for _, o := range opts {
		o(e)
	}
	if e.guard == nil {
		e.guard = integrity.New(store, graph, integrity.WithLogger(e.logger))
	}
	e.metrics = newMetrics(e.registerer)
	return e
}

// NewHolder returns a fresh worker identity.
func NewHolder() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Holder returns the engine's worker identity.
func (e *Engine) Holder() string { return e.holder }

// Register binds a computation to a computed table. The key source heading
// must be the table's primary key.
func (e *Engine) Register(c Computed) error {
	def, err := e.graph.Table(c.Table)
	if err != nil {
		return err
	}
	if def.Kind != types.KindComputed {
		return fmt.Errorf("%w: %s is %s", types.ErrNotComputed, c.Table, def.Kind)
	}
	if c.KeySource == nil || c.Make == nil {
		return fmt.Errorf("%s: key source and make function are required", c.Table)
	}
	heading, err := c.KeySource.Heading(e.graph)
	if err != nil {
		return fmt.Errorf("%s key source: %w", c.Table, err)
	}
	if !sameSet(heading, def.KeyNames()) {
		return fmt.Errorf("%w: %s key source yields %v, primary key is %v", types.ErrHeadingMismatch, c.Table, heading, def.KeyNames())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.computed[c.Table]; ok {
		return fmt.Errorf("%w: %s", types.ErrAlreadyRegistered, c.Table)
	}
	e.computed[c.Table] = c
	return nil
}

// Tables returns the registered computed tables in topological order.
func (e *Engine) Tables() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for _, t := range e.graph.Tables() {
		if _, ok := e.computed[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) lookup(table string) (Computed, types.TableDef, error) {
	e.mu.RLock()
	c, ok := e.computed[table]
	e.mu.RUnlock()
	if !ok {
		return Computed{}, types.TableDef{}, fmt.Errorf("%w: %s", types.ErrNoComputation, table)
	}
	def, err := e.graph.Table(table)
	return c, def, err
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, x := range a {
		if !slices.Contains(b, x) {
			return false
		}
	}
	return true
}

// snapshot is the state one pass works from.
type snapshot struct {
	eligible int
	pending  []types.Row
}

// scan evaluates eligible, populated and excluded keys of c under one
// read-only transaction and returns the pending keys in sorted order.
func (e *Engine) scan(ctx context.Context, c Computed, def types.TableDef, restriction keyset.Predicate) (snapshot, error) {
	keyNames := def.KeyNames()
	tx, err := e.store.Begin(ctx, types.TxOptions{ReadOnly: true})
	if err != nil {
		return snapshot{}, err
	}
	defer tx.Rollback()

	eligible, err := keyset.EvalIn(ctx, tx, e.graph, c.KeySource)
	if err != nil {
		return snapshot{}, err
	}
	populated, err := tx.Scan(ctx, def.Name, "")
	if err != nil {
		return snapshot{}, err
	}
	jobs, err := tx.Scan(ctx, types.JobsTable, jobPrefix(def.Name))
	if err != nil {
		return snapshot{}, err
	}

	done := make(map[string]bool, len(populated)+len(jobs))
	for _, rec := range populated {
		done[rec.Key] = true
	}
	for _, rec := range jobs {
		if rec.Row["status"] == string(JobIgnore) {
			if k, ok := rec.Row["key"].(string); ok {
				done[k] = true
			}
		}
	}

	snap := snapshot{eligible: eligible.Len()}
	for _, row := range eligible.Rows() {
		enc, err := types.EncodeKey(keyNames, row)
		if err != nil {
			return snapshot{}, err
		}
		if done[enc] {
			continue
		}
		if restriction != nil && !restriction.Match(row) {
			continue
		}
		snap.pending = append(snap.pending, row.Project(keyNames))
	}
	return snap, nil
}

// Pending returns the keys of table a pass would attempt, sorted.
func (e *Engine) Pending(ctx context.Context, table string) ([]types.Row, error) {
	c, def, err := e.lookup(table)
	if err != nil {
		return nil, err
	}
	snap, err := e.scan(ctx, c, def, nil)
	if err != nil {
		return nil, err
	}
	return snap.pending, nil
}

// Eligible evaluates the key source of table, sorted by key.
func (e *Engine) Eligible(ctx context.Context, table string) ([]types.Row, error) {
	c, _, err := e.lookup(table)
	if err != nil {
		return nil, err
	}
	set, err := keyset.Evaluate(ctx, e.store, e.graph, c.KeySource)
	if err != nil {
		return nil, err
	}
	return set.Rows(), nil
}

// Progress returns how many eligible keys of table are still pending and
// how many are eligible in total. Permanently excluded keys are not pending.
func (e *Engine) Progress(ctx context.Context, table string) (remaining, total int, err error) {
	c, def, err := e.lookup(table)
	if err != nil {
		return 0, 0, err
	}
	snap, err := e.scan(ctx, c, def, nil)
	if err != nil {
		return 0, 0, err
	}
	return len(snap.pending), snap.eligible, nil
}

// Report summarizes populate passes.
type Report struct {
	Table     string  `json:"table"`
	Eligible  int     `json:"eligible"`
	Pending   int     `json:"pending"`
	Calls     int     `json:"calls"`
	Populated int     `json:"populated"`
	Skipped   int     `json:"skipped"`
	Failed    int     `json:"failed"`
	Conflicts int     `json:"conflicts"`
	Failures  []error `json:"-"`
}

// Merge adds the counts of o. Eligible and Pending keep the larger value.
func (r *Report) Merge(o Report) {
	if r.Table == "" {
		r.Table = o.Table
	}
	r.Eligible = max(r.Eligible, o.Eligible)
	r.Pending = max(r.Pending, o.Pending)
	r.Calls += o.Calls
	r.Populated += o.Populated
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Conflicts += o.Conflicts
	r.Failures = append(r.Failures, o.Failures...)
}

// Populate runs one pass over the pending keys of table. Reservation
// conflicts and computation failures are counted in the report and the pass
// goes on. A storage failure ends the pass with *types.PopulateError naming
// the key; nothing is retried internally.
func (e *Engine) Populate(ctx context.Context, table string, opts Options) (Report, error) {
	rep := Report{Table: table}
	c, def, err := e.lookup(table)
	if err != nil {
		return rep, err
	}
	if opts.Restriction != nil {
		for _, a := range opts.Restriction.Attrs() {
			if !def.IsKey(a) {
				return rep, fmt.Errorf("%w: restriction on %s, not a key attribute of %s", types.ErrHeadingMismatch, a, table)
			}
		}
	}
	snap, err := e.scan(ctx, c, def, opts.Restriction)
	if err != nil {
		return rep, &types.PopulateError{Table: table, Err: err}
	}
	rep.Eligible = snap.eligible
	rep.Pending = len(snap.pending)
	e.metrics.pending.WithLabelValues(table).Set(float64(len(snap.pending)))

	keys := order(snap.pending, opts.Order)
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}
	holder := opts.Holder
	if holder == "" {
		holder = e.holder
	}
	e.logger.Info("populate started", "table", table, "eligible", rep.Eligible, "pending", rep.Pending, "holder", holder)

	w := worker{engine: e, computed: c, def: def, holder: holder, report: &rep}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if opts.MaxCalls > 0 && rep.Calls >= opts.MaxCalls {
			break
		}
		failure, err := w.key(ctx, key)
		if err != nil {
			e.logger.Error("populate stopped", "table", table, "key", key.String(), "error", err)
			return rep, err
		}
		if failure != nil && opts.StopOnError {
			return rep, failure
		}
	}
	e.logger.Info("populate finished", "table", table,
		"populated", rep.Populated, "skipped", rep.Skipped, "failed", rep.Failed, "conflicts", rep.Conflicts)
	return rep, nil
}

func order(keys []types.Row, o Order) []types.Row {
	out := slices.Clone(keys)
	switch o {
	case OrderSorted:
	case OrderReverse:
		slices.Reverse(out)
	default:
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}

// worker handles the keys of one pass.
type worker struct {
	engine   *Engine
	computed Computed
	def      types.TableDef
	holder   string
	report   *Report
}

// ReservationName is the reservation taken while a key is computed.
func ReservationName(table, encodedKey string) string {
	return "populate/" + table + "/" + encodedKey
}

// key reserves, computes and commits one key. It returns the computation
// failure, if any, and a non-nil error only when the pass must stop.
func (w *worker) key(ctx context.Context, key types.Row) (*types.ComputationFailure, error) {
	e, table := w.engine, w.def.Name
	enc, err := types.EncodeKey(w.def.KeyNames(), key)
	if err != nil {
		return nil, err
	}
	name := ReservationName(table, enc)

	ok, err := e.store.TryReserve(ctx, name, w.holder, e.lease)
	if err != nil {
		return nil, &types.PopulateError{Table: table, Key: key, Err: err}
	}
	if !ok {
		w.conflict(key, types.ErrReservationConflict)
		return nil, nil
	}
	defer func() {
		if err := e.store.ReleaseReservation(context.WithoutCancel(ctx), name, w.holder); err != nil {
			e.logger.Warn("failed to release reservation", "table", table, "key", key.String(), "error", err)
		}
	}()

	// Another worker may have finished the key between the snapshot and
	// the reservation.
	settled, err := w.settled(ctx, enc)
	if err != nil {
		return nil, &types.PopulateError{Table: table, Key: key, Err: err}
	}
	if settled {
		w.conflict(key, types.ErrDuplicateKey)
		return nil, nil
	}

	w.report.Calls++
	start := time.Now()
	res := w.call(ctx, key)
	e.metrics.duration.WithLabelValues(table).Observe(time.Since(start).Seconds())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch res.outcome {
	case outcomePopulate:
		return w.commit(ctx, key, enc, res)
	case outcomeSkip:
		job := Job{Table: table, Key: key, Status: JobIgnore, Message: res.reason, Holder: w.holder, Time: e.now()}
		if err := e.recordJob(ctx, job, enc); lostToCommit(err) {
			w.conflict(key, err)
			return nil, nil
		} else if err != nil {
			return nil, &types.PopulateError{Table: table, Key: key, Err: err}
		}
		w.report.Skipped++
		e.metrics.count(table, labelSkipped)
		e.logger.Info("key skipped", "table", table, "key", key.String(), "reason", res.reason)
		return nil, nil
	default:
		return w.fail(ctx, key, enc, res.err)
	}
}

// settled reports whether the key is already populated or excluded.
func (w *worker) settled(ctx context.Context, enc string) (bool, error) {
	e := w.engine
	if _, err := e.store.Get(ctx, w.def.Name, enc); err == nil {
		return true, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return false, err
	}
	job, err := e.store.Get(ctx, types.JobsTable, jobKey(w.def.Name, enc))
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return job["status"] == string(JobIgnore), nil
}

// call runs Make, turning a panic into a failure.
func (w *worker) call(ctx context.Context, key types.Row) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Fail(fmt.Errorf("panic: %v", p))
		}
	}()
	res = w.computed.Make(ctx, key.Clone())
	if res.outcome == 0 {
		res = Fail(errors.New("computation returned no result"))
	}
	return res
}

func (w *worker) conflict(key types.Row, reason error) {
	w.report.Conflicts++
	w.engine.metrics.count(w.def.Name, labelConflict)
	w.engine.logger.Debug("key taken", "table", w.def.Name, "key", key.String(), "reason", reason)
}

// fail records a computation failure. The key stays pending.
func (w *worker) fail(ctx context.Context, key types.Row, enc string, reason error) (*types.ComputationFailure, error) {
	e, table := w.engine, w.def.Name
	if reason == nil {
		reason = errors.New("unspecified failure")
	}
	failure := &types.ComputationFailure{Table: table, Key: key, Reason: reason}
	job := Job{Table: table, Key: key, Status: JobError, Message: reason.Error(), Holder: w.holder, Time: e.now()}
	if err := e.recordJob(ctx, job, enc); lostToCommit(err) {
		w.conflict(key, err)
		return nil, nil
	} else if err != nil {
		return nil, &types.PopulateError{Table: table, Key: key, Err: err}
	}
	w.report.Failed++
	w.report.Failures = append(w.report.Failures, failure)
	e.metrics.count(table, labelFailed)
	e.logger.Error("computation failed", "table", table, "key", key.String(), "error", reason)
	return failure, nil
}

// commit writes the primary row and its parts in one transaction. Rows the
// guard rejects fail the key; a key committed meanwhile by another worker is
// a conflict; anything else is a storage failure.
func (w *worker) commit(ctx context.Context, key types.Row, enc string, res Result) (*types.ComputationFailure, error) {
	e, table := w.engine, w.def.Name

	primary, parts, err := w.rows(ctx, key, res)
	if err != nil {
		if isRejection(err) {
			return w.fail(ctx, key, enc, err)
		}
		return nil, &types.PopulateError{Table: table, Key: key, Err: err}
	}

	err = w.write(ctx, enc, primary, parts)
	switch {
	case err == nil:
		w.report.Populated++
		e.metrics.count(table, labelPopulated)
		e.logger.Debug("key populated", "table", table, "key", key.String(), "parts", len(parts))
		return nil, nil
	case errors.Is(err, errPrimaryExists), errors.Is(err, types.ErrTxConflict):
		w.conflict(key, err)
		return nil, nil
	case isRejection(err):
		return w.fail(ctx, key, enc, err)
	default:
		return nil, &types.PopulateError{Table: table, Key: key, Err: err}
	}
}

var errPrimaryExists = errors.New("primary row already committed")

// rows checks that the result belongs to key and prepares every row for
// the guard outside the transaction.
func (w *worker) rows(ctx context.Context, key types.Row, res Result) (types.Row, []Part, error) {
	g, table := w.engine.guard, w.def.Name

	primary := key.Clone()
	for a, v := range res.primary {
		if w.def.IsKey(a) {
			same, err := sameValue(v, key[a])
			if err != nil {
				return nil, nil, err
			}
			if !same {
				return nil, nil, fmt.Errorf("%w: %s.%s is %v, computing key %s", types.ErrInvalidRow, table, a, v, key)
			}
			continue
		}
		primary[a] = v
	}
	primary, err := g.Prepare(ctx, table, primary, integrity.WithDerived())
	if err != nil {
		return nil, nil, err
	}

	allowed := w.engine.graph.Parts(table)
	parts := make([]Part, 0, len(res.parts))
	for _, p := range res.parts {
		if !slices.Contains(allowed, p.Table) {
			return nil, nil, fmt.Errorf("%w: %s is not a part of %s", types.ErrInvalidRow, p.Table, table)
		}
		row, err := g.Prepare(ctx, p.Table, p.Row, integrity.WithDerived())
		if err != nil {
			return nil, nil, err
		}
		for _, a := range w.def.KeyNames() {
			same, err := sameValue(row[a], key[a])
			if err != nil {
				return nil, nil, err
			}
			if !same {
				return nil, nil, fmt.Errorf("%w: %s.%s is %v, computing key %s", types.ErrInvalidRow, p.Table, a, row[a], key)
			}
		}
		parts = append(parts, Part{Table: p.Table, Row: row})
	}
	return primary, parts, nil
}

func sameValue(a, b any) (bool, error) {
	x, err := types.EncodeKey([]string{"v"}, types.Row{"v": a})
	if err != nil {
		return false, err
	}
	y, err := types.EncodeKey([]string{"v"}, types.Row{"v": b})
	if err != nil {
		return false, err
	}
	return x == y, nil
}

func (w *worker) write(ctx context.Context, enc string, primary types.Row, parts []Part) error {
	e, table := w.engine, w.def.Name
	tx, err := e.store.Begin(ctx, types.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = e.guard.InsertTx(ctx, tx, table, primary, integrity.WithDerived(), integrity.WithoutReplace())
	if errors.Is(err, types.ErrDuplicateKey) {
		return errPrimaryExists
	}
	if err != nil {
		return err
	}
	for _, p := range parts {
		if err := e.guard.InsertTx(ctx, tx, p.Table, p.Row, integrity.WithDerived(), integrity.WithoutReplace()); err != nil {
			return err
		}
	}
	if err := tx.Delete(ctx, types.JobsTable, jobKey(table, enc)); err != nil {
		return err
	}
	return tx.Commit()
}

// isRejection reports whether err is the guard refusing a row, which is the
// computation's fault rather than the store's.
func isRejection(err error) bool {
	for _, target := range []error{
		types.ErrForeignKey, types.ErrInvalidRow, types.ErrNullKey, types.ErrInvalidKeyValue,
		types.ErrDuplicateKey, types.ErrTableNotFound, types.ErrNoBlobStore,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Purge deletes the computed row of key with its parts and dependents, and
// its job record, so the key is pending again.
func (e *Engine) Purge(ctx context.Context, table string, key types.Row) (integrity.DeleteReport, error) {
	_, def, err := e.lookup(table)
	if err != nil {
		return integrity.DeleteReport{}, err
	}
	enc, keyRow, err := e.graph.KeyOf(table, key)
	if err != nil {
		return integrity.DeleteReport{}, err
	}

	tx, err := e.store.Begin(ctx, types.TxOptions{})
	if err != nil {
		return integrity.DeleteReport{}, &types.IntegrityError{Table: def.Name, Key: keyRow, Err: err}
	}
	defer tx.Rollback()

	rep, err := e.guard.DeleteTx(ctx, tx, table, keyRow)
	if err != nil {
		return rep, err
	}
	if err := tx.Delete(ctx, types.JobsTable, jobKey(table, enc)); err != nil {
		return rep, &types.IntegrityError{Table: table, Key: keyRow, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return rep, &types.IntegrityError{Table: table, Key: keyRow, Err: err}
	}
	e.logger.Info("key purged", "table", table, "key", keyRow.String(), "rows", rep.Total())
	return rep, nil
}

// SweepReservations drops expired reservations left by crashed workers.
func (e *Engine) SweepReservations(ctx context.Context) (int, error) {
	n, err := e.store.SweepReservations(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("stale reservations swept", "count", n)
	}
	return n, nil
}
