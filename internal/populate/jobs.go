package populate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// JobStatus is the state recorded for a key outside the computed table.
type JobStatus string

// Job statuses.
const (
	// JobError records the last failure of a key that stays pending.
	JobError JobStatus = "error"
	// JobIgnore excludes a key from every later pass.
	JobIgnore JobStatus = "ignore"
)

// Job is one bookkeeping record in the jobs table.
type Job struct {
	Table   string    `json:"table"`
	Key     types.Row `json:"key"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	Holder  string    `json:"holder"`
	Time    time.Time `json:"time"`
}

var jobKeyAttrs = []string{"table", "key"}

func jobKey(table, key string) string {
	return types.MustEncodeKey(jobKeyAttrs, types.Row{"table": table, "key": key})
}

func jobPrefix(table string) string {
	if table == "" {
		return ""
	}
	return types.MustEncodeKey([]string{"table"}, types.Row{"table": table})
}

func (j Job) row(encoded string) types.Row {
	return types.Row{
		"table":   j.Table,
		"key":     encoded,
		"key_row": map[string]any(j.Key),
		"status":  string(j.Status),
		"message": j.Message,
		"holder":  j.Holder,
		"time":    j.Time.UTC().Format(time.RFC3339Nano),
	}
}

func jobFromRow(r types.Row) (Job, error) {
	j := Job{}
	j.Table, _ = r["table"].(string)
	status, _ := r["status"].(string)
	j.Status = JobStatus(status)
	j.Message, _ = r["message"].(string)
	j.Holder, _ = r["holder"].(string)
	if m, ok := r["key_row"].(map[string]any); ok {
		j.Key = types.Row(m)
	}
	if ts, ok := r["time"].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Job{}, fmt.Errorf("job %s: %w", j.Table, err)
		}
		j.Time = t
	}
	return j, nil
}

// Jobs lists job records of table, or of every table when table is empty.
func (e *Engine) Jobs(ctx context.Context, table string) ([]Job, error) {
	recs, err := e.store.Scan(ctx, types.JobsTable, jobPrefix(table))
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := make([]Job, 0, len(recs))
	for _, rec := range recs {
		j, err := jobFromRow(rec.Row)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// ClearJobs deletes job records of table with the given status; an empty
// status clears all of them. Cleared ignore records make their keys
// pending again.
func (e *Engine) ClearJobs(ctx context.Context, table string, status JobStatus) (int, error) {
	tx, err := e.store.Begin(ctx, types.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	recs, err := tx.Scan(ctx, types.JobsTable, jobPrefix(table))
	if err != nil {
		return 0, fmt.Errorf("listing jobs: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if status != "" && rec.Row["status"] != string(status) {
			continue
		}
		if err := tx.Delete(ctx, types.JobsTable, rec.Key); err != nil {
			return 0, err
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("clearing jobs: %w", err)
	}
	e.logger.Info("jobs cleared", "table", table, "status", string(status), "count", n)
	return n, nil
}

// recordJob writes a job record unless the key's computed row exists. A
// computed row committed first, or concurrently, wins: recordJob then
// returns errPrimaryExists or types.ErrTxConflict and writes nothing.
func (e *Engine) recordJob(ctx context.Context, j Job, encoded string) error {
	tx, err := e.store.Begin(ctx, types.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Get(ctx, j.Table, encoded); err == nil {
		return errPrimaryExists
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if err := tx.Put(ctx, types.JobsTable, jobKey(j.Table, encoded), j.row(encoded)); err != nil {
		return err
	}
	return tx.Commit()
}

// lostToCommit reports whether recordJob declined because the key was
// populated.
func lostToCommit(err error) bool {
	return errors.Is(err, errPrimaryExists) || errors.Is(err, types.ErrTxConflict)
}
