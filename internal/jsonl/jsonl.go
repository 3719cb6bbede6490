// Package jsonl exports every schema table to a directory of JSON Lines
// files, one <table>.jsonl per table, and imports them back through the
// integrity guard.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/pipeline/internal/integrity"
	"github.com/mesh-intelligence/pipeline/pkg/schema"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Ext is the file extension of table files.
const Ext = ".jsonl"

// maxLine bounds a single record; inline blobs make lines long.
const maxLine = 64 << 20

// FileName returns the file a table is exported to.
func FileName(table string) string { return table + Ext }

// Counts holds rows per table.
type Counts map[string]int

// Total sums the counts.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Export writes every table of g to dir from one read-only snapshot of s.
// Each file is replaced atomically; tables with no rows get empty files.
// System tables are not exported.
func Export(ctx context.Context, s types.Store, g *schema.Graph, dir string) (Counts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}
	tx, err := s.Begin(ctx, types.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin export: %w", err)
	}
	defer tx.Rollback()

	counts := Counts{}
	for _, table := range g.Tables() {
		recs, err := tx.Scan(ctx, table, "")
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		lines := make([]json.RawMessage, 0, len(recs))
		for _, rec := range recs {
			b, err := types.EncodeRow(rec.Row)
			if err != nil {
				return nil, fmt.Errorf("encoding %s row: %w", table, err)
			}
			lines = append(lines, b)
		}
		if err := writeJSONL(filepath.Join(dir, FileName(table)), lines); err != nil {
			return nil, fmt.Errorf("writing %s: %w", table, err)
		}
		counts[table] = len(recs)
	}
	return counts, nil
}

// ImportResult reports what Import did.
type ImportResult struct {
	Inserted Counts `json:"inserted"`
	// Malformed counts lines that were not valid JSON and were skipped.
	Malformed Counts `json:"malformed"`
}

// Import reads the table files in dir, parents before children, and
// upserts every row through guard in one transaction. Computed rows are
// restored as they were exported. A missing file means the table has no
// rows to import. Any rejected row aborts the whole import.
func Import(ctx context.Context, guard *integrity.Guard, dir string) (ImportResult, error) {
	res := ImportResult{Inserted: Counts{}, Malformed: Counts{}}
	g := guard.Graph()

	type batch struct {
		table string
		rows  []types.Row
	}
	var batches []batch
	for _, table := range g.Tables() {
		lines, bad, err := readJSONL(filepath.Join(dir, FileName(table)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return res, err
		}
		if bad > 0 {
			res.Malformed[table] = bad
		}
		rows := make([]types.Row, 0, len(lines))
		for _, line := range lines {
			row, err := types.DecodeRow(line)
			if err != nil {
				res.Malformed[table]++
				continue
			}
			rows = append(rows, row)
		}
		batches = append(batches, batch{table: table, rows: rows})
	}

	tx, err := guard.Store().Begin(ctx, types.TxOptions{})
	if err != nil {
		return res, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()
	for _, b := range batches {
		for _, row := range b.rows {
			if err := guard.InsertTx(ctx, tx, b.table, row, integrity.WithDerived()); err != nil {
				return ImportResult{}, fmt.Errorf("importing %s: %w", b.table, err)
			}
		}
		res.Inserted[b.table] = len(b.rows)
	}
	if err := tx.Commit(); err != nil {
		return ImportResult{}, fmt.Errorf("commit import: %w", err)
	}
	return res, nil
}

// readJSONL returns each non-empty line of path that is valid JSON, and the
// number of lines it skipped as malformed.
func readJSONL(path string) ([]json.RawMessage, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var (
		records []json.RawMessage
		bad     int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			bad++
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		records = append(records, json.RawMessage(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scanning %s: %w", path, err)
	}
	return records, bad, nil
}

// writeJSONL replaces path with records, one per line, through a synced
// temp file and a rename.
func writeJSONL(path string, records []json.RawMessage) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			return fail(fmt.Errorf("writing record: %w", err))
		}
		if err := w.WriteByte('\n'); err != nil {
			return fail(fmt.Errorf("writing newline: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("flushing buffer: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("syncing temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
