// Package results persists prediction tables as CSV files.
//
// A table is only ever appended to. Every flush rewrites the whole file by
// writing a temporary sibling and renaming it over the original, so a crash
// mid-flush leaves the previous version intact.
//
// The file only stores source, target and prediction. Read derives each
// row's Status from the NO_MATCH and ERROR sentinels, so a model answer
// that is literally one of those words reads back as a failure. Callers
// with access to the run ledger should correct statuses with
// ApplyStatuses.
package results

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/valpere/gemmabn/internal"
)

var header = []string{"source", "target", "prediction"}

// fileMode is applied to every table; temp files start out private.
const fileMode os.FileMode = 0644

var (
	// ErrGap is returned when a batch would leave rows missing before it.
	ErrGap = errors.New("batch starts past the end of the table")
	// ErrBadHeader is returned for files that are not prediction tables.
	ErrBadHeader = errors.New("unexpected result table header")
)

// PathFor returns <resultsDir>/<experiment>/<prefix>_<tag>_preds.csv.
func PathFor(resultsDir, experiment, prefix, tag string) string {
	return filepath.Join(resultsDir, experiment, fmt.Sprintf("%s_%s_preds.csv", prefix, tag))
}

type Table struct {
	fs   afero.Fs
	path string
}

func NewTable(fs afero.Fs, path string) *Table {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Table{fs: fs, path: path}
}

func (t *Table) Path() string {
	return t.path
}

// Read returns all persisted rows in order. A missing file is an empty table;
// any other error is returned.
func (t *Table) Read() ([]internal.PredictionRecord, error) {
	f, err := t.fs.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open result table: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = len(header)

	first, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result table %s: %w", t.path, err)
	}
	for i, name := range header {
		if first[i] != name {
			return nil, fmt.Errorf("%w in %s: %v", ErrBadHeader, t.path, first)
		}
	}

	var rows []internal.PredictionRecord
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read result table %s: %w", t.path, err)
		}
		rows = append(rows, internal.PredictionRecord{
			Index:      len(rows),
			Source:     rec[0],
			Target:     rec[1],
			Prediction: rec[2],
			Status:     statusOf(rec[2]),
		})
	}
	return rows, nil
}

// Len returns the number of durable rows.
func (t *Table) Len() (int, error) {
	rows, err := t.Read()
	return len(rows), err
}

// Append writes rows so that rows[0] lands at index start. Rows whose index is
// already durable are skipped, which makes re-flushing a batch a no-op. It
// returns how many rows were actually added.
func (t *Table) Append(start int, rows []internal.PredictionRecord) (int, error) {
	existing, err := t.Read()
	if err != nil {
		return 0, err
	}
	n := len(existing)
	if start > n {
		return 0, fmt.Errorf("%w: table has %d rows, batch starts at %d", ErrGap, n, start)
	}

	skip := n - start
	if skip >= len(rows) {
		return 0, nil
	}
	fresh := rows[skip:]

	combined := make([]internal.PredictionRecord, 0, n+len(fresh))
	combined = append(combined, existing...)
	combined = append(combined, fresh...)

	if err := t.write(combined); err != nil {
		return 0, err
	}
	return len(fresh), nil
}

// Remove deletes the table. A missing table is not an error.
func (t *Table) Remove() error {
	err := t.fs.Remove(t.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove result table: %w", err)
	}
	return nil
}

func (t *Table) write(rows []internal.PredictionRecord) error {
	dir := filepath.Dir(t.path)
	if err := t.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}

	tmp, err := afero.TempFile(t.fs, dir, filepath.Base(t.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary table: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		t.fs.Remove(tmpName)
	}

	writer := csv.NewWriter(tmp)
	if err := writer.Write(header); err != nil {
		cleanup()
		return fmt.Errorf("failed to write table header: %w", err)
	}
	for _, r := range rows {
		if err := writer.Write([]string{r.Source, r.Target, r.Prediction}); err != nil {
			cleanup()
			return fmt.Errorf("failed to write table row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		cleanup()
		return fmt.Errorf("failed to flush table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync table: %w", err)
	}
	if err := t.fs.Chmod(tmpName, fileMode); err != nil {
		cleanup()
		return fmt.Errorf("failed to set table permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		t.fs.Remove(tmpName)
		return fmt.Errorf("failed to close table: %w", err)
	}
	if err := t.fs.Rename(tmpName, t.path); err != nil {
		t.fs.Remove(tmpName)
		return fmt.Errorf("failed to replace result table: %w", err)
	}
	return nil
}

// ApplyStatuses overrides the sentinel-derived status of rows whose index
// appears in statuses, typically the run ledger's record of each flush.
func ApplyStatuses(rows []internal.PredictionRecord, statuses map[int]internal.Status) {
	for i := range rows {
		if st, ok := statuses[rows[i].Index]; ok {
			rows[i].Status = st
		}
	}
}

func statusOf(prediction string) internal.Status {
	switch prediction {
	case internal.NoMatchPrediction:
		return internal.StatusNoMatch
	case internal.ErrorPrediction:
		return internal.StatusError
	default:
		return internal.StatusOK
	}
}
