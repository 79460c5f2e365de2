// Package corpus reads parallel text: newline-delimited benchmark files
// paired by line index, and bn/en corpus splits stored as JSONL or CSV.
package corpus

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/valpere/gemmabn/internal"
)

// ErrLengthMismatch is returned when paired files have different line counts.
var ErrLengthMismatch = errors.New("source and target line counts differ")

// ReadSentences returns one NFC-normalised sentence per line. Leading and
// trailing blank lines of the file are dropped; an empty file yields nil.
func ReadSentences(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	text := strings.TrimSpace(strings.ReplaceAll(string(data), "\r\n", "\n"))
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = norm.NFC.String(l)
	}
	return lines, nil
}

// ReadPairs reads two line-aligned files into ParallelRecords.
func ReadPairs(sourcePath, targetPath string) ([]internal.ParallelRecord, error) {
	sources, err := ReadSentences(sourcePath)
	if err != nil {
		return nil, err
	}
	targets, err := ReadSentences(targetPath)
	if err != nil {
		return nil, err
	}
	if len(sources) != len(targets) {
		return nil, fmt.Errorf("%w: %s has %d, %s has %d", ErrLengthMismatch,
			sourcePath, len(sources), targetPath, len(targets))
	}

	records := make([]internal.ParallelRecord, len(sources))
	for i := range sources {
		records[i] = internal.ParallelRecord{Source: sources[i], Target: targets[i]}
	}
	return records, nil
}

// ReadSplit reads a corpus split whose rows carry one field per language code
// (e.g. "bn" and "en"). Files ending in .csv are read as CSV with a header
// row; anything else is read as JSON Lines.
func ReadSplit(path, sourceField, targetField string) ([]internal.ParallelRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus split: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return readCSV(f, sourceField, targetField)
	}
	return readJSONL(f, sourceField, targetField)
}

func readJSONL(r io.Reader, sourceField, targetField string) ([]internal.ParallelRecord, error) {
	var records []internal.ParallelRecord

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var row map[string]string
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("failed to parse line %d: %w", line, err)
		}
		src, ok := row[sourceField]
		if !ok {
			return nil, fmt.Errorf("line %d: missing field %q", line, sourceField)
		}
		tgt, ok := row[targetField]
		if !ok {
			return nil, fmt.Errorf("line %d: missing field %q", line, targetField)
		}
		records = append(records, internal.ParallelRecord{
			Source: norm.NFC.String(src),
			Target: norm.NFC.String(tgt),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corpus split: %w", err)
	}
	return records, nil
}

func readCSV(r io.Reader, sourceField, targetField string) ([]internal.ParallelRecord, error) {
	reader := csv.NewReader(r)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	srcCol, tgtCol := -1, -1
	for i, name := range rows[0] {
		switch strings.TrimSpace(name) {
		case sourceField:
			srcCol = i
		case targetField:
			tgtCol = i
		}
	}
	if srcCol < 0 || tgtCol < 0 {
		return nil, fmt.Errorf("CSV header must contain %q and %q columns", sourceField, targetField)
	}

	records := make([]internal.ParallelRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		records = append(records, internal.ParallelRecord{
			Source: norm.NFC.String(row[srcCol]),
			Target: norm.NFC.String(row[tgtCol]),
		})
	}
	return records, nil
}

// WritePrompts writes prompts as JSON Lines objects {"prompt": ...}, the text
// field layout expected by supervised fine-tuning trainers.
func WritePrompts(path string, prompts []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, p := range prompts {
		if err := enc.Encode(struct {
			Prompt string `json:"prompt"`
		}{p}); err != nil {
			f.Close()
			return fmt.Errorf("failed to encode prompt: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
