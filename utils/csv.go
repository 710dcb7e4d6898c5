package utils

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrCSVSchema marks an upload that cannot be processed at all: empty, unreadable,
// or missing a required column.
var ErrCSVSchema = errors.New("invalid csv")

// Output columns of the bulk downloads.
var (
	FindCSVColumns   = []string{"first_name", "last_name", "domain", "email", "status", "confidence", "reason"}
	VerifyCSVColumns = []string{"email", "status", "confidence", "reason"}
)

// ReadCSV parses r into one map per data row keyed by lower-cased header name.
// Cells are trimmed; short rows yield empty strings for the missing cells.
func ReadCSV(r io.Reader, required ...string) ([]map[string]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: file is empty", ErrCSVSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCSVSchema, err)
	}
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	if missing := missingColumns(header, required); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required columns: %s", ErrCSVSchema, strings.Join(missing, ", "))
	}

	var rows []map[string]string
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCSVSchema, err)
		}
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = strings.TrimSpace(rec[i])
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func missingColumns(header, required []string) []string {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var missing []string
	for _, col := range required {
		if !have[col] {
			missing = append(missing, col)
		}
	}
	return missing
}

// WriteCSV writes header followed by rows.
func WriteCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}
