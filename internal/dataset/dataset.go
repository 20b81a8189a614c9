// ============================================================================
// statsrunner Dataset
// ============================================================================
//
// Package: internal/dataset
// File: dataset.go
// Purpose: Load the nutrition / physical activity / obesity survey CSV into
//          an immutable, question-indexed table.
//
// Columns are addressed by position (header row is skipped):
//   1  YearStart            8  Question              30 StratificationCategory1
//   2  YearEnd              11 Data_Value            31 Stratification1
//   4  LocationDesc
//
// Rows outside [MinYear, MaxYear] or without a numeric Data_Value are dropped.
// A loaded Dataset is never mutated, so any number of workers may read it.
//
// ============================================================================

package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Year window accepted by the aggregations.
const (
	MinYear = 2011
	MaxYear = 2022
)

const (
	colYearStart    = 1
	colYearEnd      = 2
	colLocationDesc = 4
	colQuestion     = 8
	colDataValue    = 11
	colCategory     = 30
	colSegment      = 31

	minColumns = colSegment + 1
)

// Row is one usable survey answer.
type Row struct {
	YearStart int
	YearEnd   int
	State     string
	Question  string
	Value     float64
	Category  string // StratificationCategory1, e.g. "Income"
	Segment   string // Stratification1, e.g. "$25,000 - $34,999"
}

// Dataset is the read-only, question-indexed survey table.
type Dataset struct {
	rows       []Row
	byQuestion map[string][]Row
	dropped    int
}

// Load reads the CSV file at path.
func Load(path string) (*Dataset, error) {
	if path == "" {
		return nil, errors.New("dataset: path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()

	ds, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", path, err)
	}

	slog.Info("dataset loaded", "path", path, "rows", len(ds.rows), "dropped", ds.dropped,
		"questions", len(ds.byQuestion))
	return ds, nil
}

// Read parses CSV data from r. The first record is treated as the header.
func Read(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("missing header row")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	ds := &Dataset{byQuestion: make(map[string][]Row)}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		row, ok := parseRow(rec)
		if !ok {
			ds.dropped++
			continue
		}
		ds.rows = append(ds.rows, row)
		ds.byQuestion[row.Question] = append(ds.byQuestion[row.Question], row)
	}
	return ds, nil
}

func parseRow(rec []string) (Row, bool) {
	if len(rec) < minColumns {
		return Row{}, false
	}

	start, err := strconv.Atoi(strings.TrimSpace(rec[colYearStart]))
	if err != nil {
		return Row{}, false
	}
	end, err := strconv.Atoi(strings.TrimSpace(rec[colYearEnd]))
	if err != nil {
		return Row{}, false
	}
	if start < MinYear || end > MaxYear {
		return Row{}, false
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(rec[colDataValue]), 64)
	if err != nil {
		return Row{}, false
	}

	return Row{
		YearStart: start,
		YearEnd:   end,
		State:     rec[colLocationDesc],
		Question:  rec[colQuestion],
		Value:     value,
		Category:  rec[colCategory],
		Segment:   rec[colSegment],
	}, true
}

// Len returns the number of usable rows.
func (d *Dataset) Len() int {
	return len(d.rows)
}

// Dropped returns how many data rows were rejected while loading.
func (d *Dataset) Dropped() int {
	return d.dropped
}

// Rows returns the rows answering question. The slice must not be modified.
func (d *Dataset) Rows(question string) []Row {
	return d.byQuestion[question]
}

// Questions returns every distinct question in the dataset.
func (d *Dataset) Questions() []string {
	out := make([]string, 0, len(d.byQuestion))
	for q := range d.byQuestion {
		out = append(out, q)
	}
	return out
}
