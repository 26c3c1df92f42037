// Package ingest turns uploaded CSV bytes into validated equipment records
// and an aggregate summary. It performs no persistence: the output is either
// a complete Result or an error describing what the client must fix.
package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/equipdash/server/internal/domain"
)

// Required column names, matched exactly (case-sensitive).
const (
	ColumnName        = "Equipment Name"
	ColumnType        = "Type"
	ColumnFlowrate    = "Flowrate"
	ColumnPressure    = "Pressure"
	ColumnTemperature = "Temperature"
)

// RequiredColumns lists every header an upload must contain.
var RequiredColumns = []string{ColumnName, ColumnType, ColumnFlowrate, ColumnPressure, ColumnTemperature}

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// Result is the outcome of a successful ingestion. len(Records) always
// equals Summary.TotalCount, and every record's type appears in
// Summary.EquipmentTypes with a matching occurrence count.
type Result struct {
	Records []domain.EquipmentRecord
	Summary domain.Summary
}

// Parse validates and converts one uploaded file. Failures are reported as
// ErrInvalidFileType, ErrNoDataRows, *MissingColumnsError or *RowError; any
// other error indicates structurally broken CSV.
func Parse(filename string, content []byte) (*Result, error) {
	if !strings.HasSuffix(filename, ".csv") {
		return nil, ErrInvalidFileType
	}

	r := csv.NewReader(strings.NewReader(decode(content)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		// No header at all, so every required column is absent.
		return nil, &MissingColumnsError{Columns: append([]string(nil), RequiredColumns...)}
	}

	colIdx, err := indexHeader(rows[0])
	if err != nil {
		return nil, err
	}

	res := &Result{Summary: domain.Summary{EquipmentTypes: make(map[string]int)}}
	var sumFlow, sumPress, sumTemp float64

	for _, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}
		i := len(res.Records)

		name := strings.TrimSpace(cell(row, colIdx[ColumnName]))
		equipType := strings.TrimSpace(cell(row, colIdx[ColumnType]))

		flow, err := parseMeasurement(row, colIdx, ColumnFlowrate, i)
		if err != nil {
			return nil, err
		}
		press, err := parseMeasurement(row, colIdx, ColumnPressure, i)
		if err != nil {
			return nil, err
		}
		temp, err := parseMeasurement(row, colIdx, ColumnTemperature, i)
		if err != nil {
			return nil, err
		}

		res.Records = append(res.Records, domain.EquipmentRecord{
			EquipmentName: name,
			EquipmentType: equipType,
			Flowrate:      flow,
			Pressure:      press,
			Temperature:   temp,
		})
		res.Summary.EquipmentTypes[equipType]++
		sumFlow += flow
		sumPress += press
		sumTemp += temp
	}

	n := len(res.Records)
	if n == 0 {
		return nil, ErrNoDataRows
	}

	res.Summary.TotalCount = n
	res.Summary.AvgFlowrate = sumFlow / float64(n)
	res.Summary.AvgPressure = sumPress / float64(n)
	res.Summary.AvgTemperature = sumTemp / float64(n)
	return res, nil
}

// decode interprets the upload as UTF-8 and falls back to Latin-1 when the
// bytes are not valid UTF-8. Latin-1 maps every byte to the code point of
// the same value, so decoding can never fail and uploads from legacy
// locales are never rejected solely for encoding.
func decode(content []byte) string {
	content = bytes.TrimPrefix(content, byteOrderMark)
	if utf8.Valid(content) {
		return string(content)
	}
	runes := make([]rune, len(content))
	for i, b := range content {
		runes[i] = rune(b)
	}
	return string(runes)
}

// indexHeader maps required column names to their positions. The first
// occurrence of a duplicated header wins; case-mismatched headers count as
// missing.
func indexHeader(header []string) (map[string]int, error) {
	positions := make(map[string]int, len(header))
	for i, h := range header {
		if _, ok := positions[h]; !ok {
			positions[h] = i
		}
	}

	idx := make(map[string]int, len(RequiredColumns))
	var missing []string
	for _, col := range RequiredColumns {
		pos, ok := positions[col]
		if !ok {
			missing = append(missing, col)
			continue
		}
		idx[col] = pos
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}
	return idx, nil
}

func parseMeasurement(row []string, colIdx map[string]int, column string, rowNum int) (float64, error) {
	raw := cell(row, colIdx[column])
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &RowError{Row: rowNum, Column: column, Value: raw}
	}
	return v, nil
}

// cell returns the field at pos, or "" when the row is shorter than the
// header (FieldsPerRecord is disabled to tolerate ragged input).
func cell(row []string, pos int) string {
	if pos >= len(row) {
		return ""
	}
	return row[pos]
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
