package ingest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidFileType is returned when the uploaded filename does not
	// carry a .csv suffix.
	ErrInvalidFileType = errors.New("only .csv files are accepted")

	// ErrNoDataRows is returned for a header-only upload. A dataset with
	// zero records has undefined averages, so it is rejected outright.
	ErrNoDataRows = errors.New("csv contains no data rows")
)

// MissingColumnsError reports every required column absent from the header,
// not just the first one found.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing required columns: %s", strings.Join(e.Columns, ", "))
}

// RowError identifies the cell that made an upload unusable. Row is the
// 0-based index of the data row (header excluded, blank lines skipped).
type RowError struct {
	Row    int
	Column string
	Value  string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: invalid value %q in column %q", e.Row, e.Value, e.Column)
}
