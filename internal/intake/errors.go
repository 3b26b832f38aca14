package intake

import "fmt"

// ValidationError describes one malformed or logically invalid intake row.
// Rows with a ValidationError are skipped; the remaining rows are still read.
type ValidationError struct {
	Row      int    // 1-based data row (header excluded), 0 if unknown
	RecordID string // Record identifier, if it could be read
	Field    string // Offending column, empty for whole-row problems
	Reason   string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Row > 0 && e.Field != "":
		return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Reason)
	case e.Row > 0:
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	case e.RecordID != "" && e.Field != "":
		return fmt.Sprintf("record %q: %s: %s", e.RecordID, e.Field, e.Reason)
	case e.RecordID != "":
		return fmt.Sprintf("record %q: %s", e.RecordID, e.Reason)
	default:
		return e.Reason
	}
}
