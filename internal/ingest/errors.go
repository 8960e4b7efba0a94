package ingest

import (
	"fmt"
	"strings"
)

// SchemaError reports a header that does not match the expected column set
// exactly. It is fatal to the whole file.
type SchemaError struct {
	Missing    []string
	Unexpected []string
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing columns: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected columns: "+strings.Join(e.Unexpected, ", "))
	}
	return "invalid csv schema: " + strings.Join(parts, "; ")
}

// RowParseError describes a single row that was dropped.
type RowParseError struct {
	Line   int    `json:"line" yaml:"line"`
	Column string `json:"column" yaml:"column"`
	Value  string `json:"value" yaml:"value"`
	Reason string `json:"reason" yaml:"reason"`
}

func (e RowParseError) Error() string {
	return fmt.Sprintf("line %d: column %q value %q: %s", e.Line, e.Column, e.Value, e.Reason)
}
