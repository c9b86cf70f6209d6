package table

import (
	"fmt"

	"github.com/teakwood/teak/sql"
)

type ConstraintType int

const (
	NotNullConstraint ConstraintType = iota
	UniqueConstraint
	TupleLimitConstraint
)

func (ct ConstraintType) String() string {
	switch ct {
	case NotNullConstraint:
		return "NOT NULL"
	case UniqueConstraint:
		return "UNIQUE"
	case TupleLimitConstraint:
		return "TUPLE LIMIT"
	}
	return "UNKNOWN"
}

// ConstraintError is the recoverable failure of a fallible mutation. The
// table is unchanged when it is returned: partial index insertions and the
// DR append have already been rolled back.
type ConstraintError struct {
	Type  ConstraintType
	Table sql.Identifier

	// Column is the violated column for a NOT NULL failure; Index is the
	// violated index for a UNIQUE failure.
	Column sql.Identifier
	Index  sql.Identifier

	// Row is the offending row; Conflict is the existing conflicting row
	// for a UNIQUE failure.
	Row      []sql.Value
	Conflict []sql.Value
}

func (ce *ConstraintError) Error() string {
	switch ce.Type {
	case NotNullConstraint:
		return fmt.Sprintf("table: %s: column %s may not be NULL", ce.Table, ce.Column)
	case UniqueConstraint:
		return fmt.Sprintf("table: %s: index %s: existing row has duplicate key", ce.Table,
			ce.Index)
	case TupleLimitConstraint:
		return fmt.Sprintf("table: %s: row limit exceeded", ce.Table)
	}
	return fmt.Sprintf("table: %s: constraint violation", ce.Table)
}
