package sql

import (
	"fmt"
)

type ColumnType struct {
	Type DataType

	// Size of the column in bytes for integers and in characters for character columns
	Size uint32

	NotNull bool // not allowed to be NULL
}

var (
	Int64ColType      = ColumnType{Type: IntegerType, Size: 8, NotNull: true}
	NullInt64ColType  = ColumnType{Type: IntegerType, Size: 8}
	BoolColType       = ColumnType{Type: BooleanType, NotNull: true}
	StringColType     = ColumnType{Type: StringType, Size: 4096, NotNull: true}
	NullStringColType = ColumnType{Type: StringType, Size: 4096}
	Float64ColType    = ColumnType{Type: FloatType, Size: 8, NotNull: true}
)

// DataType formats the column type the way it would appear in DDL.
func (ct ColumnType) DataType() string {
	switch ct.Type {
	case BooleanType:
		return "BOOL"
	case BytesType:
		return fmt.Sprintf("VARBINARY(%d)", ct.Size)
	case FloatType:
		return "DOUBLE"
	case IntegerType:
		return "BIGINT"
	case StringType:
		return fmt.Sprintf("VARCHAR(%d)", ct.Size)
	}
	return "UNKNOWN"
}
