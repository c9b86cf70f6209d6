package tuple

import (
	"fmt"

	"github.com/teakwood/teak/sql"
)

const (
	// ReplicatedColumn marks a table without a partitioning column; every
	// replica holds all of its rows.
	ReplicatedColumn = -1
)

type Column struct {
	Name sql.Identifier
	Type sql.ColumnType
}

// Schema describes the fixed tuple layout of a table: the visible columns,
// an optional hidden replication timestamp column appended after them, and
// the partitioning column. Fixed width columns are stored inline; string and
// bytes columns are stored out of line with a four byte length slot inline.
type Schema struct {
	columns         []Column
	partitionColumn int
	hiddenTimestamp bool

	tupleLength int
	offsets     []int
}

const (
	flagsOffset   = 0
	tupleHdrSize  = 1
	timestampSize = 8
	objectRefSize = 4
)

func columnWidth(ct sql.ColumnType) int {
	switch ct.Type {
	case sql.BooleanType:
		return 1
	case sql.IntegerType, sql.FloatType:
		return 8
	case sql.StringType, sql.BytesType:
		return objectRefSize
	}
	panic(fmt.Sprintf("tuple: unexpected column type: %v", ct.Type))
}

func NewSchema(cols []Column, partitionColumn int, hiddenTimestamp bool) *Schema {
	if len(cols) == 0 {
		panic("tuple: schema requires at least one column")
	}
	if partitionColumn != ReplicatedColumn &&
		(partitionColumn < 0 || partitionColumn >= len(cols)) {
		panic(fmt.Sprintf("tuple: partition column %d out of range", partitionColumn))
	}

	sch := Schema{
		columns:         cols,
		partitionColumn: partitionColumn,
		hiddenTimestamp: hiddenTimestamp,
		offsets:         make([]int, len(cols)),
	}

	// One null byte and a fixed width slot per column; flags byte first,
	// hidden timestamp last.
	off := tupleHdrSize
	for cdx, col := range cols {
		sch.offsets[cdx] = off
		off += 1 + columnWidth(col.Type)
	}
	if hiddenTimestamp {
		off += timestampSize
	}
	sch.tupleLength = off
	return &sch
}

func (sch *Schema) Columns() []Column {
	return sch.columns
}

func (sch *Schema) NumColumns() int {
	return len(sch.columns)
}

func (sch *Schema) Column(cdx int) Column {
	return sch.columns[cdx]
}

func (sch *Schema) PartitionColumn() int {
	return sch.partitionColumn
}

func (sch *Schema) Replicated() bool {
	return sch.partitionColumn == ReplicatedColumn
}

func (sch *Schema) HasHiddenTimestamp() bool {
	return sch.hiddenTimestamp
}

// TupleLength is the fixed inline storage size of one tuple, header and
// hidden columns included.
func (sch *Schema) TupleLength() int {
	return sch.tupleLength
}

func (sch *Schema) columnOffset(cdx int) int {
	return sch.offsets[cdx]
}

func (sch *Schema) timestampOffset() int {
	if !sch.hiddenTimestamp {
		panic("tuple: schema has no hidden timestamp column")
	}
	return sch.tupleLength - timestampSize
}

// Equal reports whether two schemas describe the same tuple layout.
func (sch *Schema) Equal(osch *Schema) bool {
	if len(sch.columns) != len(osch.columns) ||
		sch.partitionColumn != osch.partitionColumn ||
		sch.hiddenTimestamp != osch.hiddenTimestamp {

		return false
	}
	for cdx := range sch.columns {
		if sch.columns[cdx] != osch.columns[cdx] {
			return false
		}
	}
	return true
}
