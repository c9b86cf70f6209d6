package tuple_test

import (
	"testing"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/tuple"
)

func testColumns() []tuple.Column {
	return []tuple.Column{
		{Name: sql.Id("id"), Type: sql.Int64ColType},
		{Name: sql.Id("name"), Type: sql.NullStringColType},
		{Name: sql.Id("flag"), Type: sql.BoolColType},
	}
}

func TestSchema(t *testing.T) {
	cases := []struct {
		cols            []tuple.Column
		partitionColumn int
		hiddenTimestamp bool
		tupleLength     int
		replicated      bool
	}{
		{
			cols:            testColumns(),
			partitionColumn: 0,
			// hdr(1) + int(1+8) + string(1+4) + bool(1+1)
			tupleLength: 17,
		},
		{
			cols:            testColumns(),
			partitionColumn: tuple.ReplicatedColumn,
			hiddenTimestamp: true,
			tupleLength:     25,
			replicated:      true,
		},
		{
			cols: []tuple.Column{
				{Name: sql.Id("val"), Type: sql.Float64ColType},
			},
			partitionColumn: tuple.ReplicatedColumn,
			tupleLength:     10,
			replicated:      true,
		},
	}

	for _, c := range cases {
		sch := tuple.NewSchema(c.cols, c.partitionColumn, c.hiddenTimestamp)
		if sch.TupleLength() != c.tupleLength {
			t.Errorf("TupleLength() got %d want %d", sch.TupleLength(), c.tupleLength)
		}
		if sch.NumColumns() != len(c.cols) {
			t.Errorf("NumColumns() got %d want %d", sch.NumColumns(), len(c.cols))
		}
		if sch.Replicated() != c.replicated {
			t.Errorf("Replicated() got %v want %v", sch.Replicated(), c.replicated)
		}
		if sch.PartitionColumn() != c.partitionColumn {
			t.Errorf("PartitionColumn() got %d want %d", sch.PartitionColumn(),
				c.partitionColumn)
		}
		if sch.HasHiddenTimestamp() != c.hiddenTimestamp {
			t.Errorf("HasHiddenTimestamp() got %v want %v", sch.HasHiddenTimestamp(),
				c.hiddenTimestamp)
		}
		for cdx, col := range sch.Columns() {
			if col.Name != c.cols[cdx].Name {
				t.Errorf("Columns()[%d].Name got %s want %s", cdx, col.Name,
					c.cols[cdx].Name)
			}
		}
	}
}

func TestSchemaEqual(t *testing.T) {
	sch := tuple.NewSchema(testColumns(), 0, false)
	if !sch.Equal(tuple.NewSchema(testColumns(), 0, false)) {
		t.Error("Equal() got false for identical schemas")
	}
	if sch.Equal(tuple.NewSchema(testColumns(), tuple.ReplicatedColumn, false)) {
		t.Error("Equal() got true for different partition columns")
	}
	if sch.Equal(tuple.NewSchema(testColumns(), 0, true)) {
		t.Error("Equal() got true for different hidden timestamp")
	}
	if sch.Equal(tuple.NewSchema(testColumns()[:2], 0, false)) {
		t.Error("Equal() got true for different column counts")
	}
}
