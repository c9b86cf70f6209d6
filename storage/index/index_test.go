package index_test

import (
	"testing"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/index"
	"github.com/teakwood/teak/storage/tuple"
)

func testSchema() *tuple.Schema {
	return tuple.NewSchema([]tuple.Column{
		{Name: sql.Id("id"), Type: sql.Int64ColType},
		{Name: sql.Id("name"), Type: sql.StringColType},
		{Name: sql.Id("num"), Type: sql.NullInt64ColType},
	}, 0, false)
}

func makeTuple(blk *tuple.Block, row []sql.Value) tuple.Tuple {
	slot, _ := blk.NextFreeSlot()
	t := blk.Tuple(slot)
	t.CopyFrom(row)
	t.SetActive(true)
	return t
}

func TestUniqueIndex(t *testing.T) {
	sch := testSchema()
	blk := tuple.NewBlock(sch, 1, 16*sch.TupleLength())
	idx := index.NewIndex(sql.PRIMARY, sch, []sql.ColumnKey{sql.MakeColumnKey(0, false)},
		true)

	t1 := makeTuple(blk, []sql.Value{sql.Int64Value(1), sql.StringValue("one"), nil})
	t2 := makeTuple(blk, []sql.Value{sql.Int64Value(2), sql.StringValue("two"), nil})
	if conflict := idx.AddEntry(t1); !conflict.IsNull() {
		t.Fatalf("AddEntry(%v) got conflict %v", t1.Values(), conflict.Values())
	}
	if conflict := idx.AddEntry(t2); !conflict.IsNull() {
		t.Fatalf("AddEntry(%v) got conflict %v", t2.Values(), conflict.Values())
	}
	if idx.Len() != 2 {
		t.Errorf("Len() got %d want 2", idx.Len())
	}

	// A duplicate key reports the existing tuple and leaves the index
	// unchanged.
	dup := makeTuple(blk, []sql.Value{sql.Int64Value(1), sql.StringValue("uno"), nil})
	conflict := idx.AddEntry(dup)
	if conflict.IsNull() {
		t.Fatal("AddEntry() got no conflict for a duplicate key")
	}
	if conflict.Address() != t1.Address() {
		t.Error("AddEntry() conflict is not the existing tuple")
	}
	if idx.Len() != 2 {
		t.Errorf("Len() got %d want 2 after conflict", idx.Len())
	}

	mt := idx.MatchingTuple([]sql.Value{sql.Int64Value(2)})
	if mt.IsNull() || mt.Address() != t2.Address() {
		t.Error("MatchingTuple() did not find the inserted tuple")
	}
	if !idx.MatchingTuple([]sql.Value{sql.Int64Value(3)}).IsNull() {
		t.Error("MatchingTuple() found a missing key")
	}

	if !idx.DeleteEntry(t1) {
		t.Error("DeleteEntry() got false for a present entry")
	}
	if idx.DeleteEntry(t1) {
		t.Error("DeleteEntry() got true for an absent entry")
	}
	if !idx.MatchingTuple([]sql.Value{sql.Int64Value(1)}).IsNull() {
		t.Error("MatchingTuple() found a deleted key")
	}
}

func TestNonUniqueIndex(t *testing.T) {
	sch := testSchema()
	blk := tuple.NewBlock(sch, 1, 16*sch.TupleLength())
	idx := index.NewIndex(sql.Id("idx_num"), sch,
		[]sql.ColumnKey{sql.MakeColumnKey(2, false)}, false)

	t1 := makeTuple(blk, []sql.Value{sql.Int64Value(1), sql.StringValue("one"),
		sql.Int64Value(10)})
	t2 := makeTuple(blk, []sql.Value{sql.Int64Value(2), sql.StringValue("two"),
		sql.Int64Value(10)})
	if conflict := idx.AddEntry(t1); !conflict.IsNull() {
		t.Fatal("AddEntry() got conflict on a non-unique index")
	}
	if conflict := idx.AddEntry(t2); !conflict.IsNull() {
		t.Fatal("AddEntry() got conflict for a duplicate key on a non-unique index")
	}
	if idx.Len() != 2 {
		t.Errorf("Len() got %d want 2", idx.Len())
	}

	if !idx.Exists([]sql.Value{nil, nil, sql.Int64Value(10)}) {
		t.Error("Exists() got false for a present key")
	}
	if idx.Exists([]sql.Value{nil, nil, sql.Int64Value(11)}) {
		t.Error("Exists() got true for an absent key")
	}

	if !idx.DeleteEntry(t1) {
		t.Error("DeleteEntry() got false for a present entry")
	}
	if !idx.Exists([]sql.Value{nil, nil, sql.Int64Value(10)}) {
		t.Error("Exists() got false with one duplicate remaining")
	}
}

func TestReplaceEntry(t *testing.T) {
	sch := testSchema()
	blk1 := tuple.NewBlock(sch, 1, 16*sch.TupleLength())
	blk2 := tuple.NewBlock(sch, 2, 16*sch.TupleLength())
	idx := index.NewIndex(sql.PRIMARY, sch, []sql.ColumnKey{sql.MakeColumnKey(0, false)},
		true)

	row := []sql.Value{sql.Int64Value(1), sql.StringValue("one"), nil}
	t1 := makeTuple(blk1, row)
	idx.AddEntry(t1)

	// Simulate compaction moving the tuple's storage.
	slot, _ := blk2.NextFreeSlot()
	moved := blk2.Tuple(slot)
	t1.MoveTo(moved)
	if !idx.ReplaceEntry(t1, moved) {
		t.Fatal("ReplaceEntry() got false for a present entry")
	}
	mt := idx.MatchingTuple([]sql.Value{sql.Int64Value(1)})
	if mt.IsNull() || mt.Address() != moved.Address() {
		t.Error("MatchingTuple() does not find the moved tuple")
	}
}

func TestKeyChanged(t *testing.T) {
	sch := testSchema()
	blk := tuple.NewBlock(sch, 1, 16*sch.TupleLength())
	idx := index.NewIndex(sql.PRIMARY, sch, []sql.ColumnKey{sql.MakeColumnKey(0, false)},
		true)

	t1 := makeTuple(blk, []sql.Value{sql.Int64Value(1), sql.StringValue("one"), nil})
	if idx.KeyChanged(t1, []sql.Value{sql.Int64Value(1), sql.StringValue("other"), nil}) {
		t.Error("KeyChanged() got true for an unchanged key")
	}
	if !idx.KeyChanged(t1, []sql.Value{sql.Int64Value(2), sql.StringValue("one"), nil}) {
		t.Error("KeyChanged() got false for a changed key")
	}
}

func TestKeyLengthAndCRC(t *testing.T) {
	sch := testSchema()
	pk := index.NewIndex(sql.PRIMARY, sch, []sql.ColumnKey{sql.MakeColumnKey(0, false)},
		true)
	byName := index.NewIndex(sql.Id("idx_name"), sch,
		[]sql.ColumnKey{sql.MakeColumnKey(1, false)}, true)

	if pk.KeyLength() != 8 {
		t.Errorf("KeyLength() got %d want 8", pk.KeyLength())
	}
	if byName.KeyLength() != 4096 {
		t.Errorf("KeyLength() got %d want 4096", byName.KeyLength())
	}

	if pk.KeyCRC() == byName.KeyCRC() {
		t.Error("KeyCRC() equal for different key columns")
	}
	again := index.NewIndex(sql.Id("idx_other"), sch,
		[]sql.ColumnKey{sql.MakeColumnKey(0, false)}, true)
	if pk.KeyCRC() != again.KeyCRC() {
		t.Error("KeyCRC() differs for the same key columns")
	}
}
