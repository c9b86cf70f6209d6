package table_test

import (
	"errors"
	"testing"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/dr"
	"github.com/teakwood/teak/storage/table"
	"github.com/teakwood/teak/storage/tuple"
)

func TestInsertConstraints(t *testing.T) {
	sch := tuple.NewSchema([]tuple.Column{
		{Name: sql.Id("id"), Type: sql.Int64ColType},
		{Name: sql.Id("name"), Type: sql.StringColType},
	}, 0, false)
	tbl := testTable(sch, 8)
	ctx := testContext(1)

	row := []sql.Value{sql.Int64Value(1), sql.StringValue("one")}
	if err := tbl.InsertTuple(ctx, row); err != nil {
		t.Fatalf("InsertTuple() failed with %s", err)
	}

	var ce *table.ConstraintError
	err := tbl.InsertTuple(ctx, []sql.Value{sql.Int64Value(2), nil})
	if !errors.As(err, &ce) || ce.Type != table.NotNullConstraint {
		t.Errorf("InsertTuple() with NULL got %v want not null constraint", err)
	}

	dup := []sql.Value{sql.Int64Value(1), sql.StringValue("uno")}
	err = tbl.InsertTuple(ctx, dup)
	if !errors.As(err, &ce) || ce.Type != table.UniqueConstraint {
		t.Fatalf("InsertTuple() duplicate got %v want unique constraint", err)
	}
	if ce.Index != sql.PRIMARY {
		t.Errorf("ConstraintError.Index got %s want primary", ce.Index)
	}
	if sql.CompareRows(ce.Conflict, row) != 0 {
		t.Errorf("ConstraintError.Conflict got %v want %v", ce.Conflict, row)
	}

	// Failed inserts leave no residue.
	if tbl.ActiveTupleCount() != 1 {
		t.Errorf("ActiveTupleCount() got %d want 1", tbl.ActiveTupleCount())
	}
	if len(tbl.Rows()) != 1 {
		t.Errorf("Rows() got %d rows want 1", len(tbl.Rows()))
	}
}

func TestTupleLimit(t *testing.T) {
	sch := testSchema(false)
	tbl := table.NewTable(sql.Id("tbl1"), sch, testSignature, 2, true, false,
		testConfig(sch, 8))
	ctx := testContext(1)

	mustInsert(t, tbl, ctx, testRow(1, ""))
	mustInsert(t, tbl, ctx, testRow(2, ""))

	var ce *table.ConstraintError
	err := tbl.InsertTuple(ctx, testRow(3, ""))
	if !errors.As(err, &ce) || ce.Type != table.TupleLimitConstraint {
		t.Fatalf("InsertTuple() over the limit got %v want tuple limit constraint", err)
	}

	// Replica side apply bypasses the limit; the sending cluster already
	// admitted the row.
	if err := tbl.InsertTupleInfallible(ctx, testRow(3, "")); err != nil {
		t.Fatalf("InsertTupleInfallible() failed with %s", err)
	}
	if tbl.ActiveTupleCount() != 3 {
		t.Errorf("ActiveTupleCount() got %d want 3", tbl.ActiveTupleCount())
	}
}

func TestUpdateTuple(t *testing.T) {
	sch := testSchema(false)
	tbl := testTable(sch, 8)
	ctx := testContext(1)

	mustInsert(t, tbl, ctx, testRow(1, "one"))
	mustInsert(t, tbl, ctx, testRow(2, "two"))

	// Updating a non-key column leaves the index untouched.
	target := tbl.LookupTupleByValues(testRow(1, "one"))
	updated := testRow(1, "uno")
	if err := tbl.UpdateTuple(ctx, target, updated, true); err != nil {
		t.Fatalf("UpdateTuple() failed with %s", err)
	}
	if tbl.LookupTupleByValues(updated).IsNull() {
		t.Error("LookupTupleByValues() does not find the updated row")
	}

	// A key change moves the index entry.
	moved := testRow(5, "uno")
	if err := tbl.UpdateTuple(ctx, target, moved, true); err != nil {
		t.Fatalf("UpdateTuple() failed with %s", err)
	}
	if tbl.LookupTupleByValues(moved).IsNull() {
		t.Error("LookupTupleByValues() does not find the row under its new key")
	}
	if !tbl.LookupTupleByValues(updated).IsNull() {
		t.Error("LookupTupleByValues() still finds the row under its old key")
	}

	// A key change onto an existing key is a unique conflict and changes
	// nothing.
	var ce *table.ConstraintError
	err := tbl.UpdateTuple(ctx, target, testRow(2, "uno"), true)
	if !errors.As(err, &ce) || ce.Type != table.UniqueConstraint {
		t.Fatalf("UpdateTuple() onto an existing key got %v want unique constraint", err)
	}
	if tbl.LookupTupleByValues(moved).IsNull() {
		t.Error("failed update changed the row")
	}
}

func TestDeletePendingVisibility(t *testing.T) {
	sch := testSchema(false)
	tbl := testTable(sch, 8)
	ctx := testContext(1)

	mustInsert(t, tbl, ctx, testRow(1, ""))
	ctx.Quantum.Release()

	// A transactional delete leaves the tuple allocated but invisible
	// until the transaction resolves.
	ctx = testContext(2)
	target := tbl.LookupTupleByValues(testRow(1, ""))
	blk := target.Block()
	if err := tbl.DeleteTuple(ctx, target, true); err != nil {
		t.Fatalf("DeleteTuple() failed with %s", err)
	}
	if len(tbl.Rows()) != 0 {
		t.Error("deleted row still visible before commit")
	}
	if blk.UsedTuples() != 1 {
		t.Error("deleted tuple's storage reclaimed before commit")
	}

	ctx.Quantum.Release()
	if blk.UsedTuples() != 0 {
		t.Error("deleted tuple's storage not reclaimed after commit")
	}
	if tbl.ActiveTupleCount() != 0 {
		t.Errorf("ActiveTupleCount() got %d want 0", tbl.ActiveTupleCount())
	}
}

// Rolling a transaction back restores both the table contents and the
// replication stream position, leaving no trace of the aborted work.
func TestUndoSymmetry(t *testing.T) {
	sch := testSchema(false)
	tbl := testTable(sch, 4)
	stream := dr.NewTupleStream(1<<20, 1<<20, false)

	ctx := testContext(1)
	ctx.Stream = stream
	mustInsert(t, tbl, ctx, testRow(1, "one"))
	mustInsert(t, tbl, ctx, testRow(2, "two"))
	mustInsert(t, tbl, ctx, testRow(3, "three"))
	ctx.Quantum.Release()
	if err := stream.EndTransaction(dr.TxnMeta{SPHandle: 1}); err != nil {
		t.Fatalf("EndTransaction() failed with %s", err)
	}

	hashBefore := tbl.HashCode()
	usoBefore := stream.Uso()

	// A transaction doing one of everything, then rolled back.
	ctx = testContext(2)
	ctx.LastCommittedSPHandle = 1
	ctx.Stream = stream
	mustInsert(t, tbl, ctx, testRow(4, "four"))
	target := tbl.LookupTupleByValues(testRow(2, "two"))
	if err := tbl.UpdateTuple(ctx, target, testRow(2, "zwei"), true); err != nil {
		t.Fatalf("UpdateTuple() failed with %s", err)
	}
	target = tbl.LookupTupleByValues(testRow(3, "three"))
	if err := tbl.DeleteTuple(ctx, target, true); err != nil {
		t.Fatalf("DeleteTuple() failed with %s", err)
	}
	if tbl.HashCode() == hashBefore {
		t.Fatal("mutations did not change the table")
	}

	ctx.Quantum.Undo()
	if tbl.HashCode() != hashBefore {
		t.Error("undo did not restore the table contents")
	}
	if stream.Uso() != usoBefore {
		t.Errorf("undo left the stream at %d want %d", stream.Uso(), usoBefore)
	}
	if tbl.ActiveTupleCount() != 3 {
		t.Errorf("ActiveTupleCount() got %d want 3", tbl.ActiveTupleCount())
	}
	for _, row := range [][]sql.Value{testRow(1, "one"), testRow(2, "two"),
		testRow(3, "three")} {
		if tbl.LookupTupleByValues(row).IsNull() {
			t.Errorf("row %v missing after undo", row)
		}
	}

	// The elided transaction leaves nothing for the consumer.
	if err := stream.EndTransaction(dr.TxnMeta{SPHandle: 2}); err != nil {
		t.Fatalf("EndTransaction() failed with %s", err)
	}
	txns, err := dr.DecodeAll(stream.ExtractCompleted())
	if err != nil {
		t.Fatalf("DecodeAll() failed with %s", err)
	}
	if len(txns) != 1 {
		t.Errorf("DecodeAll() got %d transactions want 1", len(txns))
	}
}

// A failed mutation must roll its own DR append back even without a
// transaction rollback.
func TestFailedMutationStreamRollback(t *testing.T) {
	sch := testSchema(false)
	tbl := testTable(sch, 8)
	stream := dr.NewTupleStream(1<<20, 1<<20, false)

	ctx := testContext(1)
	ctx.Stream = stream
	mustInsert(t, tbl, ctx, testRow(1, "one"))
	usoAfter := stream.Uso()

	if err := tbl.InsertTuple(ctx, testRow(1, "dup")); err == nil {
		t.Fatal("InsertTuple() duplicate did not fail")
	}
	if stream.Uso() != usoAfter {
		t.Errorf("failed insert left the stream at %d want %d", stream.Uso(), usoAfter)
	}

	if err := stream.EndTransaction(dr.TxnMeta{SPHandle: 1}); err != nil {
		t.Fatalf("EndTransaction() failed with %s", err)
	}
	txns, err := dr.DecodeAll(stream.ExtractCompleted())
	if err != nil {
		t.Fatalf("DecodeAll() failed with %s", err)
	}
	if len(txns[0].Records) != 1 {
		t.Errorf("transaction has %d records want 1", len(txns[0].Records))
	}
}

type vetoStreamer struct {
	veto    bool
	inserts int
	updates int
	deletes int
	pending []tuple.Tuple
	moves   int
	freed   int
}

func (vs *vetoStreamer) NotifyTupleInsert(_ tuple.Tuple) { vs.inserts += 1 }
func (vs *vetoStreamer) NotifyTupleUpdate(_ tuple.Tuple) { vs.updates += 1 }

func (vs *vetoStreamer) NotifyTupleDelete(t tuple.Tuple) bool {
	vs.deletes += 1
	if vs.veto {
		vs.pending = append(vs.pending, t)
		return false
	}
	return true
}

func (vs *vetoStreamer) NotifyTupleMovement(_, _ *tuple.Block, _, _ tuple.Tuple) {
	vs.moves += 1
}

func (vs *vetoStreamer) NotifyBlockCompactedAway(_ *tuple.Block) { vs.freed += 1 }

func TestStreamerVeto(t *testing.T) {
	sch := testSchema(false)
	tbl := testTable(sch, 8)
	ctx := testContext(1)

	mustInsert(t, tbl, ctx, testRow(1, ""))
	mustInsert(t, tbl, ctx, testRow(2, ""))
	ctx.Quantum.Release()

	vs := &vetoStreamer{veto: true}
	tbl.ActivateSnapshot(vs)

	// The veto defers physical reclamation: storage stays allocated and
	// the tuple stays pending delete for the scan.
	ctx = testContext(2)
	target := tbl.LookupTupleByValues(testRow(1, ""))
	blk := target.Block()
	if err := tbl.DeleteTuple(ctx, target, false); err != nil {
		t.Fatalf("DeleteTuple() failed with %s", err)
	}
	if vs.deletes != 1 {
		t.Fatalf("streamer saw %d deletes want 1", vs.deletes)
	}
	if blk.UsedTuples() != 2 {
		t.Errorf("UsedTuples() got %d want 2 with the delete vetoed", blk.UsedTuples())
	}
	if len(tbl.Rows()) != 1 {
		t.Errorf("Rows() got %d want 1", len(tbl.Rows()))
	}

	// The scan disposes of the pending tuple when it passes it.
	tbl.FreePendingTuple(vs.pending[0])
	if blk.UsedTuples() != 1 {
		t.Errorf("UsedTuples() got %d want 1", blk.UsedTuples())
	}

	tbl.FinishSnapshot()
	if tbl.Streamer() != nil {
		t.Error("Streamer() still attached after FinishSnapshot")
	}

	// Without a streamer deletes reclaim immediately.
	target = tbl.LookupTupleByValues(testRow(2, ""))
	if err := tbl.DeleteTuple(ctx, target, false); err != nil {
		t.Fatalf("DeleteTuple() failed with %s", err)
	}
	if blk.UsedTuples() != 0 {
		t.Errorf("UsedTuples() got %d want 0", blk.UsedTuples())
	}
}

func TestDeleteAllTuples(t *testing.T) {
	sch := testSchema(false)
	tbl := testTable(sch, 4)
	stream := dr.NewTupleStream(1<<20, 1<<20, false)
	ctx := testContext(1)
	ctx.Stream = stream

	for id := int64(1); id <= 5; id++ {
		mustInsert(t, tbl, ctx, testRow(id, ""))
	}
	if err := tbl.DeleteAllTuples(ctx, true); err != nil {
		t.Fatalf("DeleteAllTuples() failed with %s", err)
	}
	if len(tbl.Rows()) != 0 {
		t.Errorf("Rows() got %d want 0", len(tbl.Rows()))
	}
	ctx.Quantum.Release()
	if tbl.ActiveTupleCount() != 0 {
		t.Errorf("ActiveTupleCount() got %d want 0", tbl.ActiveTupleCount())
	}

	// Each row streamed its own delete record.
	if err := stream.EndTransaction(dr.TxnMeta{SPHandle: 1}); err != nil {
		t.Fatalf("EndTransaction() failed with %s", err)
	}
	txns, err := dr.DecodeAll(stream.ExtractCompleted())
	if err != nil {
		t.Fatalf("DecodeAll() failed with %s", err)
	}
	if len(txns[0].Records) != 10 {
		t.Errorf("transaction has %d records want 10", len(txns[0].Records))
	}
}

func TestMockStream(t *testing.T) {
	tbl := testTable(testSchema(false), 8)
	ctx := testContext(1)
	ctx.Stream = dr.MockStream{}

	mustInsert(t, tbl, ctx, testRow(1, "one"))
	target := tbl.LookupTupleByValues(testRow(1, "one"))
	if err := tbl.UpdateTuple(ctx, target, testRow(1, "uno"), true); err != nil {
		t.Fatalf("UpdateTuple() failed with %s", err)
	}

	// A failed insert rolls back against the mock as well.
	if err := tbl.InsertTuple(ctx, testRow(1, "dup")); err == nil {
		t.Fatalf("InsertTuple() duplicate did not fail")
	}

	target = tbl.LookupTupleByValues(testRow(1, "uno"))
	if err := tbl.DeleteTuple(ctx, target, true); err != nil {
		t.Fatalf("DeleteTuple() failed with %s", err)
	}
	ctx.Quantum.Release()
	if tbl.ActiveTupleCount() != 0 {
		t.Errorf("ActiveTupleCount() got %d want 0", tbl.ActiveTupleCount())
	}
}
