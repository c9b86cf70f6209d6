package table

import (
	"fmt"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/dr"
	"github.com/teakwood/teak/storage/index"
	"github.com/teakwood/teak/storage/tuple"
)

// Every mutation follows the same strict ordering: the DR record is
// appended before any index is touched, so a failure at any step leaves no
// half applied log entry and no orphaned index entry. On failure the DR
// append is rolled back to the mark recorded just before it.

func (tbl *Table) checkNulls(row []sql.Value) error {
	for cdx := 0; cdx < tbl.sch.NumColumns(); cdx++ {
		col := tbl.sch.Column(cdx)
		if col.Type.NotNull && row[cdx] == nil {
			return &ConstraintError{
				Type:   NotNullConstraint,
				Table:  tbl.name,
				Column: col.Name,
				Row:    row,
			}
		}
	}
	return nil
}

// tryInsertOnAllIndexes inserts the tuple into every index, rolling back
// the indexes already touched on a unique conflict.
func (tbl *Table) tryInsertOnAllIndexes(t tuple.Tuple) error {
	for idx, ind := range tbl.indexes {
		conflict := ind.AddEntry(t)
		if !conflict.IsNull() {
			for _, undone := range tbl.indexes[:idx] {
				if !undone.DeleteEntry(t) {
					panic(fmt.Sprintf("table: %s: index %s: entry vanished during rollback",
						tbl.name, undone.Name()))
				}
			}
			return &ConstraintError{
				Type:     UniqueConstraint,
				Table:    tbl.name,
				Index:    ind.Name(),
				Row:      t.Values(),
				Conflict: conflict.Values(),
			}
		}
	}
	return nil
}

func (tbl *Table) deleteFromAllIndexes(t tuple.Tuple) {
	for _, ind := range tbl.indexes {
		if !ind.DeleteEntry(t) {
			panic(fmt.Sprintf("table: %s: index %s: missing entry for active tuple",
				tbl.name, ind.Name()))
		}
	}
}

// checkUpdateOnUniqueIndexes pre-checks the new row against the unique
// indexes whose key actually changes; indexes with an unchanged key can not
// conflict and are skipped.
func (tbl *Table) checkUpdateOnUniqueIndexes(t tuple.Tuple, row []sql.Value,
	affected []*index.Index) error {

	for _, ind := range affected {
		if !ind.Unique() {
			continue
		}
		conflict := ind.MatchingTuple(ind.KeyRow(row))
		if !conflict.IsNull() {
			return &ConstraintError{
				Type:     UniqueConstraint,
				Table:    tbl.name,
				Index:    ind.Name(),
				Row:      row,
				Conflict: conflict.Values(),
			}
		}
	}
	return nil
}

// InsertTuple inserts row under the caller's transaction, enforcing the
// row limit and constraints.
func (tbl *Table) InsertTuple(ctx *Context, row []sql.Value) error {
	return tbl.insertTupleCommon(ctx, row, true)
}

// InsertTupleInfallible inserts bypassing the row limit and the undo
// registration; used for schema change row migration and replica side
// conflict resolution, where the caller has already vetted the row.
func (tbl *Table) InsertTupleInfallible(ctx *Context, row []sql.Value) error {
	return tbl.insertTupleCommon(ctx, row, false)
}

func (tbl *Table) insertTupleCommon(ctx *Context, row []sql.Value, fallible bool) error {
	if fallible && tbl.tupleLimit > 0 && tbl.activeTupleCount >= tbl.tupleLimit {
		return &ConstraintError{
			Type:  TupleLimitConstraint,
			Table: tbl.name,
			Row:   row,
		}
	}

	target := tbl.nextFreeTuple()
	target.CopyFrom(row)
	if err := tbl.checkNulls(row); err != nil {
		tbl.freeTuple(target)
		return err
	}
	if tbl.sch.HasHiddenTimestamp() {
		target.SetHiddenTimestamp(ctx.DRTimestamp)
	}

	drMark := int64(dr.InvalidMark)
	if stream := ctx.stream(tbl); stream != nil {
		var err error
		drMark, err = stream.AppendTuple(ctx.meta(), tbl.signature, dr.RecordInsert,
			tbl.sch, row, ctx.DRTimestamp, nil)
		if err != nil {
			tbl.freeTuple(target)
			return err
		}
	}

	target.SetActive(true)
	if tbl.streamer != nil {
		tbl.streamer.NotifyTupleInsert(target)
	}

	if err := tbl.tryInsertOnAllIndexes(target); err != nil {
		target.SetActive(false)
		tbl.freeTuple(target)
		ctx.rollbackStream(tbl, drMark, dr.RowCost(dr.RecordInsert))
		return err
	}
	tbl.activeTupleCount += 1

	if fallible && ctx.Quantum != nil {
		ctx.Quantum.RegisterUndoAction(&insertUndoAction{
			ctx:    ctx,
			tbl:    tbl,
			target: target,
			drMark: drMark,
		})
	}

	for _, vt := range tbl.views {
		if err := vt.ProcessTupleInsert(ctx, target, fallible); err != nil {
			return err
		}
	}
	return nil
}

// InsertTupleForUndo re-inserts a tuple whose delete is being rolled back;
// a conflict here means the bookkeeping diverged and is fatal.
func (tbl *Table) insertTupleForUndo(t tuple.Tuple) {
	t.SetPendingDeleteOnUndoRelease(false)
	if err := tbl.tryInsertOnAllIndexes(t); err != nil {
		panic(fmt.Sprintf("table: %s: undo reinsert conflict: %s", tbl.name, err))
	}
	tbl.activeTupleCount += 1
}

// UpdateTuple updates the tuple in place to row under the caller's
// transaction, maintaining all indexes.
func (tbl *Table) UpdateTuple(ctx *Context, target tuple.Tuple, row []sql.Value,
	fallible bool) error {

	return tbl.UpdateTupleWithIndexes(ctx, target, row, tbl.affectedIndexes(target, row),
		fallible)
}

func (tbl *Table) affectedIndexes(t tuple.Tuple, row []sql.Value) []*index.Index {
	var affected []*index.Index
	for _, ind := range tbl.indexes {
		if ind.KeyChanged(t, row) {
			affected = append(affected, ind)
		}
	}
	return affected
}

// UpdateTupleWithIndexes updates the tuple, touching only the indexes whose
// key the update changes.
func (tbl *Table) UpdateTupleWithIndexes(ctx *Context, target tuple.Tuple, row []sql.Value,
	affected []*index.Index, fallible bool) error {

	if err := tbl.checkUpdateOnUniqueIndexes(target, row, affected); err != nil {
		return err
	}
	if err := tbl.checkNulls(row); err != nil {
		return err
	}

	oldRow := target.Values()
	var oldTS int64
	if tbl.sch.HasHiddenTimestamp() {
		oldTS = target.HiddenTimestamp()
	}

	drMark := int64(dr.InvalidMark)
	if stream := ctx.stream(tbl); stream != nil {
		var err error
		drMark, err = stream.AppendUpdateRecord(ctx.meta(), tbl.signature, tbl.sch, oldRow,
			row, oldTS, ctx.DRTimestamp, tbl.drIndexHint())
		if err != nil {
			return err
		}
	}

	for _, ind := range affected {
		if !ind.DeleteEntry(target) {
			panic(fmt.Sprintf("table: %s: index %s: missing entry for active tuple",
				tbl.name, ind.Name()))
		}
	}

	// Scans running from view maintenance must not see the old row.
	target.SetPendingDelete(true)
	for _, vt := range tbl.views {
		if err := vt.ProcessTupleDelete(ctx, target, fallible); err != nil {
			target.SetPendingDelete(false)
			panic(fmt.Sprintf("table: %s: view %s: delete of existing row failed: %s",
				tbl.name, vt.Name(), err))
		}
	}
	target.SetPendingDelete(false)

	target.CopyFrom(row)
	if tbl.sch.HasHiddenTimestamp() {
		target.SetHiddenTimestamp(ctx.DRTimestamp)
	}
	if tbl.streamer != nil {
		tbl.streamer.NotifyTupleUpdate(target)
	}

	for _, ind := range affected {
		// The pre-check makes a conflict here impossible.
		if conflict := ind.AddEntry(target); !conflict.IsNull() {
			panic(fmt.Sprintf("table: %s: index %s: conflict after update pre-check",
				tbl.name, ind.Name()))
		}
	}

	if fallible && ctx.Quantum != nil {
		ctx.Quantum.RegisterUndoAction(&updateUndoAction{
			ctx:      ctx,
			tbl:      tbl,
			target:   target,
			oldRow:   oldRow,
			oldTS:    oldTS,
			affected: affected,
			drMark:   drMark,
		})
	}

	for _, vt := range tbl.views {
		if err := vt.ProcessTupleInsert(ctx, target, fallible); err != nil {
			return err
		}
	}
	return nil
}

// updateTupleForUndo reverts an update in place.
func (tbl *Table) updateTupleForUndo(target tuple.Tuple, oldRow []sql.Value, oldTS int64,
	affected []*index.Index) {

	for _, ind := range affected {
		if !ind.DeleteEntry(target) {
			panic(fmt.Sprintf("table: %s: index %s: missing entry during update undo",
				tbl.name, ind.Name()))
		}
	}
	target.CopyFrom(oldRow)
	if tbl.sch.HasHiddenTimestamp() {
		target.SetHiddenTimestamp(oldTS)
	}
	for _, ind := range affected {
		if conflict := ind.AddEntry(target); !conflict.IsNull() {
			panic(fmt.Sprintf("table: %s: index %s: conflict during update undo", tbl.name,
				ind.Name()))
		}
	}
}

// DeleteTuple removes the tuple under the caller's transaction. Storage is
// not freed until the transaction commits; a concurrent snapshot scan may
// still need the bytes.
func (tbl *Table) DeleteTuple(ctx *Context, target tuple.Tuple, fallible bool) error {
	drMark := int64(dr.InvalidMark)
	if stream := ctx.stream(tbl); stream != nil {
		var err error
		drMark, err = stream.AppendTuple(ctx.meta(), tbl.signature, dr.RecordDelete,
			tbl.sch, target.Values(), tbl.tupleTimestamp(target), tbl.drIndexHint())
		if err != nil {
			return err
		}
	}

	tbl.deleteFromAllIndexes(target)

	target.SetPendingDelete(true)
	for _, vt := range tbl.views {
		if err := vt.ProcessTupleDelete(ctx, target, fallible); err != nil {
			target.SetPendingDelete(false)
			panic(fmt.Sprintf("table: %s: view %s: delete of existing row failed: %s",
				tbl.name, vt.Name(), err))
		}
	}
	target.SetPendingDelete(false)

	tbl.activeTupleCount -= 1

	if fallible && ctx.Quantum != nil {
		target.SetPendingDeleteOnUndoRelease(true)
		ctx.Quantum.RegisterUndoAction(&deleteUndoAction{
			ctx:    ctx,
			tbl:    tbl,
			target: target,
			drMark: drMark,
		})
	} else {
		tbl.deleteTupleFinalize(target)
	}
	return nil
}

func (tbl *Table) tupleTimestamp(t tuple.Tuple) int64 {
	if tbl.sch.HasHiddenTimestamp() {
		return t.HiddenTimestamp()
	}
	return 0
}

// deleteTupleFinalize physically reclaims a deleted tuple's storage unless
// an active streamer declines, in which case the tuple stays pending delete
// for the scan to dispose of later.
func (tbl *Table) deleteTupleFinalize(target tuple.Tuple) {
	if tbl.streamer != nil && !tbl.streamer.NotifyTupleDelete(target) {
		target.SetActive(false)
		target.SetPendingDelete(true)
		return
	}
	target.SetActive(false)
	tbl.freeTuple(target)
}

// DeleteTupleRelease finishes a pending delete whose transaction
// committed.
func (tbl *Table) DeleteTupleRelease(target tuple.Tuple) {
	target.SetPendingDeleteOnUndoRelease(false)
	tbl.deleteTupleFinalize(target)
}

// FreePendingTuple reclaims a tuple a streamer left pending delete, called
// by the scan when it has passed the tuple.
func (tbl *Table) FreePendingTuple(target tuple.Tuple) {
	if !target.IsPendingDelete() {
		panic(fmt.Sprintf("table: %s: tuple is not pending delete", tbl.name))
	}
	target.SetPendingDelete(false)
	tbl.freeTuple(target)
}

// DeleteAllTuples deletes every visible row one at a time, streaming
// individual DR delete records.
func (tbl *Table) DeleteAllTuples(ctx *Context, fallible bool) error {
	var targets []tuple.Tuple
	tbl.ForEachVisibleTuple(func(t tuple.Tuple) bool {
		targets = append(targets, t)
		return true
	})
	for _, target := range targets {
		if err := tbl.DeleteTuple(ctx, target, fallible); err != nil {
			return err
		}
	}
	return nil
}

type insertUndoAction struct {
	ctx    *Context
	tbl    *Table
	target tuple.Tuple
	drMark int64
}

func (ia *insertUndoAction) Undo() {
	ia.tbl.deleteFromAllIndexes(ia.target)
	ia.tbl.activeTupleCount -= 1
	ia.target.SetActive(false)
	ia.tbl.freeTuple(ia.target)
	ia.ctx.rollbackStream(ia.tbl, ia.drMark, dr.RowCost(dr.RecordInsert))
}

func (_ *insertUndoAction) Release() {}

type updateUndoAction struct {
	ctx      *Context
	tbl      *Table
	target   tuple.Tuple
	oldRow   []sql.Value
	oldTS    int64
	affected []*index.Index
	drMark   int64
}

func (ua *updateUndoAction) Undo() {
	ua.tbl.updateTupleForUndo(ua.target, ua.oldRow, ua.oldTS, ua.affected)
	ua.ctx.rollbackStream(ua.tbl, ua.drMark, dr.RowCost(dr.RecordUpdate))
}

func (_ *updateUndoAction) Release() {}

type deleteUndoAction struct {
	ctx    *Context
	tbl    *Table
	target tuple.Tuple
	drMark int64
}

func (da *deleteUndoAction) Undo() {
	da.tbl.insertTupleForUndo(da.target)
	da.ctx.rollbackStream(da.tbl, da.drMark, dr.RowCost(dr.RecordDelete))
}

func (da *deleteUndoAction) Release() {
	da.tbl.DeleteTupleRelease(da.target)
}
