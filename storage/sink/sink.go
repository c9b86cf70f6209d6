// Package sink replays a DR buffer against local tables, converting the
// failures a local writer would see into structured conflict reports. A
// replica stays convergent by letting the existing row win every conflict;
// conflicts are diagnostics, never statement failures, because the remote
// transaction already committed.
package sink

import (
	"fmt"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/dr"
	"github.com/teakwood/teak/storage/index"
	"github.com/teakwood/teak/storage/table"
	"github.com/teakwood/teak/storage/tuple"
	"github.com/teakwood/teak/storage/undo"
)

type ConflictType int

const (
	NoConflict ConflictType = iota

	// The row the log expected to delete or update is absent locally.
	ConflictExpectedRowMissing

	// A row with the expected key exists but its column values differ
	// from the expected pre-image.
	ConflictExpectedRowMismatch

	// The new row collides with a unique index.
	ConflictConstraintViolation
)

func (ct ConflictType) String() string {
	switch ct {
	case NoConflict:
		return "NO CONFLICT"
	case ConflictExpectedRowMissing:
		return "EXPECTED ROW MISSING"
	case ConflictExpectedRowMismatch:
		return "EXPECTED ROW MISMATCH"
	case ConflictConstraintViolation:
		return "CONSTRAINT VIOLATION"
	}
	return "UNKNOWN"
}

// ConflictReport is what one conflicting replayed record exposes: the
// delete side or insert side classification plus up to four row sets.
type ConflictReport struct {
	Table          sql.Identifier
	Action         dr.RecordType
	DRId           int64
	UniqueID       int64
	DeleteConflict ConflictType
	InsertConflict ConflictType

	ExistingRowsForDelete [][]sql.Value
	ExpectedRowsForDelete [][]sql.Value
	ExistingRowsForInsert [][]sql.Value
	NewRowsForInsert      [][]sql.Value
}

// ConflictReporter receives conflict reports for operator visibility; an
// export layer implements it.
type ConflictReporter interface {
	ReportConflict(report *ConflictReport)
}

// Sink applies DR buffers. Not safe for concurrent use; one sink per
// partition, like every other mutation path.
type Sink struct {
	catalog  table.Catalog
	reporter ConflictReporter

	// local is this partition's own stream; it is disabled during apply
	// so replayed transactions are not replicated back.
	local *dr.TupleStream

	lastDRId int64
	reports  []*ConflictReport
}

func NewSink(catalog table.Catalog, reporter ConflictReporter, local *dr.TupleStream) *Sink {
	return &Sink{
		catalog:  catalog,
		reporter: reporter,
		local:    local,
	}
}

func (snk *Sink) LastAppliedDRId() int64 {
	return snk.lastDRId
}

// Reports returns every conflict report the sink has produced.
func (snk *Sink) Reports() []*ConflictReport {
	return snk.reports
}

func (snk *Sink) report(rpt *ConflictReport) {
	snk.reports = append(snk.reports, rpt)
	if snk.reporter != nil {
		snk.reporter.ReportConflict(rpt)
	}
}

// Apply replays every transaction in buf against tables, keyed by table
// signature. Transactions apply in drId order; each applies atomically,
// and a transaction that cannot apply (an unknown table signature, which
// replica schema drift makes an expected condition) is rolled back and
// reported as an error rather than a crash.
func (snk *Sink) Apply(buf []byte, tables map[int64]*table.Table) error {
	if snk.local != nil && snk.local.Enabled() {
		snk.local.SetEnabled(false)
		defer snk.local.SetEnabled(true)
	}

	dec := dr.NewDecoder(buf)
	for dec.More() {
		txn, err := dec.Next()
		if err != nil {
			return err
		}
		if txn.DRId <= snk.lastDRId {
			return fmt.Errorf("sink: transaction %d out of order; last applied %d",
				txn.DRId, snk.lastDRId)
		}

		if err := snk.applyTxn(txn, tables); err != nil {
			return err
		}
		snk.lastDRId = txn.DRId
	}
	return nil
}

func (snk *Sink) applyTxn(txn dr.Transaction, tables map[int64]*table.Table) error {
	quantum := undo.NewQuantum()
	ctx := table.Context{
		UniqueID: txn.UniqueID,
		SPHandle: txn.DRId,
		Quantum:  quantum,
	}

	for _, rec := range txn.Records {
		if err := snk.applyRecord(&ctx, txn, rec, tables); err != nil {
			quantum.Undo()
			return fmt.Errorf("sink: transaction %d: %s", txn.DRId, err)
		}
	}
	quantum.Release()
	return nil
}

func (snk *Sink) applyRecord(ctx *table.Context, txn dr.Transaction, rec dr.Record,
	tables map[int64]*table.Table) error {

	tbl, ok := tables[rec.TableSignature]
	if !ok {
		return fmt.Errorf("unknown table signature %#x", uint64(rec.TableSignature))
	}

	switch rec.Type {
	case dr.RecordInsert:
		return snk.applyInsert(ctx, txn, tbl, rec.RowImage)
	case dr.RecordDelete:
		return snk.applyDelete(ctx, txn, tbl, rec.RowImage)
	case dr.RecordDeleteByIndex:
		return snk.applyDeleteByIndex(ctx, txn, tbl, rec)
	case dr.RecordUpdate:
		return snk.applyUpdate(ctx, txn, tbl, rec.BeforeImage, rec.AfterImage)
	case dr.RecordUpdateByIndex:
		return snk.applyUpdateByIndex(ctx, txn, tbl, rec)
	case dr.RecordTruncateTable:
		repl, err := tbl.TruncateTable(ctx, snk.catalog)
		if err != nil {
			return err
		}
		ctx.Quantum.RegisterUndoAction(&rebindUndoAction{
			tables:    tables,
			signature: rec.TableSignature,
			prev:      tbl,
		})
		tables[rec.TableSignature] = repl
		return nil
	}
	return fmt.Errorf("unexpected record type: %d", rec.Type)
}

// rebindUndoAction restores the signature to table binding of a rolled
// back truncate; the catalog binding rolls back through the table's own
// undo action, but the caller owned map does not.
type rebindUndoAction struct {
	tables    map[int64]*table.Table
	signature int64
	prev      *table.Table
}

func (ra *rebindUndoAction) Undo() {
	ra.tables[ra.signature] = ra.prev
}

func (ra *rebindUndoAction) Release() {}

func (snk *Sink) applyInsert(ctx *table.Context, txn dr.Transaction, tbl *table.Table,
	image []byte) error {

	row, ts, withTS, err := dr.DecodeRowImage(tbl.Schema(), image)
	if err != nil {
		return err
	}
	if withTS {
		ctx.DRTimestamp = ts
	}

	err = tbl.InsertTuple(ctx, row)
	if cerr, ok := err.(*table.ConstraintError); ok &&
		cerr.Type == table.UniqueConstraint {

		// The existing row wins; the remote row is reported and dropped.
		snk.report(&ConflictReport{
			Table:                 tbl.Name(),
			Action:                dr.RecordInsert,
			DRId:                  txn.DRId,
			UniqueID:              txn.UniqueID,
			InsertConflict:        ConflictConstraintViolation,
			ExistingRowsForInsert: [][]sql.Value{cerr.Conflict},
			NewRowsForInsert:      [][]sql.Value{row},
		})
		return nil
	}
	return err
}

// classifyMissing distinguishes an absent expected row from one whose key
// is present with different column values.
func (snk *Sink) classifyMissing(tbl *table.Table, expected []sql.Value) (ConflictType,
	[][]sql.Value) {

	idx := tbl.UniqueIndexForDR()
	if idx != nil {
		existing := tbl.LookupTupleByKey(idx, idx.KeyRow(expected))
		if !existing.IsNull() {
			return ConflictExpectedRowMismatch, [][]sql.Value{existing.Values()}
		}
	}
	return ConflictExpectedRowMissing, nil
}

func (snk *Sink) applyDelete(ctx *table.Context, txn dr.Transaction, tbl *table.Table,
	image []byte) error {

	row, ts, withTS, err := dr.DecodeRowImage(tbl.Schema(), image)
	if err != nil {
		return err
	}

	target := tbl.LookupTupleForDR(row, ts, withTS)
	if target.IsNull() {
		conflict, existing := snk.classifyMissing(tbl, row)
		snk.report(&ConflictReport{
			Table:                 tbl.Name(),
			Action:                dr.RecordDelete,
			DRId:                  txn.DRId,
			UniqueID:              txn.UniqueID,
			DeleteConflict:        conflict,
			ExistingRowsForDelete: existing,
			ExpectedRowsForDelete: [][]sql.Value{row},
		})
		return nil
	}
	return tbl.DeleteTuple(ctx, target, true)
}

// indexByCRC matches the index a by-index record was produced against; the
// CRC covers the key column numbers, so a schema drifted replica fails
// loudly instead of deleting by the wrong key.
func indexByCRC(tbl *table.Table, crc uint32) *index.Index {
	for _, idx := range tbl.Indexes() {
		if idx.Unique() && idx.KeyCRC() == crc {
			return idx
		}
	}
	return nil
}

func (snk *Sink) lookupByKeyImage(tbl *table.Table, crc uint32,
	image []byte) (tuple.Tuple, []sql.Value, error) {

	idx := indexByCRC(tbl, crc)
	if idx == nil {
		return tuple.NullTuple(), nil, fmt.Errorf("table %s: no unique index with crc %#x",
			tbl.Name(), crc)
	}
	key, err := dr.DecodeKeyImage(tbl.Schema(), idx.KeyColumns(), image)
	if err != nil {
		return tuple.NullTuple(), nil, err
	}
	return tbl.LookupTupleByKey(idx, key), key, nil
}

func (snk *Sink) applyDeleteByIndex(ctx *table.Context, txn dr.Transaction,
	tbl *table.Table, rec dr.Record) error {

	target, key, err := snk.lookupByKeyImage(tbl, rec.IndexCRC, rec.KeyImage)
	if err != nil {
		return err
	}
	if target.IsNull() {
		snk.report(&ConflictReport{
			Table:                 tbl.Name(),
			Action:                dr.RecordDeleteByIndex,
			DRId:                  txn.DRId,
			UniqueID:              txn.UniqueID,
			DeleteConflict:        ConflictExpectedRowMissing,
			ExpectedRowsForDelete: [][]sql.Value{key},
		})
		return nil
	}
	return tbl.DeleteTuple(ctx, target, true)
}

func (snk *Sink) applyUpdate(ctx *table.Context, txn dr.Transaction, tbl *table.Table,
	before, after []byte) error {

	oldRow, oldTS, withTS, err := dr.DecodeRowImage(tbl.Schema(), before)
	if err != nil {
		return err
	}
	newRow, newTS, newWithTS, err := dr.DecodeRowImage(tbl.Schema(), after)
	if err != nil {
		return err
	}
	if newWithTS {
		ctx.DRTimestamp = newTS
	}

	target := tbl.LookupTupleForDR(oldRow, oldTS, withTS)
	if target.IsNull() {
		conflict, existing := snk.classifyMissing(tbl, oldRow)
		snk.report(&ConflictReport{
			Table:                 tbl.Name(),
			Action:                dr.RecordUpdate,
			DRId:                  txn.DRId,
			UniqueID:              txn.UniqueID,
			DeleteConflict:        conflict,
			ExistingRowsForDelete: existing,
			ExpectedRowsForDelete: [][]sql.Value{oldRow},
		})
		return nil
	}
	return snk.updateTarget(ctx, txn, tbl, target, newRow)
}

func (snk *Sink) applyUpdateByIndex(ctx *table.Context, txn dr.Transaction,
	tbl *table.Table, rec dr.Record) error {

	newRow, newTS, newWithTS, err := dr.DecodeRowImage(tbl.Schema(), rec.AfterImage)
	if err != nil {
		return err
	}
	if newWithTS {
		ctx.DRTimestamp = newTS
	}

	target, key, err := snk.lookupByKeyImage(tbl, rec.IndexCRC, rec.KeyImage)
	if err != nil {
		return err
	}
	if target.IsNull() {
		snk.report(&ConflictReport{
			Table:                 tbl.Name(),
			Action:                dr.RecordUpdateByIndex,
			DRId:                  txn.DRId,
			UniqueID:              txn.UniqueID,
			DeleteConflict:        ConflictExpectedRowMissing,
			ExpectedRowsForDelete: [][]sql.Value{key},
		})
		return nil
	}
	return snk.updateTarget(ctx, txn, tbl, target, newRow)
}

func (snk *Sink) updateTarget(ctx *table.Context, txn dr.Transaction, tbl *table.Table,
	target tuple.Tuple, newRow []sql.Value) error {

	err := tbl.UpdateTuple(ctx, target, newRow, true)
	if cerr, ok := err.(*table.ConstraintError); ok &&
		cerr.Type == table.UniqueConstraint {

		snk.report(&ConflictReport{
			Table:                 tbl.Name(),
			Action:                dr.RecordUpdate,
			DRId:                  txn.DRId,
			UniqueID:              txn.UniqueID,
			InsertConflict:        ConflictConstraintViolation,
			ExistingRowsForInsert: [][]sql.Value{cerr.Conflict},
			NewRowsForInsert:      [][]sql.Value{newRow},
		})
		return nil
	}
	return err
}
