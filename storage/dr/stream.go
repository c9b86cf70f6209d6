package dr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/tuple"
)

// ErrStreamCapacity is returned when a single transaction's records exceed
// the stream's secondary capacity; the caller must roll the transaction back.
var ErrStreamCapacity = errors.New("dr: transaction exceeds stream capacity")

// TxnMeta carries the transaction identifiers a mutation executes under.
type TxnMeta struct {
	TxnID                 int64
	SPHandle              int64
	UniqueID              int64
	LastCommittedSPHandle int64
}

// IndexHint identifies the unique index whose key columns suffice to locate
// a row on the replica, letting delete and update records carry a key image
// instead of the full before image.
type IndexHint struct {
	CRC     uint32
	KeyCols []sql.ColumnKey
}

// Stream is the change log a table appends committed mutations to. Append
// methods return the stream mark to roll back to if the table mutation that
// follows the append fails.
type Stream interface {
	BeginTransaction(meta TxnMeta)
	EndTransaction(meta TxnMeta) error
	AppendTuple(meta TxnMeta, signature int64, rt RecordType, sch *tuple.Schema,
		row []sql.Value, hiddenTS int64, hint *IndexHint) (int64, error)
	AppendUpdateRecord(meta TxnMeta, signature int64, sch *tuple.Schema,
		oldRow, newRow []sql.Value, oldTS, newTS int64, hint *IndexHint) (int64, error)
	TruncateTable(meta TxnMeta, signature int64, tn string) (int64, error)
	RollbackTo(mark, rowCost int64)
}

// TupleStream buffers DR records between the universal stream offsets
// flushedUso and uso; marks are absolute offsets, so extracting committed
// bytes never invalidates the open transaction's rollback marks.
type TupleStream struct {
	enabled      bool
	activeActive bool

	defaultCapacity   int64
	secondaryCapacity int64

	buf        []byte
	flushedUso int64

	committedUso            int64
	committedSequenceNumber int64

	opened       bool
	beginUso     int64
	openSequence int64
	openSPHandle int64
	openUniqueID int64
	txnRowCount  int64
	hashFlag     byte
	firstParHash int32
	lastParHash  int32

	rollback []rollbackState
}

// rollbackState is the hash tracking state in effect before the append at
// mark; RollbackTo restores it along with the buffer, since a rolled back
// append may have emitted a hash delimiter or flipped the hash flag.
type rollbackState struct {
	mark         int64
	hashFlag     byte
	firstParHash int32
	lastParHash  int32
}

func NewTupleStream(defaultCapacity, secondaryCapacity int64, activeActive bool) *TupleStream {
	if secondaryCapacity < defaultCapacity {
		secondaryCapacity = defaultCapacity
	}
	return &TupleStream{
		enabled:           true,
		activeActive:      activeActive,
		defaultCapacity:   defaultCapacity,
		secondaryCapacity: secondaryCapacity,
	}
}

func (ts *TupleStream) Enabled() bool {
	return ts.enabled
}

// SetEnabled turns the stream on or off; a disabled stream accepts appends
// but writes nothing, so replayed remote transactions are not re-replicated.
func (ts *TupleStream) SetEnabled(enabled bool) {
	if !enabled && ts.opened {
		panic("dr: stream disabled with an open transaction")
	}
	ts.enabled = enabled
}

func (ts *TupleStream) ActiveActive() bool {
	return ts.activeActive
}

// Uso is the universal stream offset one past the last byte written.
func (ts *TupleStream) Uso() int64 {
	return ts.flushedUso + int64(len(ts.buf))
}

func (ts *TupleStream) LastCommittedSequence() int64 {
	return ts.committedSequenceNumber
}

// checkCapacity bounds the open transaction's accumulation. A transaction
// normally fits within the default capacity; a single over-large transaction
// may spill into the enlarged secondary capacity, but only when it has the
// buffer to itself — the committed backlog must have been extracted.
func (ts *TupleStream) checkCapacity(add int) error {
	base := ts.committedUso
	if ts.opened {
		base = ts.beginUso
	}
	size := ts.Uso() + int64(add) - base
	if size > ts.secondaryCapacity {
		return ErrStreamCapacity
	}
	if size > ts.defaultCapacity && base != ts.flushedUso {
		return ErrStreamCapacity
	}
	return nil
}

// BeginTransaction opens a transaction, writing its BEGIN record. Calling
// it again before any row record is written has no effect; a transaction
// that ends with zero rows is elided entirely.
func (ts *TupleStream) BeginTransaction(meta TxnMeta) {
	if !ts.enabled {
		return
	}
	if ts.opened {
		if meta.SPHandle == ts.openSPHandle {
			return
		}
		// New transaction on the partition; commit the open one first.
		if err := ts.EndTransaction(TxnMeta{SPHandle: ts.openSPHandle,
			UniqueID: ts.openUniqueID}); err != nil {

			panic(fmt.Sprintf("dr: end transaction: %s", err))
		}
	}
	if meta.SPHandle < meta.LastCommittedSPHandle {
		panic(fmt.Sprintf("dr: transaction %d precedes last committed %d", meta.SPHandle,
			meta.LastCommittedSPHandle))
	}

	ts.opened = true
	ts.beginUso = ts.Uso()
	ts.openSequence = ts.committedSequenceNumber + 1
	ts.openSPHandle = meta.SPHandle
	ts.openUniqueID = meta.UniqueID
	ts.txnRowCount = 0
	ts.hashFlag = HashFlagSinglePartition
	ts.firstParHash = 0
	ts.lastParHash = 0
	ts.rollback = ts.rollback[:0]

	// txnLength and parHash are patched by EndTransaction.
	buf := make([]byte, BeginRecordSize)
	buf[0] = ProtocolVersion
	buf[1] = byte(RecordBeginTxn)
	binary.BigEndian.PutUint64(buf[beginDRIdOffset:], uint64(ts.openSequence))
	binary.BigEndian.PutUint64(buf[beginUniqueIdOffset:], uint64(meta.UniqueID))
	buf[beginHashFlagOffset] = ts.hashFlag
	ts.buf = append(ts.buf, buf...)
}

// EndTransaction commits the open transaction: the BEGIN record's length,
// hash flag, and partition hash are patched in, and an END record with a
// checksum over the whole transaction is appended.
func (ts *TupleStream) EndTransaction(meta TxnMeta) error {
	if !ts.enabled || !ts.opened {
		return nil
	}
	if meta.SPHandle != ts.openSPHandle {
		return fmt.Errorf("dr: end of transaction %d; have %d open", meta.SPHandle,
			ts.openSPHandle)
	}

	begin := ts.beginUso - ts.flushedUso
	if ts.txnRowCount == 0 {
		// Nothing but the BEGIN was written; drop the transaction.
		ts.buf = ts.buf[:begin]
		ts.opened = false
		ts.rollback = ts.rollback[:0]
		return nil
	}

	txnLength := ts.Uso() - ts.beginUso + EndRecordSize
	binary.BigEndian.PutUint32(ts.buf[begin+beginTxnLengthOffset:], uint32(txnLength))
	binary.BigEndian.PutUint32(ts.buf[begin+beginParHashOffset:], uint32(ts.firstParHash))
	ts.buf[begin+beginHashFlagOffset] = ts.hashFlag

	ts.buf = append(ts.buf, byte(RecordEndTxn))
	var u [8]byte
	binary.BigEndian.PutUint64(u[:], uint64(ts.openSequence))
	ts.buf = append(ts.buf, u[:]...)
	cksum := checksum(ts.buf[begin:])
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], cksum)
	ts.buf = append(ts.buf, c[:]...)

	ts.committedUso = ts.Uso()
	ts.committedSequenceNumber = ts.openSequence
	ts.opened = false
	ts.rollback = ts.rollback[:0]
	return nil
}

func (ts *TupleStream) pushRollbackState(mark int64) {
	ts.rollback = append(ts.rollback, rollbackState{
		mark:         mark,
		hashFlag:     ts.hashFlag,
		firstParHash: ts.firstParHash,
		lastParHash:  ts.lastParHash,
	})
}

func (ts *TupleStream) trackParHash(sch *tuple.Schema, row []sql.Value) {
	h := ParHash(sch, row)
	if ts.txnRowCount == 0 {
		ts.firstParHash = h
		ts.lastParHash = h
		if sch.Replicated() {
			ts.hashFlag = HashFlagReplicated
		}
		return
	}
	if h != ts.lastParHash {
		ts.hashFlag = HashFlagMultiPartition
		ts.buf = append(ts.buf, byte(RecordHashDelimiter))
		var u [4]byte
		binary.BigEndian.PutUint32(u[:], uint32(h))
		ts.buf = append(ts.buf, u[:]...)
		ts.lastParHash = h
	}
}

func appendImage(buf, image []byte) []byte {
	var u [4]byte
	binary.BigEndian.PutUint32(u[:], uint32(len(image)))
	buf = append(buf, u[:]...)
	return append(buf, image...)
}

func (ts *TupleStream) recordHeader(rt RecordType, signature int64) {
	ts.buf = append(ts.buf, byte(rt))
	var u [8]byte
	binary.BigEndian.PutUint64(u[:], uint64(signature))
	ts.buf = append(ts.buf, u[:]...)
}

// AppendTuple writes an insert or delete record for row, opening a
// transaction if none is open. In active-active mode delete records always
// carry the full before image; otherwise a delete with an index hint is
// written as DELETE_BY_INDEX with just the key image.
func (ts *TupleStream) AppendTuple(meta TxnMeta, signature int64, rt RecordType,
	sch *tuple.Schema, row []sql.Value, hiddenTS int64, hint *IndexHint) (int64, error) {

	if !ts.enabled {
		return InvalidMark, nil
	}
	if rt != RecordInsert && rt != RecordDelete {
		panic(fmt.Sprintf("dr: unexpected record type: %s", rt))
	}

	if !ts.opened || meta.SPHandle != ts.openSPHandle {
		ts.BeginTransaction(meta)
	}
	mark := ts.Uso()
	if ts.txnRowCount == 0 {
		// Rolling back the first row drops the BEGIN as well.
		mark = ts.beginUso
	}

	if ts.activeActive {
		hint = nil
	}
	if rt == RecordDelete && hint != nil {
		image := EncodeKeyImage(sch, hint.KeyCols, row)
		if err := ts.checkCapacity(TxnRecordHeaderSize + 4 + 4 + len(image) +
			HashDelimiterSize); err != nil {

			return InvalidMark, err
		}
		ts.pushRollbackState(mark)
		ts.trackParHash(sch, row)
		ts.recordHeader(RecordDeleteByIndex, signature)
		var u [4]byte
		binary.BigEndian.PutUint32(u[:], hint.CRC)
		ts.buf = append(ts.buf, u[:]...)
		ts.buf = appendImage(ts.buf, image)
	} else {
		image := EncodeRowImage(sch, row, hiddenTS, ts.activeActive)
		if err := ts.checkCapacity(TxnRecordHeaderSize + 4 + len(image) +
			HashDelimiterSize); err != nil {

			return InvalidMark, err
		}
		ts.pushRollbackState(mark)
		ts.trackParHash(sch, row)
		ts.recordHeader(rt, signature)
		ts.buf = appendImage(ts.buf, image)
	}
	ts.txnRowCount += RowCost(rt)
	return mark, nil
}

// AppendUpdateRecord writes an update record carrying the before and after
// images; with an index hint outside active-active mode the before image is
// reduced to the key image (UPDATE_BY_INDEX).
func (ts *TupleStream) AppendUpdateRecord(meta TxnMeta, signature int64, sch *tuple.Schema,
	oldRow, newRow []sql.Value, oldTS, newTS int64, hint *IndexHint) (int64, error) {

	if !ts.enabled {
		return InvalidMark, nil
	}
	if !ts.opened || meta.SPHandle != ts.openSPHandle {
		ts.BeginTransaction(meta)
	}
	mark := ts.Uso()
	if ts.txnRowCount == 0 {
		mark = ts.beginUso
	}

	if ts.activeActive {
		hint = nil
	}
	after := EncodeRowImage(sch, newRow, newTS, ts.activeActive)
	if hint != nil {
		before := EncodeKeyImage(sch, hint.KeyCols, oldRow)
		if err := ts.checkCapacity(TxnRecordHeaderSize + 4 + 4 + len(before) + 4 +
			len(after) + HashDelimiterSize); err != nil {

			return InvalidMark, err
		}
		ts.pushRollbackState(mark)
		ts.trackParHash(sch, oldRow)
		ts.recordHeader(RecordUpdateByIndex, signature)
		var u [4]byte
		binary.BigEndian.PutUint32(u[:], hint.CRC)
		ts.buf = append(ts.buf, u[:]...)
		ts.buf = appendImage(ts.buf, before)
		ts.buf = appendImage(ts.buf, after)
	} else {
		before := EncodeRowImage(sch, oldRow, oldTS, ts.activeActive)
		if err := ts.checkCapacity(TxnRecordHeaderSize + 4 + len(before) + 4 +
			len(after) + HashDelimiterSize); err != nil {

			return InvalidMark, err
		}
		ts.pushRollbackState(mark)
		ts.trackParHash(sch, oldRow)
		ts.recordHeader(RecordUpdate, signature)
		ts.buf = appendImage(ts.buf, before)
		ts.buf = appendImage(ts.buf, after)
	}
	ts.txnRowCount += RowCost(RecordUpdate)
	return mark, nil
}

// TruncateTable writes a whole-table truncate record carrying the table
// name so the replica can report it.
func (ts *TupleStream) TruncateTable(meta TxnMeta, signature int64, tn string) (int64,
	error) {

	if !ts.enabled {
		return InvalidMark, nil
	}
	if !ts.opened || meta.SPHandle != ts.openSPHandle {
		ts.BeginTransaction(meta)
	}
	mark := ts.Uso()
	if ts.txnRowCount == 0 {
		mark = ts.beginUso
	}

	if err := ts.checkCapacity(TxnRecordHeaderSize + 4 + len(tn)); err != nil {
		return InvalidMark, err
	}
	ts.pushRollbackState(mark)
	ts.recordHeader(RecordTruncateTable, signature)
	ts.buf = appendImage(ts.buf, []byte(tn))
	ts.txnRowCount += RowCost(RecordTruncateTable)
	return mark, nil
}

// RollbackTo truncates the stream back to mark, undoing the appends made
// after it; rowCost is the row count those appends contributed.
func (ts *TupleStream) RollbackTo(mark, rowCost int64) {
	if !ts.enabled || mark == InvalidMark {
		return
	}
	if mark < ts.committedUso {
		panic(fmt.Sprintf("dr: rollback to %d before committed offset %d", mark,
			ts.committedUso))
	}
	if mark > ts.Uso() {
		panic(fmt.Sprintf("dr: rollback to %d beyond stream offset %d", mark, ts.Uso()))
	}
	ts.buf = ts.buf[:mark-ts.flushedUso]
	for len(ts.rollback) > 0 && ts.rollback[len(ts.rollback)-1].mark >= mark {
		st := ts.rollback[len(ts.rollback)-1]
		ts.rollback = ts.rollback[:len(ts.rollback)-1]
		ts.hashFlag = st.hashFlag
		ts.firstParHash = st.firstParHash
		ts.lastParHash = st.lastParHash
	}
	if ts.opened && mark <= ts.beginUso {
		ts.opened = false
		ts.rollback = ts.rollback[:0]
	} else {
		ts.txnRowCount -= rowCost
	}
}

// ExtractCompleted drains the committed portion of the buffer for the
// consumer; bytes belonging to a still open transaction stay buffered.
func (ts *TupleStream) ExtractCompleted() []byte {
	n := ts.committedUso - ts.flushedUso
	if n <= 0 {
		return nil
	}
	ext := append([]byte(nil), ts.buf[:n]...)
	ts.buf = ts.buf[n:]
	ts.flushedUso += n
	return ext
}
