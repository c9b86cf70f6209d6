package tuple

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/teakwood/teak/sql"
)

const (
	flagActive = 1 << iota
	flagDirty
	flagPendingDelete
	flagPendingDeleteOnUndoRelease
)

// Tuple is the address of one tuple slot: the owning block plus the slot
// number. The address is stable until the tuple is deleted or moved by
// compaction.
type Tuple struct {
	blk  *Block
	slot int
}

// NullTuple is the zero Tuple; it addresses no storage.
func NullTuple() Tuple {
	return Tuple{}
}

func (t Tuple) IsNull() bool {
	return t.blk == nil
}

func (t Tuple) Block() *Block {
	return t.blk
}

func (t Tuple) Slot() int {
	return t.slot
}

// Address is a stable identifier for the tuple's storage location, usable
// as an index tie break for non-unique indexes.
func (t Tuple) Address() int64 {
	return t.blk.id<<32 | int64(t.slot)
}

func (t Tuple) Schema() *Schema {
	return t.blk.sch
}

func (t Tuple) base() int {
	return t.slot * t.blk.sch.TupleLength()
}

func (t Tuple) flags() byte {
	return t.blk.data[t.base()+flagsOffset]
}

func (t Tuple) setFlag(flag byte, set bool) {
	if set {
		t.blk.data[t.base()+flagsOffset] |= flag
	} else {
		t.blk.data[t.base()+flagsOffset] &^= flag
	}
}

func (t Tuple) IsActive() bool {
	return t.flags()&flagActive != 0
}

func (t Tuple) SetActive(active bool) {
	t.setFlag(flagActive, active)
}

func (t Tuple) IsDirty() bool {
	return t.flags()&flagDirty != 0
}

func (t Tuple) SetDirty(dirty bool) {
	t.setFlag(flagDirty, dirty)
}

func (t Tuple) IsPendingDelete() bool {
	return t.flags()&flagPendingDelete != 0
}

func (t Tuple) SetPendingDelete(pending bool) {
	t.setFlag(flagPendingDelete, pending)
}

func (t Tuple) IsPendingDeleteOnUndoRelease() bool {
	return t.flags()&flagPendingDeleteOnUndoRelease != 0
}

func (t Tuple) SetPendingDeleteOnUndoRelease(pending bool) {
	t.setFlag(flagPendingDeleteOnUndoRelease, pending)
}

// IsVisible reports whether an ordinary scan should see this tuple.
func (t Tuple) IsVisible() bool {
	flags := t.flags()
	return flags&flagActive != 0 && flags&flagPendingDelete == 0 &&
		flags&flagPendingDeleteOnUndoRelease == 0
}

func (t Tuple) Value(cdx int) sql.Value {
	sch := t.blk.sch
	off := t.base() + sch.columnOffset(cdx)
	if t.blk.data[off] == 0 {
		return nil
	}
	data := t.blk.data[off+1:]
	switch sch.columns[cdx].Type.Type {
	case sql.BooleanType:
		return sql.BoolValue(data[0] != 0)
	case sql.IntegerType:
		return sql.Int64Value(binary.BigEndian.Uint64(data))
	case sql.FloatType:
		return sql.Float64Value(math.Float64frombits(binary.BigEndian.Uint64(data)))
	case sql.StringType:
		return sql.StringValue(t.blk.objects[objKey{slot: t.slot, cdx: cdx}])
	case sql.BytesType:
		return sql.BytesValue(t.blk.objects[objKey{slot: t.slot, cdx: cdx}])
	}
	panic(fmt.Sprintf("tuple: unexpected column type: %v", sch.columns[cdx].Type.Type))
}

func (t Tuple) SetValue(cdx int, val sql.Value) {
	sch := t.blk.sch
	off := t.base() + sch.columnOffset(cdx)
	if val == nil {
		t.blk.data[off] = 0
		switch sch.columns[cdx].Type.Type {
		case sql.StringType, sql.BytesType:
			delete(t.blk.objects, objKey{slot: t.slot, cdx: cdx})
		}
		width := columnWidth(sch.columns[cdx].Type)
		zero := t.blk.data[off+1 : off+1+width]
		for bdx := range zero {
			zero[bdx] = 0
		}
		return
	}

	t.blk.data[off] = 1
	data := t.blk.data[off+1:]
	switch val := val.(type) {
	case sql.BoolValue:
		if val {
			data[0] = 1
		} else {
			data[0] = 0
		}
	case sql.Int64Value:
		binary.BigEndian.PutUint64(data, uint64(val))
	case sql.Float64Value:
		binary.BigEndian.PutUint64(data, math.Float64bits(float64(val)))
	case sql.StringValue:
		obj := append([]byte(nil), []byte(val)...)
		t.blk.objects[objKey{slot: t.slot, cdx: cdx}] = obj
		binary.BigEndian.PutUint32(data, uint32(len(obj)))
	case sql.BytesValue:
		obj := append([]byte(nil), []byte(val)...)
		t.blk.objects[objKey{slot: t.slot, cdx: cdx}] = obj
		binary.BigEndian.PutUint32(data, uint32(len(obj)))
	default:
		panic(fmt.Sprintf("unexpected type for sql.Value: %T: %v", val, val))
	}
}

// HiddenTimestamp returns the hidden replication timestamp column; zero
// means never stamped.
func (t Tuple) HiddenTimestamp() int64 {
	off := t.base() + t.blk.sch.timestampOffset()
	return int64(binary.BigEndian.Uint64(t.blk.data[off:]))
}

func (t Tuple) SetHiddenTimestamp(ts int64) {
	off := t.base() + t.blk.sch.timestampOffset()
	binary.BigEndian.PutUint64(t.blk.data[off:], uint64(ts))
}

// CopyFrom writes a visible column row into the tuple slot. Flags are not
// touched; a slot off the free list is already cleared.
func (t Tuple) CopyFrom(row []sql.Value) {
	sch := t.blk.sch
	if len(row) != sch.NumColumns() {
		panic(fmt.Sprintf("tuple: row has %d values, schema has %d columns", len(row),
			sch.NumColumns()))
	}
	for cdx := range row {
		t.SetValue(cdx, row[cdx])
	}
}

// Values returns the visible column values of the tuple.
func (t Tuple) Values() []sql.Value {
	sch := t.blk.sch
	row := make([]sql.Value, sch.NumColumns())
	for cdx := range row {
		row[cdx] = t.Value(cdx)
	}
	return row
}

// EqualsValues compares the tuple's visible columns to row.
func (t Tuple) EqualsValues(row []sql.Value) bool {
	sch := t.blk.sch
	if len(row) != sch.NumColumns() {
		return false
	}
	for cdx := range row {
		if sql.Compare(t.Value(cdx), row[cdx]) != 0 {
			return false
		}
	}
	return true
}

// MoveTo copies this tuple's storage, object columns and flags included,
// into the destination slot of another block. Used by compaction.
func (t Tuple) MoveTo(dst Tuple) {
	sch := t.blk.sch
	if dst.blk.sch != sch {
		panic("tuple: cannot move a tuple between schemas")
	}
	copy(dst.blk.data[dst.base():dst.base()+sch.TupleLength()],
		t.blk.data[t.base():t.base()+sch.TupleLength()])
	for cdx, col := range sch.columns {
		switch col.Type.Type {
		case sql.StringType, sql.BytesType:
			key := objKey{slot: t.slot, cdx: cdx}
			if obj, ok := t.blk.objects[key]; ok {
				dst.blk.objects[objKey{slot: dst.slot, cdx: cdx}] = obj
			}
		}
	}
}
