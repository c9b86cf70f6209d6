package dr

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/tuple"
)

// Row images are self-delimiting: column count, null mask, then each
// non-null value in fixed big-endian encoding with a four byte length
// prefix on variable width columns. A row image covering one more column
// than the schema's visible count carries the hidden replication timestamp
// as a trailing integer column.

func encodeImage(cts []sql.ColumnType, row []sql.Value) []byte {
	buf := make([]byte, 2+(len(row)+7)/8, 2+len(row)*9)
	binary.BigEndian.PutUint16(buf, uint16(len(row)))
	mask := buf[2:]
	for cdx, val := range row {
		if val == nil {
			continue
		}
		mask[cdx/8] |= 1 << uint(cdx%8)
		switch ct := cts[cdx]; ct.Type {
		case sql.BooleanType:
			if val.(sql.BoolValue) {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case sql.IntegerType:
			var u [8]byte
			binary.BigEndian.PutUint64(u[:], uint64(val.(sql.Int64Value)))
			buf = append(buf, u[:]...)
		case sql.FloatType:
			var u [8]byte
			binary.BigEndian.PutUint64(u[:], math.Float64bits(float64(val.(sql.Float64Value))))
			buf = append(buf, u[:]...)
		case sql.StringType:
			b := []byte(val.(sql.StringValue))
			var u [4]byte
			binary.BigEndian.PutUint32(u[:], uint32(len(b)))
			buf = append(buf, u[:]...)
			buf = append(buf, b...)
		case sql.BytesType:
			b := []byte(val.(sql.BytesValue))
			var u [4]byte
			binary.BigEndian.PutUint32(u[:], uint32(len(b)))
			buf = append(buf, u[:]...)
			buf = append(buf, b...)
		default:
			panic(fmt.Sprintf("dr: unexpected column type: %v", ct.Type))
		}
	}
	return buf
}

func decodeImage(cts []sql.ColumnType, buf []byte) ([]sql.Value, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("dr: bad row image: %d bytes", len(buf))
	}
	numCols := int(binary.BigEndian.Uint16(buf))
	if numCols != len(cts) {
		return nil, fmt.Errorf("dr: bad row image: have %d columns, want %d", numCols,
			len(cts))
	}
	maskLen := (numCols + 7) / 8
	if len(buf) < 2+maskLen {
		return nil, fmt.Errorf("dr: bad row image: truncated null mask")
	}
	mask := buf[2 : 2+maskLen]
	buf = buf[2+maskLen:]

	row := make([]sql.Value, numCols)
	for cdx := 0; cdx < numCols; cdx++ {
		if mask[cdx/8]&(1<<uint(cdx%8)) == 0 {
			continue
		}
		switch ct := cts[cdx]; ct.Type {
		case sql.BooleanType:
			if len(buf) < 1 {
				return nil, fmt.Errorf("dr: bad row image: truncated column %d", cdx)
			}
			row[cdx] = sql.BoolValue(buf[0] != 0)
			buf = buf[1:]
		case sql.IntegerType:
			if len(buf) < 8 {
				return nil, fmt.Errorf("dr: bad row image: truncated column %d", cdx)
			}
			row[cdx] = sql.Int64Value(binary.BigEndian.Uint64(buf))
			buf = buf[8:]
		case sql.FloatType:
			if len(buf) < 8 {
				return nil, fmt.Errorf("dr: bad row image: truncated column %d", cdx)
			}
			row[cdx] = sql.Float64Value(math.Float64frombits(binary.BigEndian.Uint64(buf)))
			buf = buf[8:]
		case sql.StringType, sql.BytesType:
			if len(buf) < 4 {
				return nil, fmt.Errorf("dr: bad row image: truncated column %d", cdx)
			}
			bl := int(binary.BigEndian.Uint32(buf))
			buf = buf[4:]
			if len(buf) < bl {
				return nil, fmt.Errorf("dr: bad row image: truncated column %d", cdx)
			}
			if ct.Type == sql.StringType {
				row[cdx] = sql.StringValue(buf[:bl])
			} else {
				row[cdx] = sql.BytesValue(append([]byte(nil), buf[:bl]...))
			}
			buf = buf[bl:]
		default:
			panic(fmt.Sprintf("dr: unexpected column type: %v", ct.Type))
		}
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("dr: bad row image: %d trailing bytes", len(buf))
	}
	return row, nil
}

func visibleColumnTypes(sch *tuple.Schema) []sql.ColumnType {
	cts := make([]sql.ColumnType, sch.NumColumns())
	for cdx := range cts {
		cts[cdx] = sch.Column(cdx).Type
	}
	return cts
}

// EncodeRowImage serializes a row; includeHidden appends the hidden
// replication timestamp as a trailing column for active-active conflict
// detection.
func EncodeRowImage(sch *tuple.Schema, row []sql.Value, hiddenTS int64,
	includeHidden bool) []byte {

	cts := visibleColumnTypes(sch)
	if includeHidden && sch.HasHiddenTimestamp() {
		cts = append(cts, sql.Int64ColType)
		row = append(append([]sql.Value(nil), row...), sql.Int64Value(hiddenTS))
	}
	return encodeImage(cts, row)
}

// DecodeRowImage deserializes a row image, returning the visible columns
// and, when the image carries one, the hidden timestamp.
func DecodeRowImage(sch *tuple.Schema, image []byte) ([]sql.Value, int64, bool, error) {
	if len(image) < 2 {
		return nil, 0, false, fmt.Errorf("dr: bad row image: %d bytes", len(image))
	}
	numCols := int(binary.BigEndian.Uint16(image))

	cts := visibleColumnTypes(sch)
	withHidden := false
	if numCols == len(cts)+1 && sch.HasHiddenTimestamp() {
		cts = append(cts, sql.Int64ColType)
		withHidden = true
	}
	row, err := decodeImage(cts, image)
	if err != nil {
		return nil, 0, false, err
	}
	if !withHidden {
		return row, 0, false, nil
	}
	ts := int64(row[len(row)-1].(sql.Int64Value))
	return row[:len(row)-1], ts, true, nil
}

// EncodeKeyImage serializes the index key columns of a row.
func EncodeKeyImage(sch *tuple.Schema, keyCols []sql.ColumnKey, row []sql.Value) []byte {
	cts := make([]sql.ColumnType, len(keyCols))
	key := make([]sql.Value, len(keyCols))
	for kdx, ck := range keyCols {
		cts[kdx] = sch.Column(ck.Column()).Type
		key[kdx] = row[ck.Column()]
	}
	return encodeImage(cts, key)
}

// DecodeKeyImage deserializes an index key image.
func DecodeKeyImage(sch *tuple.Schema, keyCols []sql.ColumnKey, image []byte) ([]sql.Value,
	error) {

	cts := make([]sql.ColumnType, len(keyCols))
	for kdx, ck := range keyCols {
		cts[kdx] = sch.Column(ck.Column()).Type
	}
	return decodeImage(cts, image)
}

// ParHash computes the partition hash of a row from its partitioning
// column; replicated tables hash to zero.
func ParHash(sch *tuple.Schema, row []sql.Value) int32 {
	if sch.Replicated() {
		return 0
	}
	pc := sch.PartitionColumn()
	image := encodeImage([]sql.ColumnType{sch.Column(pc).Type}, []sql.Value{row[pc]})
	h := fnv.New32a()
	h.Write(image)
	return int32(h.Sum32())
}
