package dr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/dr"
)

func oneTxnBuffer(t *testing.T) []byte {
	t.Helper()

	sch := testSchema(0, false)
	ts := dr.NewTupleStream(1<<20, 1<<20, false)
	meta := dr.TxnMeta{SPHandle: 1, UniqueID: 1}
	_, err := ts.AppendTuple(meta, testSignature, dr.RecordInsert, sch, testRow(1), 0, nil)
	require.NoError(t, err)
	require.NoError(t, ts.EndTransaction(meta))
	return ts.ExtractCompleted()
}

func TestDecoderBadVersion(t *testing.T) {
	buf := oneTxnBuffer(t)
	buf[0] = dr.ProtocolVersion + 1
	_, err := dr.DecodeAll(buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "protocol version")
}

func TestDecoderBadChecksum(t *testing.T) {
	buf := oneTxnBuffer(t)
	// Flip a bit inside the row image.
	buf[dr.BeginRecordSize+dr.TxnRecordHeaderSize+5] ^= 0x01
	_, err := dr.DecodeAll(buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum")
}

func TestDecoderEndMismatch(t *testing.T) {
	buf := oneTxnBuffer(t)
	// Corrupt the END record's transaction id.
	buf[len(buf)-5] ^= 0x01
	_, err := dr.DecodeAll(buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ended by")
}

func TestDecoderTruncated(t *testing.T) {
	buf := oneTxnBuffer(t)
	for n := 1; n < len(buf); n++ {
		_, err := dr.DecodeAll(buf[:n])
		require.Error(t, err, "prefix of %d bytes", n)
	}
}

func TestDecoderBadBeginType(t *testing.T) {
	buf := oneTxnBuffer(t)
	buf[1] = byte(dr.RecordInsert)
	_, err := dr.DecodeAll(buf)
	require.Error(t, err)
}

func TestDecoderMultipleTransactions(t *testing.T) {
	sch := testSchema(0, false)
	ts := dr.NewTupleStream(1<<20, 1<<20, false)
	for spHandle := int64(1); spHandle <= 3; spHandle++ {
		meta := dr.TxnMeta{SPHandle: spHandle, UniqueID: spHandle * 100,
			LastCommittedSPHandle: spHandle - 1}
		_, err := ts.AppendTuple(meta, testSignature, dr.RecordInsert, sch,
			testRow(spHandle), 0, nil)
		require.NoError(t, err)
		require.NoError(t, ts.EndTransaction(meta))
	}

	txns, err := dr.DecodeAll(ts.ExtractCompleted())
	require.NoError(t, err)
	require.Len(t, txns, 3)
	for tdx, txn := range txns {
		require.Equal(t, int64(tdx+1), txn.DRId)
		require.Equal(t, int64(tdx+1)*100, txn.UniqueID)
		row, _, _, err := dr.DecodeRowImage(sch, txn.Records[0].RowImage)
		require.NoError(t, err)
		require.Equal(t, sql.Int64Value(tdx+1), row[0])
	}
}
