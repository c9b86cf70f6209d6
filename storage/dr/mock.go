package dr

import (
	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/tuple"
)

// MockStream is a Stream that discards everything; tables without
// replication configured use it so the mutation path never branches.
type MockStream struct{}

func (_ MockStream) BeginTransaction(meta TxnMeta) {}

func (_ MockStream) EndTransaction(meta TxnMeta) error {
	return nil
}

func (_ MockStream) AppendTuple(meta TxnMeta, signature int64, rt RecordType,
	sch *tuple.Schema, row []sql.Value, hiddenTS int64, hint *IndexHint) (int64, error) {

	return InvalidMark, nil
}

func (_ MockStream) AppendUpdateRecord(meta TxnMeta, signature int64, sch *tuple.Schema,
	oldRow, newRow []sql.Value, oldTS, newTS int64, hint *IndexHint) (int64, error) {

	return InvalidMark, nil
}

func (_ MockStream) TruncateTable(meta TxnMeta, signature int64, tn string) (int64, error) {
	return InvalidMark, nil
}

func (_ MockStream) RollbackTo(mark, rowCost int64) {}
