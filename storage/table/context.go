package table

import (
	"github.com/teakwood/teak/storage/dr"
	"github.com/teakwood/teak/storage/undo"
)

// Context is the per-partition execution context a mutation runs under.
// Execution is single threaded per partition; the caller serializes all
// mutation and compaction calls, so nothing here is locked.
//
// Quantum may be nil for non-transactional mutation, in which case deletes
// finalize immediately and nothing can be rolled back. Stream may be nil
// when the partition does not replicate.
type Context struct {
	TxnID                 int64
	SPHandle              int64
	UniqueID              int64
	LastCommittedSPHandle int64

	// DRTimestamp is stamped into the hidden replication timestamp column
	// of tables that carry one.
	DRTimestamp int64

	Quantum *undo.Quantum
	Stream  dr.Stream
}

func (ctx *Context) meta() dr.TxnMeta {
	return dr.TxnMeta{
		TxnID:                 ctx.TxnID,
		SPHandle:              ctx.SPHandle,
		UniqueID:              ctx.UniqueID,
		LastCommittedSPHandle: ctx.LastCommittedSPHandle,
	}
}

// stream returns the DR stream appends should go to, or nil when the table
// does not replicate: the table must be DR enabled, not a view target, and
// the partition must have a stream.
func (ctx *Context) stream(tbl *Table) dr.Stream {
	if ctx.Stream == nil || !tbl.drEnabled || tbl.isMaterialized {
		return nil
	}
	return ctx.Stream
}

func (ctx *Context) rollbackStream(tbl *Table, mark, rowCost int64) {
	if stream := ctx.stream(tbl); stream != nil {
		stream.RollbackTo(mark, rowCost)
	}
}
