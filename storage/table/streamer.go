package table

import (
	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/tuple"
)

// Streamer is a background snapshot or elastic index scan cooperating with
// mutation on the same thread of control. It is consulted synchronously;
// returning false from NotifyTupleDelete vetoes immediate physical
// reclamation and leaves the tuple pending delete for the scan to dispose
// of.
type Streamer interface {
	NotifyTupleInsert(t tuple.Tuple)
	NotifyTupleUpdate(t tuple.Tuple)
	NotifyTupleDelete(t tuple.Tuple) bool
	NotifyTupleMovement(from, to *tuple.Block, src, dst tuple.Tuple)
	NotifyBlockCompactedAway(blk *tuple.Block)
}

// ViewTrigger is a materialized view bound to a source table. Triggers are
// notified in registration order, after the corresponding base table index
// mutation commits in memory. The trigger owns its target table; the source
// table merely references the trigger.
type ViewTrigger interface {
	Name() sql.Identifier
	TargetTable() *Table
	ProcessTupleInsert(ctx *Context, t tuple.Tuple, fallible bool) error
	ProcessTupleDelete(ctx *Context, t tuple.Tuple, fallible bool) error

	// CloneForTruncate builds an equivalent trigger with an empty target
	// table, bound to the replacement source table.
	CloneForTruncate(src *Table) ViewTrigger
}

// Catalog owns the name to table binding; truncation swaps the binding to
// a fresh empty table and undo swaps it back.
type Catalog interface {
	ReplaceTable(old, repl *Table)
}
