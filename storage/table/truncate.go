package table

import (
	"github.com/teakwood/teak/storage/dr"
	"github.com/teakwood/teak/storage/tuple"
)

// TruncateTable empties the table. At very low occupancy of a single block
// it degrades to a tuple by tuple delete loop; otherwise the catalog's
// binding is swapped to a fresh empty table, one DR TRUNCATE record is
// emitted, and the old table is kept alive until the transaction commits
// (and until any in-flight snapshot scan finishes with it).
//
// The swap is undo capable: rollback swaps the original table back and
// commit tears it down. The replacement table is returned; with the tuple
// by tuple degradation it is the receiver itself.
func (tbl *Table) TruncateTable(ctx *Context, catalog Catalog) (*Table, error) {
	cutoff := tbl.cfg.TruncateCutoff
	if len(tbl.views) > 0 {
		// View maintenance dominates the block swap path; fall back to
		// per-row deletes at a much lower occupancy.
		cutoff = tbl.cfg.TruncateCutoffWithViews
	}
	if len(tbl.blocks) <= 1 && tbl.loadFactor() < cutoff {
		if err := tbl.DeleteAllTuples(ctx, true); err != nil {
			return nil, err
		}
		return tbl, nil
	}

	repl := tbl.cloneEmpty()
	if tbl.streamer != nil {
		// The scan finishes against the old table; keep it reachable.
		repl.preTruncate = tbl
	}

	drMark := int64(dr.InvalidMark)
	if stream := ctx.stream(tbl); stream != nil {
		var err error
		drMark, err = stream.TruncateTable(ctx.meta(), tbl.signature, tbl.name.String())
		if err != nil {
			return nil, err
		}
	}

	catalog.ReplaceTable(tbl, repl)

	if ctx.Quantum != nil {
		ctx.Quantum.RegisterUndoAction(&truncateUndoAction{
			ctx:     ctx,
			catalog: catalog,
			old:     tbl,
			repl:    repl,
			drMark:  drMark,
		})
	} else {
		tbl.truncateRelease(repl)
	}
	return repl, nil
}

func (tbl *Table) loadFactor() float64 {
	allocated := tbl.AllocatedTupleCount()
	if allocated == 0 {
		return 0
	}
	return float64(tbl.activeTupleCount) / float64(allocated)
}

// truncateRelease tears the pre-truncation table down once nothing can
// bring it back.
func (tbl *Table) truncateRelease(repl *Table) {
	if tbl.streamer != nil {
		// Still scanning; FinishSnapshot on the replacement drops the
		// back-reference later.
		return
	}
	repl.preTruncate = nil
	tbl.blocks = map[int64]*tuple.Block{}
	tbl.blockStates = map[int64]BlockState{}
	tbl.blocksWithSpace.Clear(false)
	for bdx := 0; bdx < tuple.NumBuckets; bdx++ {
		tbl.notPendingBuckets[bdx] = map[int64]*tuple.Block{}
		tbl.pendingBuckets[bdx] = map[int64]*tuple.Block{}
	}
	tbl.activeTupleCount = 0
	tbl.indexes = nil
	tbl.pkIndex = nil
	tbl.views = nil
}

type truncateUndoAction struct {
	ctx     *Context
	catalog Catalog
	old     *Table
	repl    *Table
	drMark  int64
}

func (ta *truncateUndoAction) Undo() {
	ta.catalog.ReplaceTable(ta.repl, ta.old)
	ta.ctx.rollbackStream(ta.old, ta.drMark, dr.RowCost(dr.RecordTruncateTable))
}

func (ta *truncateUndoAction) Release() {
	ta.old.truncateRelease(ta.repl)
}
