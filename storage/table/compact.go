package table

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/teakwood/teak/storage/tuple"
)

// NeedsCompaction is the compaction predicate: more than one block and an
// overall load factor below the configured threshold.
func (tbl *Table) NeedsCompaction() bool {
	return len(tbl.blocks) > 1 && tbl.loadFactor() < tbl.cfg.CompactionLoad
}

// pickCompactionPair selects the fullest block with free space and the
// lightest loaded block from one bucket subset. Blocks holding tuples
// pinned by an open transaction or a scan are not eligible donors.
func pickCompactionPair(buckets *bucketSet) (*tuple.Block, *tuple.Block) {
	var fullest *tuple.Block
	for bdx := tuple.NumBuckets - 1; bdx >= 0 && fullest == nil; bdx-- {
		for _, blk := range buckets[bdx] {
			fullest = blk
			break
		}
	}
	if fullest == nil {
		return nil, nil
	}

	var lightest *tuple.Block
	for bdx := 0; bdx < tuple.NumBuckets && lightest == nil; bdx++ {
		for _, blk := range buckets[bdx] {
			if blk != fullest && !blk.IsEmpty() {
				lightest = blk
				break
			}
		}
	}
	if lightest == nil {
		return nil, nil
	}
	return fullest, lightest
}

func (tbl *Table) blockPinned(blk *tuple.Block) bool {
	pinned := false
	blk.ForEachUsedSlot(func(t tuple.Tuple) bool {
		if !t.IsVisible() {
			pinned = true
			return false
		}
		return true
	})
	return pinned
}

// doCompactionWithinSubset merges the lightest block of the subset into the
// fullest until the fullest fills up or the donor empties; an emptied donor
// is physically freed. Returns whether any tuple moved.
func (tbl *Table) doCompactionWithinSubset(buckets *bucketSet) bool {
	fullest, lightest := pickCompactionPair(buckets)
	if fullest == nil {
		return false
	}
	if tbl.blockPinned(lightest) {
		// A pending delete or undo pinned tuple can not move; its
		// registered undo action holds the storage address.
		return false
	}

	moved := false
	for _, slot := range lightest.UsedSlots() {
		if !fullest.HasFreeSlots() {
			break
		}
		src := lightest.Tuple(slot)

		dstSlot, dstBucket := fullest.NextFreeSlot()
		if !fullest.HasFreeSlots() {
			tbl.blocksWithSpace.Delete(blockItem{blk: fullest})
		}
		tbl.rebucket(fullest, dstBucket)
		dst := fullest.Tuple(dstSlot)

		src.MoveTo(dst)
		for _, ind := range tbl.indexes {
			if !ind.ReplaceEntry(src, dst) {
				log.WithFields(log.Fields{
					"table": tbl.name,
					"index": ind.Name(),
					"block": lightest.ID(),
				}).Fatal("compaction: moved tuple has no index entry")
			}
		}
		if tbl.streamer != nil {
			tbl.streamer.NotifyTupleMovement(lightest, fullest, src, dst)
		}
		tbl.rebucket(lightest, lightest.FreeSlot(slot))
		moved = true
	}

	if lightest.IsEmpty() {
		tbl.freeBlock(lightest)
		if tbl.streamer != nil {
			tbl.streamer.NotifyBlockCompactedAway(lightest)
		}
	}
	return moved
}

// DoIdleCompaction runs one opportunistic merge pass if the table is
// fragmented enough to bother; returns whether any tuples moved.
func (tbl *Table) DoIdleCompaction() bool {
	if !tbl.NeedsCompaction() {
		return false
	}
	return tbl.doCompactionWithinSubset(&tbl.notPendingBuckets)
}

// IdleCompactor periodically schedules opportunistic compaction passes over
// a set of tables. Table access is single threaded per partition, so each
// pass is handed to run, which the owner uses to execute it on the
// partition's thread; a nil run executes passes on the ticker goroutine.
type IdleCompactor struct {
	interval time.Duration
	tables   func() []*Table
	run      func(func())
	stop     chan struct{}
	done     chan struct{}
}

func NewIdleCompactor(interval time.Duration, tables func() []*Table,
	run func(func())) *IdleCompactor {

	if run == nil {
		run = func(pass func()) {
			pass()
		}
	}
	return &IdleCompactor{
		interval: interval,
		tables:   tables,
		run:      run,
	}
}

func (ic *IdleCompactor) Start() {
	if ic.stop != nil {
		panic("table: idle compactor already started")
	}
	ic.stop = make(chan struct{})
	ic.done = make(chan struct{})
	go ic.loop()
}

func (ic *IdleCompactor) loop() {
	defer close(ic.done)

	tick := time.NewTicker(ic.interval)
	defer tick.Stop()
	for {
		select {
		case <-ic.stop:
			return
		case <-tick.C:
			ic.run(func() {
				for _, tbl := range ic.tables() {
					tbl.DoIdleCompaction()
				}
			})
		}
	}
}

// Stop shuts the ticker goroutine down; no pass is scheduled after Stop
// returns. Stopping an unstarted or stopped compactor is a no-op.
func (ic *IdleCompactor) Stop() {
	if ic.stop == nil {
		return
	}
	close(ic.stop)
	<-ic.done
	ic.stop = nil
}

// DoForcedCompaction merges blocks until the compaction predicate is
// satisfied. Bucket bookkeeping and actual free space tracking can diverge;
// a bounded retry count with a logged failure counter keeps that from
// looping forever. Returns whether any work was done.
func (tbl *Table) DoForcedCompaction() bool {
	worked := false
	failures := 0
	for tbl.NeedsCompaction() {
		did := tbl.doCompactionWithinSubset(&tbl.pendingBuckets)
		if tbl.doCompactionWithinSubset(&tbl.notPendingBuckets) {
			did = true
		}
		if did {
			worked = true
			failures = 0
			continue
		}

		failures += 1
		tbl.failedCompactions += 1
		if failures >= tbl.cfg.MaxCompactionRetries {
			log.WithFields(log.Fields{
				"table":    tbl.name,
				"failures": tbl.failedCompactions,
				"blocks":   len(tbl.blocks),
			}).Warn("compaction: giving up; no eligible block pair")
			break
		}
	}
	if worked && tbl.failedCompactions > 0 && failures == 0 {
		log.WithFields(log.Fields{
			"table": tbl.name,
		}).Info("compaction: recovered after earlier failures")
	}
	return worked
}
