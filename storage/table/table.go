// Package table implements the persistent table: block-allocated tuple
// storage with compaction, ordered indexes, materialized view notification,
// undo-capable mutation, and change replication through a DR stream.
package table

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/google/btree"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/dr"
	"github.com/teakwood/teak/storage/index"
	"github.com/teakwood/teak/storage/tuple"
)

// Config holds the storage tunables of a table. The truncate cutoffs are
// empirically tuned: below them a single block truncate degrades to a
// tuple by tuple delete loop, which is cheaper at very low occupancy.
type Config struct {
	BlockSize               int
	TruncateCutoff          float64
	TruncateCutoffWithViews float64

	// CompactionLoad is the overall load factor below which forced
	// compaction keeps merging blocks.
	CompactionLoad       float64
	MaxCompactionRetries int
}

func DefaultConfig() Config {
	return Config{
		BlockSize:               2 * 1024 * 1024,
		TruncateCutoff:          0.105666,
		TruncateCutoffWithViews: 0.015416,
		CompactionLoad:          0.95,
		MaxCompactionRetries:    10,
	}
}

// BlockState is the snapshot ownership state of a block. Transitions only
// happen through the table and the streamer: snapshot activation moves
// every block to PendingSnapshot, the streamer claims one block at a time
// as ActivelyStreaming, and finished blocks return to NotPendingSnapshot.
type BlockState int

const (
	NotPendingSnapshot BlockState = iota
	PendingSnapshot
	ActivelyStreaming
)

type blockItem struct {
	blk *tuple.Block
}

func (bi blockItem) Less(item btree.Item) bool {
	return bi.blk.ID() < item.(blockItem).blk.ID()
}

type bucketSet [tuple.NumBuckets]map[int64]*tuple.Block

// Table owns its blocks and indexes exclusively; views are referenced, not
// owned. All access is serialized by the caller at the partition boundary.
type Table struct {
	name           sql.Identifier
	sch            *tuple.Schema
	signature      int64
	drEnabled      bool
	isMaterialized bool
	tupleLimit     int64
	cfg            Config

	blocks          map[int64]*tuple.Block
	blockStates     map[int64]BlockState
	nextBlockID     int64
	blocksWithSpace *btree.BTree

	notPendingBuckets bucketSet
	pendingBuckets    bucketSet

	indexes []*index.Index
	pkIndex *index.Index

	views []ViewTrigger

	streamer Streamer

	// preTruncate keeps the pre-truncation table alive while its streamer
	// finishes scanning it.
	preTruncate *Table

	smallestUnique      *index.Index
	smallestUniqueValid bool

	activeTupleCount  int64
	failedCompactions int64
}

func NewTable(name sql.Identifier, sch *tuple.Schema, signature int64, tupleLimit int64,
	drEnabled, isMaterialized bool, cfg Config) *Table {

	tbl := Table{
		name:            name,
		sch:             sch,
		signature:       signature,
		drEnabled:       drEnabled,
		isMaterialized:  isMaterialized,
		tupleLimit:      tupleLimit,
		cfg:             cfg,
		blocks:          map[int64]*tuple.Block{},
		blockStates:     map[int64]BlockState{},
		blocksWithSpace: btree.New(16),
	}
	for bdx := 0; bdx < tuple.NumBuckets; bdx++ {
		tbl.notPendingBuckets[bdx] = map[int64]*tuple.Block{}
		tbl.pendingBuckets[bdx] = map[int64]*tuple.Block{}
	}
	return &tbl
}

func (tbl *Table) Name() sql.Identifier {
	return tbl.name
}

func (tbl *Table) Schema() *tuple.Schema {
	return tbl.sch
}

func (tbl *Table) Signature() int64 {
	return tbl.signature
}

func (tbl *Table) DREnabled() bool {
	return tbl.drEnabled
}

func (tbl *Table) IsMaterialized() bool {
	return tbl.isMaterialized
}

func (tbl *Table) TupleLimit() int64 {
	return tbl.tupleLimit
}

func (tbl *Table) ActiveTupleCount() int64 {
	return tbl.activeTupleCount
}

func (tbl *Table) NumBlocks() int {
	return len(tbl.blocks)
}

func (tbl *Table) AllocatedTupleCount() int64 {
	var cnt int64
	for _, blk := range tbl.blocks {
		cnt += int64(blk.Capacity())
	}
	return cnt
}

func (tbl *Table) FailedCompactions() int64 {
	return tbl.failedCompactions
}

// AddIndex registers an index; existing tuples are not indexed, so indexes
// must be added before rows. The first unique index named PRIMARY becomes
// the primary key.
func (tbl *Table) AddIndex(idx *index.Index) {
	for _, oidx := range tbl.indexes {
		if oidx.Name() == idx.Name() {
			panic(fmt.Sprintf("table: %s: duplicate index %s", tbl.name, idx.Name()))
		}
	}
	tbl.indexes = append(tbl.indexes, idx)
	if tbl.pkIndex == nil && idx.Unique() && idx.Name() == sql.PRIMARY {
		tbl.pkIndex = idx
	}
	tbl.smallestUniqueValid = false
}

func (tbl *Table) Indexes() []*index.Index {
	return tbl.indexes
}

func (tbl *Table) IndexByName(nam sql.Identifier) *index.Index {
	for _, idx := range tbl.indexes {
		if idx.Name() == nam {
			return idx
		}
	}
	return nil
}

// AddView registers a materialized view trigger; triggers are notified in
// registration order.
func (tbl *Table) AddView(vt ViewTrigger) {
	tbl.views = append(tbl.views, vt)
}

func (tbl *Table) Views() []ViewTrigger {
	return tbl.views
}

func (tbl *Table) Streamer() Streamer {
	return tbl.streamer
}

func (tbl *Table) PreTruncateTable() *Table {
	return tbl.preTruncate
}

// UniqueIndexForDR picks the unique index whose key most cheaply identifies
// a row for replication delete and update records: smallest serialized key
// length, ties broken by index name so the choice is deterministic across
// instances. Recomputed lazily whenever indexes change.
func (tbl *Table) UniqueIndexForDR() *index.Index {
	if !tbl.smallestUniqueValid {
		tbl.smallestUnique = nil
		for _, idx := range tbl.indexes {
			if !idx.Unique() {
				continue
			}
			if tbl.smallestUnique == nil ||
				idx.KeyLength() < tbl.smallestUnique.KeyLength() ||
				(idx.KeyLength() == tbl.smallestUnique.KeyLength() &&
					idx.Name().String() < tbl.smallestUnique.Name().String()) {

				tbl.smallestUnique = idx
			}
		}
		tbl.smallestUniqueValid = true
	}
	return tbl.smallestUnique
}

func (tbl *Table) drIndexHint() *dr.IndexHint {
	idx := tbl.UniqueIndexForDR()
	if idx == nil {
		return nil
	}
	return &dr.IndexHint{
		CRC:     idx.KeyCRC(),
		KeyCols: idx.KeyColumns(),
	}
}

func (tbl *Table) newBlock() *tuple.Block {
	tbl.nextBlockID += 1
	blk := tuple.NewBlock(tbl.sch, tbl.nextBlockID, tbl.cfg.BlockSize)
	tbl.blocks[blk.ID()] = blk
	tbl.blockStates[blk.ID()] = NotPendingSnapshot
	tbl.blocksWithSpace.ReplaceOrInsert(blockItem{blk: blk})
	return blk
}

func (tbl *Table) freeBlock(blk *tuple.Block) {
	if !blk.IsEmpty() {
		panic(fmt.Sprintf("table: %s: freeing non-empty block %d", tbl.name, blk.ID()))
	}
	tbl.removeFromBucket(blk)
	tbl.blocksWithSpace.Delete(blockItem{blk: blk})
	delete(tbl.blocks, blk.ID())
	delete(tbl.blockStates, blk.ID())
}

func (tbl *Table) bucketsFor(blk *tuple.Block) *bucketSet {
	if tbl.blockStates[blk.ID()] == PendingSnapshot {
		return &tbl.pendingBuckets
	}
	return &tbl.notPendingBuckets
}

func (tbl *Table) removeFromBucket(blk *tuple.Block) {
	if blk.Bucket() != tuple.NoBucket {
		delete(tbl.bucketsFor(blk)[blk.Bucket()], blk.ID())
		blk.SetBucket(tuple.NoBucket)
	}
}

// rebucket moves a block between load buckets. Blocks an active snapshot
// scan is visiting are never reclassified mid-scan; they rejoin the bucket
// bookkeeping when the scan finishes with them.
func (tbl *Table) rebucket(blk *tuple.Block, newBucket int) {
	if newBucket == tuple.NoNewBucket {
		return
	}
	if tbl.blockStates[blk.ID()] == ActivelyStreaming {
		return
	}
	tbl.removeFromBucket(blk)
	if newBucket != tuple.NoBucket {
		tbl.bucketsFor(blk)[newBucket][blk.ID()] = blk
		blk.SetBucket(newBucket)
	}
}

// nextFreeTuple hands out a cleared tuple slot from the lowest block with
// capacity, allocating a new block only when none has space.
func (tbl *Table) nextFreeTuple() tuple.Tuple {
	var blk *tuple.Block
	if tbl.blocksWithSpace.Len() > 0 {
		blk = tbl.blocksWithSpace.Min().(blockItem).blk
	} else {
		blk = tbl.newBlock()
	}

	slot, newBucket := blk.NextFreeSlot()
	if !blk.HasFreeSlots() {
		tbl.blocksWithSpace.Delete(blockItem{blk: blk})
	}
	tbl.rebucket(blk, newBucket)
	return blk.Tuple(slot)
}

// freeTuple returns a tuple's storage to its block and frees the block if
// it empties out.
func (tbl *Table) freeTuple(t tuple.Tuple) {
	blk := t.Block()
	hadSpace := blk.HasFreeSlots()
	newBucket := blk.FreeSlot(t.Slot())
	if blk.IsEmpty() && len(tbl.blocks) > 1 {
		tbl.freeBlock(blk)
		return
	}
	if !hadSpace {
		tbl.blocksWithSpace.ReplaceOrInsert(blockItem{blk: blk})
	}
	tbl.rebucket(blk, newBucket)
}

func (tbl *Table) blockIDs() []int64 {
	ids := make([]int64, 0, len(tbl.blocks))
	for id := range tbl.blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids
}

// ForEachVisibleTuple visits every tuple an ordinary scan would see, in
// block and slot order.
func (tbl *Table) ForEachVisibleTuple(visit func(t tuple.Tuple) bool) {
	for _, id := range tbl.blockIDs() {
		done := false
		tbl.blocks[id].ForEachUsedSlot(func(t tuple.Tuple) bool {
			if t.IsVisible() {
				if !visit(t) {
					done = true
					return false
				}
			}
			return true
		})
		if done {
			return
		}
	}
}

// Rows returns the visible rows of the table in storage order.
func (tbl *Table) Rows() [][]sql.Value {
	var rows [][]sql.Value
	tbl.ForEachVisibleTuple(func(t tuple.Tuple) bool {
		rows = append(rows, t.Values())
		return true
	})
	return rows
}

// LookupTupleByValues finds the visible tuple whose visible columns equal
// row, using the primary key when there is one.
func (tbl *Table) LookupTupleByValues(row []sql.Value) tuple.Tuple {
	if tbl.pkIndex != nil {
		t := tbl.pkIndex.MatchingTuple(tbl.pkIndex.KeyRow(row))
		if t.IsNull() || !t.IsVisible() || !t.EqualsValues(row) {
			return tuple.NullTuple()
		}
		return t
	}

	found := tuple.NullTuple()
	tbl.ForEachVisibleTuple(func(t tuple.Tuple) bool {
		if t.EqualsValues(row) {
			found = t
			return false
		}
		return true
	})
	return found
}

// LookupTupleForDR finds the visible tuple matching row and, when the
// schema carries the hidden replication timestamp, the timestamp as well;
// replica apply uses it to match a remote pre-image exactly.
func (tbl *Table) LookupTupleForDR(row []sql.Value, hiddenTS int64, matchTS bool) tuple.Tuple {
	if !matchTS || !tbl.sch.HasHiddenTimestamp() {
		return tbl.LookupTupleByValues(row)
	}

	found := tuple.NullTuple()
	tbl.ForEachVisibleTuple(func(t tuple.Tuple) bool {
		if t.HiddenTimestamp() == hiddenTS && t.EqualsValues(row) {
			found = t
			return false
		}
		return true
	})
	return found
}

// LookupTupleByKey finds the visible tuple matching a unique index key.
func (tbl *Table) LookupTupleByKey(idx *index.Index, key []sql.Value) tuple.Tuple {
	t := idx.MatchingTuple(key)
	if t.IsNull() || !t.IsVisible() {
		return tuple.NullTuple()
	}
	return t
}

// ValidatePartitioning counts rows that do not belong on this partition
// according to hash.
func (tbl *Table) ValidatePartitioning(hash func(row []sql.Value) int32,
	partitionID int32) int64 {

	var mispartitioned int64
	tbl.ForEachVisibleTuple(func(t tuple.Tuple) bool {
		if hash(t.Values()) != partitionID {
			mispartitioned += 1
		}
		return true
	})
	return mispartitioned
}

// HashCode is an order independent hash of the table's visible rows, used
// to check replica convergence.
func (tbl *Table) HashCode() uint64 {
	var code uint64
	tbl.ForEachVisibleTuple(func(t tuple.Tuple) bool {
		h := fnv.New64a()
		h.Write(dr.EncodeRowImage(tbl.sch, t.Values(), 0, false))
		code += h.Sum64()
		return true
	})
	return code
}

// ActivateSnapshot attaches a streamer and hands every block over to the
// pending snapshot partition wholesale; the streamer works them off one at
// a time via SnapshotBlockStart and SnapshotBlockFinished.
func (tbl *Table) ActivateSnapshot(streamer Streamer) {
	if tbl.streamer != nil {
		panic(fmt.Sprintf("table: %s: snapshot already active", tbl.name))
	}
	tbl.streamer = streamer
	for id, blk := range tbl.blocks {
		tbl.removeFromBucket(blk)
		tbl.blockStates[id] = PendingSnapshot
		tbl.rebucket(blk, blk.CalculateBucket())
	}
}

// SnapshotBlockStart claims a pending block for scanning; it leaves the
// bucket bookkeeping until the scan finishes with it.
func (tbl *Table) SnapshotBlockStart(blk *tuple.Block) {
	if tbl.blockStates[blk.ID()] != PendingSnapshot {
		panic(fmt.Sprintf("table: %s: block %d is not pending snapshot", tbl.name,
			blk.ID()))
	}
	tbl.removeFromBucket(blk)
	tbl.blockStates[blk.ID()] = ActivelyStreaming
}

// SnapshotBlockFinished returns a scanned block to ordinary bookkeeping.
func (tbl *Table) SnapshotBlockFinished(blk *tuple.Block) {
	if tbl.blockStates[blk.ID()] != ActivelyStreaming {
		panic(fmt.Sprintf("table: %s: block %d is not being streamed", tbl.name, blk.ID()))
	}
	tbl.blockStates[blk.ID()] = NotPendingSnapshot
	tbl.rebucket(blk, blk.CalculateBucket())
}

// FinishSnapshot detaches the streamer and returns any blocks still in the
// pending partition to ordinary bookkeeping.
func (tbl *Table) FinishSnapshot() {
	tbl.streamer = nil
	for id, blk := range tbl.blocks {
		if tbl.blockStates[id] != NotPendingSnapshot {
			tbl.removeFromBucket(blk)
			tbl.blockStates[id] = NotPendingSnapshot
			tbl.rebucket(blk, blk.CalculateBucket())
		}
	}
	tbl.preTruncate = nil
}

// cloneEmpty builds the empty replacement table truncation swaps in: same
// schema, signature, limits and index definitions, fresh storage, and
// clones of the view triggers bound to the new table.
func (tbl *Table) cloneEmpty() *Table {
	repl := NewTable(tbl.name, tbl.sch, tbl.signature, tbl.tupleLimit, tbl.drEnabled,
		tbl.isMaterialized, tbl.cfg)
	for _, idx := range tbl.indexes {
		repl.AddIndex(index.NewIndex(idx.Name(), tbl.sch, idx.KeyColumns(), idx.Unique()))
	}
	for _, vt := range tbl.views {
		repl.AddView(vt.CloneForTruncate(repl))
	}
	return repl
}
