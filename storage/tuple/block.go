package tuple

import (
	"fmt"

	"github.com/teakwood/teak/sql"
)

const (
	// NumBuckets is the number of load factor buckets used to classify
	// blocks for compaction candidate selection.
	NumBuckets = 20

	// NoNewBucket is returned by slot operations when the block's bucket
	// classification did not change.
	NoNewBucket = -1

	// NoBucket means the block is not a member of any load bucket: either
	// it is full, or it has been withdrawn from the bucket bookkeeping.
	NoBucket = -2

	minBlockCapacity = 2
)

type objKey struct {
	slot int
	cdx  int
}

// Block is a fixed capacity contiguous allocation of tuple slots. It tracks
// a free slot list and its current load bucket. Out of line object columns
// for its tuples live in the block's object store and are freed with the
// tuple. A block belongs to exactly one table and is never shared.
type Block struct {
	sch      *Schema
	id       int64
	data     []byte
	capacity int
	freeList []int
	used     int
	objects  map[objKey][]byte
	bucket   int
}

func NewBlock(sch *Schema, id int64, blockSize int) *Block {
	capacity := blockSize / sch.TupleLength()
	if capacity < minBlockCapacity {
		capacity = minBlockCapacity
	}

	blk := Block{
		sch:      sch,
		id:       id,
		data:     make([]byte, capacity*sch.TupleLength()),
		capacity: capacity,
		freeList: make([]int, 0, capacity),
		objects:  map[objKey][]byte{},
		bucket:   NoBucket,
	}
	// Free slots are handed out lowest first.
	for slot := capacity - 1; slot >= 0; slot-- {
		blk.freeList = append(blk.freeList, slot)
	}
	return &blk
}

func (blk *Block) ID() int64 {
	return blk.id
}

func (blk *Block) Capacity() int {
	return blk.capacity
}

func (blk *Block) UsedTuples() int {
	return blk.used
}

func (blk *Block) HasFreeSlots() bool {
	return len(blk.freeList) > 0
}

func (blk *Block) IsEmpty() bool {
	return blk.used == 0
}

func (blk *Block) LoadFactor() float64 {
	return float64(blk.used) / float64(blk.capacity)
}

// Bucket is the block's current load bucket, or NoBucket.
func (blk *Block) Bucket() int {
	return blk.bucket
}

func (blk *Block) SetBucket(bucket int) {
	blk.bucket = bucket
}

// CalculateBucket is the load bucket the block belongs in given its
// current occupancy.
func (blk *Block) CalculateBucket() int {
	if !blk.HasFreeSlots() {
		// Full blocks can not receive merged tuples and leave the
		// bucket bookkeeping until a slot frees up.
		return NoBucket
	}
	bucket := blk.used * NumBuckets / blk.capacity
	if bucket >= NumBuckets {
		bucket = NumBuckets - 1
	}
	return bucket
}

// NextFreeSlot hands out the lowest free slot and returns it along with the
// block's new bucket classification, or NoNewBucket if it did not change.
// The slot's storage is already zeroed.
func (blk *Block) NextFreeSlot() (int, int) {
	if len(blk.freeList) == 0 {
		panic(fmt.Sprintf("tuple: block %d has no free slots", blk.id))
	}
	slot := blk.freeList[len(blk.freeList)-1]
	blk.freeList = blk.freeList[:len(blk.freeList)-1]
	blk.used += 1

	newBucket := blk.CalculateBucket()
	if newBucket == blk.bucket {
		return slot, NoNewBucket
	}
	return slot, newBucket
}

// FreeSlot clears a slot's storage, frees its object columns, and returns
// it to the free list, reporting the block's new bucket classification or
// NoNewBucket.
func (blk *Block) FreeSlot(slot int) int {
	blk.freeObjectColumns(slot)
	off := slot * blk.sch.TupleLength()
	zero := blk.data[off : off+blk.sch.TupleLength()]
	for bdx := range zero {
		zero[bdx] = 0
	}
	blk.freeList = append(blk.freeList, slot)
	blk.used -= 1

	newBucket := blk.CalculateBucket()
	if newBucket == blk.bucket {
		return NoNewBucket
	}
	return newBucket
}

func (blk *Block) freeObjectColumns(slot int) {
	for cdx, col := range blk.sch.columns {
		switch col.Type.Type {
		case sql.StringType, sql.BytesType:
			delete(blk.objects, objKey{slot: slot, cdx: cdx})
		}
	}
}

// Tuple returns the tuple at slot; the slot need not hold an active tuple.
func (blk *Block) Tuple(slot int) Tuple {
	if slot < 0 || slot >= blk.capacity {
		panic(fmt.Sprintf("tuple: block %d slot %d out of range", blk.id, slot))
	}
	return Tuple{blk: blk, slot: slot}
}

// ForEachUsedSlot visits every slot currently holding a tuple, active or
// pending delete, in slot order. The visit function must not allocate or
// free slots in this block.
func (blk *Block) ForEachUsedSlot(visit func(t Tuple) bool) {
	free := make(map[int]struct{}, len(blk.freeList))
	for _, slot := range blk.freeList {
		free[slot] = struct{}{}
	}
	for slot := 0; slot < blk.capacity; slot++ {
		if _, ok := free[slot]; ok {
			continue
		}
		if !visit(Tuple{blk: blk, slot: slot}) {
			return
		}
	}
}

// UsedSlots returns the slots currently holding tuples, lowest first.
func (blk *Block) UsedSlots() []int {
	slots := make([]int, 0, blk.used)
	blk.ForEachUsedSlot(func(t Tuple) bool {
		slots = append(slots, t.slot)
		return true
	})
	return slots
}
