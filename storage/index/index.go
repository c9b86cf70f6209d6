// Package index provides the ordered key lookup capability used by
// persistent tables: add and delete entries, unique constraint detection on
// insert, and key lookups for replication replay.
package index

import (
	"fmt"
	"hash/crc32"

	"github.com/google/btree"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/tuple"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type entry struct {
	key  []sql.Value
	addr int64
	t    tuple.Tuple
}

func (e entry) Less(item btree.Item) bool {
	e2 := item.(entry)
	if cmp := sql.CompareRows(e.key, e2.key); cmp != 0 {
		return cmp < 0
	}
	return e.addr < e2.addr
}

// Index is an ordered index over a subset of a table's columns, backed by a
// btree. A unique index holds at most one entry per key; a non-unique index
// breaks ties with the tuple's storage address.
type Index struct {
	name    sql.Identifier
	unique  bool
	keyCols []sql.ColumnKey
	sch     *tuple.Schema
	tree    *btree.BTree
}

func NewIndex(name sql.Identifier, sch *tuple.Schema, keyCols []sql.ColumnKey,
	unique bool) *Index {

	for _, ck := range keyCols {
		if ck.Column() >= sch.NumColumns() {
			panic(fmt.Sprintf("index: %s: key column %d out of range", name, ck.Column()))
		}
	}
	return &Index{
		name:    name,
		unique:  unique,
		keyCols: keyCols,
		sch:     sch,
		tree:    btree.New(16),
	}
}

func (idx *Index) Name() sql.Identifier {
	return idx.name
}

func (idx *Index) Unique() bool {
	return idx.unique
}

func (idx *Index) KeyColumns() []sql.ColumnKey {
	return idx.keyCols
}

func (idx *Index) Len() int {
	return idx.tree.Len()
}

// KeyRow extracts the index key values from a full table row.
func (idx *Index) KeyRow(row []sql.Value) []sql.Value {
	key := make([]sql.Value, len(idx.keyCols))
	for kdx, ck := range idx.keyCols {
		key[kdx] = row[ck.Column()]
	}
	return key
}

// KeyLength is the fixed serialized width of the index key, used to pick
// the smallest usable unique index for replication delete records.
func (idx *Index) KeyLength() int {
	length := 0
	for _, ck := range idx.keyCols {
		ct := idx.sch.Column(ck.Column()).Type
		switch ct.Type {
		case sql.BooleanType:
			length += 1
		case sql.IntegerType, sql.FloatType:
			length += 8
		case sql.StringType, sql.BytesType:
			length += int(ct.Size)
		}
	}
	return length
}

// KeyCRC is a stable checksum of the key column numbers, written into
// delete-by-index replication records so the consumer can verify it is
// using the same index.
func (idx *Index) KeyCRC() uint32 {
	buf := make([]byte, 0, len(idx.keyCols)*4)
	for _, ck := range idx.keyCols {
		col := ck.Column()
		buf = append(buf, byte(col), byte(col>>8), byte(col>>16), byte(col>>24))
	}
	return crc32.Checksum(buf, crcTable)
}

func (idx *Index) makeEntry(t tuple.Tuple) entry {
	e := entry{
		key: idx.KeyRow(t.Values()),
		t:   t,
	}
	if !idx.unique {
		e.addr = t.Address()
	}
	return e
}

// AddEntry inserts the tuple; on a unique conflict it returns the existing
// conflicting tuple and leaves the index unchanged.
func (idx *Index) AddEntry(t tuple.Tuple) tuple.Tuple {
	e := idx.makeEntry(t)
	if idx.unique {
		if item := idx.tree.Get(e); item != nil {
			return item.(entry).t
		}
	}
	idx.tree.ReplaceOrInsert(e)
	return tuple.NullTuple()
}

// DeleteEntry removes the tuple's entry, reporting whether it was present.
func (idx *Index) DeleteEntry(t tuple.Tuple) bool {
	return idx.tree.Delete(idx.makeEntry(t)) != nil
}

// ReplaceEntry redirects the entry for a tuple whose storage moved without
// a key change.
func (idx *Index) ReplaceEntry(old, moved tuple.Tuple) bool {
	e := entry{
		key: idx.KeyRow(moved.Values()),
		t:   moved,
	}
	if !idx.unique {
		e.addr = old.Address()
		if idx.tree.Delete(e) == nil {
			return false
		}
		e.addr = moved.Address()
		idx.tree.ReplaceOrInsert(e)
		return true
	}
	if idx.tree.Get(e) == nil {
		return false
	}
	idx.tree.ReplaceOrInsert(e)
	return true
}

// MatchingTuple looks up the unique entry for a key row extracted with
// KeyRow; it panics on a non-unique index.
func (idx *Index) MatchingTuple(key []sql.Value) tuple.Tuple {
	if !idx.unique {
		panic(fmt.Sprintf("index: %s: unique lookup on non-unique index", idx.name))
	}
	if item := idx.tree.Get(entry{key: key}); item != nil {
		return item.(entry).t
	}
	return tuple.NullTuple()
}

// Exists reports whether any entry matches the key extracted from row.
func (idx *Index) Exists(row []sql.Value) bool {
	key := idx.KeyRow(row)
	if idx.unique {
		return idx.tree.Get(entry{key: key}) != nil
	}

	found := false
	idx.tree.AscendGreaterOrEqual(entry{key: key},
		func(item btree.Item) bool {
			found = sql.CompareRows(item.(entry).key, key) == 0
			return false
		})
	return found
}

// KeyChanged reports whether the update from the tuple's current values to
// row changes this index's key.
func (idx *Index) KeyChanged(t tuple.Tuple, row []sql.Value) bool {
	for _, ck := range idx.keyCols {
		if sql.Compare(t.Value(ck.Column()), row[ck.Column()]) != 0 {
			return true
		}
	}
	return false
}
