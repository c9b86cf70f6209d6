// Package dr implements the disaster recovery binary log: committed row
// mutations are serialized into a totally ordered, checksummed stream of
// transaction-framed records that a remote replica replays in order.
package dr

import (
	"hash/crc32"
	"math"
)

type RecordType byte

const (
	RecordInsert RecordType = iota
	RecordDelete
	RecordUpdate
	RecordBeginTxn
	RecordEndTxn
	RecordTruncateTable
	RecordDeleteByIndex
	RecordHashDelimiter
	RecordUpdateByIndex
)

func (rt RecordType) String() string {
	switch rt {
	case RecordInsert:
		return "INSERT"
	case RecordDelete:
		return "DELETE"
	case RecordUpdate:
		return "UPDATE"
	case RecordBeginTxn:
		return "BEGIN_TXN"
	case RecordEndTxn:
		return "END_TXN"
	case RecordTruncateTable:
		return "TRUNCATE_TABLE"
	case RecordDeleteByIndex:
		return "DELETE_BY_INDEX"
	case RecordHashDelimiter:
		return "HASH_DELIMITER"
	case RecordUpdateByIndex:
		return "UPDATE_BY_INDEX"
	}
	return "UNKNOWN"
}

// ProtocolVersion is written into every BEGIN record and must be bumped
// whenever the wire layout changes; a consumer rejects versions it does not
// understand.
const ProtocolVersion = 4

const (
	// Version(1), type(1), drId(8), uniqueId(8), hashFlag(1), txnLength(4), parHash(4)
	BeginRecordSize = 1 + 1 + 8 + 8 + 1 + 4 + 4
	// Type(1), drId(8), checksum(4)
	EndRecordSize = 1 + 8 + 4
	// Type(1), table signature(8)
	TxnRecordHeaderSize = 1 + 8
	// Type(1), parHash(4)
	HashDelimiterSize = 1 + 4
)

const (
	beginDRIdOffset      = 2
	beginUniqueIdOffset  = 10
	beginHashFlagOffset  = 18
	beginTxnLengthOffset = 19
	beginParHashOffset   = 23
)

const (
	HashFlagReplicated      = 1
	HashFlagSinglePartition = 2
	HashFlagMultiPartition  = 3
)

// InvalidMark is the uninitialized rollback mark; rolling back to it is a
// no-op.
const InvalidMark = math.MaxInt64

// RowCost is the row count a record of the given type contributes to its
// transaction; updates carry a before and an after image.
func RowCost(rt RecordType) int64 {
	switch rt {
	case RecordUpdate, RecordUpdateByIndex:
		return 2
	case RecordInsert, RecordDelete, RecordDeleteByIndex, RecordTruncateTable:
		return 1
	}
	return 0
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(buf []byte) uint32 {
	return crc32.Checksum(buf, crcTable)
}
