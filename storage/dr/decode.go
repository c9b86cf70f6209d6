package dr

import (
	"encoding/binary"
	"fmt"
)

// Record is one decoded row record. Which image fields are set depends on
// the record type: RowImage for inserts and deletes, BeforeImage and
// AfterImage for updates, IndexCRC and KeyImage for the by-index variants,
// TableName for truncates.
type Record struct {
	Type           RecordType
	TableSignature int64
	IndexCRC       uint32
	KeyImage       []byte
	RowImage       []byte
	BeforeImage    []byte
	AfterImage     []byte
	TableName      string

	// ParHash is the partition hash in effect for this record: the
	// transaction's initial hash or the latest hash delimiter before it.
	ParHash int32
}

// Transaction is one decoded, checksum-verified transaction frame.
type Transaction struct {
	Version  byte
	DRId     int64
	UniqueID int64
	HashFlag byte
	ParHash  int32
	Length   int64
	Records  []Record
}

// Decoder walks a DR buffer transaction by transaction, validating framing,
// protocol version, and checksums as it goes.
type Decoder struct {
	buf []byte
	uso int64
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (dec *Decoder) More() bool {
	return len(dec.buf) > 0
}

func (dec *Decoder) take(n int, what string) ([]byte, error) {
	if len(dec.buf) < n {
		return nil, fmt.Errorf("dr: offset %d: truncated %s: have %d bytes, want %d",
			dec.uso, what, len(dec.buf), n)
	}
	b := dec.buf[:n]
	dec.buf = dec.buf[n:]
	dec.uso += int64(n)
	return b, nil
}

func (dec *Decoder) takeImage(what string) ([]byte, error) {
	b, err := dec.take(4, what)
	if err != nil {
		return nil, err
	}
	return dec.take(int(binary.BigEndian.Uint32(b)), what)
}

// Next decodes the next transaction from the buffer.
func (dec *Decoder) Next() (Transaction, error) {
	begin := dec.buf
	beginUso := dec.uso

	b, err := dec.take(BeginRecordSize, "begin record")
	if err != nil {
		return Transaction{}, err
	}
	if b[0] != ProtocolVersion {
		return Transaction{}, fmt.Errorf("dr: offset %d: protocol version %d; want %d",
			beginUso, b[0], ProtocolVersion)
	}
	if RecordType(b[1]) != RecordBeginTxn {
		return Transaction{}, fmt.Errorf("dr: offset %d: record type %s; want %s", beginUso,
			RecordType(b[1]), RecordBeginTxn)
	}
	txn := Transaction{
		Version:  b[0],
		DRId:     int64(binary.BigEndian.Uint64(b[beginDRIdOffset:])),
		UniqueID: int64(binary.BigEndian.Uint64(b[beginUniqueIdOffset:])),
		HashFlag: b[beginHashFlagOffset],
		Length:   int64(binary.BigEndian.Uint32(b[beginTxnLengthOffset:])),
		ParHash:  int32(binary.BigEndian.Uint32(b[beginParHashOffset:])),
	}

	parHash := txn.ParHash
	for {
		b, err = dec.take(1, "record type")
		if err != nil {
			return Transaction{}, err
		}
		rt := RecordType(b[0])
		if rt == RecordEndTxn {
			b, err = dec.take(EndRecordSize-1, "end record")
			if err != nil {
				return Transaction{}, err
			}
			drId := int64(binary.BigEndian.Uint64(b))
			if drId != txn.DRId {
				return Transaction{}, fmt.Errorf("dr: transaction %d ended by %d", txn.DRId,
					drId)
			}
			want := binary.BigEndian.Uint32(b[8:])
			if have := checksum(begin[:dec.uso-beginUso-4]); have != want {
				return Transaction{}, fmt.Errorf(
					"dr: transaction %d: checksum %#x; want %#x", txn.DRId, have, want)
			}
			if txnLength := dec.uso - beginUso; txnLength != txn.Length {
				return Transaction{}, fmt.Errorf(
					"dr: transaction %d: length %d; want %d", txn.DRId, txnLength,
					txn.Length)
			}
			return txn, nil
		}
		if rt == RecordHashDelimiter {
			b, err = dec.take(HashDelimiterSize-1, "hash delimiter")
			if err != nil {
				return Transaction{}, err
			}
			parHash = int32(binary.BigEndian.Uint32(b))
			continue
		}

		b, err = dec.take(TxnRecordHeaderSize-1, "record header")
		if err != nil {
			return Transaction{}, err
		}
		rec := Record{
			Type:           rt,
			TableSignature: int64(binary.BigEndian.Uint64(b)),
			ParHash:        parHash,
		}
		switch rt {
		case RecordInsert, RecordDelete:
			rec.RowImage, err = dec.takeImage("row image")
		case RecordUpdate:
			rec.BeforeImage, err = dec.takeImage("before image")
			if err == nil {
				rec.AfterImage, err = dec.takeImage("after image")
			}
		case RecordDeleteByIndex:
			b, err = dec.take(4, "index crc")
			if err == nil {
				rec.IndexCRC = binary.BigEndian.Uint32(b)
				rec.KeyImage, err = dec.takeImage("key image")
			}
		case RecordUpdateByIndex:
			b, err = dec.take(4, "index crc")
			if err == nil {
				rec.IndexCRC = binary.BigEndian.Uint32(b)
				rec.KeyImage, err = dec.takeImage("key image")
			}
			if err == nil {
				rec.AfterImage, err = dec.takeImage("after image")
			}
		case RecordTruncateTable:
			var tn []byte
			tn, err = dec.takeImage("table name")
			rec.TableName = string(tn)
		default:
			return Transaction{}, fmt.Errorf("dr: offset %d: unexpected record type: %d",
				dec.uso-TxnRecordHeaderSize, rt)
		}
		if err != nil {
			return Transaction{}, err
		}
		txn.Records = append(txn.Records, rec)
	}
}

// DecodeAll decodes every transaction in the buffer.
func DecodeAll(buf []byte) ([]Transaction, error) {
	dec := NewDecoder(buf)
	var txns []Transaction
	for dec.More() {
		txn, err := dec.Next()
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, nil
}
