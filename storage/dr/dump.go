package dr

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/tuple"
)

// Dump writes a human readable rendering of a DR buffer. Schemas maps table
// signatures to tuple schemas; row images of tables with a known schema are
// decoded to values, the rest are shown as byte counts.
func Dump(w io.Writer, buf []byte, schemas map[int64]*tuple.Schema) error {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"DRID", "RECORD", "TABLE", "PARHASH", "DETAIL"})

	dec := NewDecoder(buf)
	for dec.More() {
		txn, err := dec.Next()
		if err != nil {
			return err
		}

		drId := fmt.Sprintf("%d", txn.DRId)
		tw.Append([]string{drId, RecordBeginTxn.String(), "",
			fmt.Sprintf("%d", txn.ParHash),
			fmt.Sprintf("uniqueId=%d hashFlag=%d length=%d", txn.UniqueID, txn.HashFlag,
				txn.Length)})
		for _, rec := range txn.Records {
			tw.Append([]string{drId, rec.Type.String(),
				fmt.Sprintf("%#x", uint64(rec.TableSignature)),
				fmt.Sprintf("%d", rec.ParHash), recordDetail(rec, schemas)})
		}
		tw.Append([]string{drId, RecordEndTxn.String(), "", "", ""})
	}
	tw.Render()
	return nil
}

func recordDetail(rec Record, schemas map[int64]*tuple.Schema) string {
	sch := schemas[rec.TableSignature]
	switch rec.Type {
	case RecordInsert, RecordDelete:
		return formatImage(sch, rec.RowImage)
	case RecordUpdate:
		return fmt.Sprintf("%s -> %s", formatImage(sch, rec.BeforeImage),
			formatImage(sch, rec.AfterImage))
	case RecordDeleteByIndex:
		return fmt.Sprintf("index=%#x key=%d bytes", rec.IndexCRC, len(rec.KeyImage))
	case RecordUpdateByIndex:
		return fmt.Sprintf("index=%#x key=%d bytes -> %s", rec.IndexCRC, len(rec.KeyImage),
			formatImage(sch, rec.AfterImage))
	case RecordTruncateTable:
		return rec.TableName
	}
	return ""
}

func formatImage(sch *tuple.Schema, image []byte) string {
	if sch == nil {
		return fmt.Sprintf("%d bytes", len(image))
	}
	row, ts, withTS, err := DecodeRowImage(sch, image)
	if err != nil {
		return err.Error()
	}
	s := sql.FormatRow(row)
	if withTS {
		s = fmt.Sprintf("%s ts=%d", s, ts)
	}
	return s
}
