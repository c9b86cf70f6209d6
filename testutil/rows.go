package testutil

import (
	"fmt"
	"sort"

	"github.com/teakwood/teak/sql"
)

// SortValues sorts a row set in place by the given key columns, so that
// tests can compare row sets from stores that do not promise an order.
func SortValues(key []sql.ColumnKey, values [][]sql.Value) {
	sort.Slice(values, func(i, j int) bool {
		for _, ck := range key {
			cmp := sql.Compare(values[i][ck.Column()], values[j][ck.Column()])
			if cmp == 0 {
				continue
			}
			if ck.Reverse() {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// RowsEqual reports whether got and want hold the same rows in the same
// order. When trc is not nil, a description of the first difference is
// stored there.
func RowsEqual(got, want [][]sql.Value, trc *string) bool {
	trace := func(s string) bool {
		if trc != nil {
			*trc = s
		}
		return false
	}

	if len(got) != len(want) {
		return trace(fmt.Sprintf("%d rows != %d rows", len(got), len(want)))
	}
	for rdx := range want {
		if len(got[rdx]) != len(want[rdx]) {
			return trace(fmt.Sprintf("row %d: %d columns != %d columns", rdx,
				len(got[rdx]), len(want[rdx])))
		}
		if sql.CompareRows(got[rdx], want[rdx]) != 0 {
			return trace(fmt.Sprintf("row %d: %s != %s", rdx,
				sql.FormatRow(got[rdx]), sql.FormatRow(want[rdx])))
		}
	}
	if trc != nil {
		*trc = ""
	}
	return true
}
