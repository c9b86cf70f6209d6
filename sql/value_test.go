package sql_test

import (
	"testing"

	"github.com/teakwood/teak/sql"
)

func TestCompare(t *testing.T) {
	cases := []struct {
		v1, v2 sql.Value
		cmp    int
	}{
		{nil, nil, 0},
		{nil, sql.BoolValue(false), -1},
		{sql.BoolValue(true), nil, 1},
		{sql.BoolValue(false), sql.BoolValue(true), -1},
		{sql.BoolValue(true), sql.BoolValue(true), 0},
		{sql.BoolValue(true), sql.BoolValue(false), 1},
		{sql.Int64Value(1), sql.Int64Value(2), -1},
		{sql.Int64Value(3), sql.Int64Value(3), 0},
		{sql.Int64Value(4), sql.Int64Value(3), 1},
		{sql.Int64Value(2), sql.Float64Value(2.5), -1},
		{sql.Float64Value(2.5), sql.Int64Value(2), 1},
		{sql.Float64Value(2.0), sql.Int64Value(2), 0},
		{sql.StringValue("abc"), sql.StringValue("abcd"), -1},
		{sql.StringValue("abc"), sql.StringValue("abc"), 0},
		{sql.StringValue("abcd"), sql.StringValue("abc"), 1},
		{sql.BytesValue([]byte{1, 2}), sql.BytesValue([]byte{1, 2, 3}), -1},
		{sql.BytesValue([]byte{1, 2, 3}), sql.BytesValue([]byte{1, 2, 3}), 0},
		{sql.BoolValue(true), sql.Int64Value(0), -1},
		{sql.Int64Value(123), sql.StringValue("1"), -1},
		{sql.StringValue("xyz"), sql.BytesValue([]byte{0xFF}), -1},
		{sql.BytesValue([]byte{0}), sql.BoolValue(false), 1},
	}

	for _, c := range cases {
		cmp := sql.Compare(c.v1, c.v2)
		if cmp != c.cmp {
			t.Errorf("Compare(%v, %v) got %d want %d", c.v1, c.v2, cmp, c.cmp)
		}
	}
}

func TestCompareRows(t *testing.T) {
	cases := []struct {
		r1, r2 []sql.Value
		cmp    int
	}{
		{
			[]sql.Value{sql.Int64Value(1), sql.StringValue("abc")},
			[]sql.Value{sql.Int64Value(1), sql.StringValue("abc")},
			0,
		},
		{
			[]sql.Value{sql.Int64Value(1), sql.StringValue("abc")},
			[]sql.Value{sql.Int64Value(1), sql.StringValue("abd")},
			-1,
		},
		{
			[]sql.Value{sql.Int64Value(2)},
			[]sql.Value{sql.Int64Value(1), sql.StringValue("abc")},
			1,
		},
		{
			[]sql.Value{sql.Int64Value(1)},
			[]sql.Value{sql.Int64Value(1), sql.StringValue("abc")},
			-1,
		},
		{
			[]sql.Value{nil, sql.Int64Value(1)},
			[]sql.Value{sql.Int64Value(0), sql.Int64Value(1)},
			-1,
		},
	}

	for _, c := range cases {
		cmp := sql.CompareRows(c.r1, c.r2)
		if cmp != c.cmp {
			t.Errorf("CompareRows(%v, %v) got %d want %d", c.r1, c.r2, cmp, c.cmp)
		}
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		v sql.Value
		s string
	}{
		{nil, "NULL"},
		{sql.BoolValue(true), "true"},
		{sql.Int64Value(123), "123"},
		{sql.StringValue("abc"), "'abc'"},
		{sql.Float64Value(1.5), "1.5"},
	}

	for _, c := range cases {
		s := sql.Format(c.v)
		if s != c.s {
			t.Errorf("Format(%v) got %s want %s", c.v, s, c.s)
		}
	}
}
