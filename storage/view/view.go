// Package view maintains materialized single-table aggregate views: the
// view owns a target table holding one row per group, kept in sync by the
// source table's mutation notifications.
package view

import (
	"fmt"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/index"
	"github.com/teakwood/teak/storage/table"
	"github.com/teakwood/teak/storage/tuple"
)

type AggregateOp int

const (
	CountOp AggregateOp = iota
	SumOp
)

// Aggregate is one aggregate column of a view; Col is the source column
// aggregated over, or -1 for COUNT(*).
type Aggregate struct {
	Op  AggregateOp
	Col int
}

// View is a materialized aggregate over one source table. The target table
// holds the group by columns, a row count, then the aggregate columns; the
// group by columns are its primary key. The view owns the target; the
// source table only references the view.
type View struct {
	name        sql.Identifier
	groupByCols []int
	aggs        []Aggregate
	target      *table.Table
	cfg         table.Config
}

// New builds a view over src grouping by groupByCols. The target table is
// created empty; the caller registers the view with src.AddView.
func New(name sql.Identifier, src *table.Table, groupByCols []int, aggs []Aggregate,
	cfg table.Config) *View {

	vw := View{
		name:        name,
		groupByCols: groupByCols,
		aggs:        aggs,
		cfg:         cfg,
	}
	vw.target = vw.newTarget(src)
	return &vw
}

func (vw *View) newTarget(src *table.Table) *table.Table {
	ssch := src.Schema()
	cols := make([]tuple.Column, 0, len(vw.groupByCols)+1+len(vw.aggs))
	for _, cdx := range vw.groupByCols {
		cols = append(cols, ssch.Column(cdx))
	}
	cols = append(cols, tuple.Column{Name: sql.COUNT, Type: sql.Int64ColType})
	for _, agg := range vw.aggs {
		if agg.Op == CountOp {
			cols = append(cols, tuple.Column{Name: sql.COUNT, Type: sql.Int64ColType})
		} else {
			scol := ssch.Column(agg.Col)
			cols = append(cols,
				tuple.Column{Name: scol.Name, Type: sql.ColumnType{Type: scol.Type.Type}})
		}
	}

	tsch := tuple.NewSchema(cols, tuple.ReplicatedColumn, false)
	target := table.NewTable(vw.name, tsch, 0, 0, false, true, vw.cfg)

	keyCols := make([]sql.ColumnKey, len(vw.groupByCols))
	for kdx := range vw.groupByCols {
		keyCols[kdx] = sql.MakeColumnKey(kdx, false)
	}
	target.AddIndex(index.NewIndex(sql.PRIMARY, tsch, keyCols, true))
	return target
}

func (vw *View) Name() sql.Identifier {
	return vw.name
}

func (vw *View) TargetTable() *table.Table {
	return vw.target
}

// CloneForTruncate rebuilds the view with an empty target, bound to the
// replacement source table.
func (vw *View) CloneForTruncate(src *table.Table) table.ViewTrigger {
	return New(vw.name, src, vw.groupByCols, vw.aggs, vw.cfg)
}

func (vw *View) groupKey(t tuple.Tuple) []sql.Value {
	key := make([]sql.Value, len(vw.groupByCols))
	for kdx, cdx := range vw.groupByCols {
		key[kdx] = t.Value(cdx)
	}
	return key
}

const countColumn = -1

func (vw *View) lookupGroup(key []sql.Value) tuple.Tuple {
	pk := vw.target.IndexByName(sql.PRIMARY)
	return vw.target.LookupTupleByKey(pk, key)
}

func addValues(val, delta sql.Value) (sql.Value, error) {
	if delta == nil {
		// Aggregates ignore NULL inputs.
		return val, nil
	}
	if val == nil {
		return delta, nil
	}
	switch val := val.(type) {
	case sql.Int64Value:
		return val + delta.(sql.Int64Value), nil
	case sql.Float64Value:
		return val + delta.(sql.Float64Value), nil
	}
	return nil, fmt.Errorf("view: unable to aggregate %s", sql.Format(val))
}

func subValues(val, delta sql.Value) (sql.Value, error) {
	if delta == nil {
		return val, nil
	}
	if val == nil {
		return nil, fmt.Errorf("view: aggregate underflow")
	}
	switch val := val.(type) {
	case sql.Int64Value:
		return val - delta.(sql.Int64Value), nil
	case sql.Float64Value:
		return val - delta.(sql.Float64Value), nil
	}
	return nil, fmt.Errorf("view: unable to aggregate %s", sql.Format(val))
}

// ProcessTupleInsert folds a newly inserted source row into its group,
// creating the group row on first sight.
func (vw *View) ProcessTupleInsert(ctx *table.Context, t tuple.Tuple, fallible bool) error {
	key := vw.groupKey(t)
	grp := vw.lookupGroup(key)
	if grp.IsNull() {
		row := make([]sql.Value, 0, len(key)+1+len(vw.aggs))
		row = append(row, key...)
		row = append(row, sql.Int64Value(1))
		for _, agg := range vw.aggs {
			if agg.Op == CountOp {
				if agg.Col == countColumn || t.Value(agg.Col) != nil {
					row = append(row, sql.Int64Value(1))
				} else {
					row = append(row, sql.Int64Value(0))
				}
			} else {
				row = append(row, t.Value(agg.Col))
			}
		}
		if fallible {
			return vw.target.InsertTuple(ctx, row)
		}
		return vw.target.InsertTupleInfallible(ctx, row)
	}

	row := grp.Values()
	cnt := len(key)
	row[cnt] = row[cnt].(sql.Int64Value) + 1
	for adx, agg := range vw.aggs {
		var err error
		cdx := cnt + 1 + adx
		if agg.Op == CountOp {
			if agg.Col != countColumn && t.Value(agg.Col) == nil {
				continue
			}
			row[cdx] = row[cdx].(sql.Int64Value) + 1
		} else if row[cdx], err = addValues(row[cdx], t.Value(agg.Col)); err != nil {
			return err
		}
	}
	return vw.target.UpdateTuple(ctx, grp, row, fallible)
}

// ProcessTupleDelete unfolds a deleted source row from its group, removing
// the group row when its count reaches zero.
func (vw *View) ProcessTupleDelete(ctx *table.Context, t tuple.Tuple, fallible bool) error {
	key := vw.groupKey(t)
	grp := vw.lookupGroup(key)
	if grp.IsNull() {
		return fmt.Errorf("view: %s: no group for deleted source row", vw.name)
	}

	row := grp.Values()
	cnt := len(key)
	if row[cnt].(sql.Int64Value) <= 1 {
		return vw.target.DeleteTuple(ctx, grp, fallible)
	}

	row[cnt] = row[cnt].(sql.Int64Value) - 1
	for adx, agg := range vw.aggs {
		var err error
		cdx := cnt + 1 + adx
		if agg.Op == CountOp {
			if agg.Col != countColumn && t.Value(agg.Col) == nil {
				continue
			}
			row[cdx] = row[cdx].(sql.Int64Value) - 1
		} else if row[cdx], err = subValues(row[cdx], t.Value(agg.Col)); err != nil {
			return err
		}
	}
	return vw.target.UpdateTuple(ctx, grp, row, fallible)
}
