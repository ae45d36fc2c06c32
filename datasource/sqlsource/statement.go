/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package sqlsource

import (
	"fmt"
	"strings"

	"github.com/wentaojin/scaling/binder"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/utils/constant"
)

// maxStatementParameters bounds the bind markers of one statement below every driver limit
const maxStatementParameters = 30000

type statement struct {
	query string
	args  []any
}

// group is a run of records applied by one statement, runs keep the order of the batch and never
// repeat a key since one upsert statement may not touch a row twice
type group struct {
	table   string
	delete  bool
	columns []string
	records []*record.DataRecord
	keys    map[string]struct{}
}

func signature(r *record.DataRecord) string {
	names := make([]string, 0, len(r.Columns))
	for _, c := range r.Columns {
		names = append(names, strings.ToLower(c.Name))
	}
	return strings.Join(names, constant.StringSeparatorComma)
}

func groupRecords(records []*record.DataRecord) []*group {
	var (
		groups []*group
		cur    *group
		curSig string
	)
	for _, r := range records {
		del := r.Op == constant.RecordOperationDelete
		sig := signature(r)
		if del {
			sig = ""
		}
		if cur == nil || cur.table != r.Table || cur.delete != del || curSig != sig || cur.hasKey(r.Key) {
			cur = &group{table: r.Table, delete: del, keys: make(map[string]struct{})}
			for _, c := range r.Columns {
				cur.columns = append(cur.columns, c.Name)
			}
			curSig = sig
			groups = append(groups, cur)
		}
		cur.records = append(cur.records, r)
		cur.keys[r.Key] = struct{}{}
	}
	return groups
}

func (g *group) hasKey(key string) bool {
	_, ok := g.keys[key]
	return ok
}

// buildUpsert renders multi-row upserts, every row is bound through an insert value context so nil
// values are rendered as NULL literals and the rest as bind markers
func (d *dialect) buildUpsert(g *group, keys []string) ([]statement, error) {
	perStatement := maxStatementParameters / len(g.columns)
	if perStatement == 0 {
		perStatement = 1
	}
	var stmts []statement
	for from := 0; from < len(g.records); from += perStatement {
		to := from + perStatement
		if to > len(g.records) {
			to = len(g.records)
		}
		var (
			params []any
			tuples []string
			args   []any
		)
		for _, r := range g.records[from:to] {
			values, err := binder.ExtractValues(r, g.columns)
			if err != nil {
				return nil, err
			}
			offset := len(params)
			var exprs []binder.ExpressionSegment
			exprs, params = binder.BindRow(values, params)
			ctx, err := binder.NewInsertValueContext(exprs, params, offset)
			if err != nil {
				return nil, err
			}
			tuples = append(tuples, d.renderTuple(ctx, len(args)))
			args = append(args, ctx.Parameters()...)
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s%s",
			d.quote(g.table),
			strings.Join(d.quoteAll(g.columns), ", "),
			strings.Join(tuples, ", "),
			d.upsert(d, g.table, g.columns, keys))
		stmts = append(stmts, statement{query: query, args: args})
	}
	return stmts, nil
}

func (d *dialect) renderTuple(ctx *binder.InsertValueContext, bound int) string {
	var b strings.Builder
	b.WriteString("(")
	for i, e := range ctx.ValueExpressions() {
		if i > 0 {
			b.WriteString(", ")
		}
		switch e.(type) {
		case *binder.ParameterMarkerExpressionSegment:
			bound++
			b.WriteString(d.placeholder(bound))
		default:
			b.WriteString("NULL")
		}
	}
	b.WriteString(")")
	return b.String()
}

// buildDelete renders delete-if-exists by key, a missing row is not an error
func (d *dialect) buildDelete(g *group, keys []string) ([]statement, error) {
	if len(keys) != 1 {
		return nil, fmt.Errorf("delete from table [%s] needs a single column primary key, got [%s]", g.table, strings.Join(keys, ","))
	}
	var stmts []statement
	for from := 0; from < len(g.records); from += maxStatementParameters {
		to := from + maxStatementParameters
		if to > len(g.records) {
			to = len(g.records)
		}
		var (
			markers []string
			args    []any
		)
		for _, r := range g.records[from:to] {
			c, ok := r.Column(keys[0])
			if !ok {
				return nil, fmt.Errorf("delete record of table [%s] misses key column [%s]", g.table, keys[0])
			}
			args = append(args, c.Value)
			markers = append(markers, d.placeholder(len(args)))
		}
		stmts = append(stmts, statement{
			query: fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", d.quote(g.table), d.quote(keys[0]), strings.Join(markers, ", ")),
			args:  args,
		})
	}
	return stmts, nil
}
