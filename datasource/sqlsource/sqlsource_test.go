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
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wentaojin/scaling/datasource"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
)

const orderDDL = `CREATE TABLE t_order (order_id INTEGER PRIMARY KEY, user_id INTEGER, status TEXT)`

func openSQLite(t *testing.T, name string) *Database {
	t.Helper()
	ctx := context.Background()
	ds, err := datasource.Open(ctx, constant.DatabaseTypeSQLite, job.Shard{Name: name, DSN: filepath.Join(t.TempDir(), name+".db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	db := ds.(*Database)
	_, err = db.DB().ExecContext(ctx, orderDDL)
	require.NoError(t, err)
	return db
}

func writeOrder(t *testing.T, db *Database, op string, row map[string]any) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	switch op {
	case constant.RecordOperationInsert:
		_, err = tx.ExecContext(ctx, "INSERT INTO t_order (order_id, user_id, status) VALUES (?, ?, ?)", row["order_id"], row["user_id"], row["status"])
	case constant.RecordOperationUpdate:
		_, err = tx.ExecContext(ctx, "UPDATE t_order SET user_id = ?, status = ? WHERE order_id = ?", row["user_id"], row["status"], row["order_id"])
	case constant.RecordOperationDelete:
		_, err = tx.ExecContext(ctx, "DELETE FROM t_order WHERE order_id = ?", row["order_id"])
	}
	require.NoError(t, err)
	require.NoError(t, WriteChange(ctx, tx, db.Placeholder(), "t_order", op, row))
	require.NoError(t, tx.Commit())
}

func dumpOrders(t *testing.T, db *sql.DB) map[int64][2]any {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), "SELECT order_id, user_id, status FROM t_order")
	require.NoError(t, err)
	defer rows.Close()
	result := make(map[int64][2]any)
	for rows.Next() {
		var (
			id     int64
			user   sql.NullInt64
			status sql.NullString
		)
		require.NoError(t, rows.Scan(&id, &user, &status))
		result[id] = [2]any{user, status}
	}
	require.NoError(t, rows.Err())
	return result
}

func TestSQLiteMetaAndRange(t *testing.T) {
	db := openSQLite(t, "meta")
	ctx := context.Background()
	_, _, ok, err := db.KeyRange(ctx, "t_order")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, id := range []int64{30, 10, 20} {
		writeOrder(t, db, constant.RecordOperationInsert, map[string]any{"order_id": id, "user_id": id * 10, "status": "NEW"})
	}

	meta, err := db.LoadTableMeta(ctx, "t_order")
	require.NoError(t, err)
	assert.Equal(t, []string{"order_id"}, meta.PrimaryKey)
	assert.Equal(t, []string{"order_id", "user_id", "status"}, meta.ColumnNames())

	start, end, ok, err := db.KeyRange(ctx, "t_order")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10", start.String())
	assert.Equal(t, "30", end.String())

	rows, err := db.ReadRange(ctx, "t_order", decimal.NewFromInt(11), decimal.NewFromInt(30), 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "20", rows[0].Key)
	assert.Equal(t, datasource.KeyPosition(decimal.NewFromInt(20)), rows[0].Position)
	c, ok := rows[0].Column("status")
	require.True(t, ok)
	assert.Equal(t, "NEW", c.Value)

	_, err = db.LoadTableMeta(ctx, "t_missing")
	assert.Error(t, err)
}

func TestSQLiteChangelogStream(t *testing.T) {
	db := openSQLite(t, "stream")
	ctx := context.Background()

	p, err := db.CurrentLogPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, position.NewLogOffsetPosition(0), p)

	writeOrder(t, db, constant.RecordOperationInsert, map[string]any{"order_id": 1, "user_id": 7, "status": "NEW"})
	writeOrder(t, db, constant.RecordOperationUpdate, map[string]any{"order_id": 1, "user_id": 7, "status": "PAID"})
	writeOrder(t, db, constant.RecordOperationDelete, map[string]any{"order_id": 1})

	p, err = db.CurrentLogPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, position.NewLogOffsetPosition(3), p)

	s, err := db.Subscribe(ctx, position.NewLogOffsetPosition(2))
	require.NoError(t, err)
	defer s.Close()

	changes, err := s.Next(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, constant.RecordOperationUpdate, changes[0].Op)
	assert.Equal(t, position.NewLogOffsetPosition(2), changes[0].Position)
	assert.Equal(t, "1", changes[0].Key)
	assert.Equal(t, constant.RecordOperationDelete, changes[1].Op)
	assert.Len(t, changes[1].Columns, 1)

	changes, err = s.Next(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestSQLiteApplyBatchIdempotent(t *testing.T) {
	target := openSQLite(t, "target")
	ctx := context.Background()

	batch := []*record.DataRecord{
		{Table: "t_order", Op: constant.RecordOperationInsert, Key: "1", Columns: []record.Column{
			{Name: "order_id", Value: int64(1), UniqueKey: true}, {Name: "user_id", Value: int64(10)}, {Name: "status", Value: "NEW"}}},
		{Table: "t_order", Op: constant.RecordOperationInsert, Key: "2", Columns: []record.Column{
			{Name: "order_id", Value: int64(2), UniqueKey: true}, {Name: "user_id", Value: nil}, {Name: "status", Value: "NEW"}}},
		{Table: "t_order", Op: constant.RecordOperationUpdate, Key: "1", Columns: []record.Column{
			{Name: "order_id", Value: int64(1), UniqueKey: true}, {Name: "user_id", Value: int64(10)}, {Name: "status", Value: "PAID"}}},
		{Table: "t_order", Op: constant.RecordOperationInsert, Key: "3", Columns: []record.Column{
			{Name: "order_id", Value: int64(3), UniqueKey: true}, {Name: "user_id", Value: int64(30)}, {Name: "status", Value: "NEW"}}},
		{Table: "t_order", Op: constant.RecordOperationDelete, Key: "3", Columns: []record.Column{
			{Name: "order_id", Value: int64(3), UniqueKey: true}}},
	}

	require.NoError(t, target.ApplyBatch(ctx, batch))
	first := dumpOrders(t, target.DB())
	require.NoError(t, target.ApplyBatch(ctx, batch))
	assert.Equal(t, first, dumpOrders(t, target.DB()))

	require.Len(t, first, 2)
	assert.Equal(t, sql.NullString{String: "PAID", Valid: true}, first[1][1])
	assert.Equal(t, sql.NullInt64{}, first[2][0])
}

func TestBuildUpsertStatement(t *testing.T) {
	g := &group{
		table:   "t_order",
		columns: []string{"order_id", "status"},
		records: []*record.DataRecord{
			{Table: "t_order", Columns: []record.Column{{Name: "order_id", Value: 1}, {Name: "status", Value: nil}}},
			{Table: "t_order", Columns: []record.Column{{Name: "order_id", Value: 2}, {Name: "status", Value: "NEW"}}},
		},
	}
	cases := []struct {
		name  string
		d     *dialect
		query string
	}{
		{"postgres", postgresDialect, `INSERT INTO "t_order" ("order_id", "status") VALUES ($1, NULL), ($2, $3) ON CONFLICT ("order_id") DO UPDATE SET "status" = EXCLUDED."status"`},
		{"mysql", mysqlDialect, "INSERT INTO `t_order` (`order_id`, `status`) VALUES (?, NULL), (?, ?) ON DUPLICATE KEY UPDATE `status` = VALUES(`status`)"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			stmts, err := c.d.buildUpsert(g, []string{"order_id"})
			require.NoError(t, err)
			require.Len(t, stmts, 1)
			assert.Equal(t, c.query, stmts[0].query)
			assert.Equal(t, []any{1, 2, "NEW"}, stmts[0].args)
		})
	}

	stmts, err := postgresDialect.buildDelete(&group{table: "t_order", delete: true, records: g.records}, []string{"order_id"})
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "t_order" WHERE "order_id" IN ($1, $2)`, stmts[0].query)
}

func TestGroupRecordsKeepsOrder(t *testing.T) {
	mk := func(table, op, key string, cols ...string) *record.DataRecord {
		r := &record.DataRecord{Table: table, Op: op, Key: key}
		for _, c := range cols {
			r.Columns = append(r.Columns, record.Column{Name: c})
		}
		return r
	}
	groups := groupRecords([]*record.DataRecord{
		mk("a", constant.RecordOperationInsert, "1", "id", "v"),
		mk("a", constant.RecordOperationUpdate, "2", "id", "v"),
		mk("a", constant.RecordOperationUpdate, "1", "id", "v"),
		mk("a", constant.RecordOperationDelete, "1", "id"),
		mk("a", constant.RecordOperationInsert, "3", "id", "v"),
		mk("b", constant.RecordOperationInsert, "1", "id"),
	})
	require.Len(t, groups, 5)
	assert.Len(t, groups[0].records, 2)
	assert.Len(t, groups[1].records, 1)
	assert.True(t, groups[2].delete)
	assert.Equal(t, "b", groups[4].table)
}
