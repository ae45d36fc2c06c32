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
	"fmt"
	"strings"

	"github.com/wentaojin/scaling/pipeline/metadata"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// ChangelogTable is polled as the change stream of a shard, rows are appended by triggers or by
// the application in the same transaction as the change
const ChangelogTable = "scaling_changelog"

type dialect struct {
	name   string
	driver string
	quote  func(string) string
	// placeholder renders the n-th bind marker, n starts at 1
	placeholder func(n int) string
	changelog   string
	upsert      func(d *dialect, table string, columns, keys []string) string
	columns     func(ctx context.Context, db *sql.DB, table string) ([]metadata.Column, error)
}

var (
	mysqlDialect = &dialect{
		name:        constant.DatabaseTypeMySQL,
		driver:      "mysql",
		quote:       quoteWith(constant.StringSeparatorBacktick),
		placeholder: func(int) string { return "?" },
		changelog: `CREATE TABLE IF NOT EXISTS scaling_changelog (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	table_name VARCHAR(256) NOT NULL,
	op VARCHAR(16) NOT NULL,
	row_data LONGTEXT NOT NULL,
	commit_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		upsert:  duplicateKeyUpdate,
		columns: mysqlColumns,
	}
	postgresDialect = &dialect{
		name:        constant.DatabaseTypePostgresql,
		driver:      "postgres",
		quote:       quoteWith(constant.StringSeparatorDoubleQuotes),
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		changelog: `CREATE TABLE IF NOT EXISTS scaling_changelog (
	id BIGSERIAL PRIMARY KEY,
	table_name VARCHAR(256) NOT NULL,
	op VARCHAR(16) NOT NULL,
	row_data TEXT NOT NULL,
	commit_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		upsert:  onConflictUpdate,
		columns: postgresColumns,
	}
	sqliteDialect = &dialect{
		name:        constant.DatabaseTypeSQLite,
		driver:      "sqlite",
		quote:       quoteWith(constant.StringSeparatorDoubleQuotes),
		placeholder: func(int) string { return "?" },
		changelog: `CREATE TABLE IF NOT EXISTS scaling_changelog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	op TEXT NOT NULL,
	row_data TEXT NOT NULL,
	commit_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		upsert:  onConflictUpdate,
		columns: sqliteColumns,
	}
)

func quoteWith(q string) func(string) string {
	return func(name string) string {
		return stringutil.StringBuilder(q, strings.ReplaceAll(name, q, q+q), q)
	}
}

func (d *dialect) quoteAll(names []string) []string {
	quoted := make([]string, 0, len(names))
	for _, n := range names {
		quoted = append(quoted, d.quote(n))
	}
	return quoted
}

func duplicateKeyUpdate(d *dialect, _ string, columns, keys []string) string {
	var sets []string
	for _, c := range columns {
		if containsFold(keys, c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", d.quote(c), d.quote(c)))
	}
	if len(sets) == 0 {
		sets = append(sets, fmt.Sprintf("%s = %s", d.quote(keys[0]), d.quote(keys[0])))
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func onConflictUpdate(d *dialect, _ string, columns, keys []string) string {
	var sets []string
	for _, c := range columns {
		if containsFold(keys, c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", d.quote(c), d.quote(c)))
	}
	target := strings.Join(d.quoteAll(keys), ", ")
	if len(sets) == 0 {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", target)
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(sets, ", "))
}

func mysqlColumns(ctx context.Context, db *sql.DB, table string) ([]metadata.Column, error) {
	return queryColumns(ctx, db, `SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, CASE WHEN COLUMN_KEY = 'PRI' THEN 1 ELSE 0 END
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`, table)
}

func postgresColumns(ctx context.Context, db *sql.DB, table string) ([]metadata.Column, error) {
	return queryColumns(ctx, db, `SELECT c.column_name, c.data_type, c.is_nullable, CASE WHEN k.column_name IS NULL THEN 0 ELSE 1 END
FROM information_schema.columns c
LEFT JOIN (
	SELECT kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
	ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
	WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_name = $1 AND tc.table_schema = current_schema()
) k ON k.column_name = c.column_name
WHERE c.table_name = $1 AND c.table_schema = current_schema()
ORDER BY c.ordinal_position`, table)
}

func sqliteColumns(ctx context.Context, db *sql.DB, table string) ([]metadata.Column, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteWith(constant.StringSeparatorDoubleQuotes)(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []metadata.Column
	for rows.Next() {
		var (
			cid      int
			name     string
			dataType string
			notNull  int
			dflt     sql.NullString
			pk       int
		)
		if err = rows.Scan(&cid, &name, &dataType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, metadata.Column{Name: name, DataType: strings.ToUpper(dataType), Nullable: notNull == 0 && pk == 0, PrimaryKey: pk > 0})
	}
	return cols, rows.Err()
}

func queryColumns(ctx context.Context, db *sql.DB, query, table string) ([]metadata.Column, error) {
	rows, err := db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []metadata.Column
	for rows.Next() {
		var (
			name, dataType, nullable string
			pk                       int
		)
		if err = rows.Scan(&name, &dataType, &nullable, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, metadata.Column{
			Name:       name,
			DataType:   strings.ToUpper(dataType),
			Nullable:   strings.EqualFold(nullable, "YES"),
			PrimaryKey: pk == 1,
		})
	}
	return cols, rows.Err()
}

func containsFold(items []string, s string) bool {
	for _, i := range items {
		if strings.EqualFold(i, s) {
			return true
		}
	}
	return false
}
