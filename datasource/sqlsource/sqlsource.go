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
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/wentaojin/scaling/datasource"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/pipeline/metadata"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/sharding"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"go.uber.org/zap"
	"modernc.org/sqlite"
)

const (
	DatabaseMaxIdleConn     = 64
	DatabaseMaxConn         = 256
	DatabaseConnMaxLifeTime = 300 * time.Second
	DatabaseConnMaxIdleTime = 200 * time.Second

	// streamPollInterval bounds the changelog polling frequency while waiting for changes
	streamPollInterval = 100 * time.Millisecond

	sqliteBusy   = 5
	sqliteLocked = 6
)

func init() {
	for _, d := range []*dialect{mysqlDialect, postgresDialect, sqliteDialect} {
		d := d
		datasource.Register(d.name, func(ctx context.Context, shard job.Shard) (datasource.DataSource, error) {
			return Open(ctx, d.name, shard.DSN)
		})
	}
}

// Database serves one shard through database/sql
type Database struct {
	dialect *dialect
	db      *sql.DB

	mu        sync.Mutex
	metas     map[string]*metadata.TableMeta
	changelog bool
}

var _ datasource.DataSource = (*Database)(nil)

// Open connects a shard, typ is one of MYSQL, POSTGRES and SQLITE
func Open(ctx context.Context, typ, dsn string) (*Database, error) {
	var d *dialect
	switch strings.ToUpper(typ) {
	case constant.DatabaseTypeMySQL:
		d = mysqlDialect
	case constant.DatabaseTypePostgresql:
		d = postgresDialect
	case constant.DatabaseTypeSQLite:
		d = sqliteDialect
	default:
		return nil, errorutil.Config.New("sql data source type [%s] is not supported", typ)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, errorutil.Config.Wrap(err, "error on open %s database connection", d.driver)
	}
	if d == sqliteDialect {
		// a single writer connection avoids SQLITE_BUSY between the stream and the applier
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxIdleConns(DatabaseMaxIdleConn)
		db.SetMaxOpenConns(DatabaseMaxConn)
		db.SetConnMaxLifetime(DatabaseConnMaxLifeTime)
		db.SetConnMaxIdleTime(DatabaseConnMaxIdleTime)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errorutil.Transient.Wrap(err, "error on ping %s database connection", d.driver)
	}
	return &Database{dialect: d, db: db, metas: make(map[string]*metadata.TableMeta)}, nil
}

// DB exposes the connection pool, used by callers writing changes alongside the changelog
func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) LoadTableMeta(ctx context.Context, table string) (*metadata.TableMeta, error) {
	d.mu.Lock()
	m, ok := d.metas[strings.ToLower(table)]
	d.mu.Unlock()
	if ok {
		return m.Clone(), nil
	}

	cols, err := d.dialect.columns(ctx, d.db, table)
	if err != nil {
		return nil, classify(ctx, err, "load table [%s] meta", table)
	}
	if len(cols) == 0 {
		return nil, errorutil.Config.New("table [%s] does not exist in %s data source", table, d.dialect.name)
	}
	m = &metadata.TableMeta{Name: table, Columns: cols}
	for _, c := range cols {
		if c.PrimaryKey {
			m.PrimaryKey = append(m.PrimaryKey, c.Name)
		}
	}
	if len(m.PrimaryKey) == 0 {
		return nil, errorutil.Config.New("table [%s] has no primary key", table)
	}

	d.mu.Lock()
	d.metas[strings.ToLower(table)] = m
	d.mu.Unlock()
	return m.Clone(), nil
}

func (d *Database) KeyRange(ctx context.Context, table string) (decimal.Decimal, decimal.Decimal, bool, error) {
	m, err := d.LoadTableMeta(ctx, table)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, err
	}
	pk := d.dialect.quote(m.PrimaryKey[0])
	var lo, hi sql.NullString
	err = d.db.QueryRowContext(ctx, fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", pk, pk, d.dialect.quote(table))).Scan(&lo, &hi)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, classify(ctx, err, "query table [%s] key range", table)
	}
	if !lo.Valid || !hi.Valid {
		return decimal.Zero, decimal.Zero, false, nil
	}
	start, err := decimal.NewFromString(lo.String)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, errorutil.Config.New("primary key [%s] of table [%s] is not numeric", m.PrimaryKey[0], table)
	}
	end, err := decimal.NewFromString(hi.String)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, errorutil.Config.New("primary key [%s] of table [%s] is not numeric", m.PrimaryKey[0], table)
	}
	return start, end, true, nil
}

func (d *Database) ReadRange(ctx context.Context, table string, start, end decimal.Decimal, limit int) ([]*record.DataRecord, error) {
	m, err := d.LoadTableMeta(ctx, table)
	if err != nil {
		return nil, err
	}
	pk := d.dialect.quote(m.PrimaryKey[0])
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s >= %s AND %s <= %s ORDER BY %s",
		strings.Join(d.dialect.quoteAll(m.ColumnNames()), ", "),
		d.dialect.quote(table),
		pk, d.dialect.placeholder(1), pk, d.dialect.placeholder(2), pk)
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, keyArg(start), keyArg(end))
	if err != nil {
		return nil, classify(ctx, err, "read table [%s] range [%s, %s]", table, start.String(), end.String())
	}
	defer rows.Close()

	var results []*record.DataRecord
	for rows.Next() {
		values := make([]any, len(m.Columns))
		scans := make([]any, len(m.Columns))
		for i := range values {
			scans[i] = &values[i]
		}
		if err = rows.Scan(scans...); err != nil {
			return nil, classify(ctx, err, "scan table [%s] row", table)
		}
		row := make(map[string]any, len(values))
		for i, c := range m.Columns {
			row[c.Name] = normalize(values[i])
		}
		rec, key, err := buildRecord(m, constant.RecordOperationInsert, row)
		if err != nil {
			return nil, err
		}
		rec.Position = datasource.KeyPosition(key)
		results = append(results, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(ctx, err, "read table [%s] range", table)
	}
	return results, nil
}

func (d *Database) CurrentLogPosition(ctx context.Context) (position.Position, error) {
	if err := d.ensureChangelog(ctx); err != nil {
		return position.Position{}, err
	}
	var id int64
	err := d.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM "+ChangelogTable).Scan(&id)
	if err != nil {
		return position.Position{}, classify(ctx, err, "query current changelog offset")
	}
	return position.NewLogOffsetPosition(id), nil
}

// Subscribe polls the changelog from the offset of from, inclusive
func (d *Database) Subscribe(ctx context.Context, from position.Position) (datasource.ChangeStream, error) {
	if err := d.ensureChangelog(ctx); err != nil {
		return nil, err
	}
	var next int64
	if !from.IsZero() {
		off, err := from.Offset()
		if err != nil {
			return nil, err
		}
		next = off
	}
	return &changeStream{db: d, next: next}, nil
}

// ApplyBatch writes the batch in one transaction, upserts by primary key and deletes if exists
func (d *Database) ApplyBatch(ctx context.Context, records []*record.DataRecord) error {
	if len(records) == 0 {
		return nil
	}
	var stmts []statement
	for _, g := range groupRecords(records) {
		m, err := d.LoadTableMeta(ctx, g.table)
		if err != nil {
			return err
		}
		var s []statement
		if g.delete {
			s, err = d.dialect.buildDelete(g, m.PrimaryKey)
		} else {
			s, err = d.dialect.buildUpsert(g, m.PrimaryKey)
		}
		if err != nil {
			return errorutil.DataConflict.Wrap(err, "build table [%s] apply statement", g.table)
		}
		stmts = append(stmts, s...)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(ctx, err, "begin apply transaction")
	}
	for _, s := range stmts {
		if _, err = tx.ExecContext(ctx, s.query, s.args...); err != nil {
			_ = tx.Rollback()
			logger.Warn("apply batch statement failed",
				zap.String("dialect", d.dialect.name), zap.String("sql", s.query), zap.Int("args", len(s.args)), zap.Error(err))
			return classify(ctx, err, "apply batch of [%d] records", len(records))
		}
	}
	if err = tx.Commit(); err != nil {
		return classify(ctx, err, "commit apply transaction")
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) ensureChangelog(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.changelog {
		return nil
	}
	if _, err := d.db.ExecContext(ctx, d.dialect.changelog); err != nil {
		return classify(ctx, err, "create changelog table")
	}
	d.changelog = true
	return nil
}

// WriteChange appends a change to the changelog within tx, row values are encoded as JSON
func WriteChange(ctx context.Context, tx *sql.Tx, placeholder func(int) string, table, op string, row map[string]any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal changelog row failed: [%v]", err)
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (table_name, op, row_data) VALUES (%s, %s, %s)",
		ChangelogTable, placeholder(1), placeholder(2), placeholder(3)), table, op, string(data))
	return err
}

// Placeholder returns the bind marker renderer of the data source dialect
func (d *Database) Placeholder() func(int) string {
	return d.dialect.placeholder
}

type changeStream struct {
	db     *Database
	next   int64
	closed bool
}

func (s *changeStream) Next(ctx context.Context, max int, wait time.Duration) ([]*record.DataRecord, error) {
	if s.closed {
		return nil, errorutil.NotInitialized.New("changelog stream is closed")
	}
	deadline := time.Now().Add(wait)
	for {
		rows, err := s.poll(ctx, max)
		if err != nil || len(rows) > 0 {
			return rows, err
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, nil
		}
		if remain > streamPollInterval {
			remain = streamPollInterval
		}
		t := time.NewTimer(remain)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errorutil.Canceled.Wrap(ctx.Err(), "read changelog stream")
		case <-t.C:
		}
	}
}

func (s *changeStream) poll(ctx context.Context, max int) ([]*record.DataRecord, error) {
	p := s.db.dialect.placeholder
	query := fmt.Sprintf("SELECT id, table_name, op, row_data FROM %s WHERE id >= %s ORDER BY id", ChangelogTable, p(1))
	if max > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, max)
	}
	rows, err := s.db.db.QueryContext(ctx, query, s.next)
	if err != nil {
		return nil, classify(ctx, err, "poll changelog from [%d]", s.next)
	}
	type change struct {
		id        int64
		table, op string
		data      string
	}
	var changes []change
	for rows.Next() {
		var c change
		if err = rows.Scan(&c.id, &c.table, &c.op, &c.data); err != nil {
			rows.Close()
			return nil, classify(ctx, err, "scan changelog row")
		}
		changes = append(changes, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, classify(ctx, err, "poll changelog")
	}

	results := make([]*record.DataRecord, 0, len(changes))
	for _, c := range changes {
		m, err := s.db.LoadTableMeta(ctx, c.table)
		if err != nil {
			return nil, err
		}
		row, err := decodeRow(c.data)
		if err != nil {
			return nil, errorutil.DataConflict.Wrap(err, "decode changelog [%d] of table [%s]", c.id, c.table)
		}
		rec, _, err := buildRecord(m, c.op, row)
		if err != nil {
			return nil, err
		}
		rec.Position = position.NewLogOffsetPosition(c.id)
		rec.CommitTime = time.Now()
		results = append(results, rec)
		s.next = c.id + 1
	}
	return results, nil
}

func (s *changeStream) Close() error {
	s.closed = true
	return nil
}

// buildRecord renders a row image in column order, deletes carry key columns only
func buildRecord(m *metadata.TableMeta, op string, row map[string]any) (*record.DataRecord, decimal.Decimal, error) {
	rec := &record.DataRecord{Table: m.Name, Op: op}
	var (
		key   decimal.Decimal
		found bool
	)
	for _, c := range m.Columns {
		v, ok := lookupFold(row, c.Name)
		if !ok {
			continue
		}
		if c.PrimaryKey && !found {
			k, err := sharding.ToDecimal(v)
			if err != nil {
				return nil, decimal.Zero, errorutil.DataConflict.Wrap(err, "primary key [%s] of table [%s]", c.Name, m.Name)
			}
			key, found = k, true
		}
		if op == constant.RecordOperationDelete && !c.PrimaryKey {
			continue
		}
		rec.Columns = append(rec.Columns, record.Column{
			Name:      c.Name,
			Value:     v,
			UniqueKey: c.PrimaryKey,
			Updated:   op == constant.RecordOperationUpdate && !c.PrimaryKey,
		})
	}
	if !found {
		return nil, decimal.Zero, errorutil.DataConflict.New("row of table [%s] misses primary key [%s]", m.Name, strings.Join(m.PrimaryKey, ","))
	}
	rec.Key = key.String()
	return rec, key, nil
}

func lookupFold(row map[string]any, name string) (any, bool) {
	if v, ok := row[name]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func decodeRow(data string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	for k, v := range raw {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			raw[k] = i
		} else if !strings.ContainsAny(n.String(), ".eE") {
			raw[k] = n.String()
		} else if f, err := n.Float64(); err == nil {
			raw[k] = f
		} else {
			raw[k] = n.String()
		}
	}
	return raw, nil
}

func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func keyArg(d decimal.Decimal) any {
	if d.IsInteger() && d.GreaterThanOrEqual(decimal.NewFromInt(math.MinInt64)) && d.LessThanOrEqual(decimal.NewFromInt(math.MaxInt64)) {
		return d.IntPart()
	}
	return d.String()
}

// classify maps driver errors onto the error taxonomy, connection loss and lock contention are
// transient and everything else needs intervention
func classify(ctx context.Context, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return errorutil.Canceled.Wrap(err, msg)
	}
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded):
		return errorutil.Transient.Wrap(err, msg)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == 1205 || myErr.Number == 1213) {
		return errorutil.Transient.Wrap(err, msg)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code.Class() == "08" || pqErr.Code.Class() == "40") {
		return errorutil.Transient.Wrap(err, msg)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) && (liteErr.Code()&0xff == sqliteBusy || liteErr.Code()&0xff == sqliteLocked) {
		return errorutil.Transient.Wrap(err, msg)
	}
	return errorutil.DataConflict.Wrap(err, msg)
}
