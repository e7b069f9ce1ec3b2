// Package sqldb implements the SQL adapter over database/sql and sqlx. Tag
// addresses are column names within one configured table. A scan reads the
// most recent row (ordered by a `timestamp` column when present, otherwise
// by the first column, descending) and extracts each tag's column. Writes
// INSERT a new row; the table's leading column is auto-filled with now()
// when it is a datetime, or max+1 when it is an integer key. Batch writes
// with an explicit row id UPDATE instead.
//
// Dialect differences (row limiting, identifier quoting, placeholder style)
// are isolated in dialect.go.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"

	"github.com/inlogic/gateway/driver"
	"github.com/inlogic/gateway/gateway/structs"

	// Database drivers selected by db_type.
	_ "github.com/SAP/go-hdb/driver"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
)

const defaultTable = "dados_processo"

func init() {
	driver.Register(structs.ProtocolSQL, Open)
}

type session struct {
	mu      sync.Mutex
	db      *sqlx.DB
	dialect dialect
	table   string
	timeout time.Duration
	logger  hclog.Logger

	// cached table shape from the first successful probe
	columns   []string
	firstCol  string
	firstKind string // "time", "int", or ""
}

// Open connects to the database and verifies the connection with a ping.
func Open(ctx context.Context, dev *structs.DeviceConfig, tags []*structs.TagConfig, logger hclog.Logger) (driver.Session, error) {
	d, err := dialectFor(dev.Options.DBType)
	if err != nil {
		return nil, structs.NewDriverError(structs.ErrKindConfig, "open", err)
	}
	dsn, err := d.dsn(&dev.Options)
	if err != nil {
		return nil, structs.NewDriverError(structs.ErrKindConfig, "open", err)
	}

	db, err := sqlx.Open(d.driverName, dsn)
	if err != nil {
		return nil, structs.NewDriverError(structs.ErrKindConnect, "open", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, dev.Timeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, structs.NewDriverError(structs.ErrKindConnect, "ping", err)
	}

	table := dev.Options.Table
	if table == "" {
		table = defaultTable
	}

	return &session{
		db:      db,
		dialect: d,
		table:   table,
		timeout: dev.Timeout(),
		logger:  logger,
	}, nil
}

// Read fetches the latest row once and extracts every requested column.
func (s *session) Read(ctx context.Context, addrs []string) ([]driver.ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]driver.ReadResult, len(addrs))

	row, err := s.latestRow(ctx)
	if err != nil {
		for i := range out {
			out[i] = driver.ReadResult{Err: err}
		}
		return out, err
	}

	for i, col := range addrs {
		v, ok := row[strings.TrimSpace(col)]
		if !ok {
			out[i] = driver.ReadResult{Err: structs.NewDriverError(structs.ErrKindProtocol, "read",
				fmt.Errorf("column %q not present in table %s", col, s.table))}
			continue
		}
		out[i] = driver.ReadResult{Value: normalizeSQLValue(v), Kind: observedKind(v)}
	}
	return out, nil
}

func (s *session) latestRow(ctx context.Context) (map[string]any, error) {
	if err := s.probeTable(ctx); err != nil {
		return nil, err
	}

	orderCol := s.firstCol
	for _, c := range s.columns {
		if strings.EqualFold(c, "timestamp") {
			orderCol = c
			break
		}
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.dialect.latestRowQuery(s.table, orderCol)
	row := s.db.QueryRowxContext(qctx, query)
	dest := make(map[string]any)
	if err := row.MapScan(dest); err != nil {
		if err == sql.ErrNoRows {
			return map[string]any{}, nil
		}
		return nil, structs.NewDriverError(structs.ErrKindTransport, "select", err)
	}
	return dest, nil
}

// probeTable discovers column names and the leading column's type class.
func (s *session) probeTable(ctx context.Context) error {
	if s.columns != nil {
		return nil
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(qctx, s.dialect.probeQuery(s.table))
	if err != nil {
		return structs.NewDriverError(structs.ErrKindTransport, "probe", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil || len(cols) == 0 {
		return structs.NewDriverError(structs.ErrKindProtocol, "probe",
			fmt.Errorf("table %s: cannot resolve columns: %v", s.table, err))
	}
	s.columns = cols
	s.firstCol = cols[0]

	if types, err := rows.ColumnTypes(); err == nil && len(types) > 0 {
		name := strings.ToLower(types[0].DatabaseTypeName())
		switch {
		case strings.Contains(name, "date"), strings.Contains(name, "time"):
			s.firstKind = "time"
		case strings.Contains(name, "int"), strings.Contains(name, "serial"),
			strings.Contains(name, "number"), strings.Contains(name, "decimal"):
			s.firstKind = "int"
		}
	}
	return nil
}

// Write inserts one row carrying the written column, auto-filling the
// leading column when it is not the target.
func (s *session) Write(ctx context.Context, addr string, value any, kind structs.DataKind) (*driver.WriteReceipt, error) {
	coerced, err := structs.Coerce(value, kind)
	if err != nil {
		return nil, err
	}
	if err := s.WriteBatch(ctx, map[string]any{addr: coerced}, nil); err != nil {
		return nil, err
	}
	return &driver.WriteReceipt{}, nil
}

// WriteBatch implements driver.BatchWriter. A nil rowID inserts; an explicit
// rowID updates the matching row instead.
func (s *session) WriteBatch(ctx context.Context, values map[string]any, rowID any) error {
	if len(values) == 0 {
		return structs.NewDriverError(structs.ErrKindProtocol, "write", fmt.Errorf("empty batch"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.probeTable(ctx); err != nil {
		return err
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if rowID != nil {
		return s.update(qctx, values, rowID)
	}
	return s.insert(qctx, values)
}

func (s *session) insert(ctx context.Context, values map[string]any) error {
	filled, err := s.fillLeadingColumn(ctx, values)
	if err != nil {
		return err
	}

	cols := make([]string, 0, len(filled))
	args := make([]any, 0, len(filled))
	// Leading column first, remaining columns in table order.
	if v, ok := filled[s.firstCol]; ok {
		cols = append(cols, s.firstCol)
		args = append(args, v)
	}
	for _, c := range s.columns {
		if c == s.firstCol {
			continue
		}
		if v, ok := filled[c]; ok {
			cols = append(cols, c)
			args = append(args, v)
		}
	}
	if len(cols) == 0 {
		return structs.NewDriverError(structs.ErrKindProtocol, "insert",
			fmt.Errorf("no batch column matches table %s", s.table))
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = s.dialect.quote(c)
		marks[i] = "?"
	}
	query := s.db.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.dialect.quote(s.table), strings.Join(quoted, ", "), strings.Join(marks, ", ")))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classifyExec(err)
	}
	return nil
}

func (s *session) update(ctx context.Context, values map[string]any, rowID any) error {
	sets := make([]string, 0, len(values))
	args := make([]any, 0, len(values)+1)
	for _, c := range s.columns {
		if v, ok := values[c]; ok {
			sets = append(sets, s.dialect.quote(c)+" = ?")
			args = append(args, v)
		}
	}
	if len(sets) == 0 {
		return structs.NewDriverError(structs.ErrKindProtocol, "update",
			fmt.Errorf("no batch column matches table %s", s.table))
	}
	args = append(args, rowID)

	query := s.db.Rebind(fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		s.dialect.quote(s.table), strings.Join(sets, ", "), s.dialect.quote("id")))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classifyExec(err)
	}
	return nil
}

// fillLeadingColumn auto-fills the table's first column for inserts that do
// not carry it: now() for datetime keys, max+1 for integer keys.
func (s *session) fillLeadingColumn(ctx context.Context, values map[string]any) (map[string]any, error) {
	if _, ok := values[s.firstCol]; ok {
		return values, nil
	}

	filled := make(map[string]any, len(values)+1)
	for k, v := range values {
		filled[k] = v
	}

	switch s.firstKind {
	case "time":
		filled[s.firstCol] = time.Now()
	case "int":
		var max sql.NullInt64
		query := fmt.Sprintf("SELECT MAX(%s) FROM %s", s.dialect.quote(s.firstCol), s.dialect.quote(s.table))
		if err := s.db.GetContext(ctx, &max, query); err != nil {
			return nil, classifyExec(err)
		}
		filled[s.firstCol] = max.Int64 + 1
	}
	return filled, nil
}

func (s *session) Alive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

func (s *session) Close() error { return s.db.Close() }

// normalizeSQLValue folds driver-specific scan types onto the snapshot's
// value domain.
func normalizeSQLValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case sql.NullString:
		if t.Valid {
			return t.String
		}
		return nil
	default:
		return v
	}
}

func observedKind(v any) structs.DataKind {
	switch v.(type) {
	case bool:
		return structs.KindBool
	case int, int32, int64:
		return structs.KindInt
	case float32, float64:
		return structs.KindFloat
	default:
		return structs.KindString
	}
}

func classifyExec(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
		return structs.NewDriverError(structs.ErrKindPermission, "exec", err)
	}
	if strings.Contains(msg, "connection") || strings.Contains(msg, "broken") {
		return structs.NewDriverError(structs.ErrKindTransport, "exec", err)
	}
	return structs.NewDriverError(structs.ErrKindProtocol, "exec", err)
}
