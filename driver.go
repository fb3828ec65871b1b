package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/praxiomlabs/go-mssqldb/msdsn"
)

func init() {
	sql.Register("sqlserver", &Driver{})
}

// Driver implements database/sql/driver.Driver and driver.DriverContext,
// the standard entry point through which a caller that wants ordinary
// database/sql ergonomics (sql.Open, sql.DB's own connection pooling)
// reaches the core. Callers that want the bounded, reaped pool in
// mssqlpool with explicit checkout control can wrap *tdsSession
// (via Connect) directly instead, since it already satisfies
// mssqlpool.Conn/Resettable.
type Driver struct{}

func (d *Driver) Open(dsn string) (driver.Conn, error) {
	connector, err := d.OpenConnector(dsn)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

func (d *Driver) OpenConnector(dsn string) (driver.Connector, error) {
	parsed, err := msdsn.Parse(dsn)
	if err != nil {
		return nil, err
	}
	cfg, err := configFromDSN(parsed)
	if err != nil {
		return nil, err
	}
	return &Connector{cfg: cfg, driver: d}, nil
}

// Connector implements driver.Connector for sql.OpenDB. Its *Config is
// always built from a DSN string (NewConnector or Driver.OpenConnector).
type Connector struct {
	cfg    *Config
	driver driver.Driver
}

// NewConnector builds a Connector directly from a parsed DSN string,
// exposed for callers that want sql.OpenDB(connector) semantics.
func NewConnector(dsn string) (*Connector, error) {
	parsed, err := msdsn.Parse(dsn)
	if err != nil {
		return nil, err
	}
	cfg, err := configFromDSN(parsed)
	if err != nil {
		return nil, err
	}
	return &Connector{cfg: cfg, driver: &Driver{}}, nil
}

func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	sess, err := Connect(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	return &connWrapper{sess: sess, cfg: c.cfg}, nil
}

func (c *Connector) Driver() driver.Driver { return c.driver }

// configFromDSN maps the generic msdsn.Config onto this package's Config,
// translating the string-typed Encrypt/TDSVersion fields into the typed
// EncryptMode/tdsVersion this package's connect sequence consumes.
func configFromDSN(p msdsn.Config) (*Config, error) {
	cfg := &Config{
		Host:                   p.Host,
		Port:                   p.Port,
		Instance:               p.Instance,
		Database:               p.Database,
		User:                   p.User,
		Password:               p.Password,
		AppName:                p.AppName,
		ConnectTimeout:         p.ConnectTimeout,
		CommandTimeout:         p.CommandTimeout,
		TrustServerCertificate: p.TrustServerCertificate,
		MARS:                   p.MARS,
		PacketSize:             p.PacketSize,
		Retry:                  DefaultRetryPolicy(),
	}
	switch p.Encrypt {
	case msdsn.EncryptOff:
		cfg.Encryption = EncryptOff
	case msdsn.EncryptStrict:
		cfg.Encryption = EncryptStrict
	default:
		cfg.Encryption = EncryptOn
	}
	switch p.TDSVersion {
	case "7.0":
		cfg.TDSVersion = verTDS70
	case "7.1":
		cfg.TDSVersion = verTDS71
	case "7.2":
		cfg.TDSVersion = verTDS72
	case "7.3", "7.3a":
		cfg.TDSVersion = verTDS73A
	case "7.3b":
		cfg.TDSVersion = verTDS73B
	case "7.4":
		cfg.TDSVersion = verTDS74
	case "8.0":
		cfg.TDSVersion = verTDS80
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// connWrapper adapts a *tdsSession to driver.Conn and the handful of
// optional driver interfaces database/sql uses when available
// (ConnPrepareContext, ExecerContext, QueryerContext, ConnBeginTx, Pinger,
// NamedValueChecker).
type connWrapper struct {
	sess *tdsSession
	cfg  *Config
}

var (
	_ driver.Conn               = (*connWrapper)(nil)
	_ driver.ConnPrepareContext = (*connWrapper)(nil)
	_ driver.ExecerContext      = (*connWrapper)(nil)
	_ driver.QueryerContext     = (*connWrapper)(nil)
	_ driver.ConnBeginTx        = (*connWrapper)(nil)
	_ driver.Pinger             = (*connWrapper)(nil)
	_ driver.NamedValueChecker  = (*connWrapper)(nil)
)

func (c *connWrapper) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *connWrapper) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	return &Stmt{conn: c, query: query}, nil
}

func (c *connWrapper) Close() error {
	return c.sess.Close()
}

func (c *connWrapper) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *connWrapper) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.sess.state == stateInTransaction {
		return nil, errors.New("mssql: begin_transaction called while already in a transaction")
	}
	isoSQL := isolationLevelSQL(sql.IsolationLevel(opts.Isolation))
	batch := "BEGIN TRANSACTION"
	if isoSQL != "" {
		batch = "SET TRANSACTION ISOLATION LEVEL " + isoSQL + "; " + batch
	}
	if err := runBatchDrain(ctx, c.sess, batch); err != nil {
		return nil, err
	}
	c.sess.inExplicitTransaction = true
	c.sess.state = stateInTransaction
	return &Tx{conn: c}, nil
}

func isolationLevelSQL(level sql.IsolationLevel) string {
	switch level {
	case sql.LevelReadUncommitted:
		return "READ UNCOMMITTED"
	case sql.LevelReadCommitted:
		return "READ COMMITTED"
	case sql.LevelRepeatableRead:
		return "REPEATABLE READ"
	case sql.LevelSerializable:
		return "SERIALIZABLE"
	case sql.LevelSnapshot:
		return "SNAPSHOT"
	default:
		return ""
	}
}

func (c *connWrapper) Ping(ctx context.Context) error {
	return runBatchDrain(ctx, c.sess, "SELECT 1")
}

// CheckNamedValue accepts every value type encodeTypedValue knows how to
// put on the wire, plus Out (sqlexp.Out) for OUTPUT parameters, bypassing
// database/sql's default driver.Value conversion (which would otherwise
// reject decimal.Decimal, civil.Date/DateTime, uuid.UUID, and TVP).
func (c *connWrapper) CheckNamedValue(nv *driver.NamedValue) error {
	if out, ok := nv.Value.(Out); ok {
		if out.In {
			nv.Value = reflect.ValueOf(out.Dest).Elem().Interface()
		} else {
			nv.Value = reflect.Zero(reflect.TypeOf(out.Dest).Elem()).Interface()
		}
		return nil
	}
	return nil
}

func (c *connWrapper) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return execParamsOnSession(ctx, c.sess, query, args)
}

func (c *connWrapper) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return queryParamsOnSession(ctx, c.sess, query, args)
}

// Stmt implements driver.Stmt. Every execution sends the query through
// sp_executesql, exactly as connWrapper.ExecContext/QueryContext do; Stmt
// does not use the connection's prepared-statement cache, so no sp_prepare
// or sp_execute is issued.
type Stmt struct {
	conn  *connWrapper
	query string
}

var (
	_ driver.Stmt              = (*Stmt)(nil)
	_ driver.StmtExecContext   = (*Stmt)(nil)
	_ driver.StmtQueryContext  = (*Stmt)(nil)
	_ driver.NamedValueChecker = (*Stmt)(nil)
)

func (s *Stmt) Close() error  { return nil }
func (s *Stmt) NumInput() int { return -1 } // driven by named parameters, not positional count

func (s *Stmt) CheckNamedValue(nv *driver.NamedValue) error {
	return s.conn.CheckNamedValue(nv)
}

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), valuesToNamed(args))
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), valuesToNamed(args))
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return execParamsOnSession(ctx, s.conn.sess, s.query, args)
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return queryParamsOnSession(ctx, s.conn.sess, s.query, args)
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

// namedValueParams converts driver.NamedValue args into the Param slice
// rpc.go's sp_executesql path expects, synthesizing "p<ordinal>" names for
// positional (unnamed) parameters.
func namedValueParams(args []driver.NamedValue) []Param {
	params := make([]Param, len(args))
	for i, a := range args {
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("p%d", i+1)
		}
		params[i] = Param{Name: name, Value: a.Value}
	}
	return params
}

func execParamsOnSession(ctx context.Context, sess *tdsSession, query string, args []driver.NamedValue) (driver.Result, error) {
	params := namedValueParams(args)
	if err := sendExecuteSQL(sess, query, params); err != nil {
		return nil, err
	}
	proc := startReading(sess, ctx, map[string]interface{}{})
	if err := proc.iterateResponse(); err != nil {
		return nil, err
	}
	return &Result{rowsAffected: proc.rowCount}, nil
}

func queryParamsOnSession(ctx context.Context, sess *tdsSession, query string, args []driver.NamedValue) (driver.Rows, error) {
	params := namedValueParams(args)
	if err := sendExecuteSQL(sess, query, params); err != nil {
		return nil, err
	}
	proc := startReading(sess, ctx, map[string]interface{}{})
	rows := newRows(sess, proc)
	// Pull tokens up to and including the first COLMETADATA (or DONE, for a
	// statement with no result set) so Columns() has something to report
	// before the caller's first Next call.
	for {
		tok, err := proc.nextToken()
		if err != nil {
			return nil, err
		}
		if tok == nil {
			return rows, nil
		}
		if cols, ok := tok.([]columnStruct); ok {
			rows.columns = cols
			return rows, nil
		}
		if d, ok := tok.(doneStruct); ok && d.Status&doneMore == 0 {
			return rows, nil
		}
	}
}

// runBatchDrain sends a plain SQL batch and discards every token except
// errors, used for BEGIN/COMMIT/ROLLBACK TRANSACTION and Ping.
func runBatchDrain(ctx context.Context, sess *tdsSession, batch string) error {
	if err := sendSQLBatch(sess, batch); err != nil {
		return err
	}
	proc := startReading(sess, ctx, map[string]interface{}{})
	return proc.iterateResponse()
}

// Result implements driver.Result. LastInsertId is not supported directly
// by TDS (callers use SCOPE_IDENTITY() as an ordinary query instead).
type Result struct {
	rowsAffected int64
}

func (r *Result) LastInsertId() (int64, error) {
	return 0, errors.New("mssql: LastInsertId is not supported; query SCOPE_IDENTITY() instead")
}

func (r *Result) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// Tx implements driver.Tx over the connection's transaction descriptor.
type Tx struct {
	conn *connWrapper
}

func (t *Tx) Commit() error {
	if err := runBatchDrain(context.Background(), t.conn.sess, "COMMIT TRANSACTION"); err != nil {
		return err
	}
	t.conn.sess.inExplicitTransaction = false
	t.conn.sess.tranid = 0
	t.conn.sess.state = stateReady
	return nil
}

func (t *Tx) Rollback() error {
	if err := runBatchDrain(context.Background(), t.conn.sess, "ROLLBACK TRANSACTION"); err != nil {
		return err
	}
	t.conn.sess.inExplicitTransaction = false
	t.conn.sess.tranid = 0
	t.conn.sess.state = stateReady
	return nil
}

var _ io.Closer = (*connWrapper)(nil) // Close is also driver.Conn's Close
