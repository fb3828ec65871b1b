package mssql

import (
	"database/sql/driver"
	"io"
)

// Rows adapts a tokenProcessor's decoded token stream to database/sql's
// driver.Rows: one shared []columnStruct per result set, decoded row values
// pulled across one at a time. The token decoder
// already materializes each column's value into row []interface{} as it
// decodes (parseRow/parseNbcRow in token.go); Rows only adds the
// result-set-boundary bookkeeping database/sql expects.
type Rows struct {
	sess *tdsSession
	proc *tokenProcessor

	columns []columnStruct
	pending []interface{} // the row most recently handed to us by nextToken, not yet consumed
	more    bool           // another result set follows the one being iterated
	closed  bool
}

func newRows(sess *tdsSession, proc *tokenProcessor) *Rows {
	return &Rows{sess: sess, proc: proc}
}

// Columns returns the current result set's column names. database/sql calls
// this once before the first Next.
func (r *Rows) Columns() []string {
	names := make([]string, len(r.columns))
	for i, c := range r.columns {
		names[i] = c.ColName
	}
	return names
}

// ColumnTypeScanType, ColumnTypeDatabaseTypeName and similar optional
// database/sql/driver interfaces are deliberately not implemented: the
// core's job is wire decode, not SQL-type reflection for callers that don't
// need it (database/sql falls back to interface{} scanning without them).

func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	// Drain any remaining tokens so the connection is left at a message
	// boundary before it can be reused (returned to a pool or handed the
	// next request).
	for {
		tok, err := r.proc.nextToken()
		if err != nil || tok == nil {
			return nil
		}
		if cols, ok := tok.([]columnStruct); ok {
			r.columns = cols
		}
	}
}

// Next advances to the next row of the current result set, decoding into
// dest in column order. It returns io.EOF at the end of the result set (NOT
// the end of all result sets — HasNextResultSet signals that).
func (r *Rows) Next(dest []driver.Value) error {
	for {
		tok, err := r.proc.nextToken()
		if err != nil {
			return err
		}
		if tok == nil {
			return io.EOF
		}
		switch v := tok.(type) {
		case []columnStruct:
			r.columns = v
			return io.EOF // a new result set's metadata arrived; signal boundary
		case []interface{}:
			for i := range dest {
				dest[i] = driver.Value(v[i])
			}
			return nil
		case doneStruct:
			if v.Status&doneMore != 0 {
				r.more = true
			}
			if v.isError() {
				return v.getError()
			}
		case doneInProcStruct:
			// no-op: row-count bookkeeping only, statement continues
		default:
			// ENVCHANGE, INFO, RETURNSTATUS etc. already applied by
			// iterateResponse's sibling logic inside nextToken/processSingleResponse
		}
	}
}

// HasNextResultSet reports whether DONE carried the "more results follow"
// bit, satisfying driver.RowsNextResultSet.
func (r *Rows) HasNextResultSet() bool {
	return r.more
}

// NextResultSet resumes decoding after a result-set boundary. The caller
// must have seen Next return io.EOF with HasNextResultSet() true.
func (r *Rows) NextResultSet() error {
	r.more = false
	return nil
}

var (
	_ driver.Rows               = (*Rows)(nil)
	_ driver.RowsNextResultSet = (*Rows)(nil)
)
