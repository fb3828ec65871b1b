package mssql

import (
	"context"
	"encoding/binary"
	"fmt"
)

// BulkColumn describes one destination column of a bulk load, enough to
// write its COLMETADATA type-info entry.
type BulkColumn struct {
	Name      string
	TypeId    byte
	Size      int
	Precision uint8
	Scale     uint8
	Nullable  bool
}

// Bulk drives a Bulk Load (packBulkLoadBCP) request: an `INSERT BULK` batch
// that primes the server with the target table, column list and hints,
// followed by a COLMETADATA token describing those same columns, then one
// ROW token per row, terminated by a DONE token carrying the row count
//.
type Bulk struct {
	sess    *tdsSession
	table   string
	columns []BulkColumn
	rows    int
}

// NewBulk prepares a bulk load of rows into table using the given column
// list; it does not send anything until Open is called.
func NewBulk(sess *tdsSession, table string, columns []BulkColumn) *Bulk {
	return &Bulk{sess: sess, table: table, columns: columns}
}

// BulkOptions conveys the INSERT BULK hints: whether to fire
// triggers, check constraints, keep existing NULLs, and take a table lock.
type BulkOptions struct {
	CheckConstraints bool
	FireTriggers     bool
	KeepNulls        bool
	TableLock        bool
	RowsPerBatch     int
}

// Open sends the priming `INSERT BULK <table> (<cols>) WITH (<hints>)`
// batch that tells the server which columns and options to expect, then
// sends the COLMETADATA token that begins the bulk-load payload stream
// itself. Column metadata must be self-contained in the first packet; the
// teacher idiom here is the same sendMessage/tdsBuffer split used by every
// other outgoing message, just addressed to packBulkLoadBCP for the token
// stream that follows.
func (b *Bulk) Open(opts BulkOptions) error {
	insertBulk := buildInsertBulkStatement(b.table, b.columns, opts)
	if err := sendSQLBatch(b.sess, insertBulk); err != nil {
		return err
	}
	if err := drainSimpleResponse(b.sess); err != nil {
		return err
	}

	payload := encodeBulkColMetadata(b.columns)
	return b.sess.buf.sendMessage(packBulkLoadBCP, payload, false)
}

// AddRow encodes and sends one ROW token; rows may straddle packet
// boundaries (sendMessage chunks automatically), so no buffering beyond the
// row itself is required here.
func (b *Bulk) AddRow(values []interface{}) error {
	if len(values) != len(b.columns) {
		return fmt.Errorf("mssql: bulk row has %d values, want %d", len(values), len(b.columns))
	}
	row := encodeBulkRow(b.columns, values)
	if err := b.sess.buf.sendMessage(packBulkLoadBCP, row, false); err != nil {
		return err
	}
	b.rows++
	return nil
}

// Done sends the terminating DONE token and waits for the server's reply.
func (b *Bulk) Done() (int, error) {
	done := encodeBulkDone(b.rows)
	if err := b.sess.buf.sendMessage(packBulkLoadBCP, done, false); err != nil {
		return 0, err
	}
	if err := drainSimpleResponse(b.sess); err != nil {
		return 0, err
	}
	return b.rows, nil
}

// buildInsertBulkStatement renders the priming batch text. Table and column
// names are bracket-quoted (doubling any embedded `]`), the same escaping
// T-SQL itself requires for quoted identifiers.
func buildInsertBulkStatement(table string, columns []BulkColumn, opts BulkOptions) string {
	stmt := "INSERT BULK " + quoteIdent(table) + " ("
	for i, c := range columns {
		if i > 0 {
			stmt += ", "
		}
		stmt += quoteIdent(c.Name) + " " + bulkColumnSQLType(c)
	}
	stmt += ")"

	hints := bulkHints(opts)
	if hints != "" {
		stmt += " WITH (" + hints + ")"
	}
	return stmt
}

func quoteIdent(name string) string {
	out := "["
	for _, r := range name {
		if r == ']' {
			out += "]]"
		} else {
			out += string(r)
		}
	}
	return out + "]"
}

func bulkHints(opts BulkOptions) string {
	hints := ""
	add := func(s string) {
		if hints != "" {
			hints += ", "
		}
		hints += s
	}
	if opts.CheckConstraints {
		add("CHECK_CONSTRAINTS")
	}
	if opts.FireTriggers {
		add("FIRE_TRIGGERS")
	}
	if opts.KeepNulls {
		add("KEEP_NULLS")
	}
	if opts.TableLock {
		add("TABLOCK")
	}
	if opts.RowsPerBatch > 0 {
		add(fmt.Sprintf("ROWS_PER_BATCH = %d", opts.RowsPerBatch))
	}
	return hints
}

// bulkColumnSQLType renders a BulkColumn's declared TDS type as the T-SQL
// type name INSERT BULK's column list expects.
func bulkColumnSQLType(c BulkColumn) string {
	switch c.TypeId {
	case typeIntN:
		switch c.Size {
		case 1:
			return "tinyint"
		case 2:
			return "smallint"
		case 4:
			return "int"
		default:
			return "bigint"
		}
	case typeBitN:
		return "bit"
	case typeFltN:
		if c.Size == 4 {
			return "real"
		}
		return "float"
	case typeDecimalN, typeNumericN:
		return fmt.Sprintf("decimal(%d,%d)", c.Precision, c.Scale)
	case typeNVarChar:
		return fmt.Sprintf("nvarchar(%d)", c.Size/2)
	case typeBigVarChar:
		return fmt.Sprintf("varchar(%d)", c.Size)
	case typeBigVarBinary:
		return fmt.Sprintf("varbinary(%d)", c.Size)
	case typeDateTime2:
		return fmt.Sprintf("datetime2(%d)", c.Scale)
	case typeDate:
		return "date"
	case typeUniqueIdentifier:
		return "uniqueidentifier"
	default:
		return "sql_variant"
	}
}

// encodeBulkColMetadata writes the COLMETADATA token for a bulk load: the
// token id, column count, then per-column {user_type, flags, type_info,
// col_name} entries, matching the shape a COLMETADATA response carries
// but with self-chosen ordinals rather than ones
// read off the wire.
func encodeBulkColMetadata(columns []BulkColumn) []byte {
	out := []byte{byte(tokenColMetadata)}
	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(columns)))
	out = append(out, countBuf[:]...)

	for _, c := range columns {
		var userType [4]byte
		out = append(out, userType[:]...)

		var flags uint16
		if c.Nullable {
			flags |= colFlagNullable
		}
		var flagBuf [2]byte
		binary.LittleEndian.PutUint16(flagBuf[:], flags)
		out = append(out, flagBuf[:]...)

		out = append(out, encodeBulkTypeInfo(c)...)
		out = append(out, encodeBVarChar(c.Name)...)
	}
	return out
}

// encodeBulkTypeInfo writes a column's TYPE_INFO: the type id and whatever
// length/precision/scale/collation fields that type id carries on the wire,
// the write-side mirror of types.go's readTypeInfo.
func encodeBulkTypeInfo(c BulkColumn) []byte {
	switch c.TypeId {
	case typeIntN, typeBitN, typeFltN, typeMoneyN, typeDateTimN:
		return []byte{c.TypeId, byte(c.Size)}
	case typeDecimalN, typeNumericN:
		return []byte{c.TypeId, byte(decimalByteWidth(c.Precision)), c.Precision, c.Scale}
	case typeDate:
		return []byte{c.TypeId}
	case typeTime, typeDateTime2, typeDateTimeOffset:
		return []byte{c.TypeId, c.Scale}
	case typeUniqueIdentifier:
		return []byte{c.TypeId, 16}
	case typeBigVarBinary, typeBigBinary, typeVarBinary, typeBinary:
		out := []byte{c.TypeId}
		var sizeBuf [2]byte
		binary.LittleEndian.PutUint16(sizeBuf[:], uint16(c.Size))
		return append(out, sizeBuf[:]...)
	case typeNVarChar, typeNChar, typeBigVarChar, typeBigChar:
		out := []byte{c.TypeId}
		var sizeBuf [2]byte
		binary.LittleEndian.PutUint16(sizeBuf[:], uint16(c.Size))
		out = append(out, sizeBuf[:]...)
		return append(out, rawCollation...)
	default:
		return []byte{c.TypeId}
	}
}

// encodeBVarChar encodes a byte-length-prefixed UTF-16LE string, the wire
// format COLMETADATA column names and bulk row string values both use.
func encodeBVarChar(s string) []byte {
	w := str2ucs2(s)
	return append([]byte{byte(len(w) / 2)}, w...)
}

// encodeBulkRow writes one ROW token: the token id followed by each
// column's value, reusing the same per-Go-type value encoders the RPC
// parameter path uses.
func encodeBulkRow(columns []BulkColumn, values []interface{}) []byte {
	out := []byte{byte(tokenRow)}
	for _, v := range values {
		_, value, err := encodeTypedValue(v)
		if err != nil {
			badStreamPanic(err)
		}
		out = append(out, value...)
	}
	return out
}

// encodeBulkDone writes the terminating DONE token: status doneFinal|
// doneCount, current command (0, unused outside RPC), and the row count
//.
func encodeBulkDone(rowCount int) []byte {
	out := make([]byte, 1+2+2+8)
	out[0] = byte(tokenDone)
	binary.LittleEndian.PutUint16(out[1:3], doneCount)
	binary.LittleEndian.PutUint16(out[3:5], 0)
	binary.LittleEndian.PutUint64(out[5:13], uint64(rowCount))
	return out
}

// drainSimpleResponse reads and discards one reply message, surfacing the
// first ERROR token (if any) as a Go error. It exists for the two
// call-and-forget steps of a bulk load (the priming batch and the final
// DONE) where the caller doesn't need column data, only confirmation the
// server accepted the step.
func drainSimpleResponse(s *tdsSession) error {
	proc := startReading(s, context.Background(), nil)
	return proc.iterateResponse()
}
