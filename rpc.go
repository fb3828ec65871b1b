package mssql

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Well-known system stored procedure IDs, addressed via the 0xFFFF marker
// in place of a name-length prefix.
const (
	procSpCursor         uint16 = 1
	procSpCursorOpen     uint16 = 2
	procSpCursorPrepare  uint16 = 3
	procSpCursorExecute  uint16 = 4
	procSpCursorPrepExec uint16 = 5
	procSpCursorUnprepare uint16 = 6
	procSpCursorFetch    uint16 = 7
	procSpCursorOption   uint16 = 8
	procSpCursorClose    uint16 = 9
	procSpExecuteSQL     uint16 = 10
	procSpPrepare        uint16 = 11
	procSpExecute        uint16 = 12
	procSpPrepExec       uint16 = 13
	procSpUnprepare      uint16 = 15
)

// RPC parameter status flags.
const (
	paramStatusByRefValue uint8 = 0x01 // OUTPUT parameter
	paramStatusDefault    uint8 = 0x02
	paramStatusEncrypted  uint8 = 0x08
)

// headerTypeTransDescriptor is the only ALL_HEADERS entry this driver ever
// sends: the active transaction descriptor plus an outstanding-request
// count fixed at 1.
const headerTypeTransDescriptor uint16 = 0x0002

// Param is one bound value of a SQL Batch or RPC request. Name is empty for
// positional parameters (the SQL-text and parameter-declaration slots of an
// sp_executesql call); Output marks it as a by-reference OUTPUT parameter.
type Param struct {
	Name   string
	Value  interface{}
	Output bool
}

// rawCollation is sent on every outgoing string parameter's TYPE_INFO. The
// server's own default collation applies to RPC input; the driver never
// needs to name one since it always binds strings as NVARCHAR, which
// carries no collation-dependent transcoding on the way in.
var rawCollation = make([]byte, 5)

// encodeRPC builds the payload for an RPC request: ALL_HEADERS, then either
// a well-known procedure ID (procID != 0) or a name, an option-flags word,
// and the encoded parameters in order.
func encodeRPC(transactionID uint64, procID uint16, procName string, options uint16, params []Param) ([]byte, error) {
	out := allHeaders(transactionID)

	if procID != 0 {
		out = append(out, 0xFF, 0xFF)
		var idBuf [2]byte
		binary.LittleEndian.PutUint16(idBuf[:], procID)
		out = append(out, idBuf[:]...)
	} else {
		nameW := str2ucs2(procName)
		if len(nameW)/2 > 0xFFFE {
			return nil, InvalidIdentifierError{Detail: fmt.Sprintf("procedure name %q too long", procName)}
		}
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(nameW)/2))
		out = append(out, lenBuf[:]...)
		out = append(out, nameW...)
	}

	var optBuf [2]byte
	binary.LittleEndian.PutUint16(optBuf[:], options)
	out = append(out, optBuf[:]...)

	for _, p := range params {
		enc, err := encodeParam(p)
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return out, nil
}

// sendRPC writes an RPC request by well-known procedure ID.
func sendRPC(s *tdsSession, procID uint16, options uint16, params []Param) error {
	payload, err := encodeRPC(s.tranid, procID, "", options, params)
	if err != nil {
		return err
	}
	reset := s.needsReset
	if err := s.buf.sendMessage(packRPCRequest, payload, reset); err != nil {
		return err
	}
	s.needsReset = false
	return nil
}

// sendRPCByName writes an RPC request addressed to a user stored procedure
// by name, rather than one of the well-known system procedure IDs.
func sendRPCByName(s *tdsSession, procName string, options uint16, params []Param) error {
	payload, err := encodeRPC(s.tranid, 0, procName, options, params)
	if err != nil {
		return err
	}
	reset := s.needsReset
	if err := s.buf.sendMessage(packRPCRequest, payload, reset); err != nil {
		return err
	}
	s.needsReset = false
	return nil
}

// sendExecuteSQL issues the parameterized-query path: the SQL text and a generated parameter-declaration
// string as the first two positional parameters, followed by the caller's
// own parameters by name. The declaration string names and types must match
// the parameters that follow it exactly.
func sendExecuteSQL(s *tdsSession, query string, params []Param) error {
	decl, err := declareParams(params)
	if err != nil {
		return err
	}
	full := make([]Param, 0, len(params)+2)
	full = append(full, Param{Value: query}, Param{Value: decl})
	full = append(full, params...)
	return sendRPC(s, procSpExecuteSQL, 0, full)
}

// declareParams builds the "@p1 int, @p2 nvarchar(50), ..." declaration
// string sp_executesql requires as its second argument, inferring each
// parameter's SQL type name from its Go value.
func declareParams(params []Param) (string, error) {
	decl := ""
	for i, p := range params {
		if i > 0 {
			decl += ", "
		}
		name := p.Name
		if name == "" {
			return "", InvalidIdentifierError{Detail: "sp_executesql parameters must be named"}
		}
		if name[0] != '@' {
			name = "@" + name
		}
		sqlType, err := sqlTypeName(p.Value)
		if err != nil {
			return "", err
		}
		decl += name + " " + sqlType
		if p.Output {
			decl += " output"
		}
	}
	return decl, nil
}

// sqlTypeName returns the T-SQL type name sp_executesql's declaration
// string uses for a given bound Go value.
func sqlTypeName(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "nvarchar(4000)", nil
	case bool:
		return "bit", nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		if intNSize(toInt64(val)) == 4 {
			return "int", nil
		}
		return "bigint", nil
	case float32, float64:
		return "float", nil
	case string:
		return "nvarchar(max)", nil
	case []byte:
		return "varbinary(max)", nil
	case civil.DateTime:
		return "datetime2", nil
	case civil.Date:
		return "date", nil
	case time.Time:
		return "datetimeoffset", nil
	case decimal.Decimal:
		return "decimal(38,10)", nil
	case uuid.UUID:
		return "uniqueidentifier", nil
	case TVP:
		return val.SchemaName + "." + val.TypeName + " readonly", nil
	default:
		return "", TypeMismatchError{Expected: "a supported parameter type", Actual: fmt.Sprintf("%T", v)}
	}
}

// encodeParam encodes one RPCRequest parameter: its name, status flags,
// TYPE_INFO and value.
func encodeParam(p Param) ([]byte, error) {
	name := p.Name
	if name != "" && name[0] != '@' {
		name = "@" + name
	}
	nameW := str2ucs2(name)
	if len(nameW)/2 > 255 {
		return nil, InvalidIdentifierError{Detail: fmt.Sprintf("parameter name %q exceeds 255 characters", p.Name)}
	}
	out := append([]byte{byte(len(nameW) / 2)}, nameW...)

	var status uint8
	if p.Output {
		status |= paramStatusByRefValue
	}
	out = append(out, status)

	typeInfo, value, err := encodeTypedValue(p.Value)
	if err != nil {
		return nil, err
	}
	out = append(out, typeInfo...)
	out = append(out, value...)
	return out, nil
}

// intNSize picks the smallest INTN width (4 or 8 bytes) that holds v, so a
// small int parameter binds as a 4-byte INTN rather than always widening to
// BIGINT.
func intNSize(v int64) int {
	if v >= -2147483648 && v <= 2147483647 {
		return 4
	}
	return 8
}

// encodeTypedValue dispatches on the bound Go value's type and returns the
// TYPE_INFO bytes (type id plus whatever length/precision/collation fields
// that type id carries) followed by the value bytes, mirroring the
// catalogue readTypeInfo/values.go decode.
func encodeTypedValue(v interface{}) ([]byte, []byte, error) {
	switch val := v.(type) {
	case nil:
		ti := []byte{typeNVarChar, 0xFF, 0xFF}
		ti = append(ti, rawCollation...)
		return ti, writePLP(nil), nil

	case bool:
		ti := []byte{typeBitN, 1}
		b := byte(0)
		if val {
			b = 1
		}
		return ti, []byte{1, b}, nil

	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		iv := toInt64(val)
		size := intNSize(iv)
		ti := []byte{typeIntN, byte(size)}
		value := make([]byte, 1+size)
		value[0] = byte(size)
		putIntLE(value[1:], iv, size)
		return ti, value, nil

	case float32:
		return encodeTypedValue(float64(val))
	case float64:
		ti := []byte{typeFltN, 8}
		var bits [8]byte
		binary.LittleEndian.PutUint64(bits[:], math.Float64bits(val))
		value := append([]byte{8}, bits[:]...)
		return ti, value, nil

	case string:
		ti := []byte{typeNVarChar, 0xFF, 0xFF}
		ti = append(ti, rawCollation...)
		return ti, writePLP(str2ucs2(val)), nil

	case []byte:
		ti := []byte{typeBigVarBinary, 0xFF, 0xFF}
		return ti, writePLP(val), nil

	case decimal.Decimal:
		precision, scale := decimalPrecisionScale(val)
		ti := []byte{typeDecimalN, byte(decimalByteWidth(precision)), precision, scale}
		value := encodeDecimalNValue(val, precision, scale)
		return ti, value, nil

	case uuid.UUID:
		ti := []byte{typeUniqueIdentifier, 16}
		value := append([]byte{16}, encodeGUIDBytes(val)...)
		return ti, value, nil

	case TVP:
		ti := []byte{typeTVP}
		return ti, encodeTVPValue(val), nil

	case civil.Date:
		ti := []byte{typeDate}
		return ti, encodeDateBytes(val), nil

	case civil.DateTime:
		const scale = 7
		ti := []byte{typeDateTime2, scale}
		return ti, encodeDateTime2Bytes(val, scale), nil

	case time.Time:
		const scale = 7
		_, offset := val.Zone()
		offsetMinutes := int16(offset / 60)
		dt := civil.DateTime{Date: civil.DateOf(val), Time: civil.TimeOf(val)}
		ti := []byte{typeDateTimeOffset, scale}
		return ti, encodeDateTimeOffsetBytes(dt, scale, offsetMinutes), nil

	default:
		return nil, nil, TypeMismatchError{Expected: "a supported parameter type", Actual: fmt.Sprintf("%T", v)}
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}

func putIntLE(b []byte, v int64, size int) {
	for i := 0; i < size; i++ {
		b[i] = byte(v >> (uint(i) * 8))
	}
}

// decimalPrecisionScale derives a wire precision/scale pair from a
// decimal.Decimal's own exponent, capped at the DECIMALN maximum (38,10)
// used elsewhere for inferred declarations.
func decimalPrecisionScale(d decimal.Decimal) (precision, scale uint8) {
	exp := d.Exponent()
	if exp > 0 {
		exp = 0
	}
	s := uint8(-exp)
	if s > 10 {
		s = 10
	}
	return 38, s
}
