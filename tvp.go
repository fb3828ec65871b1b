package mssql

import "encoding/binary"

// TVPColumn describes one column of a Table-Valued Parameter's shape. TVP
// column metadata carries no column name on the wire: the name
// field is always empty regardless of what the destination table type
// calls the column.
type TVPColumn struct {
	TypeId    byte
	Size      int
	Precision uint8
	Scale     uint8
}

// TVP is a Table-Valued Parameter value (type id 0xF3): a reference to a
// user-defined table type plus the rows to send. TVPs are input-only —
// there is no result-set decode path for them.
type TVP struct {
	TypeName   string
	SchemaName string
	Columns    []TVPColumn
	Rows       [][]interface{}
}

// tvpNullMarker is the 0xFFFF ColMetaData placeholder that
// encodeTVPColMetaData writes in place of column metadata when a TVP has
// no columns.
const tvpNullMarker uint16 = 0xFFFF

// encodeTVPValue renders a TVP's self-delimiting value section: the
// DbName/OwningSchema/TypeName identifier, its column metadata, an
// end-of-metadata marker, each row prefixed by the TVP row token (0x01),
// and a final end-of-rows marker. Unlike every other TDS value,
// a TVP carries no outer total-length prefix at all.
func encodeTVPValue(t TVP) []byte {
	var out []byte
	out = append(out, encodeBVarChar("")...) // DbName is always empty
	out = append(out, encodeBVarChar(t.SchemaName)...)
	out = append(out, encodeBVarChar(t.TypeName)...)
	out = append(out, encodeTVPColMetaData(t.Columns)...)
	out = append(out, 0x00) // end of metadata

	const tvpRowToken = 0x01
	const tvpEndOfRows = 0x00
	for _, row := range t.Rows {
		out = append(out, tvpRowToken)
		for i, v := range row {
			out = append(out, encodeTVPColumnValue(t.Columns[i], v)...)
		}
	}
	out = append(out, tvpEndOfRows)
	return out
}

// encodeTVPColMetaData writes the TVP_COLMETADATA section: a column count
// followed by {user_type:u32=0, flags:u16=0, type_info, col_name:b_varchar=""}
// per column, or the 0xFFFF null marker when columns is empty.
func encodeTVPColMetaData(columns []TVPColumn) []byte {
	if len(columns) == 0 {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], tvpNullMarker)
		return b[:]
	}

	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, uint16(len(columns)))
	for _, c := range columns {
		out = append(out, 0, 0, 0, 0) // user type
		out = append(out, 0, 0)       // flags
		out = append(out, encodeBulkTypeInfo(BulkColumn{TypeId: c.TypeId, Size: c.Size, Precision: c.Precision, Scale: c.Scale})...)
		out = append(out, encodeBVarChar("")...) // column name: always empty
	}
	return out
}

// encodeTVPColumnValue encodes one row's column value using the same
// per-Go-type value encoder every other parameter path uses, discarding
// the TYPE_INFO half since a TVP row's column types are already fixed by
// its ColMetaData.
func encodeTVPColumnValue(_ TVPColumn, v interface{}) []byte {
	_, value, err := encodeTypedValue(v)
	if err != nil {
		badStreamPanic(err)
	}
	return value
}
