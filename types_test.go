package mssql

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// encodeUsVarCharForTest builds a uint16-length-prefixed UCS-2 string, the
// wire shape UsVarChar() reads back.
func encodeUsVarCharForTest(s string) []byte {
	w := str2ucs2(s)
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, uint16(len(w)/2))
	return append(out, w...)
}

func TestFixedLenTypeSize(t *testing.T) {
	cases := []struct {
		typeId byte
		size   int
		ok     bool
	}{
		{typeNull, 0, true},
		{typeTinyInt, 1, true},
		{typeBit, 1, true},
		{typeSmallInt, 2, true},
		{typeInt, 4, true},
		{typeSmallDateTime, 4, true},
		{typeReal, 4, true},
		{typeSmallMoney, 4, true},
		{typeBigInt, 8, true},
		{typeDateTime, 8, true},
		{typeFloat, 8, true},
		{typeMoney, 8, true},
		{typeIntN, 0, false},
		{typeNVarChar, 0, false},
	}
	for _, c := range cases {
		size, ok := fixedLenTypeSize(c.typeId)
		require.Equal(t, c.ok, ok, "typeId 0x%02x", c.typeId)
		if ok {
			require.Equal(t, c.size, size, "typeId 0x%02x", c.typeId)
		}
	}
}

func TestTimeSizeForScale(t *testing.T) {
	cases := []struct {
		scale uint8
		size  int
	}{
		{0, 3}, {1, 3}, {2, 3},
		{3, 4}, {4, 4},
		{5, 5}, {6, 5}, {7, 5},
	}
	for _, c := range cases {
		require.Equal(t, c.size, timeSizeForScale(c.scale), "scale %d", c.scale)
	}
}

func TestReadTypeInfoFixedLen(t *testing.T) {
	ti := readTypeInfo(bufferOf(nil), typeInt, nil)
	require.Equal(t, typeInt, ti.TypeId)
	require.Equal(t, 4, ti.Size)
	require.NotNil(t, ti.Reader)
}

func TestReadTypeInfoIntN(t *testing.T) {
	// IntN carries a single max-length byte.
	ti := readTypeInfo(bufferOf([]byte{8}), typeIntN, nil)
	require.Equal(t, 8, ti.Size)
	require.NotNil(t, ti.Reader)
}

func TestReadTypeInfoDecimalN(t *testing.T) {
	// DecimalN carries max-length, precision, scale.
	wire := []byte{9, 18, 4}
	ti := readTypeInfo(bufferOf(wire), typeDecimalN, nil)
	require.Equal(t, 9, ti.Size)
	require.Equal(t, uint8(18), ti.Precision)
	require.Equal(t, uint8(4), ti.Scale)
}

func TestReadTypeInfoDate(t *testing.T) {
	ti := readTypeInfo(bufferOf(nil), typeDate, nil)
	require.Equal(t, 3, ti.Size)
}

func TestReadTypeInfoTime(t *testing.T) {
	// Scale byte only.
	ti := readTypeInfo(bufferOf([]byte{7}), typeTime, nil)
	require.Equal(t, uint8(7), ti.Scale)
	require.Equal(t, 5, ti.Size)
}

func TestReadTypeInfoDateTime2(t *testing.T) {
	ti := readTypeInfo(bufferOf([]byte{7}), typeDateTime2, nil)
	require.Equal(t, 8, ti.Size) // timeSizeForScale(7)=5 + 3 date bytes
}

func TestReadTypeInfoDateTimeOffset(t *testing.T) {
	ti := readTypeInfo(bufferOf([]byte{7}), typeDateTimeOffset, nil)
	require.Equal(t, 10, ti.Size) // 5 + 3 + 2
}

func TestReadTypeInfoUniqueIdentifier(t *testing.T) {
	ti := readTypeInfo(bufferOf([]byte{16}), typeUniqueIdentifier, nil)
	require.Equal(t, 16, ti.Size)
}

func TestReadTypeInfoNVarCharReadsCollation(t *testing.T) {
	wire := []byte{0xFF, 0xFF} // size = uint16 max-len marker
	wire = append(wire, encodedCollation()...)
	ti := readTypeInfo(bufferOf(wire), typeNVarChar, nil)
	require.Equal(t, 0xFFFF, ti.Size)
	require.NotZero(t, ti.Collation.LcidAndFlags)
}

func TestReadTypeInfoUDT(t *testing.T) {
	wire := []byte{10, 0} // u16 max byte size
	wire = append(wire, encodeBVarChar("db")...)
	wire = append(wire, encodeBVarChar("dbo")...)
	wire = append(wire, encodeBVarChar("MyUDT")...)
	wire = append(wire, encodeUsVarCharForTest("MyUDT, Version=1.0.0.0")...)
	ti := readTypeInfo(bufferOf(wire), typeUDT, nil)
	require.Equal(t, "db", ti.UDTInfo.DBName)
	require.Equal(t, "dbo", ti.UDTInfo.SchemaName)
	require.Equal(t, "MyUDT", ti.UDTInfo.TypeName)
	require.Equal(t, "MyUDT, Version=1.0.0.0", ti.UDTInfo.AssemblyQualifiedName)
}

func TestColumnStructFlagHelpers(t *testing.T) {
	c := columnStruct{Flags: colFlagNullable}
	require.True(t, c.IsNullable())
	require.False(t, c.isEncrypted())

	c.Flags |= colFlagEncrypted
	require.True(t, c.isEncrypted())
}

// encodedCollation builds a 5-byte wire collation (lcid+flags, sort id) with
// a nonzero LCID so tests can assert it decoded rather than stayed zero.
func encodedCollation() []byte {
	return []byte{0x09, 0x04, 0x00, 0x00, 0x00}
}
