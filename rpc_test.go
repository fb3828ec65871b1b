package mssql

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDeclareParamsBasicTypes(t *testing.T) {
	params := []Param{
		{Name: "p1", Value: int64(42)},
		{Name: "p2", Value: "hello"},
		{Name: "out1", Value: int64(8589934592), Output: true},
	}
	decl, err := declareParams(params)
	require.NoError(t, err)
	require.Equal(t, "@p1 int, @p2 nvarchar(max), @out1 bigint output", decl)
}

func TestDeclareParamsRequiresName(t *testing.T) {
	_, err := declareParams([]Param{{Value: 1}})
	require.Error(t, err)
}

func TestDeclareParamsAddsAtSigil(t *testing.T) {
	decl, err := declareParams([]Param{{Name: "noat", Value: true}})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(decl, "@noat bit"))
}

func TestSqlTypeNameCoversBoundTypes(t *testing.T) {
	cases := []struct {
		value interface{}
		want  string
	}{
		{nil, "nvarchar(4000)"},
		{true, "bit"},
		{int64(1), "int"},
		{int64(8589934592), "bigint"},
		{float64(1.5), "float"},
		{"s", "nvarchar(max)"},
		{[]byte{1}, "varbinary(max)"},
		{uuid.New(), "uniqueidentifier"},
	}
	for _, c := range cases {
		got, err := sqlTypeName(c.value)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}
}

func TestSqlTypeNameRejectsUnsupportedType(t *testing.T) {
	_, err := sqlTypeName(struct{}{})
	require.Error(t, err)
}

func TestIntNSizePicksSmallestWidth(t *testing.T) {
	require.Equal(t, 4, intNSize(42))
	require.Equal(t, 4, intNSize(-2147483648))
	require.Equal(t, 8, intNSize(2147483648))
	require.Equal(t, 8, intNSize(-2147483649))
}

func TestDeclaredTypeMatchesEncodedWidth(t *testing.T) {
	// spec.md §8 scenario 2: binding @p1 = 42 declares "@p1 int" and
	// encodes as a 4-byte INTN, not bigint/8-byte.
	decl, err := sqlTypeName(int64(42))
	require.NoError(t, err)
	require.Equal(t, "int", decl)

	ti, value, err := encodeTypedValue(int64(42))
	require.NoError(t, err)
	require.Equal(t, []byte{typeIntN, 4}, ti)
	require.Equal(t, byte(4), value[0])

	decl, err = sqlTypeName(int64(8589934592))
	require.NoError(t, err)
	require.Equal(t, "bigint", decl)

	ti, value, err = encodeTypedValue(int64(8589934592))
	require.NoError(t, err)
	require.Equal(t, []byte{typeIntN, 8}, ti)
	require.Equal(t, byte(8), value[0])
}

func TestEncodeParamOutputStatusFlag(t *testing.T) {
	enc, err := encodeParam(Param{Name: "p1", Value: int64(1), Output: true})
	require.NoError(t, err)
	// byte 0 is the name length prefix (in UCS-2 code units); the status
	// byte immediately follows the name bytes.
	nameLen := int(enc[0])
	status := enc[1+nameLen*2]
	require.Equal(t, uint8(paramStatusByRefValue), status)
}

func TestEncodeParamRejectsOverlongName(t *testing.T) {
	_, err := encodeParam(Param{Name: strings.Repeat("x", 300), Value: 1})
	require.Error(t, err)
}
