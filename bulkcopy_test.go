package mssql

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildInsertBulkStatementBasic(t *testing.T) {
	cols := []BulkColumn{
		{Name: "id", TypeId: typeIntN, Size: 4},
		{Name: "name", TypeId: typeNVarChar, Size: 100},
	}
	stmt := buildInsertBulkStatement("dbo.t", cols, BulkOptions{})
	require.Equal(t, "INSERT BULK [dbo.t] ([id] int, [name] nvarchar(50))", stmt)
}

func TestBuildInsertBulkStatementWithHints(t *testing.T) {
	cols := []BulkColumn{{Name: "id", TypeId: typeIntN, Size: 4}}
	stmt := buildInsertBulkStatement("t", cols, BulkOptions{TableLock: true, RowsPerBatch: 1000})
	require.Contains(t, stmt, "WITH (TABLOCK, ROWS_PER_BATCH = 1000)")
}

func TestQuoteIdentEscapesClosingBracket(t *testing.T) {
	require.Equal(t, "[a]]b]", quoteIdent("a]b"))
}

func TestBulkColumnSQLTypeVariants(t *testing.T) {
	cases := []struct {
		col  BulkColumn
		want string
	}{
		{BulkColumn{TypeId: typeIntN, Size: 1}, "tinyint"},
		{BulkColumn{TypeId: typeIntN, Size: 4}, "int"},
		{BulkColumn{TypeId: typeIntN, Size: 8}, "bigint"},
		{BulkColumn{TypeId: typeBitN}, "bit"},
		{BulkColumn{TypeId: typeFltN, Size: 4}, "real"},
		{BulkColumn{TypeId: typeFltN, Size: 8}, "float"},
		{BulkColumn{TypeId: typeDecimalN, Precision: 18, Scale: 4}, "decimal(18,4)"},
		{BulkColumn{TypeId: typeNVarChar, Size: 100}, "nvarchar(50)"},
		{BulkColumn{TypeId: typeUniqueIdentifier}, "uniqueidentifier"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, bulkColumnSQLType(c.col))
	}
}

func TestEncodeBulkColMetadataColumnCount(t *testing.T) {
	cols := []BulkColumn{
		{Name: "a", TypeId: typeIntN, Size: 4},
		{Name: "b", TypeId: typeBitN, Size: 1},
	}
	wire := encodeBulkColMetadata(cols)
	require.Equal(t, byte(tokenColMetadata), wire[0])
	count := binary.LittleEndian.Uint16(wire[1:3])
	require.Equal(t, uint16(2), count)
}

func TestEncodeBulkDoneCarriesRowCount(t *testing.T) {
	wire := encodeBulkDone(42)
	require.Equal(t, byte(tokenDone), wire[0])
	rowCount := binary.LittleEndian.Uint64(wire[5:13])
	require.Equal(t, uint64(42), rowCount)
}
