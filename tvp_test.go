package mssql

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeTVPColMetaDataNullMarkerForNoColumns(t *testing.T) {
	wire := encodeTVPColMetaData(nil)
	require.Equal(t, tvpNullMarker, binary.LittleEndian.Uint16(wire))
}

func TestEncodeTVPColMetaDataColumnCount(t *testing.T) {
	cols := []TVPColumn{{TypeId: typeIntN, Size: 4}, {TypeId: typeNVarChar, Size: 100}}
	wire := encodeTVPColMetaData(cols)
	count := binary.LittleEndian.Uint16(wire[0:2])
	require.Equal(t, uint16(2), count)
}

func TestEncodeTVPValueEndsWithEndOfRowsMarker(t *testing.T) {
	tvp := TVP{
		TypeName:   "MyType",
		SchemaName: "dbo",
		Columns:    []TVPColumn{{TypeId: typeIntN, Size: 4}},
		Rows:       [][]interface{}{{int64(1)}, {int64(2)}},
	}
	wire := encodeTVPValue(tvp)
	require.Equal(t, byte(0x00), wire[len(wire)-1])

	// Two rows, each prefixed by the 0x01 row token.
	rowTokenCount := 0
	for _, b := range wire {
		if b == 0x01 {
			rowTokenCount++
		}
	}
	require.GreaterOrEqual(t, rowTokenCount, 2)
}

func TestEncodeTVPValueEmptyRowsStillTerminates(t *testing.T) {
	tvp := TVP{TypeName: "Empty", SchemaName: "dbo"}
	wire := encodeTVPValue(tvp)
	require.Equal(t, byte(0x00), wire[len(wire)-1])
}
