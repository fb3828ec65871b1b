package mssql

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// bufferOf builds a tdsBuffer over an in-memory byte slice, already at its
// final packet, so decode helpers can run without a live transport.
func bufferOf(b []byte) *tdsBuffer {
	return &tdsBuffer{rbuf: b, rpos: 0, rsize: len(b), final: true}
}

func TestDecimalEncodeDecodeRoundTrip(t *testing.T) {
	d := decimal.RequireFromString("1234.5600")
	precision, scale := decimalPrecisionScale(d)
	wire := encodeDecimalNValue(d, precision, scale)

	// wire[0] is the length byte that readDecimalNValue reads before calling
	// decodeDecimalBytes, which expects only the sign+magnitude that follow.
	size := int(wire[0])
	buf := bufferOf(wire[1:])
	got := decodeDecimalBytes(buf, size, precision, scale)

	require.True(t, d.Equal(got), "want %s got %s", d, got)
}

func TestDecimalEncodeDecodeNegative(t *testing.T) {
	d := decimal.RequireFromString("-99.5")
	precision, scale := decimalPrecisionScale(d)
	wire := encodeDecimalNValue(d, precision, scale)

	size := int(wire[0])
	buf := bufferOf(wire[1:])
	got := decodeDecimalBytes(buf, size, precision, scale)

	require.True(t, d.Equal(got), "want %s got %s", d, got)
}

func TestDecimalByteWidthBuckets(t *testing.T) {
	require.Equal(t, 5, decimalByteWidth(9))
	require.Equal(t, 9, decimalByteWidth(19))
	require.Equal(t, 13, decimalByteWidth(28))
	require.Equal(t, 17, decimalByteWidth(38))
}
