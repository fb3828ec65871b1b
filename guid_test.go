package mssql

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGUIDEncodeDecodeRoundTrip(t *testing.T) {
	u := uuid.New()
	wire := encodeGUIDBytes(u)
	require.Len(t, wire, 16)
	require.Equal(t, u, decodeGUIDBytes(wire))
}

func TestGUIDMixedEndianByteOrder(t *testing.T) {
	// 01020304-0506-0708-090a-0b0c0d0e0f10 on the wire swaps the first three
	// fields to little-endian: Data1 bytes reverse, Data2/Data3 byte-pairs
	// swap, the trailing 8 bytes stay in their given order.
	u := uuid.MustParse("01020304-0506-0708-090a-0b0c0d0e0f10")
	wire := encodeGUIDBytes(u)
	want := []byte{0x04, 0x03, 0x02, 0x01, 0x06, 0x05, 0x08, 0x07, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	require.Equal(t, want, wire)
	require.Equal(t, u, decodeGUIDBytes(wire))
}
