package mssql

import "github.com/google/uuid"

// readGUIDValue decodes UNIQUEIDENTIFIER: 16 bytes, with the first three
// fields byte-swapped to little-endian on the wire (Data1 as u32 LE, Data2
// and Data3 as u16 LE) while the final 8 bytes are big-endian, matching
// Windows' mixed-endian GUID layout.
func readGUIDValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	size := int(r.byte())
	if size == 0 {
		return nil
	}
	buf := make([]byte, size)
	r.ReadFull(buf)
	return decodeGUIDBytes(buf)
}

func decodeGUIDBytes(b []byte) uuid.UUID {
	var swapped [16]byte
	copy(swapped[:], b)
	swapped[0], swapped[1], swapped[2], swapped[3] = b[3], b[2], b[1], b[0]
	swapped[4], swapped[5] = b[5], b[4]
	swapped[6], swapped[7] = b[7], b[6]
	return uuid.UUID(swapped)
}

// encodeGUIDBytes performs the inverse transform of decodeGUIDBytes, used
// when encoding a uuid.UUID parameter value onto the wire.
func encodeGUIDBytes(u uuid.UUID) []byte {
	b := [16]byte(u)
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}
