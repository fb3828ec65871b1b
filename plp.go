package mssql

import "encoding/binary"

const (
	plpNull       uint64 = 0xFFFFFFFFFFFFFFFF
	plpUnknownLen uint64 = 0xFFFFFFFFFFFFFFFE
	plpTerminator uint32 = 0x00000000
)

// readPLP decodes a partially-length-prefixed value: a
// 64-bit total length (possibly NULL or UNKNOWN), followed by
// {chunk_len:u32, chunk_bytes} pairs until a zero-length chunk terminates
// the stream. The reported total length is advisory only — callers must
// not trust it over the sum of chunks actually read.
func readPLP(r *tdsBuffer) ([]byte, bool) {
	total := r.uint64()
	if total == plpNull {
		return nil, true
	}

	var out []byte
	if total != plpUnknownLen && total <= 1<<32 {
		out = make([]byte, 0, total)
	}
	for {
		chunkLen := r.uint32()
		if chunkLen == plpTerminator {
			break
		}
		chunk := make([]byte, chunkLen)
		r.ReadFull(chunk)
		out = append(out, chunk...)
	}
	if out == nil {
		out = []byte{}
	}
	return out, false
}

// writePLP encodes data as a single-chunk PLP value (total length known,
// one chunk, zero-length terminator).
func writePLP(data []byte) []byte {
	if data == nil {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], plpNull)
		return b[:]
	}
	out := make([]byte, 8, 8+4+len(data)+4)
	binary.LittleEndian.PutUint64(out, uint64(len(data)))

	if len(data) > 0 {
		var chunkLenBuf [4]byte
		binary.LittleEndian.PutUint32(chunkLenBuf[:], uint32(len(data)))
		out = append(out, chunkLenBuf[:]...)
		out = append(out, data...)
	}

	var term [4]byte
	out = append(out, term[:]...)
	return out
}
