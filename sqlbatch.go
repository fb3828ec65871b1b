package mssql

import "encoding/binary"

// allHeaders encodes the ALL_HEADERS block prefixed to every SQL Batch and
// RPC request payload: its own total length followed by a single
// Transaction Descriptor header. transactionID is 0 outside an
// explicit transaction and otherwise the descriptor returned by the
// BeginTransaction ENVCHANGE.
func allHeaders(transactionID uint64) []byte {
	const headerPayloadSize = 8 + 4 // transaction descriptor + outstanding count
	const headerSize = 4 + 2 + headerPayloadSize
	const totalSize = 4 + headerSize

	buf := make([]byte, totalSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalSize))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(headerSize))
	binary.LittleEndian.PutUint16(buf[8:10], headerTypeTransDescriptor)
	binary.LittleEndian.PutUint64(buf[10:18], transactionID)
	binary.LittleEndian.PutUint32(buf[18:22], 1)
	return buf
}

// encodeSQLBatch builds the payload for a packSQLBatch message: ALL_HEADERS
// followed by the query text in UTF-16LE.
func encodeSQLBatch(transactionID uint64, query string) []byte {
	out := allHeaders(transactionID)
	return append(out, str2ucs2(query)...)
}

// sendSQLBatch writes a plain SQL Batch request, carrying RESET_CONNECTION
// on the first packet when the session was handed back dirty by the pool
//.
func sendSQLBatch(s *tdsSession, query string) error {
	payload := encodeSQLBatch(s.tranid, query)
	reset := s.needsReset
	if err := s.buf.sendMessage(packSQLBatch, payload, reset); err != nil {
		return err
	}
	s.needsReset = false
	return nil
}
