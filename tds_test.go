package mssql

import (
	"encoding/binary"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSession() *tdsSession {
	return &tdsSession{log: log.Default(), stmtCache: newStatementCache(4)}
}

// envChangeRecord builds one ENVCHANGE record (type byte + body) without the
// leading 2-byte total-size prefix, which the caller assembles separately.
func envChangeRecord(envType byte, body []byte) []byte {
	return append([]byte{envType}, body...)
}

func withEnvChangeSize(records ...[]byte) []byte {
	var body []byte
	for _, r := range records {
		body = append(body, r...)
	}
	var out [2]byte
	binary.LittleEndian.PutUint16(out[:], uint16(len(body)))
	return append(out[:], body...)
}

func TestProcessEnvChgDatabase(t *testing.T) {
	sess := newTestSession()
	body := append(encodeBVarChar("newdb"), encodeBVarChar("master")...)
	wire := withEnvChangeSize(envChangeRecord(envTypDatabase, body))
	sess.buf = bufferOf(wire)

	processEnvChg(sess)
	require.Equal(t, "newdb", sess.database)
}

func TestProcessEnvChgBeginTransaction(t *testing.T) {
	sess := newTestSession()
	tranID := make([]byte, 8)
	binary.LittleEndian.PutUint64(tranID, 0xDEADBEEFCAFEBABE)
	body := append([]byte{8}, tranID...)
	body = append(body, 0) // old value: zero-length bvarbyte
	wire := withEnvChangeSize(envChangeRecord(envTypBeginTran, body))
	sess.buf = bufferOf(wire)

	processEnvChg(sess)
	require.Equal(t, uint64(0xDEADBEEFCAFEBABE), sess.tranid)
}

func TestProcessEnvChgCommitTransactionClearsTranID(t *testing.T) {
	sess := newTestSession()
	sess.tranid = 42
	body := []byte{0, 0} // two empty bvarbyte fields
	wire := withEnvChangeSize(envChangeRecord(envTypCommitTran, body))
	sess.buf = bufferOf(wire)

	processEnvChg(sess)
	require.Equal(t, uint64(0), sess.tranid)
}

func TestProcessEnvChgPacketSizeResizesBuffer(t *testing.T) {
	sess := newTestSession()
	body := append(encodeBVarChar("2048"), encodeBVarChar("4096")...)
	wire := withEnvChangeSize(envChangeRecord(envTypPacketSize, body))
	sess.buf = bufferOf(wire)
	sess.buf.packetSize = defaultPacketSize

	processEnvChg(sess)
	require.Equal(t, 2048, sess.buf.packetSize)
}

func TestSessionSatisfiesPoolConnInterfaces(t *testing.T) {
	sess := newTestSession()
	sess.buf = bufferOf(nil)
	require.False(t, sess.InTransaction())
	sess.inExplicitTransaction = true
	require.True(t, sess.InTransaction())

	sess.MarkNeedsReset()
	require.True(t, sess.needsReset)
}
