package mssql

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := packetHeader{Type: packLogin7, Status: statusEOM, Length: 123, SPID: 7, PacketID: 9, Window: 0}
	enc := h.encode()
	got, err := decodeHeader(enc[:])
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeHeaderRejectsTooShortLength(t *testing.T) {
	h := packetHeader{Type: packSQLBatch, Length: 2}
	enc := h.encode()
	_, err := decodeHeader(enc[:])
	require.Error(t, err)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := decodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

// TestSendMessageSingleChunkRoundTrip drives a real packet across a net.Pipe
// so the write side's framing and the read side's BeginRead/byte() agree on
// header layout, mirroring the pack's in-process mock-transport convention
// for TDS tests (no live server required).
func TestSendMessageSingleChunkRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	writer := newTdsBuffer(defaultPacketSize, client)
	reader := newTdsBuffer(defaultPacketSize, server)

	payload := []byte("hello, tds")
	done := make(chan error, 1)
	go func() {
		done <- writer.sendMessage(packSQLBatch, payload, false)
	}()

	pt, err := reader.BeginRead()
	require.NoError(t, err)
	require.Equal(t, packSQLBatch, pt)

	got := make([]byte, len(payload))
	reader.ReadFull(got)
	require.Equal(t, payload, got)
	require.NoError(t, <-done)
}

func TestSendMessageMultiPacketChunking(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	const packetSize = minPacketSize
	writer := newTdsBuffer(packetSize, client)
	reader := newTdsBuffer(packetSize, server)

	payload := make([]byte, packetSize*3)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		done <- writer.sendMessage(packSQLBatch, payload, false)
	}()

	_, err := reader.BeginRead()
	require.NoError(t, err)

	got := make([]byte, len(payload))
	reader.ReadFull(got)
	require.Equal(t, payload, got)
	require.NoError(t, <-done)
}

func TestSendMessageSetsResetConnectionOnFirstPacketOnly(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	const packetSize = minPacketSize
	writer := newTdsBuffer(packetSize, client)

	payload := make([]byte, packetSize*2)
	done := make(chan error, 1)
	go func() {
		done <- writer.sendMessage(packSQLBatch, payload, true)
	}()

	var hb [packetHeaderSize]byte
	seenFirst := false
	for {
		_, err := readFullFromConn(server, hb[:])
		require.NoError(t, err)
		h, err := decodeHeader(hb[:])
		require.NoError(t, err)

		if !seenFirst {
			require.NotZero(t, h.Status&statusResetConnection, "first packet must carry RESET_CONNECTION")
			seenFirst = true
		} else {
			require.Zero(t, h.Status&statusResetConnection, "continuation packets must not repeat RESET_CONNECTION")
		}

		rest := make([]byte, int(h.Length)-packetHeaderSize)
		_, err = readFullFromConn(server, rest)
		require.NoError(t, err)

		if h.Status&statusEOM != 0 {
			break
		}
	}
	require.NoError(t, <-done)
}

func readFullFromConn(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
