package mssql

import (
	"encoding/binary"
	"io"
	"sync"
)

// packetType identifies the TDS packet type carried in a packet header.
//
// http://msdn.microsoft.com/en-us/library/dd304214.aspx
type packetType uint8

const (
	packSQLBatch     packetType = 1
	packPreTDS7Login packetType = 2
	packRPCRequest   packetType = 3
	packReply        packetType = 4
	packAttention    packetType = 6
	packBulkLoadBCP  packetType = 7
	packFedAuthToken packetType = 8
	packTransMgrReq  packetType = 14
	packLogin7       packetType = 16
	packSSPIMessage  packetType = 17
	packPrelogin     packetType = 18
)

// packet status bits, set in the header's status byte.
const (
	statusNormal                         byte = 0x00
	statusEOM                            byte = 0x01 // END_OF_MESSAGE
	statusIgnore                         byte = 0x02
	statusResetConnection                byte = 0x08
	statusResetConnectionKeepTransaction byte = 0x10
)

const packetHeaderSize = 8

// defaultPacketSize and maxPacketSize bound the negotiated TDS packet size.
const (
	defaultPacketSize = 4096
	minPacketSize     = 512
	maxPacketSize     = 32767
)

// packetHeader is the fixed 8-byte header preceding every packet payload.
// Byte order: type:u8 | status:u8 | length:u16(BE) | spid:u16(BE) |
// packet_id:u8 | window:u8.
type packetHeader struct {
	Type     packetType
	Status   byte
	Length   uint16
	SPID     uint16
	PacketID uint8
	Window   uint8
}

func (h packetHeader) encode() [packetHeaderSize]byte {
	var b [packetHeaderSize]byte
	b[0] = byte(h.Type)
	b[1] = h.Status
	binary.BigEndian.PutUint16(b[2:4], h.Length)
	binary.BigEndian.PutUint16(b[4:6], h.SPID)
	b[6] = h.PacketID
	b[7] = h.Window
	return b
}

func decodeHeader(b []byte) (packetHeader, error) {
	if len(b) < packetHeaderSize {
		return packetHeader{}, io.ErrUnexpectedEOF
	}
	h := packetHeader{
		Type:     packetType(b[0]),
		Status:   b[1],
		Length:   binary.BigEndian.Uint16(b[2:4]),
		SPID:     binary.BigEndian.Uint16(b[4:6]),
		PacketID: b[6],
		Window:   b[7],
	}
	if h.Length < packetHeaderSize {
		return packetHeader{}, InvalidFieldError{Field: "length", Value: h.Length}
	}
	return h, nil
}

// tdsBuffer drives the byte stream <-> Packet/Message translation. The read
// side is owned by whichever goroutine is pulling tokens
// out of the current response (the request/response loop); the write side
// is guarded by wmu so that cancel() may inject an Attention packet while
// the read side is blocked on the socket.
type tdsBuffer struct {
	transport io.ReadWriteCloser

	packetSize int

	// read side
	rbuf  []byte
	rpos  int
	rsize int
	final bool // true once the packet most recently read had status.EOM set

	// write side, guarded by wmu
	wmu      sync.Mutex
	wbuf     []byte
	wpos     int
	wPacket  packetType
	wSeq     uint8
	afterReset bool
}

func newTdsBuffer(packetSize int, transport io.ReadWriteCloser) *tdsBuffer {
	if packetSize < minPacketSize {
		packetSize = minPacketSize
	}
	return &tdsBuffer{
		transport: transport,
		packetSize: packetSize,
		rbuf:       make([]byte, 0, packetSize),
		wbuf:       make([]byte, packetSize),
	}
}

// ResizeBuffer adjusts the negotiated packet size, e.g. after an ENVCHANGE
// PacketSize record arrives from the server.
func (r *tdsBuffer) ResizeBuffer(packetSize int) {
	if packetSize < minPacketSize {
		packetSize = minPacketSize
	}
	if packetSize > maxPacketSize {
		packetSize = maxPacketSize
	}
	r.packetSize = packetSize
	r.wbuf = make([]byte, packetSize)
}

// readNextPacket reads exactly one packet off the transport, replacing the
// read buffer with its payload. It does not check packet type against any
// expectation; callers that require a homogeneous message do that check.
func (r *tdsBuffer) readNextPacket() (packetHeader, error) {
	var hb [packetHeaderSize]byte
	n, err := io.ReadFull(r.transport, hb[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return packetHeader{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return packetHeader{}, IncompletePacketError{WantedBytes: packetHeaderSize, GotBytes: n}
		}
		return packetHeader{}, err
	}
	h, err := decodeHeader(hb[:])
	if err != nil {
		return packetHeader{}, err
	}
	payloadLen := int(h.Length) - packetHeaderSize
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r.transport, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return packetHeader{}, IncompletePacketError{WantedBytes: payloadLen}
			}
			return packetHeader{}, err
		}
	}
	r.rbuf = payload
	r.rpos = 0
	r.rsize = payloadLen
	r.final = h.Status&statusEOM != 0
	return h, nil
}

// BeginRead reads packets until the first packet of a new message arrives,
// returning its packet type. It is the entry point for decoding a Message:
// subsequent byte()/ReadFull()/etc. calls transparently fetch continuation
// packets of the same type as rbuf is drained, stopping at END_OF_MESSAGE.
func (r *tdsBuffer) BeginRead() (packetType, error) {
	h, err := r.readNextPacket()
	if err != nil {
		return 0, err
	}
	return h.Type, nil
}

// next ensures at least one unread byte is available in rbuf, fetching a
// continuation packet if the current one is exhausted but not final. It
// panics via badStreamPanic on any I/O error; callers recover at the
// goroutine boundary instead of threading an error return through every
// decode helper.
func (r *tdsBuffer) next() {
	for r.rpos >= r.rsize {
		if r.final {
			badStreamPanic(io.ErrUnexpectedEOF)
		}
		if _, err := r.readNextPacket(); err != nil {
			badStreamPanic(err)
		}
	}
}

func (r *tdsBuffer) byte() byte {
	r.next()
	b := r.rbuf[r.rpos]
	r.rpos++
	return b
}

// Read implements io.Reader over the current message, advancing across
// packet boundaries as needed. It never returns fewer bytes than requested
// except at the true end of the message.
func (r *tdsBuffer) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if r.rpos >= r.rsize {
			if r.final {
				if total == 0 {
					return 0, io.EOF
				}
				return total, nil
			}
			if _, err := r.readNextPacket(); err != nil {
				return total, err
			}
		}
		n := copy(p[total:], r.rbuf[r.rpos:r.rsize])
		r.rpos += n
		total += n
	}
	return total, nil
}

// ReadFull reads exactly len(buf) bytes, panicking via badStreamPanic on a
// short read; callers use it without checking an error return.
func (r *tdsBuffer) ReadFull(buf []byte) {
	if _, err := io.ReadFull(r, buf); err != nil {
		badStreamPanic(err)
	}
}

func (r *tdsBuffer) uint16() uint16 {
	var b [2]byte
	r.ReadFull(b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (r *tdsBuffer) uint32() uint32 {
	var b [4]byte
	r.ReadFull(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (r *tdsBuffer) uint64() uint64 {
	var b [8]byte
	r.ReadFull(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (r *tdsBuffer) int32() int32 {
	return int32(r.uint32())
}

// BVarChar reads a byte-length-prefixed (count of UTF-16 code units) string.
func (r *tdsBuffer) BVarChar() string {
	count := int(r.byte())
	return r.readUcs2(count)
}

// UsVarChar reads a uint16-length-prefixed (count of UTF-16 code units) string.
func (r *tdsBuffer) UsVarChar() string {
	count := int(r.uint16())
	return r.readUcs2(count)
}

func (r *tdsBuffer) readUcs2(codeUnits int) string {
	buf := make([]byte, codeUnits*2)
	r.ReadFull(buf)
	s, err := ucs22str(buf)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

// sqlIdentifier reads a TABNAME-style identifier: a byte-length-prefixed
// UTF-16LE string, used for TEXT/NTEXT/IMAGE table-name fields.
func (r *tdsBuffer) sqlIdentifier() string {
	return r.BVarChar()
}

// --- write side ---

// beginPacket resets the write buffer for a new packet of the given type.
func (w *tdsBuffer) beginPacket(t packetType) {
	w.wPacket = t
	w.wpos = packetHeaderSize
}

func (w *tdsBuffer) writeByte(b byte) {
	if w.wpos >= len(w.wbuf) {
		return // caller must flush before exceeding packetSize; encoders chunk upstream
	}
	w.wbuf[w.wpos] = b
	w.wpos++
}

func (w *tdsBuffer) writeBytes(b []byte) {
	for _, c := range b {
		w.writeByte(c)
	}
}

// flushPacket writes out the current write buffer as one packet with the
// given status bits, advancing the packet_id sequence with wraparound at
// 256, and resets the buffer for the next chunk.
func (w *tdsBuffer) flushPacket(status byte) error {
	h := packetHeader{
		Type:     w.wPacket,
		Status:   status,
		Length:   uint16(w.wpos),
		PacketID: w.wSeq,
	}
	w.wSeq++ // wraps naturally: uint8 overflow gives the required wraparound at 256
	hb := h.encode()
	copy(w.wbuf[0:packetHeaderSize], hb[:])
	if _, err := w.transport.Write(w.wbuf[:w.wpos]); err != nil {
		return err
	}
	w.wpos = packetHeaderSize
	return nil
}

// sendPacket sends a single, already-complete packet with END_OF_MESSAGE
// set. sendAttention does not go through it.
func (w *tdsBuffer) sendPacket(t packetType, payload []byte, status byte) error {
	w.mu().Lock()
	defer w.mu().Unlock()
	w.beginPacket(t)
	w.writeBytes(payload)
	return w.flushPacket(status | statusEOM)
}

// mu exposes the write mutex for sendPacket; sendAttention and sendMessage
// lock wmu directly.
func (w *tdsBuffer) mu() *sync.Mutex { return &w.wmu }

// sendMessage splits payload into chunks of at most packetSize-8 bytes,
// setting END_OF_MESSAGE on the last chunk only and RESET_CONNECTION on the
// first chunk only (never on continuations).
func (w *tdsBuffer) sendMessage(t packetType, payload []byte, resetConnection bool) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()

	chunkSize := w.packetSize - packetHeaderSize
	if chunkSize <= 0 {
		chunkSize = defaultPacketSize - packetHeaderSize
	}

	w.beginPacket(t)
	if len(payload) == 0 {
		status := statusEOM
		if resetConnection {
			status |= statusResetConnection
		}
		return w.flushPacket(status)
	}

	first := true
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		w.writeBytes(payload[off:end])
		var status byte
		if end == len(payload) {
			status |= statusEOM
		}
		if first && resetConnection {
			status |= statusResetConnection
		}
		if err := w.flushPacket(status); err != nil {
			return err
		}
		first = false
		if end < len(payload) {
			w.beginPacket(t)
		}
	}
	return nil
}

// sendAttention writes a bare, empty Attention packet (type 0x06, EOM set)
// directly to the transport, independent of whatever message the write
// buffer may be mid-way through composing — this is the out-of-band
// cancellation path and takes the same write mutex so it never interleaves
// bytes with a concurrent sendMessage.
func sendAttention(buf *tdsBuffer) error {
	buf.wmu.Lock()
	defer buf.wmu.Unlock()
	h := packetHeader{
		Type:     packAttention,
		Status:   statusEOM,
		Length:   packetHeaderSize,
		PacketID: buf.wSeq,
	}
	buf.wSeq++
	hb := h.encode()
	_, err := buf.transport.Write(hb[:])
	return err
}

// Close releases the underlying transport.
func (r *tdsBuffer) Close() error {
	return r.transport.Close()
}
