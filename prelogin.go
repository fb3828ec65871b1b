package mssql

import (
	"encoding/binary"
)

// preloginOption identifies a PreLogin option header.
type preloginOption byte

const (
	preloginVERSION        preloginOption = 0
	preloginENCRYPTION     preloginOption = 1
	preloginINSTOPT        preloginOption = 2
	preloginTHREADID       preloginOption = 3
	preloginMARS           preloginOption = 4
	preloginTRACEID        preloginOption = 5
	preloginFEDAUTHREQUIRED preloginOption = 6
	preloginNONCE          preloginOption = 7
	preloginTERMINATOR     preloginOption = 0xFF
)

const preloginOptionHeaderSize = 5 // type:u8 + offset:u16(BE) + length:u16(BE)

type preloginFields map[preloginOption][]byte

type preloginMessage struct {
	Version    [6]byte // major, minor, build(u16 BE), subbuild(u16 BE)
	Encryption EncryptMode
	Instance   string
	ThreadID   uint32
	MARS       bool
	Nonce      []byte
	FedAuthRequired bool
}

// buildPreLogin encodes the client's PreLogin request. VERSION carries a
// fixed client version, not a TDS version; the negotiated TDS version is
// only known once LOGINACK arrives.
func buildPreLogin(cfg *Config, strict bool) []byte {
	fields := preloginFields{}

	ver := make([]byte, 6)
	ver[0], ver[1] = 0x09, 0x00 // a conservative client version, like other go drivers report
	binary.BigEndian.PutUint16(ver[2:4], 0)
	binary.BigEndian.PutUint16(ver[4:6], 0)
	fields[preloginVERSION] = ver

	enc := cfg.Encryption
	if strict {
		// In strict (TDS 8.0) mode the handshake itself is TLS; the
		// ENCRYPTION option still advertises the client's policy.
		enc = EncryptRequired
	}
	if enc == EncryptStrict {
		enc = EncryptRequired
	}
	fields[preloginENCRYPTION] = []byte{byte(enc)}

	fields[preloginINSTOPT] = []byte{0} // terminator-only = default instance
	fields[preloginTHREADID] = []byte{0, 0, 0, 0}
	if cfg.MARS {
		fields[preloginMARS] = []byte{1}
	} else {
		fields[preloginMARS] = []byte{0}
	}

	return encodePreLogin(fields)
}

// encodePreLogin lays out option headers (terminated by 0xFF) followed by
// the option payloads concatenated in header order, with offsets absolute
// from the start of the PreLogin payload.
func encodePreLogin(fields preloginFields) []byte {
	order := []preloginOption{
		preloginVERSION, preloginENCRYPTION, preloginINSTOPT, preloginTHREADID,
		preloginMARS, preloginTRACEID, preloginFEDAUTHREQUIRED, preloginNONCE,
	}
	var present []preloginOption
	for _, o := range order {
		if _, ok := fields[o]; ok {
			present = append(present, o)
		}
	}

	headerLen := len(present)*preloginOptionHeaderSize + 1 // +1 terminator byte
	out := make([]byte, headerLen)
	offset := headerLen
	pos := 0
	for _, o := range present {
		data := fields[o]
		out[pos] = byte(o)
		binary.BigEndian.PutUint16(out[pos+1:pos+3], uint16(offset))
		binary.BigEndian.PutUint16(out[pos+3:pos+5], uint16(len(data)))
		pos += preloginOptionHeaderSize
		out = append(out, data...)
		offset += len(data)
	}
	out[headerLen-1] = byte(preloginTERMINATOR)
	return out
}

// parsePreLogin decodes a server PreLogin response.
func parsePreLogin(buf []byte) (preloginMessage, error) {
	var msg preloginMessage
	pos := 0
	type hdr struct {
		opt    preloginOption
		offset uint16
		length uint16
	}
	var headers []hdr
	for {
		if pos >= len(buf) {
			return msg, InvalidFieldError{Field: "prelogin", Value: "missing terminator"}
		}
		opt := preloginOption(buf[pos])
		if opt == preloginTERMINATOR {
			pos++
			break
		}
		if pos+preloginOptionHeaderSize > len(buf) {
			return msg, InvalidFieldError{Field: "prelogin", Value: "truncated header"}
		}
		offset := binary.BigEndian.Uint16(buf[pos+1 : pos+3])
		length := binary.BigEndian.Uint16(buf[pos+3 : pos+5])
		headers = append(headers, hdr{opt, offset, length})
		pos += preloginOptionHeaderSize
	}

	for _, h := range headers {
		if int(h.offset)+int(h.length) > len(buf) {
			return msg, InvalidFieldError{Field: "prelogin", Value: "option out of range"}
		}
		data := buf[h.offset : int(h.offset)+int(h.length)]
		switch h.opt {
		case preloginVERSION:
			copy(msg.Version[:], data)
		case preloginENCRYPTION:
			if len(data) >= 1 {
				msg.Encryption = EncryptMode(data[0])
			}
		case preloginINSTOPT:
			msg.Instance = string(data)
		case preloginTHREADID:
			if len(data) == 4 {
				msg.ThreadID = binary.LittleEndian.Uint32(data)
			}
		case preloginMARS:
			if len(data) >= 1 {
				msg.MARS = data[0] != 0
			}
		case preloginFEDAUTHREQUIRED:
			if len(data) >= 1 {
				msg.FedAuthRequired = data[0] != 0
			}
		case preloginNONCE:
			msg.Nonce = append([]byte(nil), data...)
		}
	}
	return msg, nil
}
