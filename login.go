package mssql

import (
	"encoding/binary"
)

// Login7 option flag bits. Bit positions
// follow MS-TDS exactly so a packet capture is indistinguishable from any
// other conformant client.
const (
	// OptionFlags1
	lf1ByteOrderX86   byte = 0x00
	lf1CharSetASCII   byte = 0x00
	lf1FloatIEEE754   byte = 0x00
	lf1DumpLoadOn     byte = 0x00
	lf1UseDBNotify    byte = 0x20
	lf1InitDBFatal    byte = 0x40
	lf1SetLang        byte = 0x80

	// OptionFlags2
	lf2OdbcDriver   byte = 0x02
	lf2IntegratedSecurityOn byte = 0x80

	// OptionFlags3
	lf3ChangePassword       byte = 0x01
	lf3UnknownCollationHandling byte = 0x10
	lf3ExtensionUsed        byte = 0x20

	// TypeFlags
	tfSQLDFLT byte = 0x00
)

// Feature extension IDs.
const (
	featExtSESSIONRECOVERY     byte = 0x01
	featExtFEDAUTH             byte = 0x02
	featExtCOLUMNENCRYPTION    byte = 0x04
	featExtGLOBALTRANSACTIONS  byte = 0x05
	featExtAZURESQLSUPPORT     byte = 0x08
	featExtDATACLASSIFICATION byte = 0x09
	featExtUTF8SUPPORT         byte = 0x0A
	featExtAZURESQLDNSCACHING byte = 0x0B
	featExtTERMINATOR          byte = 0xFF
)

type login7Fields struct {
	TDSVersion   tdsVersion
	PacketSize   uint32
	ClientProgVer uint32
	ClientPID    uint32
	ClientTimeZone int32
	ClientLCID   uint32

	OptionFlags1 byte
	OptionFlags2 byte
	TypeFlags    byte
	OptionFlags3 byte

	HostName    string
	UserName    string
	Password    string
	AppName     string
	ServerName  string
	LibraryName string
	Language    string
	Database    string
	ClientID    [6]byte
	SSPI        []byte
	AttachDBFile string
	NewPassword string

	FeatureExt []byte // pre-encoded feature-ext-block bytes, or nil
}

func buildLogin7(cfg *Config) login7Fields {
	ver := cfg.TDSVersion
	if ver == 0 {
		ver = verTDS74
	}
	l := login7Fields{
		TDSVersion:    ver,
		PacketSize:    uint32(defaultPacketSize),
		ClientProgVer: 0x07000000,
		ClientPID:     1,
		ClientLCID:    0x00000409, // en-US
		OptionFlags1:  lf1UseDBNotify | lf1InitDBFatal,
		OptionFlags2:  lf2OdbcDriver,
		OptionFlags3:  lf3UnknownCollationHandling,
		HostName:      "localhost",
		UserName:      cfg.User,
		Password:      cfg.Password,
		AppName:       cfg.AppName,
		ServerName:    cfg.Host,
		LibraryName:   "go-mssqldb",
		Language:      "",
		Database:      cfg.Database,
	}
	if l.AppName == "" {
		l.AppName = "go-mssqldb"
	}

	features := encodeFeatureExt(cfg)
	if len(features) > 0 {
		l.OptionFlags3 |= lf3ExtensionUsed
		l.FeatureExt = features
	}
	return l
}

func encodeFeatureExt(cfg *Config) []byte {
	var out []byte
	write := func(id byte, data []byte) {
		var hdr [5]byte
		hdr[0] = id
		binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(data)))
		out = append(out, hdr[:]...)
		out = append(out, data...)
	}
	if cfg.AlwaysEncrypted {
		write(featExtCOLUMNENCRYPTION, []byte{0x03}) // column encryption version 3 (AEv2-capable)
	}
	// Always advertise UTF-8 support; the server's FEATUREEXTACK response
	// governs whether it is actually used — feature usage is ack-gated,
	// never assumed from the request alone.
	write(featExtUTF8SUPPORT, []byte{0x01})
	if len(out) > 0 {
		out = append(out, featExtTERMINATOR)
	}
	return out
}

// obfuscatePassword implements the Login7 password "encryption": for each
// byte of the UTF-16LE password, swap the nibbles then XOR with 0xA5. This
// is obfuscation, not encryption — the password remains visible to any
// on-path observer without TLS. obfuscate("a") == 0xB3 0xA5.
func obfuscatePassword(password string) []byte {
	raw := str2ucs2(password)
	out := make([]byte, len(raw))
	for i, b := range raw {
		swapped := (b << 4) | (b >> 4)
		out[i] = swapped ^ 0xA5
	}
	return out
}

// deobfuscatePassword inverts obfuscatePassword by applying its two steps
// in reverse order: XOR with 0xA5, then swap the nibbles.
func deobfuscatePassword(obfuscated []byte) string {
	raw := make([]byte, len(obfuscated))
	for i, b := range obfuscated {
		unXored := b ^ 0xA5
		raw[i] = (unXored << 4) | (unXored >> 4)
	}
	s, _ := ucs22str(raw)
	return s
}

// encodeLogin7 lays out the 94-byte fixed header (26 offset/length pairs
// pointing into the variable section) followed by the variable data, in
// Login7's defined field order.
func encodeLogin7(l login7Fields) []byte {
	const fixedHeaderSize = 94

	type varField struct {
		data []byte
	}

	hostNameW := str2ucs2(l.HostName)
	userNameW := str2ucs2(l.UserName)
	passwordW := obfuscatePassword(l.Password)
	appNameW := str2ucs2(l.AppName)
	serverNameW := str2ucs2(l.ServerName)
	extensionW := l.FeatureExt // raw bytes, not UTF-16
	libraryNameW := str2ucs2(l.LibraryName)
	languageW := str2ucs2(l.Language)
	databaseW := str2ucs2(l.Database)
	sspiW := l.SSPI
	attachDBFileW := str2ucs2(l.AttachDBFile)
	newPasswordW := obfuscatePassword(l.NewPassword)

	var varSection []byte
	offset := uint16(fixedHeaderSize)

	emit := func(data []byte) (off, cnt uint16) {
		off = offset
		varSection = append(varSection, data...)
		offset += uint16(len(data))
		if data == nil {
			return off, 0
		}
		return off, uint16(len(data))
	}

	hostOff, hostCnt := emit(hostNameW)
	userOff, userCnt := emit(userNameW)
	passOff, passCnt := emit(passwordW)
	appOff, appCnt := emit(appNameW)
	serverOff, serverCnt := emit(serverNameW)
	extOff, extCnt := emit(extensionW)
	libOff, libCnt := emit(libraryNameW)
	langOff, langCnt := emit(languageW)
	dbOff, dbCnt := emit(databaseW)
	sspiOff, sspiCnt := emit(sspiW)
	attachOff, attachCnt := emit(attachDBFileW)
	newPassOff, newPassCnt := emit(newPasswordW)

	buf := make([]byte, fixedHeaderSize)
	total := uint32(fixedHeaderSize + len(varSection))
	binary.LittleEndian.PutUint32(buf[0:4], total)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(l.TDSVersion))
	binary.LittleEndian.PutUint32(buf[8:12], l.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:16], l.ClientProgVer)
	binary.LittleEndian.PutUint32(buf[16:20], l.ClientPID)
	binary.LittleEndian.PutUint32(buf[20:24], 0) // connection id
	buf[24] = l.OptionFlags1
	buf[25] = l.OptionFlags2
	buf[26] = l.TypeFlags
	buf[27] = l.OptionFlags3
	binary.LittleEndian.PutUint32(buf[28:32], uint32(l.ClientTimeZone))
	binary.LittleEndian.PutUint32(buf[32:36], l.ClientLCID)

	put := func(pos int, off, cnt uint16) {
		binary.LittleEndian.PutUint16(buf[pos:pos+2], off)
		binary.LittleEndian.PutUint16(buf[pos+2:pos+4], cnt/2) // counts are in UTF-16 code units
	}

	put(36, hostOff, hostCnt)
	put(40, userOff, userCnt)
	put(44, passOff, passCnt)
	put(48, appOff, appCnt)
	put(52, serverOff, serverCnt)
	put(56, extOff, extCnt) // count here is bytes, not code units, but field slot is reused
	put(60, libOff, libCnt)
	put(64, langOff, langCnt)
	put(68, dbOff, dbCnt)
	copy(buf[72:78], l.ClientID[:])
	put(78, sspiOff, sspiCnt)
	put(82, attachOff, attachCnt)
	put(86, newPassOff, newPassCnt)
	binary.LittleEndian.PutUint32(buf[90:94], 0) // SSPILong, unused below 64KiB

	// The extension block's "count" field on the wire is a byte count, not
	// a UTF-16 code-unit count; patch it back after the generic put() above
	// divided it by two.
	binary.LittleEndian.PutUint16(buf[58:60], extCnt)

	return append(buf, varSection...)
}
