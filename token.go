package mssql

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strconv"

	alwaysencrypted "github.com/swisscom/mssql-always-encrypted/pkg"
	"golang.org/x/crypto/pkcs12"

	"github.com/praxiomlabs/go-mssqldb/aead"
)

// token identifies one entry of a TDS response stream.
type token byte

const (
	tokenReturnStatus  token = 121 // 0x79
	tokenColMetadata   token = 129 // 0x81
	tokenOrder         token = 169 // 0xA9
	tokenError         token = 170 // 0xAA
	tokenInfo          token = 171 // 0xAB
	tokenReturnValue   token = 0xAC
	tokenLoginAck      token = 173 // 0xAD
	tokenFeatureExtAck token = 174 // 0xAE
	tokenRow           token = 209 // 0xD1
	tokenNbcRow        token = 210 // 0xD2
	tokenEnvChange     token = 227 // 0xE3
	tokenSSPI          token = 237 // 0xED
	tokenFedAuthInfo   token = 238 // 0xEE
	tokenDone          token = 253 // 0xFD
	tokenDoneProc      token = 254
	tokenDoneInProc    token = 255
)

func (t token) String() string {
	switch t {
	case tokenReturnStatus:
		return "RETURNSTATUS"
	case tokenColMetadata:
		return "COLMETADATA"
	case tokenOrder:
		return "ORDER"
	case tokenError:
		return "ERROR"
	case tokenInfo:
		return "INFO"
	case tokenReturnValue:
		return "RETURNVALUE"
	case tokenLoginAck:
		return "LOGINACK"
	case tokenFeatureExtAck:
		return "FEATUREEXTACK"
	case tokenRow:
		return "ROW"
	case tokenNbcRow:
		return "NBCROW"
	case tokenEnvChange:
		return "ENVCHANGE"
	case tokenSSPI:
		return "SSPI"
	case tokenFedAuthInfo:
		return "FEDAUTHINFO"
	case tokenDone:
		return "DONE"
	case tokenDoneProc:
		return "DONEPROC"
	case tokenDoneInProc:
		return "DONEINPROC"
	default:
		return fmt.Sprintf("token(0x%02x)", byte(t))
	}
}

// done flags.
const (
	doneFinal    = 0
	doneMore     = 1
	doneError    = 2
	doneInxact   = 4
	doneCount    = 0x10
	doneAttn     = 0x20
	doneSrvError = 0x100
)

// ENVCHANGE types.
const (
	envTypDatabase           = 1
	envTypLanguage           = 2
	envTypCharset            = 3
	envTypPacketSize         = 4
	envSortId                = 5
	envSortFlags             = 6
	envSqlCollation          = 7
	envTypBeginTran          = 8
	envTypCommitTran         = 9
	envTypRollbackTran       = 10
	envEnlistDTC             = 11
	envDefectTran            = 12
	envDatabaseMirrorPartner = 13
	envPromoteTran           = 15
	envTranMgrAddr           = 16
	envTranEnded             = 17
	envResetConnAck          = 18
	envStartedInstanceName   = 19
	envRouting               = 20
)

const (
	fedAuthInfoSTSURL = 0x01
	fedAuthInfoSPN    = 0x02
)

const (
	cipherAlgCustom = 0x00
)

// interface for all tokens
type tokenStruct interface{}

type orderStruct struct {
	ColIds []uint16
}

type doneStruct struct {
	Status   uint16
	CurCmd   uint16
	RowCount uint64
	errors   []Error
}

func (d doneStruct) isError() bool {
	return d.Status&doneError != 0 || len(d.errors) > 0
}

func (d doneStruct) getError() Error {
	if len(d.errors) > 0 {
		return d.errors[len(d.errors)-1]
	}
	return Error{Message: "Request failed but didn't provide reason"}
}

type doneInProcStruct doneStruct

// readByte/readUshort/readBVarChar/readUsVarChar/readBVarByte decode off a
// plain io.Reader rather than a *tdsBuffer: processEnvChg reads from an
// io.LimitedReader wrapping the session buffer so a malformed ENVCHANGE
// record's length can never run past its own record into the next one.
func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readUshort(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readBVarByte(r io.Reader) ([]byte, error) {
	size, err := readByte(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readBVarChar(r io.Reader) (string, error) {
	size, err := readByte(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, int(size)*2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return ucs22str(buf)
}

func readUsVarChar(r io.Reader) (string, error) {
	size, err := readUshort(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, int(size)*2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return ucs22str(buf)
}

// processEnvChg applies one ENVCHANGE token's worth of records to the
// session, tracking database/partner/transaction/routing state.
func processEnvChg(sess *tdsSession) {
	size := sess.buf.uint16()
	r := &io.LimitedReader{R: sess.buf, N: int64(size)}
	for {
		var err error
		var envtype uint8
		envtype, err = readByte(r)
		if err == io.EOF {
			return
		}
		if err != nil {
			badStreamPanic(err)
		}
		switch envtype {
		case envTypDatabase:
			sess.database, err = readBVarChar(r)
			if err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envTypLanguage, envTypCharset, envSortId, envSortFlags,
			envEnlistDTC, envDefectTran, envPromoteTran, envTranMgrAddr, envTranEnded,
			envResetConnAck, envStartedInstanceName:
			// currently ignored: new value, old value
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envTypPacketSize:
			packetsize, err := readBVarChar(r)
			if err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			packetsizei, err := strconv.Atoi(packetsize)
			if err != nil {
				badStreamPanicf("invalid packet size value returned from server (%s): %s", packetsize, err.Error())
			}
			sess.buf.ResizeBuffer(packetsizei)
		case envSqlCollation:
			// currently ignored
			collationSize, err := readByte(r)
			if err != nil {
				badStreamPanic(err)
			}
			if collationSize != 5 {
				badStreamPanicf("invalid SQL collation size returned from server: %d", collationSize)
			}
			var info uint32
			if err = binary.Read(r, binary.LittleEndian, &info); err != nil {
				badStreamPanic(err)
			}
			if _, err = readByte(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envTypBeginTran:
			tranid, err := readBVarByte(r)
			if err != nil {
				badStreamPanic(err)
			}
			if len(tranid) != 8 {
				badStreamPanicf("invalid size of transaction identifier: %d", len(tranid))
			}
			sess.tranid = binary.LittleEndian.Uint64(tranid)
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
			if sess.logFlags&logTransaction != 0 {
				sess.log.Printf("BEGIN TRANSACTION %x\n", sess.tranid)
			}
		case envTypCommitTran, envTypRollbackTran:
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
			if sess.logFlags&logTransaction != 0 {
				if envtype == envTypCommitTran {
					sess.log.Printf("COMMIT TRANSACTION %x\n", sess.tranid)
				} else {
					sess.log.Printf("ROLLBACK TRANSACTION %x\n", sess.tranid)
				}
			}
			sess.tranid = 0
		case envDatabaseMirrorPartner:
			sess.partner, err = readBVarChar(r)
			if err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envRouting:
			// ValueLength USHORT, Protocol BYTE (TCP=0), Port USHORT, Server US_VARCHAR
			if _, err = readUshort(r); err != nil {
				badStreamPanic(err)
			}
			protocol, err := readByte(r)
			if err != nil || protocol != 0 {
				badStreamPanic(err)
			}
			newPort, err := readUshort(r)
			if err != nil {
				badStreamPanic(err)
			}
			newServer, err := readUsVarChar(r)
			if err != nil {
				badStreamPanic(err)
			}
			// consume OLDVALUE = %x00 %x00
			if _, err = readUshort(r); err != nil {
				badStreamPanic(err)
			}
			sess.routedServer = newServer
			sess.routedPort = newPort
		default:
			// ignore rest of records because we don't know how to skip those
			sess.log.Printf("WARN: unknown ENVCHANGE record detected with type id = %d\n", envtype)
			return
		}
	}
}

func parseReturnStatus(r *tdsBuffer) ReturnStatus {
	return ReturnStatus(r.int32())
}

func parseOrder(r *tdsBuffer) (res orderStruct) {
	size := int(r.uint16())
	res.ColIds = make([]uint16, size/2)
	for i := 0; i < size/2; i++ {
		res.ColIds[i] = r.uint16()
	}
	return res
}

func parseDone(r *tdsBuffer) (res doneStruct) {
	res.Status = r.uint16()
	res.CurCmd = r.uint16()
	res.RowCount = r.uint64()
	return res
}

func parseDoneInProc(r *tdsBuffer) (res doneInProcStruct) {
	res.Status = r.uint16()
	res.CurCmd = r.uint16()
	res.RowCount = r.uint64()
	return res
}

type sspiMsg []byte

func parseSSPIMsg(r *tdsBuffer) sspiMsg {
	size := r.uint16()
	buf := make([]byte, size)
	r.ReadFull(buf)
	return sspiMsg(buf)
}

type fedAuthInfoStruct struct {
	STSURL    string
	ServerSPN string
}

type fedAuthInfoOpt struct {
	fedAuthInfoID          byte
	dataLength, dataOffset uint32
}

func parseFedAuthInfo(r *tdsBuffer) fedAuthInfoStruct {
	size := r.uint32()

	var stsURL, spn string
	var err error

	count := r.uint32()
	offset := uint32(4)
	opts := make([]fedAuthInfoOpt, count)

	for i := uint32(0); i < count; i++ {
		fedAuthInfoID := r.byte()
		dataLength := r.uint32()
		dataOffset := r.uint32()
		offset += 1 + 4 + 4
		opts[i] = fedAuthInfoOpt{fedAuthInfoID: fedAuthInfoID, dataLength: dataLength, dataOffset: dataOffset}
	}

	data := make([]byte, size-offset)
	r.ReadFull(data)

	for i := uint32(0); i < count; i++ {
		if opts[i].dataOffset < offset {
			badStreamPanicf("fed auth info opt stated data offset %d is before data begins in packet at %d",
				opts[i].dataOffset, offset)
		}
		if opts[i].dataOffset+opts[i].dataLength > size {
			badStreamPanicf("fed auth info opt stated data length %d added to stated offset exceeds packet size %d",
				opts[i].dataOffset+opts[i].dataLength, size)
		}
		optData := data[opts[i].dataOffset-offset : opts[i].dataOffset-offset+opts[i].dataLength]
		switch opts[i].fedAuthInfoID {
		case fedAuthInfoSTSURL:
			stsURL, err = ucs22str(optData)
		case fedAuthInfoSPN:
			spn, err = ucs22str(optData)
		default:
			err = fmt.Errorf("unexpected fed auth info opt ID %d", int(opts[i].fedAuthInfoID))
		}
		if err != nil {
			badStreamPanic(err)
		}
	}

	return fedAuthInfoStruct{STSURL: stsURL, ServerSPN: spn}
}

type loginAckStruct struct {
	Interface  uint8
	TDSVersion uint32
	ProgName   string
	ProgVer    uint32
}

func parseLoginAck(r *tdsBuffer) loginAckStruct {
	size := r.uint16()
	buf := make([]byte, size)
	r.ReadFull(buf)
	var res loginAckStruct
	res.Interface = buf[0]
	res.TDSVersion = binary.BigEndian.Uint32(buf[1:])
	prognamelen := buf[1+4]
	var err error
	if res.ProgName, err = ucs22str(buf[1+4+1 : 1+4+1+int(prognamelen)*2]); err != nil {
		badStreamPanic(err)
	}
	res.ProgVer = binary.BigEndian.Uint32(buf[size-4:])
	return res
}

type fedAuthAckStruct struct {
	Nonce     []byte
	Signature []byte
}

type colAckStruct struct {
	Version int
}

type featureExtAck map[byte]interface{}

func parseFeatureExtAck(r *tdsBuffer) featureExtAck {
	ack := featureExtAck{}

	for feature := r.byte(); feature != featExtTERMINATOR; feature = r.byte() {
		length := r.uint32()

		switch feature {
		case featExtFEDAUTH:
			fedAuthAck := fedAuthAckStruct{}
			if length >= 32 {
				fedAuthAck.Nonce = make([]byte, 32)
				r.ReadFull(fedAuthAck.Nonce)
				length -= 32
			}
			if length >= 32 {
				fedAuthAck.Signature = make([]byte, 32)
				r.ReadFull(fedAuthAck.Signature)
				length -= 32
			}
			ack[feature] = fedAuthAck
		case featExtCOLUMNENCRYPTION:
			colAck := colAckStruct{}
			colAck.Version = int(r.byte())
			length--
			if length > 0 {
				enclaveLength := r.byte()
				enclaveType := make([]byte, enclaveLength)
				r.ReadFull(enclaveType)
				length -= uint32(enclaveLength)
			}
			ack[feature] = colAck
		case featExtUTF8SUPPORT:
			if length >= 1 {
				ack[feature] = r.byte() != 0
				length--
			}
		case featExtDATACLASSIFICATION:
			if length >= 1 {
				ack[feature] = r.byte()
				length--
			}
		}

		if length > 0 {
			io.CopyN(ioutil.Discard, r, int64(length))
		}
	}

	return ack
}

func parseColMetadata72(r *tdsBuffer, s *tdsSession) (columns []columnStruct) {
	count := r.uint16()
	if count == 0xffff {
		return nil
	}
	columns = make([]columnStruct, count)

	var cekT *cekTable
	if s.alwaysEncrypted {
		cekT = readCEKTable(r)

		if s.alwaysEncryptedSettings == nil {
			badStreamPanicf("always-encrypted settings are nil")
		}

		if s.alwaysEncryptedSettings.pKey == nil {
			f, err := os.Open(s.alwaysEncryptedSettings.ksLocation)
			if err != nil {
				badStreamPanic(KeyStoreNotFoundError{Name: s.alwaysEncryptedSettings.ksLocation})
			}
			defer f.Close()

			switch s.alwaysEncryptedSettings.ksAuth {
			case PFXKeystoreAuth:
				pfxBytes, err := ioutil.ReadAll(f)
				if err != nil {
					badStreamPanic(CmkError{Err: err})
				}
				pk, cert, err := pkcs12.Decode(pfxBytes, []byte(s.alwaysEncryptedSettings.ksSecret))
				if err != nil {
					badStreamPanic(CmkError{Err: err})
				}
				s.alwaysEncryptedSettings.pKey = pk
				s.alwaysEncryptedSettings.cert = cert
			default:
				badStreamPanicf("keystore auth mode %v is unimplemented", s.alwaysEncryptedSettings.ksAuth)
			}
		}
	}

	for i := range columns {
		column := &columns[i]
		baseTi := getBaseTypeInfo(r, true)
		typeInfo := readTypeInfo(r, baseTi.TypeId, column.cryptoMeta)
		typeInfo.UserType = baseTi.UserType
		typeInfo.Flags = baseTi.Flags
		typeInfo.TypeId = baseTi.TypeId

		if baseTi.TypeId == typeText || baseTi.TypeId == typeNText || baseTi.TypeId == typeImage {
			_ = r.sqlIdentifier()
		}

		column.Flags = baseTi.Flags
		column.UserType = baseTi.UserType
		column.ti = typeInfo

		if column.isEncrypted() && s.alwaysEncrypted {
			cryptoMeta := parseCryptoMetadata(r, cekT)
			cryptoMeta.typeInfo.Flags = baseTi.Flags
			column.cryptoMeta = &cryptoMeta
		} else {
			column.cryptoMeta = nil
		}

		column.ColName = r.BVarChar()
	}
	return columns
}

func getBaseTypeInfo(r *tdsBuffer, parseFlags bool) typeInfo {
	userType := r.uint32()
	flags := uint16(0)
	if parseFlags {
		flags = r.uint16()
	}
	tId := r.byte()

	return typeInfo{UserType: userType, Flags: flags, TypeId: tId}
}

// cryptoMetadata accompanies every encrypted column's COLMETADATA entry: the
// CEK table reference, the AEAD algorithm in use, and the column's true
// (plaintext) typeInfo used to decode the value once decrypted.
type cryptoMetadata struct {
	entry         *cekTableEntry
	ordinal       uint16
	algorithmId   byte
	algorithmName *string
	encType       byte
	normRuleVer   byte
	typeInfo      typeInfo
}

func parseCryptoMetadata(r *tdsBuffer, cekT *cekTable) cryptoMetadata {
	ordinal := uint16(0)
	if cekT != nil {
		ordinal = r.uint16()
	}

	baseTi := getBaseTypeInfo(r, false)
	ti := readTypeInfo(r, baseTi.TypeId, nil)
	ti.UserType = baseTi.UserType
	ti.Flags = baseTi.Flags
	ti.TypeId = baseTi.TypeId

	algorithmId := r.byte()
	var algName *string

	if algorithmId == cipherAlgCustom {
		nameLen := int(r.byte())
		algNameUtf16 := make([]byte, nameLen*2)
		r.ReadFull(algNameUtf16)
		s, err := ucs22str(algNameUtf16)
		if err != nil {
			badStreamPanic(err)
		}
		algName = &s
	}

	encType := r.byte()
	normRuleVer := r.byte()

	var entry *cekTableEntry
	if cekT != nil {
		if int(ordinal) > len(cekT.entries)-1 {
			badStreamPanicf("invalid ordinal, CEK table only has %d entries", len(cekT.entries))
		}
		entry = &cekT.entries[ordinal]
	}

	return cryptoMetadata{
		entry:         entry,
		ordinal:       ordinal,
		algorithmId:   algorithmId,
		algorithmName: algName,
		encType:       encType,
		normRuleVer:   normRuleVer,
		typeInfo:      ti,
	}
}

func readCEKTable(r *tdsBuffer) *cekTable {
	tableSize := r.uint16()
	if tableSize == 0 {
		return nil
	}
	t := newCekTable(tableSize)
	for i := uint16(0); i < tableSize; i++ {
		t.entries[i] = readCekTableEntry(r)
	}
	return &t
}

func readCekTableEntry(r *tdsBuffer) cekTableEntry {
	databaseId := r.int32()
	cekID := r.int32()
	cekVersion := r.int32()
	cekMdVersion := make([]byte, 8)
	r.ReadFull(cekMdVersion)

	cekValueCount := uint(r.byte())
	cekValues := make([]encryptionKeyInfo, cekValueCount)

	for i := uint(0); i < cekValueCount; i++ {
		encryptedCekLength := r.uint16()
		encryptedCek := make([]byte, encryptedCekLength)
		r.ReadFull(encryptedCek)

		keyStoreLength := r.byte()
		keyStoreName := r.readUcs2(int(keyStoreLength))

		keyPathLength := r.uint16()
		keyPath := r.readUcs2(int(keyPathLength))

		algLength := r.byte()
		algName := r.readUcs2(int(algLength))

		cekValues[i] = encryptionKeyInfo{
			encryptedKey:  encryptedCek,
			databaseID:    int(databaseId),
			cekID:         int(cekID),
			cekVersion:    int(cekVersion),
			cekMdVersion:  cekMdVersion,
			keyPath:       keyPath,
			keyStoreName:  keyStoreName,
			algorithmName: algName,
		}
	}

	return cekTableEntry{
		databaseID: int(databaseId),
		keyId:      int(cekID),
		keyVersion: int(cekVersion),
		mdVersion:  cekMdVersion,
		valueCount: int(cekValueCount),
		cekValues:  cekValues,
	}
}

// RWCBuffer adapts a decrypted in-memory plaintext buffer to the
// io.ReadWriteCloser a *tdsBuffer expects as its transport, so the ordinary
// scalar Reader functions can be reused to decode the plaintext exactly as
// if it had arrived on the wire.
type RWCBuffer struct {
	buffer *bytes.Reader
}

func (b RWCBuffer) Read(p []byte) (int, error)  { return b.buffer.Read(p) }
func (b RWCBuffer) Write(p []byte) (int, error) { return 0, ConnectionClosedError{} }
func (b RWCBuffer) Close() error                { return nil }

var _ io.ReadWriteCloser = RWCBuffer{}

func parseRow(r *tdsBuffer, s *tdsSession, columns []columnStruct, row []interface{}) {
	for i, column := range columns {
		columnContent := column.ti.Reader(&column.ti, r, nil)
		if columnContent == nil {
			row[i] = columnContent
			continue
		}

		if column.isEncrypted() && s.alwaysEncrypted {
			buffer := decryptColumn(column, s, columnContent)
			row[i] = column.cryptoMeta.typeInfo.Reader(&column.cryptoMeta.typeInfo, &buffer, column.cryptoMeta)
		} else {
			row[i] = columnContent
		}
	}
}

// decryptColumn unwraps the column's CEK via the loaded Column Master Key,
// deriving the AEAD sub-keys through the session's CEK cache so a repeat
// access to the same (database, CEK id, CEK version) skips the RSA-OAEP
// unwrap entirely, and decrypts the ciphertext with this package's own
// AEAD_AES_256_CBC_HMAC_SHA_256 implementation, returning a tdsBuffer over
// the plaintext so the caller can re-run the ordinary value decoder on it.
// A failed CEK unwrap, sub-key derivation or cell decryption (MAC mismatch,
// bad version byte, bad padding) surfaces as the single undifferentiated
// DecryptionFailedError; a CEK whose signature does not verify against the
// loaded certificate surfaces as CmkError.
func decryptColumn(column columnStruct, s *tdsSession, columnContent interface{}) tdsBuffer {
	entry := column.cryptoMeta.entry

	if s.alwaysEncryptedSettings.pKey == nil {
		badStreamPanicf("always-encrypted private key not loaded")
	}
	cert, ok := s.alwaysEncryptedSettings.cert.(*x509.Certificate)
	if !ok {
		badStreamPanicf("always-encrypted certificate not loaded")
	}
	rsaKey, ok := s.alwaysEncryptedSettings.pKey.(*rsa.PrivateKey)
	if !ok {
		badStreamPanicf("unsupported column master key type %T", s.alwaysEncryptedSettings.pKey)
	}

	cacheKey := aead.CacheKey{DatabaseID: entry.databaseID, CEKID: entry.keyId, CEKVersion: entry.keyVersion}
	subKeys, hit := s.cekCache.Get(cacheKey)
	if !hit {
		// entry.cekValues may carry more than one wrapped copy of the same
		// CEK (one per redundant CMK); index 0 is the copy this driver's
		// loaded CMK is expected to unwrap, same as the ordinal already
		// consumed when selecting entry itself out of the CEK table.
		cekv := alwaysencrypted.LoadCEKV(entry.cekValues[0].encryptedKey)
		if !cekv.Verify(cert) {
			badStreamPanic(CmkError{Err: fmt.Errorf("certificate mismatch verifying %s against loaded CMK (sha1 %x)",
				cekv.KeyPath, sha1.Sum(cert.Raw))})
		}

		rootKey, err := cekv.Decrypt(rsaKey)
		if err != nil {
			badStreamPanic(DecryptionFailedError{})
		}
		derived, err := aead.DeriveSubKeys(rootKey)
		zeroBytes(rootKey)
		if err != nil {
			badStreamPanic(DecryptionFailedError{})
		}
		s.cekCache.Put(cacheKey, derived)
		subKeys = derived
	}

	plaintext, err := aead.Decrypt(columnContent.([]byte), subKeys.EncKey, subKeys.MACKey)
	if err != nil {
		badStreamPanic(DecryptionFailedError{})
	}

	column.cryptoMeta.typeInfo.Buffer = plaintext
	rwc := RWCBuffer{buffer: bytes.NewReader(plaintext)}
	return tdsBuffer{rpos: 0, rsize: len(plaintext), rbuf: plaintext, transport: rwc, final: true}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func parseNbcRow(r *tdsBuffer, s *tdsSession, columns []columnStruct, row []interface{}) {
	bitlen := (len(columns) + 7) / 8
	pres := make([]byte, bitlen)
	r.ReadFull(pres)
	for i, col := range columns {
		if pres[i/8]&(1<<(uint(i)%8)) != 0 {
			row[i] = nil
			continue
		}
		columnContent := col.ti.Reader(&col.ti, r, nil)
		if col.isEncrypted() && s.alwaysEncrypted {
			buffer := decryptColumn(col, s, columnContent)
			row[i] = col.cryptoMeta.typeInfo.Reader(&col.cryptoMeta.typeInfo, &buffer, col.cryptoMeta)
		} else {
			row[i] = columnContent
		}
	}
}

func parseError72(r *tdsBuffer) (res Error) {
	_ = r.uint16() // length, recomputed on Error() so not retained
	res.Number = r.int32()
	res.State = r.byte()
	res.Class = r.byte()
	res.Message = r.UsVarChar()
	res.ServerName = r.BVarChar()
	res.ProcName = r.BVarChar()
	res.LineNo = r.int32()
	return
}

func parseInfo(r *tdsBuffer) (res Error) {
	_ = r.uint16()
	res.Number = r.int32()
	res.State = r.byte()
	res.Class = r.byte()
	res.Message = r.UsVarChar()
	res.ServerName = r.BVarChar()
	res.ProcName = r.BVarChar()
	res.LineNo = r.int32()
	return
}

func parseReturnValue(r *tdsBuffer, s *tdsSession) (nv namedValue) {
	_ = r.uint16()         // ParamOrdinal
	nv.Name = r.BVarChar() // ParamName
	_ = r.byte()           // Status

	ti := getBaseTypeInfo(r, true)

	var cryptoMeta *cryptoMetadata
	if s.alwaysEncrypted {
		cm := parseCryptoMetadata(r, nil)
		cryptoMeta = &cm
	}

	ti2 := readTypeInfo(r, ti.TypeId, cryptoMeta)
	nv.Value = ti2.Reader(&ti2, r, cryptoMeta)
	return
}

func processSingleResponse(sess *tdsSession, ch chan tokenStruct, outs map[string]interface{}) {
	defer func() {
		if err := recover(); err != nil {
			if sess.logFlags&logErrors != 0 {
				sess.log.Printf("ERROR: intercepted panic %v", err)
			}
			if e, ok := err.(error); ok {
				ch <- e
			} else {
				ch <- fmt.Errorf("mssql: %v", err)
			}
		}
		close(ch)
	}()

	packetType, err := sess.buf.BeginRead()
	if err != nil {
		if sess.logFlags&logErrors != 0 {
			sess.log.Printf("ERROR: BeginRead failed %v", err)
		}
		ch <- err
		return
	}
	if packetType != packReply {
		badStreamPanic(fmt.Errorf("unexpected packet type in reply: got %v, expected %v", packetType, packReply))
	}

	var columns []columnStruct
	errs := make([]Error, 0, 5)
	for {
		tok := token(sess.buf.byte())
		if sess.logFlags&logDebug != 0 {
			sess.log.Printf("got token %v", tok)
		}
		switch tok {
		case tokenSSPI:
			ch <- parseSSPIMsg(sess.buf)
			return
		case tokenFedAuthInfo:
			ch <- parseFedAuthInfo(sess.buf)
			return
		case tokenReturnStatus:
			ch <- parseReturnStatus(sess.buf)
		case tokenLoginAck:
			ch <- parseLoginAck(sess.buf)
		case tokenFeatureExtAck:
			ch <- parseFeatureExtAck(sess.buf)
		case tokenOrder:
			ch <- parseOrder(sess.buf)
		case tokenDoneInProc:
			done := parseDoneInProc(sess.buf)
			if sess.logFlags&logRows != 0 && done.Status&doneCount != 0 {
				sess.log.Printf("(%d row(s) affected)\n", done.RowCount)
			}
			ch <- done
		case tokenDone, tokenDoneProc:
			done := parseDone(sess.buf)
			done.errors = errs
			if sess.logFlags&logDebug != 0 {
				sess.log.Printf("got DONE or DONEPROC status=%d", done.Status)
			}
			if done.Status&doneSrvError != 0 {
				ch <- errors.New("mssql: SQL Server had an internal error")
				return
			}
			if sess.logFlags&logRows != 0 && done.Status&doneCount != 0 {
				sess.log.Printf("(%d row(s) affected)\n", done.RowCount)
			}
			ch <- done
			if done.Status&doneMore == 0 {
				return
			}
		case tokenColMetadata:
			columns = parseColMetadata72(sess.buf, sess)
			ch <- columns
		case tokenRow:
			row := make([]interface{}, len(columns))
			parseRow(sess.buf, sess, columns, row)
			ch <- row
		case tokenNbcRow:
			row := make([]interface{}, len(columns))
			parseNbcRow(sess.buf, sess, columns, row)
			ch <- row
		case tokenEnvChange:
			processEnvChg(sess)
		case tokenError:
			e := parseError72(sess.buf)
			if sess.logFlags&logDebug != 0 {
				sess.log.Printf("got ERROR %d %s", e.Number, e.Message)
			}
			errs = append(errs, e)
			if sess.logFlags&logErrors != 0 {
				sess.log.Println(e.Message)
			}
		case tokenInfo:
			info := parseInfo(sess.buf)
			if sess.logFlags&logDebug != 0 {
				sess.log.Printf("got INFO %d %s", info.Number, info.Message)
			}
			if sess.logFlags&logMessages != 0 {
				sess.log.Println(info.Message)
			}
		case tokenReturnValue:
			nv := parseReturnValue(sess.buf, sess)
			if len(nv.Name) > 0 {
				name := nv.Name[1:] // strip leading "@"
				if ov, has := outs[name]; has {
					if serr := scanIntoOut(name, nv.Value, ov); serr != nil {
						ch <- serr
					}
				}
			}
		default:
			badStreamPanic(UnknownTokenTypeError{TokenType: byte(tok)})
		}
	}
}

// tokenProcessor drives one request/response cycle, feeding decoded tokens
// from processSingleResponse's goroutine to iterateResponse, and racing the
// caller's context against the response stream to support mid-query
// cancellation via Attention.
type tokenProcessor struct {
	tokChan    chan tokenStruct
	ctx        context.Context
	sess       *tdsSession
	outs       map[string]interface{}
	lastRow    []interface{}
	rowCount   int64
	firstError error
}

func startReading(sess *tdsSession, ctx context.Context, outs map[string]interface{}) *tokenProcessor {
	tokChan := make(chan tokenStruct, 5)
	go processSingleResponse(sess, tokChan, outs)
	return &tokenProcessor{tokChan: tokChan, ctx: ctx, sess: sess, outs: outs}
}

func (t *tokenProcessor) iterateResponse() error {
	for {
		tok, err := t.nextToken()
		if err != nil {
			return err
		}
		if tok == nil {
			return t.firstError
		}
		switch v := tok.(type) {
		case []columnStruct:
			t.sess.columns = v
		case []interface{}:
			t.lastRow = v
		case doneInProcStruct:
			if v.Status&doneCount != 0 {
				t.rowCount += int64(v.RowCount)
			}
		case doneStruct:
			if v.Status&doneCount != 0 {
				t.rowCount += int64(v.RowCount)
			}
			if v.isError() && t.firstError == nil {
				t.firstError = v.getError()
			}
		case ReturnStatus:
			t.sess.setReturnStatus(v)
		}
	}
}

func (t *tokenProcessor) nextToken() (tokenStruct, error) {
	// non-blocking check first, to prioritize a token that is already ready
	// over a cancellation that raced it.
	select {
	case tok, more := <-t.tokChan:
		return unwrapToken(tok, more)
	default:
	}

	select {
	case tok, more := <-t.tokChan:
		return unwrapToken(tok, more)
	case <-t.ctx.Done():
		if err := sendAttention(t.sess.buf); err != nil {
			return nil, err
		}

		// The response already in flight may or may not contain the
		// cancellation confirmation; check it, then read one more response
		// if not, since the server always sends one after an Attention.
		if readCancelConfirmation(t.tokChan) {
			return nil, t.ctx.Err()
		}
		t.tokChan = make(chan tokenStruct, 5)
		go processSingleResponse(t.sess, t.tokChan, t.outs)
		if readCancelConfirmation(t.tokChan) {
			return nil, t.ctx.Err()
		}
		return nil, errors.New("mssql: did not get cancellation confirmation from the server")
	}
}

func unwrapToken(tok tokenStruct, more bool) (tokenStruct, error) {
	if !more {
		return nil, nil
	}
	if err, ok := tok.(error); ok {
		return nil, err
	}
	return tok, nil
}

func readCancelConfirmation(tokChan chan tokenStruct) bool {
	for tok := range tokChan {
		if d, ok := tok.(doneStruct); ok && d.Status&doneAttn != 0 {
			return true
		}
	}
	return false
}
