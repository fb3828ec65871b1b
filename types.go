package mssql

// TDS scalar type identifiers (exhaustive catalogue).
const (
	typeNull       byte = 0x1F
	typeImage      byte = 0x22
	typeText       byte = 0x23
	typeUniqueIdentifier byte = 0x24
	typeVarBinary  byte = 0x25
	typeIntN       byte = 0x26
	typeVarChar    byte = 0x27
	typeBinary     byte = 0x2D
	typeChar       byte = 0x2F
	typeDate       byte = 0x28
	typeTime       byte = 0x29
	typeDateTime2  byte = 0x2A
	typeDateTimeOffset byte = 0x2B
	typeTinyInt    byte = 0x30
	typeBit        byte = 0x32
	typeSmallInt   byte = 0x34
	typeInt        byte = 0x38
	typeSmallDateTime byte = 0x3A
	typeReal       byte = 0x3B
	typeMoney      byte = 0x3C
	typeDateTime   byte = 0x3D
	typeFloat      byte = 0x3E
	typeNumeric    byte = 0x3F
	typeSmallMoney byte = 0x7A
	typeVariant    byte = 0x62
	typeNText      byte = 0x63
	typeBitN       byte = 0x68
	typeDecimalN   byte = 0x6A
	typeNumericN   byte = 0x6C
	typeFltN       byte = 0x6D
	typeMoneyN     byte = 0x6E
	typeDateTimN   byte = 0x6F
	typeBigInt     byte = 0x7F
	typeBigVarBinary byte = 0xA5
	typeBigVarChar byte = 0xA7
	typeBigBinary  byte = 0xAD
	typeBigChar    byte = 0xAF
	typeNVarChar   byte = 0xE7
	typeNChar      byte = 0xEF
	typeXML        byte = 0xF1
	typeUDT        byte = 0xF0
	typeTVP        byte = 0xF3
)

// typeInfo describes one column's (or parameter's) TDS type and carries the
// function used to decode its value off the wire. Kept as a value type that
// travels inline inside columnStruct/cryptoMetadata (`column.ti`,
// `column.cryptoMeta.typeInfo`).
type typeInfo struct {
	TypeId    byte
	UserType  uint32
	Flags     uint16
	Size      int
	Scale     uint8
	Precision uint8
	Collation collation
	UDTInfo   udtInfo

	// Buffer retains the most recently decrypted plaintext for an
	// Always-Encrypted column, set by decryptColumn.
	Buffer []byte

	Reader func(ti *typeInfo, r *tdsBuffer, cryptoMeta *cryptoMetadata) interface{}
}

type udtInfo struct {
	DBName     string
	SchemaName string
	TypeName   string
	AssemblyQualifiedName string
}

// columnStruct is one entry of a COLMETADATA result: the shared, immutable
// (per result set) description every Row of that result set indexes into
//.
type columnStruct struct {
	UserType   uint32
	Flags      uint16
	ColName    string
	ti         typeInfo
	cryptoMeta *cryptoMetadata
}

// COLMETADATA flags.
const (
	colFlagNullable           uint16 = 0x0001
	colFlagCaseSensitive      uint16 = 0x0002
	colFlagUpdatableReadWrite uint16 = 0x0004
	colFlagUpdatableUnused    uint16 = 0x0008
	colFlagIdentity           uint16 = 0x0010
	colFlagComputed           uint16 = 0x0020
	colFlagSparseColumnSet    uint16 = 0x0400
	colFlagEncrypted          uint16 = 0x0800
	colFlagHidden             uint16 = 0x2000
	colFlagKey                uint16 = 0x4000
	colFlagNullableUnknown    uint16 = 0x8000
)

func (c columnStruct) isEncrypted() bool {
	return c.Flags&colFlagEncrypted != 0
}

func (c columnStruct) IsNullable() bool {
	return c.Flags&colFlagNullable != 0
}

// fixedLenTypeSize returns the on-wire size for TDS types that carry no
// length prefix at all.
func fixedLenTypeSize(typeId byte) (int, bool) {
	switch typeId {
	case typeNull:
		return 0, true
	case typeTinyInt, typeBit:
		return 1, true
	case typeSmallInt:
		return 2, true
	case typeInt, typeSmallDateTime, typeReal, typeSmallMoney:
		return 4, true
	case typeBigInt, typeDateTime, typeFloat, typeMoney:
		return 8, true
	default:
		return 0, false
	}
}

// readTypeInfo reads the type-specific info that follows a type-id byte
// (max-length, precision/scale, collation, or XML/UDT schema names) and
// wires up the Reader callback for that type. For the TVP type id it reads
// nothing further and sets no Reader.
func readTypeInfo(r *tdsBuffer, typeId byte, cryptoMeta *cryptoMetadata) typeInfo {
	ti := typeInfo{TypeId: typeId}

	if size, ok := fixedLenTypeSize(typeId); ok {
		ti.Size = size
		ti.Reader = readFixedLenValue
		return ti
	}

	switch typeId {
	case typeIntN, typeBitN, typeFltN, typeMoneyN, typeDateTimN:
		ti.Size = int(r.byte())
		ti.Reader = readByteLenValue
	case typeDecimalN, typeNumericN:
		ti.Size = int(r.byte())
		ti.Precision = r.byte()
		ti.Scale = r.byte()
		ti.Reader = readDecimalNValue
	case typeVarChar, typeChar:
		ti.Size = int(r.uint16())
		ti.Collation = readCollation(r)
		ti.Reader = readBigVarCharValue
	case typeDate:
		ti.Size = 3
		ti.Reader = readDateValue
	case typeTime:
		ti.Scale = r.byte()
		ti.Size = timeSizeForScale(ti.Scale)
		ti.Reader = readTimeValue
	case typeDateTime2:
		ti.Scale = r.byte()
		ti.Size = timeSizeForScale(ti.Scale) + 3
		ti.Reader = readDateTime2Value
	case typeDateTimeOffset:
		ti.Scale = r.byte()
		ti.Size = timeSizeForScale(ti.Scale) + 3 + 2
		ti.Reader = readDateTimeOffsetValue
	case typeUniqueIdentifier:
		ti.Size = int(r.byte())
		ti.Reader = readGUIDValue
	case typeVarBinary, typeBinary:
		ti.Size = int(r.uint16())
		ti.Reader = readBigVarBinaryValue
	case typeBigVarBinary, typeBigBinary:
		ti.Size = int(r.uint16())
		ti.Reader = readBigVarBinaryValue
	case typeBigChar:
		ti.Size = int(r.uint16())
		ti.Collation = readCollation(r)
		ti.Reader = readBigVarCharValue
	case typeBigVarChar:
		ti.Size = int(r.uint16())
		ti.Collation = readCollation(r)
		ti.Reader = readBigVarCharValue
	case typeNVarChar, typeNChar:
		ti.Size = int(r.uint16())
		ti.Collation = readCollation(r)
		ti.Reader = readNVarCharValue
	case typeText:
		ti.Size = int(r.uint32())
		ti.Collation = readCollation(r)
		ti.Reader = readPLPTextValue(decodeCharmapReaderFor(ti.Collation))
	case typeNText:
		ti.Size = int(r.uint32())
		ti.Collation = readCollation(r)
		ti.Reader = readNTextValue
	case typeImage:
		ti.Size = int(r.uint32())
		ti.Reader = readImageValue
	case typeXML:
		// schema presence byte, 0 = no schema
		if b := r.byte(); b != 0 {
			_ = r.BVarChar() // db name
			_ = r.BVarChar() // owning schema
			_ = r.UsVarChar() // xml schema collection
		}
		ti.Reader = readXMLValue
	case typeVariant:
		ti.Size = int(r.uint32())
		ti.Reader = readVariantValue
	case typeUDT:
		ti.Size = int(r.uint16())
		ti.UDTInfo.DBName = r.BVarChar()
		ti.UDTInfo.SchemaName = r.BVarChar()
		ti.UDTInfo.TypeName = r.BVarChar()
		ti.UDTInfo.AssemblyQualifiedName = r.UsVarChar()
		ti.Reader = readUDTValue
	case typeTVP:
		ti.Reader = nil // TVPs are parameter-only; never a result column type
	default:
		badStreamPanicf("unsupported type id 0x%02x", typeId)
	}

	return ti
}

func timeSizeForScale(scale uint8) int {
	switch {
	case scale <= 2:
		return 3
	case scale <= 4:
		return 4
	default:
		return 5
	}
}

func decodeCharmapReaderFor(c collation) func([]byte) string {
	enc := encodingForCollation(c)
	return func(b []byte) string { return decodeCharmap(b, enc) }
}
