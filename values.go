package mssql

import (
	"encoding/binary"
	"math"
)

// readFixedLenValue decodes a TDS type with no length prefix at all
// (TINYINT, BIT, SMALLINT, INT, BIGINT, REAL, FLOAT, SMALLDATETIME,
// DATETIME, MONEY, SMALLMONEY).
func readFixedLenValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	switch ti.TypeId {
	case typeTinyInt:
		return r.byte()
	case typeBit:
		return r.byte() != 0
	case typeSmallInt:
		return int16(r.uint16())
	case typeInt:
		return int32(r.uint32())
	case typeBigInt:
		return int64(r.uint64())
	case typeReal:
		return math.Float32frombits(r.uint32())
	case typeFloat:
		return math.Float64frombits(r.uint64())
	case typeSmallDateTime:
		return decodeSmallDateTime(r)
	case typeDateTime:
		return decodeDateTime(r)
	case typeMoney:
		return decodeMoney(r, 8)
	case typeSmallMoney:
		return decodeMoney(r, 4)
	default:
		badStreamPanicf("readFixedLenValue: unexpected type id 0x%02x", ti.TypeId)
		return nil
	}
}

// readByteLenValue decodes a TDS "N" type: a 1-byte length, 0 meaning NULL,
// otherwise a fixed number of value bytes keyed off that length
// (INTN/BITN/FLTN/MONEYN/DATETIMN).
func readByteLenValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	size := int(r.byte())
	if size == 0 {
		return nil
	}
	switch ti.TypeId {
	case typeIntN:
		return decodeIntN(r, size)
	case typeBitN:
		return r.byte() != 0
	case typeFltN:
		if size == 4 {
			return math.Float32frombits(r.uint32())
		}
		return math.Float64frombits(r.uint64())
	case typeMoneyN:
		return decodeMoney(r, size)
	case typeDateTimN:
		if size == 4 {
			return decodeSmallDateTime(r)
		}
		return decodeDateTime(r)
	default:
		badStreamPanicf("readByteLenValue: unexpected type id 0x%02x", ti.TypeId)
		return nil
	}
}

func decodeIntN(r *tdsBuffer, size int) interface{} {
	switch size {
	case 1:
		return r.byte()
	case 2:
		return int16(r.uint16())
	case 4:
		return int32(r.uint32())
	case 8:
		return int64(r.uint64())
	default:
		badStreamPanicf("invalid INTN size %d", size)
		return nil
	}
}

func decodeMoney(r *tdsBuffer, size int) interface{} {
	if size == 4 {
		v := int32(r.uint32())
		return float64(v) / 10000.0
	}
	hi := int32(r.uint32())
	lo := r.uint32()
	v := int64(hi)<<32 | int64(lo)
	return float64(v) / 10000.0
}

// readBigVarBinaryValue decodes BIGVARBINARY/BIGBINARY/VARBINARY/BINARY: a
// u16 length, 0xFFFF meaning "switch to PLP" for the MAX-length variants.
func readBigVarBinaryValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	if ti.Size == 0xFFFF {
		data, isNull := readPLP(r)
		if isNull {
			return nil
		}
		return data
	}
	size := int(r.uint16())
	if size == 0xFFFF {
		return nil
	}
	buf := make([]byte, size)
	r.ReadFull(buf)
	return buf
}

// readBigVarCharValue decodes BIGVARCHAR/BIGCHAR/VARCHAR/CHAR: a u16
// length-prefixed run of collation-encoded bytes (0xFFFF -> PLP for the
// MAX-length variant), transcoded via the column's collation.
func readBigVarCharValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	enc := encodingForCollation(ti.Collation)
	if ti.Size == 0xFFFF {
		data, isNull := readPLP(r)
		if isNull {
			return nil
		}
		return decodeCharmap(data, enc)
	}
	size := int(r.uint16())
	if size == 0xFFFF {
		return nil
	}
	buf := make([]byte, size)
	r.ReadFull(buf)
	return decodeCharmap(buf, enc)
}

// readNVarCharValue decodes NVARCHAR/NCHAR: u16 byte length (UTF-16),
// 0xFFFF meaning PLP for NVARCHAR(MAX).
func readNVarCharValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	if ti.Size == 0xFFFF {
		data, isNull := readPLP(r)
		if isNull {
			return nil
		}
		s, err := ucs22str(data)
		if err != nil {
			badStreamPanic(err)
		}
		return s
	}
	size := int(r.uint16())
	if size == 0xFFFF {
		return nil
	}
	buf := make([]byte, size)
	r.ReadFull(buf)
	s, err := ucs22str(buf)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

// readPLPTextValue returns a Reader for legacy TEXT columns, transcoding
// with the given decode function derived from the column's collation.
func readPLPTextValue(decode func([]byte) string) func(ti *typeInfo, r *tdsBuffer, c *cryptoMetadata) interface{} {
	return func(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
		data, isNull := readTextChunks(r)
		if isNull {
			return nil
		}
		return decode(data)
	}
}

func readNTextValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	data, isNull := readTextChunks(r)
	if isNull {
		return nil
	}
	s, err := ucs22str(data)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

func readImageValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	data, isNull := readTextChunks(r)
	if isNull {
		return nil
	}
	return data
}

// readTextChunks decodes the legacy (pre-PLP) TEXT/NTEXT/IMAGE row format:
// a 1-byte text pointer length (0 means NULL), then that many text pointer
// bytes, an 8-byte timestamp, and a u32 length followed by that many bytes.
func readTextChunks(r *tdsBuffer) ([]byte, bool) {
	tp := r.byte()
	if tp == 0 {
		return nil, true
	}
	ptr := make([]byte, int(tp))
	r.ReadFull(ptr)
	var ts [8]byte
	r.ReadFull(ts[:])
	size := int(r.uint32())
	buf := make([]byte, size)
	r.ReadFull(buf)
	return buf, false
}

func readXMLValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	data, isNull := readPLP(r)
	if isNull {
		return nil
	}
	s, err := ucs22str(data)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

// readVariantValue decodes sql_variant: a u32 total length, a 1-byte base
// type id, a 1-byte "extra info" length followed by that many
// type-specific-info bytes, then the value itself in that base type's
// non-PLP wire format.
func readVariantValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	totalLen := int(r.uint32())
	if totalLen == 0 {
		return nil
	}
	baseType := r.byte()
	extraInfoLen := int(r.byte())
	extraInfo := make([]byte, extraInfoLen)
	r.ReadFull(extraInfo)

	valueLen := totalLen - 2 - extraInfoLen
	inner := typeInfo{TypeId: baseType}
	if len(extraInfo) >= 1 {
		switch baseType {
		case typeDecimalN, typeNumericN:
			if len(extraInfo) >= 2 {
				inner.Precision = extraInfo[0]
				inner.Scale = extraInfo[1]
			}
		case typeBigVarChar, typeBigChar, typeNVarChar, typeNChar:
			if len(extraInfo) >= 5 {
				inner.Collation = collation{
					LcidAndFlags: binary.LittleEndian.Uint32(extraInfo[0:4]),
					SortID:       extraInfo[4],
				}
			}
		}
	}
	inner.Size = valueLen

	switch baseType {
	case typeBigVarChar, typeBigChar:
		buf := make([]byte, valueLen)
		r.ReadFull(buf)
		return decodeCharmap(buf, encodingForCollation(inner.Collation))
	case typeNVarChar, typeNChar:
		buf := make([]byte, valueLen)
		r.ReadFull(buf)
		s, _ := ucs22str(buf)
		return s
	case typeBigVarBinary, typeBigBinary:
		buf := make([]byte, valueLen)
		r.ReadFull(buf)
		return buf
	case typeDecimalN, typeNumericN:
		return decodeDecimalBytes(r, valueLen, inner.Precision, inner.Scale)
	case typeUniqueIdentifier:
		buf := make([]byte, valueLen)
		r.ReadFull(buf)
		return decodeGUIDBytes(buf)
	default:
		if size, ok := fixedLenTypeSize(baseType); ok && size == valueLen {
			return readFixedLenValue(&inner, r, nil)
		}
		buf := make([]byte, valueLen)
		r.ReadFull(buf)
		return buf
	}
}

// readUDTValue decodes a CLR user-defined type as an opaque binary blob
// (PLP-framed); the core never deserializes UDT payloads.
func readUDTValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	data, isNull := readPLP(r)
	if isNull {
		return nil
	}
	return data
}

func decodeSmallDateTime(r *tdsBuffer) interface{} {
	days := r.uint16()
	minutes := r.uint16()
	return civilDateTimeFromSmallDateTime(days, minutes)
}

func decodeDateTime(r *tdsBuffer) interface{} {
	days := int32(r.uint32())
	threeHundredths := r.uint32()
	return civilDateTimeFromDateTime(days, threeHundredths)
}
