package mssql

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// collation is the {lcid, sort_id} pair carried on COLMETADATA for
// collation-sensitive string types.
type collation struct {
	LcidAndFlags uint32
	SortID       uint8
}

// collationUtf8Flag is bit 27 of the lcid field: when set, VARCHAR payload
// bytes are already valid UTF-8 and require no transcoding.
const collationUtf8Flag uint32 = 0x0800_0000

func (c collation) lcid() uint32 {
	return c.LcidAndFlags & 0x000F_FFFF
}

func (c collation) isUTF8() bool {
	return c.LcidAndFlags&collationUtf8Flag != 0
}

func readCollation(r *tdsBuffer) collation {
	var c collation
	c.LcidAndFlags = r.uint32()
	c.SortID = r.byte()
	return c
}

// codePageForLCID maps the primary-language bits of an LCID to a Windows
// code page. Unknown LCIDs fall back to 1252 (Western European), the
// common default for collations this driver doesn't recognize.
func codePageForLCID(lcid uint32) int {
	// Chinese LCIDs share primary language 0x04; the sublanguage bits
	// tell traditional from simplified.
	switch lcid & 0xFFFF {
	case 0x1404, 0x0404: // Chinese (traditional)
		return 950
	}
	primaryLanguage := lcid & 0x3FF
	switch primaryLanguage {
	case 0x1E: // Thai
		return 874
	case 0x11: // Japanese
		return 932
	case 0x04, 0x7804: // Chinese (simplified)
		return 936
	case 0x12: // Korean
		return 949
	case 0x05, 0x1A, 0x0F, 0x41, 0x42: // Central European-ish locales
		return 1250
	case 0x19, 0x22, 0x23, 0x29, 0x1B: // Cyrillic-ish locales
		return 1251
	case 0x08: // Greek
		return 1253
	case 0x1F: // Turkish
		return 1254
	case 0x0D: // Hebrew
		return 1255
	case 0x01, 0x2D, 0x5D: // Arabic-ish locales
		return 1256
	case 0x25, 0x26, 0x27: // Baltic
		return 1257
	case 0x2A: // Vietnamese
		return 1258
	default:
		return 1252
	}
}

// encodingForCodePage returns the encoding.Encoding for a Windows code page,
// used to transcode BIGVARCHAR/BIGCHAR payloads on decode.
func encodingForCodePage(codePage int) encoding.Encoding {
	switch codePage {
	case 874:
		return charmap.Windows874
	case 932:
		return japanese.ShiftJIS
	case 936:
		return simplifiedchinese.GB18030
	case 949:
		return korean.EUCKR
	case 950:
		return traditionalchinese.Big5
	case 1250:
		return charmap.Windows1250
	case 1251:
		return charmap.Windows1251
	case 1252:
		return charmap.Windows1252
	case 1253:
		return charmap.Windows1253
	case 1254:
		return charmap.Windows1254
	case 1255:
		return charmap.Windows1255
	case 1256:
		return charmap.Windows1256
	case 1257:
		return charmap.Windows1257
	case 1258:
		return charmap.Windows1258
	default:
		return charmap.Windows1252
	}
}

// encodingForCollation resolves the encoding to use when decoding a VARCHAR
// column's raw bytes, honoring the UTF-8 collation flag first.
func encodingForCollation(c collation) encoding.Encoding {
	if c.isUTF8() {
		return unicode.UTF8
	}
	return encodingForCodePage(codePageForLCID(c.lcid()))
}

// decodeCharmap transcodes raw collation-encoded bytes to a UTF-8 Go string.
// Decode errors never fail the stream: the text/encoding decoder
// substitutes U+FFFD for invalid sequences and we return whatever it
// produced.
func decodeCharmap(b []byte, enc encoding.Encoding) string {
	out, _ := enc.NewDecoder().Bytes(b)
	return string(out)
}

// encodeCharmap transcodes a UTF-8 Go string into the bytes for the given
// collation's code page, used when encoding CHAR/VARCHAR parameter values.
func encodeCharmap(s string, enc encoding.Encoding) ([]byte, error) {
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, InvalidEncodingError{Detail: err.Error()}
	}
	return out, nil
}

// ucs22str decodes a UTF-16LE byte slice (the wire encoding for every TDS
// string field that is not collation-sensitive VARCHAR/CHAR data) into a Go
// string.
func ucs22str(b []byte) (string, error) {
	out, err := utf16Decoder.Bytes(b)
	if err != nil {
		return "", InvalidEncodingError{Detail: err.Error()}
	}
	return string(out), nil
}

// str2ucs2 encodes a Go string to UTF-16LE bytes.
func str2ucs2(s string) []byte {
	out, _ := utf16Encoder.Bytes([]byte(s))
	return out
}

var (
	utf16Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	utf16Encoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
)
