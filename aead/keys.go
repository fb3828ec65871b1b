package aead

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// Sub-key derivation labels, exactly as the Always Encrypted key-derivation
// scheme names them.
const (
	labelEncryptionKey = "Microsoft SQL Server cell encryption key"
	labelMACKey        = "Microsoft SQL Server cell MAC key"
	labelIVKey         = "Microsoft SQL Server cell IV key"
	algorithmName      = "AEAD_AES_256_CBC_HMAC_SHA_256"
)

// SubKeys holds the three keys AEAD encrypt/decrypt derive from a raw
// 32-byte Column Encryption Key. All three are zeroized by Zero() once the
// caller is done with them.
type SubKeys struct {
	EncKey []byte
	MACKey []byte
	IVKey  []byte
}

// Zero overwrites all three derived keys in place.
func (k *SubKeys) Zero() {
	zero(k.EncKey)
	zero(k.MACKey)
	zero(k.IVKey)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DeriveSubKeys computes enc_key, mac_key, and iv_key from a raw CEK: each
// sub-key is
// HMAC-SHA-256(CEK, label || "AEAD_AES_256_CBC_HMAC_SHA_256" || u16_le(len(CEK))).
func DeriveSubKeys(cek []byte) (*SubKeys, error) {
	if len(cek) != 32 {
		return nil, errors.New("aead: CEK must be 32 bytes")
	}
	return &SubKeys{
		EncKey: deriveOne(cek, labelEncryptionKey),
		MACKey: deriveOne(cek, labelMACKey),
		IVKey:  deriveOne(cek, labelIVKey),
	}, nil
}

func deriveOne(cek []byte, label string) []byte {
	h := hmac.New(sha256.New, cek)
	h.Write([]byte(label))
	h.Write([]byte(algorithmName))
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(cek)))
	h.Write(lenBuf[:])
	return h.Sum(nil)
}

// UnwrapCEK decrypts an RSA-OAEP-wrapped Column Encryption Key using the
// Column Master Key's private key (MGF1-SHA-256, empty label).
func UnwrapCEK(cmkPrivateKey *rsa.PrivateKey, encryptedCEK []byte) ([]byte, error) {
	cek, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, cmkPrivateKey, encryptedCEK, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return cek, nil
}

// CEKEnvelope is the on-wire shape of one ColumnEncryptionKeyValue's
// encrypted blob: `version:u8=0x01 | key_path_len:u16_le | key_path:utf16le
// | cipher_len:u16_le | rsa_oaep_ciphertext`.
type CEKEnvelope struct {
	KeyPath    string
	Ciphertext []byte
}

// ParseCEKEnvelope decodes the envelope layout; it does not itself unwrap
// the RSA ciphertext.
func ParseCEKEnvelope(b []byte) (CEKEnvelope, error) {
	if len(b) < 1+2 {
		return CEKEnvelope{}, errors.New("aead: truncated CEK envelope")
	}
	if b[0] != version {
		return CEKEnvelope{}, errors.New("aead: unsupported CEK envelope version")
	}
	pos := 1
	pathLen := int(binary.LittleEndian.Uint16(b[pos:]))
	pos += 2
	pathBytes := pathLen * 2
	if len(b) < pos+pathBytes+2 {
		return CEKEnvelope{}, errors.New("aead: truncated CEK envelope key path")
	}
	keyPath := utf16leToString(b[pos : pos+pathBytes])
	pos += pathBytes
	cipherLen := int(binary.LittleEndian.Uint16(b[pos:]))
	pos += 2
	if len(b) < pos+cipherLen {
		return CEKEnvelope{}, errors.New("aead: truncated CEK envelope ciphertext")
	}
	return CEKEnvelope{KeyPath: keyPath, Ciphertext: b[pos : pos+cipherLen]}, nil
}

func utf16leToString(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return string(utf16Decode(units))
}

// utf16Decode is a minimal UTF-16 -> rune decoder, kept local so this
// package has no dependency beyond the standard library (the driver
// package's own transcoding uses golang.org/x/text/encoding/unicode; this
// package is intentionally self-contained per DESIGN.md).
func utf16Decode(units []uint16) []rune {
	var out []rune
	for i := 0; i < len(units); i++ {
		r := units[i]
		if r >= 0xD800 && r <= 0xDBFF && i+1 < len(units) {
			r2 := units[i+1]
			if r2 >= 0xDC00 && r2 <= 0xDFFF {
				out = append(out, (rune(r-0xD800)<<10|rune(r2-0xDC00))+0x10000)
				i++
				continue
			}
		}
		out = append(out, rune(r))
	}
	return out
}
