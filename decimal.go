package mssql

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// readDecimalNValue decodes a DECIMALN/NUMERICN value: a 1-byte length (0
// means NULL), a 1-byte sign (0 = negative, 1 = positive), and a
// little-endian unsigned integer magnitude filling the remaining bytes,
// scaled by the column's Scale.
func readDecimalNValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	size := int(r.byte())
	if size == 0 {
		return nil
	}
	return decodeDecimalBytes(r, size, ti.Precision, ti.Scale)
}

func decodeDecimalBytes(r *tdsBuffer, size int, _ uint8, scale uint8) decimal.Decimal {
	sign := r.byte()
	magnitude := make([]byte, size-1)
	r.ReadFull(magnitude)

	// The magnitude is little-endian; big.Int wants big-endian bytes.
	be := make([]byte, len(magnitude))
	for i, b := range magnitude {
		be[len(magnitude)-1-i] = b
	}

	v := new(big.Int).SetBytes(be)
	if sign == 0 {
		v.Neg(v)
	}
	return decimal.NewFromBigInt(v, -int32(scale))
}

// encodeDecimalNValue encodes a decimal.Decimal into wire DECIMALN form for
// the given precision/scale, matching the parameter-encoding direction of
// readDecimalNValue.
func encodeDecimalNValue(d decimal.Decimal, precision, scale uint8) []byte {
	rescaled := d.Rescale(-int32(scale))
	coeff := rescaled.Coefficient()

	sign := byte(1)
	if coeff.Sign() < 0 {
		sign = 0
		coeff = new(big.Int).Neg(coeff)
	}

	be := coeff.Bytes()
	le := make([]byte, len(be))
	for i, b := range be {
		le[len(be)-1-i] = b
	}

	width := decimalByteWidth(precision)
	if len(le) < width-1 {
		padded := make([]byte, width-1)
		copy(padded, le)
		le = padded
	}

	out := make([]byte, 0, 2+len(le))
	out = append(out, byte(1+len(le)))
	out = append(out, sign)
	out = append(out, le...)
	return out
}

// decimalByteWidth returns the magnitude width (in bytes, including the sign
// byte) the server expects for a given DECIMALN precision.
func decimalByteWidth(precision uint8) int {
	switch {
	case precision <= 9:
		return 5
	case precision <= 19:
		return 9
	case precision <= 28:
		return 13
	default:
		return 17
	}
}
