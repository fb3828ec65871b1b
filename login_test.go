package mssql

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestObfuscatePasswordPinnedVector locks in the exact nibble-swap-then-XOR
// byte the wire format requires: obfuscate("a") == 0xB3 0xA5.
func TestObfuscatePasswordPinnedVector(t *testing.T) {
	out := obfuscatePassword("a")
	require.Equal(t, []byte{0xB3, 0xA5}, out)
}

func TestObfuscateDeobfuscateRoundTrip(t *testing.T) {
	pw := "tr0ub4dor&3"
	obfuscated := obfuscatePassword(pw)
	require.Equal(t, pw, deobfuscatePassword(obfuscated))
}

func TestEncodeLogin7FixedHeaderLength(t *testing.T) {
	l := buildLogin7(&Config{Host: "db01", User: "sa", Password: "s3cret", Database: "mydb"})
	wire := encodeLogin7(l)
	require.GreaterOrEqual(t, len(wire), 94)

	total := binary.LittleEndian.Uint32(wire[0:4])
	require.Equal(t, uint32(len(wire)), total)
}

func TestEncodeLogin7OptionFlagsRoundTrip(t *testing.T) {
	l := buildLogin7(&Config{})
	wire := encodeLogin7(l)
	require.Equal(t, l.OptionFlags1, wire[24])
	require.Equal(t, l.OptionFlags2, wire[25])
	require.Equal(t, l.TypeFlags, wire[26])
	require.Equal(t, l.OptionFlags3, wire[27])
}

func TestBuildLogin7DefaultsAppName(t *testing.T) {
	l := buildLogin7(&Config{})
	require.Equal(t, "go-mssqldb", l.AppName)
}

func TestBuildLogin7AlwaysEncryptedSetsExtensionFlag(t *testing.T) {
	l := buildLogin7(&Config{AlwaysEncrypted: true})
	require.NotZero(t, l.OptionFlags3&lf3ExtensionUsed)
	require.NotEmpty(t, l.FeatureExt)
}

func TestBuildLogin7DefaultsTDSVersion(t *testing.T) {
	l := buildLogin7(&Config{})
	require.Equal(t, verTDS74, l.TDSVersion)
}
