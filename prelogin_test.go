package mssql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildPreLoginEncryptionOptions(t *testing.T) {
	cfg := &Config{Encryption: EncryptOn}
	wire := buildPreLogin(cfg, false)
	msg, err := parsePreLogin(wire)
	require.NoError(t, err)
	require.Equal(t, EncryptOn, msg.Encryption)
}

func TestBuildPreLoginStrictForcesEncryptRequired(t *testing.T) {
	cfg := &Config{Encryption: EncryptStrict}
	wire := buildPreLogin(cfg, true)
	msg, err := parsePreLogin(wire)
	require.NoError(t, err)
	require.Equal(t, EncryptRequired, msg.Encryption)
}

func TestBuildPreLoginMARSFlag(t *testing.T) {
	wire := buildPreLogin(&Config{MARS: true}, false)
	msg, err := parsePreLogin(wire)
	require.NoError(t, err)
	require.True(t, msg.MARS)

	wire = buildPreLogin(&Config{MARS: false}, false)
	msg, err = parsePreLogin(wire)
	require.NoError(t, err)
	require.False(t, msg.MARS)
}

func TestParsePreLoginRejectsMissingTerminator(t *testing.T) {
	_, err := parsePreLogin([]byte{byte(preloginVERSION), 0, 0, 0, 0})
	require.Error(t, err)
}

func TestParsePreLoginRejectsOutOfRangeOption(t *testing.T) {
	buf := []byte{
		byte(preloginVERSION), 0, 100, 0, 6, // offset way beyond buffer
		byte(preloginTERMINATOR),
	}
	_, err := parsePreLogin(buf)
	require.Error(t, err)
}

func TestEncodePreLoginRoundTripsNonce(t *testing.T) {
	fields := preloginFields{
		preloginVERSION: make([]byte, 6),
		preloginNONCE:   []byte("0123456789012345678901234567890123456789"),
	}
	wire := encodePreLogin(fields)
	msg, err := parsePreLogin(wire)
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789012345678901234567890123456789"), msg.Nonce)
}
