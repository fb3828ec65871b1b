package mssql

import (
	"testing"

	"github.com/praxiomlabs/go-mssqldb/msdsn"
	"github.com/stretchr/testify/require"
)

func TestConfigValidateAcceptsZeroPacketSize(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
}

func TestConfigValidateRejectsOutOfRangePacketSize(t *testing.T) {
	cfg := &Config{PacketSize: 100}
	require.Error(t, cfg.Validate())

	cfg = &Config{PacketSize: 1 << 20}
	require.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsNegativeMaxRedirects(t *testing.T) {
	cfg := &Config{MaxRedirects: -1}
	require.Error(t, cfg.Validate())
}

func TestConfigFromDSNTranslatesEncryptMode(t *testing.T) {
	cases := map[msdsn.Encrypt]EncryptMode{
		msdsn.EncryptStrict: EncryptStrict,
		msdsn.EncryptOff:    EncryptOff,
		msdsn.EncryptOn:     EncryptOn,
	}
	for raw, want := range cases {
		parsed := msdsn.Config{Host: "db01", Port: 1433, Encrypt: raw}
		cfg, err := configFromDSN(parsed)
		require.NoError(t, err)
		require.Equal(t, want, cfg.Encryption)
	}
}
