package mssql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateSavepointNameAccepted(t *testing.T) {
	names := []string{"sp1", "_sp", "sp_1", "sp@", "sp#", "sp$"}
	for _, n := range names {
		require.NoError(t, validateSavepointName(n), n)
	}
}

func TestValidateSavepointNameRejected(t *testing.T) {
	names := []string{
		"",
		"1sp",                // can't start with a digit
		"sp name",            // no spaces
		"sp'; DROP TABLE t;", // injection attempt
		"sp-name",            // hyphen not allowed
	}
	for _, n := range names {
		require.Error(t, validateSavepointName(n), n)
	}
}

func TestValidateSavepointNameLengthLimit(t *testing.T) {
	ok := make([]byte, 128)
	for i := range ok {
		ok[i] = 'a'
	}
	require.NoError(t, validateSavepointName(string(ok)))

	tooLong := make([]byte, 129)
	for i := range tooLong {
		tooLong[i] = 'a'
	}
	require.Error(t, validateSavepointName(string(tooLong)))
}
