package mssql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDbOperationExtractsFirstKeyword(t *testing.T) {
	cases := map[string]string{
		"select * from t":          "SELECT",
		"  INSERT INTO t VALUES(1)": "INSERT",
		"update\tt set a=1":         "UPDATE",
		"DELETE":                    "DELETE",
	}
	for sql, want := range cases {
		require.Equal(t, want, dbOperation(sql))
	}
}

func TestSanitizeStatementReplacesLiterals(t *testing.T) {
	got := sanitizeStatement("SELECT * FROM t WHERE id = 42 AND name = 'O''Brien'")
	require.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?", got)
}

func TestSanitizeStatementTruncatesLongInput(t *testing.T) {
	long := make([]byte, maxSanitizedStatementLen+100)
	for i := range long {
		long[i] = 'a'
	}
	got := sanitizeStatement(string(long))
	require.LessOrEqual(t, len(got), maxSanitizedStatementLen)
}

func TestNoopHooksSatisfiesInterface(t *testing.T) {
	var h Hooks = NoopHooks{}
	h.OnConnect(Attributes{}, nil)
	h.OnRequest(Attributes{}, nil)
	h.OnRowBatch(Attributes{}, 0)
	h.OnTransactionEnd(Attributes{}, true, nil)
	h.OnError(Attributes{}, nil)
	h.OnPoolCheckout(Attributes{}, nil)
	h.OnPoolReturn(Attributes{})
}
