package mssql

import (
	"fmt"
)

// Error represents an error or informational message returned by the server
// inside an ERROR (0xAA) or INFO (0xAB) token.
//
// http://msdn.microsoft.com/en-us/library/dd304156.aspx
type Error struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNo     int32
}

func (e Error) Error() string {
	return "mssql: " + e.Message
}

// SQLErrorNumber returns the server-assigned error number, matching the
// convention expected by database/sql callers that type-assert errors.
func (e Error) SQLErrorNumber() int32 {
	return e.Number
}

// SQLErrorState returns the one-byte state code the server sent with the
// error.
func (e Error) SQLErrorState() uint8 {
	return e.State
}

// SQLErrorClass returns the severity class. Class 17-24 is a fatal server
// error, 11-16 is a user error, and anything below 11 is informational.
func (e Error) SQLErrorClass() uint8 {
	return e.Class
}

// Fatal reports whether this error terminates the connection.
func (e Error) Fatal() bool {
	return e.Class >= 17
}

// ReturnStatus is the integer status code returned by RETURNSTATUS (0x79),
// typically the return value of a stored procedure.
type ReturnStatus int32

// StreamError wraps a protocol-level decode failure detected while parsing
// the token stream. It is raised internally via badStreamPanic and recovered
// at the token-processing goroutine boundary, never propagated as a raw
// panic to callers.
type StreamError struct {
	Detail string
	Err    error
}

func (e StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mssql: protocol error: %s: %v", e.Detail, e.Err)
	}
	return "mssql: protocol error: " + e.Detail
}

func (e StreamError) Unwrap() error { return e.Err }

func badStreamPanic(err error) {
	panic(StreamError{Detail: "unexpected value in the stream", Err: err})
}

func badStreamPanicf(format string, args ...interface{}) {
	panic(StreamError{Detail: fmt.Sprintf(format, args...)})
}

// IncompletePacketError is returned by readNextPacket when EOF occurs before a
// complete header+payload has been consumed.
type IncompletePacketError struct {
	WantedBytes int
	GotBytes    int
}

func (e IncompletePacketError) Error() string {
	return fmt.Sprintf("mssql: incomplete packet: wanted %d bytes, got %d", e.WantedBytes, e.GotBytes)
}

// ConnectionClosedError indicates the transport was closed, possibly mid
// message, and any buffered partial message is now unrecoverable.
type ConnectionClosedError struct {
	DuringMessage bool
}

func (e ConnectionClosedError) Error() string {
	if e.DuringMessage {
		return "mssql: connection closed while assembling a message"
	}
	return "mssql: connection closed"
}

// InvalidFieldError reports a field that decoded to a value the protocol
// does not allow.
type InvalidFieldError struct {
	Field string
	Value interface{}
}

func (e InvalidFieldError) Error() string {
	return fmt.Sprintf("mssql: invalid value for field %s: %v", e.Field, e.Value)
}

// UnknownTokenTypeError is raised when the decoder encounters a token byte
// it does not recognize.
type UnknownTokenTypeError struct {
	TokenType byte
}

func (e UnknownTokenTypeError) Error() string {
	return fmt.Sprintf("mssql: unknown token type 0x%02x", e.TokenType)
}

// LoginError wraps a failure during the PreLogin/TLS/Login7 exchange.
type LoginError struct {
	Detail string
	Err    error
}

func (e LoginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mssql: login failed: %s: %v", e.Detail, e.Err)
	}
	return "mssql: login failed: " + e.Detail
}

func (e LoginError) Unwrap() error { return e.Err }

// TooManyRedirectsError is returned when the number of Azure SQL routing
// ENVCHANGE redirects observed during login exceeds the configured maximum.
type TooManyRedirectsError struct {
	Max int
}

func (e TooManyRedirectsError) Error() string {
	return fmt.Sprintf("mssql: too many routing redirects (max %d)", e.Max)
}

// Type errors, raised by the scalar codec in types.go.

type TypeMismatchError struct {
	Expected, Actual string
}

func (e TypeMismatchError) Error() string {
	return fmt.Sprintf("mssql: type mismatch: expected %s, got %s", e.Expected, e.Actual)
}

type UnexpectedNullError struct{ Column string }

func (e UnexpectedNullError) Error() string {
	return fmt.Sprintf("mssql: unexpected NULL in column %s", e.Column)
}

type BufferTooSmallError struct{ Needed, Available int }

func (e BufferTooSmallError) Error() string {
	return fmt.Sprintf("mssql: buffer too small: needed %d, available %d", e.Needed, e.Available)
}

type InvalidEncodingError struct{ Detail string }

func (e InvalidEncodingError) Error() string { return "mssql: invalid encoding: " + e.Detail }

type InvalidDateTimeError struct{ Detail string }

func (e InvalidDateTimeError) Error() string { return "mssql: invalid datetime: " + e.Detail }

type InvalidBinaryError struct{ Detail string }

func (e InvalidBinaryError) Error() string { return "mssql: invalid binary: " + e.Detail }

type UnsupportedConversionError struct{ From, To string }

func (e UnsupportedConversionError) Error() string {
	return fmt.Sprintf("mssql: unsupported conversion from %s to %s", e.From, e.To)
}

// Encryption errors. DecryptionFailed intentionally carries no
// distinguishing detail between MAC mismatch, version mismatch, and AES
// failure, to avoid providing a padding/MAC oracle to an attacker.

type KeyStoreNotFoundError struct{ Name string }

func (e KeyStoreNotFoundError) Error() string { return "mssql: key store not found: " + e.Name }

type CmkError struct{ Err error }

func (e CmkError) Error() string  { return fmt.Sprintf("mssql: column master key error: %v", e.Err) }
func (e CmkError) Unwrap() error  { return e.Err }

type CekDecryptionFailedError struct{ Err error }

func (e CekDecryptionFailedError) Error() string {
	return fmt.Sprintf("mssql: column encryption key decryption failed: %v", e.Err)
}
func (e CekDecryptionFailedError) Unwrap() error { return e.Err }

// DecryptionFailedError is the single, undifferentiated error surfaced for
// MAC mismatch, unsupported version byte, truncated ciphertext, and AES/PKCS7
// failures alike.
type DecryptionFailedError struct{}

func (e DecryptionFailedError) Error() string { return "mssql: decryption failed" }

type EncryptionFailedError struct{ Err error }

func (e EncryptionFailedError) Error() string { return fmt.Sprintf("mssql: encryption failed: %v", e.Err) }
func (e EncryptionFailedError) Unwrap() error  { return e.Err }

type MetadataNotAvailableError struct{}

func (e MetadataNotAvailableError) Error() string {
	return "mssql: column encryption metadata not available"
}

// Pool errors.

type PoolClosedError struct{}

func (e PoolClosedError) Error() string { return "mssql: pool is closed" }

type PoolTimeoutError struct{}

func (e PoolTimeoutError) Error() string { return "mssql: timed out waiting for a connection" }

type PoolConfigurationError struct{ Detail string }

func (e PoolConfigurationError) Error() string { return "mssql: invalid pool configuration: " + e.Detail }

type PoolConnectionError struct{ Err error }

func (e PoolConnectionError) Error() string { return fmt.Sprintf("mssql: pool connection error: %v", e.Err) }
func (e PoolConnectionError) Unwrap() error  { return e.Err }

// Usage errors.

type InvalidIdentifierError struct{ Detail string }

func (e InvalidIdentifierError) Error() string { return "mssql: invalid identifier: " + e.Detail }

type QueryError struct{ Detail string }

func (e QueryError) Error() string { return "mssql: " + e.Detail }
