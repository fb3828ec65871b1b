package mssql

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/praxiomlabs/go-mssqldb/aead"
)

// logFlags is a bitmask controlling which categories of diagnostic output
// the session's *log.Logger receives (sess.logFlags&logDebug, etc.).
type logFlags uint64

const (
	logErrors            logFlags = 1 << iota // errors returned by the database
	logMessages                               // messages/INFO from the database
	logRows                                   // every row (as it is scanned)
	logSQL                                    // SQL statements sent to the server
	logParamTypeMismatch                      // parameter type mismatches
	logTransaction                           // begin/commit/rollback
	logDebug                                  // verbose protocol tracing
	logRetries                                // transparent retry attempts
)

// sessionState is the connection's place in its lifecycle:
// Disconnected -> Connecting -> Ready -> InTransaction -> Ready -> Closed.
type sessionState int32

const (
	stateDisconnected sessionState = iota
	stateConnecting
	stateReady
	stateInTransaction
	stateClosed
)

// tdsVersion identifies the negotiated TDS protocol version, carried
// authoritatively by LOGINACK (never by PreLogin's VERSION field, which
// instead reports the server's product version).
type tdsVersion uint32

const (
	verTDS70  tdsVersion = 0x70000000
	verTDS71  tdsVersion = 0x71000000
	verTDS71rev1 tdsVersion = 0x71000001
	verTDS72  tdsVersion = 0x72090002
	verTDS73A tdsVersion = 0x730A0003
	verTDS73B tdsVersion = 0x730B0003
	verTDS74  tdsVersion = 0x74000004
	verTDS80  tdsVersion = 0x80000000 // strict TLS-first mode, not a wire-negotiated version
)

// tdsSession holds everything about a single, live TDS connection: the
// split-duplex transport/codec, negotiated versions, and the mutable
// session-level state (database, transaction descriptor, routing info)
// that ENVCHANGE tokens update as a request streams back.
type tdsSession struct {
	buf *tdsBuffer

	logFlags logFlags
	log      *log.Logger

	tdsVersion    tdsVersion
	packetSize    int
	database      string
	partner       string
	serverVersion string

	// Always Encrypted
	alwaysEncrypted         bool
	alwaysEncryptedSettings *alwaysEncryptedSettings

	// cekCache holds this connection's derived Always-Encrypted sub-keys,
	// keyed by (database, CEK id, CEK version), so repeat access to the
	// same encrypted column skips the RSA-OAEP CEK unwrap.
	cekCache *aead.Cache

	// transaction state
	tranid              uint64
	inExplicitTransaction bool

	// Azure SQL routing
	routedServer string
	routedPort   uint16

	// feature acknowledgements recorded from FEATUREEXTACK
	features featureExtAck

	// last columns seen, used by iterateResponse/statement cache bookkeeping
	columns []columnStruct

	// return status of the most recently completed RPC
	returnStatus ReturnStatus

	// needsReset is set by the pool when handing back a connection that
	// should ride sp_reset_connection on the caller's next request.
	needsReset bool

	// stmtCache holds this connection's server-assigned prepared-statement
	// handles; invalidated wholesale on reset since handles don't survive
	// sp_reset_connection.
	stmtCache *statementCache

	state sessionState
}

func (s *tdsSession) setReturnStatus(rs ReturnStatus) {
	s.returnStatus = rs
}

// Close releases the transport. It satisfies mssqlpool.Conn so a *tdsSession
// can be pooled directly by mssqlpool.Pool.
func (s *tdsSession) Close() error {
	s.state = stateClosed
	return s.buf.Close()
}

// InTransaction satisfies mssqlpool.Resettable: the pool must discard a
// connection returned while in an explicit transaction rather than hand it
// to the next caller.
func (s *tdsSession) InTransaction() bool {
	return s.inExplicitTransaction
}

// MarkNeedsReset satisfies mssqlpool.Resettable: the next request issued on
// this session rides RESET_CONNECTION on its first packet.
func (s *tdsSession) MarkNeedsReset() {
	s.needsReset = true
	s.stmtCache.clear()
}

// ksAuth identifies how a key store's credentials are supplied.
type ksAuth int

const (
	// PFXKeystoreAuth loads a PKCS#12 (.pfx) file protected by a passphrase.
	PFXKeystoreAuth ksAuth = iota
)

// alwaysEncryptedSettings carries the Column Master Key material needed to
// unwrap Column Encryption Keys referenced by encrypted columns.
type alwaysEncryptedSettings struct {
	ksLocation string
	ksAuth     ksAuth
	ksSecret   string

	pKey interface{} // *rsa.PrivateKey once loaded
	cert interface{} // *x509.Certificate once loaded
}

// Connect performs the full connect sequence:
// TCP dial -> (PreLogin [-> TLS]) -> Login7 -> LOGINACK, following Azure SQL
// routing redirects up to maxRedirects levels deep.
func Connect(ctx context.Context, cfg *Config) (*tdsSession, error) {
	const maxRedirectsDefault = 2
	maxRedirects := cfg.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = maxRedirectsDefault
	}

	host, port := cfg.Host, cfg.Port
	for attempt := 0; ; attempt++ {
		if attempt > maxRedirects {
			return nil, TooManyRedirectsError{Max: maxRedirects}
		}
		sess, redirectHost, redirectPort, err := connectOnce(ctx, cfg, host, port)
		if err != nil {
			return nil, err
		}
		if redirectHost == "" {
			return sess, nil
		}
		sess.buf.Close()
		host, port = redirectHost, redirectPort
	}
}

func connectOnce(ctx context.Context, cfg *Config, host string, port int) (*tdsSession, string, uint16, error) {
	dialer := net.Dialer{Timeout: cfg.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, "", 0, LoginError{Detail: "tcp dial", Err: err}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	var transport net.Conn = conn

	strict := cfg.Encryption == EncryptStrict
	if strict {
		// TDS 8.0 strict mode: TLS wraps the raw socket before any TDS
		// traffic at all — no separate pre-TLS PreLogin exchange.
		tlsConn := tls.Client(transport, cfg.tlsConfig(host))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, "", 0, LoginError{Detail: "strict TLS handshake", Err: err}
		}
		transport = tlsConn
	}

	buf := newTdsBuffer(defaultPacketSize, transport)

	preloginReq := buildPreLogin(cfg, strict)
	if err := buf.sendMessage(packPrelogin, preloginReq, false); err != nil {
		conn.Close()
		return nil, "", 0, LoginError{Detail: "send prelogin", Err: err}
	}
	respBytes, err := readFullMessage(buf, packReply)
	if err != nil {
		conn.Close()
		return nil, "", 0, LoginError{Detail: "read prelogin response", Err: err}
	}
	preloginResp, err := parsePreLogin(respBytes)
	if err != nil {
		conn.Close()
		return nil, "", 0, LoginError{Detail: "parse prelogin response", Err: err}
	}

	if !strict {
		wantsTLS := preloginResp.Encryption == EncryptOn || preloginResp.Encryption == EncryptRequired ||
			cfg.Encryption == EncryptRequired
		if wantsTLS {
			tlsConn := tls.Client(transport, cfg.tlsConfig(host))
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, "", 0, LoginError{Detail: "mid-handshake TLS", Err: err}
			}
			transport = tlsConn
			buf.transport = transport
		}
	}

	sess := &tdsSession{
		buf:        buf,
		logFlags:   cfg.LogFlags,
		log:        cfg.logger(),
		packetSize: defaultPacketSize,
		state:      stateConnecting,
		stmtCache:  newStatementCache(defaultStatementCacheSize),
		cekCache:   aead.NewCache(aead.DefaultTTL),
	}

	login := buildLogin7(cfg)
	loginPayload := encodeLogin7(login)
	if err := buf.sendMessage(packLogin7, loginPayload, false); err != nil {
		conn.Close()
		return nil, "", 0, LoginError{Detail: "send login7", Err: err}
	}

	if err := runLoginResponseLoop(sess); err != nil {
		conn.Close()
		return nil, "", 0, err
	}

	if sess.routedServer != "" {
		return sess, sess.routedServer, sess.routedPort, nil
	}

	sess.state = stateReady
	return sess, "", 0, nil
}

// runLoginResponseLoop drains the LOGINACK token stream, applying every
// ENVCHANGE it sees and stopping at DONE.
func runLoginResponseLoop(sess *tdsSession) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if se, ok := r.(StreamError); ok {
				err = se
				return
			}
			err = fmt.Errorf("mssql: login response: %v", r)
		}
	}()

	pt, rerr := sess.buf.BeginRead()
	if rerr != nil {
		return LoginError{Detail: "read login response", Err: rerr}
	}
	if pt != packReply {
		return LoginError{Detail: fmt.Sprintf("unexpected packet type %d in login response", pt)}
	}

	for {
		tok := token(sess.buf.byte())
		switch tok {
		case tokenLoginAck:
			ack := parseLoginAck(sess.buf)
			sess.tdsVersion = tdsVersion(ack.TDSVersion)
			sess.serverVersion = ack.ProgName
		case tokenFeatureExtAck:
			sess.features = parseFeatureExtAck(sess.buf)
		case tokenEnvChange:
			processEnvChg(sess)
		case tokenInfo:
			info := parseInfo(sess.buf)
			if sess.logFlags&logMessages != 0 {
				sess.log.Println(info.Message)
			}
		case tokenError:
			e := parseError72(sess.buf)
			return LoginError{Detail: e.Message}
		case tokenDone, tokenDoneProc:
			done := parseDone(sess.buf)
			if done.Status&doneMore == 0 {
				return nil
			}
		case tokenSSPI:
			_ = parseSSPIMsg(sess.buf)
		default:
			return LoginError{Detail: fmt.Sprintf("unexpected token 0x%02x during login", byte(tok))}
		}
	}
}

// readFullMessage drains packets of the given type until END_OF_MESSAGE and
// returns the concatenated payload — used only for the PreLogin exchange,
// which is decoded as a single flat buffer rather than through the token
// decoder.
func readFullMessage(buf *tdsBuffer, want packetType) ([]byte, error) {
	pt, err := buf.BeginRead()
	if err != nil {
		return nil, err
	}
	if pt != want {
		return nil, fmt.Errorf("mssql: unexpected packet type %d, wanted %d", pt, want)
	}
	var out []byte
	for {
		out = append(out, buf.rbuf[buf.rpos:buf.rsize]...)
		buf.rpos = buf.rsize
		if buf.final {
			return out, nil
		}
		if _, err := buf.readNextPacket(); err != nil {
			return nil, err
		}
	}
}

func (cfg *Config) dialTimeout() time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return 15 * time.Second
}

func (cfg *Config) tlsConfig(host string) *tls.Config {
	c := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: cfg.TrustServerCertificate,
	}
	return c
}

func (cfg *Config) logger() *log.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return log.New(os.Stderr, "mssql: ", log.LstdFlags)
}
