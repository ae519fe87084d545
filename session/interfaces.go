package session

// Transport moves raw bytes for one session. All three operations only
// issue an asynchronous request and return; the real outcome surfaces
// later through the Events callbacks. A transport must deliver callbacks
// one at a time, never concurrently.
type Transport interface {
	// Connect starts an asynchronous dial. Completion is reported via
	// OnConnected, failure via OnClosed.
	Connect(addr string) error

	// Send queues b for transmission. The transport owns b until it hands
	// it back through OnSendCompleted.
	Send(b []byte) error

	// Close requests teardown. The session observes it via OnClosed.
	Close() error
}

// Events is the callback surface a Transport drives. *Session implements it.
type Events interface {
	OnConnected()
	OnReceived(b []byte)
	OnSendCompleted(b []byte)
	OnClosed()
}

// EngineOptions configures a handshake engine instance. The session treats
// these as opaque and passes them straight to the factory.
type EngineOptions struct {
	// ServerName is the hostname used for SNI and certificate verification.
	ServerName string

	// CipherSuites restricts the offered cipher suites. Nil means the
	// engine's defaults.
	CipherSuites []uint16

	// NextProtos lists ALPN protocols in preference order.
	NextProtos []string

	// InsecureSkipVerify disables certificate chain and hostname checks.
	InsecureSkipVerify bool
}

// EngineFactory allocates a handshake engine for one connection attempt.
type EngineFactory func(opts EngineOptions) (HandshakeEngine, error)

// HandshakeEngine executes the TLS handshake protocol. The session owns the
// handle exclusively and destroys it the moment the handshake completes or
// fails.
type HandshakeEngine interface {
	// ProduceFlight returns the next outbound handshake bytes, or nil when
	// there is nothing to send right now.
	ProduceFlight() ([]byte, error)

	// Consume feeds inbound bytes to the engine and reports how many were
	// eaten. Trailing partial messages are not an error: the engine returns
	// what it consumed so far and waits for more data.
	Consume(b []byte) (int, error)

	// Complete reports whether the handshake has finished, including the
	// final outbound flight having been drained via ProduceFlight.
	Complete() bool

	// Cipher returns the negotiated record cipher. Valid only once
	// Complete is true.
	Cipher() (Cipher, error)

	// Close releases the engine's resources.
	Close()
}

// Cipher is the negotiated symmetric context for application-phase records.
type Cipher interface {
	// MaxChunkLen is the largest cleartext chunk one record may carry.
	MaxChunkLen() int

	// RecordLen returns the full wire size of a record carrying
	// cleartextLen bytes, including header and AEAD overhead.
	RecordLen(cleartextLen int) int

	// EncryptRecord appends one application-data record carrying cleartext
	// to dst and returns the resulting slice.
	EncryptRecord(dst, cleartext []byte) ([]byte, error)

	// NewParser returns a parser for inbound records protected by the
	// peer's half of this cipher.
	NewParser() RecordParser
}

// Record is one parsed inbound TLS record: its content type and decrypted
// payload. The payload is only valid for the duration of the delivering
// callback.
type Record struct {
	Type    byte
	Payload []byte
}

// RecordParser extracts complete records from a receive buffer. The parser
// keeps decrypt state (sequence numbers) across calls, but every call starts
// at the front of buf.
type RecordParser interface {
	// Next parses the next complete record from buf. It returns a nil
	// record when buf does not yet hold a complete one; consumed reports
	// how many bytes of buf were advanced past.
	Next(buf []byte) (rec *Record, consumed int, err error)
}

// Consumer is the upper layer receiving cleartext and lifecycle signals.
type Consumer interface {
	// OnConnect is invoked exactly once when the session reaches
	// StateConnected. Returning an error tears the session down.
	OnConnect() error

	// OnReceived delivers decrypted application data. The slice must not be
	// retained beyond the call. Returning an error tears the session down.
	OnReceived(cleartext []byte) error

	// OnClose is invoked exactly once per connection when the session
	// returns to StateClosed, regardless of what triggered the teardown.
	OnClose()
}

// TLS record content types (RFC 8446, section 5.1).
const (
	ContentTypeChangeCipherSpec = 20
	ContentTypeAlert            = 21
	ContentTypeHandshake        = 22
	ContentTypeApplicationData  = 23
)
