// Package session drives a TLS client connection as a callback-based state
// machine: connect, handshake, then steady-state encrypted record exchange
// over an arbitrary asynchronous transport. The handshake protocol and the
// record cipher themselves are pluggable (see HandshakeEngine and Cipher);
// the session owns the interleaving of lifecycle, handshake progress and
// partial-record buffering.
package session

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State identifies the session's position in the connection lifecycle.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateHandshaking
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config wires a Session to its collaborators.
type Config struct {
	Transport Transport
	Consumer  Consumer
	Engine    EngineFactory

	// Logger is optional; a no-op logger is used when nil.
	Logger *zap.Logger
}

// Session is one logical TLS client connection. It is not safe for
// concurrent use: the bound transport must deliver at most one callback at a
// time, and Connect/Send/Close must be called from the same goroutine that
// runs those callbacks (or be otherwise serialized with them).
type Session struct {
	id        string
	state     State
	transport Transport
	consumer  Consumer
	newEngine EngineFactory

	// handshake is present iff state is Connecting or Handshaking.
	handshake HandshakeEngine
	// cipher and parser are valid iff state is Connected.
	cipher Cipher
	parser RecordParser

	staging stagingBuffer
	logger  *zap.Logger
}

// New creates a session in StateClosed.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session config: transport is required")
	}
	if cfg.Consumer == nil {
		return nil, fmt.Errorf("session config: consumer is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("session config: engine factory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		id:        id,
		state:     StateClosed,
		transport: cfg.Transport,
		consumer:  cfg.Consumer,
		newEngine: cfg.Engine,
		logger:    logger.With(zap.String("session_id", id)),
	}, nil
}

// ID returns the session's identifier, carried on every log line.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Connect allocates a handshake engine and starts an asynchronous dial.
// Valid only in StateClosed.
func (s *Session) Connect(addr string, opts EngineOptions) error {
	if s.state != StateClosed {
		return &InvalidStateError{Op: "connect", State: s.state}
	}

	hs, err := s.newEngine(opts)
	if err != nil {
		return fmt.Errorf("handshake engine init: %w", err)
	}

	if err := s.transport.Connect(addr); err != nil {
		hs.Close()
		return fmt.Errorf("transport connect: %w", err)
	}

	s.handshake = hs
	s.state = StateConnecting
	s.logger.Info("connecting", zap.String("addr", addr))
	return nil
}

// Send encrypts b as one or more application-data records and queues them on
// the transport. Valid only in StateConnected; in any other state it fails
// with an InvalidStateError and performs no I/O.
//
// An encryption or queueing failure tears the session down and aborts the
// remaining chunks; the caller additionally observes it via OnClose.
func (s *Session) Send(b []byte) error {
	if s.state != StateConnected {
		return &InvalidStateError{Op: "send", State: s.state}
	}

	maxChunk := s.cipher.MaxChunkLen()
	for len(b) > 0 {
		chunk := b
		if len(chunk) > maxChunk {
			chunk = b[:maxChunk]
		}
		b = b[len(chunk):]

		out := make([]byte, 0, s.cipher.RecordLen(len(chunk)))
		record, err := s.cipher.EncryptRecord(out, chunk)
		if err != nil {
			s.logger.Error("record encrypt failed", zap.Error(err))
			s.teardown()
			return fmt.Errorf("record encrypt: %w", err)
		}

		// The transport owns record until OnSendCompleted hands it back.
		if err := s.transport.Send(record); err != nil {
			s.logger.Error("transport send failed", zap.Error(err))
			s.teardown()
			return fmt.Errorf("transport send: %w", err)
		}
	}
	return nil
}

// Close requests transport shutdown. State changes only once the transport
// reports back through OnClosed, so every teardown path converges there.
func (s *Session) Close() error {
	return s.transport.Close()
}

// OnConnected is the transport's connect-completion callback.
func (s *Session) OnConnected() {
	if s.state != StateConnecting {
		s.logger.Warn("unexpected connect completion", zap.Stringer("state", s.state))
		return
	}
	s.state = StateHandshaking
	s.logger.Debug("transport connected, starting handshake")
	s.sendHandshakeFlight()
}

// OnReceived is the transport's inbound-data callback. Bytes arrive at
// arbitrary granularity: partial records, several records at once, or
// zero-length heartbeats, all of which are tolerated. This is the single
// re-entry point that puts handshake-phase and data-phase parsing behind one
// buffering discipline.
func (s *Session) OnReceived(b []byte) {
	if s.state != StateHandshaking && s.state != StateConnected {
		s.logger.Debug("dropping bytes outside handshake/data phase",
			zap.Stringer("state", s.state), zap.Int("bytes", len(b)))
		return
	}

	view := s.staging.Append(b)

	var n int
	if s.handshake != nil {
		n = s.consumeHandshake(view)
	} else {
		n = s.decryptRecords(view)
	}

	s.staging.Set(view[n:])
}

// OnSendCompleted is the transport's send-completion callback, handing back
// the exact buffer that was queued. During the handshake a completed send
// can itself finish the handshake (the final flight needs no reply), so the
// completion check runs here too. In steady state the buffer's ownership
// simply ends and the garbage collector reclaims it.
func (s *Session) OnSendCompleted(buf []byte) {
	_ = buf
	if s.state == StateHandshaking {
		s.checkHandshakeDone()
	}
}

// OnClosed is the transport's teardown callback and the single place the
// session returns to StateClosed, whatever caused the shutdown.
func (s *Session) OnClosed() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if s.handshake != nil {
		s.handshake.Close()
		s.handshake = nil
	}
	s.cipher = nil
	s.parser = nil
	s.staging.Set(nil)
	s.logger.Info("session closed")
	s.consumer.OnClose()
}

// sendHandshakeFlight asks the engine for its next outbound flight and
// queues it. Engine errors never escape: they convert to teardown.
func (s *Session) sendHandshakeFlight() {
	flight, err := s.handshake.ProduceFlight()
	if err != nil {
		s.logger.Error("handshake flight failed", zap.Error(err))
		s.teardown()
		return
	}
	if flight == nil {
		return
	}
	s.logger.Debug("sending handshake flight", zap.Int("bytes", len(flight)))
	if err := s.transport.Send(flight); err != nil {
		s.logger.Error("transport send failed", zap.Error(err))
		s.teardown()
	}
}

// consumeHandshake feeds accumulated bytes to the engine and returns how
// many were consumed. Partial messages are expected and simply wait for more
// data; any real engine error closes the connection.
func (s *Session) consumeHandshake(view []byte) int {
	n, err := s.handshake.Consume(view)
	if err != nil {
		s.logger.Error("handshake failed", zap.Error(err))
		s.teardown()
		return 0
	}

	s.checkHandshakeDone()

	// The handshake may need another outbound flight before it can finish,
	// so a receive can trigger a further send.
	if s.state == StateHandshaking && s.handshake != nil {
		s.sendHandshakeFlight()
	}
	return n
}

// checkHandshakeDone promotes the session to StateConnected once the engine
// reports completion: the negotiated cipher replaces the engine handle and
// the consumer is notified exactly once.
func (s *Session) checkHandshakeDone() {
	if s.state != StateHandshaking || s.handshake == nil || !s.handshake.Complete() {
		return
	}

	cipher, err := s.handshake.Cipher()
	if err != nil {
		// A complete handshake without a cipher is an engine invariant
		// violation, not a recoverable condition.
		s.logger.Error("handshake complete but no cipher", zap.Error(err))
		s.teardown()
		return
	}

	s.handshake.Close()
	s.handshake = nil
	s.cipher = cipher
	s.parser = cipher.NewParser()
	s.state = StateConnected
	s.logger.Info("session established")

	if err := s.consumer.OnConnect(); err != nil {
		s.logger.Error("consumer rejected connect", zap.Error(err))
		s.teardown()
	}
}

// decryptRecords drains every complete record from view, dispatching on
// content type, and returns how many input bytes were fully consumed. A
// trailing partial record stays unconsumed for the caller to retain.
func (s *Session) decryptRecords(view []byte) int {
	n := 0
	for {
		rec, consumed, err := s.parser.Next(view[n:])
		if err != nil {
			s.logger.Error("record decrypt failed", zap.Error(err))
			s.teardown()
			return 0
		}
		if rec == nil {
			return n
		}
		n += consumed

		switch rec.Type {
		case ContentTypeApplicationData:
			if err := s.consumer.OnReceived(rec.Payload); err != nil {
				s.logger.Error("consumer rejected data", zap.Error(err))
				s.teardown()
				return n
			}

		case ContentTypeHandshake:
			// Post-handshake messages (NewSessionTicket, KeyUpdate) are
			// consumed but not acted on. Logged loudly rather than skipped
			// silently; a peer-initiated KeyUpdate will make subsequent
			// records fail to decrypt and close the session.
			s.logger.Warn("dropping post-handshake message", zap.Int("bytes", len(rec.Payload)))

		case ContentTypeAlert:
			s.logger.Info("alert received, closing", zap.Binary("alert", rec.Payload))
			s.teardown()
			return n

		default:
			s.logger.Error("unexpected record type", zap.Uint8("type", rec.Type))
			s.teardown()
			return 0
		}
	}
}

// teardown requests transport shutdown; the state change happens later in
// OnClosed so that explicit closes, fatal errors and peer closes all report
// through the same path.
func (s *Session) teardown() {
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("transport close failed", zap.Error(err))
	}
}
