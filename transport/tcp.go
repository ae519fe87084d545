package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tls-session/session"
)

// TCP implements session.Transport over a plain TCP connection.
type TCP struct {
	events      session.Events
	logger      *zap.Logger
	dialTimeout time.Duration

	connMu    sync.Mutex
	conn      net.Conn
	disp      *dispatcher
	sendQ     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
}

var _ session.Transport = (*TCP)(nil)

// NewTCP creates an unbound TCP transport. Call Bind before Connect.
func NewTCP(logger *zap.Logger) *TCP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCP{
		logger:      logger,
		dialTimeout: DefaultDialTimeout,
		disp:        newDispatcher(),
		sendQ:       make(chan []byte, 16),
		closed:      make(chan struct{}),
	}
}

// Bind attaches the event sink, normally the *session.Session.
func (t *TCP) Bind(ev session.Events) {
	t.events = ev
}

// Connect starts an asynchronous dial to addr (host:port). A dial failure
// surfaces as OnClosed, success as OnConnected.
func (t *TCP) Connect(addr string) error {
	if t.events == nil {
		return ErrNotBound
	}

	go t.disp.run()
	go func() {
		conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
		if err != nil {
			t.logger.Error("tcp dial failed", zap.String("addr", addr), zap.Error(err))
			t.shutdown()
			return
		}
		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()
		t.logger.Debug("tcp connected", zap.String("addr", addr))
		t.disp.post(t.events.OnConnected)
		go t.readLoop()
		go t.writeLoop()
	}()
	return nil
}

// Send queues b for transmission. Completion is reported via
// OnSendCompleted with the same slice.
func (t *TCP) Send(b []byte) error {
	if t.closing.Load() {
		return ErrClosed
	}
	select {
	case t.sendQ <- b:
		return nil
	case <-t.closed:
		return ErrClosed
	}
}

// Close requests teardown; the session observes it via OnClosed.
func (t *TCP) Close() error {
	t.shutdown()
	return nil
}

func (t *TCP) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			// The read buffer is reused, so each delivery gets its own copy.
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.disp.post(func() { t.events.OnReceived(chunk) })
		}
		if err != nil {
			if err == io.EOF {
				t.logger.Debug("tcp closed by peer")
			} else if !t.closing.Load() && !isShutdownError(err) {
				t.logger.Error("tcp read failed", zap.Error(err))
			}
			t.shutdown()
			return
		}
	}
}

func (t *TCP) writeLoop() {
	for {
		select {
		case b := <-t.sendQ:
			if _, err := t.conn.Write(b); err != nil {
				if !t.closing.Load() && !isShutdownError(err) {
					t.logger.Error("tcp write failed", zap.Error(err))
				}
				t.shutdown()
				return
			}
			t.disp.post(func() { t.events.OnSendCompleted(b) })
		case <-t.closed:
			return
		}
	}
}

// shutdown is idempotent: whichever of read error, write error, peer EOF or
// explicit Close gets here first wins, and exactly one OnClosed is
// delivered.
func (t *TCP) shutdown() {
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		close(t.closed)
		t.connMu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.connMu.Unlock()
		t.disp.post(t.events.OnClosed)
		t.disp.stop()
	})
}
