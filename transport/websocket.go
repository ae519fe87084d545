package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tls-session/session"
)

// WebSocket implements session.Transport by tunneling raw TLS bytes through
// binary WebSocket messages, for deployments where the session's peer sits
// behind a WebSocket relay rather than a directly reachable TCP endpoint.
type WebSocket struct {
	events      session.Events
	logger      *zap.Logger
	dialTimeout time.Duration

	connMu    sync.Mutex
	conn      *websocket.Conn
	disp      *dispatcher
	sendQ     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
}

var _ session.Transport = (*WebSocket)(nil)

// NewWebSocket creates an unbound WebSocket transport. Call Bind before
// Connect.
func NewWebSocket(logger *zap.Logger) *WebSocket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocket{
		logger:      logger,
		dialTimeout: DefaultDialTimeout,
		disp:        newDispatcher(),
		sendQ:       make(chan []byte, 16),
		closed:      make(chan struct{}),
	}
}

// Bind attaches the event sink, normally the *session.Session.
func (w *WebSocket) Bind(ev session.Events) {
	w.events = ev
}

// Connect starts an asynchronous dial to a ws:// or wss:// URL.
func (w *WebSocket) Connect(addr string) error {
	if w.events == nil {
		return ErrNotBound
	}

	go w.disp.run()
	go func() {
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = w.dialTimeout
		conn, _, err := dialer.Dial(addr, nil)
		if err != nil {
			w.logger.Error("websocket dial failed", zap.String("url", addr), zap.Error(err))
			w.shutdown()
			return
		}
		w.connMu.Lock()
		w.conn = conn
		w.connMu.Unlock()
		w.logger.Debug("websocket connected", zap.String("url", addr))
		w.disp.post(w.events.OnConnected)
		go w.readLoop()
		go w.writeLoop()
	}()
	return nil
}

// Send queues b as one binary message. Completion is reported via
// OnSendCompleted with the same slice.
func (w *WebSocket) Send(b []byte) error {
	if w.closing.Load() {
		return ErrClosed
	}
	select {
	case w.sendQ <- b:
		return nil
	case <-w.closed:
		return ErrClosed
	}
}

// Close requests teardown; the session observes it via OnClosed.
func (w *WebSocket) Close() error {
	w.shutdown()
	return nil
}

func (w *WebSocket) readLoop() {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Debug("websocket closed by peer")
			} else if !w.closing.Load() && !isShutdownError(err) {
				w.logger.Error("websocket read failed", zap.Error(err))
			}
			w.shutdown()
			return
		}
		// ReadMessage allocates per message, so data is safe to hand off.
		w.disp.post(func() { w.events.OnReceived(data) })
	}
}

func (w *WebSocket) writeLoop() {
	for {
		select {
		case b := <-w.sendQ:
			if err := w.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				if !w.closing.Load() && !isShutdownError(err) {
					w.logger.Error("websocket write failed", zap.Error(err))
				}
				w.shutdown()
				return
			}
			w.disp.post(func() { w.events.OnSendCompleted(b) })
		case <-w.closed:
			return
		}
	}
}

func (w *WebSocket) shutdown() {
	w.closeOnce.Do(func() {
		w.closing.Store(true)
		close(w.closed)
		w.connMu.Lock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.connMu.Unlock()
		w.disp.post(w.events.OnClosed)
		w.disp.stop()
	})
}
