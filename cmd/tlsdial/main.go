// tlsdial fetches a page over HTTPS using the session state machine, the
// TLS 1.3 engine and the TCP transport end to end. It exists as a smoke
// test and as wiring documentation.
package main

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"tls-session/session"
	"tls-session/shared"
	"tls-session/tls13"
	"tls-session/transport"
)

func main() {
	shared.LoadEnv()

	logger, err := shared.NewLoggerFromEnv("tlsdial")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	host := shared.GetEnvOrDefault("TLSDIAL_HOST", "example.com")
	if len(os.Args) > 1 {
		host = os.Args[1]
	}
	port := shared.GetEnvIntOrDefault("TLSDIAL_PORT", 443)
	timeout := shared.GetEnvDurationOrDefault("TLSDIAL_TIMEOUT", 30*time.Second)

	tcp := transport.NewTCP(logger.Logger)
	consumer := &httpGetConsumer{
		host:   host,
		logger: logger.Logger,
		done:   make(chan struct{}),
	}

	sess, err := session.New(session.Config{
		Transport: tcp,
		Consumer:  consumer,
		Engine:    tls13.Factory(),
		Logger:    logger.Logger,
	})
	if err != nil {
		logger.Fatal("session init failed", zap.Error(err))
	}
	consumer.sess = sess
	tcp.Bind(sess)

	addr := fmt.Sprintf("%s:%d", host, port)
	if err := sess.Connect(addr, session.EngineOptions{ServerName: host}); err != nil {
		logger.Fatal("connect failed", zap.String("addr", addr), zap.Error(err))
	}

	select {
	case <-consumer.done:
		logger.Info("done", zap.Int("response_bytes", consumer.received))
	case <-time.After(timeout):
		logger.Warn("timed out waiting for response")
		_ = sess.Close()
		<-consumer.done
	}
}

// httpGetConsumer sends one GET once the session connects and streams the
// cleartext response to stdout until the peer closes.
type httpGetConsumer struct {
	host     string
	sess     *session.Session
	logger   *zap.Logger
	received int
	done     chan struct{}
}

func (c *httpGetConsumer) OnConnect() error {
	request := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", c.host)
	c.logger.Info("sending request", zap.String("host", c.host))
	return c.sess.Send([]byte(request))
}

func (c *httpGetConsumer) OnReceived(cleartext []byte) error {
	c.received += len(cleartext)
	_, err := os.Stdout.Write(cleartext)
	return err
}

func (c *httpGetConsumer) OnClose() {
	close(c.done)
}
