package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnHandler takes ownership of an accepted connection.
type ConnHandler func(conn net.Conn)

// TCPListener accepts stream connections and hands them to a ConnHandler.
type TCPListener struct {
	listener net.Listener
	handler  ConnHandler
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// ListenTCP starts accepting connections on listenAddr.
func ListenTCP(listenAddr string, handler ConnHandler) (*TCPListener, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &TCPListener{
		listener: listener,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go l.acceptConnections()

	return l, nil
}

// Addr returns the address the listener is bound to.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops accepting and waits for the accept loop to exit.
func (l *TCPListener) Close() error {
	l.cancel()
	err := l.listener.Close()
	<-l.done
	return err
}

func (l *TCPListener) acceptConnections() {
	defer close(l.done)
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "TCPListener.acceptConnections",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function": "TCPListener.acceptConnections",
			"remote":   conn.RemoteAddr().String(),
		}).Debug("Accepted connection")
		l.handler(conn)
	}
}

// DialTCP opens an outbound stream connection.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, "tcp", addr)
}
