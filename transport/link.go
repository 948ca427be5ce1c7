package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrLinkClosed is returned when sending on a closed link.
var ErrLinkClosed = errors.New("link closed")

// PacketHandler receives each packet decoded from a link.
type PacketHandler func(link *Link, packet *Packet)

// LinkConfig configures a stream link.
type LinkConfig struct {
	Assembler      AssemblerConfig
	ReadBufferSize int
	WriteTimeout   time.Duration
	// MaxWriteFailures consecutive failed writes open the breaker.
	MaxWriteFailures uint32
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
	// Events receives stream health notifications. Nil hooks are skipped.
	Events LinkEvents
}

// LinkEvents are optional hooks invoked from a link's read loop.
type LinkEvents struct {
	OnDroppedBytes func(n int)
	OnDecodeError  func(err error)
	OnReset        func()
}

// DefaultLinkConfig returns the link defaults.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Assembler:        DefaultAssemblerConfig(),
		ReadBufferSize:   4096,
		WriteTimeout:     5 * time.Second,
		MaxWriteFailures: 3,
		BreakerTimeout:   30 * time.Second,
	}
}

// Link carries packets over one connection-oriented byte stream. Inbound
// bytes pass through a StreamAssembler; outbound packets are encoded
// without padding, since the assembler extracts core frames only.
type Link struct {
	id      string
	conn    net.Conn
	config  LinkConfig
	onPkt   PacketHandler
	onClose func(*Link)
	breaker *gobreaker.CircuitBreaker

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewLink wraps conn. Call Start to begin reading.
func NewLink(conn net.Conn, onPacket PacketHandler, onClose func(*Link), config LinkConfig) *Link {
	defaults := DefaultLinkConfig()
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = defaults.ReadBufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxWriteFailures == 0 {
		config.MaxWriteFailures = defaults.MaxWriteFailures
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = defaults.BreakerTimeout
	}

	l := &Link{
		id:      uuid.NewString(),
		conn:    conn,
		config:  config,
		onPkt:   onPacket,
		onClose: onClose,
		done:    make(chan struct{}),
	}
	maxFailures := config.MaxWriteFailures
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "link-" + l.id,
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})
	return l
}

// ID returns the link's unique identifier.
func (l *Link) ID() string {
	return l.id
}

// RemoteAddr returns the remote end of the connection.
func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// Done is closed once the link has shut down.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Start launches the read loop.
func (l *Link) Start() {
	go l.readLoop()
}

// Send encodes packet and writes it to the stream.
func (l *Link) Send(packet *Packet) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}

	frame, err := EncodeWithOptions(packet, EncodeOptions{})
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}

	_, err = l.breaker.Execute(func() (interface{}, error) {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout)); err != nil {
			return nil, err
		}
		_, err := l.conn.Write(frame)
		return nil, err
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Link.Send",
			"link_id":  l.id,
			"type":     packet.Type.String(),
			"error":    err.Error(),
		}).Debug("Write failed")
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close shuts the link down. It is safe to call more than once.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
		if l.onClose != nil {
			l.onClose(l)
		}
	})
	return err
}

func (l *Link) readLoop() {
	defer l.Close()

	assembler := NewStreamAssembler(l.config.Assembler)
	buf := make([]byte, l.config.ReadBufferSize)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			if !l.processChunk(assembler, buf[:n]) {
				return
			}
		}
		if err != nil {
			select {
			case <-l.done:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "Link.readLoop",
					"link_id":  l.id,
					"error":    err.Error(),
				}).Debug("Read loop ended")
			}
			return
		}
	}
}

// processChunk feeds the assembler and dispatches completed frames. It
// returns false when the stream must be torn down.
func (l *Link) processChunk(assembler *StreamAssembler, chunk []byte) bool {
	result := assembler.Append(chunk)
	if len(result.DroppedPrefixes) > 0 {
		if fn := l.config.Events.OnDroppedBytes; fn != nil {
			fn(len(result.DroppedPrefixes))
		}
		logrus.WithFields(logrus.Fields{
			"function": "Link.processChunk",
			"link_id":  l.id,
			"dropped":  len(result.DroppedPrefixes),
		}).Debug("Resynchronized stream")
	}

	for _, frame := range result.Frames {
		packet, err := Decode(frame)
		if err != nil {
			if fn := l.config.Events.OnDecodeError; fn != nil {
				fn(err)
			}
			logrus.WithFields(logrus.Fields{
				"function": "Link.processChunk",
				"link_id":  l.id,
				"error":    err.Error(),
			}).Debug("Discarding undecodable frame")
			continue
		}
		if l.onPkt != nil {
			l.onPkt(l, packet)
		}
	}

	if result.Reset {
		if fn := l.config.Events.OnReset; fn != nil {
			fn()
		}
		logrus.WithFields(logrus.Fields{
			"function": "Link.processChunk",
			"link_id":  l.id,
		}).Warn("Stream assembler reset, closing link")
		return false
	}
	return true
}
