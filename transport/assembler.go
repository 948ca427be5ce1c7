package transport

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitmesh/limits"
)

// AssemblerConfig bounds the memory a StreamAssembler may hold.
type AssemblerConfig struct {
	// MaxFrameSize is the largest declared frame accepted before the
	// assembler gives up on the stream.
	MaxFrameSize int
	// MaxBufferSize caps buffered but unconsumed bytes.
	MaxBufferSize int
}

// DefaultAssemblerConfig returns limits sized for v1 frames.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{
		MaxFrameSize:  limits.MaxFrame,
		MaxBufferSize: limits.MaxProcessingBuffer,
	}
}

// AppendResult reports what one Append call produced.
type AppendResult struct {
	// Frames holds complete core frames in arrival order.
	Frames [][]byte
	// DroppedPrefixes holds every byte discarded while resynchronizing.
	DroppedPrefixes []byte
	// Reset is set when the whole buffer was discarded.
	Reset bool
}

type assemblerState int

const (
	stateSeekingStart assemblerState = iota
	stateAwaitingBody
)

// StreamAssembler re-derives frames from an unstructured byte stream. It is
// not safe for concurrent use; each connection owns one.
type StreamAssembler struct {
	config AssemblerConfig
	state  assemblerState
	buf    []byte
	start  int // first unconsumed byte in buf
	want   int // total frame size once a header is accepted
}

// NewStreamAssembler creates an assembler. Zero config fields take defaults.
func NewStreamAssembler(config AssemblerConfig) *StreamAssembler {
	defaults := DefaultAssemblerConfig()
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = defaults.MaxFrameSize
	}
	if config.MaxBufferSize <= 0 {
		config.MaxBufferSize = defaults.MaxBufferSize
	}
	return &StreamAssembler{config: config}
}

// Buffered returns the number of bytes held but not yet emitted.
func (a *StreamAssembler) Buffered() int {
	return len(a.buf) - a.start
}

// Append adds chunk to the accumulator and extracts every frame it completes.
func (a *StreamAssembler) Append(chunk []byte) AppendResult {
	var result AppendResult

	a.buf = append(a.buf, chunk...)
	if a.Buffered() > a.config.MaxBufferSize {
		logrus.WithFields(logrus.Fields{
			"function": "StreamAssembler.Append",
			"buffered": a.Buffered(),
			"limit":    a.config.MaxBufferSize,
		}).Warn("Stream buffer limit exceeded, discarding")
		a.reset()
		result.Reset = true
		return result
	}

	for {
		pending := a.buf[a.start:]

		if a.state == stateSeekingStart {
			if len(pending) == 0 {
				break
			}
			size, err := FrameSize(pending)
			if errors.Is(err, ErrTruncated) {
				break
			}
			if err != nil {
				result.DroppedPrefixes = append(result.DroppedPrefixes, pending[0])
				a.start++
				continue
			}
			if size > a.config.MaxFrameSize {
				logrus.WithFields(logrus.Fields{
					"function":   "StreamAssembler.Append",
					"frame_size": size,
					"limit":      a.config.MaxFrameSize,
				}).Warn("Declared frame size exceeds limit, discarding stream buffer")
				a.reset()
				result.Reset = true
				return result
			}
			a.want = size
			a.state = stateAwaitingBody
		}

		if len(pending) < a.want {
			break
		}
		frame := make([]byte, a.want)
		copy(frame, pending[:a.want])
		result.Frames = append(result.Frames, frame)
		a.start += a.want
		a.want = 0
		a.state = stateSeekingStart
	}

	a.compact()
	return result
}

// compact moves unconsumed bytes to the front of the buffer once at least
// half of it has been consumed, keeping the copy cost amortized.
func (a *StreamAssembler) compact() {
	if a.start == 0 || a.start < len(a.buf)-a.start {
		return
	}
	n := copy(a.buf, a.buf[a.start:])
	a.buf = a.buf[:n]
	a.start = 0
}

func (a *StreamAssembler) reset() {
	a.buf = a.buf[:0]
	a.start = 0
	a.want = 0
	a.state = stateSeekingStart
}
