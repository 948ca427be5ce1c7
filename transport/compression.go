package transport

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

func compressPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressPayload inflates compressed into exactly originalSize bytes. Any
// shortfall, surplus or decoder failure is reported as ErrDecompression.
func decompressPayload(compressed []byte, originalSize int) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: %v", ErrDecompression, r)
		}
	}()

	r := brotli.NewReader(bytes.NewReader(compressed))
	out = make([]byte, originalSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}

	var extra [1]byte
	if n, _ := r.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("%w: output exceeds declared size %d", ErrDecompression, originalSize)
	}
	return out, nil
}
