package bitmesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/opd-ai/bitmesh/limits"
)

// File packet TLV field types. Metadata fields carry a BE16 length; the
// content field carries a BE32 length.
const (
	fileFieldName    = 0x01
	fileFieldSize    = 0x02
	fileFieldMime    = 0x03
	fileFieldContent = 0x04
)

// ErrMalformedFilePacket is returned for file payloads that cannot be
// parsed.
var ErrMalformedFilePacket = errors.New("malformed file packet")

// FilePacket is the payload of a file transfer packet.
type FilePacket struct {
	// FileName and MimeType are optional.
	FileName string
	MimeType string
	// FileSize is the declared size of the whole file. Zero is omitted on
	// the wire and decodes as len(Content).
	FileSize uint64
	Content  []byte
}

// Encode serializes the file packet.
func (f *FilePacket) Encode() ([]byte, error) {
	if len(f.Content) > limits.MaxFileContent {
		return nil, fmt.Errorf("%w: content of %d bytes exceeds %d", limits.ErrMessageTooLarge, len(f.Content), limits.MaxFileContent)
	}
	if len(f.FileName) > 0xFFFF || len(f.MimeType) > 0xFFFF {
		return nil, fmt.Errorf("%w: metadata field too long", limits.ErrMessageTooLarge)
	}

	out := make([]byte, 0, 3+len(f.FileName)+3+8+3+len(f.MimeType)+5+len(f.Content))
	if f.FileName != "" {
		out = appendFileField(out, fileFieldName, []byte(f.FileName))
	}
	if f.FileSize != 0 {
		out = appendFileField(out, fileFieldSize, binary.BigEndian.AppendUint64(nil, f.FileSize))
	}
	if f.MimeType != "" {
		out = appendFileField(out, fileFieldMime, []byte(f.MimeType))
	}
	out = append(out, fileFieldContent)
	out = binary.BigEndian.AppendUint32(out, uint32(len(f.Content)))
	out = append(out, f.Content...)
	return out, nil
}

func appendFileField(out []byte, typ byte, value []byte) []byte {
	out = append(out, typ)
	out = binary.BigEndian.AppendUint16(out, uint16(len(value)))
	return append(out, value...)
}

// DecodeFilePacket parses a file payload. The content field is required;
// unknown fields are skipped.
func DecodeFilePacket(data []byte) (*FilePacket, error) {
	f := &FilePacket{}
	var haveContent, haveSize bool

	for off := 0; off < len(data); {
		typ := data[off]
		off++

		var n int
		if typ == fileFieldContent {
			if len(data)-off < 4 {
				return nil, fmt.Errorf("%w: truncated content length", ErrMalformedFilePacket)
			}
			size := binary.BigEndian.Uint32(data[off:])
			if size > limits.MaxFileContent {
				return nil, fmt.Errorf("%w: content of %d bytes exceeds %d", ErrMalformedFilePacket, size, limits.MaxFileContent)
			}
			n = int(size)
			off += 4
		} else {
			if len(data)-off < 2 {
				return nil, fmt.Errorf("%w: truncated field header", ErrMalformedFilePacket)
			}
			n = int(binary.BigEndian.Uint16(data[off:]))
			off += 2
		}
		if len(data)-off < n {
			return nil, fmt.Errorf("%w: field 0x%02x needs %d bytes", ErrMalformedFilePacket, typ, n)
		}
		value := data[off : off+n]
		off += n

		switch typ {
		case fileFieldName:
			if !utf8.Valid(value) {
				return nil, fmt.Errorf("%w: file name is not UTF-8", ErrMalformedFilePacket)
			}
			f.FileName = string(value)
		case fileFieldSize:
			if n != 8 {
				return nil, fmt.Errorf("%w: file size of %d bytes", ErrMalformedFilePacket, n)
			}
			f.FileSize = binary.BigEndian.Uint64(value)
			haveSize = true
		case fileFieldMime:
			if !utf8.Valid(value) {
				return nil, fmt.Errorf("%w: mime type is not UTF-8", ErrMalformedFilePacket)
			}
			f.MimeType = string(value)
		case fileFieldContent:
			f.Content = append([]byte(nil), value...)
			haveContent = true
		}
	}

	if !haveContent {
		return nil, fmt.Errorf("%w: missing content", ErrMalformedFilePacket)
	}
	if !haveSize || f.FileSize == 0 {
		f.FileSize = uint64(len(f.Content))
	}
	return f, nil
}
