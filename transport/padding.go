package transport

import "encoding/binary"

// Standard frame size buckets. Frames at or above the largest bucket are
// sent unpadded.
var blockSizes = []int{256, 512, 1024, 2048}

// extendedPadMarker terminates a padding run too long for a one-byte
// PKCS#7 count.
const extendedPadMarker = 0x00

// OptimalBlockSize returns the smallest bucket that holds size bytes, or size
// itself when no bucket does.
func OptimalBlockSize(size int) int {
	for _, b := range blockSizes {
		if size <= b {
			return b
		}
	}
	return size
}

// Pad extends data to blockSize. Runs up to 255 bytes use PKCS#7, each pad
// byte holding the run length. Longer runs are zero filled and end with the
// run length (BE16) followed by a zero marker byte. Data already at or above
// blockSize is returned unchanged.
func Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)
	if padLen <= 0 {
		return data
	}

	out := make([]byte, blockSize)
	copy(out, data)
	if padLen <= 255 {
		for i := len(data); i < blockSize; i++ {
			out[i] = byte(padLen)
		}
		return out
	}

	binary.BigEndian.PutUint16(out[blockSize-3:blockSize-1], uint16(padLen))
	out[blockSize-1] = extendedPadMarker
	return out
}

// Unpad strips padding added by Pad. Input whose trailer is not valid
// padding is returned unchanged.
func Unpad(data []byte) []byte {
	n := len(data)
	if n == 0 {
		return data
	}

	last := data[n-1]
	if last != extendedPadMarker {
		padLen := int(last)
		if padLen > n {
			return data
		}
		for _, b := range data[n-padLen:] {
			if b != last {
				return data
			}
		}
		return data[:n-padLen]
	}

	if n < 3 {
		return data
	}
	padLen := int(binary.BigEndian.Uint16(data[n-3 : n-1]))
	if padLen <= 255 || padLen > n {
		return data
	}
	for _, b := range data[n-padLen : n-3] {
		if b != 0 {
			return data
		}
	}
	return data[:n-padLen]
}
