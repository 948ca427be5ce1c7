package crypto

// ReplayWindowSize is the number of nonces tracked behind the highest one
// accepted.
const ReplayWindowSize = 1024

const replayWindowWords = ReplayWindowSize / 64

// ReplayWindow is a sliding-window filter over 64-bit message nonces. It
// accepts each nonce at most once and rejects nonces that have fallen
// behind the window. It is not safe for concurrent use; the owning session
// serializes access.
type ReplayWindow struct {
	highest uint64
	seen    bool // whether any nonce has been accepted
	bitmap  [replayWindowWords]uint64
}

// Check reports whether nonce would be accepted. It does not record it.
func (w *ReplayWindow) Check(nonce uint64) bool {
	if !w.seen || nonce > w.highest {
		return true
	}
	offset := w.highest - nonce
	if offset >= ReplayWindowSize {
		return false
	}
	return !w.bit(offset)
}

// Accept records nonce. Callers must Check first; accepting an already
// recorded nonce is a no-op.
func (w *ReplayWindow) Accept(nonce uint64) {
	if !w.seen {
		w.seen = true
		w.highest = nonce
		w.bitmap = [replayWindowWords]uint64{}
		w.setBit(0)
		return
	}

	if nonce > w.highest {
		w.shift(nonce - w.highest)
		w.highest = nonce
		w.setBit(0)
		return
	}

	offset := w.highest - nonce
	if offset < ReplayWindowSize {
		w.setBit(offset)
	}
}

// Highest returns the largest nonce accepted so far.
func (w *ReplayWindow) Highest() (uint64, bool) {
	return w.highest, w.seen
}

// Reset forgets every recorded nonce.
func (w *ReplayWindow) Reset() {
	*w = ReplayWindow{}
}

// bit offset 0 is the highest nonce; larger offsets are older nonces.
func (w *ReplayWindow) bit(offset uint64) bool {
	return w.bitmap[offset/64]&(1<<(offset%64)) != 0
}

func (w *ReplayWindow) setBit(offset uint64) {
	w.bitmap[offset/64] |= 1 << (offset % 64)
}

// shift ages every recorded nonce by n positions.
func (w *ReplayWindow) shift(n uint64) {
	if n >= ReplayWindowSize {
		w.bitmap = [replayWindowWords]uint64{}
		return
	}
	words := int(n / 64)
	bits := n % 64

	var out [replayWindowWords]uint64
	for i := replayWindowWords - 1; i >= words; i-- {
		src := i - words
		out[i] = w.bitmap[src] << bits
		if bits > 0 && src > 0 {
			out[i] |= w.bitmap[src-1] >> (64 - bits)
		}
	}
	w.bitmap = out
}
