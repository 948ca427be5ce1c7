package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func accept(w *ReplayWindow, nonce uint64) bool {
	if !w.Check(nonce) {
		return false
	}
	w.Accept(nonce)
	return true
}

func TestReplayWindowRejectsDuplicates(t *testing.T) {
	var w ReplayWindow
	assert.True(t, accept(&w, 0))
	assert.False(t, accept(&w, 0))
	assert.True(t, accept(&w, 1))
	assert.False(t, accept(&w, 1))
}

func TestReplayWindowOutOfOrder(t *testing.T) {
	var w ReplayWindow
	for _, n := range []uint64{5, 3, 4, 1, 2, 0} {
		assert.True(t, accept(&w, n), "nonce %d", n)
	}
	for n := uint64(0); n <= 5; n++ {
		assert.False(t, accept(&w, n), "replayed nonce %d", n)
	}
	highest, ok := w.Highest()
	assert.True(t, ok)
	assert.Equal(t, uint64(5), highest)
}

func TestReplayWindowRejectsTooOld(t *testing.T) {
	var w ReplayWindow
	assert.True(t, accept(&w, 2000))
	assert.False(t, w.Check(2000-ReplayWindowSize), "nonce at window edge is too old")
	assert.True(t, w.Check(2000-ReplayWindowSize+1))
}

func TestReplayWindowShiftAcrossWords(t *testing.T) {
	var w ReplayWindow
	for n := uint64(0); n < 200; n += 3 {
		assert.True(t, accept(&w, n))
	}
	// jump by a non-multiple of 64 and confirm history moved with it
	assert.True(t, accept(&w, 270))
	for n := uint64(0); n < 200; n += 3 {
		assert.False(t, w.Check(n), "nonce %d should still be remembered", n)
	}
	assert.True(t, w.Check(199))
	assert.True(t, w.Check(1))
}

func TestReplayWindowLargeJumpClears(t *testing.T) {
	var w ReplayWindow
	assert.True(t, accept(&w, 10))
	assert.True(t, accept(&w, 10+5*ReplayWindowSize))
	assert.False(t, w.Check(10))
	assert.True(t, w.Check(10+5*ReplayWindowSize-1))
}

func TestReplayWindowCheckDoesNotRecord(t *testing.T) {
	var w ReplayWindow
	assert.True(t, w.Check(7))
	assert.True(t, w.Check(7))
	_, ok := w.Highest()
	assert.False(t, ok)

	w.Accept(7)
	w.Reset()
	assert.True(t, w.Check(7))
}
