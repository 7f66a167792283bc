package bitmap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func verifyBitmap(t *testing.T, bm Bitmap, shadow []bool) {
	for i := 0; i < len(shadow); i++ {
		assert.Equal(t, shadow[i], bm.LoadBit(i), "mismatch at bit %d", i)
	}
}

// TestAsBitmapOverlaysExistingBuffer confirms AsBitmap is a view, not a copy:
// bits loaded through it reflect whatever was already in the backing buffer,
// matching readBlock handing a freshly-read byte slice straight to
// AsBitmap without zeroing it first.
func TestAsBitmapOverlaysExistingBuffer(t *testing.T) {
	buf := []byte{0b00000101, 0, 0, 0, 0, 0, 0, 0}
	bm := AsBitmap(buf, 8)

	assert.True(t, bm.LoadBit(0))
	assert.False(t, bm.LoadBit(1))
	assert.True(t, bm.LoadBit(2))
	for i := 3; i < 8; i++ {
		assert.False(t, bm.LoadBit(i))
	}
}

// TestSetBitReturnsPreviousValue checks that SetBit returns the bit's value
// from before the call, both when setting and when clearing it.
func TestSetBitReturnsPreviousValue(t *testing.T) {
	buf := make([]byte, 8)
	bm := AsBitmap(buf, 64)

	assert.False(t, bm.SetBit(5, true))
	assert.True(t, bm.SetBit(5, true))
	assert.True(t, bm.SetBit(5, false))
	assert.False(t, bm.SetBit(5, false))
}

// TestSetBitCrossesWordBoundary exercises bit indices that straddle the
// 64-bit word split SetBit/LoadBit compute internally, since
// freeSpaceBlock's span (blockSpanUnits) is a multiple of 64 but shadow's
// per-page bitset covers an arbitrary page count that need not align.
func TestSetBitCrossesWordBoundary(t *testing.T) {
	numBits := 130
	buf := make([]byte, 24)
	bm := AsBitmap(buf, numBits)
	shadow := make([]bool, numBits)

	for _, idx := range []int{0, 63, 64, 65, 127, 128, 129} {
		bm.SetBit(idx, true)
		shadow[idx] = true
	}
	verifyBitmap(t, bm, shadow)

	bm.SetBit(64, false)
	shadow[64] = false
	verifyBitmap(t, bm, shadow)
}

// TestBulkSetLoadRoundTrip drives the pattern blocksManager.Close and
// ingestBlock actually use: every bit in a span gets written once (the
// bulk-write half of a freeSpaceBlock's lifetime), then the whole span is
// read back bit by bit on the next load, with no bit ever touched twice in
// between.
func TestBulkSetLoadRoundTrip(t *testing.T) {
	numBits := 1024
	buf := make([]byte, numBits/8)
	bm := AsBitmap(buf, numBits)

	r := rand.New(rand.NewSource(42))
	shadow := make([]bool, numBits)
	for i := 0; i < numBits; i++ {
		on := r.Intn(2) == 0
		bm.SetBit(i, on)
		shadow[i] = on
	}

	reloaded := AsBitmap(buf, numBits)
	verifyBitmap(t, reloaded, shadow)
}

func TestLoadBitOutOfRangePanics(t *testing.T) {
	buf := make([]byte, 8)
	bm := AsBitmap(buf, 10)
	assert.Panics(t, func() { bm.LoadBit(10) })
	assert.Panics(t, func() { bm.LoadBit(-1) })
}
