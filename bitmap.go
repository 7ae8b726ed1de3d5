package arenafs

import "math/bits"

// bitmap is a view of one allocation bitmap inside the region. Bit i
// tracks slot i; zero means free.
type bitmap []byte

func bitmapBytes(n uint64) uint64 { return (n + 7) / 8 }

func (v *Volume) inodeBitmapSlice() (bitmap, error) {
	b, err := v.ref(v.inodeBitmap, bitmapBytes(v.inodeCount))
	return bitmap(b), err
}

func (v *Volume) blockBitmapSlice() (bitmap, error) {
	b, err := v.ref(v.blockBitmap, bitmapBytes(v.blockCount))
	return bitmap(b), err
}

func (b bitmap) isSet(slot uint64) bool {
	return b[slot/8]&(1<<(slot%8)) != 0
}

func (b bitmap) set(slot uint64) {
	b[slot/8] |= 1 << (slot % 8)
}

func (b bitmap) clear(slot uint64) {
	b[slot/8] &^= 1 << (slot % 8)
}

// firstFree returns the lowest free slot below capacity, or false when
// the bitmap is full. Full bytes are skipped whole.
func (b bitmap) firstFree(capacity uint64) (uint64, bool) {
	for i, by := range b {
		if by == 0xff {
			continue
		}
		slot := uint64(i)*8 + uint64(bits.TrailingZeros8(^by))
		if slot >= capacity {
			return 0, false
		}
		return slot, true
	}
	return 0, false
}

func (b bitmap) countFree(capacity uint64) uint64 {
	used := uint64(0)
	for _, by := range b {
		used += uint64(bits.OnesCount8(by))
	}
	return capacity - used
}
