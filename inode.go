package arenafs

import (
	"encoding/binary"
	"syscall"
)

const (
	sIFMT  = syscall.S_IFMT
	sIFDIR = syscall.S_IFDIR
	sIFREG = syscall.S_IFREG
)

// Inode record layout within its 64-byte slot.
const (
	inoMode      = 0  // uint32, type bits plus permissions
	inoUid       = 4  // uint32
	inoGid       = 8  // uint32
	inoNlink     = 12 // uint32
	inoSize      = 16 // uint64, bytes for files, entry bytes for dirs
	inoAtime     = 24 // int64, unix seconds
	inoMtime     = 32 // int64
	inoCtime     = 40 // int64
	inoDataBlock = 48 // uint64, block offset, 0 when unallocated
)

// inodeRef is a live view of one inode record. The slice aliases the
// region, so accessors read and write in place.
type inodeRef struct {
	v   *Volume
	off uint64
	b   []byte
}

// inodeAt checks that off names a slot inside the inode table before
// handing out a view of it.
func (v *Volume) inodeAt(off uint64) (inodeRef, error) {
	if off < v.inodeTable || (off-v.inodeTable)%InodeSize != 0 {
		return inodeRef{}, ErrCorruptVolume
	}
	if (off-v.inodeTable)/InodeSize >= v.inodeCount {
		return inodeRef{}, ErrCorruptVolume
	}
	b, err := v.ref(off, InodeSize)
	if err != nil {
		return inodeRef{}, err
	}
	return inodeRef{v: v, off: off, b: b}, nil
}

func (v *Volume) inodeBySlot(slot uint64) (inodeRef, error) {
	return v.inodeAt(v.inodeTable + slot*InodeSize)
}

func (n inodeRef) slot() uint64 { return (n.off - n.v.inodeTable) / InodeSize }

func (n inodeRef) mode() uint32  { return binary.LittleEndian.Uint32(n.b[inoMode:]) }
func (n inodeRef) uid() uint32   { return binary.LittleEndian.Uint32(n.b[inoUid:]) }
func (n inodeRef) gid() uint32   { return binary.LittleEndian.Uint32(n.b[inoGid:]) }
func (n inodeRef) nlink() uint32 { return binary.LittleEndian.Uint32(n.b[inoNlink:]) }
func (n inodeRef) size() uint64  { return binary.LittleEndian.Uint64(n.b[inoSize:]) }
func (n inodeRef) atime() int64  { return int64(binary.LittleEndian.Uint64(n.b[inoAtime:])) }
func (n inodeRef) mtime() int64  { return int64(binary.LittleEndian.Uint64(n.b[inoMtime:])) }
func (n inodeRef) ctime() int64  { return int64(binary.LittleEndian.Uint64(n.b[inoCtime:])) }

// dataBlock returns the owned block's offset, zero when none. Offset
// zero can serve as the null sentinel because the header occupies it.
func (n inodeRef) dataBlock() uint64 { return binary.LittleEndian.Uint64(n.b[inoDataBlock:]) }

func (n inodeRef) setMode(m uint32)  { binary.LittleEndian.PutUint32(n.b[inoMode:], m) }
func (n inodeRef) setUid(u uint32)   { binary.LittleEndian.PutUint32(n.b[inoUid:], u) }
func (n inodeRef) setGid(g uint32)   { binary.LittleEndian.PutUint32(n.b[inoGid:], g) }
func (n inodeRef) setNlink(l uint32) { binary.LittleEndian.PutUint32(n.b[inoNlink:], l) }
func (n inodeRef) setSize(s uint64)  { binary.LittleEndian.PutUint64(n.b[inoSize:], s) }
func (n inodeRef) setAtime(t int64)  { binary.LittleEndian.PutUint64(n.b[inoAtime:], uint64(t)) }
func (n inodeRef) setMtime(t int64)  { binary.LittleEndian.PutUint64(n.b[inoMtime:], uint64(t)) }
func (n inodeRef) setCtime(t int64)  { binary.LittleEndian.PutUint64(n.b[inoCtime:], uint64(t)) }

func (n inodeRef) setDataBlock(off uint64) { binary.LittleEndian.PutUint64(n.b[inoDataBlock:], off) }

func (n inodeRef) isDir() bool     { return n.mode()&sIFMT == sIFDIR }
func (n inodeRef) isRegular() bool { return n.mode()&sIFMT == sIFREG }

func (n inodeRef) clear() { zero(n.b) }

// allocInode claims the lowest free inode slot and returns a zeroed
// record for it.
func (v *Volume) allocInode() (inodeRef, error) {
	bm, err := v.inodeBitmapSlice()
	if err != nil {
		return inodeRef{}, err
	}
	slot, ok := bm.firstFree(v.inodeCount)
	if !ok {
		return inodeRef{}, syscall.ENOSPC
	}
	n, err := v.inodeBySlot(slot)
	if err != nil {
		return inodeRef{}, err
	}
	bm.set(slot)
	n.clear()
	return n, nil
}

// freeInode zeroes the record and releases its slot. Freeing a slot
// the bitmap thinks is free means the structures disagree.
func (v *Volume) freeInode(n inodeRef) error {
	bm, err := v.inodeBitmapSlice()
	if err != nil {
		return err
	}
	slot := n.slot()
	if !bm.isSet(slot) {
		return ErrCorruptVolume
	}
	n.clear()
	bm.clear(slot)
	return nil
}

// allocBlock claims the lowest free block slot and returns its offset.
// The block comes back zeroed, which is what gives sparse writes and
// fresh directories their zero fill.
func (v *Volume) allocBlock() (uint64, error) {
	bm, err := v.blockBitmapSlice()
	if err != nil {
		return 0, err
	}
	slot, ok := bm.firstFree(v.blockCount)
	if !ok {
		return 0, syscall.ENOSPC
	}
	off := v.dataRegion + slot*BlockSize
	b, err := v.ref(off, BlockSize)
	if err != nil {
		return 0, err
	}
	bm.set(slot)
	zero(b)
	return off, nil
}

func (v *Volume) freeBlock(off uint64) error {
	if off < v.dataRegion || (off-v.dataRegion)%BlockSize != 0 {
		return ErrCorruptVolume
	}
	slot := (off - v.dataRegion) / BlockSize
	if slot >= v.blockCount {
		return ErrCorruptVolume
	}
	bm, err := v.blockBitmapSlice()
	if err != nil {
		return err
	}
	if !bm.isSet(slot) {
		return ErrCorruptVolume
	}
	b, err := v.ref(off, BlockSize)
	if err != nil {
		return err
	}
	zero(b)
	bm.clear(slot)
	return nil
}
