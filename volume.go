package arenafs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"time"
)

// On-volume layout, all values little-endian.
const (
	// BlockSize is the size of a data block. Every file and directory
	// owns at most one block, so it is also the file size ceiling.
	BlockSize = 4096

	// InodeSize is the size of one inode table record.
	InodeSize = 64

	// DirEntrySize is the size of one directory entry: a NUL-padded
	// name field followed by the child's inode offset.
	DirEntrySize = nameFieldSize + 8

	// NameMax is the longest entry name a directory can hold.
	NameMax = 255

	nameFieldSize   = 256
	headerSize      = 128
	entriesPerBlock = BlockSize / DirEntrySize
)

// Header field offsets.
const (
	hdrMagic       = 0
	hdrRegionSize  = 8
	hdrRoot        = 16
	hdrInodeBitmap = 24
	hdrBlockBitmap = 32
	hdrInodeTable  = 40
	hdrDataRegion  = 48
	hdrInodeCount  = 56
	hdrBlockCount  = 64
)

var magic = []byte("ARENAFS1")

var (
	// ErrCorruptVolume reports a volume whose header or internal
	// references are inconsistent with the region that holds it.
	ErrCorruptVolume = errors.New("arenafs: corrupt volume")

	// ErrVolumeTooSmall reports a region too small for even a root
	// directory plus one spare slot.
	ErrVolumeTooSmall = errors.New("arenafs: region too small")
)

// Options control volume formatting. The zero value is usable.
type Options struct {
	// MaxInodes caps the number of inode slots laid out on first
	// format. Zero derives the count from the region size. The block
	// count always equals the inode count.
	MaxInodes uint64

	// Uid and Gid own the root directory on first format and any
	// inode created through this attachment. Nil means the current
	// process owner.
	Uid, Gid *uint32

	// Clock supplies timestamps. Nil means time.Now.
	Clock func() time.Time
}

// Volume is an attached filesystem region. A Volume holds no state of
// its own beyond the decoded header geometry; everything lives in buf.
//
// Volume methods are not safe for concurrent use. Callers that share a
// Volume serialize around it, as the absfs and FUSE adapters do.
type Volume struct {
	buf []byte

	rootOff     uint64
	inodeBitmap uint64
	blockBitmap uint64
	inodeTable  uint64
	dataRegion  uint64
	inodeCount  uint64
	blockCount  uint64

	uid, gid uint32
	clock    func() time.Time
}

// Attach interprets buf as a volume. A region carrying the volume tag
// is validated and adopted as-is; anything else is formatted from
// scratch. The same region can be re-attached at any address.
func Attach(buf []byte, options *Options) (*Volume, error) {
	if options == nil {
		options = &Options{}
	}
	v := &Volume{buf: buf, clock: options.Clock}
	if v.clock == nil {
		v.clock = time.Now
	}
	v.uid = uint32(os.Getuid())
	v.gid = uint32(os.Getgid())
	if options.Uid != nil {
		v.uid = *options.Uid
	}
	if options.Gid != nil {
		v.gid = *options.Gid
	}

	if uint64(len(buf)) < headerSize {
		return nil, ErrVolumeTooSmall
	}
	if bytes.Equal(buf[hdrMagic:hdrMagic+8], magic) {
		if err := v.loadHeader(); err != nil {
			return nil, err
		}
		return v, nil
	}
	if err := v.format(options.MaxInodes); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Volume) loadHeader() error {
	h := v.buf[:headerSize]
	size := binary.LittleEndian.Uint64(h[hdrRegionSize:])
	v.rootOff = binary.LittleEndian.Uint64(h[hdrRoot:])
	v.inodeBitmap = binary.LittleEndian.Uint64(h[hdrInodeBitmap:])
	v.blockBitmap = binary.LittleEndian.Uint64(h[hdrBlockBitmap:])
	v.inodeTable = binary.LittleEndian.Uint64(h[hdrInodeTable:])
	v.dataRegion = binary.LittleEndian.Uint64(h[hdrDataRegion:])
	v.inodeCount = binary.LittleEndian.Uint64(h[hdrInodeCount:])
	v.blockCount = binary.LittleEndian.Uint64(h[hdrBlockCount:])

	if size > uint64(len(v.buf)) {
		return ErrCorruptVolume
	}
	if v.inodeCount == 0 || v.blockCount != v.inodeCount {
		return ErrCorruptVolume
	}
	bm := bitmapBytes(v.inodeCount)
	ordered := v.inodeBitmap == headerSize &&
		v.blockBitmap == v.inodeBitmap+bm &&
		v.inodeTable == v.blockBitmap+bm &&
		v.dataRegion == v.inodeTable+v.inodeCount*InodeSize
	if !ordered || v.dataRegion+v.blockCount*BlockSize > size {
		return ErrCorruptVolume
	}
	if v.rootOff != v.inodeTable {
		return ErrCorruptVolume
	}
	root, err := v.inodeAt(v.rootOff)
	if err != nil {
		return err
	}
	if !root.isDir() {
		return ErrCorruptVolume
	}
	return nil
}

// layoutEnd returns the first byte past a layout with n inode and n
// block slots.
func layoutEnd(n uint64) uint64 {
	return headerSize + 2*bitmapBytes(n) + n*InodeSize + n*BlockSize
}

func (v *Volume) format(maxInodes uint64) error {
	size := uint64(len(v.buf))
	n := (size - headerSize) / (InodeSize + BlockSize + 1)
	for n > 0 && layoutEnd(n) > size {
		n--
	}
	if maxInodes > 0 && maxInodes < n {
		n = maxInodes
	}
	// Room for the root directory and at least one more object.
	if n < 2 {
		return ErrVolumeTooSmall
	}

	bm := bitmapBytes(n)
	v.rootOff = headerSize + 2*bm
	v.inodeBitmap = headerSize
	v.blockBitmap = headerSize + bm
	v.inodeTable = v.rootOff
	v.dataRegion = v.inodeTable + n*InodeSize
	v.inodeCount = n
	v.blockCount = n

	h := v.buf[:headerSize]
	for i := range h {
		h[i] = 0
	}
	copy(h[hdrMagic:], magic)
	binary.LittleEndian.PutUint64(h[hdrRegionSize:], size)
	binary.LittleEndian.PutUint64(h[hdrRoot:], v.rootOff)
	binary.LittleEndian.PutUint64(h[hdrInodeBitmap:], v.inodeBitmap)
	binary.LittleEndian.PutUint64(h[hdrBlockBitmap:], v.blockBitmap)
	binary.LittleEndian.PutUint64(h[hdrInodeTable:], v.inodeTable)
	binary.LittleEndian.PutUint64(h[hdrDataRegion:], v.dataRegion)
	binary.LittleEndian.PutUint64(h[hdrInodeCount:], n)
	binary.LittleEndian.PutUint64(h[hdrBlockCount:], n)

	zero(v.buf[v.inodeBitmap : v.inodeBitmap+2*bm])

	// Root gets inode slot 0 and block slot 0.
	ibm, err := v.inodeBitmapSlice()
	if err != nil {
		return err
	}
	ibm.set(0)
	bbm, err := v.blockBitmapSlice()
	if err != nil {
		return err
	}
	bbm.set(0)

	root, err := v.inodeAt(v.rootOff)
	if err != nil {
		return err
	}
	blockOff := v.dataRegion
	block, err := v.ref(blockOff, BlockSize)
	if err != nil {
		return err
	}
	zero(block)
	putDirEntry(block[0:DirEntrySize], ".", v.rootOff)
	putDirEntry(block[DirEntrySize:2*DirEntrySize], "..", v.rootOff)

	now := v.clock().Unix()
	root.clear()
	root.setMode(sIFDIR | 0755)
	root.setUid(v.uid)
	root.setGid(v.gid)
	root.setNlink(2)
	root.setSize(2 * DirEntrySize)
	root.setAtime(now)
	root.setMtime(now)
	root.setCtime(now)
	root.setDataBlock(blockOff)
	return nil
}

// ref translates an offset and length into a slice of the region.
// Every dereference of an on-volume offset goes through here, so a
// stale or mangled offset surfaces as ErrCorruptVolume instead of a
// wild read.
func (v *Volume) ref(off, n uint64) ([]byte, error) {
	end := off + n
	if end < off || end > uint64(len(v.buf)) {
		return nil, ErrCorruptVolume
	}
	return v.buf[off:end:end], nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// VolumeStats mirrors the fields a statfs caller needs.
type VolumeStats struct {
	BlockSize  int64
	Blocks     uint64
	BlocksFree uint64
	Inodes     uint64
	InodesFree uint64
	NameMax    int
}

// Statfs reports volume capacity and the free counts derived from the
// two bitmaps.
func (v *Volume) Statfs() (VolumeStats, error) {
	st := VolumeStats{
		BlockSize: BlockSize,
		Blocks:    v.blockCount,
		Inodes:    v.inodeCount,
		NameMax:   NameMax,
	}
	ibm, err := v.inodeBitmapSlice()
	if err != nil {
		return st, err
	}
	bbm, err := v.blockBitmapSlice()
	if err != nil {
		return st, err
	}
	st.InodesFree = ibm.countFree(v.inodeCount)
	st.BlocksFree = bbm.countFree(v.blockCount)
	return st, nil
}
