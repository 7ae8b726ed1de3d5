package arenafs

import "syscall"

// MaxFileSize is the largest a file can grow: one data block.
const MaxFileSize = BlockSize

// fileAt resolves path to a regular file and returns its inode.
func (v *Volume) fileAt(path string) (inodeRef, error) {
	n, err := v.resolvePath(path)
	if err != nil {
		return inodeRef{}, err
	}
	if n.isDir() {
		return inodeRef{}, syscall.EISDIR
	}
	return n, nil
}

// ReadAt copies file bytes starting at off into p, clipped at end of
// file. Reading at or past the end returns 0 without touching the
// access time.
func (v *Volume) ReadAt(path string, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, syscall.EINVAL
	}
	n, err := v.fileAt(path)
	if err != nil {
		return 0, err
	}
	size := int64(n.size())
	if off >= size {
		return 0, nil
	}
	want := int64(len(p))
	if want > size-off {
		want = size - off
	}
	if want == 0 {
		return 0, nil
	}
	block, err := v.ref(n.dataBlock(), BlockSize)
	if err != nil {
		return 0, err
	}
	copy(p, block[off:off+want])
	n.setAtime(v.clock().Unix())
	return int(want), nil
}

// WriteAt copies p into the file at off, allocating the data block on
// first use and zero-filling any gap between the old size and off.
// Writes that would cross the block boundary fail whole.
func (v *Volume) WriteAt(path string, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, syscall.EINVAL
	}
	// Checked this way around so a huge offset cannot overflow the sum.
	if off >= MaxFileSize || int64(len(p)) > MaxFileSize-off {
		return 0, syscall.EFBIG
	}
	end := off + int64(len(p))
	n, err := v.fileAt(path)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	blockOff := n.dataBlock()
	if blockOff == 0 {
		blockOff, err = v.allocBlock()
		if err != nil {
			return 0, err
		}
		n.setDataBlock(blockOff)
	}
	block, err := v.ref(blockOff, BlockSize)
	if err != nil {
		return 0, err
	}
	if size := int64(n.size()); off > size {
		zero(block[size:off])
	}
	copy(block[off:end], p)
	if uint64(end) > n.size() {
		n.setSize(uint64(end))
	}
	now := v.clock().Unix()
	n.setAtime(now)
	n.setMtime(now)
	n.setCtime(now)
	return len(p), nil
}

// Truncate resizes the file at path. Shrinking zeroes the dropped
// tail; growing zero-fills. A file truncated back to zero keeps its
// block once it has one.
func (v *Volume) Truncate(path string, size int64) error {
	if size < 0 {
		return syscall.EINVAL
	}
	if size > MaxFileSize {
		return syscall.EFBIG
	}
	n, err := v.fileAt(path)
	if err != nil {
		return err
	}
	old := int64(n.size())
	if size != old {
		blockOff := n.dataBlock()
		if blockOff == 0 {
			if blockOff, err = v.allocBlock(); err != nil {
				return err
			}
			n.setDataBlock(blockOff)
		}
		block, err := v.ref(blockOff, BlockSize)
		if err != nil {
			return err
		}
		if size < old {
			zero(block[size:old])
		} else {
			zero(block[old:size])
		}
		n.setSize(uint64(size))
	}
	now := v.clock().Unix()
	n.setAtime(now)
	n.setMtime(now)
	n.setCtime(now)
	return nil
}
