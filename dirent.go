package arenafs

import (
	"bytes"
	"encoding/binary"
	"strings"
	"syscall"
)

// Directory entries are fixed-size records packed into the directory's
// single data block: a NUL-padded name field followed by the child's
// inode offset. Entries 0 and 1 are always "." and "..".

func putDirEntry(b []byte, name string, childOff uint64) {
	zero(b[:nameFieldSize])
	copy(b, name)
	binary.LittleEndian.PutUint64(b[nameFieldSize:], childOff)
}

func direntName(b []byte) string {
	i := bytes.IndexByte(b[:nameFieldSize], 0)
	if i < 0 {
		i = nameFieldSize
	}
	return string(b[:i])
}

func direntChild(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b[nameFieldSize:])
}

// validName rejects names a directory entry cannot hold. "." and ".."
// are rejected too; the fixed entries are the only place they appear.
func validName(name string) error {
	if name == "" || name == "." || name == ".." {
		return syscall.EINVAL
	}
	if len(name) > NameMax || strings.IndexByte(name, '/') >= 0 {
		return syscall.EINVAL
	}
	return nil
}

// dirBlock returns the directory's entry block. A directory without a
// block is malformed; only files go blockless.
func (v *Volume) dirBlock(dir inodeRef) ([]byte, error) {
	off := dir.dataBlock()
	if off == 0 {
		return nil, ErrCorruptVolume
	}
	return v.ref(off, BlockSize)
}

func dirEntryCount(dir inodeRef) int {
	return int(dir.size() / DirEntrySize)
}

// dirLookup scans dir for name and returns the child inode offset and
// the entry's index.
func (v *Volume) dirLookup(dir inodeRef, name string) (uint64, int, error) {
	block, err := v.dirBlock(dir)
	if err != nil {
		return 0, 0, err
	}
	count := dirEntryCount(dir)
	for i := 0; i < count; i++ {
		e := block[i*DirEntrySize : (i+1)*DirEntrySize]
		if direntName(e) == name {
			return direntChild(e), i, nil
		}
	}
	return 0, 0, syscall.ENOENT
}

// dirAddEntry appends an entry for name. The caller has already
// verified the name is absent.
func (v *Volume) dirAddEntry(dir inodeRef, name string, childOff uint64) error {
	block, err := v.dirBlock(dir)
	if err != nil {
		return err
	}
	count := dirEntryCount(dir)
	if count >= entriesPerBlock {
		return syscall.ENOSPC
	}
	putDirEntry(block[count*DirEntrySize:(count+1)*DirEntrySize], name, childOff)
	dir.setSize(uint64(count+1) * DirEntrySize)
	now := v.clock().Unix()
	dir.setMtime(now)
	dir.setCtime(now)
	return nil
}

// dirRemoveEntry drops the entry for name, compacting the survivors
// left and zeroing the vacated tail record.
func (v *Volume) dirRemoveEntry(dir inodeRef, name string) error {
	block, err := v.dirBlock(dir)
	if err != nil {
		return err
	}
	_, idx, err := v.dirLookup(dir, name)
	if err != nil {
		return err
	}
	count := dirEntryCount(dir)
	copy(block[idx*DirEntrySize:], block[(idx+1)*DirEntrySize:count*DirEntrySize])
	zero(block[(count-1)*DirEntrySize : count*DirEntrySize])
	dir.setSize(uint64(count-1) * DirEntrySize)
	now := v.clock().Unix()
	dir.setMtime(now)
	dir.setCtime(now)
	return nil
}

// dirNames lists dir's entry names in storage order, "." and ".."
// included.
func (v *Volume) dirNames(dir inodeRef) ([]string, error) {
	block, err := v.dirBlock(dir)
	if err != nil {
		return nil, err
	}
	count := dirEntryCount(dir)
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		names = append(names, direntName(block[i*DirEntrySize:(i+1)*DirEntrySize]))
	}
	return names, nil
}

// dirSetParentLink repoints the ".." entry, needed when a directory
// moves between parents.
func (v *Volume) dirSetParentLink(dir inodeRef, parentOff uint64) error {
	block, err := v.dirBlock(dir)
	if err != nil {
		return err
	}
	if dirEntryCount(dir) < 2 || direntName(block[DirEntrySize:2*DirEntrySize]) != ".." {
		return ErrCorruptVolume
	}
	binary.LittleEndian.PutUint64(block[DirEntrySize+nameFieldSize:], parentOff)
	return nil
}
