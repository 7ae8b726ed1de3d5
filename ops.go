package arenafs

import (
	"strings"
	"syscall"
	"time"
)

// Stat is the metadata snapshot returned by Getattr. Ino is the inode
// slot index, stable for the life of the object.
type Stat struct {
	Ino   uint64
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Nlink uint32
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

func statOf(n inodeRef) Stat {
	return Stat{
		Ino:   n.slot(),
		Mode:  n.mode(),
		Uid:   n.uid(),
		Gid:   n.gid(),
		Nlink: n.nlink(),
		Size:  int64(n.size()),
		Atime: time.Unix(n.atime(), 0),
		Mtime: time.Unix(n.mtime(), 0),
		Ctime: time.Unix(n.ctime(), 0),
	}
}

// Getattr returns the metadata of the object at path.
func (v *Volume) Getattr(path string) (Stat, error) {
	n, err := v.resolvePath(path)
	if err != nil {
		return Stat{}, err
	}
	return statOf(n), nil
}

// Access reports whether path resolves. Permission bits are stored but
// not enforced.
func (v *Volume) Access(path string) error {
	_, err := v.resolvePath(path)
	return err
}

// ReadDirNames lists the directory at path, excluding "." and "..".
// Reading refreshes the directory's access time.
func (v *Volume) ReadDirNames(path string) ([]string, error) {
	dir, err := v.resolvePath(path)
	if err != nil {
		return nil, err
	}
	if !dir.isDir() {
		return nil, syscall.ENOTDIR
	}
	all, err := v.dirNames(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for _, name := range all {
		if name == "." || name == ".." {
			continue
		}
		names = append(names, name)
	}
	dir.setAtime(v.clock().Unix())
	return names, nil
}

// Mknod creates an empty regular file at path. The file owns no data
// block until something is written to it.
func (v *Volume) Mknod(path string, perm uint32) error {
	parent, name, err := v.resolveParent(path)
	if err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	if _, _, err := v.dirLookup(parent, name); err == nil {
		return syscall.EEXIST
	} else if err != syscall.ENOENT {
		return err
	}
	if dirEntryCount(parent) >= entriesPerBlock {
		return syscall.ENOSPC
	}

	child, err := v.allocInode()
	if err != nil {
		return err
	}
	now := v.clock().Unix()
	child.setMode(sIFREG | perm&0777)
	child.setUid(v.uid)
	child.setGid(v.gid)
	child.setNlink(1)
	child.setAtime(now)
	child.setMtime(now)
	child.setCtime(now)
	if err := v.dirAddEntry(parent, name, child.off); err != nil {
		v.freeInode(child)
		return err
	}
	return nil
}

// Mkdir creates an empty directory at path, populated with its "." and
// ".." entries. Failure to link the new directory into the parent
// rolls back both allocations.
func (v *Volume) Mkdir(path string, perm uint32) error {
	parent, name, err := v.resolveParent(path)
	if err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	if _, _, err := v.dirLookup(parent, name); err == nil {
		return syscall.EEXIST
	} else if err != syscall.ENOENT {
		return err
	}
	if dirEntryCount(parent) >= entriesPerBlock {
		return syscall.ENOSPC
	}

	child, err := v.allocInode()
	if err != nil {
		return err
	}
	blockOff, err := v.allocBlock()
	if err != nil {
		v.freeInode(child)
		return err
	}
	block, err := v.ref(blockOff, BlockSize)
	if err != nil {
		return err
	}
	putDirEntry(block[0:DirEntrySize], ".", child.off)
	putDirEntry(block[DirEntrySize:2*DirEntrySize], "..", parent.off)

	now := v.clock().Unix()
	child.setMode(sIFDIR | perm&0777)
	child.setUid(v.uid)
	child.setGid(v.gid)
	child.setNlink(2)
	child.setSize(2 * DirEntrySize)
	child.setAtime(now)
	child.setMtime(now)
	child.setCtime(now)
	child.setDataBlock(blockOff)

	if err := v.dirAddEntry(parent, name, child.off); err != nil {
		v.freeBlock(blockOff)
		v.freeInode(child)
		return err
	}
	parent.setNlink(parent.nlink() + 1)
	return nil
}

// Unlink removes the file at path, releasing its data block and inode
// slot for reuse.
func (v *Volume) Unlink(path string) error {
	parent, name, err := v.resolveParent(path)
	if err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	childOff, _, err := v.dirLookup(parent, name)
	if err != nil {
		return err
	}
	child, err := v.inodeAt(childOff)
	if err != nil {
		return err
	}
	if child.isDir() {
		return syscall.EISDIR
	}
	if err := v.dirRemoveEntry(parent, name); err != nil {
		return err
	}
	return v.dropInode(child)
}

// Rmdir removes the empty directory at path. The root cannot be
// removed.
func (v *Volume) Rmdir(path string) error {
	parent, name, err := v.resolveParent(path)
	if err != nil {
		return err
	}
	// A "." or ".." leaf would splice out the directory's own fixed
	// entries and orphan the real parent link.
	if err := validName(name); err != nil {
		return err
	}
	childOff, _, err := v.dirLookup(parent, name)
	if err != nil {
		return err
	}
	child, err := v.inodeAt(childOff)
	if err != nil {
		return err
	}
	if !child.isDir() {
		return syscall.ENOTDIR
	}
	if childOff == v.rootOff {
		return syscall.EINVAL
	}
	if dirEntryCount(child) > 2 {
		return syscall.ENOTEMPTY
	}
	if err := v.dirRemoveEntry(parent, name); err != nil {
		return err
	}
	parent.setNlink(parent.nlink() - 1)
	return v.dropInode(child)
}

// dropInode releases an unlinked inode and its block, zeroing both so
// freed slots never leak stale bytes into their next owner.
func (v *Volume) dropInode(n inodeRef) error {
	if off := n.dataBlock(); off != 0 {
		if err := v.freeBlock(off); err != nil {
			return err
		}
	}
	return v.freeInode(n)
}

// Rename moves the object at from to the path to. A destination file
// is replaced; a destination directory must be empty and the source
// must then be a directory too. The source entry comes out before the
// destination entry goes in, and a full destination directory puts the
// source entry back where it was.
func (v *Volume) Rename(from, to string) error {
	srcParent, srcName, err := v.resolveParent(from)
	if err != nil {
		return err
	}
	dstParent, dstName, err := v.resolveParent(to)
	if err != nil {
		return err
	}
	if err := validName(srcName); err != nil {
		return err
	}
	if err := validName(dstName); err != nil {
		return err
	}
	srcOff, _, err := v.dirLookup(srcParent, srcName)
	if err != nil {
		return err
	}
	src, err := v.inodeAt(srcOff)
	if err != nil {
		return err
	}
	if srcParent.off == dstParent.off && srcName == dstName {
		return nil
	}
	if src.isDir() {
		// A directory cannot move into its own subtree.
		prefix := strings.TrimRight(from, "/") + "/"
		if strings.HasPrefix(strings.TrimRight(to, "/")+"/", prefix) {
			return syscall.EINVAL
		}
	}

	dstOff, _, err := v.dirLookup(dstParent, dstName)
	switch err {
	case nil:
		if dstOff == srcOff {
			return nil
		}
		dst, err := v.inodeAt(dstOff)
		if err != nil {
			return err
		}
		if dst.isDir() {
			if !src.isDir() {
				return syscall.EISDIR
			}
			if dirEntryCount(dst) > 2 {
				return syscall.ENOTEMPTY
			}
			if err := v.dirRemoveEntry(dstParent, dstName); err != nil {
				return err
			}
			dstParent.setNlink(dstParent.nlink() - 1)
		} else {
			if src.isDir() {
				return syscall.ENOTDIR
			}
			if err := v.dirRemoveEntry(dstParent, dstName); err != nil {
				return err
			}
		}
		if err := v.dropInode(dst); err != nil {
			return err
		}
	case syscall.ENOENT:
	default:
		return err
	}

	if err := v.dirRemoveEntry(srcParent, srcName); err != nil {
		return err
	}
	if err := v.dirAddEntry(dstParent, dstName, srcOff); err != nil {
		// The slot just vacated still has room for the old entry.
		v.dirAddEntry(srcParent, srcName, srcOff)
		return err
	}
	if src.isDir() && srcParent.off != dstParent.off {
		srcParent.setNlink(srcParent.nlink() - 1)
		dstParent.setNlink(dstParent.nlink() + 1)
		if err := v.dirSetParentLink(src, dstParent.off); err != nil {
			return err
		}
	}
	src.setCtime(v.clock().Unix())
	return nil
}

// Utimens sets access and modification times. A nil pointer means the
// current time for that field.
func (v *Volume) Utimens(path string, atime, mtime *time.Time) error {
	n, err := v.resolvePath(path)
	if err != nil {
		return err
	}
	now := v.clock()
	at, mt := now, now
	if atime != nil {
		at = *atime
	}
	if mtime != nil {
		mt = *mtime
	}
	n.setAtime(at.Unix())
	n.setMtime(mt.Unix())
	n.setCtime(now.Unix())
	return nil
}

// Chmod replaces the permission bits at path, keeping the type bits.
func (v *Volume) Chmod(path string, perm uint32) error {
	n, err := v.resolvePath(path)
	if err != nil {
		return err
	}
	n.setMode(n.mode()&sIFMT | perm&07777)
	n.setCtime(v.clock().Unix())
	return nil
}

// Chown replaces the owner and group at path. A negative id leaves
// that field unchanged.
func (v *Volume) Chown(path string, uid, gid int) error {
	n, err := v.resolvePath(path)
	if err != nil {
		return err
	}
	if uid >= 0 {
		n.setUid(uint32(uid))
	}
	if gid >= 0 {
		n.setGid(uint32(gid))
	}
	n.setCtime(v.clock().Unix())
	return nil
}
