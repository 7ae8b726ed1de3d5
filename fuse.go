package arenafs

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions configures a FUSE mount over a volume.
type MountOptions struct {
	// Mountpoint is the directory to mount on. Required.
	Mountpoint string

	// Volume is the attached volume to expose. Required.
	Volume *Volume

	// FsName is the name shown in mount tables. Defaults to "arenafs".
	FsName string

	// AllowOther permits access by users other than the mounter.
	AllowOther bool

	// Logger receives mount lifecycle messages. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// Mount exposes the volume at the mountpoint. The returned server is
// live; call Wait to block until unmount.
func Mount(options MountOptions) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if options.Volume == nil {
		return nil, errors.New("volume is required")
	}
	if options.FsName == "" {
		options.FsName = "arenafs"
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	root := &volumeNode{
		state: &mountState{vol: options.Volume, logger: logger},
		path:  "/",
	}
	timeout := time.Second
	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName:     options.FsName,
			Name:       "arenafs",
			AllowOther: options.AllowOther,
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("mounted volume", "mountpoint", options.Mountpoint)
	return server, nil
}

// mountState is shared by every node of one mount. Its mutex is the
// single-writer gate in front of the volume.
type mountState struct {
	mu     sync.Mutex
	vol    *Volume
	logger *slog.Logger
}

// errno maps a volume error onto the errno the kernel expects. Broken
// volume structures surface as EIO.
func errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e syscall.Errno
	if errors.As(err, &e) {
		return e
	}
	return syscall.EIO
}

// volumeNode is one path inside the mounted volume. Nodes are cheap;
// identity lives in the volume, not the node.
type volumeNode struct {
	gofuse.Inode
	state *mountState
	path  string
}

var (
	_ gofuse.NodeLookuper  = (*volumeNode)(nil)
	_ gofuse.NodeGetattrer = (*volumeNode)(nil)
	_ gofuse.NodeSetattrer = (*volumeNode)(nil)
	_ gofuse.NodeReaddirer = (*volumeNode)(nil)
	_ gofuse.NodeCreater   = (*volumeNode)(nil)
	_ gofuse.NodeMkdirer   = (*volumeNode)(nil)
	_ gofuse.NodeUnlinker  = (*volumeNode)(nil)
	_ gofuse.NodeRmdirer   = (*volumeNode)(nil)
	_ gofuse.NodeRenamer   = (*volumeNode)(nil)
	_ gofuse.NodeOpener    = (*volumeNode)(nil)
	_ gofuse.NodeReader    = (*volumeNode)(nil)
	_ gofuse.NodeWriter    = (*volumeNode)(nil)
	_ gofuse.NodeFsyncer   = (*volumeNode)(nil)
	_ gofuse.NodeStatfser  = (*volumeNode)(nil)
	_ gofuse.NodeAccesser  = (*volumeNode)(nil)
)

func fillAttr(attr *fuse.Attr, st Stat) {
	attr.Ino = st.Ino + 1
	attr.Size = uint64(st.Size)
	attr.Blocks = (uint64(st.Size) + 511) / 512
	attr.Mode = st.Mode
	attr.Nlink = st.Nlink
	attr.Owner = fuse.Owner{Uid: st.Uid, Gid: st.Gid}
	attr.Blksize = BlockSize
	attr.Atime = uint64(st.Atime.Unix())
	attr.Mtime = uint64(st.Mtime.Unix())
	attr.Ctime = uint64(st.Ctime.Unix())
}

func (n *volumeNode) child(name string) string {
	return path.Join(n.path, name)
}

// newChildInode builds the kernel-visible inode for a child path. The
// volume's slot index keeps the inode number stable across lookups.
func (n *volumeNode) newChildInode(ctx context.Context, childPath string, st Stat) *gofuse.Inode {
	node := &volumeNode{state: n.state, path: childPath}
	return n.NewInode(ctx, node, gofuse.StableAttr{
		Mode: st.Mode & uint32(sIFMT),
		Ino:  st.Ino + 1,
	})
}

func (n *volumeNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.state.mu.Lock()
	st, err := n.state.vol.Getattr(n.child(name))
	n.state.mu.Unlock()
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(&out.Attr, st)
	return n.newChildInode(ctx, n.child(name), st), 0
}

func (n *volumeNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.state.mu.Lock()
	st, err := n.state.vol.Getattr(n.path)
	n.state.mu.Unlock()
	if err != nil {
		return errno(err)
	}
	fillAttr(&out.Attr, st)
	return 0
}

func (n *volumeNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()

	if size, ok := in.GetSize(); ok {
		if err := n.state.vol.Truncate(n.path, int64(size)); err != nil {
			return errno(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := n.state.vol.Chmod(n.path, mode); err != nil {
			return errno(err)
		}
	}
	uid, hasUid := in.GetUID()
	gid, hasGid := in.GetGID()
	if hasUid || hasGid {
		u, g := -1, -1
		if hasUid {
			u = int(uid)
		}
		if hasGid {
			g = int(gid)
		}
		if err := n.state.vol.Chown(n.path, u, g); err != nil {
			return errno(err)
		}
	}
	atime, hasAtime := in.GetATime()
	mtime, hasMtime := in.GetMTime()
	if hasAtime || hasMtime {
		var at, mt *time.Time
		if hasAtime {
			at = &atime
		}
		if hasMtime {
			mt = &mtime
		}
		if err := n.state.vol.Utimens(n.path, at, mt); err != nil {
			return errno(err)
		}
	}

	st, err := n.state.vol.Getattr(n.path)
	if err != nil {
		return errno(err)
	}
	fillAttr(&out.Attr, st)
	return 0
}

func (n *volumeNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	return errno(n.state.vol.Access(n.path))
}

func (n *volumeNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()

	names, err := n.state.vol.ReadDirNames(n.path)
	if err != nil {
		return nil, errno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		st, err := n.state.vol.Getattr(n.child(name))
		if err != nil {
			return nil, errno(err)
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: st.Mode & uint32(sIFMT),
			Ino:  st.Ino + 1,
		})
	}
	return &sliceDirStream{entries: entries}, 0
}

func (n *volumeNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	n.state.mu.Lock()
	childPath := n.child(name)
	err := n.state.vol.Mknod(childPath, mode)
	var st Stat
	if err == nil {
		st, err = n.state.vol.Getattr(childPath)
	}
	n.state.mu.Unlock()
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	fillAttr(&out.Attr, st)
	return n.newChildInode(ctx, childPath, st), nil, 0, 0
}

func (n *volumeNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.state.mu.Lock()
	childPath := n.child(name)
	err := n.state.vol.Mkdir(childPath, mode)
	var st Stat
	if err == nil {
		st, err = n.state.vol.Getattr(childPath)
	}
	n.state.mu.Unlock()
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(&out.Attr, st)
	return n.newChildInode(ctx, childPath, st), 0
}

func (n *volumeNode) Unlink(ctx context.Context, name string) syscall.Errno {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	return errno(n.state.vol.Unlink(n.child(name)))
}

func (n *volumeNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	return errno(n.state.vol.Rmdir(n.child(name)))
}

func (n *volumeNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		// RENAME_EXCHANGE and friends are not supported.
		return syscall.EINVAL
	}
	np, ok := newParent.(*volumeNode)
	if !ok {
		return syscall.EXDEV
	}
	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	return errno(n.state.vol.Rename(n.child(name), np.child(newName)))
}

func (n *volumeNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	if err := n.state.vol.Access(n.path); err != nil {
		return nil, 0, errno(err)
	}
	return nil, 0, 0
}

func (n *volumeNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n.state.mu.Lock()
	got, err := n.state.vol.ReadAt(n.path, dest, off)
	n.state.mu.Unlock()
	if err != nil {
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:got]), 0
}

func (n *volumeNode) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n.state.mu.Lock()
	wrote, err := n.state.vol.WriteAt(n.path, data, off)
	n.state.mu.Unlock()
	if err != nil {
		return 0, errno(err)
	}
	return uint32(wrote), 0
}

// Fsync has nothing to flush; writes land in the mapped region as they
// happen.
func (n *volumeNode) Fsync(ctx context.Context, f gofuse.FileHandle, flags uint32) syscall.Errno {
	return 0
}

func (n *volumeNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	n.state.mu.Lock()
	st, err := n.state.vol.Statfs()
	n.state.mu.Unlock()
	if err != nil {
		return errno(err)
	}
	out.Bsize = uint32(st.BlockSize)
	out.Frsize = uint32(st.BlockSize)
	out.Blocks = st.Blocks
	out.Bfree = st.BlocksFree
	out.Bavail = st.BlocksFree
	out.Files = st.Inodes
	out.Ffree = st.InodesFree
	out.NameLen = uint32(st.NameMax)
	return 0
}

type sliceDirStream struct {
	entries []fuse.DirEntry
	next    int
}

func (s *sliceDirStream) HasNext() bool { return s.next < len(s.entries) }

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := s.entries[s.next]
	s.next++
	return e, 0
}

func (s *sliceDirStream) Close() {}
