package arenafs

import (
	"errors"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/absfs/absfs"
)

// FileSystem adapts a Volume to the absfs.FileSystem interface. It
// adds the process-side state a Volume deliberately lacks: a working
// directory, a umask, and the mutex that serializes volume access.
type FileSystem struct {
	mu      sync.Mutex
	vol     *Volume
	cwd     string
	umask   os.FileMode
	tempdir string
}

// NewFS wraps vol for use through absfs interfaces.
func NewFS(vol *Volume) *FileSystem {
	return &FileSystem{
		vol:     vol,
		cwd:     "/",
		umask:   0022,
		tempdir: "/tmp",
	}
}

// cleanPath makes name absolute against the working directory and
// collapses dots and repeated separators.
func (fs *FileSystem) cleanPath(name string) string {
	if !path.IsAbs(name) {
		name = path.Join(fs.cwd, name)
	}
	return path.Clean(name)
}

func fileMode(mode uint32) os.FileMode {
	fm := os.FileMode(mode & 0777)
	if mode&sIFMT == sIFDIR {
		fm |= os.ModeDir
	}
	return fm
}

// OpenFile opens or creates the file named by name.
func (fs *FileSystem) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p := fs.cleanPath(name)
	wrap := func(err error) (absfs.File, error) {
		return &absfs.InvalidFile{Path: name}, &os.PathError{Op: "open", Path: name, Err: err}
	}

	st, err := fs.vol.Getattr(p)
	switch {
	case err == nil:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return wrap(syscall.EEXIST)
		}
		if st.Mode&sIFMT == sIFDIR {
			if flag&absfs.O_ACCESS != os.O_RDONLY || flag&os.O_TRUNC != 0 {
				return wrap(syscall.EISDIR)
			}
		} else if flag&os.O_TRUNC != 0 {
			if err := fs.vol.Truncate(p, 0); err != nil {
				return wrap(err)
			}
		}
	case errors.Is(err, syscall.ENOENT) && flag&os.O_CREATE != 0:
		create := uint32(perm.Perm() &^ fs.umask.Perm())
		if err := fs.vol.Mknod(p, create); err != nil {
			return wrap(err)
		}
	default:
		return wrap(err)
	}
	return &File{fs: fs, name: name, path: p, flags: flag}, nil
}

func (fs *FileSystem) Open(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *FileSystem) Create(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// Mkdir creates a directory with the given permissions, less the
// umask.
func (fs *FileSystem) Mkdir(name string, perm os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p := fs.cleanPath(name)
	if err := fs.vol.Mkdir(p, uint32(perm.Perm()&^fs.umask.Perm())); err != nil {
		return &os.PathError{Op: "mkdir", Path: name, Err: err}
	}
	return nil
}

// MkdirAll creates name and any missing parents. Existing directories
// along the way are not an error.
func (fs *FileSystem) MkdirAll(name string, perm os.FileMode) error {
	fs.mu.Lock()
	p := fs.cleanPath(name)
	fs.mu.Unlock()

	walk := "/"
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		walk = path.Join(walk, part)
		err := fs.Mkdir(walk, perm)
		if err != nil && !errors.Is(err, os.ErrExist) {
			return err
		}
	}
	return nil
}

// Remove removes a file or an empty directory.
func (fs *FileSystem) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p := fs.cleanPath(name)
	st, err := fs.vol.Getattr(p)
	if err == nil {
		if st.Mode&sIFMT == sIFDIR {
			err = fs.vol.Rmdir(p)
		} else {
			err = fs.vol.Unlink(p)
		}
	}
	if err != nil {
		return &os.PathError{Op: "remove", Path: name, Err: err}
	}
	return nil
}

// RemoveAll removes name and everything below it. A missing target is
// not an error.
func (fs *FileSystem) RemoveAll(name string) error {
	fs.mu.Lock()
	p := fs.cleanPath(name)
	fs.mu.Unlock()
	err := fs.removeAll(p)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (fs *FileSystem) removeAll(p string) error {
	fs.mu.Lock()
	st, err := fs.vol.Getattr(p)
	if err != nil {
		fs.mu.Unlock()
		return &os.PathError{Op: "remove", Path: p, Err: err}
	}
	if st.Mode&sIFMT == sIFDIR {
		names, err := fs.vol.ReadDirNames(p)
		fs.mu.Unlock()
		if err != nil {
			return &os.PathError{Op: "remove", Path: p, Err: err}
		}
		for _, name := range names {
			if err := fs.removeAll(path.Join(p, name)); err != nil {
				return err
			}
		}
	} else {
		fs.mu.Unlock()
	}
	return fs.Remove(p)
}

// Rename moves oldname to newname. Directories replace only empty
// directories; files replace files.
func (fs *FileSystem) Rename(oldname, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	op, np := fs.cleanPath(oldname), fs.cleanPath(newname)
	if err := fs.vol.Rename(op, np); err != nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: err}
	}
	return nil
}

func (fs *FileSystem) Stat(name string) (os.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p := fs.cleanPath(name)
	st, err := fs.vol.Getattr(p)
	if err != nil {
		return nil, &os.PathError{Op: "stat", Path: name, Err: err}
	}
	return &FileInfo{name: path.Base(p), stat: st}, nil
}

// Lstat is identical to Stat; the volume has no symlinks to stop at.
func (fs *FileSystem) Lstat(name string) (os.FileInfo, error) {
	return fs.Stat(name)
}

func (fs *FileSystem) Truncate(name string, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p := fs.cleanPath(name)
	if err := fs.vol.Truncate(p, size); err != nil {
		return &os.PathError{Op: "truncate", Path: name, Err: err}
	}
	return nil
}

func (fs *FileSystem) Chmod(name string, mode os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p := fs.cleanPath(name)
	if err := fs.vol.Chmod(p, uint32(mode.Perm())); err != nil {
		return &os.PathError{Op: "chmod", Path: name, Err: err}
	}
	return nil
}

func (fs *FileSystem) Chown(name string, uid, gid int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p := fs.cleanPath(name)
	if err := fs.vol.Chown(p, uid, gid); err != nil {
		return &os.PathError{Op: "chown", Path: name, Err: err}
	}
	return nil
}

func (fs *FileSystem) Chtimes(name string, atime time.Time, mtime time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p := fs.cleanPath(name)
	if err := fs.vol.Utimens(p, &atime, &mtime); err != nil {
		return &os.PathError{Op: "chtimes", Path: name, Err: err}
	}
	return nil
}

// Chdir sets the working directory used to resolve relative names.
func (fs *FileSystem) Chdir(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p := fs.cleanPath(name)
	st, err := fs.vol.Getattr(p)
	if err != nil {
		return &os.PathError{Op: "chdir", Path: name, Err: err}
	}
	if st.Mode&sIFMT != sIFDIR {
		return &os.PathError{Op: "chdir", Path: name, Err: syscall.ENOTDIR}
	}
	fs.cwd = p
	return nil
}

func (fs *FileSystem) Getwd() (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cwd, nil
}

func (fs *FileSystem) TempDir() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.tempdir
}

func (fs *FileSystem) SetTempdir(dir string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.tempdir = dir
}

func (fs *FileSystem) Umask() os.FileMode {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.umask
}

func (fs *FileSystem) SetUmask(umask os.FileMode) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.umask = umask
}

func (fs *FileSystem) Separator() uint8     { return '/' }
func (fs *FileSystem) ListSeparator() uint8 { return ':' }

// Close detaches nothing; the region's lifetime belongs to whoever
// mapped it.
func (fs *FileSystem) Close() error { return nil }
