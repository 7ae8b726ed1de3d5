package arenafs

import (
	"io"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/absfs/absfs"
)

// File is an open handle on a volume object. The handle carries the
// cursor and open flags; all data lives in the volume.
type File struct {
	fs    *FileSystem
	name  string
	path  string
	flags int

	offset    int64
	diroffset int
	closed    bool
}

func (f *File) Name() string { return f.name }

func (f *File) readable() bool {
	return f.flags&absfs.O_ACCESS != os.O_WRONLY
}

func (f *File) writable() bool {
	return f.flags&absfs.O_ACCESS != os.O_RDONLY
}

func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, &os.PathError{Op: "read", Path: f.name, Err: os.ErrClosed}
	}
	if !f.readable() {
		return 0, &os.PathError{Op: "read", Path: f.name, Err: syscall.EBADF}
	}
	f.fs.mu.Lock()
	n, err := f.fs.vol.ReadAt(f.path, p, f.offset)
	f.fs.mu.Unlock()
	if err != nil {
		return n, &os.PathError{Op: "read", Path: f.name, Err: err}
	}
	f.offset += int64(n)
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, &os.PathError{Op: "read", Path: f.name, Err: os.ErrClosed}
	}
	if !f.readable() {
		return 0, &os.PathError{Op: "read", Path: f.name, Err: syscall.EBADF}
	}
	f.fs.mu.Lock()
	n, err := f.fs.vol.ReadAt(f.path, p, off)
	f.fs.mu.Unlock()
	if err != nil {
		return n, &os.PathError{Op: "read", Path: f.name, Err: err}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: os.ErrClosed}
	}
	if !f.writable() {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: syscall.EBADF}
	}
	f.fs.mu.Lock()
	if f.flags&os.O_APPEND != 0 {
		st, err := f.fs.vol.Getattr(f.path)
		if err != nil {
			f.fs.mu.Unlock()
			return 0, &os.PathError{Op: "write", Path: f.name, Err: err}
		}
		f.offset = st.Size
	}
	n, err := f.fs.vol.WriteAt(f.path, p, f.offset)
	f.fs.mu.Unlock()
	f.offset += int64(n)
	if err != nil {
		return n, &os.PathError{Op: "write", Path: f.name, Err: err}
	}
	return n, nil
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: os.ErrClosed}
	}
	if !f.writable() {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: syscall.EBADF}
	}
	f.fs.mu.Lock()
	n, err := f.fs.vol.WriteAt(f.path, p, off)
	f.fs.mu.Unlock()
	if err != nil {
		return n, &os.PathError{Op: "write", Path: f.name, Err: err}
	}
	return n, nil
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, &os.PathError{Op: "seek", Path: f.name, Err: os.ErrClosed}
	}
	pos := f.offset
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos += offset
	case io.SeekEnd:
		f.fs.mu.Lock()
		st, err := f.fs.vol.Getattr(f.path)
		f.fs.mu.Unlock()
		if err != nil {
			return 0, &os.PathError{Op: "seek", Path: f.name, Err: err}
		}
		pos = st.Size + offset
	default:
		return 0, &os.PathError{Op: "seek", Path: f.name, Err: syscall.EINVAL}
	}
	if pos < 0 {
		return 0, &os.PathError{Op: "seek", Path: f.name, Err: syscall.EINVAL}
	}
	f.offset = pos
	return pos, nil
}

func (f *File) Stat() (os.FileInfo, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	st, err := f.fs.vol.Getattr(f.path)
	if err != nil {
		return nil, &os.PathError{Op: "stat", Path: f.name, Err: err}
	}
	return &FileInfo{name: path.Base(f.path), stat: st}, nil
}

// Sync is a no-op; writes land in the mapped region directly.
func (f *File) Sync() error { return nil }

func (f *File) Truncate(size int64) error {
	if f.closed {
		return &os.PathError{Op: "truncate", Path: f.name, Err: os.ErrClosed}
	}
	if !f.writable() {
		return &os.PathError{Op: "truncate", Path: f.name, Err: syscall.EBADF}
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if err := f.fs.vol.Truncate(f.path, size); err != nil {
		return &os.PathError{Op: "truncate", Path: f.name, Err: err}
	}
	return nil
}

// Readdirnames returns up to n names from the directory, continuing
// where the previous call left off. n < 1 returns everything.
func (f *File) Readdirnames(n int) ([]string, error) {
	if f.closed {
		return nil, &os.PathError{Op: "readdirent", Path: f.name, Err: os.ErrClosed}
	}
	f.fs.mu.Lock()
	names, err := f.fs.vol.ReadDirNames(f.path)
	f.fs.mu.Unlock()
	if err != nil {
		return nil, &os.PathError{Op: "readdirent", Path: f.name, Err: err}
	}
	if n < 1 {
		f.diroffset = len(names)
		return names, nil
	}
	if f.diroffset >= len(names) {
		return nil, io.EOF
	}
	rest := names[f.diroffset:]
	if len(rest) > n {
		rest = rest[:n]
	}
	f.diroffset += len(rest)
	return rest, nil
}

func (f *File) Readdir(n int) ([]os.FileInfo, error) {
	names, err := f.Readdirnames(n)
	if err != nil {
		return nil, err
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	infos := make([]os.FileInfo, 0, len(names))
	for _, name := range names {
		st, err := f.fs.vol.Getattr(path.Join(f.path, name))
		if err != nil {
			return nil, &os.PathError{Op: "readdirent", Path: f.name, Err: err}
		}
		infos = append(infos, &FileInfo{name: name, stat: st})
	}
	return infos, nil
}

func (f *File) Close() error {
	f.closed = true
	return nil
}

// FileInfo implements os.FileInfo over a Stat snapshot.
type FileInfo struct {
	name string
	stat Stat
}

func (i *FileInfo) Name() string       { return i.name }
func (i *FileInfo) Size() int64        { return i.stat.Size }
func (i *FileInfo) Mode() os.FileMode  { return fileMode(i.stat.Mode) }
func (i *FileInfo) ModTime() time.Time { return i.stat.Mtime }
func (i *FileInfo) IsDir() bool        { return i.stat.Mode&sIFMT == sIFDIR }
func (i *FileInfo) Sys() interface{}   { return i.stat }
