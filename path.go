package arenafs

import (
	"strings"
	"syscall"
)

func (v *Volume) rootInode() (inodeRef, error) {
	return v.inodeAt(v.rootOff)
}

// resolvePath walks an absolute slash-separated path from the root and
// returns the inode it names. "." and ".." components resolve through
// the directory entries like any other name.
func (v *Volume) resolvePath(path string) (inodeRef, error) {
	cur, err := v.rootInode()
	if err != nil {
		return inodeRef{}, err
	}
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}
		if !cur.isDir() {
			return inodeRef{}, syscall.ENOTDIR
		}
		childOff, _, err := v.dirLookup(cur, name)
		if err != nil {
			return inodeRef{}, err
		}
		cur, err = v.inodeAt(childOff)
		if err != nil {
			return inodeRef{}, err
		}
	}
	return cur, nil
}

// splitPath separates a path into its parent directory and final
// component. The root has no final component to split off.
func splitPath(path string) (string, string, error) {
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "", "", syscall.EINVAL
	}
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", "", syscall.EINVAL
	}
	if i == 0 {
		return "/", path[1:], nil
	}
	return path[:i], path[i+1:], nil
}

// resolveParent resolves the directory that holds path's final
// component, returning both.
func (v *Volume) resolveParent(path string) (inodeRef, string, error) {
	dir, name, err := splitPath(path)
	if err != nil {
		return inodeRef{}, "", err
	}
	parent, err := v.resolvePath(dir)
	if err != nil {
		return inodeRef{}, "", err
	}
	if !parent.isDir() {
		return inodeRef{}, "", syscall.ENOTDIR
	}
	return parent, name, nil
}
