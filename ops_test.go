package arenafs

import (
	"fmt"
	"sort"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestMknod(t *testing.T) {
	vol := newTestVolume(t, 1<<20)

	t.Run("Create", func(t *testing.T) {
		if err := vol.Mknod("/file", 0640); err != nil {
			t.Fatalf("Mknod: %v", err)
		}
		st, err := vol.Getattr("/file")
		if err != nil {
			t.Fatal(err)
		}
		if st.Mode&sIFMT != sIFREG || st.Mode&0777 != 0640 {
			t.Errorf("mode %o", st.Mode)
		}
		if st.Nlink != 1 || st.Size != 0 {
			t.Errorf("nlink %d size %d, want 1 and 0", st.Nlink, st.Size)
		}
	})

	t.Run("Exists", func(t *testing.T) {
		if err := vol.Mknod("/file", 0644); err != syscall.EEXIST {
			t.Errorf("Mknod = %v, want EEXIST", err)
		}
	})

	t.Run("MissingParent", func(t *testing.T) {
		if err := vol.Mknod("/nope/file", 0644); err != syscall.ENOENT {
			t.Errorf("Mknod = %v, want ENOENT", err)
		}
	})

	t.Run("FileParent", func(t *testing.T) {
		if err := vol.Mknod("/file/child", 0644); err != syscall.ENOTDIR {
			t.Errorf("Mknod = %v, want ENOTDIR", err)
		}
	})

	t.Run("NameTooLong", func(t *testing.T) {
		long := strings.Repeat("x", NameMax+1)
		if err := vol.Mknod("/"+long, 0644); err != syscall.EINVAL {
			t.Errorf("Mknod = %v, want EINVAL", err)
		}
		if err := vol.Mknod("/"+long[:NameMax], 0644); err != nil {
			t.Errorf("Mknod at NameMax: %v", err)
		}
	})

	t.Run("NoBlockUntilWritten", func(t *testing.T) {
		before, _ := vol.Statfs()
		if err := vol.Mknod("/lazy", 0644); err != nil {
			t.Fatal(err)
		}
		after, _ := vol.Statfs()
		if before.BlocksFree != after.BlocksFree {
			t.Error("empty file consumed a data block")
		}
	})
}

func TestMkdir(t *testing.T) {
	vol := newTestVolume(t, 1<<20)

	if err := vol.Mkdir("/dir", 0750); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	st, err := vol.Getattr("/dir")
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode&sIFMT != sIFDIR || st.Mode&0777 != 0750 {
		t.Errorf("mode %o", st.Mode)
	}
	if st.Nlink != 2 {
		t.Errorf("nlink %d, want 2", st.Nlink)
	}
	if st.Size != 2*DirEntrySize {
		t.Errorf("size %d, want %d", st.Size, 2*DirEntrySize)
	}

	root, _ := vol.Getattr("/")
	if root.Nlink != 3 {
		t.Errorf("root nlink %d after one subdirectory, want 3", root.Nlink)
	}

	if err := vol.Mkdir("/dir", 0755); err != syscall.EEXIST {
		t.Errorf("Mkdir = %v, want EEXIST", err)
	}
}

func TestDirectoryFull(t *testing.T) {
	vol := newTestVolume(t, 1<<20)
	if err := vol.Mkdir("/crowded", 0755); err != nil {
		t.Fatal(err)
	}
	// "." and ".." occupy two of the block's entry slots.
	room := entriesPerBlock - 2
	for i := 0; i < room; i++ {
		if err := vol.Mknod(fmt.Sprintf("/crowded/f%02d", i), 0644); err != nil {
			t.Fatalf("Mknod %d: %v", i, err)
		}
	}
	if err := vol.Mknod("/crowded/overflow", 0644); err != syscall.ENOSPC {
		t.Fatalf("Mknod into full directory = %v, want ENOSPC", err)
	}

	// A failed create must not leak the inode it reserved.
	before, _ := vol.Statfs()
	vol.Mknod("/crowded/overflow", 0644)
	after, _ := vol.Statfs()
	if before.InodesFree != after.InodesFree {
		t.Error("failed create leaked an inode slot")
	}

	if err := vol.Unlink("/crowded/f00"); err != nil {
		t.Fatal(err)
	}
	if err := vol.Mknod("/crowded/overflow", 0644); err != nil {
		t.Errorf("Mknod after freeing a slot: %v", err)
	}
}

func TestUnlink(t *testing.T) {
	vol := newTestVolume(t, 1<<20)
	if err := vol.Mknod("/data", 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := vol.WriteAt("/data", []byte("payload"), 0); err != nil {
		t.Fatal(err)
	}
	if err := vol.Mkdir("/dir", 0755); err != nil {
		t.Fatal(err)
	}

	t.Run("Directory", func(t *testing.T) {
		if err := vol.Unlink("/dir"); err != syscall.EISDIR {
			t.Errorf("Unlink(dir) = %v, want EISDIR", err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if err := vol.Unlink("/absent"); err != syscall.ENOENT {
			t.Errorf("Unlink = %v, want ENOENT", err)
		}
	})

	t.Run("DotLeaf", func(t *testing.T) {
		if err := vol.Unlink("/dir/."); err != syscall.EINVAL {
			t.Errorf("Unlink(/dir/.) = %v, want EINVAL", err)
		}
		if err := vol.Unlink("/dir/.."); err != syscall.EINVAL {
			t.Errorf("Unlink(/dir/..) = %v, want EINVAL", err)
		}
	})

	t.Run("ReleasesSlots", func(t *testing.T) {
		before, _ := vol.Statfs()
		if err := vol.Unlink("/data"); err != nil {
			t.Fatalf("Unlink: %v", err)
		}
		if _, err := vol.Getattr("/data"); err != syscall.ENOENT {
			t.Errorf("Getattr after unlink = %v, want ENOENT", err)
		}
		after, _ := vol.Statfs()
		if after.InodesFree != before.InodesFree+1 {
			t.Error("inode slot not released")
		}
		if after.BlocksFree != before.BlocksFree+1 {
			t.Error("data block not released")
		}
	})
}

func TestRmdir(t *testing.T) {
	vol := newTestVolume(t, 1<<20)
	if err := vol.Mkdir("/outer", 0755); err != nil {
		t.Fatal(err)
	}
	if err := vol.Mkdir("/outer/inner", 0755); err != nil {
		t.Fatal(err)
	}
	if err := vol.Mknod("/plain", 0644); err != nil {
		t.Fatal(err)
	}

	t.Run("NotEmpty", func(t *testing.T) {
		if err := vol.Rmdir("/outer"); err != syscall.ENOTEMPTY {
			t.Errorf("Rmdir = %v, want ENOTEMPTY", err)
		}
	})

	t.Run("File", func(t *testing.T) {
		if err := vol.Rmdir("/plain"); err != syscall.ENOTDIR {
			t.Errorf("Rmdir = %v, want ENOTDIR", err)
		}
	})

	t.Run("Root", func(t *testing.T) {
		if err := vol.Rmdir("/"); err != syscall.EINVAL {
			t.Errorf("Rmdir(/) = %v, want EINVAL", err)
		}
	})

	t.Run("DotLeaf", func(t *testing.T) {
		// "/outer/." names outer itself; removing it would orphan the
		// root's entry for outer.
		if err := vol.Rmdir("/outer/."); err != syscall.EINVAL {
			t.Errorf("Rmdir(/outer/.) = %v, want EINVAL", err)
		}
		if err := vol.Rmdir("/outer/inner/.."); err != syscall.EINVAL {
			t.Errorf("Rmdir(/outer/inner/..) = %v, want EINVAL", err)
		}
		st, err := vol.Getattr("/outer")
		if err != nil {
			t.Fatalf("Getattr after rejected Rmdir: %v", err)
		}
		if st.Mode&sIFMT != sIFDIR || st.Nlink == 0 {
			t.Errorf("directory damaged by rejected Rmdir: mode %o nlink %d", st.Mode, st.Nlink)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		outerBefore, _ := vol.Getattr("/outer")
		if err := vol.Rmdir("/outer/inner"); err != nil {
			t.Fatalf("Rmdir: %v", err)
		}
		outerAfter, _ := vol.Getattr("/outer")
		if outerAfter.Nlink != outerBefore.Nlink-1 {
			t.Errorf("parent nlink %d, want %d", outerAfter.Nlink, outerBefore.Nlink-1)
		}
		if err := vol.Rmdir("/outer"); err != nil {
			t.Errorf("Rmdir emptied dir: %v", err)
		}
	})
}

func TestReadDirNames(t *testing.T) {
	vol := newTestVolume(t, 1<<20)
	if err := vol.Mkdir("/d", 0755); err != nil {
		t.Fatal(err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	for _, name := range want {
		if err := vol.Mknod("/d/"+name, 0644); err != nil {
			t.Fatal(err)
		}
	}
	names, err := vol.ReadDirNames("/d")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(names)
	if len(names) != len(want) {
		t.Fatalf("listed %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}

	if _, err := vol.ReadDirNames("/d/alpha"); err != syscall.ENOTDIR {
		t.Errorf("ReadDirNames(file) = %v, want ENOTDIR", err)
	}
}

func TestRename(t *testing.T) {
	newVol := func(t *testing.T) *Volume {
		vol := newTestVolume(t, 1<<20)
		if err := vol.Mkdir("/src", 0755); err != nil {
			t.Fatal(err)
		}
		if err := vol.Mkdir("/dst", 0755); err != nil {
			t.Fatal(err)
		}
		if err := vol.Mknod("/src/file", 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := vol.WriteAt("/src/file", []byte("contents"), 0); err != nil {
			t.Fatal(err)
		}
		return vol
	}

	t.Run("SimpleMove", func(t *testing.T) {
		vol := newVol(t)
		if err := vol.Rename("/src/file", "/dst/file"); err != nil {
			t.Fatalf("Rename: %v", err)
		}
		if _, err := vol.Getattr("/src/file"); err != syscall.ENOENT {
			t.Error("source still present")
		}
		p := make([]byte, 16)
		n, err := vol.ReadAt("/dst/file", p, 0)
		if err != nil || string(p[:n]) != "contents" {
			t.Errorf("destination read %q, %v", p[:n], err)
		}
	})

	t.Run("RenameToSelf", func(t *testing.T) {
		vol := newVol(t)
		if err := vol.Rename("/src/file", "/src/file"); err != nil {
			t.Errorf("Rename to self = %v, want nil", err)
		}
		if _, err := vol.Getattr("/src/file"); err != nil {
			t.Error("file vanished after rename to self")
		}
	})

	t.Run("ReplaceFile", func(t *testing.T) {
		vol := newVol(t)
		if err := vol.Mknod("/dst/file", 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := vol.WriteAt("/dst/file", []byte("old old old"), 0); err != nil {
			t.Fatal(err)
		}
		before, _ := vol.Statfs()
		if err := vol.Rename("/src/file", "/dst/file"); err != nil {
			t.Fatalf("Rename: %v", err)
		}
		p := make([]byte, 16)
		n, _ := vol.ReadAt("/dst/file", p, 0)
		if string(p[:n]) != "contents" {
			t.Errorf("destination read %q, want replacement", p[:n])
		}
		after, _ := vol.Statfs()
		if after.InodesFree != before.InodesFree+1 {
			t.Error("replaced file's inode not released")
		}
	})

	t.Run("DirOverEmptyDir", func(t *testing.T) {
		vol := newVol(t)
		if err := vol.Mkdir("/dst/sub", 0755); err != nil {
			t.Fatal(err)
		}
		if err := vol.Rename("/src", "/dst/sub"); err != nil {
			t.Fatalf("Rename: %v", err)
		}
		if _, err := vol.Getattr("/dst/sub/file"); err != nil {
			t.Errorf("moved tree unreadable: %v", err)
		}
	})

	t.Run("DirOverNonEmptyDir", func(t *testing.T) {
		vol := newVol(t)
		if err := vol.Mkdir("/dst/sub", 0755); err != nil {
			t.Fatal(err)
		}
		if err := vol.Mknod("/dst/sub/occupant", 0644); err != nil {
			t.Fatal(err)
		}
		if err := vol.Rename("/src", "/dst/sub"); err != syscall.ENOTEMPTY {
			t.Errorf("Rename = %v, want ENOTEMPTY", err)
		}
	})

	t.Run("FileOverDir", func(t *testing.T) {
		vol := newVol(t)
		if err := vol.Rename("/src/file", "/dst"); err != syscall.EISDIR {
			t.Errorf("Rename = %v, want EISDIR", err)
		}
	})

	t.Run("DirOverFile", func(t *testing.T) {
		vol := newVol(t)
		if err := vol.Mknod("/blocker", 0644); err != nil {
			t.Fatal(err)
		}
		if err := vol.Rename("/src", "/blocker"); err != syscall.ENOTDIR {
			t.Errorf("Rename = %v, want ENOTDIR", err)
		}
	})

	t.Run("Root", func(t *testing.T) {
		vol := newVol(t)
		if err := vol.Rename("/", "/dst/root"); err != syscall.EINVAL {
			t.Errorf("Rename(/) = %v, want EINVAL", err)
		}
	})

	t.Run("IntoOwnSubtree", func(t *testing.T) {
		vol := newVol(t)
		if err := vol.Rename("/src", "/src/file/deeper"); err == nil {
			t.Error("Rename into own subtree succeeded")
		}
		if err := vol.Mkdir("/src/sub", 0755); err != nil {
			t.Fatal(err)
		}
		if err := vol.Rename("/src", "/src/sub/down"); err != syscall.EINVAL {
			t.Errorf("Rename = %v, want EINVAL", err)
		}
	})

	t.Run("ParentLinkFollowsMove", func(t *testing.T) {
		vol := newVol(t)
		if err := vol.Mkdir("/src/sub", 0755); err != nil {
			t.Fatal(err)
		}
		if err := vol.Rename("/src/sub", "/dst/sub"); err != nil {
			t.Fatalf("Rename: %v", err)
		}
		up, err := vol.Getattr("/dst/sub/..")
		if err != nil {
			t.Fatal(err)
		}
		dst, _ := vol.Getattr("/dst")
		if up.Ino != dst.Ino {
			t.Errorf("moved directory's parent link slot %d, want %d", up.Ino, dst.Ino)
		}
		src, _ := vol.Getattr("/src")
		if src.Nlink != 2 {
			t.Errorf("old parent nlink %d, want 2", src.Nlink)
		}
		if dst.Nlink != 3 {
			t.Errorf("new parent nlink %d, want 3", dst.Nlink)
		}
	})

	t.Run("FullDestinationRollsBack", func(t *testing.T) {
		vol := newVol(t)
		for i := 0; i < entriesPerBlock-2; i++ {
			if err := vol.Mknod(fmt.Sprintf("/dst/f%02d", i), 0644); err != nil {
				t.Fatal(err)
			}
		}
		if err := vol.Rename("/src/file", "/dst/extra"); err != syscall.ENOSPC {
			t.Fatalf("Rename into full directory = %v, want ENOSPC", err)
		}
		// The source entry must be back where it started.
		p := make([]byte, 16)
		n, err := vol.ReadAt("/src/file", p, 0)
		if err != nil || string(p[:n]) != "contents" {
			t.Errorf("source after failed rename: %q, %v", p[:n], err)
		}
	})
}

func TestUtimens(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	uid, gid := uint32(0), uint32(0)
	vol, err := Attach(make([]byte, 1<<20), &Options{Uid: &uid, Gid: &gid, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	if err := vol.Mknod("/f", 0644); err != nil {
		t.Fatal(err)
	}

	t.Run("Explicit", func(t *testing.T) {
		at := time.Unix(1000, 0)
		mt := time.Unix(2000, 0)
		if err := vol.Utimens("/f", &at, &mt); err != nil {
			t.Fatal(err)
		}
		st, _ := vol.Getattr("/f")
		if !st.Atime.Equal(at) || !st.Mtime.Equal(mt) {
			t.Errorf("times %v/%v, want %v/%v", st.Atime, st.Mtime, at, mt)
		}
		if !st.Ctime.Equal(now) {
			t.Errorf("ctime %v, want %v", st.Ctime, now)
		}
	})

	t.Run("NilMeansNow", func(t *testing.T) {
		now = now.Add(time.Hour)
		if err := vol.Utimens("/f", nil, nil); err != nil {
			t.Fatal(err)
		}
		st, _ := vol.Getattr("/f")
		if !st.Atime.Equal(now) || !st.Mtime.Equal(now) {
			t.Errorf("times %v/%v, want %v", st.Atime, st.Mtime, now)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if err := vol.Utimens("/absent", nil, nil); err != syscall.ENOENT {
			t.Errorf("Utimens = %v, want ENOENT", err)
		}
	})
}

func TestChmodChown(t *testing.T) {
	vol := newTestVolume(t, 1<<20)
	if err := vol.Mknod("/f", 0644); err != nil {
		t.Fatal(err)
	}

	if err := vol.Chmod("/f", 0600); err != nil {
		t.Fatal(err)
	}
	st, _ := vol.Getattr("/f")
	if st.Mode&07777 != 0600 {
		t.Errorf("mode %o, want 600", st.Mode&07777)
	}
	if st.Mode&sIFMT != sIFREG {
		t.Error("chmod clobbered the type bits")
	}

	if err := vol.Chown("/f", 42, -1); err != nil {
		t.Fatal(err)
	}
	st, _ = vol.Getattr("/f")
	if st.Uid != 42 {
		t.Errorf("uid %d, want 42", st.Uid)
	}
	if st.Gid != 1000 {
		t.Errorf("gid %d changed by uid-only chown", st.Gid)
	}
}
