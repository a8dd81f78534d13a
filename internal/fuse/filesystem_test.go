package fuse

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs-sub001/internal/cache"
	"github.com/mrizaln/madbfs-sub001/internal/connection/conntest"
	"github.com/mrizaln/madbfs-sub001/internal/tree"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/retry"
	"github.com/mrizaln/madbfs-sub001/pkg/types"
)

func newTestFS(t *testing.T, config *Config) (*FileSystem, *DirectoryNode, *conntest.Fake) {
	t.Helper()
	fake := conntest.New()
	c, err := cache.New(fake, cache.Config{PageSize: 64 * cache.KiB, CacheSize: 16 * cache.MiB}, nil)
	require.NoError(t, err)

	rc := retry.DefaultConfig()
	rc.InitialDelay = time.Millisecond
	rc.MaxDelay = 2 * time.Millisecond
	tr := tree.New(fake, c, tree.Config{StatTTL: time.Minute, Retry: rc})

	f := NewFileSystem(tr, nil, config)
	root := f.Root().(*DirectoryNode)
	fs.NewNodeFS(root, &fs.Options{})
	return f, root, fake
}

// lookup resolves name under dir and links the inode into the tree the way
// the kernel bridge would.
func lookup(t *testing.T, dir *DirectoryNode, name string) *fs.Inode {
	t.Helper()
	var out fuse.EntryOut
	ino, errno := dir.Lookup(context.Background(), name, &out)
	require.Equal(t, syscall.Errno(0), errno)
	dir.AddChild(name, ino, true)
	return ino
}

func TestFillAttr(t *testing.T) {
	f, _, _ := newTestFS(t, nil)
	now := time.Unix(1750000000, 5)
	e := tree.Entry{
		Name: "a.bin",
		Kind: tree.KindRegular,
		Stat: types.NewStat(types.Attr{
			Mode: syscall.S_IFREG | 0o640, Links: 1, Size: 1000,
			UID: 1000, GID: 1015, Atime: now, Mtime: now, Ctime: now,
		}),
	}

	var out fuse.Attr
	f.fillAttr(e, &out)
	assert.Equal(t, uint32(syscall.S_IFREG|0o640), out.Mode)
	assert.Equal(t, uint64(1000), out.Size)
	assert.Equal(t, uint64(2), out.Blocks)
	assert.Equal(t, uint32(64*1024), out.Blksize)
	assert.Equal(t, uint32(1000), out.Owner.Uid)
	assert.Equal(t, uint32(1015), out.Owner.Gid)
	assert.Equal(t, uint64(now.Unix()), out.Mtime)

	link := tree.Entry{Kind: tree.KindSymlink, Target: "/storage", Stat: types.NewStat(types.Attr{Mode: syscall.S_IFLNK | 0o777})}
	f.fillAttr(link, &out)
	assert.Equal(t, uint64(len("/storage")), out.Size)
	assert.Equal(t, uint32(1), out.Nlink)
}

func TestLinkTarget(t *testing.T) {
	f, _, _ := newTestFS(t, &Config{MountPoint: "/mnt/phone/"})

	got, err := f.linkTarget("/storage/emulated/0")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/phone/storage/emulated/0", got)

	got, err = f.linkTarget("../DCIM")
	require.NoError(t, err)
	assert.Equal(t, "../DCIM", got)

	_, err = f.linkTarget("")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
}

func TestTimeSpecs(t *testing.T) {
	in := &fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{
		Valid: fuse.FATTR_ATIME | fuse.FATTR_MTIME | fuse.FATTR_MTIME_NOW,
		Atime: 100,
	}}
	atime, mtime := timeSpecs(in)
	assert.Equal(t, int64(100), atime.Time.Unix())
	assert.False(t, atime.Omit)
	assert.True(t, mtime.Now)

	atime, mtime = timeSpecs(&fuse.SetAttrIn{})
	assert.True(t, atime.Omit)
	assert.True(t, mtime.Omit)
}

func TestRoot_Getattr(t *testing.T) {
	_, root, _ := newTestFS(t, nil)

	var out fuse.AttrOut
	errno := root.Getattr(context.Background(), nil, &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(syscall.S_IFDIR), out.Mode&syscall.S_IFMT)
}

func TestLookup(t *testing.T) {
	f, root, fake := newTestFS(t, nil)
	fake.AddFile("/notes.txt", []byte("hello"))
	fake.AddDir("/DCIM")
	fake.AddLink("/sdcard", "/storage/emulated/0")
	ctx := context.Background()

	var out fuse.EntryOut
	ino, errno := root.Lookup(ctx, "notes.txt", &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint64(5), out.Attr.Size)
	assert.IsType(t, &FileNode{}, ino.Operations())

	ino, errno = root.Lookup(ctx, "DCIM", &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.IsType(t, &DirectoryNode{}, ino.Operations())

	ino, errno = root.Lookup(ctx, "sdcard", &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.IsType(t, &SymlinkNode{}, ino.Operations())

	_, errno = root.Lookup(ctx, "missing", &out)
	assert.Equal(t, syscall.ENOENT, errno)

	stats := f.GetStats()
	assert.Equal(t, int64(4), stats.Lookups)
	assert.Equal(t, int64(1), stats.Errors)
}

func TestLookup_ReusesChild(t *testing.T) {
	_, root, fake := newTestFS(t, nil)
	fake.AddFile("/a", []byte("x"))

	first := lookup(t, root, "a")
	var out fuse.EntryOut
	second, errno := root.Lookup(context.Background(), "a", &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Same(t, first, second)
}

func TestReaddir(t *testing.T) {
	_, root, fake := newTestFS(t, nil)
	fake.AddFile("/b.txt", nil)
	fake.AddDir("/a")

	stream, errno := root.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	defer stream.Close()

	kinds := map[string]uint32{}
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, syscall.Errno(0), errno)
		kinds[e.Name] = e.Mode & syscall.S_IFMT
	}
	assert.Equal(t, map[string]uint32{"a": syscall.S_IFDIR, "b.txt": syscall.S_IFREG}, kinds)
}

func TestMkdirAndRmdir(t *testing.T) {
	f, root, fake := newTestFS(t, nil)
	ctx := context.Background()

	var out fuse.EntryOut
	ino, errno := root.Mkdir(ctx, "Music", 0o755, &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.IsType(t, &DirectoryNode{}, ino.Operations())
	assert.True(t, fake.Exists("/Music"))

	_, errno = root.Mkdir(ctx, "Music", 0o755, &out)
	assert.Equal(t, syscall.EEXIST, errno)

	require.Equal(t, syscall.Errno(0), root.Rmdir(ctx, "Music"))
	assert.False(t, fake.Exists("/Music"))
	assert.Equal(t, int64(1), f.GetStats().Creates)
	assert.Equal(t, int64(1), f.GetStats().Deletes)
}

func TestMknod_RejectsSpecialFiles(t *testing.T) {
	_, root, fake := newTestFS(t, nil)

	var out fuse.EntryOut
	_, errno := root.Mknod(context.Background(), "fifo", syscall.S_IFIFO|0o644, 0, &out)
	assert.Equal(t, syscall.EPERM, errno)
	assert.Equal(t, 0, fake.Calls("mknod"))

	_, errno = root.Mknod(context.Background(), "plain", syscall.S_IFREG|0o644, 0, &out)
	assert.Equal(t, syscall.Errno(0), errno)
	assert.True(t, fake.Exists("/plain"))
}

func TestCreateWriteRelease(t *testing.T) {
	f, root, fake := newTestFS(t, nil)
	ctx := context.Background()

	var out fuse.EntryOut
	ino, fh, _, errno := root.Create(ctx, "new.txt", syscall.O_RDWR|syscall.O_CREAT, 0o644, &out)
	require.Equal(t, syscall.Errno(0), errno)
	root.AddChild("new.txt", ino, true)
	handle := fh.(*FileHandle)

	n, errno := handle.Write(ctx, []byte("payload"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(7), n)

	// nothing reaches the device until flush
	data, _ := fake.Content("/new.txt")
	assert.Empty(t, data)

	require.Equal(t, syscall.Errno(0), handle.Flush(ctx))
	data, _ = fake.Content("/new.txt")
	assert.Equal(t, "payload", string(data))

	buf := make([]byte, 16)
	res, errno := handle.Read(ctx, buf, 3)
	require.Equal(t, syscall.Errno(0), errno)
	got, _ := res.Bytes(nil)
	assert.Equal(t, "load", string(got))

	require.Equal(t, syscall.Errno(0), handle.Release(ctx))

	stats := f.GetStats()
	assert.Equal(t, int64(1), stats.Creates)
	assert.Equal(t, int64(7), stats.BytesWritten)
	assert.Equal(t, int64(4), stats.BytesRead)
}

func TestOpen_ReadOnlyMount(t *testing.T) {
	_, root, fake := newTestFS(t, &Config{ReadOnly: true})
	fake.AddFile("/a.txt", []byte("abc"))
	ctx := context.Background()

	ino := lookup(t, root, "a.txt")
	file := ino.Operations().(*FileNode)

	_, _, errno := file.Open(ctx, syscall.O_WRONLY)
	assert.Equal(t, syscall.EROFS, errno)

	fh, _, errno := file.Open(ctx, syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)
	res, errno := fh.(*FileHandle).Read(ctx, make([]byte, 8), 0)
	require.Equal(t, syscall.Errno(0), errno)
	got, _ := res.Bytes(nil)
	assert.Equal(t, "abc", string(got))

	var out fuse.EntryOut
	_, errno = root.Mkdir(ctx, "x", 0o755, &out)
	assert.Equal(t, syscall.EROFS, errno)
	assert.Equal(t, syscall.EROFS, root.Unlink(ctx, "a.txt"))
}

func TestUnlink(t *testing.T) {
	_, root, fake := newTestFS(t, nil)
	fake.AddFile("/a.txt", []byte("abc"))
	fake.AddDir("/d")
	ctx := context.Background()

	assert.Equal(t, syscall.EISDIR, root.Unlink(ctx, "d"))
	require.Equal(t, syscall.Errno(0), root.Unlink(ctx, "a.txt"))
	assert.False(t, fake.Exists("/a.txt"))
	assert.Equal(t, syscall.ENOENT, root.Unlink(ctx, "a.txt"))
}

func TestRename(t *testing.T) {
	_, root, fake := newTestFS(t, nil)
	fake.AddFile("/a.txt", []byte("abc"))
	fake.AddDir("/dst")
	ctx := context.Background()

	dst := lookup(t, root, "dst")
	errno := root.Rename(ctx, "a.txt", dst.Operations(), "b.txt", 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.False(t, fake.Exists("/a.txt"))
	data, ok := fake.Content("/dst/b.txt")
	require.True(t, ok)
	assert.Equal(t, "abc", string(data))
}

func TestSetattr(t *testing.T) {
	_, root, fake := newTestFS(t, nil)
	fake.AddFile("/a.txt", []byte("abcdef"))
	ctx := context.Background()

	ino := lookup(t, root, "a.txt")
	file := ino.Operations().(*FileNode)

	in := &fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{
		Valid: fuse.FATTR_SIZE | fuse.FATTR_MTIME,
		Size:  2,
		Mtime: 1700000000,
	}}
	var out fuse.AttrOut
	require.Equal(t, syscall.Errno(0), file.Setattr(ctx, nil, in, &out))
	assert.Equal(t, uint64(2), out.Size)
	assert.Equal(t, uint64(1700000000), out.Mtime)

	data, _ := fake.Content("/a.txt")
	assert.Equal(t, "ab", string(data))
	assert.Equal(t, 1, fake.Calls("utimens"))
}

func TestReadlink(t *testing.T) {
	_, root, fake := newTestFS(t, &Config{MountPoint: "/mnt/phone"})
	fake.AddLink("/sdcard", "/storage/emulated/0")
	fake.AddLink("/rel", "sdcard")

	link := lookup(t, root, "sdcard").Operations().(*SymlinkNode)
	target, errno := link.Readlink(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "/mnt/phone/storage/emulated/0", string(target))

	rel := lookup(t, root, "rel").Operations().(*SymlinkNode)
	target, errno = rel.Readlink(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "sdcard", string(target))
}

func TestCopyFileRange(t *testing.T) {
	_, root, fake := newTestFS(t, nil)
	fake.AddFile("/src", []byte("0123456789"))
	fake.AddFile("/dst", nil)
	ctx := context.Background()

	src := lookup(t, root, "src").Operations().(*FileNode)
	dst := lookup(t, root, "dst")

	n, errno := src.CopyFileRange(ctx, nil, 2, dst, nil, 0, 4, 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(4), n)
	data, _ := fake.Content("/dst")
	assert.Equal(t, "2345", string(data))
}

func TestFinish_TransportErrorsBecomeErrno(t *testing.T) {
	f, root, fake := newTestFS(t, nil)
	fake.AddFile("/a.txt", nil)
	fake.Fail("stat", "/a.txt", errors.NewError(errors.ErrCodeNoDevice, "device offline"), 10)

	var out fuse.EntryOut
	_, errno := root.Lookup(context.Background(), "a.txt", &out)
	assert.Equal(t, syscall.ENODEV, errno)
	assert.Equal(t, int64(1), f.GetStats().Errors)
}

func TestValidateMountPoint(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, validateMountPoint(dir))

	err := validateMountPoint(filepath.Join(dir, "missing"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	err = validateMountPoint(file)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotDirectory))

	err = validateMountPoint("")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
}

func TestMountManager_Options(t *testing.T) {
	f, _, _ := newTestFS(t, nil)
	opts := DefaultMountOptions()
	opts.ReadOnly = true
	opts.AllowOther = true
	mgr := NewMountManager(f, &MountConfig{MountPoint: "/mnt/phone", Options: opts})

	fo := mgr.buildFUSEOptions()
	assert.Equal(t, "madbfs", fo.MountOptions.FsName)
	assert.Equal(t, "adb", fo.MountOptions.Name)
	assert.True(t, fo.MountOptions.AllowOther)
	assert.Contains(t, fo.MountOptions.Options, "ro")
	assert.Equal(t, time.Second, *fo.AttrTimeout)

	assert.True(t, f.config.ReadOnly)
	assert.Equal(t, "/mnt/phone", f.config.MountPoint)
	assert.False(t, mgr.IsMounted())

	err := mgr.Unmount()
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}
