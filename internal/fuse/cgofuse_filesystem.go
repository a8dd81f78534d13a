//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mrizaln/madbfs-sub001/internal/tree"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/types"
)

// CgoFuseFS serves the tree through cgofuse's path-based interface.
type CgoFuseFS struct {
	fuse.FileSystemBase

	fsys   *FileSystem
	config *MountConfig

	mu      sync.Mutex
	host    *fuse.FileSystemHost
	mounted bool
	ready   chan struct{}
	done    chan struct{}
}

// NewCgoFuseFS creates a new cgofuse-based filesystem
func NewCgoFuseFS(filesystem *FileSystem, config *MountConfig) *CgoFuseFS {
	return &CgoFuseFS{fsys: filesystem, config: config}
}

// Init is called by the host once the kernel accepted the mount.
func (c *CgoFuseFS) Init() {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if ready != nil {
		close(ready)
	}
}

// Mount mounts the filesystem and returns once it is live.
func (c *CgoFuseFS) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return errors.NewError(errors.ErrCodeInvalidState, "filesystem is already mounted").
			WithComponent("mount").WithPath(c.config.MountPoint)
	}
	c.host = fuse.NewFileSystemHost(c)
	c.host.SetCapReaddirPlus(false)
	c.ready = make(chan struct{})
	c.done = make(chan struct{})
	host, ready, done := c.host, c.ready, c.done
	c.mu.Unlock()

	o := c.config.Options
	opts := []string{"-o", "fsname=" + o.FSName, "-o", "subtype=" + o.Subtype}
	if o.AllowOther {
		opts = append(opts, "-o", "allow_other")
	}
	if o.ReadOnly {
		opts = append(opts, "-o", "ro")
	}
	if o.Debug {
		opts = append(opts, "-d")
	}

	failed := make(chan struct{})
	go func() {
		defer close(done)
		if !host.Mount(c.config.MountPoint, opts) {
			close(failed)
		}
		c.mu.Lock()
		c.mounted = false
		c.mu.Unlock()
	}()

	select {
	case <-ready:
	case <-failed:
		return errors.NewError(errors.ErrCodeMountFailed, "failed to mount filesystem").
			WithComponent("mount").WithPath(c.config.MountPoint)
	case <-ctx.Done():
		host.Unmount()
		return ctx.Err()
	}

	c.mu.Lock()
	c.mounted = true
	c.mu.Unlock()
	c.fsys.log.Info("mounted", zap.String("mount_point", c.config.MountPoint), zap.String("adapter", "cgofuse"))
	return nil
}

// Unmount unmounts the filesystem
func (c *CgoFuseFS) Unmount() error {
	c.mu.Lock()
	host := c.host
	mounted := c.mounted
	c.mu.Unlock()

	if !mounted || host == nil {
		return errors.NewError(errors.ErrCodeInvalidState, "filesystem is not mounted").
			WithComponent("mount").WithPath(c.config.MountPoint)
	}
	// the mount goroutine takes mu on its way out
	if !host.Unmount() {
		return errors.NewError(errors.ErrCodeMountFailed, "unmount failed").
			WithComponent("mount").WithPath(c.config.MountPoint)
	}
	c.mu.Lock()
	c.mounted = false
	c.mu.Unlock()
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (c *CgoFuseFS) IsMounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

// Wait blocks until the host returns from its mount loop.
func (c *CgoFuseFS) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (c *CgoFuseFS) GetStats() *FilesystemStats {
	return c.fsys.GetStats()
}

func (c *CgoFuseFS) errno(op, path string, start time.Time, size int64, err error) int {
	return -int(c.fsys.finish(op, path, start, size, err))
}

func (c *CgoFuseFS) fillStat(e tree.Entry, stat *fuse.Stat_t) {
	st := e.Stat
	size := st.Size
	if e.Kind == tree.KindSymlink && size == 0 {
		size = int64(len(e.Target))
	}
	stat.Mode = st.Mode
	stat.Nlink = uint32(st.Links)
	stat.Uid = st.UID
	stat.Gid = st.GID
	stat.Size = size
	stat.Blksize = c.fsys.tree.Cache().PageSize()
	stat.Blocks = (size + 511) / 512
	stat.Atim = fuse.NewTimespec(st.Atime)
	stat.Mtim = fuse.NewTimespec(st.Mtime)
	stat.Ctim = fuse.NewTimespec(st.Ctime)
}

// Getattr gets file attributes
func (c *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	start := time.Now()
	e, err := c.fsys.tree.GetAttr(context.Background(), path)
	if err == nil {
		c.fillStat(e, stat)
	}
	return c.errno("getattr", path, start, 0, err)
}

// Readdir reads directory contents
func (c *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	start := time.Now()
	entries, err := c.fsys.tree.Readdir(context.Background(), path)
	if err != nil {
		return c.errno("readdir", path, start, 0, err)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, e := range entries {
		stat := &fuse.Stat_t{}
		c.fillStat(e, stat)
		if !fill(e.Name, stat, 0) {
			break
		}
	}
	return c.errno("readdir", path, start, int64(len(entries)), nil)
}

// Readlink reads the link target
func (c *CgoFuseFS) Readlink(path string) (int, string) {
	start := time.Now()
	target, err := c.fsys.tree.Readlink(context.Background(), path)
	if err == nil {
		target, err = c.fsys.linkTarget(target)
	}
	return c.errno("readlink", path, start, 0, err), target
}

// Mknod creates a regular file
func (c *CgoFuseFS) Mknod(path string, mode uint32, dev uint64) int {
	if errno := c.fsys.writable(); errno != 0 {
		return -int(errno)
	}
	start := time.Now()
	_, err := c.fsys.tree.Mknod(context.Background(), path, mode, dev)
	if err == nil {
		c.fsys.stats.Creates.Add(1)
	}
	return c.errno("mknod", path, start, 0, err)
}

// Mkdir creates a directory
func (c *CgoFuseFS) Mkdir(path string, mode uint32) int {
	if errno := c.fsys.writable(); errno != 0 {
		return -int(errno)
	}
	start := time.Now()
	_, err := c.fsys.tree.Mkdir(context.Background(), path, mode)
	if err == nil {
		c.fsys.stats.Creates.Add(1)
	}
	return c.errno("mkdir", path, start, 0, err)
}

// Unlink removes a file
func (c *CgoFuseFS) Unlink(path string) int {
	if errno := c.fsys.writable(); errno != 0 {
		return -int(errno)
	}
	start := time.Now()
	err := c.fsys.tree.Unlink(context.Background(), path)
	if err == nil {
		c.fsys.stats.Deletes.Add(1)
	}
	return c.errno("unlink", path, start, 0, err)
}

// Rmdir removes an empty directory
func (c *CgoFuseFS) Rmdir(path string) int {
	if errno := c.fsys.writable(); errno != 0 {
		return -int(errno)
	}
	start := time.Now()
	err := c.fsys.tree.Rmdir(context.Background(), path)
	if err == nil {
		c.fsys.stats.Deletes.Add(1)
	}
	return c.errno("rmdir", path, start, 0, err)
}

// Rename renames a file. cgofuse does not pass rename flags.
func (c *CgoFuseFS) Rename(oldpath string, newpath string) int {
	if errno := c.fsys.writable(); errno != 0 {
		return -int(errno)
	}
	start := time.Now()
	return c.errno("rename", oldpath, start, 0, c.fsys.tree.Rename(context.Background(), oldpath, newpath, 0))
}

// Chmod is accepted and ignored.
func (c *CgoFuseFS) Chmod(path string, mode uint32) int {
	return 0
}

// Chown is accepted and ignored.
func (c *CgoFuseFS) Chown(path string, uid uint32, gid uint32) int {
	return 0
}

// Access is left to the device.
func (c *CgoFuseFS) Access(path string, mask uint32) int {
	return 0
}

func timeSpec(ts fuse.Timespec) types.TimeSpec {
	switch ts.Nsec {
	case unix.UTIME_NOW:
		return types.TimeSpec{Now: true}
	case unix.UTIME_OMIT:
		return types.TimeSpec{Omit: true}
	default:
		return types.TimeSpec{Time: ts.Time()}
	}
}

// Utimens changes the access and modification times
func (c *CgoFuseFS) Utimens(path string, tmsp []fuse.Timespec) int {
	if errno := c.fsys.writable(); errno != 0 {
		return -int(errno)
	}
	start := time.Now()
	atime, mtime := types.TimeSpec{Now: true}, types.TimeSpec{Now: true}
	if len(tmsp) >= 2 {
		atime, mtime = timeSpec(tmsp[0]), timeSpec(tmsp[1])
	}
	return c.errno("utimens", path, start, 0, c.fsys.tree.Utimens(context.Background(), path, atime, mtime))
}

// Truncate resizes a file
func (c *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	if errno := c.fsys.writable(); errno != 0 {
		return -int(errno)
	}
	start := time.Now()
	return c.errno("truncate", path, start, 0, c.fsys.tree.Truncate(context.Background(), path, size))
}

// Create creates and opens a file
func (c *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	if errno := c.fsys.writable(); errno != 0 {
		return -int(errno), ^uint64(0)
	}
	start := time.Now()
	if _, err := c.fsys.tree.Mknod(context.Background(), path, fuse.S_IFREG|(mode&0o7777), 0); err != nil {
		return c.errno("create", path, start, 0, err), ^uint64(0)
	}
	c.fsys.stats.Creates.Add(1)
	return c.Open(path, flags&^fuse.O_TRUNC)
}

// Open opens a file. Handles are tracked by the tree per path, so the
// returned handle is unused.
func (c *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	if flags&fuse.O_ACCMODE != fuse.O_RDONLY || flags&fuse.O_TRUNC != 0 {
		if errno := c.fsys.writable(); errno != 0 {
			return -int(errno), ^uint64(0)
		}
	}
	start := time.Now()
	c.fsys.stats.Opens.Add(1)
	if _, err := c.fsys.tree.Open(context.Background(), path, flags); err != nil {
		return c.errno("open", path, start, 0, err), ^uint64(0)
	}
	return c.errno("open", path, start, 0, nil), 0
}

// Read reads from a file
func (c *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	start := time.Now()
	c.fsys.stats.Reads.Add(1)
	n, err := c.fsys.tree.Read(context.Background(), path, buff, ofst)
	if err != nil {
		return c.errno("read", path, start, 0, err)
	}
	c.fsys.stats.BytesRead.Add(int64(n))
	c.errno("read", path, start, int64(n), nil)
	return n
}

// Write writes to a file
func (c *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	if errno := c.fsys.writable(); errno != 0 {
		return -int(errno)
	}
	start := time.Now()
	c.fsys.stats.Writes.Add(1)
	n, err := c.fsys.tree.Write(context.Background(), path, buff, ofst)
	if err != nil {
		return c.errno("write", path, start, int64(n), err)
	}
	c.fsys.stats.BytesWritten.Add(int64(n))
	c.errno("write", path, start, int64(n), nil)
	return n
}

// Flush pushes pending writes to the device
func (c *CgoFuseFS) Flush(path string, fh uint64) int {
	start := time.Now()
	return c.errno("flush", path, start, 0, c.fsys.tree.Flush(context.Background(), path))
}

// Fsync pushes pending writes to the device
func (c *CgoFuseFS) Fsync(path string, datasync bool, fh uint64) int {
	start := time.Now()
	return c.errno("fsync", path, start, 0, c.fsys.tree.Flush(context.Background(), path))
}

// Release closes a file
func (c *CgoFuseFS) Release(path string, fh uint64) int {
	start := time.Now()
	return c.errno("release", path, start, 0, c.fsys.tree.Release(context.Background(), path))
}
