package fuse

import (
	"context"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/mrizaln/madbfs-sub001/internal/tree"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/types"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// FileSystem adapts the node tree to the kernel's FUSE requests. Both the
// go-fuse node types and the cgofuse adapter route through it.
type FileSystem struct {
	tree    *tree.Tree
	metrics types.MetricsCollector
	config  *Config
	log     *zap.Logger
	stats   *Stats
}

// Config represents FUSE filesystem configuration
type Config struct {
	// MountPoint prefixes absolute symlink targets so they resolve inside
	// the mount.
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
}

// Stats tracks filesystem operation statistics
type Stats struct {
	Lookups      atomic.Int64
	Opens        atomic.Int64
	Reads        atomic.Int64
	Writes       atomic.Int64
	Creates      atomic.Int64
	Deletes      atomic.Int64
	BytesRead    atomic.Int64
	BytesWritten atomic.Int64
	Errors       atomic.Int64
}

// NewFileSystem creates a new FUSE filesystem over t.
func NewFileSystem(t *tree.Tree, metrics types.MetricsCollector, config *Config) *FileSystem {
	if config == nil {
		config = &Config{}
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	return &FileSystem{
		tree:    t,
		metrics: metrics,
		config:  config,
		log:     utils.Component("fuse"),
		stats:   &Stats{},
	}
}

// Root returns the root inode
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{node: node{fsys: f}}
}

// Tree returns the tree the filesystem serves.
func (f *FileSystem) Tree() *tree.Tree { return f.tree }

// GetStats returns current filesystem statistics
func (f *FileSystem) GetStats() *FilesystemStats {
	s := f.stats
	return &FilesystemStats{
		Lookups:      s.Lookups.Load(),
		Opens:        s.Opens.Load(),
		Reads:        s.Reads.Load(),
		Writes:       s.Writes.Load(),
		Creates:      s.Creates.Load(),
		Deletes:      s.Deletes.Load(),
		BytesRead:    s.BytesRead.Load(),
		BytesWritten: s.BytesWritten.Load(),
		Errors:       s.Errors.Load(),
	}
}

// quiet lists the errnos that are part of normal filesystem traffic.
var quiet = map[syscall.Errno]bool{
	syscall.ENOENT:       true,
	syscall.EEXIST:       true,
	syscall.ENOTDIR:      true,
	syscall.EISDIR:       true,
	syscall.ENOTEMPTY:    true,
	syscall.ELOOP:        true,
	syscall.EACCES:       true,
	syscall.EROFS:        true,
	syscall.ENAMETOOLONG: true,
	syscall.EINVAL:       true,
}

// finish records the outcome of op and converts err to an errno.
func (f *FileSystem) finish(op, path string, start time.Time, size int64, err error) syscall.Errno {
	f.metrics.RecordOperation(op, time.Since(start), size, err == nil)
	if err == nil {
		return 0
	}

	errno := errors.ToErrno(err)
	f.stats.Errors.Add(1)
	f.metrics.RecordError(op, err)
	if quiet[errno] {
		f.log.Debug("operation failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
	} else {
		f.log.Warn("operation failed", zap.String("op", op), zap.String("path", path),
			zap.String("errno", errno.Error()), zap.Error(err))
	}
	return errno
}

func (f *FileSystem) writable() syscall.Errno {
	if f.config.ReadOnly {
		return syscall.EROFS
	}
	return 0
}

// fillAttr copies a tree entry into a kernel attribute.
func (f *FileSystem) fillAttr(e tree.Entry, out *fuse.Attr) {
	st := e.Stat
	size := st.Size
	if e.Kind == tree.KindSymlink && size == 0 {
		size = int64(len(e.Target))
	}

	out.Mode = st.Mode
	out.Nlink = uint32(st.Links)
	if out.Nlink == 0 {
		out.Nlink = 1
	}
	out.Owner = fuse.Owner{Uid: st.UID, Gid: st.GID}
	out.Size = safeInt64ToUint64(size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = safeIntToUint32(int(f.tree.Cache().PageSize()))
	out.SetTimes(&st.Atime, &st.Mtime, &st.Ctime)
}

// linkTarget maps a device symlink target into the mount. Relative
// targets are returned unchanged.
func (f *FileSystem) linkTarget(target string) (string, error) {
	if target == "" {
		return "", errors.NewError(errors.ErrCodeInvalidArgument, "empty symlink target").WithComponent("fuse")
	}
	if strings.HasPrefix(target, "/") && f.config.MountPoint != "" {
		return strings.TrimSuffix(f.config.MountPoint, "/") + target, nil
	}
	return target, nil
}

// timeSpecs extracts utimens arguments from a setattr request.
func timeSpecs(in *fuse.SetAttrIn) (atime, mtime types.TimeSpec) {
	atime.Omit, mtime.Omit = true, true
	if in.Valid&fuse.FATTR_ATIME_NOW != 0 {
		atime = types.TimeSpec{Now: true}
	} else if t, ok := in.GetATime(); ok {
		atime = types.TimeSpec{Time: t}
	}
	if in.Valid&fuse.FATTR_MTIME_NOW != 0 {
		mtime = types.TimeSpec{Now: true}
	} else if t, ok := in.GetMTime(); ok {
		mtime = types.TimeSpec{Time: t}
	}
	return atime, mtime
}

// node is the part shared by every inode kind.
type node struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeGetattrer = (*node)(nil)
	_ fs.NodeSetattrer = (*node)(nil)
)

// path rebuilds the device path from the inode tree, so a rename done
// by the kernel is reflected without bookkeeping here.
func (n *node) path() string {
	return "/" + n.Path(n.Root())
}

func (n *node) childPath(name string) string {
	return utils.JoinPath(n.path(), name)
}

// Getattr gets file attributes
func (n *node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	start := time.Now()
	path := n.path()

	e, err := n.fsys.tree.GetAttr(ctx, path)
	if err != nil {
		return n.fsys.finish("getattr", path, start, 0, err)
	}
	n.fsys.fillAttr(e, &out.Attr)
	return n.fsys.finish("getattr", path, start, 0, nil)
}

// Setattr handles truncate and utimens. Mode and ownership changes are
// accepted and ignored; the device shell cannot apply them on most
// storage.
func (n *node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if errno := n.fsys.writable(); errno != 0 {
		return errno
	}

	start := time.Now()
	path := n.path()

	if size, ok := in.GetSize(); ok {
		if err := n.fsys.tree.Truncate(ctx, path, int64(size)); err != nil {
			return n.fsys.finish("truncate", path, start, 0, err)
		}
	}

	atime, mtime := timeSpecs(in)
	if !atime.Omit || !mtime.Omit {
		if err := n.fsys.tree.Utimens(ctx, path, atime, mtime); err != nil {
			return n.fsys.finish("utimens", path, start, 0, err)
		}
	}

	if _, ok := in.GetMode(); ok {
		n.fsys.log.Debug("ignoring chmod", zap.String("path", path))
	}

	e, err := n.fsys.tree.GetAttr(ctx, path)
	if err != nil {
		return n.fsys.finish("setattr", path, start, 0, err)
	}
	n.fsys.fillAttr(e, &out.Attr)
	return n.fsys.finish("setattr", path, start, 0, nil)
}

// DirectoryNode represents a directory in the filesystem
type DirectoryNode struct {
	node
}

var (
	_ fs.NodeLookuper  = (*DirectoryNode)(nil)
	_ fs.NodeReaddirer = (*DirectoryNode)(nil)
	_ fs.NodeMkdirer   = (*DirectoryNode)(nil)
	_ fs.NodeMknoder   = (*DirectoryNode)(nil)
	_ fs.NodeCreater   = (*DirectoryNode)(nil)
	_ fs.NodeUnlinker  = (*DirectoryNode)(nil)
	_ fs.NodeRmdirer   = (*DirectoryNode)(nil)
	_ fs.NodeRenamer   = (*DirectoryNode)(nil)
)

// FileNode represents a regular file in the filesystem
type FileNode struct {
	node
}

var (
	_ fs.NodeOpener          = (*FileNode)(nil)
	_ fs.NodeCopyFileRanger = (*FileNode)(nil)
)

// SymlinkNode represents a symbolic link.
type SymlinkNode struct {
	node
}

var _ fs.NodeReadlinker = (*SymlinkNode)(nil)

// newChild returns the embedder for an entry of the given kind.
func (f *FileSystem) newChild(kind tree.Kind) fs.InodeEmbedder {
	base := node{fsys: f}
	switch kind {
	case tree.KindDirectory:
		return &DirectoryNode{node: base}
	case tree.KindRegular:
		return &FileNode{node: base}
	case tree.KindSymlink:
		return &SymlinkNode{node: base}
	default:
		return &base
	}
}

// child returns the inode for e, reusing the existing one when its type
// has not changed.
func (n *DirectoryNode) child(ctx context.Context, e tree.Entry, out *fuse.EntryOut) *fs.Inode {
	n.fsys.fillAttr(e, &out.Attr)

	mode := e.Stat.Mode & syscall.S_IFMT
	if ch := n.GetChild(e.Name); ch != nil && ch.StableAttr().Mode == mode {
		return ch
	}
	return n.NewInode(ctx, n.fsys.newChild(e.Kind), fs.StableAttr{Mode: mode})
}

// Lookup looks up a child node by name
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	n.fsys.stats.Lookups.Add(1)
	path := n.childPath(name)

	e, err := n.fsys.tree.GetAttr(ctx, path)
	if err != nil {
		return nil, n.fsys.finish("lookup", path, start, 0, err)
	}
	return n.child(ctx, e, out), n.fsys.finish("lookup", path, start, 0, nil)
}

// Readdir reads directory contents
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	start := time.Now()
	path := n.path()

	entries, err := n.fsys.tree.Readdir(ctx, path)
	if err != nil {
		return nil, n.fsys.finish("readdir", path, start, 0, err)
	}

	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, fuse.DirEntry{Name: e.Name, Mode: e.Stat.Mode})
	}
	n.fsys.finish("readdir", path, start, int64(len(list)), nil)
	return fs.NewListDirStream(list), 0
}

// Mkdir creates a new directory
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if errno := n.fsys.writable(); errno != 0 {
		return nil, errno
	}

	start := time.Now()
	path := n.childPath(name)

	e, err := n.fsys.tree.Mkdir(ctx, path, mode)
	if err != nil {
		return nil, n.fsys.finish("mkdir", path, start, 0, err)
	}
	n.fsys.stats.Creates.Add(1)
	return n.child(ctx, e, out), n.fsys.finish("mkdir", path, start, 0, nil)
}

// Mknod creates a regular file.
func (n *DirectoryNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if errno := n.fsys.writable(); errno != 0 {
		return nil, errno
	}
	if mode&syscall.S_IFMT != 0 && mode&syscall.S_IFMT != syscall.S_IFREG {
		return nil, syscall.EPERM
	}

	start := time.Now()
	path := n.childPath(name)

	e, err := n.fsys.tree.Mknod(ctx, path, mode, uint64(dev))
	if err != nil {
		return nil, n.fsys.finish("mknod", path, start, 0, err)
	}
	n.fsys.stats.Creates.Add(1)
	return n.child(ctx, e, out), n.fsys.finish("mknod", path, start, 0, nil)
}

// Create creates a new file and opens it
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if errno := n.fsys.writable(); errno != 0 {
		return nil, nil, 0, errno
	}

	start := time.Now()
	path := n.childPath(name)

	e, err := n.fsys.tree.Mknod(ctx, path, syscall.S_IFREG|(mode&0o7777), 0)
	if err != nil {
		return nil, nil, 0, n.fsys.finish("create", path, start, 0, err)
	}
	n.fsys.stats.Creates.Add(1)

	ch := n.child(ctx, e, out)
	fh, errno := n.fsys.open(ctx, path, flags&^syscall.O_TRUNC)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	return ch, fh.bind(ch), 0, n.fsys.finish("create", path, start, 0, nil)
}

// Unlink removes a file
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if errno := n.fsys.writable(); errno != 0 {
		return errno
	}

	start := time.Now()
	path := n.childPath(name)
	err := n.fsys.tree.Unlink(ctx, path)
	if err == nil {
		n.fsys.stats.Deletes.Add(1)
	}
	return n.fsys.finish("unlink", path, start, 0, err)
}

// Rmdir removes an empty directory
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if errno := n.fsys.writable(); errno != 0 {
		return errno
	}

	start := time.Now()
	path := n.childPath(name)
	err := n.fsys.tree.Rmdir(ctx, path)
	if err == nil {
		n.fsys.stats.Deletes.Add(1)
	}
	return n.fsys.finish("rmdir", path, start, 0, err)
}

// Rename moves name to newName under newParent. go-fuse moves the inode
// itself once this returns success.
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if errno := n.fsys.writable(); errno != 0 {
		return errno
	}

	start := time.Now()
	from := n.childPath(name)
	to := utils.JoinPath("/"+newParent.EmbeddedInode().Path(n.Root()), newName)

	err := n.fsys.tree.Rename(ctx, from, to, flags)
	return n.fsys.finish("rename", from, start, 0, err)
}

// Open opens a file
func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY || flags&syscall.O_TRUNC != 0 {
		if errno := f.fsys.writable(); errno != 0 {
			return nil, 0, errno
		}
	}
	fh, errno := f.fsys.open(ctx, f.path(), flags)
	if errno != 0 {
		return nil, 0, errno
	}
	return fh.bind(f.EmbeddedInode()), 0, 0
}

// CopyFileRange copies between two open files on the device.
func (f *FileNode) CopyFileRange(ctx context.Context, fhIn fs.FileHandle, offIn uint64, out *fs.Inode, fhOut fs.FileHandle, offOut uint64, size uint64, flags uint64) (uint32, syscall.Errno) {
	if errno := f.fsys.writable(); errno != 0 {
		return 0, errno
	}

	start := time.Now()
	in := f.path()
	dst := "/" + out.Path(f.Root())

	n, err := f.fsys.tree.CopyFileRange(ctx, in, int64(offIn), dst, int64(offOut), int64(size))
	if err != nil {
		return 0, f.fsys.finish("copy_file_range", in, start, 0, err)
	}
	f.fsys.stats.BytesWritten.Add(n)
	return safeIntToUint32(int(n)), f.fsys.finish("copy_file_range", in, start, n, nil)
}

// Readlink reads the link target
func (s *SymlinkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	start := time.Now()
	path := s.path()

	target, err := s.fsys.tree.Readlink(ctx, path)
	if err == nil {
		target, err = s.fsys.linkTarget(target)
	}
	if err != nil {
		return nil, s.fsys.finish("readlink", path, start, 0, err)
	}
	return []byte(target), s.fsys.finish("readlink", path, start, 0, nil)
}

// FileHandle represents an open file handle. It resolves its path
// through the inode on every call so it follows renames.
type FileHandle struct {
	fsys  *FileSystem
	inode *fs.Inode
	flags uint32
	dirty atomic.Bool
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileFsyncer  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

// open registers a handle in the tree for path.
func (f *FileSystem) open(ctx context.Context, path string, flags uint32) (*FileHandle, syscall.Errno) {
	start := time.Now()
	f.stats.Opens.Add(1)

	if _, err := f.tree.Open(ctx, path, int(flags)); err != nil {
		return nil, f.finish("open", path, start, 0, err)
	}
	f.finish("open", path, start, 0, nil)
	return &FileHandle{fsys: f, flags: flags}, 0
}

func (fh *FileHandle) path() string {
	if fh.inode == nil {
		return ""
	}
	return "/" + fh.inode.Path(fh.inode.Root())
}

// bind attaches the handle to the inode it was opened on.
func (fh *FileHandle) bind(inode *fs.Inode) *FileHandle {
	fh.inode = inode
	return fh
}

// Read reads data from the file
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	fh.fsys.stats.Reads.Add(1)
	path := fh.path()

	n, err := fh.fsys.tree.Read(ctx, path, dest, off)
	if err != nil {
		return nil, fh.fsys.finish("read", path, start, 0, err)
	}
	fh.fsys.stats.BytesRead.Add(int64(n))
	fh.fsys.finish("read", path, start, int64(n), nil)
	return fuse.ReadResultData(dest[:n]), 0
}

// Write writes data to the file
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if errno := fh.fsys.writable(); errno != 0 {
		return 0, errno
	}

	start := time.Now()
	fh.fsys.stats.Writes.Add(1)
	path := fh.path()

	n, err := fh.fsys.tree.Write(ctx, path, data, off)
	if n > 0 {
		fh.dirty.Store(true)
		fh.fsys.stats.BytesWritten.Add(int64(n))
	}
	if err != nil {
		return safeIntToUint32(n), fh.fsys.finish("write", path, start, int64(n), err)
	}
	return safeIntToUint32(n), fh.fsys.finish("write", path, start, int64(n), nil)
}

// Flush pushes pending writes to the device
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	if !fh.dirty.Load() {
		return 0
	}

	start := time.Now()
	path := fh.path()
	if err := fh.fsys.tree.Flush(ctx, path); err != nil {
		return fh.fsys.finish("flush", path, start, 0, err)
	}
	fh.dirty.Store(false)
	return fh.fsys.finish("flush", path, start, 0, nil)
}

// Fsync is Flush regardless of the dirty mark.
func (fh *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	start := time.Now()
	path := fh.path()
	err := fh.fsys.tree.Flush(ctx, path)
	if err == nil {
		fh.dirty.Store(false)
	}
	return fh.fsys.finish("fsync", path, start, 0, err)
}

// Release releases the file handle
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	start := time.Now()
	path := fh.path()
	return fh.fsys.finish("release", path, start, 0, fh.fsys.tree.Release(ctx, path))
}
