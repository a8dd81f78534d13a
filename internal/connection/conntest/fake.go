// Package conntest provides an in-memory Connection for tests.
package conntest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mrizaln/madbfs-sub001/internal/connection"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/types"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

type entry struct {
	attr   types.Attr
	data   []byte
	target string
}

type fault struct {
	path  string // empty matches any path
	err   error
	times int // <0 forever
}

// Fake is a thread-safe in-memory remote filesystem. It counts calls per
// operation and can be told to fail or block specific operations.
type Fake struct {
	mu      sync.Mutex
	files   map[string]*entry
	calls   map[string]int
	faults  map[string][]*fault
	hooks   map[string]func(path string)
	now     time.Time
	readLog []ReadCall
}

// ReadCall records one Read.
type ReadCall struct {
	Path string
	Off  int64
	Len  int
}

var _ connection.Connection = (*Fake)(nil)

// New returns a Fake containing only the root directory.
func New() *Fake {
	f := &Fake{
		files:  make(map[string]*entry),
		calls:  make(map[string]int),
		faults: make(map[string][]*fault),
		hooks:  make(map[string]func(string)),
		now:    time.Unix(1750000000, 0),
	}
	f.files["/"] = &entry{attr: f.attr(syscall.S_IFDIR|0o755, 0)}
	return f
}

func (f *Fake) attr(mode uint32, size int64) types.Attr {
	return types.Attr{Links: 1, Size: size, Mode: mode, Mtime: f.now, Atime: f.now, Ctime: f.now, UID: 1000, GID: 1000}
}

// Tick advances the fake clock used for new timestamps.
func (f *Fake) Tick(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// AddDir creates a directory and any missing parents.
func (f *Fake) AddDir(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAll(path)
}

func (f *Fake) mkdirAll(path string) {
	if _, ok := f.files[path]; ok || path == "/" {
		return
	}
	f.mkdirAll(utils.ParentPath(path))
	f.files[path] = &entry{attr: f.attr(syscall.S_IFDIR|0o755, 0)}
}

// AddFile creates a regular file with data, creating parents.
func (f *Fake) AddFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAll(utils.ParentPath(path))
	f.files[path] = &entry{attr: f.attr(syscall.S_IFREG|0o644, int64(len(data))), data: append([]byte(nil), data...)}
}

// AddLink creates a symlink, creating parents.
func (f *Fake) AddLink(path, target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAll(utils.ParentPath(path))
	f.files[path] = &entry{attr: f.attr(syscall.S_IFLNK|0o777, int64(len(target))), target: target}
}

// Remove deletes path and everything below it, as if changed on the device.
func (f *Fake) Remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := range f.files {
		if p == path || utils.IsAncestor(path, p) {
			delete(f.files, p)
		}
	}
}

// Content returns a copy of a file's data.
func (f *Fake) Content(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.files[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.data...), true
}

// Exists reports whether path exists.
func (f *Fake) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Reads returns the recorded Read calls.
func (f *Fake) Reads() []ReadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ReadCall(nil), f.readLog...)
}

// ResetCalls clears call counters and the read log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
	f.readLog = nil
}

// Fail makes the next times calls of op on path fail with err. An empty path
// matches every path; times < 0 fails forever.
func (f *Fake) Fail(op, path string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], &fault{path: path, err: err, times: times})
}

// ClearFaults removes all injected failures.
func (f *Fake) ClearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[string][]*fault)
}

// Hook runs fn at the start of every op call, outside the fake's lock.
func (f *Fake) Hook(op string, fn func(path string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[op] = fn
}

// begin counts the call, runs hooks and returns an injected fault if any.
// On success the lock is held and must be released by the caller.
func (f *Fake) begin(op, path string) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.hooks[op]
	f.mu.Unlock()

	if hook != nil {
		hook(path)
	}

	f.mu.Lock()
	for _, ft := range f.faults[op] {
		if ft.times == 0 || (ft.path != "" && ft.path != path) {
			continue
		}
		if ft.times > 0 {
			ft.times--
		}
		f.mu.Unlock()
		return ft.err
	}
	return nil
}

func fsErr(code errors.ErrorCode, op, path string) error {
	return errors.NewError(code, strings.ToLower(strings.ReplaceAll(string(code), "_", " "))).
		WithComponent("conntest").WithOperation(op).WithPath(path)
}

func (f *Fake) lookup(op, path string) (*entry, error) {
	e, ok := f.files[path]
	if !ok {
		if p, ok := f.files[utils.ParentPath(path)]; ok && !p.attr.IsDir() {
			return nil, fsErr(errors.ErrCodeNotDirectory, op, path)
		}
		return nil, fsErr(errors.ErrCodeNotFound, op, path)
	}
	return e, nil
}

func (f *Fake) parentDir(op, path string) error {
	p, ok := f.files[utils.ParentPath(path)]
	if !ok {
		return fsErr(errors.ErrCodeNotFound, op, path)
	}
	if !p.attr.IsDir() {
		return fsErr(errors.ErrCodeNotDirectory, op, path)
	}
	return nil
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) StatDir(_ context.Context, path string) (connection.DirStream, error) {
	if err := f.begin("statdir", path); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	e, err := f.lookup("statdir", path)
	if err != nil {
		return nil, err
	}
	if !e.attr.IsDir() {
		return nil, fsErr(errors.ErrCodeNotDirectory, "statdir", path)
	}

	var entries []connection.DirEntry
	for p, c := range f.files {
		if p != "/" && utils.ParentPath(p) == path {
			entries = append(entries, connection.DirEntry{Name: utils.BaseName(p), Attr: c.attr})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return connection.NewSliceStream(entries, nil), nil
}

func (f *Fake) Stat(_ context.Context, path string) (types.Attr, error) {
	if err := f.begin("stat", path); err != nil {
		return types.Attr{}, err
	}
	defer f.mu.Unlock()

	e, err := f.lookup("stat", path)
	if err != nil {
		return types.Attr{}, err
	}
	return e.attr, nil
}

func (f *Fake) Readlink(_ context.Context, path string) (string, error) {
	if err := f.begin("readlink", path); err != nil {
		return "", err
	}
	defer f.mu.Unlock()

	e, err := f.lookup("readlink", path)
	if err != nil {
		return "", err
	}
	if !e.attr.IsSymlink() {
		return "", fsErr(errors.ErrCodeInvalidArgument, "readlink", path)
	}
	return e.target, nil
}

func (f *Fake) Mknod(_ context.Context, path string, _ uint32, _ uint64) error {
	if err := f.begin("mknod", path); err != nil {
		return err
	}
	defer f.mu.Unlock()

	if err := f.parentDir("mknod", path); err != nil {
		return err
	}
	if _, ok := f.files[path]; ok {
		return fsErr(errors.ErrCodeAlreadyExists, "mknod", path)
	}
	f.files[path] = &entry{attr: f.attr(syscall.S_IFREG|0o644, 0)}
	return nil
}

func (f *Fake) Mkdir(_ context.Context, path string, _ uint32) error {
	if err := f.begin("mkdir", path); err != nil {
		return err
	}
	defer f.mu.Unlock()

	if err := f.parentDir("mkdir", path); err != nil {
		return err
	}
	if _, ok := f.files[path]; ok {
		return fsErr(errors.ErrCodeAlreadyExists, "mkdir", path)
	}
	f.files[path] = &entry{attr: f.attr(syscall.S_IFDIR|0o755, 0)}
	return nil
}

func (f *Fake) Unlink(_ context.Context, path string) error {
	if err := f.begin("unlink", path); err != nil {
		return err
	}
	defer f.mu.Unlock()

	e, err := f.lookup("unlink", path)
	if err != nil {
		return err
	}
	if e.attr.IsDir() {
		return fsErr(errors.ErrCodeIsDirectory, "unlink", path)
	}
	delete(f.files, path)
	return nil
}

func (f *Fake) Rmdir(_ context.Context, path string) error {
	if err := f.begin("rmdir", path); err != nil {
		return err
	}
	defer f.mu.Unlock()

	e, err := f.lookup("rmdir", path)
	if err != nil {
		return err
	}
	if !e.attr.IsDir() {
		return fsErr(errors.ErrCodeNotDirectory, "rmdir", path)
	}
	for p := range f.files {
		if utils.IsAncestor(path, p) {
			return fsErr(errors.ErrCodeNotEmpty, "rmdir", path)
		}
	}
	delete(f.files, path)
	return nil
}

func (f *Fake) Rename(_ context.Context, from, to string, flags uint32) error {
	if err := f.begin("rename", from); err != nil {
		return err
	}
	defer f.mu.Unlock()

	if flags&connection.RenameExchange != 0 {
		return fsErr(errors.ErrCodeInvalidArgument, "rename", from)
	}
	src, err := f.lookup("rename", from)
	if err != nil {
		return err
	}
	if err := f.parentDir("rename", to); err != nil {
		return err
	}
	if dst, ok := f.files[to]; ok {
		if flags&connection.RenameNoReplace != 0 {
			return fsErr(errors.ErrCodeAlreadyExists, "rename", to)
		}
		if dst.attr.IsDir() && !src.attr.IsDir() {
			return fsErr(errors.ErrCodeIsDirectory, "rename", to)
		}
	}

	moved := make(map[string]*entry)
	for p, e := range f.files {
		if p == from {
			moved[to] = e
			delete(f.files, p)
		} else if utils.IsAncestor(from, p) {
			moved[to+strings.TrimPrefix(p, from)] = e
			delete(f.files, p)
		}
	}
	for p, e := range moved {
		f.files[p] = e
	}
	return nil
}

func (f *Fake) Truncate(_ context.Context, path string, size int64) error {
	if err := f.begin("truncate", path); err != nil {
		return err
	}
	defer f.mu.Unlock()

	e, err := f.lookup("truncate", path)
	if err != nil {
		return err
	}
	if e.attr.IsDir() {
		return fsErr(errors.ErrCodeIsDirectory, "truncate", path)
	}
	f.resize(e, size)
	return nil
}

func (f *Fake) resize(e *entry, size int64) {
	if size <= int64(len(e.data)) {
		e.data = e.data[:size]
	} else {
		e.data = append(e.data, make([]byte, size-int64(len(e.data)))...)
	}
	e.attr.Size = size
	e.attr.Mtime = f.now
}

func (f *Fake) Read(_ context.Context, path string, buf []byte, off int64) (int, error) {
	if err := f.begin("read", path); err != nil {
		return 0, err
	}
	defer f.mu.Unlock()

	f.readLog = append(f.readLog, ReadCall{Path: path, Off: off, Len: len(buf)})
	e, err := f.lookup("read", path)
	if err != nil {
		return 0, err
	}
	if e.attr.IsDir() {
		return 0, fsErr(errors.ErrCodeIsDirectory, "read", path)
	}
	if off >= int64(len(e.data)) {
		return 0, nil
	}
	return copy(buf, e.data[off:]), nil
}

func (f *Fake) Write(_ context.Context, path string, data []byte, off int64) (int, error) {
	if err := f.begin("write", path); err != nil {
		return 0, err
	}
	defer f.mu.Unlock()

	e, err := f.lookup("write", path)
	if err != nil {
		return 0, err
	}
	if e.attr.IsDir() {
		return 0, fsErr(errors.ErrCodeIsDirectory, "write", path)
	}
	if end := off + int64(len(data)); end > int64(len(e.data)) {
		f.resize(e, end)
	}
	copy(e.data[off:], data)
	e.attr.Mtime = f.now
	return len(data), nil
}

func (f *Fake) Utimens(_ context.Context, path string, atime, mtime types.TimeSpec) error {
	if err := f.begin("utimens", path); err != nil {
		return err
	}
	defer f.mu.Unlock()

	e, err := f.lookup("utimens", path)
	if err != nil {
		return err
	}
	apply := func(ts types.TimeSpec, dst *time.Time) {
		switch {
		case ts.Omit:
		case ts.Now:
			*dst = f.now
		default:
			*dst = ts.Time
		}
	}
	apply(atime, &e.attr.Atime)
	apply(mtime, &e.attr.Mtime)
	return nil
}

func (f *Fake) CopyFileRange(_ context.Context, in string, offIn int64, out string, offOut int64, size int64) (int64, error) {
	if err := f.begin("copy_file_range", in); err != nil {
		return 0, err
	}
	defer f.mu.Unlock()

	src, err := f.lookup("copy_file_range", in)
	if err != nil {
		return 0, err
	}
	dst, err := f.lookup("copy_file_range", out)
	if err != nil {
		return 0, err
	}
	if offIn >= int64(len(src.data)) {
		return 0, nil
	}
	end := offIn + size
	if end > int64(len(src.data)) {
		end = int64(len(src.data))
	}
	chunk := append([]byte(nil), src.data[offIn:end]...)
	if need := offOut + int64(len(chunk)); need > int64(len(dst.data)) {
		f.resize(dst, need)
	}
	copy(dst.data[offOut:], chunk)
	dst.attr.Mtime = f.now
	return int64(len(chunk)), nil
}
