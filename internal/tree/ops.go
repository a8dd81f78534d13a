package tree

import (
	"context"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mrizaln/madbfs-sub001/internal/connection"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/retry"
	"github.com/mrizaln/madbfs-sub001/pkg/types"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// busyLocked reports whether local state must win over remote metadata:
// the file is open or holds unflushed writes.
func (t *Tree) busyLocked(n *node) bool {
	return n.kind == KindRegular && (n.open > 0 || t.cache.IsDirty(n.stat.ID()))
}

// reconcileLocked folds fresh remote attributes into n and returns the
// content identities that became stale. A regular file whose content
// changed remotely gets a new Stat, so its old pages can never be served
// again. A node whose type changed is replaced.
func (t *Tree) reconcileLocked(n *node, attr types.Attr) []types.ID {
	now := t.now()
	var stale []types.ID

	switch {
	case kindOf(attr) != n.kind && n.parent != nil:
		n.walk(func(c *node) {
			if c.kind == KindRegular {
				stale = append(stale, c.stat.ID())
			}
		})
		parent := n.parent
		n.detach()
		parent.attach(newNode(n.name, parent, types.NewStat(attr), now))
		return stale
	case t.busyLocked(n):
	case n.kind == KindRegular && n.stat.Modified(attr):
		stale = append(stale, n.stat.ID())
		n.stat = types.NewStat(attr)
	default:
		n.stat.Attr = attr
	}
	if n.kind == KindSymlink {
		n.target = ""
	}
	n.fetched = now
	return stale
}

func (t *Tree) drop(ctx context.Context, ids []types.ID) {
	for _, id := range ids {
		_ = t.cache.Invalidate(ctx, id, false)
	}
}

// removeLocked detaches n and returns its content identities.
func removeLocked(n *node) []types.ID {
	var ids []types.ID
	n.walk(func(c *node) {
		if c.kind == KindRegular {
			ids = append(ids, c.stat.ID())
		}
	})
	n.detach()
	return ids
}

func (t *Tree) stat(ctx context.Context, path string) (types.Attr, error) {
	return retry.Value(ctx, t.retryer, func(ctx context.Context) (types.Attr, error) {
		return t.conn.Stat(ctx, path)
	})
}

// GetAttr returns the node at path, refreshing metadata older than the TTL.
func (t *Tree) GetAttr(ctx context.Context, path string) (Entry, error) {
	e, err := t.Pull(ctx, path)
	if err != nil {
		return Entry{}, err
	}
	parts := utils.SplitPath(e.Path)

	t.mu.Lock()
	n, err := t.lookupLocked(parts)
	if err != nil {
		t.mu.Unlock()
		return e, nil
	}
	if t.now().Sub(n.fetched) <= t.ttl {
		e = n.entry()
		t.mu.Unlock()
		return e, nil
	}
	t.mu.Unlock()

	attr, err := t.stat(ctx, e.Path)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		t.mu.Lock()
		var ids []types.ID
		if n, lerr := t.lookupLocked(parts); lerr == nil && n.parent != nil && n.stat.ID() == e.Stat.ID() && !t.busyLocked(n) {
			ids = removeLocked(n)
		}
		t.mu.Unlock()
		t.drop(ctx, ids)
		return Entry{}, err
	}
	if err != nil {
		return Entry{}, err
	}

	t.mu.Lock()
	var stale []types.ID
	if n, lerr := t.lookupLocked(parts); lerr == nil {
		if n.stat.ID() == e.Stat.ID() {
			stale = t.reconcileLocked(n, attr)
		}
		if n, lerr = t.lookupLocked(parts); lerr == nil {
			e = n.entry()
		}
	}
	t.mu.Unlock()
	t.drop(ctx, stale)
	return e, nil
}

// Readdir lists path, reconciling cached children with the device when the
// listing is older than the TTL.
func (t *Tree) Readdir(ctx context.Context, path string) ([]Entry, error) {
	e, err := t.Pull(ctx, path)
	if err != nil {
		return nil, err
	}
	if e.Kind != KindDirectory {
		return nil, errors.NewError(errors.ErrCodeNotDirectory, "not a directory").WithComponent("tree").WithPath(e.Path)
	}
	parts := utils.SplitPath(e.Path)

	t.mu.Lock()
	if n, err := t.lookupLocked(parts); err == nil && !n.listed.IsZero() && t.now().Sub(n.listed) <= t.ttl {
		out := childEntries(n)
		t.mu.Unlock()
		return out, nil
	}
	t.mu.Unlock()

	listing, err := retry.Value(ctx, t.retryer, func(ctx context.Context) ([]connection.DirEntry, error) {
		s, err := t.conn.StatDir(ctx, e.Path)
		if err != nil {
			return nil, err
		}
		return connection.Collect(s)
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	n, err := t.lookupLocked(parts)
	if err != nil || n.kind != KindDirectory {
		t.mu.Unlock()
		return nil, errors.NotFound(e.Path)
	}

	var stale []types.ID
	seen := make(map[string]struct{}, len(listing))
	for _, de := range listing {
		seen[de.Name] = struct{}{}
		child, ok := n.children[de.Name]
		if !ok {
			n.attach(newNode(de.Name, n, types.NewStat(de.Attr), t.now()))
			continue
		}
		stale = append(stale, t.reconcileLocked(child, de.Attr)...)
	}
	for name, child := range n.children {
		if _, ok := seen[name]; ok || t.busyLocked(child) {
			continue
		}
		stale = append(stale, removeLocked(child)...)
	}
	n.listed = t.now()
	out := childEntries(n)
	t.mu.Unlock()

	t.drop(ctx, stale)
	t.log.Debug("listed directory", zap.String("path", e.Path), zap.Int("entries", len(out)))
	return out, nil
}

func childEntries(n *node) []Entry {
	out := make([]Entry, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c.entry())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Readlink returns the target of the symlink at path.
func (t *Tree) Readlink(ctx context.Context, path string) (string, error) {
	e, err := t.Pull(ctx, path)
	if err != nil {
		return "", err
	}
	if e.Kind != KindSymlink {
		return "", errors.NewError(errors.ErrCodeInvalidArgument, "not a symlink").WithComponent("tree").WithPath(e.Path)
	}
	if e.Target != "" {
		return e.Target, nil
	}

	target, err := retry.Value(ctx, t.retryer, func(ctx context.Context) (string, error) {
		return t.conn.Readlink(ctx, e.Path)
	})
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	if n, err := t.lookupLocked(utils.SplitPath(e.Path)); err == nil && n.stat.ID() == e.Stat.ID() {
		n.target = target
	}
	t.mu.Unlock()
	return target, nil
}

// parentDir pulls the parent of path and checks it is a directory.
func (t *Tree) parentDir(ctx context.Context, path string) (string, string, error) {
	clean, parts, err := cleanPath(path)
	if err != nil {
		return "", "", err
	}
	if len(parts) == 0 {
		return "", "", errors.NewError(errors.ErrCodeAlreadyExists, "root exists").WithComponent("tree").WithPath("/")
	}
	parent, err := t.Pull(ctx, utils.ParentPath(clean))
	if err != nil {
		return "", "", err
	}
	if parent.Kind != KindDirectory {
		return "", "", errors.NewError(errors.ErrCodeNotDirectory, "not a directory").WithComponent("tree").WithPath(parent.Path)
	}
	return clean, parent.Path, nil
}

// insert records a freshly created remote node, replacing a stale one.
func (t *Tree) insert(ctx context.Context, clean string, attr types.Attr, listed bool) (Entry, error) {
	parts := utils.SplitPath(clean)

	t.mu.Lock()
	parent, err := t.lookupLocked(parts[:len(parts)-1])
	if err != nil || parent.kind != KindDirectory {
		t.mu.Unlock()
		return Entry{}, errors.NewError(errors.ErrCodeParentMissing, "parent vanished").WithComponent("tree").WithPath(clean)
	}
	name := parts[len(parts)-1]
	var stale []types.ID
	if old, ok := parent.children[name]; ok {
		stale = removeLocked(old)
	}
	n := newNode(name, parent, types.NewStat(attr), t.now())
	if listed {
		n.listed = t.now()
	}
	parent.attach(n)
	e := n.entry()
	t.mu.Unlock()

	t.drop(ctx, stale)
	return e, nil
}

func (t *Tree) created(ctx context.Context, clean string, mode uint32) types.Attr {
	attr, err := t.conn.Stat(ctx, clean)
	if err == nil {
		return attr
	}
	t.log.Debug("stat after create failed, synthesizing", zap.String("path", clean), zap.Error(err))
	now := t.now()
	return types.Attr{Mode: mode, Links: 1, Mtime: now, Atime: now, Ctime: now}
}

// Mknod creates a regular file.
func (t *Tree) Mknod(ctx context.Context, path string, mode uint32, dev uint64) (Entry, error) {
	clean, _, err := t.parentDir(ctx, path)
	if err != nil {
		return Entry{}, err
	}
	if err := t.conn.Mknod(ctx, clean, mode, dev); err != nil {
		return Entry{}, err
	}
	return t.insert(ctx, clean, t.created(ctx, clean, syscall.S_IFREG|(mode&0o7777)), false)
}

// Mkdir creates a directory.
func (t *Tree) Mkdir(ctx context.Context, path string, mode uint32) (Entry, error) {
	clean, _, err := t.parentDir(ctx, path)
	if err != nil {
		return Entry{}, err
	}
	if err := t.conn.Mkdir(ctx, clean, mode); err != nil {
		return Entry{}, err
	}
	return t.insert(ctx, clean, t.created(ctx, clean, syscall.S_IFDIR|(mode&0o7777)), true)
}

func (t *Tree) forget(ctx context.Context, clean string, id types.ID) {
	t.mu.Lock()
	var ids []types.ID
	if n, err := t.lookupLocked(utils.SplitPath(clean)); err == nil && n.parent != nil && n.stat.ID() == id {
		ids = removeLocked(n)
	}
	t.mu.Unlock()
	t.drop(ctx, ids)
}

// Unlink removes a non-directory.
func (t *Tree) Unlink(ctx context.Context, path string) error {
	e, err := t.Pull(ctx, path)
	if err != nil {
		return err
	}
	if e.Kind == KindDirectory {
		return errors.NewError(errors.ErrCodeIsDirectory, "is a directory").WithComponent("tree").WithPath(e.Path)
	}
	defer t.cache.Lock(e.Stat.ID())()
	if err := t.conn.Unlink(ctx, e.Path); err != nil {
		return err
	}
	t.forget(ctx, e.Path, e.Stat.ID())
	return nil
}

// Rmdir removes an empty directory.
func (t *Tree) Rmdir(ctx context.Context, path string) error {
	e, err := t.Pull(ctx, path)
	if err != nil {
		return err
	}
	if e.Kind != KindDirectory {
		return errors.NewError(errors.ErrCodeNotDirectory, "not a directory").WithComponent("tree").WithPath(e.Path)
	}
	if e.Path == "/" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "cannot remove the root").WithComponent("tree").WithPath("/")
	}
	if err := t.conn.Rmdir(ctx, e.Path); err != nil {
		return err
	}
	t.forget(ctx, e.Path, e.Stat.ID())
	return nil
}

// Rename renames on the device and then moves the cached node. Dirty
// content below from is pushed first.
func (t *Tree) Rename(ctx context.Context, from, to string, flags uint32) error {
	src, err := t.Pull(ctx, from)
	if err != nil {
		return err
	}
	toClean, _, err := t.parentDir(ctx, to)
	if err != nil {
		return err
	}

	var ids []types.ID
	t.mu.Lock()
	if n, err := t.lookupLocked(utils.SplitPath(src.Path)); err == nil {
		n.walk(func(c *node) {
			if c.kind == KindRegular {
				ids = append(ids, c.stat.ID())
			}
		})
	}
	t.mu.Unlock()

	defer t.cache.LockAll(ids...)()
	for _, id := range ids {
		if err := t.cache.Flush(ctx, id); err != nil {
			return withPath(err, src.Path)
		}
	}

	if err := t.conn.Rename(ctx, src.Path, toClean, flags); err != nil {
		return err
	}

	if err := t.Move(src.Path, toClean, false); err != nil {
		// the cache diverged from the device; forget both ends
		t.log.Warn("move after rename failed", zap.String("from", src.Path), zap.String("to", toClean), zap.Error(err))
		t.forget(ctx, src.Path, src.Stat.ID())
	}
	return nil
}

// Truncate resizes a regular file on the device and in the cache.
func (t *Tree) Truncate(ctx context.Context, path string, size int64) error {
	e, err := t.Pull(ctx, path)
	if err != nil {
		return err
	}
	if e.Kind == KindDirectory {
		return errors.NewError(errors.ErrCodeIsDirectory, "is a directory").WithComponent("tree").WithPath(e.Path)
	}
	if size < 0 {
		return errors.NewError(errors.ErrCodeInvalidArgument, "negative size").WithComponent("tree").WithPath(e.Path)
	}

	// an in-flight write-back of this file must not land after the truncate
	defer t.cache.Lock(e.Stat.ID())()
	if err := t.conn.Truncate(ctx, e.Path, size); err != nil {
		return err
	}
	t.cache.Truncate(e.Stat.ID(), size)

	t.mu.Lock()
	if n, err := t.lookupLocked(utils.SplitPath(e.Path)); err == nil && n.stat.ID() == e.Stat.ID() {
		now := t.now()
		n.stat.Size = size
		n.stat.Mtime = now
		n.stat.Ctime = now
	}
	t.mu.Unlock()
	return nil
}

// Open registers an open handle. O_TRUNC truncates the file.
func (t *Tree) Open(ctx context.Context, path string, flags int) (Entry, error) {
	e, err := t.Pull(ctx, path)
	if err != nil {
		return Entry{}, err
	}
	if e.Kind == KindDirectory && flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return Entry{}, errors.NewError(errors.ErrCodeIsDirectory, "is a directory").WithComponent("tree").WithPath(e.Path)
	}
	if e.Kind != KindRegular {
		return e, nil
	}

	t.mu.Lock()
	if n, err := t.lookupLocked(utils.SplitPath(e.Path)); err == nil {
		n.open++
	}
	t.mu.Unlock()

	if flags&syscall.O_TRUNC != 0 && flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		if err := t.Truncate(ctx, e.Path, 0); err != nil {
			t.release(e.Path)
			return Entry{}, err
		}
		if te, err := t.Traverse(e.Path); err == nil && te.Stat.ID() == e.Stat.ID() {
			e = te
		} else {
			// node dropped meanwhile; the truncate itself succeeded
			e.Stat.Size = 0
		}
	}
	return e, nil
}

func (t *Tree) release(clean string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.lookupLocked(utils.SplitPath(clean))
	if err != nil || n.kind != KindRegular {
		return 0, false
	}
	if n.open > 0 {
		n.open--
	}
	return n.open, true
}

// Release drops an open handle and pushes the file once the last handle
// is gone.
func (t *Tree) Release(ctx context.Context, path string) error {
	clean, _, err := cleanPath(path)
	if err != nil {
		return err
	}
	open, ok := t.release(clean)
	if !ok || open > 0 {
		return nil
	}
	return t.Push(ctx, clean)
}

// Flush pushes the file at path.
func (t *Tree) Flush(ctx context.Context, path string) error {
	return t.Push(ctx, path)
}

func (t *Tree) regular(ctx context.Context, path string) (Entry, error) {
	e, err := t.Pull(ctx, path)
	if err != nil {
		return Entry{}, err
	}
	switch e.Kind {
	case KindRegular:
		return e, nil
	case KindDirectory:
		return Entry{}, errors.NewError(errors.ErrCodeIsDirectory, "is a directory").WithComponent("tree").WithPath(e.Path)
	default:
		return Entry{}, errors.NewError(errors.ErrCodeInvalidArgument, "not a regular file").WithComponent("tree").WithPath(e.Path)
	}
}

// Read reads file content through the page cache.
func (t *Tree) Read(ctx context.Context, path string, buf []byte, off int64) (int, error) {
	e, err := t.regular(ctx, path)
	if err != nil {
		return 0, err
	}
	defer t.cache.RLock(e.Stat.ID())()
	e = t.latest(e)
	return t.cache.Read(ctx, e.Stat.ID(), e.Path, buf, off, e.Stat.Size)
}

// Write writes into the page cache; the data reaches the device on push.
func (t *Tree) Write(ctx context.Context, path string, data []byte, off int64) (int, error) {
	e, err := t.regular(ctx, path)
	if err != nil {
		return 0, err
	}
	defer t.cache.Lock(e.Stat.ID())()
	e = t.latest(e)
	n, err := t.cache.Write(ctx, e.Stat.ID(), e.Path, data, off, e.Stat.Size)
	if n > 0 {
		t.mu.Lock()
		if node, lerr := t.lookupLocked(utils.SplitPath(e.Path)); lerr == nil && node.stat.ID() == e.Stat.ID() {
			if end := off + int64(n); end > node.stat.Size {
				node.stat.Size = end
			}
			now := t.now()
			node.stat.Mtime = now
			node.stat.Ctime = now
		}
		t.mu.Unlock()
	}
	return n, err
}

// Utimens sets timestamps on the device and in the cached Stat.
func (t *Tree) Utimens(ctx context.Context, path string, atime, mtime types.TimeSpec) error {
	e, err := t.Pull(ctx, path)
	if err != nil {
		return err
	}
	defer t.cache.Lock(e.Stat.ID())()
	// a later write-back would move mtime again
	if err := t.pushLocked(ctx, t.latest(e)); err != nil {
		return err
	}
	if err := t.conn.Utimens(ctx, e.Path, atime, mtime); err != nil {
		return err
	}

	t.mu.Lock()
	if n, err := t.lookupLocked(utils.SplitPath(e.Path)); err == nil {
		now := t.now()
		apply := func(ts types.TimeSpec, dst *time.Time) {
			switch {
			case ts.Omit:
			case ts.Now:
				*dst = now
			default:
				*dst = ts.Time
			}
		}
		apply(atime, &n.stat.Atime)
		apply(mtime, &n.stat.Mtime)
		n.stat.Ctime = now
	}
	t.mu.Unlock()
	return nil
}

// CopyFileRange copies on the device after pushing both files; the
// destination's cached content is dropped and its metadata refreshed.
func (t *Tree) CopyFileRange(ctx context.Context, in string, offIn int64, out string, offOut int64, size int64) (int64, error) {
	src, err := t.regular(ctx, in)
	if err != nil {
		return 0, err
	}
	dst, err := t.regular(ctx, out)
	if err != nil {
		return 0, err
	}
	defer t.cache.LockAll(src.Stat.ID(), dst.Stat.ID())()
	if err := t.pushLocked(ctx, t.latest(src)); err != nil {
		return 0, err
	}
	if err := t.pushLocked(ctx, t.latest(dst)); err != nil {
		return 0, err
	}

	n, err := t.conn.CopyFileRange(ctx, src.Path, offIn, dst.Path, offOut, size)
	if err != nil {
		return 0, err
	}

	_ = t.cache.Invalidate(ctx, dst.Stat.ID(), false)
	attr, err := t.conn.Stat(ctx, dst.Path)
	t.mu.Lock()
	if node, lerr := t.lookupLocked(utils.SplitPath(dst.Path)); lerr == nil && node.stat.ID() == dst.Stat.ID() {
		if err == nil {
			node.stat.Attr = attr
			node.fetched = t.now()
		} else if end := offOut + n; end > node.stat.Size {
			node.stat.Size = end
		}
	}
	t.mu.Unlock()
	return n, nil
}
