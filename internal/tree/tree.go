// Package tree caches the remote namespace and routes filesystem operations
// through the page cache and the connection.
package tree

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mrizaln/madbfs-sub001/internal/cache"
	"github.com/mrizaln/madbfs-sub001/internal/connection"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/retry"
	"github.com/mrizaln/madbfs-sub001/pkg/types"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// DefaultStatTTL is how long remote metadata is trusted.
const DefaultStatTTL = 30 * time.Second

// Config configures a Tree.
type Config struct {
	// StatTTL bounds how long a node's metadata is served without asking
	// the device again.
	StatTTL time.Duration `yaml:"stat_ttl"`
	// Retry applies to transport failures while pulling metadata.
	Retry retry.Config `yaml:"retry"`
}

// Tree is the cached view of the remote filesystem. One mutex guards the
// structure; it is never held across a call into the connection.
type Tree struct {
	conn    connection.Connection
	cache   *cache.Cache
	retryer *retry.Retryer
	ttl     time.Duration
	log     *zap.Logger
	now     func() time.Time

	pulls singleflight.Group

	mu   sync.Mutex
	root *node
}

// New creates a tree holding only the root directory.
func New(conn connection.Connection, c *cache.Cache, config Config) *Tree {
	if config.StatTTL <= 0 {
		config.StatTTL = DefaultStatTTL
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultConfig()
	}

	t := &Tree{
		conn:    conn,
		cache:   c,
		retryer: retry.New(config.Retry),
		ttl:     config.StatTTL,
		log:     utils.Component("tree"),
		now:     time.Now,
	}
	t.root = t.newRoot()
	return t
}

func (t *Tree) newRoot() *node {
	// root metadata is fetched on first GetAttr
	return newNode("", nil, types.NewStat(types.Attr{Mode: syscall.S_IFDIR | 0o755, Links: 2}), time.Time{})
}

// Connection returns the backend the tree reads through.
func (t *Tree) Connection() connection.Connection { return t.conn }

// Cache returns the page cache.
func (t *Tree) Cache() *cache.Cache { return t.cache }

func cleanPath(p string) (string, []string, error) {
	clean, err := utils.CleanPath(p)
	if err != nil {
		return "", nil, errors.NewError(errors.ErrCodeInvalidArgument, err.Error()).WithComponent("tree").WithPath(p)
	}
	return clean, utils.SplitPath(clean), nil
}

// lookupLocked walks cached nodes. Caller holds t.mu.
func (t *Tree) lookupLocked(parts []string) (*node, error) {
	cur := t.root
	for _, name := range parts {
		if cur.kind != KindDirectory {
			return nil, errors.NewError(errors.ErrCodeNotDirectory, "not a directory").WithComponent("tree")
		}
		next, ok := cur.children[name]
		if !ok {
			return nil, errors.NewError(errors.ErrCodeNotFound, "not cached").WithComponent("tree")
		}
		cur = next
	}
	return cur, nil
}

// Traverse resolves path against cached nodes only.
func (t *Tree) Traverse(path string) (Entry, error) {
	clean, parts, err := cleanPath(path)
	if err != nil {
		return Entry{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.lookupLocked(parts)
	if err != nil {
		return Entry{}, withPath(err, clean)
	}
	return n.entry(), nil
}

func withPath(err error, path string) error {
	if e, ok := errors.As(err); ok {
		return e.WithPath(path)
	}
	return err
}

// Pull resolves path, statting and inserting every missing component.
// Concurrent pulls of one path share their remote calls; insertion
// re-checks under the lock so a path never gets two nodes. The shared pull
// outlives a cancelled caller so the others still get its result.
func (t *Tree) Pull(ctx context.Context, path string) (Entry, error) {
	clean, parts, err := cleanPath(path)
	if err != nil {
		return Entry{}, err
	}

	t.mu.Lock()
	if n, err := t.lookupLocked(parts); err == nil {
		e := n.entry()
		t.mu.Unlock()
		return e, nil
	}
	t.mu.Unlock()

	shared := context.WithoutCancel(ctx)
	ch := t.pulls.DoChan(clean, func() (interface{}, error) {
		return t.pull(shared, clean, parts)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	case <-ctx.Done():
		return Entry{}, errors.Interrupted(ctx).WithComponent("tree").WithOperation("pull").WithPath(clean)
	}
}

func (t *Tree) pull(ctx context.Context, clean string, parts []string) (Entry, error) {
	for depth := 1; depth <= len(parts); depth++ {
		prefix := parts[:depth]
		childPath := "/" + strings.Join(prefix, "/")

		t.mu.Lock()
		parent, err := t.lookupLocked(prefix[:depth-1])
		if err != nil {
			t.mu.Unlock()
			// the chain was invalidated while we were statting
			return Entry{}, withPath(err, clean)
		}
		if parent.kind != KindDirectory {
			t.mu.Unlock()
			return Entry{}, errors.NewError(errors.ErrCodeNotDirectory, "not a directory").
				WithComponent("tree").WithPath(parent.path())
		}
		if _, ok := parent.children[prefix[depth-1]]; ok {
			t.mu.Unlock()
			continue
		}
		t.mu.Unlock()

		attr, err := retry.Value(ctx, t.retryer, func(ctx context.Context) (types.Attr, error) {
			return t.conn.Stat(ctx, childPath)
		})
		if err != nil {
			return Entry{}, err
		}

		t.mu.Lock()
		parent, err = t.lookupLocked(prefix[:depth-1])
		if err == nil && parent.kind == KindDirectory {
			if _, ok := parent.children[prefix[depth-1]]; !ok {
				parent.attach(newNode(prefix[depth-1], parent, types.NewStat(attr), t.now()))
			}
		}
		t.mu.Unlock()
		if err != nil {
			return Entry{}, withPath(err, clean)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.lookupLocked(parts)
	if err != nil {
		return Entry{}, withPath(err, clean)
	}
	return n.entry(), nil
}

// Push writes a dirty file's cached content back. On failure the content
// stays dirty so the push can be retried.
func (t *Tree) Push(ctx context.Context, path string) error {
	e, err := t.Traverse(path)
	if err != nil {
		return err
	}
	if e.Kind != KindRegular {
		return nil
	}
	defer t.cache.Lock(e.Stat.ID())()
	return t.pushLocked(ctx, e)
}

// pushLocked is Push for a caller holding the file's operation lock.
func (t *Tree) pushLocked(ctx context.Context, e Entry) error {
	if e.Kind != KindRegular || !t.cache.IsDirty(e.Stat.ID()) {
		return nil
	}

	if err := t.cache.Flush(ctx, e.Stat.ID()); err != nil {
		return withPath(err, e.Path)
	}

	// our own write moved the remote mtime; adopt it without a new identity
	attr, err := t.conn.Stat(ctx, e.Path)
	if err != nil {
		t.log.Debug("stat after push failed", zap.String("path", e.Path), zap.Error(err))
		return nil
	}
	t.mu.Lock()
	if n, err := t.lookupLocked(utils.SplitPath(e.Path)); err == nil && n.stat.ID() == e.Stat.ID() {
		n.stat.Attr = attr
		n.fetched = t.now()
	}
	t.mu.Unlock()
	return nil
}

// latest returns the cached entry at e's path while it still carries e's
// identity, and e otherwise.
func (t *Tree) latest(e Entry) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, err := t.lookupLocked(utils.SplitPath(e.Path)); err == nil && n.stat.ID() == e.Stat.ID() {
		return n.entry()
	}
	return e
}

// Move re-parents the node at from to to, in cache only. Identity and
// cached content are kept. The parent of to must already be cached. An
// existing node at to is replaced unless noReplace is set.
func (t *Tree) Move(from, to string, noReplace bool) error {
	fromClean, fromParts, err := cleanPath(from)
	if err != nil {
		return err
	}
	toClean, toParts, err := cleanPath(to)
	if err != nil {
		return err
	}
	if len(fromParts) == 0 || len(toParts) == 0 {
		return errors.NewError(errors.ErrCodeInvalidArgument, "cannot move the root").WithComponent("tree").WithPath(fromClean)
	}
	if fromClean == toClean {
		return nil
	}
	if utils.IsAncestor(fromClean, toClean) {
		return errors.NewError(errors.ErrCodeInvalidArgument, "cannot move a directory into itself").
			WithComponent("tree").WithPath(toClean)
	}

	var dropped []types.ID

	t.mu.Lock()
	n, err := t.lookupLocked(fromParts)
	if err != nil {
		t.mu.Unlock()
		return withPath(err, fromClean)
	}
	parent, err := t.lookupLocked(toParts[:len(toParts)-1])
	if err != nil || parent.kind != KindDirectory {
		t.mu.Unlock()
		return errors.NewError(errors.ErrCodeParentMissing, "target parent not cached").
			WithComponent("tree").WithOperation("move").WithPath(toClean)
	}
	name := toParts[len(toParts)-1]
	if existing, ok := parent.children[name]; ok {
		if noReplace {
			t.mu.Unlock()
			return errors.NewError(errors.ErrCodeAlreadyExists, "target exists").
				WithComponent("tree").WithOperation("move").WithPath(toClean)
		}
		existing.walk(func(c *node) {
			if c.kind == KindRegular {
				dropped = append(dropped, c.stat.ID())
			}
		})
		existing.detach()
	}

	n.detach()
	n.name = name
	parent.attach(n)
	n.walk(func(c *node) {
		if c.kind == KindRegular {
			t.cache.Rename(c.stat.ID(), c.path())
		}
	})
	t.mu.Unlock()

	for _, id := range dropped {
		_ = t.cache.Invalidate(context.Background(), id, false)
	}
	return nil
}

// Invalidate drops every cached node except the root and all cached
// content, without contacting the device. Unflushed writes are lost.
func (t *Tree) Invalidate(ctx context.Context) error {
	t.mu.Lock()
	dirty := 0
	t.root.walk(func(n *node) {
		if n.kind == KindRegular && t.cache.IsDirty(n.stat.ID()) {
			dirty++
		}
	})
	t.root.children = make(map[string]*node)
	t.root.listed = time.Time{}
	t.root.fetched = time.Time{}
	t.mu.Unlock()

	if dirty > 0 {
		t.log.Warn("invalidation discarded unflushed writes", zap.Int("files", dirty))
	}
	t.log.Info("cache invalidated")
	return t.cache.InvalidateAll(ctx, false)
}

// Shutdown writes back every dirty file. All files are attempted.
func (t *Tree) Shutdown(ctx context.Context) error {
	type target struct {
		id   types.ID
		path string
	}
	var targets []target

	t.mu.Lock()
	t.root.walk(func(n *node) {
		if n.kind == KindRegular && t.cache.IsDirty(n.stat.ID()) {
			targets = append(targets, target{n.stat.ID(), n.path()})
		}
	})
	t.mu.Unlock()

	var errs []error
	for _, tg := range targets {
		unlock := t.cache.Lock(tg.id)
		err := t.cache.Flush(ctx, tg.id)
		unlock()
		if err != nil {
			t.log.Error("flush on shutdown failed", zap.String("path", tg.path), zap.Error(err))
			errs = append(errs, withPath(err, tg.path))
		}
	}
	return stderrors.Join(errs...)
}

// StatTTL returns how long metadata is served without a refresh.
func (t *Tree) StatTTL() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ttl
}

// SetStatTTL changes the metadata TTL. Nodes already cached keep their
// fetch time; the new TTL applies from their next access.
func (t *Tree) SetStatTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return errors.Newf(errors.ErrCodeOutOfBounds, "ttl must be positive, got %s", ttl).WithComponent("tree")
	}
	t.mu.Lock()
	t.ttl = ttl
	t.mu.Unlock()
	t.log.Info("stat ttl changed", zap.Duration("ttl", ttl))
	return nil
}

// NodeCount returns the number of cached nodes including the root.
func (t *Tree) NodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.count()
}
