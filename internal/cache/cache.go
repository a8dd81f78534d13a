package cache

import (
	"container/list"
	"context"
	"fmt"
	"math/bits"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mrizaln/madbfs-sub001/internal/buffer"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/types"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// Bounds and defaults for the runtime parameters.
const (
	KiB = 1 << 10
	MiB = 1 << 20

	MinPageSize     = 64 * KiB
	MaxPageSize     = 4 * MiB
	DefaultPageSize = 128 * KiB

	MinCacheSize     = 1 * MiB
	MaxCacheSize     = 65536 * MiB
	DefaultCacheSize = 256 * MiB
)

// Config represents cache configuration
type Config struct {
	PageSize  int64 `yaml:"page_size"`
	CacheSize int64 `yaml:"cache_size"`
}

// Cache is a paged content cache shared by all files. Pages are keyed by
// file identity and index and evicted in LRU order across files once the
// resident size exceeds the budget. Dirty pages are written back before
// they are dropped.
//
// Read expects the caller to hold RLock(id); Write, Flush and Truncate
// expect Lock(id). Eviction writes back pages of other files only when it
// can take their lock without waiting.
type Cache struct {
	backend Backend
	metrics types.MetricsCollector
	log     *zap.Logger
	fetches singleflight.Group
	locks   lockTable

	mu       sync.Mutex
	files    map[types.ID]*file
	lru      *list.List // front is most recent
	size     int64
	capacity int64
	pageSize int64
	epoch    uint64

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache over backend. Zero config values take the defaults.
func New(backend Backend, config Config, metrics types.MetricsCollector) (*Cache, error) {
	if config.PageSize == 0 {
		config.PageSize = DefaultPageSize
	}
	if config.CacheSize == 0 {
		config.CacheSize = DefaultCacheSize
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}

	pageSize, err := ValidatePageSize(config.PageSize)
	if err != nil {
		return nil, err
	}
	if err := ValidateCacheSize(config.CacheSize, pageSize); err != nil {
		return nil, err
	}

	return &Cache{
		backend:  backend,
		metrics:  metrics,
		log:      utils.Component("cache"),
		files:    make(map[types.ID]*file),
		lru:      list.New(),
		capacity: config.CacheSize,
		pageSize: pageSize,
	}, nil
}

// RoundPageSize rounds size up to a power of two.
func RoundPageSize(size int64) int64 {
	if size <= 1 {
		return 1
	}
	return 1 << bits.Len64(uint64(size-1))
}

// ValidatePageSize rounds size up to a power of two and checks the bounds.
func ValidatePageSize(size int64) (int64, error) {
	if size < MinPageSize || size > MaxPageSize {
		return 0, errors.Newf(errors.ErrCodeOutOfBounds, "page size %d KiB outside [%d, %d] KiB",
			size/KiB, MinPageSize/KiB, MaxPageSize/KiB).WithComponent("cache")
	}
	return RoundPageSize(size), nil
}

// ValidateCacheSize checks the budget bounds and that it holds at least one page.
func ValidateCacheSize(size, pageSize int64) error {
	if size < MinCacheSize || size > MaxCacheSize {
		return errors.Newf(errors.ErrCodeOutOfBounds, "cache size %d MiB outside [%d, %d] MiB",
			size/MiB, MinCacheSize/MiB, MaxCacheSize/MiB).WithComponent("cache")
	}
	if size < pageSize {
		return errors.Newf(errors.ErrCodeOutOfBounds, "cache size %d KiB smaller than page size %d KiB",
			size/KiB, pageSize/KiB).WithComponent("cache")
	}
	return nil
}

// PageSize returns the current page size in bytes.
func (c *Cache) PageSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageSize
}

// CacheSize returns the budget in bytes.
func (c *Cache) CacheSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Params returns page size and budget as one consistent pair.
func (c *Cache) Params() (pageSize, cacheSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageSize, c.capacity
}

// SetPageSize changes the page size and returns the applied value. Cached
// pages are not rewritten; each file migrates on its next access.
func (c *Cache) SetPageSize(size int64) (int64, error) {
	rounded, err := ValidatePageSize(size)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if rounded > c.capacity {
		return 0, errors.Newf(errors.ErrCodeOutOfBounds, "page size %d KiB larger than cache size %d KiB",
			rounded/KiB, c.capacity/KiB).WithComponent("cache")
	}
	if rounded != c.pageSize {
		c.pageSize = rounded
		c.epoch++
		c.log.Info("page size changed", zap.Int64("page_size", rounded), zap.Uint64("epoch", c.epoch))
	}
	return rounded, nil
}

// SetCacheSize changes the budget. It takes effect at the next eviction.
func (c *Cache) SetCacheSize(size int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ValidateCacheSize(size, c.pageSize); err != nil {
		return 0, err
	}
	c.capacity = size
	c.log.Info("cache size changed", zap.Int64("cache_size", size))
	return size, nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := types.CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Pages:     c.lru.Len(),
		Size:      c.size,
		Capacity:  c.capacity,
		PageSize:  c.pageSize,
	}
	for _, f := range c.files {
		stats.DirtyPages += f.dirtyPages()
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	if c.capacity > 0 {
		stats.Utilization = float64(c.size) / float64(c.capacity)
	}
	return stats
}

// IsDirty reports whether id has pages not yet written back.
func (c *Cache) IsDirty(id types.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[id]
	return ok && f.dirtyPages() > 0
}

// Read copies file content at off into buf, never past fileSize. Bytes the
// remote does not have below fileSize read as zeros.
func (c *Cache) Read(ctx context.Context, id types.ID, path string, buf []byte, off, fileSize int64) (int, error) {
	if off >= fileSize || len(buf) == 0 {
		return 0, nil
	}
	end := off + int64(len(buf))
	if end > fileSize {
		end = fileSize
	}

	pos := off
	for pos < end {
		f, ps, err := c.acquire(ctx, id, path)
		if err != nil {
			return int(pos - off), err
		}
		index := pos / ps
		inPage := pos % ps
		want := ps - inPage
		if rest := end - pos; rest < want {
			want = rest
		}

		dst := buf[pos-off : pos-off+want]
		ok, err := c.readPage(ctx, f, ps, index, inPage, dst)
		if err != nil {
			return int(pos - off), err
		}
		if !ok {
			// epoch changed under us, recompute the page geometry
			continue
		}
		pos += want
	}
	c.evict(ctx, id)
	return int(end - off), nil
}

// readPage copies page bytes starting at inPage into dst, zero-filling past
// the page's data. It returns false when the file moved to a new epoch.
func (c *Cache) readPage(ctx context.Context, f *file, ps, index, inPage int64, dst []byte) (bool, error) {
	c.mu.Lock()
	if !c.current(f) {
		c.mu.Unlock()
		return false, nil
	}
	if p, ok := f.pages[index]; ok {
		c.hits++
		c.lru.MoveToFront(p.elem)
		copyOut(dst, p.data, inPage)
		c.mu.Unlock()
		c.metrics.RecordCacheHit("page", int64(len(dst)))
		return true, nil
	}
	c.misses++
	epoch, path := c.epoch, f.path
	c.mu.Unlock()
	c.metrics.RecordCacheMiss("page", int64(len(dst)))

	data, err := c.fetch(ctx, f.id, path, epoch, ps, index)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := f.pages[index]; ok && c.current(f) {
		copyOut(dst, p.data, inPage)
		return true, nil
	}
	if c.current(f) && c.epoch == epoch {
		c.insert(f, index, ps, data)
	}
	// a fetch that lost the race against an epoch change still holds the
	// remote bytes for this exact range
	copyOut(dst, data, inPage)
	return true, nil
}

func copyOut(dst, data []byte, from int64) {
	n := 0
	if from < int64(len(data)) {
		n = copy(dst, data[from:])
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// fetch reads one page from the backend; concurrent misses share a read.
// The shared read does not inherit the cancellation of whichever caller
// started it; each caller stops waiting when its own ctx is done.
func (c *Cache) fetch(ctx context.Context, id types.ID, path string, epoch uint64, ps, index int64) ([]byte, error) {
	key := strconv.FormatUint(uint64(id), 10) + "/" + strconv.FormatUint(epoch, 10) + "/" + strconv.FormatInt(index, 10)
	shared := context.WithoutCancel(ctx)
	ch := c.fetches.DoChan(key, func() (interface{}, error) {
		buf := make([]byte, ps)
		n, err := c.backend.Read(shared, path, buf, index*ps)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, errors.Interrupted(ctx).WithComponent("cache").WithPath(path)
	}
}

// Write stores data at off as dirty pages. Pages only partly covered are
// read from the backend first unless they lie entirely past fileSize.
func (c *Cache) Write(ctx context.Context, id types.ID, path string, data []byte, off, fileSize int64) (int, error) {
	pos := off
	end := off + int64(len(data))
	for pos < end {
		f, ps, err := c.acquire(ctx, id, path)
		if err != nil {
			return int(pos - off), err
		}
		index := pos / ps
		inPage := pos % ps
		n := ps - inPage
		if rest := end - pos; rest < n {
			n = rest
		}
		chunk := data[pos-off : pos-off+n]

		ok, err := c.writePage(ctx, f, ps, index, inPage, chunk, fileSize)
		if err != nil {
			return int(pos - off), err
		}
		if !ok {
			continue
		}
		pos += n
	}
	c.evict(ctx, id)
	return len(data), nil
}

func (c *Cache) writePage(ctx context.Context, f *file, ps, index, inPage int64, chunk []byte, fileSize int64) (bool, error) {
	c.mu.Lock()
	if !c.current(f) {
		c.mu.Unlock()
		return false, nil
	}

	p, ok := f.pages[index]
	if !ok {
		whole := inPage == 0 && int64(len(chunk)) == ps
		pastEOF := index*ps >= fileSize
		if whole || pastEOF {
			p = c.insert(f, index, ps, nil)
		} else {
			c.misses++
			epoch, path := c.epoch, f.path
			c.mu.Unlock()

			fetched, err := c.fetch(ctx, f.id, path, epoch, ps, index)
			if err != nil {
				return false, err
			}

			c.mu.Lock()
			if !c.current(f) || c.epoch != epoch {
				c.mu.Unlock()
				return false, nil
			}
			if p, ok = f.pages[index]; !ok {
				p = c.insert(f, index, ps, fetched)
			}
		}
	}
	defer c.mu.Unlock()

	need := inPage + int64(len(chunk))
	if cur := int64(len(p.data)); need > cur {
		p.data = p.data[:need]
		for i := cur; i < inPage; i++ {
			p.data[i] = 0
		}
	}
	copy(p.data[inPage:], chunk)
	p.dirty = true
	p.version++
	c.lru.MoveToFront(p.elem)
	return true, nil
}

// insert adds a page holding a copy of data. Caller holds c.mu.
func (c *Cache) insert(f *file, index, ps int64, data []byte) *page {
	buf := buffer.GetBuffer(int(ps))
	n := copy(buf, data)
	p := &page{
		key:  pageKey{id: f.id, index: index},
		file: f,
		size: ps,
		data: buf[:n],
	}
	p.elem = c.lru.PushFront(p)
	f.pages[index] = p
	c.size += ps
	return p
}

// remove drops a page. Caller holds c.mu.
func (c *Cache) remove(p *page) {
	c.lru.Remove(p.elem)
	delete(p.file.pages, p.key.index)
	c.size -= p.size
	buffer.PutBuffer(p.data)
	p.data = nil
}

// current reports whether f is still the live entry for its identity and
// belongs to the current epoch. Caller holds c.mu.
func (c *Cache) current(f *file) bool {
	return c.files[f.id] == f && f.epoch == c.epoch
}

// acquire returns the live file entry for id in the current epoch together
// with the page size to use. A file cut with an older page size has its
// dirty pages written back and all its pages dropped first.
func (c *Cache) acquire(ctx context.Context, id types.ID, path string) (*file, int64, error) {
	for {
		c.mu.Lock()
		f, ok := c.files[id]
		if !ok {
			f = &file{id: id, path: path, epoch: c.epoch, pages: make(map[int64]*page)}
			c.files[id] = f
		}
		f.path = path
		if f.epoch == c.epoch {
			ps := c.pageSize
			c.mu.Unlock()
			return f, ps, nil
		}
		c.mu.Unlock()

		if err := c.migrate(ctx, f); err != nil {
			return nil, 0, err
		}
	}
}

func (c *Cache) migrate(ctx context.Context, f *file) error {
	for {
		if err := c.flushLocked(ctx, f); err != nil {
			return err
		}

		c.mu.Lock()
		if c.files[f.id] != f || f.epoch == c.epoch {
			c.mu.Unlock()
			return nil
		}
		if f.dirtyPages() > 0 {
			// written to while flushing
			c.mu.Unlock()
			continue
		}
		for _, p := range f.pages {
			if !p.writing {
				c.remove(p)
			}
		}
		if len(f.pages) > 0 {
			c.mu.Unlock()
			continue
		}
		c.log.Debug("file migrated to new page size", zap.Uint64("id", uint64(f.id)), zap.Uint64("epoch", c.epoch))
		f.epoch = c.epoch
		c.mu.Unlock()
		return nil
	}
}

type snapshot struct {
	page    *page
	path    string
	data    []byte
	off     int64
	version uint64
}

func (c *Cache) snapshotLocked(p *page) snapshot {
	return snapshot{
		page:    p,
		path:    p.file.path,
		data:    append([]byte(nil), p.data...),
		off:     p.offset(),
		version: p.version,
	}
}

func (c *Cache) writeBack(ctx context.Context, s snapshot) error {
	n, err := c.backend.Write(ctx, s.path, s.data, s.off)
	if err != nil {
		return err
	}
	if n != len(s.data) {
		return errors.Newf(errors.ErrCodeIOError, "short write: %d of %d bytes", n, len(s.data)).
			WithComponent("cache").WithPath(s.path)
	}
	return nil
}

// Flush writes the dirty pages of id back in offset order. On failure the
// remaining pages stay dirty.
func (c *Cache) Flush(ctx context.Context, id types.ID) error {
	c.mu.Lock()
	f, ok := c.files[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.flushLocked(ctx, f)
}

func (c *Cache) flushLocked(ctx context.Context, f *file) error {
	c.mu.Lock()
	var snaps []snapshot
	for _, p := range f.pages {
		if p.dirty {
			snaps = append(snaps, c.snapshotLocked(p))
		}
	}
	c.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].off < snaps[j].off })

	for _, s := range snaps {
		if err := c.writeBack(ctx, s); err != nil {
			c.log.Warn("flush failed", zap.String("path", s.path), zap.Int64("offset", s.off), zap.Error(err))
			return err
		}
		c.mu.Lock()
		if s.page.version == s.version {
			s.page.dirty = false
		}
		c.mu.Unlock()
	}
	return nil
}

// evict drops least recently used pages until the cache fits its budget.
// Dirty victims are written back first and kept if that fails. held is the
// file the caller already holds the lock of; dirty pages of any other file
// are skipped while that file is locked exclusively.
func (c *Cache) evict(ctx context.Context, held types.ID) {
	unlocks := make(map[types.ID]func())
	defer func() {
		for _, unlock := range unlocks {
			unlock()
		}
	}()

	c.mu.Lock()
	over := c.size - c.capacity
	var victims []snapshot
	for e := c.lru.Back(); e != nil && over > 0; {
		prev := e.Prev()
		p := e.Value.(*page)
		switch {
		case p.writing:
		case p.dirty:
			if !c.lockVictim(p.key.id, held, unlocks) {
				break
			}
			p.writing = true
			victims = append(victims, c.snapshotLocked(p))
			over -= p.size
		default:
			over -= p.size
			c.remove(p)
			c.evictions++
		}
		e = prev
	}
	size := c.size
	c.mu.Unlock()

	for _, s := range victims {
		err := c.writeBack(ctx, s)

		c.mu.Lock()
		s.page.writing = false
		switch {
		case err != nil:
			c.log.Warn("write-back on eviction failed, page kept", zap.String("path", s.path), zap.Error(err))
		case s.page.data == nil:
			// already dropped
		case s.page.version == s.version:
			c.remove(s.page)
			c.evictions++
		default:
			// modified meanwhile, written data is stale but the page stays dirty
		}
		size = c.size
		c.mu.Unlock()
	}

	c.metrics.UpdateCacheSize("pages", size)
}

// lockVictim makes sure a dirty page of id may be written back by the
// evicting caller. Caller holds c.mu; the lock table never waits on it.
func (c *Cache) lockVictim(id, held types.ID, unlocks map[types.ID]func()) bool {
	if id == held {
		return true
	}
	if _, ok := unlocks[id]; ok {
		return true
	}
	unlock, ok := c.locks.tryRLock(id)
	if !ok {
		return false
	}
	unlocks[id] = unlock
	return true
}

// Truncate drops cached bytes at and beyond size. The backend is not touched.
func (c *Cache) Truncate(id types.ID, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.files[id]
	if !ok {
		return
	}
	for _, p := range f.pages {
		start := p.offset()
		switch {
		case start >= size:
			if !p.writing {
				c.remove(p)
			} else {
				p.data = p.data[:0]
				p.dirty = false
				p.version++
			}
		case start+int64(len(p.data)) > size:
			p.data = p.data[:size-start]
			p.version++
		}
	}
}

// Rename points write-back for id at a new path.
func (c *Cache) Rename(id types.ID, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.files[id]; ok {
		f.path = path
	}
}

// Invalidate drops everything cached for id, writing dirty pages back
// first when flush is set. With flush set it takes Lock(id) itself.
func (c *Cache) Invalidate(ctx context.Context, id types.ID, flush bool) error {
	if flush {
		defer c.Lock(id)()
	}

	c.mu.Lock()
	f, ok := c.files[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if flush {
		if err := c.flushLocked(ctx, f); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(f)
	return nil
}

func (c *Cache) dropLocked(f *file) {
	for _, p := range f.pages {
		if p.writing {
			// the in-flight write-back sees data == nil and leaves it
			c.lru.Remove(p.elem)
			delete(f.pages, p.key.index)
			c.size -= p.size
			p.data = nil
			continue
		}
		c.remove(p)
	}
	if c.files[f.id] == f {
		delete(c.files, f.id)
	}
}

// InvalidateAll drops every cached page. With flush set, dirty pages are
// written back first and the first failure is returned after all files
// were attempted; files that failed keep their pages.
func (c *Cache) InvalidateAll(ctx context.Context, flush bool) error {
	c.mu.Lock()
	ids := make([]types.ID, 0, len(c.files))
	for id := range c.files {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := c.Invalidate(ctx, id, flush); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalidate %d: %w", id, err)
		}
	}
	c.metrics.UpdateCacheSize("pages", c.Stats().Size)
	return firstErr
}
