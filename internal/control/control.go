// Package control exposes the runtime cache parameters of a mount and
// answers control channel operations against them.
package control

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mrizaln/madbfs-sub001/internal/cache"
	"github.com/mrizaln/madbfs-sub001/internal/ipc"
	"github.com/mrizaln/madbfs-sub001/internal/tree"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// Reply payloads. Sizes are reported in the unit their setter takes.
type (
	HelpReply struct {
		Operations []ipc.Name `json:"operations"`
	}

	PageSizeReply struct {
		KiB int64 `json:"kib"`
	}

	CacheSizeReply struct {
		MiB int64 `json:"mib"`
	}

	TTLReply struct {
		Sec int64 `json:"sec"`
	}

	InvalidateReply struct {
		// Size is how much cached content was dropped, in MiB.
		Size int64 `json:"size"`
	}

	CacheUsage struct {
		Max     int64 `json:"max"`
		Current int64 `json:"current"`
	}

	InfoReply struct {
		Connection string     `json:"connection"`
		PageSize   int64      `json:"page_size"`
		CacheSize  CacheUsage `json:"cache_size"`
		TTL        int64      `json:"ttl"`
		Nodes      int        `json:"nodes"`
		HitRate    float64    `json:"hit_rate"`
	}
)

// Surface is the cache control surface of one mount.
type Surface struct {
	tree  *tree.Tree
	cache *cache.Cache
	log   *zap.Logger
}

// New binds a surface to t and its cache.
func New(t *tree.Tree) *Surface {
	return &Surface{tree: t, cache: t.Cache(), log: utils.Component("control")}
}

// PageSize returns the page size in KiB.
func (s *Surface) PageSize() int64 {
	return s.cache.PageSize() / cache.KiB
}

// SetPageSize sets the page size, rounded up to a power of two, and
// returns the applied value in KiB. Cached pages switch to the new size
// lazily.
func (s *Surface) SetPageSize(kib uint64) (int64, error) {
	if kib > cache.MaxPageSize/cache.KiB {
		return 0, outOfBounds("page size", kib, "KiB", cache.MinPageSize/cache.KiB, cache.MaxPageSize/cache.KiB)
	}
	applied, err := s.cache.SetPageSize(int64(kib) * cache.KiB)
	if err != nil {
		return 0, err
	}
	return applied / cache.KiB, nil
}

// CacheSize returns the cache budget in MiB.
func (s *Surface) CacheSize() int64 {
	return s.cache.CacheSize() / cache.MiB
}

// SetCacheSize sets the cache budget and returns it in MiB. The budget is
// enforced at the next eviction.
func (s *Surface) SetCacheSize(mib uint64) (int64, error) {
	if mib > cache.MaxCacheSize/cache.MiB {
		return 0, outOfBounds("cache size", mib, "MiB", cache.MinCacheSize/cache.MiB, cache.MaxCacheSize/cache.MiB)
	}
	applied, err := s.cache.SetCacheSize(int64(mib) * cache.MiB)
	if err != nil {
		return 0, err
	}
	return applied / cache.MiB, nil
}

// InvalidateCache drops every cached node and page without contacting the
// device. It returns the dropped content size in MiB.
func (s *Surface) InvalidateCache(ctx context.Context) (int64, error) {
	before := s.cache.Stats().Size
	if err := s.tree.Invalidate(ctx); err != nil {
		return 0, err
	}
	return before / cache.MiB, nil
}

// Info summarizes the mount.
func (s *Surface) Info() InfoReply {
	stats := s.cache.Stats()
	return InfoReply{
		Connection: s.tree.Connection().Name(),
		PageSize:   stats.PageSize / cache.KiB,
		CacheSize:  CacheUsage{Max: stats.Capacity / cache.MiB, Current: stats.Size / cache.MiB},
		TTL:        int64(s.tree.StatTTL() / time.Second),
		Nodes:      s.tree.NodeCount(),
		HitRate:    stats.HitRate,
	}
}

// Handle answers one control channel operation.
func (s *Surface) Handle(ctx context.Context, op ipc.Op) (interface{}, error) {
	s.log.Debug("control operation", zap.Stringer("op", op))

	switch op.Name {
	case ipc.OpHelp:
		return HelpReply{Operations: ipc.Names()}, nil
	case ipc.OpInfo:
		return s.Info(), nil
	case ipc.OpInvalidateCache:
		size, err := s.InvalidateCache(ctx)
		if err != nil {
			return nil, err
		}
		return InvalidateReply{Size: size}, nil
	case ipc.OpSetPageSize:
		kib, err := s.SetPageSize(op.Value)
		if err != nil {
			return nil, err
		}
		return PageSizeReply{KiB: kib}, nil
	case ipc.OpGetPageSize:
		return PageSizeReply{KiB: s.PageSize()}, nil
	case ipc.OpSetCacheSize:
		mib, err := s.SetCacheSize(op.Value)
		if err != nil {
			return nil, err
		}
		return CacheSizeReply{MiB: mib}, nil
	case ipc.OpGetCacheSize:
		return CacheSizeReply{MiB: s.CacheSize()}, nil
	case ipc.OpSetTTL:
		if op.Value == 0 || op.Value > uint64((24*time.Hour)/time.Second) {
			return nil, outOfBounds("ttl", op.Value, "s", 1, int64((24*time.Hour)/time.Second))
		}
		if err := s.tree.SetStatTTL(time.Duration(op.Value) * time.Second); err != nil {
			return nil, err
		}
		return TTLReply{Sec: int64(op.Value)}, nil
	case ipc.OpGetTTL:
		return TTLReply{Sec: int64(s.tree.StatTTL() / time.Second)}, nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidOperation, "'%s' is not a valid operation, try 'help'", op.Name).
			WithComponent("control")
	}
}

func outOfBounds(what string, v uint64, unit string, lo, hi int64) *errors.Error {
	return errors.Newf(errors.ErrCodeOutOfBounds, "%s %d %s outside [%d, %d] %s", what, v, unit, lo, hi, unit).
		WithComponent("control")
}
