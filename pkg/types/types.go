package types

import (
	"sync/atomic"
	"syscall"
	"time"
)

// ID identifies a file's cached content independently of its path.
// IDs come from a process-wide counter and are never reused.
type ID uint64

var idCounter atomic.Uint64

// nextID allocates a fresh identity. The first ID handed out is 1, so the
// zero ID never names a live Stat.
func nextID() ID {
	return ID(idCounter.Add(1))
}

// Attr is the metadata reported by the remote side for one path.
type Attr struct {
	Links uint64    `json:"links"`
	Size  int64     `json:"size"`
	Mtime time.Time `json:"mtime"`
	Atime time.Time `json:"atime"`
	Ctime time.Time `json:"ctime"`
	Mode  uint32    `json:"mode"`
	UID   uint32    `json:"uid"`
	GID   uint32    `json:"gid"`
}

// Stat is per-node metadata. Its ID is assigned by NewStat and cannot
// change afterwards; the embedded Attr may be updated in place.
type Stat struct {
	id ID
	Attr
}

// NewStat creates a Stat with a freshly allocated ID.
func NewStat(attr Attr) Stat {
	return Stat{id: nextID(), Attr: attr}
}

// ID returns the identity assigned at construction.
func (s Stat) ID() ID {
	return s.id
}

// Type returns the S_IFMT bits of the mode.
func (a Attr) Type() uint32 {
	return a.Mode & syscall.S_IFMT
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool { return a.Type() == syscall.S_IFDIR }

// IsRegular reports whether the attributes describe a regular file.
func (a Attr) IsRegular() bool { return a.Type() == syscall.S_IFREG }

// IsSymlink reports whether the attributes describe a symbolic link.
func (a Attr) IsSymlink() bool { return a.Type() == syscall.S_IFLNK }

// mtimeTolerance absorbs the sub-second precision lost by the remote stat output.
const mtimeTolerance = 2 * time.Second

// Modified reports whether other describes different content than a: the
// size changed or the mtime moved by more than two seconds.
func (a Attr) Modified(other Attr) bool {
	if a.Size != other.Size {
		return true
	}
	d := a.Mtime.Sub(other.Mtime)
	if d < 0 {
		d = -d
	}
	return d > mtimeTolerance
}

// TimeSpec is one timestamp argument of utimens.
type TimeSpec struct {
	Time time.Time
	Now  bool // set to the current time
	Omit bool // leave unchanged
}

// CacheStats represents page cache statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Pages       int     `json:"pages"`
	DirtyPages  int     `json:"dirty_pages"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	PageSize    int64   `json:"page_size"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}
