// Package connection turns filesystem operations into commands against a
// remote device.
package connection

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/mrizaln/madbfs-sub001/pkg/types"
)

// Rename flags accepted by Connection.Rename.
const (
	RenameNoReplace = unix.RENAME_NOREPLACE
	RenameExchange  = unix.RENAME_EXCHANGE
)

// DirEntry is one child reported by StatDir.
type DirEntry struct {
	Name string
	Attr types.Attr
}

// DirStream yields directory entries incrementally. It is single pass and
// cannot be restarted; callers re-enumerate by calling StatDir again.
//
//	for s.Next() {
//		e := s.Entry()
//	}
//	if err := s.Err(); err != nil { ... }
type DirStream interface {
	Next() bool
	Entry() DirEntry
	Err() error
	Close() error
}

// Connection is the capability set the tree needs from a remote backend.
// Every error is a *errors.Error whose category tells transport failures
// apart from filesystem ones.
type Connection interface {
	Name() string

	StatDir(ctx context.Context, path string) (DirStream, error)
	Stat(ctx context.Context, path string) (types.Attr, error)
	Readlink(ctx context.Context, path string) (string, error)

	Mknod(ctx context.Context, path string, mode uint32, dev uint64) error
	Mkdir(ctx context.Context, path string, mode uint32) error
	Unlink(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string, flags uint32) error
	Truncate(ctx context.Context, path string, size int64) error

	Read(ctx context.Context, path string, buf []byte, off int64) (int, error)
	Write(ctx context.Context, path string, data []byte, off int64) (int, error)
	Utimens(ctx context.Context, path string, atime, mtime types.TimeSpec) error
	CopyFileRange(ctx context.Context, in string, offIn int64, out string, offOut int64, size int64) (int64, error)
}

// SliceStream is a DirStream over a fixed slice.
type SliceStream struct {
	entries []DirEntry
	pos     int
	err     error
}

// NewSliceStream returns a stream yielding entries and then err.
func NewSliceStream(entries []DirEntry, err error) *SliceStream {
	return &SliceStream{entries: entries, pos: -1, err: err}
}

func (s *SliceStream) Next() bool {
	if s.pos+1 >= len(s.entries) {
		s.pos = len(s.entries)
		return false
	}
	s.pos++
	return true
}

func (s *SliceStream) Entry() DirEntry {
	return s.entries[s.pos]
}

func (s *SliceStream) Err() error {
	if s.pos < len(s.entries) {
		return nil
	}
	return s.err
}

func (s *SliceStream) Close() error { return nil }

// Collect drains a stream into a slice and closes it.
func Collect(s DirStream) ([]DirEntry, error) {
	defer s.Close()
	var out []DirEntry
	for s.Next() {
		out = append(out, s.Entry())
	}
	return out, s.Err()
}
