package cache

import (
	"container/list"
	"context"

	"github.com/mrizaln/madbfs-sub001/pkg/types"
)

// Backend is the remote side the cache reads pages from and writes dirty
// pages back to. connection.Connection satisfies it.
type Backend interface {
	Read(ctx context.Context, path string, buf []byte, off int64) (int, error)
	Write(ctx context.Context, path string, data []byte, off int64) (int, error)
}

type pageKey struct {
	id    types.ID
	index int64
}

// page is one cached block of a file. data holds the bytes known for the
// page; it may be shorter than size at end of file.
type page struct {
	key     pageKey
	file    *file
	size    int64 // page size the block was cut with
	data    []byte
	dirty   bool
	version uint64 // bumped on every modification
	writing bool   // a write-back is in flight
	elem    *list.Element
}

func (p *page) offset() int64 {
	return p.key.index * p.size
}

// file groups the pages of one identity. path follows renames so write-back
// always targets the current name.
type file struct {
	id    types.ID
	path  string
	epoch uint64
	pages map[int64]*page
}

func (f *file) dirtyPages() int {
	n := 0
	for _, p := range f.pages {
		if p.dirty {
			n++
		}
	}
	return n
}
