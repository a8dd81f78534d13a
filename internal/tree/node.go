package tree

import (
	"time"

	"github.com/mrizaln/madbfs-sub001/pkg/types"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// Kind is the node variant.
type Kind int

const (
	KindOther Kind = iota
	KindDirectory
	KindRegular
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindRegular:
		return "regular"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

func kindOf(attr types.Attr) Kind {
	switch {
	case attr.IsDir():
		return KindDirectory
	case attr.IsRegular():
		return KindRegular
	case attr.IsSymlink():
		return KindSymlink
	default:
		return KindOther
	}
}

// node is one cached entry. The parent owns its children; parent is a
// back-reference only. All fields are guarded by Tree.mu.
type node struct {
	name    string
	parent  *node
	kind    Kind
	stat    types.Stat
	fetched time.Time // when stat was last confirmed remotely

	// directory
	children map[string]*node
	listed   time.Time // zero until the children were listed

	// symlink
	target string

	// regular
	open int
}

func newNode(name string, parent *node, stat types.Stat, now time.Time) *node {
	n := &node{
		name:    name,
		parent:  parent,
		kind:    kindOf(stat.Attr),
		stat:    stat,
		fetched: now,
	}
	if n.kind == KindDirectory {
		n.children = make(map[string]*node)
	}
	return n
}

func (n *node) path() string {
	if n.parent == nil {
		return "/"
	}
	return utils.JoinPath(n.parent.path(), n.name)
}

func (n *node) attach(child *node) {
	child.parent = n
	n.children[child.name] = child
}

func (n *node) detach() {
	if n.parent != nil && n.parent.children[n.name] == n {
		delete(n.parent.children, n.name)
	}
	n.parent = nil
}

// walk visits n and all its descendants.
func (n *node) walk(fn func(*node)) {
	fn(n)
	for _, c := range n.children {
		c.walk(fn)
	}
}

func (n *node) count() int {
	total := 0
	n.walk(func(*node) { total++ })
	return total
}

// Entry is a snapshot of a node taken under the tree lock.
type Entry struct {
	Path   string
	Name   string
	Kind   Kind
	Stat   types.Stat
	Target string
}

func (n *node) entry() Entry {
	name := n.name
	if n.parent == nil {
		name = "/"
	}
	return Entry{Path: n.path(), Name: name, Kind: n.kind, Stat: n.stat, Target: n.target}
}
