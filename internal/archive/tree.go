package archive

import (
	"fmt"
	"strings"

	"atticore/internal/item"
)

// NodeKind distinguishes a synthetic directory inode from a materialized
// leaf backed by an item-cache handle.
type NodeKind uint8

const (
	NodeDir NodeKind = iota
	NodeLeaf
)

// TreeNode is one inode in an archive's materialized tree. Directory
// inodes are allocated monotonically as their contents are discovered;
// leaf inodes reuse the item cache's handle as their own inode number, so
// no separate allocation is needed for them.
type TreeNode struct {
	Inode    uint64
	Kind     NodeKind
	Parent   uint64
	Name     string
	Children map[string]uint64 // directory only

	Handle uint64 // leaf only: item cache handle (== Inode)
	NLink  uint32 // leaf only
}

// Tree is one archive's in-memory materialized tree, rooted at a single
// inode (either the mount root, for a single-archive mount, or an
// archive's own placeholder directory).
//
// inode -> node is the sole ownership map; Children and the path index
// below are pure lookup structures keyed by the same integers, so tearing
// a Tree down never has to unwind a reference cycle.
type Tree struct {
	root  uint64
	nodes map[uint64]*TreeNode

	// byPath resolves a hard link's "source" field (a path within this
	// same archive) back to the inode already materialized for it.
	byPath map[string]uint64

	allocDir func() uint64 // allocates the next directory inode
}

// NewTree creates a Tree whose directory inodes start at rootInode+1
// (rootInode itself is the already-allocated archive root). Suitable for
// a mount exposing a single archive, where no other Tree shares the
// inode space.
func NewTree(rootInode uint64) *Tree {
	next := rootInode + 1
	return NewTreeWithAllocator(rootInode, func() uint64 {
		id := next
		next++
		return id
	})
}

// NewTreeWithAllocator creates a Tree whose directory inodes are drawn
// from allocDir instead of a private counter. A mount exposing several
// archives shares one allocator across all of their Trees, so that each
// archive's placeholder inode and every directory inode materialized
// under it remain globally unique across the whole mount.
func NewTreeWithAllocator(rootInode uint64, allocDir func() uint64) *Tree {
	return &Tree{
		root: rootInode,
		nodes: map[uint64]*TreeNode{
			rootInode: {Inode: rootInode, Kind: NodeDir, Children: map[string]uint64{}},
		},
		byPath:   map[string]uint64{"": rootInode},
		allocDir: allocDir,
	}
}

// Root returns the archive's root directory inode.
func (t *Tree) Root() uint64 {
	return t.root
}

// Node returns the node for inode, if present.
func (t *Tree) Node(inode uint64) (*TreeNode, bool) {
	n, ok := t.nodes[inode]
	return n, ok
}

func (t *Tree) allocDirInode() uint64 {
	return t.allocDir()
}

// ensureDir walks segments from the root, creating any missing
// intermediate directory inodes, and returns the final directory's inode.
func (t *Tree) ensureDir(segments []string) uint64 {
	cur := t.root
	path := ""
	for _, seg := range segments {
		path = joinPath(path, seg)
		dir := t.nodes[cur]
		child, ok := dir.Children[seg]
		if !ok {
			child = t.allocDirInode()
			t.nodes[child] = &TreeNode{Inode: child, Kind: NodeDir, Parent: cur, Name: seg, Children: map[string]uint64{}}
			dir.Children[seg] = child
			t.byPath[path] = child
		}
		cur = child
	}
	return cur
}

// Attach materializes a decoded item under its path. Regular files,
// symlinks, and devices get a freshly spilled leaf inode; a hard link
// reuses the inode already materialized for its source path, incrementing
// its link count instead.
//
// itemCache is passed in rather than held by the Tree so that multiple
// archives sharing one mount session can spill into a single scratch
// file.
func (t *Tree) Attach(itemCache *ItemCache, it item.Item) error {
	segments := splitPath(it.Path)
	if len(segments) == 0 {
		return fmt.Errorf("archive: item with empty path")
	}
	parentSegs, name := segments[:len(segments)-1], segments[len(segments)-1]
	parent := t.ensureDir(parentSegs)
	fullPath := joinPath("", it.Path)

	if it.Kind == item.KindHardLink {
		srcInode, ok := t.byPath[strings.Trim(it.Source, "/")]
		if !ok {
			return fmt.Errorf("archive: hard link %s: source %q not yet materialized", it.Path, it.Source)
		}
		src := t.nodes[srcInode]
		src.NLink++
		t.nodes[parent].Children[name] = srcInode
		t.byPath[fullPath] = srcInode
		return nil
	}

	handle, err := itemCache.Add(it)
	if err != nil {
		return fmt.Errorf("archive: attach %s: %w", it.Path, err)
	}
	t.nodes[handle] = &TreeNode{Inode: handle, Kind: NodeLeaf, Parent: parent, Name: name, Handle: handle, NLink: 1}
	t.nodes[parent].Children[name] = handle
	t.byPath[fullPath] = handle
	return nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func joinPath(base, seg string) string {
	seg = strings.Trim(seg, "/")
	if base == "" {
		return seg
	}
	return base + "/" + seg
}
