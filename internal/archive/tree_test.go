package archive

import (
	"testing"

	"atticore/internal/item"
)

func TestTreeAttachCreatesIntermediateDirs(t *testing.T) {
	ic, err := NewItemCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewItemCache: %v", err)
	}
	defer ic.Close()

	tree := NewTree(1)
	if err := tree.Attach(ic, item.Item{Path: "a/b/c.txt", Mode: 0o100644, Kind: item.KindRegularFile}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	root, ok := tree.Node(tree.Root())
	if !ok {
		t.Fatal("expected root node")
	}
	aInode, ok := root.Children["a"]
	if !ok {
		t.Fatal("expected child 'a' under root")
	}
	aNode, _ := tree.Node(aInode)
	bInode, ok := aNode.Children["b"]
	if !ok {
		t.Fatal("expected child 'b' under a")
	}
	bNode, _ := tree.Node(bInode)
	leafInode, ok := bNode.Children["c.txt"]
	if !ok {
		t.Fatal("expected leaf 'c.txt' under a/b")
	}
	leaf, ok := tree.Node(leafInode)
	if !ok || leaf.Kind != NodeLeaf {
		t.Fatalf("expected leaf node, got %+v ok=%v", leaf, ok)
	}
	if leaf.Handle < BaseOffset {
		t.Fatalf("expected leaf handle >= BaseOffset, got %d", leaf.Handle)
	}
}

func TestTreeAttachHardLinkReusesInode(t *testing.T) {
	ic, err := NewItemCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewItemCache: %v", err)
	}
	defer ic.Close()

	tree := NewTree(1)
	if err := tree.Attach(ic, item.Item{Path: "orig.txt", Mode: 0o100644, Kind: item.KindRegularFile}); err != nil {
		t.Fatalf("Attach orig: %v", err)
	}
	root, _ := tree.Node(tree.Root())
	origInode := root.Children["orig.txt"]

	if err := tree.Attach(ic, item.Item{Path: "link.txt", Mode: 0o100644, Kind: item.KindHardLink, Source: "orig.txt"}); err != nil {
		t.Fatalf("Attach hardlink: %v", err)
	}

	linkInode, ok := root.Children["link.txt"]
	if !ok || linkInode != origInode {
		t.Fatalf("expected hard link to reuse inode %d, got %d ok=%v", origInode, linkInode, ok)
	}
	orig, _ := tree.Node(origInode)
	if orig.NLink != 2 {
		t.Fatalf("expected nlink 2 after hard link, got %d", orig.NLink)
	}
}

func TestTreeAttachHardLinkMissingSourceErrors(t *testing.T) {
	ic, err := NewItemCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewItemCache: %v", err)
	}
	defer ic.Close()

	tree := NewTree(1)
	err = tree.Attach(ic, item.Item{Path: "link.txt", Kind: item.KindHardLink, Source: "missing.txt"})
	if err == nil {
		t.Fatal("expected error for hard link to unmaterialized source")
	}
}
