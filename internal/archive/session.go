package archive

import (
	"context"
	"fmt"

	"atticore/internal/chunkid"
	"atticore/internal/key"
	"atticore/internal/manifest"
	"atticore/internal/repository"
)

// Session is one archive's lazily-materialized tree: the decoded root
// blob, the loader that fetches item-stream windows on demand, and the
// set of windows already loaded, memoized by chunk index exactly as the
// teacher's index manager memoizes per chunk:indexType.
type Session struct {
	Name string
	Root manifest.RootMeta

	tree   *Tree
	loader *Loader
	items  *ItemCache
	loaded map[int]bool
}

// OpenSession fetches and decodes an archive's root blob and prepares an
// empty tree rooted at rootInode, with its own private directory-inode
// counter. Suitable for a mount exposing a single archive.
func OpenSession(ctx context.Context, repo repository.Repository, k key.Key, items *ItemCache, name string, rootID chunkid.ID, rootInode uint64) (*Session, error) {
	return OpenSessionWithAllocator(ctx, repo, k, items, name, rootID, rootInode, nil)
}

// OpenSessionWithAllocator is OpenSession, but draws directory inodes from
// allocDir instead of a private counter. Pass nil to get OpenSession's
// default behavior. A mount exposing several archives shares one allocDir
// across every archive's session so their directory inodes never collide.
func OpenSessionWithAllocator(ctx context.Context, repo repository.Repository, k key.Key, items *ItemCache, name string, rootID chunkid.ID, rootInode uint64, allocDir func() uint64) (*Session, error) {
	cipher, err := repo.Get(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("archive: fetch root %s: %w", name, err)
	}
	plain, err := k.Decrypt(rootID, cipher)
	if err != nil {
		return nil, fmt.Errorf("archive: decrypt root %s: %w", name, err)
	}
	root, err := manifest.DecodeRootMeta(plain)
	if err != nil {
		return nil, fmt.Errorf("archive: decode root %s: %w", name, err)
	}

	var tree *Tree
	if allocDir != nil {
		tree = NewTreeWithAllocator(rootInode, allocDir)
	} else {
		tree = NewTree(rootInode)
	}

	return &Session{
		Name:   name,
		Root:   root,
		tree:   tree,
		loader: NewLoader(repo, k),
		items:  items,
		loaded: make(map[int]bool),
	}, nil
}

// Tree returns the archive's materialized tree so far.
func (s *Session) Tree() *Tree {
	return s.tree
}

// EnsurePath loads exactly the window needed to resolve a specific named
// entry (step 2 of the spec's lazy-resolution procedure).
func (s *Session) EnsurePath(ctx context.Context, segments []string) error {
	if s.Root.MetadataIndex == nil {
		return s.loadAll(ctx)
	}
	entry, ok := LookupWindow(s.Root.MetadataIndex, segments)
	if !ok {
		return nil
	}
	return s.loadWindow(ctx, entry)
}

// EnsureDir loads the run of windows needed to enumerate one directory
// (step 3: opendir without a specific name).
func (s *Session) EnsureDir(ctx context.Context, segments []string) error {
	if s.Root.MetadataIndex == nil {
		return s.loadAll(ctx)
	}
	for _, entry := range LookupMany(s.Root.MetadataIndex, segments) {
		if err := s.loadWindow(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) loadWindow(ctx context.Context, e manifest.IndexEntry) error {
	if s.loaded[e.ChunkIndex] {
		return nil
	}
	items, err := s.loader.LoadWindow(ctx, s.Root.Items, e.ChunkIndex, e.Skip, e.Length)
	if err != nil {
		return fmt.Errorf("archive: load window %d: %w", e.ChunkIndex, err)
	}
	for _, it := range items {
		if err := s.tree.Attach(s.items, it); err != nil {
			return err
		}
	}
	s.loaded[e.ChunkIndex] = true
	return nil
}

// loadAll loads the entire item stream in one window (metadata version 1,
// with no index to narrow the search).
func (s *Session) loadAll(ctx context.Context) error {
	const wholeStream = 0
	if s.loaded[wholeStream] {
		return nil
	}
	items, err := s.loader.LoadWindow(ctx, s.Root.Items, 0, 0, -1)
	if err != nil {
		return fmt.Errorf("archive: load entire item stream: %w", err)
	}
	for _, it := range items {
		if err := s.tree.Attach(s.items, it); err != nil {
			return err
		}
	}
	s.loaded[wholeStream] = true
	return nil
}
