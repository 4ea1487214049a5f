package archive

import (
	"context"
	"log/slog"
	"sort"
	"syscall"

	"atticore/internal/chunkid"
	"atticore/internal/item"
	"atticore/internal/key"
	"atticore/internal/logging"
	"atticore/internal/repository"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

const (
	rootInode = 1
	blksize   = 512
)

// mountState is shared by every Node in one mount: the repository and key
// used to fetch and decrypt chunks, the single item cache every archive's
// leaves spill into, and the Sessions opened lazily as archives are
// traversed. There is exactly one mountState per Mount call, referenced by
// every Node, so opening a session or spilling an item is visible
// immediately to every other inode in the tree.
type mountState struct {
	repo  repository.Repository
	key   key.Key
	items *ItemCache

	// archiveRoots maps every archive in the manifest to its root id. It is
	// filled for single-archive mounts too, since resolve looks the
	// mounted archive's root id up here.
	archiveRoots map[string]chunkid.ID
	// single is the archive name when the mount root IS that archive's
	// tree root rather than a directory of archive placeholders.
	single string

	sessions    map[string]*Session
	placeholder map[string]uint64 // archive name -> its reserved placeholder inode
	nextDir     uint64            // shared monotonic directory-inode allocator

	logger *slog.Logger
}

func newMountState(repo repository.Repository, k key.Key, items *ItemCache, logger *slog.Logger) *mountState {
	return &mountState{
		repo:        repo,
		key:         k,
		items:       items,
		sessions:    make(map[string]*Session),
		placeholder: make(map[string]uint64),
		nextDir:     rootInode + 1,
		logger:      logging.Default(logger).With("component", "archive"),
	}
}

func (m *mountState) allocDirInode() uint64 {
	id := m.nextDir
	m.nextDir++
	return id
}

// reservePlaceholders assigns one stable directory inode to each archive,
// in a fixed order so the mapping never shuffles across calls.
func (m *mountState) reservePlaceholders() {
	names := make([]string, 0, len(m.archiveRoots))
	for name := range m.archiveRoots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.placeholder[name] = m.allocDirInode()
	}
}

// session lazily opens and memoizes the Session for an archive, rooted at
// treeRoot.
func (m *mountState) session(ctx context.Context, name string, rootID chunkid.ID, treeRoot uint64) (*Session, error) {
	if s, ok := m.sessions[name]; ok {
		return s, nil
	}
	s, err := OpenSessionWithAllocator(ctx, m.repo, m.key, m.items, name, rootID, treeRoot, m.allocDirInode)
	if err != nil {
		return nil, err
	}
	m.sessions[name] = s
	return s, nil
}

// Node is the sole fs.InodeEmbedder backing every inode the materializer
// exposes. Which inode it represents follows from its fields rather than
// a distinct Go type per kind: the multi-archive mount root
// (archive==""), an archive's still-unopened placeholder directory
// (archive!="" , treeIno==0), or a materialized directory/leaf inside an
// opened session (archive!="", treeIno==that session's Tree inode).
type Node struct {
	fs.Inode

	mount *mountState

	archive string // "" only at the multi-archive mount root
	treeIno uint64 // Tree inode once the archive's session is open; 0 until then
}

var (
	_ fs.NodeLookuper    = (*Node)(nil)
	_ fs.NodeReaddirer   = (*Node)(nil)
	_ fs.NodeGetattrer   = (*Node)(nil)
	_ fs.NodeOpener      = (*Node)(nil)
	_ fs.NodeReader      = (*Node)(nil)
	_ fs.NodeReadlinker  = (*Node)(nil)
	_ fs.NodeGetxattrer  = (*Node)(nil)
	_ fs.NodeListxattrer = (*Node)(nil)
)

func (n *Node) isMultiRoot() bool {
	return n.archive == ""
}

func (n *Node) isPlaceholder() bool {
	return n.archive != "" && n.treeIno == 0
}

// resolve returns this node's Session, opening it on first traversal if
// this Node is still an archive placeholder.
func (n *Node) resolve(ctx context.Context) (*Session, syscall.Errno) {
	rootID, ok := n.mount.archiveRoots[n.archive]
	if !ok {
		return nil, syscall.ENOENT
	}
	treeRoot := n.treeIno
	if treeRoot == 0 {
		treeRoot = n.mount.placeholder[n.archive]
	}
	sess, err := n.mount.session(ctx, n.archive, rootID, treeRoot)
	if err != nil {
		n.mount.logger.Error("open archive session", "archive", n.archive, "error", err)
		return nil, syscall.EIO
	}
	n.treeIno = sess.Tree().Root()
	return sess, 0
}

// segmentsTo walks this Node's ancestors back to sess's archive root,
// collecting path segments in root-to-leaf order, per spec's lazy
// resolution step 1.
func (n *Node) segmentsTo(sess *Session) []string {
	var rev []string
	cur := &n.Inode
	for {
		if nd, ok := cur.Operations().(*Node); ok && nd.treeIno == sess.Tree().Root() {
			break
		}
		parent, name := cur.Parent()
		if parent == nil || name == "" {
			break
		}
		rev = append(rev, name)
		cur = parent
	}
	segs := make([]string, len(rev))
	for i, s := range rev {
		segs[len(rev)-1-i] = s
	}
	return segs
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.isMultiRoot() {
		if _, ok := n.mount.archiveRoots[name]; !ok {
			return nil, syscall.ENOENT
		}
		ino := n.mount.placeholder[name]
		fillPlaceholderAttr(&out.Attr, ino)
		child := n.NewInode(ctx, &Node{mount: n.mount, archive: name}, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: ino})
		return child, 0
	}

	sess, errno := n.resolve(ctx)
	if errno != 0 {
		return nil, errno
	}
	segs := append(n.segmentsTo(sess), name)
	if err := sess.EnsurePath(ctx, segs); err != nil {
		n.mount.logger.Warn("ensure path", "archive", n.archive, "path", segs, "error", err)
	}

	dirNode, ok := sess.Tree().Node(n.treeIno)
	if !ok {
		return nil, syscall.ENOENT
	}
	childIno, ok := dirNode.Children[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	return n.childInode(ctx, sess, childIno, out)
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if n.isMultiRoot() {
		names := make([]string, 0, len(n.mount.archiveRoots))
		for name := range n.mount.archiveRoots {
			names = append(names, name)
		}
		sort.Strings(names)
		entries := make([]fuse.DirEntry, 0, len(names))
		for _, name := range names {
			entries = append(entries, fuse.DirEntry{Mode: fuse.S_IFDIR, Name: name, Ino: n.mount.placeholder[name]})
		}
		return fs.NewListDirStream(entries), 0
	}

	sess, errno := n.resolve(ctx)
	if errno != 0 {
		return nil, errno
	}
	segs := n.segmentsTo(sess)
	if err := sess.EnsureDir(ctx, segs); err != nil {
		n.mount.logger.Warn("ensure dir", "archive", n.archive, "path", segs, "error", err)
	}

	dirNode, ok := sess.Tree().Node(n.treeIno)
	if !ok {
		return nil, syscall.ENOENT
	}
	names := make([]string, 0, len(dirNode.Children))
	for name := range dirNode.Children {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		childIno := dirNode.Children[name]
		child, ok := sess.Tree().Node(childIno)
		if !ok {
			continue
		}
		mode := uint32(fuse.S_IFDIR)
		if child.Kind == NodeLeaf {
			it, err := n.mount.items.Get(child.Handle)
			if err == nil {
				mode = it.Mode
			}
		}
		entries = append(entries, fuse.DirEntry{Mode: mode, Name: name, Ino: childIno})
	}
	return fs.NewListDirStream(entries), 0
}

// childInode materializes the go-fuse Inode for a Tree child already
// attached under dirNode, filling out out.Attr and returning the new
// inode embedder.
func (n *Node) childInode(ctx context.Context, sess *Session, childIno uint64, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child, ok := sess.Tree().Node(childIno)
	if !ok {
		return nil, syscall.ENOENT
	}

	if child.Kind == NodeDir {
		fillPlaceholderAttr(&out.Attr, childIno)
		return n.NewInode(ctx, &Node{mount: n.mount, archive: n.archive, treeIno: childIno}, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: childIno}), 0
	}

	it, err := n.mount.items.Get(child.Handle)
	if err != nil {
		return nil, syscall.EIO
	}
	fillItemAttr(&out.Attr, it, childIno, child.NLink)
	return n.NewInode(ctx, &Node{mount: n.mount, archive: n.archive, treeIno: childIno}, fs.StableAttr{Mode: it.Mode & syscall.S_IFMT, Ino: childIno}), 0
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if n.isMultiRoot() {
		fillPlaceholderAttr(&out.Attr, rootInode)
		return 0
	}
	if n.isPlaceholder() {
		fillPlaceholderAttr(&out.Attr, n.mount.placeholder[n.archive])
		return 0
	}

	sess, errno := n.resolve(ctx)
	if errno != 0 {
		return errno
	}
	node, ok := sess.Tree().Node(n.treeIno)
	if !ok {
		return syscall.ENOENT
	}
	if node.Kind == NodeDir {
		fillPlaceholderAttr(&out.Attr, n.treeIno)
		return 0
	}
	it, err := n.mount.items.Get(node.Handle)
	if err != nil {
		return syscall.EIO
	}
	fillItemAttr(&out.Attr, it, n.treeIno, node.NLink)
	return 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

// Read implements the spec's read(inode, offset, size): walk the item's
// chunk list, skip chunks entirely before offset, decrypt and concatenate
// only the chunks overlapping [offset, offset+len(dest)). No chunk cache
// at this layer.
func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	sess, errno := n.resolve(ctx)
	if errno != 0 {
		return nil, errno
	}
	node, ok := sess.Tree().Node(n.treeIno)
	if !ok || node.Kind != NodeLeaf {
		return nil, syscall.EINVAL
	}
	it, err := n.mount.items.Get(node.Handle)
	if err != nil {
		return nil, syscall.EIO
	}

	var out []byte
	want := int64(len(dest))
	pos := int64(0)
	for _, ref := range it.Chunks {
		size := int64(ref.Size)
		if pos+size <= off {
			pos += size
			continue
		}
		if int64(len(out)) >= want {
			break
		}
		cipher, err := n.mount.repo.Get(ctx, ref.ID)
		if err != nil {
			pos += size
			continue
		}
		plain, err := n.mount.key.Decrypt(ref.ID, cipher)
		if err != nil {
			pos += size
			continue
		}
		start := int64(0)
		if pos < off {
			start = off - pos
		}
		if start < int64(len(plain)) {
			out = append(out, plain[start:]...)
		}
		pos += size
	}
	if int64(len(out)) > want {
		out = out[:want]
	}
	return fuse.ReadResultData(out), 0
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	sess, errno := n.resolve(ctx)
	if errno != 0 {
		return nil, errno
	}
	node, ok := sess.Tree().Node(n.treeIno)
	if !ok || node.Kind != NodeLeaf {
		return nil, syscall.EINVAL
	}
	it, err := n.mount.items.Get(node.Handle)
	if err != nil {
		return nil, syscall.EIO
	}
	if it.Kind != item.KindSymlink {
		return nil, syscall.EINVAL
	}
	return []byte(it.Source), 0
}

func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	it, ok := n.leafItem(ctx)
	if !ok {
		return 0, 0
	}
	var names []byte
	for k := range it.Xattrs {
		names = append(names, []byte(k)...)
		names = append(names, 0)
	}
	return packXattrBuf(names, dest)
}

func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	it, ok := n.leafItem(ctx)
	if !ok {
		return 0, syscall.ENODATA
	}
	v, ok := it.Xattrs[attr]
	if !ok {
		return 0, syscall.ENODATA
	}
	return packXattrBuf(v, dest)
}

func (n *Node) leafItem(ctx context.Context) (item.Item, bool) {
	sess, errno := n.resolve(ctx)
	if errno != 0 {
		return item.Item{}, false
	}
	node, ok := sess.Tree().Node(n.treeIno)
	if !ok || node.Kind != NodeLeaf {
		return item.Item{}, false
	}
	it, err := n.mount.items.Get(node.Handle)
	if err != nil {
		return item.Item{}, false
	}
	return it, true
}

func packXattrBuf(data, dest []byte) (uint32, syscall.Errno) {
	if len(dest) == 0 {
		return uint32(len(data)), 0
	}
	if len(dest) < len(data) {
		return 0, syscall.ERANGE
	}
	copy(dest, data)
	return uint32(len(data)), 0
}

// fillItemAttr synthesizes the POSIX-style stat the spec's getattr
// describes: mode/uid/gid/rdev/nlink from the item, size = sum of chunk
// sizes, atime=mtime=ctime=item.mtime_ns, blksize=512, st_blocks=1.
func fillItemAttr(out *fuse.Attr, it item.Item, ino uint64, nlink uint32) {
	out.Ino = ino
	out.Mode = it.Mode
	out.Owner = fuse.Owner{Uid: it.UID, Gid: it.GID}
	out.Rdev = uint32(it.Rdev)
	out.Nlink = nlink
	if out.Nlink == 0 {
		out.Nlink = 1
	}
	out.Size = it.Size()
	out.Blksize = blksize
	out.Blocks = 1
	sec := uint64(it.MTimeNS / 1e9)
	nsec := uint32(it.MTimeNS % 1e9)
	out.Atime, out.Atimensec = sec, nsec
	out.Mtime, out.Mtimensec = sec, nsec
	out.Ctime, out.Ctimensec = sec, nsec
}

// fillPlaceholderAttr fills a synthetic directory's attributes: a
// directory inode not yet (or never) backed by a decoded item, per the
// spec's "default_dir attributes" for unresolved placeholders.
func fillPlaceholderAttr(out *fuse.Attr, ino uint64) {
	out.Ino = ino
	out.Mode = fuse.S_IFDIR | 0o555
	out.Nlink = 2
	out.Blksize = blksize
	out.Blocks = 1
}
