// Package mount exposes the filesystem replica as a read-only FUSE tree.
// Directory listings come from replica snapshots; file contents are fetched
// from the relay when a file is opened.
package mount

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vspecky/softerview/internal/fstree"
)

// Source is what the mount reads from; *session.Session satisfies it.
type Source interface {
	Snapshot() ([]fstree.Node, error)
	FetchFile(ctx context.Context, key string) (string, error)
}

type Options struct {
	// FetchTimeout bounds one file fetch. Zero means 10s.
	FetchTimeout time.Duration
	Debug        bool
}

// Mount serves src at dir until the returned server is unmounted.
func Mount(dir string, src Source, opts Options) (*fuse.Server, error) {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	// the replica changes underneath the kernel, so nothing is cached
	zero := time.Duration(0)
	fsOpts := &fs.Options{
		EntryTimeout:    &zero,
		AttrTimeout:     &zero,
		NegativeTimeout: &zero,
		MountOptions: fuse.MountOptions{
			FsName: "softerview",
			Name:   "softerview",
			Debug:  opts.Debug,
		},
	}
	return fs.Mount(dir, NewRoot(src, opts), fsOpts)
}

func NewRoot(src Source, opts Options) fs.InodeEmbedder {
	return &dirNode{src: src, opts: opts}
}

type dirNode struct {
	fs.Inode
	src  Source
	opts Options
	key  string
}

var _ = (fs.NodeLookuper)((*dirNode)(nil))
var _ = (fs.NodeReaddirer)((*dirNode)(nil))
var _ = (fs.NodeGetattrer)((*dirNode)(nil))

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child, errno := lookupChild(d.src, d.key, name)
	if errno != 0 {
		return nil, errno
	}
	if child.IsLeaf {
		out.Mode = fuse.S_IFREG | 0444
		return d.NewInode(ctx, &fileNode{src: d.src, opts: d.opts, key: child.Key}, fs.StableAttr{Mode: fuse.S_IFREG}), 0
	}
	out.Mode = fuse.S_IFDIR | 0555
	return d.NewInode(ctx, &dirNode{src: d.src, opts: d.opts, key: child.Key}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, errno := listEntries(d.src, d.key)
	if errno != 0 {
		return nil, errno
	}
	return fs.NewListDirStream(entries), 0
}

func (d *dirNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0555
	return 0
}

type fileNode struct {
	fs.Inode
	src  Source
	opts Options
	key  string
}

var _ = (fs.NodeOpener)((*fileNode)(nil))
var _ = (fs.NodeGetattrer)((*fileNode)(nil))

// Open fetches the authoritative contents once, so every read of the handle
// sees the same bytes.
func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	fetchCtx, cancel := context.WithTimeout(ctx, f.opts.FetchTimeout)
	defer cancel()
	contents, err := f.src.FetchFile(fetchCtx, f.key)
	if err != nil {
		return &fileHandle{errno: syscall.EIO}, fuse.FOPEN_DIRECT_IO, 0
	}
	return &fileHandle{content: []byte(contents)}, fuse.FOPEN_DIRECT_IO, 0
}

// Getattr reports size zero until the file is opened; reads go through
// direct IO so the kernel does not trust it.
func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok {
		return h.Getattr(ctx, out)
	}
	out.Mode = fuse.S_IFREG | 0444
	return 0
}

type fileHandle struct {
	content []byte
	errno   syscall.Errno
}

var _ = (fs.FileReader)((*fileHandle)(nil))
var _ = (fs.FileGetattrer)((*fileHandle)(nil))

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if h.errno != 0 {
		return nil, h.errno
	}
	return fuse.ReadResultData(readAt(h.content, dest, off)), 0
}

func (h *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFREG | 0444
	out.Size = uint64(len(h.content))
	return 0
}

func children(src Source, key string) ([]fstree.Node, syscall.Errno) {
	nodes, err := src.Snapshot()
	if err != nil {
		return nil, syscall.EIO
	}
	if key == "" {
		return nodes, 0
	}
	n, ok := fstree.Find(nodes, key)
	if !ok {
		return nil, syscall.ENOENT
	}
	if n.IsLeaf {
		return nil, syscall.ENOTDIR
	}
	return n.Children, 0
}

func lookupChild(src Source, key, name string) (fstree.Node, syscall.Errno) {
	nodes, errno := children(src, key)
	if errno != 0 {
		return fstree.Node{}, errno
	}
	for _, n := range nodes {
		if n.Title == name {
			return n, 0
		}
	}
	return fstree.Node{}, syscall.ENOENT
}

func listEntries(src Source, key string) ([]fuse.DirEntry, syscall.Errno) {
	nodes, errno := children(src, key)
	if errno != 0 {
		return nil, errno
	}
	entries := make([]fuse.DirEntry, 0, len(nodes))
	for _, n := range nodes {
		mode := uint32(fuse.S_IFDIR)
		if n.IsLeaf {
			mode = fuse.S_IFREG
		}
		entries = append(entries, fuse.DirEntry{Name: n.Title, Mode: mode})
	}
	return entries, 0
}

func readAt(data, dest []byte, off int64) []byte {
	if off >= int64(len(data)) {
		return []byte{}
	}
	end := int64(len(data))
	if int64(len(dest)) < end-off {
		end = off + int64(len(dest))
	}
	return data[off:end]
}
