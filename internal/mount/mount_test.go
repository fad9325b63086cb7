package mount

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vspecky/softerview/internal/fstree"
)

type fakeSource struct {
	tree  *fstree.Tree
	files map[string]string
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	tree := fstree.New(nil)
	for _, ev := range []fstree.Event{
		{Kind: fstree.EventCreate, NewPath: "/src/main.go", IsLeaf: true},
		{Kind: fstree.EventCreate, NewPath: "/README.md", IsLeaf: true},
	} {
		require.NoError(t, tree.Apply(ev))
	}
	return &fakeSource{tree: tree, files: map[string]string{
		"/src/main.go": "package main\n",
		"/README.md":   "# hello\n",
	}}
}

func (s *fakeSource) Snapshot() ([]fstree.Node, error) {
	return s.tree.Snapshot(), nil
}

func (s *fakeSource) FetchFile(ctx context.Context, key string) (string, error) {
	contents, ok := s.files[key]
	if !ok {
		return "", errors.New("no such file")
	}
	return contents, nil
}

func TestListEntries(t *testing.T) {
	src := newFakeSource(t)

	root, errno := listEntries(src, "")
	require.Zero(t, errno)
	require.Len(t, root, 2)
	assert.Equal(t, "src", root[0].Name)
	assert.Equal(t, uint32(syscall.S_IFDIR), root[0].Mode)
	assert.Equal(t, "README.md", root[1].Name)
	assert.Equal(t, uint32(syscall.S_IFREG), root[1].Mode)

	nested, errno := listEntries(src, "/src")
	require.Zero(t, errno)
	require.Len(t, nested, 1)
	assert.Equal(t, "main.go", nested[0].Name)

	_, errno = listEntries(src, "/README.md")
	assert.Equal(t, syscall.ENOTDIR, errno)
	_, errno = listEntries(src, "/gone")
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestLookupChild(t *testing.T) {
	src := newFakeSource(t)
	n, errno := lookupChild(src, "/src", "main.go")
	require.Zero(t, errno)
	assert.Equal(t, "/src/main.go", n.Key)
	assert.True(t, n.IsLeaf)

	_, errno = lookupChild(src, "", "missing")
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestReadAt(t *testing.T) {
	data := []byte("abcdef")
	assert.Equal(t, []byte("cd"), readAt(data, make([]byte, 2), 2))
	assert.Equal(t, []byte("ef"), readAt(data, make([]byte, 10), 4))
	assert.Empty(t, readAt(data, make([]byte, 4), 6))
}

func TestFileHandleReportsFetchError(t *testing.T) {
	h := &fileHandle{errno: syscall.EIO}
	_, errno := h.Read(context.Background(), make([]byte, 8), 0)
	assert.Equal(t, syscall.EIO, errno)
}

func TestMountServesReplica(t *testing.T) {
	if testing.Short() {
		t.Skip("mount test needs FUSE")
	}
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("/dev/fuse not available")
	}
	dir := t.TempDir()
	server, err := Mount(dir, newFakeSource(t), Options{})
	if err != nil {
		t.Skipf("mount failed, FUSE likely not permitted here: %v", err)
	}
	defer server.Unmount()

	data, err := os.ReadFile(filepath.Join(dir, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].IsDir() || entries[0].IsDir())

	err = os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644)
	assert.Error(t, err)
}
