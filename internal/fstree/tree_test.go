package fstree

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func TestCreateBuildsDirectoryWithFile(t *testing.T) {
	tree := New(nil)
	mustApply(t, tree, Event{Kind: EventCreate, NewPath: "/a", IsLeaf: false})
	mustApply(t, tree, Event{Kind: EventCreate, NewPath: "/a/b.txt", IsLeaf: true})

	snapshot := tree.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected one top-level entry, got %d", len(snapshot))
	}
	dir := snapshot[0]
	if dir.Title != "a" || dir.Key != "/a" || dir.IsLeaf {
		t.Fatalf("expected directory a, got %+v", dir)
	}
	if len(dir.Children) != 1 {
		t.Fatalf("expected one child in a, got %d", len(dir.Children))
	}
	file := dir.Children[0]
	if file.Title != "b.txt" || file.Key != "/a/b.txt" || !file.IsLeaf {
		t.Fatalf("expected file b.txt, got %+v", file)
	}
}

func TestRenameReplacesKey(t *testing.T) {
	tree := New(nil)
	mustApply(t, tree, Event{Kind: EventCreate, NewPath: "/a", IsLeaf: false})
	mustApply(t, tree, Event{Kind: EventCreate, NewPath: "/a/b.txt", IsLeaf: true})
	mustApply(t, tree, Event{Kind: EventRename, OldPath: "/a/b.txt", NewPath: "/a/c.txt", IsLeaf: true})

	if tree.Has("/a/b.txt") {
		t.Fatalf("expected /a/b.txt to be gone after rename")
	}
	leaf, err := tree.IsLeaf("/a/c.txt")
	if err != nil || !leaf {
		t.Fatalf("expected /a/c.txt to be a file, got leaf=%v err=%v", leaf, err)
	}
	want := []Node{{
		Title:    "a",
		Key:      "/a",
		Children: []Node{{Title: "c.txt", Key: "/a/c.txt", IsLeaf: true}},
	}}
	if got := tree.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected snapshot after rename: %+v", got)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	tree := New(nil)
	ev := Event{Kind: EventCreate, NewPath: "/src/main.go", IsLeaf: true}
	mustApply(t, tree, ev)
	before := tree.Snapshot()
	mustApply(t, tree, ev)
	mustApply(t, tree, Event{Kind: EventCreate, NewPath: "/src/main.go", IsLeaf: false})
	if after := tree.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("duplicate create changed the tree: before=%+v after=%+v", before, after)
	}
	if tree.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", tree.Len())
	}
}

func TestCreateSynthesizesMissingParents(t *testing.T) {
	tree := New(nil)
	mustApply(t, tree, Event{Kind: EventCreate, NewPath: "/x/y/z.md", IsLeaf: true})
	for _, key := range []string{"/x", "/x/y"} {
		leaf, err := tree.IsLeaf(key)
		if err != nil {
			t.Fatalf("expected placeholder %s, got %v", key, err)
		}
		if leaf {
			t.Fatalf("expected placeholder %s to be a directory", key)
		}
	}
	// the later, real create of the parent is absorbed by the placeholder
	mustApply(t, tree, Event{Kind: EventCreate, NewPath: "/x", IsLeaf: false})
	if tree.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", tree.Len())
	}
}

func TestRemoveDropsSubtree(t *testing.T) {
	tree := New(nil)
	mustApply(t, tree, Event{Kind: EventCreate, NewPath: "/d/e/f.txt", IsLeaf: true})
	mustApply(t, tree, Event{Kind: EventCreate, NewPath: "/d/g.txt", IsLeaf: true})
	mustApply(t, tree, Event{Kind: EventRemove, OldPath: "/d"})

	for _, key := range []string{"/d", "/d/e", "/d/e/f.txt", "/d/g.txt"} {
		if _, err := tree.IsLeaf(key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected %s to be gone, got %v", key, err)
		}
	}
	if len(tree.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", tree.Snapshot())
	}
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	var logs []string
	tree := New(loggerFunc(func(format string, args ...any) { logs = append(logs, format) }))
	mustApply(t, tree, Event{Kind: EventCreate, NewPath: "/a.txt", IsLeaf: true})
	mustApply(t, tree, Event{Kind: EventRemove, OldPath: "/missing"})
	if tree.Len() != 1 {
		t.Fatalf("expected tree to be unchanged")
	}
	if len(logs) != 1 {
		t.Fatalf("expected remove of unknown path to be logged once, got %d", len(logs))
	}
}

func TestCreateUnderFileIsRejected(t *testing.T) {
	tree := New(nil)
	mustApply(t, tree, Event{Kind: EventCreate, NewPath: "/f", IsLeaf: true})
	err := tree.Apply(Event{Kind: EventCreate, NewPath: "/f/child", IsLeaf: true})
	if !errors.Is(err, ErrParentIsLeaf) {
		t.Fatalf("expected ErrParentIsLeaf, got %v", err)
	}
	if tree.Has("/f/child") {
		t.Fatalf("leaf must never hold children")
	}
}

func TestUnknownEventKind(t *testing.T) {
	tree := New(nil)
	if err := tree.Apply(Event{Kind: "CHMOD", NewPath: "/a"}); !errors.Is(err, ErrUnknownEventKind) {
		t.Fatalf("expected ErrUnknownEventKind, got %v", err)
	}
}

func TestSnapshotOrdersDirectoriesBeforeFiles(t *testing.T) {
	tree := New(nil)
	for _, ev := range []Event{
		{Kind: EventCreate, NewPath: "/b.txt", IsLeaf: true},
		{Kind: EventCreate, NewPath: "/Z", IsLeaf: false},
		{Kind: EventCreate, NewPath: "/a.txt", IsLeaf: true},
		{Kind: EventCreate, NewPath: "/m", IsLeaf: false},
		{Kind: EventCreate, NewPath: "/B.txt", IsLeaf: true},
	} {
		mustApply(t, tree, ev)
	}
	var titles []string
	for _, n := range tree.Snapshot() {
		titles = append(titles, n.Title)
	}
	want := []string{"Z", "m", "B.txt", "a.txt", "b.txt"}
	if !reflect.DeepEqual(titles, want) {
		t.Fatalf("expected order %v, got %v", want, titles)
	}
}

func TestRandomEventSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	paths := []string{"/a", "/a/b", "/a/b/c.txt", "/a/d.txt", "/e", "/e/f.txt", "/g.txt"}
	leaf := map[string]bool{"/a/b/c.txt": true, "/a/d.txt": true, "/e/f.txt": true, "/g.txt": true}
	for round := 0; round < 50; round++ {
		tree := New(nil)
		for step := 0; step < 40; step++ {
			p := paths[rng.Intn(len(paths))]
			q := paths[rng.Intn(len(paths))]
			var ev Event
			switch rng.Intn(4) {
			case 0:
				ev = Event{Kind: EventCreate, NewPath: p, IsLeaf: leaf[p]}
			case 1:
				ev = Event{Kind: EventRemove, OldPath: p}
			case 2:
				ev = Event{Kind: EventRename, OldPath: p, NewPath: q, IsLeaf: leaf[q]}
			default:
				ev = Event{Kind: EventMove, OldPath: p, NewPath: q, IsLeaf: leaf[q]}
			}
			if err := tree.Apply(ev); err != nil && !errors.Is(err, ErrParentIsLeaf) {
				t.Fatalf("unexpected apply error: %v", err)
			}
			checkInvariants(t, tree)
		}
	}
}

func TestFindWalksSnapshot(t *testing.T) {
	tree := New(nil)
	mustApply(t, tree, Event{Kind: EventCreate, NewPath: "/a/b/c.txt", IsLeaf: true})
	n, ok := Find(tree.Snapshot(), "/a/b/c.txt")
	if !ok || !n.IsLeaf || n.Title != "c.txt" {
		t.Fatalf("expected to find c.txt, got %+v ok=%v", n, ok)
	}
	if _, ok := Find(tree.Snapshot(), "/a/x"); ok {
		t.Fatalf("expected /a/x to be missing")
	}
}

func TestPathFilterStripsSessionPrefix(t *testing.T) {
	filter, err := NewPathFilter(DefaultPrefixPattern)
	if err != nil {
		t.Fatalf("compile filter: %v", err)
	}
	ev := filter.Event(Event{
		Kind:    EventMove,
		OldPath: "/tmp/session-3f2a/src/a.go",
		NewPath: "/tmp/session-3f2a/lib/a.go",
	})
	if ev.OldPath != "src/a.go" || ev.NewPath != "lib/a.go" {
		t.Fatalf("unexpected stripped paths %q %q", ev.OldPath, ev.NewPath)
	}
	if got := filter.Strip("/home/user/a.go"); got != "/home/user/a.go" {
		t.Fatalf("expected unmatched path to pass through, got %q", got)
	}
	if _, err := NewPathFilter("("); err == nil {
		t.Fatalf("expected invalid pattern to fail")
	}
}

func checkInvariants(t *testing.T, tree *Tree) {
	t.Helper()
	seen := map[string]bool{}
	var walk func(parent string, nodes []Node)
	walk = func(parent string, nodes []Node) {
		for _, n := range nodes {
			if seen[n.Key] {
				t.Fatalf("duplicate key %s", n.Key)
			}
			seen[n.Key] = true
			if !strings.HasPrefix(n.Key, parent) {
				t.Fatalf("child %s not prefixed by parent %s", n.Key, parent)
			}
			if n.IsLeaf && len(n.Children) > 0 {
				t.Fatalf("leaf %s holds children", n.Key)
			}
			walk(n.Key, n.Children)
		}
	}
	walk("", tree.Snapshot())
	if len(seen) != tree.Len() {
		t.Fatalf("index holds %d entries but snapshot shows %d", tree.Len(), len(seen))
	}
}

func mustApply(t *testing.T, tree *Tree, ev Event) {
	t.Helper()
	if err := tree.Apply(ev); err != nil {
		t.Fatalf("apply %+v failed: %v", ev, err)
	}
}

type loggerFunc func(format string, args ...any)

func (f loggerFunc) Printf(format string, args ...any) { f(format, args...) }
