package fstree

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound         = errors.New("path not found")
	ErrUnknownEventKind = errors.New("unknown filesystem event kind")
	ErrParentIsLeaf     = errors.New("parent is a file")
)

type EventKind string

const (
	EventCreate EventKind = "CREATE"
	EventRemove EventKind = "REMOVE"
	EventRename EventKind = "RENAME"
	EventMove   EventKind = "MOVE"
)

type Event struct {
	Kind    EventKind `json:"type"`
	OldPath string    `json:"oldPath"`
	NewPath string    `json:"newPath"`
	IsLeaf  bool      `json:"isLeaf"`
}

// Node is the immutable, serializable view of one tree entry. Directories
// always carry a non-nil Children slice, files never do.
type Node struct {
	Title    string `json:"title"`
	Key      string `json:"key"`
	IsLeaf   bool   `json:"isLeaf,omitempty"`
	Children []Node `json:"children,omitempty"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type node struct {
	title    string
	key      string
	isLeaf   bool
	children map[string]*node
}

// Tree is the filesystem replica. It is not safe for concurrent use; the
// session actor is its only writer.
type Tree struct {
	root   *node
	nodes  map[string]*node
	logger Logger
}

func New(logger Logger) *Tree {
	root := &node{children: map[string]*node{}}
	return &Tree{
		root:   root,
		nodes:  map[string]*node{"": root},
		logger: logger,
	}
}

func (t *Tree) Apply(ev Event) error {
	switch ev.Kind {
	case EventCreate:
		return t.create(ev.NewPath, ev.IsLeaf)
	case EventRemove:
		t.remove(ev.OldPath)
		return nil
	case EventRename, EventMove:
		t.remove(ev.OldPath)
		return t.create(ev.NewPath, ev.IsLeaf)
	default:
		t.logf("no handler for filesystem event %q", ev.Kind)
		return fmt.Errorf("%w: %s", ErrUnknownEventKind, ev.Kind)
	}
}

func (t *Tree) create(key string, isLeaf bool) error {
	if key == "" {
		return nil
	}
	if _, ok := t.nodes[key]; ok {
		return nil
	}
	parentKey := ParentKey(key)
	parent, ok := t.nodes[parentKey]
	if !ok {
		if err := t.create(parentKey, false); err != nil {
			return err
		}
		parent = t.nodes[parentKey]
	}
	if parent.isLeaf {
		t.logf("refusing to add %s under file %s", key, parentKey)
		return fmt.Errorf("%w: %s", ErrParentIsLeaf, parentKey)
	}
	n := &node{
		title:  BaseName(key),
		key:    key,
		isLeaf: isLeaf,
	}
	if !isLeaf {
		n.children = map[string]*node{}
	}
	parent.children[key] = n
	t.nodes[key] = n
	return nil
}

func (t *Tree) remove(key string) {
	if key == "" {
		return
	}
	n, ok := t.nodes[key]
	if !ok {
		t.logf("ignoring remove of unknown path %q", key)
		return
	}
	if parent, ok := t.nodes[ParentKey(key)]; ok && parent.children != nil {
		delete(parent.children, key)
	}
	t.forget(n)
}

func (t *Tree) forget(n *node) {
	for _, child := range n.children {
		t.forget(child)
	}
	delete(t.nodes, n.key)
}

func (t *Tree) IsLeaf(key string) (bool, error) {
	n, ok := t.nodes[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return n.isLeaf, nil
}

func (t *Tree) Has(key string) bool {
	_, ok := t.nodes[key]
	return ok
}

// Len counts entries excluding the root.
func (t *Tree) Len() int {
	return len(t.nodes) - 1
}

// Snapshot returns the top-level entries, directories before files and each
// group ordered by title.
func (t *Tree) Snapshot() []Node {
	return t.root.view().Children
}

func (n *node) view() Node {
	if n.isLeaf {
		return Node{Title: n.title, Key: n.key, IsLeaf: true}
	}
	dirs := make([]Node, 0, len(n.children))
	files := make([]Node, 0, len(n.children))
	for _, child := range n.children {
		if child.isLeaf {
			files = append(files, child.view())
		} else {
			dirs = append(dirs, child.view())
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Title < dirs[j].Title })
	sort.Slice(files, func(i, j int) bool { return files[i].Title < files[j].Title })
	return Node{
		Title:    n.title,
		Key:      n.key,
		Children: append(dirs, files...),
	}
}

func (t *Tree) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}

func ParentKey(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return ""
	}
	return key[:idx]
}

func BaseName(key string) string {
	return key[strings.LastIndex(key, "/")+1:]
}

// Find walks a snapshot for key. It is meant for read-only consumers that only
// hold a snapshot, such as the mount.
func Find(nodes []Node, key string) (Node, bool) {
	for _, n := range nodes {
		if n.Key == key {
			return n, true
		}
		if !n.IsLeaf && strings.HasPrefix(key, n.Key+"/") {
			return Find(n.Children, key)
		}
	}
	return Node{}, false
}
