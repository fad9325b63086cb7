// Package crdt implements the replicated text document shared by the two
// session participants: a Logoot sequence CRDT whose atoms are runes.
//
// Every atom carries a globally unique, densely ordered Position. Inserts and
// deletes are expressed against positions rather than offsets, so applying the
// same set of operations in any order, with duplicates, yields the same text.
// Deleted positions are remembered as tombstones so that a late or repeated
// insert of an already deleted atom stays deleted.
package crdt

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrOutOfRange       = errors.New("offset out of range")
	ErrUnknownOperation = errors.New("unknown operation type")
	ErrInvalidState     = errors.New("invalid document state")
)

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Operation is one atomic, replicated edit.
type Operation struct {
	Type     OpType   `json:"type"`
	Position Position `json:"position"`
	Value    string   `json:"value"`
}

type Atom struct {
	Position Position `json:"position"`
	Value    string   `json:"value"`
}

// State is the full replica state exchanged during same-file negotiation.
type State struct {
	Atoms      []Atom     `json:"atoms"`
	Tombstones []Position `json:"tombstones,omitempty"`
}

type Document struct {
	site       string
	clock      int
	atoms      []Atom
	tombstones map[string]Position
	rng        *rand.Rand
	listeners  []func(Operation)
}

// NewDocument creates an empty replica. An empty site gets a random one; two
// live documents must never share a site.
func NewDocument(site string) *Document {
	if site == "" {
		site = uuid.NewString()
	}
	return &Document{
		site:       site,
		tombstones: map[string]Position{},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewSeededDocument creates a replica holding text whose positions depend on
// the text alone, so independently seeded replicas start state-identical.
// Seeding emits no operations.
func NewSeededDocument(site, text string) *Document {
	d := NewDocument(site)
	n := utf8.RuneCountInString(text)
	stride := seedStride
	if limit := (maxDigit - 1) / (n + 1); limit < stride {
		stride = limit
	}
	if stride < 1 {
		stride = 1
	}
	d.atoms = make([]Atom, 0, n)
	i := 0
	for _, r := range text {
		i++
		d.atoms = append(d.atoms, Atom{
			Position: Position{{Int: i * stride}},
			Value:    string(r),
		})
	}
	return d
}

const seedStride = 1024

func (d *Document) Site() string {
	return d.site
}

// OnOperation registers fn to receive every locally generated operation, in
// generation order. Remote operations applied with Receive are not reported.
func (d *Document) OnOperation(fn func(Operation)) {
	if fn == nil {
		return
	}
	d.listeners = append(d.listeners, fn)
}

func (d *Document) Value() string {
	var b strings.Builder
	for _, a := range d.atoms {
		b.WriteString(a.Value)
	}
	return b.String()
}

// Len is the document length in runes.
func (d *Document) Len() int {
	return len(d.atoms)
}

func (d *Document) Insert(text string, offset int) error {
	if offset < 0 || offset > len(d.atoms) {
		return fmt.Errorf("%w: insert at %d of %d", ErrOutOfRange, offset, len(d.atoms))
	}
	for _, r := range text {
		var lo, hi Position
		if offset > 0 {
			lo = d.atoms[offset-1].Position
		}
		if offset < len(d.atoms) {
			hi = d.atoms[offset].Position
		}
		d.clock++
		atom := Atom{
			Position: between(lo, hi, d.site, d.clock, d.rng),
			Value:    string(r),
		}
		d.atoms = append(d.atoms, Atom{})
		copy(d.atoms[offset+1:], d.atoms[offset:])
		d.atoms[offset] = atom
		offset++
		d.emit(Operation{Type: OpInsert, Position: atom.Position, Value: atom.Value})
	}
	return nil
}

func (d *Document) Delete(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > len(d.atoms) {
		return fmt.Errorf("%w: delete %d+%d of %d", ErrOutOfRange, offset, length, len(d.atoms))
	}
	removed := make([]Atom, length)
	copy(removed, d.atoms[offset:offset+length])
	d.atoms = append(d.atoms[:offset], d.atoms[offset+length:]...)
	for _, atom := range removed {
		d.tombstones[atom.Position.key()] = atom.Position
		d.emit(Operation{Type: OpDelete, Position: atom.Position, Value: atom.Value})
	}
	return nil
}

func (d *Document) ReplaceRange(text string, offset, length int) error {
	if err := d.Delete(offset, length); err != nil {
		return err
	}
	return d.Insert(text, offset)
}

// Receive applies a remote operation. It reports whether the visible text
// changed; duplicates and already deleted atoms are no-ops.
func (d *Document) Receive(op Operation) (bool, error) {
	if len(op.Position) == 0 {
		return false, fmt.Errorf("%w: empty position", ErrInvalidState)
	}
	idx, found := d.search(op.Position)
	key := op.Position.key()
	switch op.Type {
	case OpInsert:
		if found {
			return false, nil
		}
		if _, deleted := d.tombstones[key]; deleted {
			return false, nil
		}
		d.atoms = append(d.atoms, Atom{})
		copy(d.atoms[idx+1:], d.atoms[idx:])
		d.atoms[idx] = Atom{Position: clonePosition(op.Position), Value: op.Value}
		return true, nil
	case OpDelete:
		d.tombstones[key] = clonePosition(op.Position)
		if !found {
			return false, nil
		}
		d.atoms = append(d.atoms[:idx], d.atoms[idx+1:]...)
		return true, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Type)
	}
}

func (d *Document) GetState() State {
	state := State{Atoms: make([]Atom, len(d.atoms))}
	for i, a := range d.atoms {
		state.Atoms[i] = Atom{Position: clonePosition(a.Position), Value: a.Value}
	}
	if len(d.tombstones) > 0 {
		state.Tombstones = make([]Position, 0, len(d.tombstones))
		for _, p := range d.tombstones {
			state.Tombstones = append(state.Tombstones, clonePosition(p))
		}
		sort.Slice(state.Tombstones, func(i, j int) bool {
			return Compare(state.Tombstones[i], state.Tombstones[j]) < 0
		})
	}
	return state
}

// SetState replaces the replica contents with state. The local site is kept
// and the clock moves past every identifier of that site in state, live or
// deleted, so positions generated afterwards stay unique.
func (d *Document) SetState(state State) error {
	atoms := make([]Atom, 0, len(state.Atoms))
	for _, a := range state.Atoms {
		if len(a.Position) == 0 {
			return fmt.Errorf("%w: atom without position", ErrInvalidState)
		}
		atoms = append(atoms, Atom{Position: clonePosition(a.Position), Value: a.Value})
	}
	sort.SliceStable(atoms, func(i, j int) bool { return Compare(atoms[i].Position, atoms[j].Position) < 0 })
	for i := 1; i < len(atoms); i++ {
		if Compare(atoms[i-1].Position, atoms[i].Position) == 0 {
			return fmt.Errorf("%w: duplicate position", ErrInvalidState)
		}
	}
	tombstones := make(map[string]Position, len(state.Tombstones))
	for _, p := range state.Tombstones {
		tombstones[p.key()] = clonePosition(p)
	}
	for _, a := range atoms {
		d.observe(a.Position)
	}
	for _, p := range tombstones {
		d.observe(p)
	}
	d.atoms = atoms
	d.tombstones = tombstones
	return nil
}

func (d *Document) observe(p Position) {
	for _, id := range p {
		if id.Site == d.site && id.Clock > d.clock {
			d.clock = id.Clock
		}
	}
}

func (d *Document) search(p Position) (int, bool) {
	idx := sort.Search(len(d.atoms), func(i int) bool {
		return Compare(d.atoms[i].Position, p) >= 0
	})
	return idx, idx < len(d.atoms) && Compare(d.atoms[idx].Position, p) == 0
}

func (d *Document) emit(op Operation) {
	for _, fn := range d.listeners {
		fn(op)
	}
}

func clonePosition(p Position) Position {
	return append(Position(nil), p...)
}
