// Package session runs one collaborative session. A single goroutine owns the
// filesystem replica, the open document and the peer transport; relay
// frames, peer frames, timers and user actions all reach it as events.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vspecky/softerview/internal/crdt"
	"github.com/vspecky/softerview/internal/fstree"
	"github.com/vspecky/softerview/internal/outbox"
	"github.com/vspecky/softerview/internal/peer"
	"github.com/vspecky/softerview/internal/protocol"
)

var (
	ErrStopped     = errors.New("session stopped")
	ErrRelayClosed = errors.New("relay connection closed")
	ErrNotOpen     = errors.New("no file open")
	ErrNotAFile    = errors.New("key is not a file")
)

const (
	DefaultSameFileTimeout = 3 * time.Second
	interruptInput         = "\x03"
	eventBuffer            = 256
)

type RelaySender interface {
	Send(t protocol.MessageType, details any) error
}

// PeerTransport is the subset of *peer.Transport the session drives.
type PeerTransport interface {
	CreateOffer() error
	HandleOffer(sdp string) error
	HandleAnswer(sdp string) error
	AddCandidate(ice string) error
	Send(frame []byte) error
	State() peer.State
	Close() error
}

// Editor renders the open document. Calls happen on the session goroutine.
type Editor interface {
	Render(key, text string)
}

type Terminal interface {
	Write(output string)
}

type TreeView interface {
	Update(nodes []fstree.Node)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Relay   RelaySender
	RelayIn <-chan protocol.Envelope

	// NewPeer builds the transport. The callbacks in the passed options are
	// set by the session. Nil uses peer.New.
	NewPeer     func(peer.Options) (PeerTransport, error)
	PeerOptions peer.Options
	// DisablePeer runs relay-only: every open fetches from the relay.
	DisablePeer bool

	Outbox     outbox.Queue
	PathFilter *fstree.PathFilter
	Site       string

	SameFileTimeout time.Duration
	// BatchInterval coalesces outgoing deltas per file. Zero sends each
	// operation immediately.
	BatchInterval time.Duration

	Editor   Editor
	Terminal Terminal
	TreeView TreeView
	Logger   Logger
}

type phase int

const (
	phaseIdle phase = iota
	phaseQuerying
	phaseFetching
	phaseOpen
)

type Session struct {
	opts   Options
	relay  RelaySender
	in     <-chan protocol.Envelope
	events chan func()
	done   chan struct{}
	sched  *scheduler

	tree   *fstree.Tree
	filter *fstree.PathFilter
	site   string
	docSeq int

	transport PeerTransport
	peerGen   int
	peerState peer.State
	outbox    outbox.Queue

	sameFileTimeout time.Duration
	batchInterval   time.Duration

	current  string
	phase    phase
	doc      *crdt.Document
	edited   bool
	deadline taskID
	pending  []crdt.Operation

	batchKey  string
	batch     []crdt.MinOperation
	flushTask taskID

	waiters map[string][]chan string
}

func New(opts Options) (*Session, error) {
	if opts.Relay == nil || opts.RelayIn == nil {
		return nil, errors.New("session requires a relay sender and inbound relay channel")
	}
	if opts.SameFileTimeout <= 0 {
		opts.SameFileTimeout = DefaultSameFileTimeout
	}
	if opts.BatchInterval < 0 {
		opts.BatchInterval = 0
	}
	if opts.NewPeer == nil {
		opts.NewPeer = func(o peer.Options) (PeerTransport, error) {
			t, err := peer.New(o)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	}
	filter := opts.PathFilter
	if filter == nil {
		var err error
		if filter, err = fstree.NewPathFilter(fstree.DefaultPrefixPattern); err != nil {
			return nil, err
		}
	}
	queue := opts.Outbox
	if queue == nil {
		queue = outbox.NewInMemoryQueue(0)
	}
	site := opts.Site
	if site == "" {
		site = uuid.NewString()
	}

	s := &Session{
		opts:            opts,
		relay:           opts.Relay,
		in:              opts.RelayIn,
		events:          make(chan func(), eventBuffer),
		done:            make(chan struct{}),
		tree:            fstree.New(opts.Logger),
		filter:          filter,
		site:            site,
		peerState:       peer.StateNew,
		outbox:          queue,
		sameFileTimeout: opts.SameFileTimeout,
		batchInterval:   opts.BatchInterval,
		waiters:         map[string][]chan string{},
	}
	s.sched = newScheduler(s.post)
	return s, nil
}

// Run processes events until ctx is cancelled or the relay channel closes.
// Every timer is cancelled and the peer transport closed before it returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	if err := s.sendRelay(protocol.TypeRTCMediaReady, nil); err != nil {
		s.logf("announce media ready: %v", err)
	}
	if !s.opts.DisablePeer {
		s.ensureTransport()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-s.in:
			if !ok {
				return ErrRelayClosed
			}
			s.routeRelay(env)
		case fn := <-s.events:
			fn()
		}
	}
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Open switches the displayed file to key.
func (s *Session) Open(key string) error {
	var err error
	if callErr := s.call(func() { err = s.open(key) }); callErr != nil {
		return callErr
	}
	return err
}

// Edit applies a change reported by the editor: text replaced the length
// runes at offset.
func (s *Session) Edit(offset, length int, text string) error {
	var err error
	if callErr := s.call(func() { err = s.localEdit(offset, length, text) }); callErr != nil {
		return callErr
	}
	return err
}

// Save writes the open document back through the relay.
func (s *Session) Save() error {
	var err error
	callErr := s.call(func() {
		if s.phase != phaseOpen {
			err = ErrNotOpen
			return
		}
		if err = s.sendRelay(protocol.TypeSaveFile, protocol.SaveFile{Key: s.current, Contents: s.doc.Value()}); err == nil {
			s.edited = false
		}
	})
	if callErr != nil {
		return callErr
	}
	return err
}

func (s *Session) SendInput(input string) error {
	var err error
	if callErr := s.call(func() { err = s.sendRelay(protocol.TypeStdin, protocol.Stdin{Input: input}) }); callErr != nil {
		return callErr
	}
	return err
}

func (s *Session) SendInterrupt() error {
	return s.SendInput(interruptInput)
}

// FetchFile asks the relay for the authoritative contents of key and waits
// for the answer.
func (s *Session) FetchFile(ctx context.Context, key string) (string, error) {
	ch := make(chan string, 1)
	var err error
	callErr := s.call(func() {
		s.waiters[key] = append(s.waiters[key], ch)
		err = s.sendRelay(protocol.TypeRequestFileContents, protocol.FileRequest{Key: key})
	})
	if callErr != nil {
		return "", callErr
	}
	if err != nil {
		return "", err
	}
	select {
	case contents := <-ch:
		return contents, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", ErrStopped
	}
}

func (s *Session) Snapshot() ([]fstree.Node, error) {
	var nodes []fstree.Node
	err := s.call(func() { nodes = s.tree.Snapshot() })
	return nodes, err
}

func (s *Session) IsLeaf(key string) (bool, error) {
	var leaf bool
	var err error
	if callErr := s.call(func() { leaf, err = s.tree.IsLeaf(key) }); callErr != nil {
		return false, callErr
	}
	return leaf, err
}

// Document describes what the editor should currently show.
type Document struct {
	Key    string
	Text   string
	Open   bool
	Edited bool
}

func (s *Session) Document() (Document, error) {
	var doc Document
	err := s.call(func() {
		doc = Document{Key: s.current, Open: s.phase == phaseOpen, Edited: s.edited}
		if s.doc != nil {
			doc.Text = s.doc.Value()
		}
	})
	return doc, err
}

func (s *Session) PeerState() (peer.State, error) {
	var state peer.State
	err := s.call(func() { state = s.peerState })
	return state, err
}

// SetTimings applies reloaded configuration. Non-positive timeouts are
// ignored; a zero batch interval flushes and disables batching.
func (s *Session) SetTimings(sameFileTimeout, batchInterval time.Duration) {
	s.post(func() {
		if sameFileTimeout > 0 {
			s.sameFileTimeout = sameFileTimeout
		}
		if batchInterval >= 0 {
			s.batchInterval = batchInterval
		}
		if s.batchInterval == 0 {
			s.flushBatch()
		}
	})
}

func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) call(fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		fn()
		close(finished)
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

func (s *Session) teardown() {
	s.flushBatch()
	s.sched.CancelAll()
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logf("close peer transport: %v", err)
		}
	}
	close(s.done)
}

func (s *Session) sendRelay(t protocol.MessageType, details any) error {
	if err := s.relay.Send(t, details); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

// sendPeer queues a peer frame and flushes the outbox when connected.
func (s *Session) sendPeer(t protocol.MessageType, details any) {
	frame, err := protocol.Encode(t, details)
	if err != nil {
		s.logf("encode %s: %v", t, err)
		return
	}
	if !s.outbox.TryEnqueue(string(frame)) {
		s.logf("outbox full (%d), dropping %s", s.outbox.Capacity(), t)
		return
	}
	s.drainOutbox()
}

func (s *Session) drainOutbox() {
	if s.transport == nil || s.peerState != peer.StateConnected {
		return
	}
	sent, err := outbox.Drain(s.outbox, func(frame string) error {
		return s.transport.Send([]byte(frame))
	})
	if err != nil {
		s.logf("peer send stalled after %d frames, %d queued: %v", sent, s.outbox.Depth(), err)
	}
}

func (s *Session) render() {
	if s.opts.Editor == nil {
		return
	}
	text := ""
	if s.doc != nil {
		text = s.doc.Value()
	}
	s.opts.Editor.Render(s.current, text)
}

func (s *Session) logf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}
