package session

import (
	"errors"
	"fmt"

	"github.com/vspecky/softerview/internal/crdt"
	"github.com/vspecky/softerview/internal/fstree"
	"github.com/vspecky/softerview/internal/peer"
	"github.com/vspecky/softerview/internal/protocol"
)

// open resets local document state and starts convergence for key: a
// same-file query when the peer is reachable, otherwise a relay fetch.
func (s *Session) open(key string) error {
	if leaf, err := s.tree.IsLeaf(key); err == nil && !leaf {
		return fmt.Errorf("%w: %s", ErrNotAFile, key)
	} else if err != nil && !errors.Is(err, fstree.ErrNotFound) {
		return err
	}
	if key == s.current && s.phase != phaseIdle {
		return nil
	}

	s.closeDocument()
	s.current = key
	s.render()

	if s.peerState != peer.StateConnected {
		return s.fallback(key, "peer "+s.peerState.String())
	}
	s.phase = phaseQuerying
	s.deadline = s.sched.After(s.sameFileTimeout, func() {
		s.deadline = 0
		if err := s.fallback(key, "same-file query timed out"); err != nil {
			s.logf("%v", err)
		}
	})
	s.sendPeer(protocol.TypeSameFileQuery, protocol.SameFileQuery{Key: key})
	return nil
}

// closeDocument discards the open document. Deltas batched for it leave
// first, so batches never span two keys.
func (s *Session) closeDocument() {
	s.flushBatch()
	s.sched.Cancel(s.deadline)
	s.deadline = 0
	s.phase = phaseIdle
	s.doc = nil
	s.edited = false
	s.pending = nil
}

// fallback requests authoritative contents for key. It is a no-op once the
// file is open or the user has moved on.
func (s *Session) fallback(key, reason string) error {
	if key != s.current || s.phase == phaseOpen || s.phase == phaseFetching {
		return nil
	}
	s.sched.Cancel(s.deadline)
	s.deadline = 0
	s.phase = phaseFetching
	s.logf("fetching %s from relay: %s", key, reason)
	return s.sendRelay(protocol.TypeRequestFileContents, protocol.FileRequest{Key: key})
}

func (s *Session) handleSameFileQuery(q protocol.SameFileQuery) {
	res := protocol.SameFileResponse{Key: q.Key}
	if s.phase == phaseOpen && q.Key == s.current {
		state := s.doc.GetState()
		res.Same = true
		res.CRDT = &state
	}
	s.sendPeer(protocol.TypeSameFileRes, res)
}

func (s *Session) handleSameFileResponse(res protocol.SameFileResponse) {
	if res.Key != s.current || s.phase != phaseQuerying {
		s.logf("ignoring late same-file response for %s", res.Key)
		return
	}
	if !res.Same || res.CRDT == nil {
		if err := s.fallback(res.Key, "peer has a different file open"); err != nil {
			s.logf("%v", err)
		}
		return
	}
	doc := crdt.NewDocument(s.nextSite())
	if err := doc.SetState(*res.CRDT); err != nil {
		if err := s.fallback(res.Key, "peer state rejected: "+err.Error()); err != nil {
			s.logf("%v", err)
		}
		return
	}
	s.install(doc)
}

func (s *Session) handleFileContents(fc protocol.FileContents) {
	for _, ch := range s.waiters[fc.Key] {
		ch <- fc.Contents
	}
	delete(s.waiters, fc.Key)

	if fc.Key != s.current || s.phase == phaseOpen || s.phase == phaseIdle {
		return
	}
	s.install(crdt.NewSeededDocument(s.nextSite(), fc.Contents))
}

// nextSite names the replica of a newly opened document. Every document gets
// its own site, so positions minted after reopening a file can never repeat
// one the peer has already seen, live or deleted.
func (s *Session) nextSite() string {
	s.docSeq++
	return fmt.Sprintf("%s.%d", s.site, s.docSeq)
}

// install makes doc the open document for the current key and replays the
// deltas that arrived while it was negotiating.
func (s *Session) install(doc *crdt.Document) {
	s.sched.Cancel(s.deadline)
	s.deadline = 0
	doc.OnOperation(s.onLocalOperation)
	s.doc = doc
	s.phase = phaseOpen
	s.edited = false

	pending := s.pending
	s.pending = nil
	for _, op := range pending {
		if _, err := doc.Receive(op); err != nil {
			s.logf("dropping buffered delta for %s: %v", s.current, err)
		}
	}
	s.render()
}
