package session

import (
	"github.com/vspecky/softerview/internal/crdt"
	"github.com/vspecky/softerview/internal/protocol"
)

func (s *Session) localEdit(offset, length int, text string) error {
	if s.phase != phaseOpen {
		return ErrNotOpen
	}
	var err error
	if length == 0 {
		err = s.doc.Insert(text, offset)
	} else {
		err = s.doc.ReplaceRange(text, offset, length)
	}
	if err != nil {
		return err
	}
	s.edited = true
	return nil
}

// onLocalOperation runs synchronously inside the document edit that
// generated op.
func (s *Session) onLocalOperation(op crdt.Operation) {
	if s.batchInterval <= 0 {
		s.sendPeer(protocol.TypeCRDTDelta, protocol.CRDTDelta{Key: s.current, Delta: op})
		return
	}
	if s.batchKey != s.current {
		s.flushBatch()
	}
	s.batchKey = s.current
	s.batch = append(s.batch, crdt.Minify(op))
	if s.flushTask == 0 {
		s.flushTask = s.sched.After(s.batchInterval, func() {
			s.flushTask = 0
			s.flushBatch()
		})
	}
}

func (s *Session) flushBatch() {
	s.sched.Cancel(s.flushTask)
	s.flushTask = 0
	if len(s.batch) == 0 {
		return
	}
	batch := protocol.CRDTDeltaBatch{Key: s.batchKey, Deltas: s.batch}
	s.batch = nil
	s.batchKey = ""
	s.sendPeer(protocol.TypeCRDTDeltaBatch, batch)
}

func (s *Session) handleDelta(key string, ops []crdt.Operation) {
	if key != s.current {
		s.logf("dropping %d delta(s) for %s, %s is displayed", len(ops), key, s.current)
		return
	}
	if s.phase != phaseOpen {
		s.pending = append(s.pending, ops...)
		return
	}
	changed := false
	for _, op := range ops {
		applied, err := s.doc.Receive(op)
		if err != nil {
			s.logf("dropping delta for %s: %v", key, err)
			continue
		}
		changed = changed || applied
	}
	if changed {
		s.render()
	}
}
