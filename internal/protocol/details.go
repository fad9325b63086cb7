package protocol

import (
	"github.com/vspecky/softerview/internal/crdt"
	"github.com/vspecky/softerview/internal/fstree"
)

type Stdout struct {
	Output string `json:"output"`
}

type Stdin struct {
	Input string `json:"input"`
}

// FSChange is a filesystem event as pushed by the relay. Paths still carry
// the relay's environment prefix.
type FSChange struct {
	Type    fstree.EventKind `json:"type"`
	OldPath string           `json:"oldPath"`
	NewPath string           `json:"newPath"`
	IsLeaf  bool             `json:"isLeaf"`
}

func (c FSChange) Event() fstree.Event {
	return fstree.Event{Kind: c.Type, OldPath: c.OldPath, NewPath: c.NewPath, IsLeaf: c.IsLeaf}
}

type SaveFile struct {
	Key      string `json:"key"`
	Contents string `json:"contents"`
}

type FileRequest struct {
	Key string `json:"key"`
}

type FileContents struct {
	Key      string `json:"key"`
	Contents string `json:"contents"`
}

// SDP carries a session description serialized as JSON text
// ({"type":"offer","sdp":"..."}), relayed verbatim.
type SDP struct {
	SDP string `json:"sdp"`
}

// ICECandidate carries a candidate serialized as JSON text
// ({"candidate":"...","sdpMid":"0",...}), relayed verbatim.
type ICECandidate struct {
	ICE string `json:"ice"`
}

type SameFileQuery struct {
	Key string `json:"key"`
}

type SameFileResponse struct {
	Key  string      `json:"key"`
	Same bool        `json:"same"`
	CRDT *crdt.State `json:"crdt,omitempty"`
}

type CRDTDelta struct {
	Key   string         `json:"key"`
	Delta crdt.Operation `json:"delta"`
}

type CRDTDeltaBatch struct {
	Key    string              `json:"key"`
	Deltas []crdt.MinOperation `json:"deltas"`
}
