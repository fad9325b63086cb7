// Package protocol defines the JSON envelopes exchanged with the relay and
// over the peer data channel, together with the per-type detail payloads.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownType       = errors.New("unknown message type")
)

type MessageType string

// Relay message types.
const (
	TypeStdout               MessageType = "STDOUT"
	TypeStdin                MessageType = "STDIN"
	TypeFSChange             MessageType = "FS_CHANGE"
	TypeSaveFile             MessageType = "SAVE_FILE"
	TypeRequestFileContents  MessageType = "REQUEST_FILE_CONTENTS"
	TypeResponseFileContents MessageType = "RESPONSE_FILE_CONTENTS"
	TypeRTCMediaReady        MessageType = "RTC_MEDIA_READY"
	TypeRTCCreateSDP         MessageType = "RTC_CREATE_SDP"
	TypeRTCOfferSDP          MessageType = "RTC_OFFER_SDP"
	TypeRTCAnswerSDP         MessageType = "RTC_ANSWER_SDP"
	TypeRTCICECandidate      MessageType = "RTC_ICE_CANDIDATE"
)

// Peer data channel message types.
const (
	TypeSameFileQuery  MessageType = "SAME_FILE_QUERY"
	TypeSameFileRes    MessageType = "SAME_FILE_RES"
	TypeCRDTDelta      MessageType = "CRDT_DELTA"
	TypeCRDTDeltaBatch MessageType = "CRDT_DELTA_BATCH"
)

var relayTypes = map[MessageType]struct{}{
	TypeStdout:               {},
	TypeStdin:                {},
	TypeFSChange:             {},
	TypeSaveFile:             {},
	TypeRequestFileContents:  {},
	TypeResponseFileContents: {},
	TypeRTCMediaReady:        {},
	TypeRTCCreateSDP:         {},
	TypeRTCOfferSDP:          {},
	TypeRTCAnswerSDP:         {},
	TypeRTCICECandidate:      {},
}

var peerTypes = map[MessageType]struct{}{
	TypeSameFileQuery:  {},
	TypeSameFileRes:    {},
	TypeCRDTDelta:      {},
	TypeCRDTDeltaBatch: {},
}

func (t MessageType) IsRelay() bool {
	_, ok := relayTypes[t]
	return ok
}

func (t MessageType) IsPeer() bool {
	_, ok := peerTypes[t]
	return ok
}

// Envelope is the outer frame of every message. Details are decoded by the
// handler for Type, never by the router.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Details json.RawMessage `json:"details,omitempty"`
}

func NewEnvelope(t MessageType, details any) (Envelope, error) {
	env := Envelope{Type: t}
	if details == nil {
		return env, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s details: %w", t, err)
	}
	env.Details = raw
	return env, nil
}

// Encode frames details as a JSON envelope ready for the wire.
func Encode(t MessageType, details any) ([]byte, error) {
	env, err := NewEnvelope(t, details)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Parse decodes the outer frame only. An unknown type is not an error here;
// the router decides what to do with it.
func Parse(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}
