// Package peer owns the direct connection between the two participants of a
// session. Negotiation messages leave through Options.OnSignal and are
// expected to be relayed verbatim to the other side.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/vspecky/softerview/internal/protocol"
)

var (
	ErrNotConnected      = errors.New("peer transport not connected")
	ErrClosed            = errors.New("peer transport closed")
	ErrUnexpectedSignal  = errors.New("unexpected signaling message")
	ErrMalformedSignal   = errors.New("malformed signaling payload")
	ErrMediaNotSupported = errors.New("media track rejected")
)

// DefaultDataChannelID is the pre-agreed stream both sides declare.
const DefaultDataChannelID uint16 = 256

const dataChannelLabel = "crdt"

type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

func canTransition(from, to State) bool {
	switch from {
	case StateNew:
		return to == StateNegotiating || to == StateClosed || to == StateFailed
	case StateNegotiating:
		return to == StateConnected || to == StateClosed || to == StateFailed
	case StateConnected:
		return to == StateClosed || to == StateFailed
	default:
		return false
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// ICEServers lists STUN/TURN URLs. Empty means host candidates only.
	ICEServers    []string
	DataChannelID uint16
	SettingEngine *webrtc.SettingEngine
	Logger        Logger

	// OnSignal receives every RTC_* envelope that must reach the other
	// participant through the relay. Callbacks run on transport goroutines.
	OnSignal      func(t protocol.MessageType, details any)
	OnMessage     func(frame []byte)
	OnStateChange func(State)
}

// Transport is one peer connection carrying a single ordered, reliable data
// channel.
type Transport struct {
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	opts Options

	mu        sync.Mutex
	state     State
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func New(opts Options) (*Transport, error) {
	if opts.DataChannelID == 0 {
		opts.DataChannelID = DefaultDataChannelID
	}
	api := webrtc.NewAPI()
	if opts.SettingEngine != nil {
		api = webrtc.NewAPI(webrtc.WithSettingEngine(*opts.SettingEngine))
	}
	config := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	negotiated := true
	ordered := true
	id := opts.DataChannelID
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		Ordered:    &ordered,
		ID:         &id,
	})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	t := &Transport{pc: pc, dc: dc, opts: opts}
	pc.OnICECandidate(t.onCandidate)
	pc.OnConnectionStateChange(t.onConnectionState)
	dc.OnOpen(func() {
		t.transition(StateConnected)
	})
	dc.OnClose(func() {
		t.transition(StateClosed)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.opts.OnMessage != nil {
			t.opts.OnMessage(msg.Data)
		}
	})
	return t, nil
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CreateOffer starts negotiation as the initiating side.
func (t *Transport) CreateOffer() error {
	if err := t.beginNegotiation(); err != nil {
		return err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return t.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return t.fail(fmt.Errorf("set local offer: %w", err))
	}
	return t.signalDescription(protocol.TypeRTCOfferSDP, offer)
}

// HandleOffer answers a remote offer as the responding side.
func (t *Transport) HandleOffer(raw string) error {
	desc, err := parseDescription(raw, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}
	if err := t.beginNegotiation(); err != nil {
		return err
	}
	if err := t.setRemote(desc); err != nil {
		return err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return t.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return t.fail(fmt.Errorf("set local answer: %w", err))
	}
	return t.signalDescription(protocol.TypeRTCAnswerSDP, answer)
}

func (t *Transport) HandleAnswer(raw string) error {
	desc, err := parseDescription(raw, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if state := t.State(); state != StateNegotiating {
		return fmt.Errorf("%w: answer in state %s", ErrUnexpectedSignal, state)
	}
	return t.setRemote(desc)
}

// AddCandidate applies a remote connectivity candidate. Candidates that
// arrive before the remote description are held and applied once it is set.
func (t *Transport) AddCandidate(raw string) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &candidate); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.remoteSet {
		t.pending = append(t.pending, candidate)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	if err := t.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// Send writes one frame to the data channel.
func (t *Transport) Send(frame []byte) error {
	switch state := t.State(); state {
	case StateConnected:
	case StateClosed, StateFailed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
	return t.dc.SendText(string(frame))
}

// AddTrack attaches a local media track to the connection. Media is optional;
// callers log the error and carry on.
func (t *Transport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	if t.State().Terminal() {
		return nil, ErrClosed
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaNotSupported, err)
	}
	return sender, nil
}

func (t *Transport) Close() error {
	t.transition(StateClosed)
	return t.pc.Close()
}

func (t *Transport) beginNegotiation() error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	switch state {
	case StateNew:
		t.transition(StateNegotiating)
		return nil
	case StateClosed, StateFailed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: negotiation already %s", ErrUnexpectedSignal, state)
	}
}

func (t *Transport) setRemote(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return t.fail(fmt.Errorf("set remote %s: %w", desc.Type, err))
	}
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, candidate := range pending {
		if err := t.pc.AddICECandidate(candidate); err != nil {
			t.logf("dropping buffered candidate: %v", err)
		}
	}
	return nil
}

func (t *Transport) signalDescription(kind protocol.MessageType, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	t.signal(kind, protocol.SDP{SDP: string(raw)})
	return nil
}

func (t *Transport) onCandidate(candidate *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if candidate == nil {
		return
	}
	raw, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		t.logf("encode local candidate: %v", err)
		return
	}
	t.signal(protocol.TypeRTCICECandidate, protocol.ICECandidate{ICE: string(raw)})
}

func (t *Transport) onConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateFailed:
		t.transition(StateFailed)
	case webrtc.PeerConnectionStateClosed:
		t.transition(StateClosed)
	case webrtc.PeerConnectionStateDisconnected:
		t.logf("peer connection disconnected, waiting for ICE to recover")
	}
}

func (t *Transport) fail(err error) error {
	t.logf("peer negotiation failed: %v", err)
	t.transition(StateFailed)
	return err
}

func (t *Transport) transition(to State) {
	t.mu.Lock()
	if !canTransition(t.state, to) {
		t.mu.Unlock()
		return
	}
	from := t.state
	t.state = to
	t.mu.Unlock()

	t.logf("peer transport %s -> %s", from, to)
	if t.opts.OnStateChange != nil {
		t.opts.OnStateChange(to)
	}
}

func (t *Transport) signal(kind protocol.MessageType, details any) {
	if t.opts.OnSignal != nil {
		t.opts.OnSignal(kind, details)
	}
}

func (t *Transport) logf(format string, args ...any) {
	if t.opts.Logger != nil {
		t.opts.Logger.Printf(format, args...)
	}
}

func parseDescription(raw string, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return desc, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	if desc.Type != want || desc.SDP == "" {
		return desc, fmt.Errorf("%w: expected %s description", ErrMalformedSignal, want)
	}
	return desc, nil
}
