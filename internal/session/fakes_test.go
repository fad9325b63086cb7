package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vspecky/softerview/internal/peer"
	"github.com/vspecky/softerview/internal/protocol"
)

const waitFor = 2 * time.Second

type fakeRelay struct {
	in chan protocol.Envelope

	mu    sync.Mutex
	sent  []protocol.Envelope
	files map[string]string
}

func newFakeRelay(files map[string]string) *fakeRelay {
	return &fakeRelay{in: make(chan protocol.Envelope, 64), files: files}
}

// Send records the envelope and answers file requests the way the relay
// would.
func (r *fakeRelay) Send(t protocol.MessageType, details any) error {
	env, err := protocol.NewEnvelope(t, details)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, env)
	r.mu.Unlock()

	if t == protocol.TypeRequestFileContents {
		var req protocol.FileRequest
		if err := json.Unmarshal(env.Details, &req); err != nil {
			return err
		}
		r.mu.Lock()
		contents, ok := r.files[req.Key]
		r.mu.Unlock()
		if ok {
			r.push(protocol.TypeResponseFileContents, protocol.FileContents{Key: req.Key, Contents: contents})
		}
	}
	return nil
}

func (r *fakeRelay) push(t protocol.MessageType, details any) {
	env, err := protocol.NewEnvelope(t, details)
	if err != nil {
		panic(err)
	}
	r.in <- env
}

func (r *fakeRelay) sentOf(t protocol.MessageType) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range r.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakePeer struct {
	opts peer.Options

	mu         sync.Mutex
	state      peer.State
	remote     *fakePeer
	frames     []protocol.Envelope
	offers     int
	remoteSDP  []string
	candidates []string
}

func (p *fakePeer) CreateOffer() error {
	p.mu.Lock()
	p.offers++
	p.mu.Unlock()
	p.opts.OnSignal(protocol.TypeRTCOfferSDP, protocol.SDP{SDP: `{"type":"offer","sdp":"v=0"}`})
	return nil
}

func (p *fakePeer) HandleOffer(sdp string) error {
	p.mu.Lock()
	p.remoteSDP = append(p.remoteSDP, sdp)
	p.mu.Unlock()
	p.opts.OnSignal(protocol.TypeRTCAnswerSDP, protocol.SDP{SDP: `{"type":"answer","sdp":"v=0"}`})
	return nil
}

func (p *fakePeer) HandleAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = append(p.remoteSDP, sdp)
	return nil
}

func (p *fakePeer) AddCandidate(ice string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, ice)
	return nil
}

// Send delivers to the linked peer, or swallows the frame when unlinked.
func (p *fakePeer) Send(frame []byte) error {
	p.mu.Lock()
	if p.state != peer.StateConnected {
		p.mu.Unlock()
		return peer.ErrNotConnected
	}
	env, err := protocol.Parse(frame)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.frames = append(p.frames, env)
	remote := p.remote
	p.mu.Unlock()
	if remote != nil {
		remote.opts.OnMessage(append([]byte(nil), frame...))
	}
	return nil
}

func (p *fakePeer) State() peer.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = peer.StateClosed
	return nil
}

func (p *fakePeer) setState(state peer.State) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	p.opts.OnStateChange(state)
}

func (p *fakePeer) deliver(t *testing.T, kind protocol.MessageType, details any) {
	t.Helper()
	frame, err := protocol.Encode(kind, details)
	require.NoError(t, err)
	p.opts.OnMessage(frame)
}

func (p *fakePeer) framesOf(kind protocol.MessageType) []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range p.frames {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

type peerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *peerFactory) New(opts peer.Options) (PeerTransport, error) {
	p := &fakePeer{opts: opts, state: peer.StateNew}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *peerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeTerminal struct {
	mu  sync.Mutex
	out string
}

func (t *fakeTerminal) Write(output string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out += output
}

func (t *fakeTerminal) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out
}

type harness struct {
	s     *Session
	relay *fakeRelay
	peers *peerFactory
	term  *fakeTerminal
}

func newHarness(t *testing.T, files map[string]string, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{relay: newFakeRelay(files), peers: &peerFactory{}, term: &fakeTerminal{}}
	opts := Options{
		Relay:           h.relay,
		RelayIn:         h.relay.in,
		NewPeer:         h.peers.New,
		SameFileTimeout: time.Hour,
		Terminal:        h.term,
		Logger:          testLogger{t},
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	h.s = s

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	if !opts.DisablePeer {
		require.Eventually(t, func() bool { return h.peers.last() != nil }, waitFor, time.Millisecond)
	}
	return h
}

func (h *harness) peer() *fakePeer {
	return h.peers.last()
}

func (h *harness) waitPeerState(t *testing.T, want peer.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, err := h.s.PeerState()
		return err == nil && state == want
	}, waitFor, time.Millisecond)
}

func (h *harness) waitOpen(t *testing.T, key, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		doc, err := h.s.Document()
		return err == nil && doc.Open && doc.Key == key && doc.Text == text
	}, waitFor, time.Millisecond)
}

// link connects two sessions back to back.
func link(t *testing.T, a, b *harness) {
	t.Helper()
	pa, pb := a.peer(), b.peer()
	pa.mu.Lock()
	pa.remote = pb
	pa.mu.Unlock()
	pb.mu.Lock()
	pb.remote = pa
	pb.mu.Unlock()
	pa.setState(peer.StateConnected)
	pb.setState(peer.StateConnected)
	a.waitPeerState(t, peer.StateConnected)
	b.waitPeerState(t, peer.StateConnected)
}

type testLogger struct {
	t *testing.T
}

func (l testLogger) Printf(format string, args ...any) {
	l.t.Logf(format, args...)
}
