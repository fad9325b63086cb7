// Package relaytest runs an in-process relay for tests. It implements the
// session API, forwards signaling between the participants of a session, and
// serves file contents from an in-memory map.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/vspecky/softerview/internal/protocol"
)

// Frame is one envelope received from a participant.
type Frame struct {
	Code     string
	Envelope protocol.Envelope
}

type Server struct {
	URL string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	sessions    map[string]*session
	files       map[string]string
	failChecks  int
	dropSignals bool
	received    chan Frame
}

type session struct {
	clients    []*client
	mediaReady []*client
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func New() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		sessions: map[string]*session{},
		files:    map[string]string{},
		received: make(chan Frame, 1024),
	}
	router := mux.NewRouter()
	router.HandleFunc("/api/session", s.handleCreate).Methods(http.MethodPut)
	router.HandleFunc("/api/session/{code}", s.handleCheck).Methods(http.MethodGet)
	router.HandleFunc("/api/session/{code}/ws", s.handleWS)
	s.srv = httptest.NewServer(router)
	s.URL = s.srv.URL
	return s
}

func (s *Server) Close() {
	s.mu.Lock()
	for _, sess := range s.sessions {
		for _, c := range sess.clients {
			_ = c.conn.Close()
		}
	}
	s.mu.Unlock()
	s.srv.Close()
}

// AddSession registers code as a live session.
func (s *Server) AddSession(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[code]; !ok {
		s.sessions[code] = &session{}
	}
}

// SetFile sets the authoritative contents served for key.
func (s *Server) SetFile(key, contents string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = contents
}

func (s *Server) File(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contents, ok := s.files[key]
	return contents, ok
}

// FailChecks makes the next n session checks answer 503.
func (s *Server) FailChecks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failChecks = n
}

// DropSignaling stops forwarding RTC_* envelopes, so peers never connect.
func (s *Server) DropSignaling(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropSignals = drop
}

// Received yields every envelope a participant sent, in arrival order.
func (s *Server) Received() <-chan Frame {
	return s.received
}

// Clients reports how many participants are connected to code.
func (s *Server) Clients(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[code]; ok {
		return len(sess.clients)
	}
	return 0
}

// Push sends an envelope to every participant of code.
func (s *Server) Push(code string, t protocol.MessageType, details any) error {
	frame, err := protocol.Encode(t, details)
	if err != nil {
		return err
	}
	for _, c := range s.participants(code, nil) {
		if err := c.write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	code := strings.ReplaceAll(uuid.NewString(), "-", "")
	s.AddSession(code)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"sessionID": code})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	s.mu.Lock()
	fail := s.failChecks > 0
	if fail {
		s.failChecks--
	}
	_, ok := s.sessions[code]
	s.mu.Unlock()
	if fail {
		w.Header().Set("Retry-After", "0")
		http.Error(w, `{"code":"unavailable","message":"retry"}`, http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, `{"code":"not_found","message":"no such session"}`, http.StatusNotFound)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "session", Value: code, Path: "/"})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	s.mu.Lock()
	sess, ok := s.sessions[code]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.mu.Lock()
	sess.clients = append(sess.clients, c)
	s.mu.Unlock()
	defer s.detach(code, c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Parse(data)
		if err != nil {
			continue
		}
		select {
		case s.received <- Frame{Code: code, Envelope: env}:
		default:
		}
		s.route(code, c, env, data)
	}
}

func (s *Server) route(code string, from *client, env protocol.Envelope, raw []byte) {
	switch env.Type {
	case protocol.TypeRequestFileContents:
		var req protocol.FileRequest
		if err := json.Unmarshal(env.Details, &req); err != nil {
			return
		}
		contents, ok := s.File(req.Key)
		if !ok {
			return
		}
		frame, err := protocol.Encode(protocol.TypeResponseFileContents, protocol.FileContents{Key: req.Key, Contents: contents})
		if err == nil {
			_ = from.write(frame)
		}
	case protocol.TypeSaveFile:
		var save protocol.SaveFile
		if err := json.Unmarshal(env.Details, &save); err == nil {
			s.SetFile(save.Key, save.Contents)
		}
	case protocol.TypeRTCMediaReady:
		s.mu.Lock()
		sess := s.sessions[code]
		sess.mediaReady = append(sess.mediaReady, from)
		var initiator *client
		if len(sess.mediaReady) == 2 && !s.dropSignals {
			initiator = sess.mediaReady[0]
		}
		s.mu.Unlock()
		if initiator != nil {
			if frame, err := protocol.Encode(protocol.TypeRTCCreateSDP, nil); err == nil {
				_ = initiator.write(frame)
			}
		}
	case protocol.TypeRTCOfferSDP, protocol.TypeRTCAnswerSDP, protocol.TypeRTCICECandidate:
		s.mu.Lock()
		drop := s.dropSignals
		s.mu.Unlock()
		if drop {
			return
		}
		for _, c := range s.participants(code, from) {
			_ = c.write(raw)
		}
	}
}

func (s *Server) participants(code string, except *client) []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[code]
	if !ok {
		return nil
	}
	out := make([]*client, 0, len(sess.clients))
	for _, c := range sess.clients {
		if c != except {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) detach(code string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[code]
	if !ok {
		return
	}
	for i, existing := range sess.clients {
		if existing == c {
			sess.clients = append(sess.clients[:i], sess.clients[i+1:]...)
			break
		}
	}
	_ = c.conn.Close()
}
