// Package peers tracks connected peer sessions: dialing on discovery
// PeerUp, accepting inbound connections, and reconnecting with capped
// exponential backoff.
package peers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/synche-io/synche/internal/events"
	"github.com/synche-io/synche/internal/protocol"
)

const (
	connectTimeout  = 5 * time.Second
	backoffInitial  = time.Second
	backoffMax      = 30 * time.Second
	backoffMultiple = 2
)

// HelloFunc produces our current Hello; the directory set changes at
// runtime via admin commands.
type HelloFunc func() *protocol.Hello

type peerState struct {
	addr     string
	hostname string
	cancel   context.CancelFunc
}

// Registry owns all peer sessions. A session's only link back is the
// unregister callback installed on register; lookups go through the registry
// by peer id.
type Registry struct {
	self    string
	port    int
	handler Handler
	hello   HelloFunc
	bus     *events.Bus

	mu       sync.Mutex
	sessions map[string]*Session
	known    map[string]*peerState // peers announced up by discovery

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewRegistry(self string, port int, handler Handler, hello HelloFunc, bus *events.Bus) *Registry {
	return &Registry{
		self:     self,
		port:     port,
		handler:  handler,
		hello:    hello,
		bus:      bus,
		sessions: make(map[string]*Session),
		known:    make(map[string]*peerState),
	}
}

// Start opens the transport listener and begins accepting peer connections.
func (r *Registry) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", r.port))
	if err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}
	r.listener = listener
	slog.Info("transport listening", "addr", listener.Addr())

	r.wg.Add(1)
	go r.acceptLoop()

	return nil
}

// Addr returns the transport listener address, "" before Start.
func (r *Registry) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Stop tears down the listener and every session.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.listener != nil {
		r.listener.Close()
	}

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(errors.New("shutting down"))
	}
	r.wg.Wait()
	slog.Info("peer registry stopped")
}

// HandlePeerUp reacts to a discovery up event. To avoid duplicate sessions
// when both sides dial simultaneously, only the peer with the smaller id
// dials; the other waits for the inbound connection.
func (r *Registry) HandlePeerUp(id, addr, hostname string) {
	if id == r.self {
		return
	}

	r.mu.Lock()
	if _, ok := r.known[id]; ok {
		r.known[id].addr = addr
		r.known[id].hostname = hostname
		r.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.known[id] = &peerState{addr: addr, hostname: hostname, cancel: cancel}
	r.mu.Unlock()

	slog.Info("peer up", "peer", id, "addr", addr, "hostname", hostname)

	if r.self < id {
		r.wg.Add(1)
		go r.dialLoop(ctx, id)
	}
}

// HandlePeerDown reacts to a discovery down event.
func (r *Registry) HandlePeerDown(id string) {
	r.mu.Lock()
	state, ok := r.known[id]
	if ok {
		delete(r.known, id)
	}
	session := r.sessions[id]
	r.mu.Unlock()

	if !ok {
		return
	}

	slog.Info("peer down", "peer", id)
	state.cancel()
	if session != nil {
		session.Close(errors.New("peer down"))
	}
}

// Get returns the session for a peer, nil when disconnected.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Sessions snapshots the currently connected sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// dialLoop dials a known peer with exponential backoff capped at backoffMax,
// resetting after a successful session. It exits when the peer goes down or
// the registry stops.
func (r *Registry) dialLoop(ctx context.Context, id string) {
	defer r.wg.Done()

	backoff := backoffInitial
	for {
		r.mu.Lock()
		state, known := r.known[id]
		_, connected := r.sessions[id]
		var addr string
		if known {
			addr = state.addr
		}
		r.mu.Unlock()

		if !known {
			return
		}

		if !connected {
			session, err := r.dial(id, addr)
			if err != nil {
				slog.Debug("dial failed", "peer", id, "addr", addr, "error", err, "retryIn", backoff)
			} else {
				backoff = backoffInitial
				// wait for the session to end before considering a redial
				select {
				case <-ctx.Done():
					return
				case <-session.Closed():
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*backoffMultiple, backoffMax)
	}
}

func (r *Registry) dial(id, addr string) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, err
	}

	session := newSession(conn, r.handler)
	peerHello, err := session.handshake(r.hello())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if peerHello.PeerID != id {
		conn.Close()
		return nil, fmt.Errorf("%w: dialed %s but peer identifies as %s", protocol.ErrProtocolViolation, id, peerHello.PeerID)
	}

	if !r.register(session) {
		conn.Close()
		return nil, errors.New("duplicate session")
	}

	session.start()
	r.handler.HandleHello(session, peerHello)
	return session, nil
}

func (r *Registry) acceptLoop() {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
				slog.Error("transport accept failed", "error", err)
				return
			}
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleInbound(conn)
		}()
	}
}

func (r *Registry) handleInbound(conn net.Conn) {
	session := newSession(conn, r.handler)
	peerHello, err := session.handshake(r.hello())
	if err != nil {
		slog.Debug("inbound handshake failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	if peerHello.PeerID == r.self {
		conn.Close()
		return
	}

	if !r.register(session) {
		slog.Debug("dropping duplicate inbound session", "peer", peerHello.PeerID)
		conn.Close()
		return
	}

	session.start()
	r.handler.HandleHello(session, peerHello)
}

// register installs the session; false when one already exists for the peer.
func (r *Registry) register(s *Session) bool {
	s.onClose = r.unregister

	r.mu.Lock()
	if _, exists := r.sessions[s.PeerID]; exists {
		r.mu.Unlock()
		return false
	}
	r.sessions[s.PeerID] = s
	if state, ok := r.known[s.PeerID]; ok && s.Hostname == "" {
		s.Hostname = state.hostname
	}
	r.mu.Unlock()
	slog.Info("peer connected", "peer", s.PeerID, "addr", s.RemoteAddr())
	r.bus.Publish(events.PeerConnected, map[string]any{
		"id":       s.PeerID,
		"addr":     s.RemoteAddr(),
		"hostname": s.Hostname,
	})
	return true
}

func (r *Registry) unregister(s *Session, cause error) {
	r.mu.Lock()
	if r.sessions[s.PeerID] == s {
		delete(r.sessions, s.PeerID)
	} else {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	slog.Info("peer disconnected", "peer", s.PeerID, "cause", cause)
	r.bus.Publish(events.PeerDisconnected, map[string]any{"id": s.PeerID})
}
