package peers

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/synche-io/synche/internal/protocol"
)

const (
	maxOutboundQueue        = 512
	idleReadTimeout         = 60 * time.Second
	helloTimeout            = 5 * time.Second
	writeTimeout            = 30 * time.Second
	transferProgressTimeout = 30 * time.Second
)

// Handler consumes inbound protocol messages. HandleTransfer must fully
// drain body (exactly the header's Size bytes) or return an error, which
// closes the session.
type Handler interface {
	HandleHello(s *Session, hello *protocol.Hello)
	HandleAnnounce(s *Session, ann *protocol.Announce)
	HandleRequest(s *Session, req *protocol.Request)
	HandleTransfer(s *Session, hdr *protocol.TransferHeader, body io.Reader) error
	HandleAck(s *Session, ack *protocol.Ack)
}

type outItem struct {
	typ  protocol.MsgType
	body any
	key  string // dir/path, for announce coalescing
	file string // absolute path streamed after a transfer header
}

// Session is one full-duplex connection to a peer: a read half dispatching
// into the Handler and a write half draining a bounded outbound queue.
// Messages within a session are FIFO.
type Session struct {
	PeerID   string
	Hostname string

	conn    net.Conn
	br      *bufio.Reader
	handler Handler
	dirs    mapset.Set[string]

	mu    sync.Mutex
	queue []*outItem
	kick  chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	onClose   func(*Session, error)
	wg        sync.WaitGroup
}

func newSession(conn net.Conn, handler Handler) *Session {
	return &Session{
		conn:    conn,
		br:      bufio.NewReaderSize(conn, 64<<10),
		handler: handler,
		dirs:    mapset.NewSet[string](),
		kick:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// handshake sends our Hello and expects the peer's Hello as the first frame.
func (s *Session) handshake(hello *protocol.Hello) (*protocol.Hello, error) {
	s.conn.SetDeadline(time.Now().Add(helloTimeout))
	defer s.conn.SetDeadline(time.Time{})

	if err := protocol.WriteFrame(s.conn, protocol.MsgHello, hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	typ, raw, err := protocol.ReadFrame(s.br)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if typ != protocol.MsgHello {
		return nil, fmt.Errorf("%w: expected hello, got %s", protocol.ErrProtocolViolation, typ)
	}

	peerHello, err := protocol.Decode[protocol.Hello](raw)
	if err != nil {
		return nil, err
	}

	s.PeerID = peerHello.PeerID
	s.SetDirectories(peerHello.Directories)
	return peerHello, nil
}

// start spawns the read and write halves after a successful handshake.
func (s *Session) start() {
	s.wg.Add(1)
	go s.readLoop()

	s.wg.Add(1)
	go s.writeLoop()
}

// SetDirectories replaces the peer's advertised sync directory set.
func (s *Session) SetDirectories(names []string) {
	s.dirs.Clear()
	s.dirs.Append(names...)
}

// SharesDirectory reports whether the peer advertised the directory name.
func (s *Session) SharesDirectory(name string) bool {
	return s.dirs.Contains(name)
}

// SharedDirectories intersects the peer's advertised set with ours.
func (s *Session) SharedDirectories(ours []string) []string {
	return s.dirs.Intersect(mapset.NewSet(ours...)).ToSlice()
}

// Close tears the session down. Safe to call multiple times.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s, cause)
		}
	})
}

func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// SendHello re-advertises our directory set (after an admin add/remove).
func (s *Session) SendHello(hello *protocol.Hello) {
	s.enqueue(&outItem{typ: protocol.MsgHello, body: hello})
}

// SendAnnounce queues a metadata announce for the peer.
func (s *Session) SendAnnounce(ann *protocol.Announce) {
	s.enqueue(&outItem{typ: protocol.MsgAnnounce, body: ann, key: ann.Dir + "/" + ann.Path})
}

// SendAnnounceBatch queues the initial reconciliation batch.
func (s *Session) SendAnnounceBatch(batch *protocol.AnnounceBatch) {
	s.enqueue(&outItem{typ: protocol.MsgAnnounceBatch, body: batch})
}

// SendRequest asks the peer for an entry's content.
func (s *Session) SendRequest(req *protocol.Request) {
	s.enqueue(&outItem{typ: protocol.MsgRequest, body: req, key: req.Dir + "/" + req.Path})
}

// SendTransfer queues a content transfer; the file at absPath is streamed
// when the item reaches the head of the queue.
func (s *Session) SendTransfer(hdr *protocol.TransferHeader, absPath string) {
	s.enqueue(&outItem{typ: protocol.MsgTransfer, body: hdr, key: hdr.Dir + "/" + hdr.Path, file: absPath})
}

// SendAck confirms a committed transfer.
func (s *Session) SendAck(ack *protocol.Ack) {
	s.enqueue(&outItem{typ: protocol.MsgAck, body: ack})
}

// enqueue appends to the bounded outbound queue. When full, an announce
// coalesces with (replaces) an older announce or a superseded transfer for
// the same key, keeping the newest; as a last resort the oldest announce is
// evicted.
func (s *Session) enqueue(item *outItem) {
	s.mu.Lock()

	if len(s.queue) >= maxOutboundQueue {
		if !s.coalesceLocked(item) {
			s.mu.Unlock()
			slog.Warn("session outbound queue full, dropping", "peer", s.PeerID, "type", item.typ, "key", item.key)
			return
		}
		s.mu.Unlock()
		s.kickWriter()
		return
	}

	s.queue = append(s.queue, item)
	s.mu.Unlock()
	s.kickWriter()
}

func (s *Session) coalesceLocked(item *outItem) bool {
	if item.typ == protocol.MsgAnnounce && item.key != "" {
		// a newer announce replaces a queued announce, or a queued transfer
		// it supersedes (the peer re-requests after seeing the announce)
		for i, q := range s.queue {
			if q.key == item.key && (q.typ == protocol.MsgAnnounce || q.typ == protocol.MsgTransfer) {
				s.queue[i] = item
				return true
			}
		}
	}

	// evict the oldest queued announce to make room
	for i, q := range s.queue {
		if q.typ == protocol.MsgAnnounce {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.queue = append(s.queue, item)
			return true
		}
	}
	return false
}

func (s *Session) kickWriter() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) pop() *outItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	return item
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closed:
			return
		case <-s.kick:
		}

		for {
			item := s.pop()
			if item == nil {
				break
			}
			if err := s.writeItem(item); err != nil {
				slog.Error("session write failed", "peer", s.PeerID, "type", item.typ, "error", err)
				s.Close(err)
				return
			}
		}
	}
}

func (s *Session) writeItem(item *outItem) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteFrame(s.conn, item.typ, item.body); err != nil {
		return err
	}

	if item.typ != protocol.MsgTransfer {
		return nil
	}

	// stream exactly Size raw bytes after the header frame; a short or
	// failed stream desyncs the framing, so the session must die
	hdr := item.body.(*protocol.TransferHeader)
	f, err := os.Open(item.file)
	if err != nil {
		return fmt.Errorf("open transfer source %s: %w", item.file, err)
	}
	defer f.Close()

	written := int64(0)
	buf := make([]byte, 256<<10)
	for written < hdr.Size {
		chunk := int64(len(buf))
		if rest := hdr.Size - written; rest < chunk {
			chunk = rest
		}
		n, err := io.ReadFull(f, buf[:chunk])
		if err != nil {
			return fmt.Errorf("read transfer source %s at %d/%d: %w", item.file, written, hdr.Size, err)
		}
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := s.conn.Write(buf[:n]); err != nil {
			return fmt.Errorf("stream transfer: %w", err)
		}
		written += int64(n)
	}
	return nil
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
		typ, raw, err := s.readFrameChecked()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Debug("session read ended", "peer", s.PeerID, "error", err)
			}
			s.Close(err)
			return
		}

		if err := s.dispatch(typ, raw); err != nil {
			slog.Error("session dispatch failed", "peer", s.PeerID, "type", typ, "error", err)
			s.Close(err)
			return
		}
	}
}

func (s *Session) readFrameChecked() (protocol.MsgType, []byte, error) {
	typ, raw, err := protocol.ReadFrame(s.br)
	if err != nil {
		return 0, nil, err
	}
	return typ, raw, nil
}

func (s *Session) dispatch(typ protocol.MsgType, raw []byte) error {
	switch typ {
	case protocol.MsgHello:
		hello, err := protocol.Decode[protocol.Hello](raw)
		if err != nil {
			return err
		}
		s.SetDirectories(hello.Directories)
		s.handler.HandleHello(s, hello)

	case protocol.MsgAnnounce:
		ann, err := protocol.Decode[protocol.Announce](raw)
		if err != nil {
			return err
		}
		ann.Origin = s.PeerID
		s.handler.HandleAnnounce(s, ann)

	case protocol.MsgAnnounceBatch:
		batch, err := protocol.Decode[protocol.AnnounceBatch](raw)
		if err != nil {
			return err
		}
		for _, ann := range batch.Items {
			ann.Origin = s.PeerID
			s.handler.HandleAnnounce(s, ann)
		}

	case protocol.MsgRequest:
		req, err := protocol.Decode[protocol.Request](raw)
		if err != nil {
			return err
		}
		s.handler.HandleRequest(s, req)

	case protocol.MsgAck:
		ack, err := protocol.Decode[protocol.Ack](raw)
		if err != nil {
			return err
		}
		s.handler.HandleAck(s, ack)

	case protocol.MsgTransfer:
		hdr, err := protocol.Decode[protocol.TransferHeader](raw)
		if err != nil {
			return err
		}
		body := &progressReader{r: io.LimitReader(s.br, hdr.Size), conn: s.conn}
		if err := s.handler.HandleTransfer(s, hdr, body); err != nil {
			return fmt.Errorf("transfer %s/%s: %w", hdr.Dir, hdr.Path, err)
		}
		// the handler must consume the full payload to keep framing intact
		if n, _ := io.Copy(io.Discard, body); n > 0 {
			slog.Warn("transfer handler left payload bytes, drained", "peer", s.PeerID, "bytes", n)
		}

	default:
		return fmt.Errorf("%w: unknown message type %d", protocol.ErrProtocolViolation, typ)
	}
	return nil
}

// progressReader refreshes the read deadline on every chunk so a stalled
// transfer aborts once no progress is made within the window.
type progressReader struct {
	r    io.Reader
	conn net.Conn
}

func (p *progressReader) Read(b []byte) (int, error) {
	p.conn.SetReadDeadline(time.Now().Add(transferProgressTimeout))
	return p.r.Read(b)
}
