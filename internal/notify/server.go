// Package notify exposes bridge events to legacy clients over a plain
// TCP socket. Each frame is one JSON object per line, in both
// directions.
package notify

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whatsappx/matrix-bridge/internal/bus"
	"github.com/whatsappx/matrix-bridge/internal/legacy"
)

const (
	clientQueueSize = 64
	writeTimeout    = 10 * time.Second
	maxLineBytes    = 64 * 1024
)

// Server accepts legacy notification clients, authenticates them with a
// shared token handshake and fans out every "notify." bus event to the
// authenticated set. A client that cannot keep up is dropped; nothing a
// single connection does can stall the others or the sync loop.
type Server struct {
	addr        string
	serverToken string
	clientToken string
	bus         *bus.Bus
	logger      *zap.Logger

	ln     net.Listener
	unsub  func()
	wg     sync.WaitGroup
	quit   chan struct{}
	stopMu sync.Mutex

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	clients map[int]*client
	nextID  int
}

type client struct {
	conn  net.Conn
	queue chan legacy.Frame
	once  sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.queue)
		_ = c.conn.Close()
	})
}

// NewServer creates the notification server. Start brings it up.
func NewServer(addr, serverToken, clientToken string, b *bus.Bus, logger *zap.Logger) *Server {
	return &Server{
		addr:        addr,
		serverToken: serverToken,
		clientToken: clientToken,
		bus:         b,
		logger:      logger,
		quit:        make(chan struct{}),
		conns:       make(map[net.Conn]struct{}),
		clients:     make(map[int]*client),
	}
}

// Start binds the listener and launches the accept and fan-out loops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("notification socket listening", zap.String("addr", ln.Addr().String()))

	events, unsub := s.bus.Subscribe(bus.NamespaceNotify, 256)
	s.unsub = unsub

	s.wg.Add(2)
	go s.acceptLoop()
	go s.fanoutLoop(events)
	return nil
}

// Addr returns the bound listener address. Valid after Start.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Stop closes the listener and every client connection, then waits for
// all connection goroutines to finish.
func (s *Server) Stop() {
	s.stopMu.Lock()
	select {
	case <-s.quit:
		s.stopMu.Unlock()
		return
	default:
		close(s.quit)
	}
	s.stopMu.Unlock()

	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.unsub != nil {
		s.unsub()
	}
	s.mu.Lock()
	for id, cl := range s.clients {
		delete(s.clients, id)
		cl.close()
	}
	for conn := range s.conns {
		delete(s.conns, conn)
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.logger.Warn("accept failed", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) fanoutLoop(events <-chan bus.Event) {
	defer s.wg.Done()
	for {
		select {
		case evt := <-events:
			frame, ok := evt.Payload.(legacy.Frame)
			if !ok {
				continue
			}
			s.broadcast(frame)
		case <-s.quit:
			return
		}
	}
}

// broadcast enqueues a frame for every authenticated client. A full
// queue means the client stopped reading; it gets dropped rather than
// buffered without bound.
func (s *Server) broadcast(frame legacy.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cl := range s.clients {
		select {
		case cl.queue <- frame:
		default:
			s.logger.Warn("dropping slow notification client",
				zap.String("remote", cl.conn.RemoteAddr().String()))
			delete(s.clients, id)
			cl.close()
		}
	}
}

// handleConn runs the handshake and then holds the connection open.
// Protocol: server greets with its token, the client answers with one
// auth frame, the server confirms or rejects. Anything malformed drops
// the connection without a reply.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	if err := writeFrame(conn, legacy.Frame{Sender: legacy.SenderServer, Token: s.serverToken}); err != nil {
		_ = conn.Close()
		return
	}

	reader := bufio.NewReaderSize(conn, maxLineBytes)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		_ = conn.Close()
		return
	}
	var auth legacy.Frame
	if err := json.Unmarshal(line, &auth); err != nil {
		s.logger.Warn("malformed auth frame", zap.String("remote", conn.RemoteAddr().String()))
		_ = conn.Close()
		return
	}
	if auth.Sender != legacy.SenderClient || auth.Token != s.clientToken {
		_ = writeFrame(conn, legacy.Frame{Sender: legacy.SenderServer, Response: legacy.AuthReject})
		_ = conn.Close()
		return
	}
	if err := writeFrame(conn, legacy.Frame{Sender: legacy.SenderServer, Response: legacy.AuthOK}); err != nil {
		_ = conn.Close()
		return
	}

	cl := &client{conn: conn, queue: make(chan legacy.Frame, clientQueueSize)}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.clients[id] = cl
	s.mu.Unlock()
	s.logger.Info("notification client connected",
		zap.String("remote", conn.RemoteAddr().String()))

	s.wg.Add(1)
	go s.writeLoop(id, cl)

	// Clients only speak during auth; later frames are read to notice a
	// close promptly, but must still be valid JSON. Garbage is a
	// protocol violation and drops the connection.
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break
		}
		var frame legacy.Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			s.logger.Warn("malformed client frame, dropping connection",
				zap.String("remote", conn.RemoteAddr().String()))
			break
		}
	}
	s.dropClient(id, cl)
}

func (s *Server) writeLoop(id int, cl *client) {
	defer s.wg.Done()
	for frame := range cl.queue {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := writeFrame(cl.conn, frame); err != nil {
			s.logger.Warn("notification write failed",
				zap.String("remote", cl.conn.RemoteAddr().String()),
				zap.Error(err))
			s.dropClient(id, cl)
			return
		}
	}
}

func (s *Server) dropClient(id int, cl *client) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
	cl.close()
}

func writeFrame(conn net.Conn, frame legacy.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
