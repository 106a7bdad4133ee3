package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/command"
	"github.com/raniellyferreira/redis-inmemory-server/protocol"
)

// Logger interface for server logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...interface{}) {}
func (noopLogger) Info(msg string, fields ...interface{})  {}
func (noopLogger) Error(msg string, fields ...interface{}) {}

// Server accepts RESP connections and feeds them to the dispatcher
type Server struct {
	dispatcher *command.Dispatcher

	// Server configuration
	addr     string
	password string

	// readTimeout bounds idle time between commands; zero means no limit.
	// It never applies to replica feed connections.
	readTimeout time.Duration

	// onDisconnect is called when a connection's session ends, so the
	// replication master can detach replica feeds.
	onDisconnect func(*command.Session)

	// Connection management
	listener net.Listener
	clients  sync.Map // map[net.Conn]*Client
	nextID   int64

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger Logger

	// Metrics
	connCount    int64
	commandCount int64
	errorCount   int64
}

// Client represents one connected session
type Client struct {
	conn    net.Conn
	reader  *protocol.Reader
	writer  *protocol.Writer
	session *command.Session
	server  *Server

	authenticated bool

	closeOnce sync.Once
}

// NewServer creates a server that routes commands through the dispatcher
func NewServer(addr string, dispatcher *command.Dispatcher) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		dispatcher: dispatcher,
		addr:       addr,
		ctx:        ctx,
		cancel:     cancel,
		logger:     noopLogger{},
	}
}

// SetPassword sets the authentication password; empty disables AUTH
func (s *Server) SetPassword(password string) {
	s.password = password
}

// SetLogger sets the logger
func (s *Server) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetReadTimeout bounds idle time between client commands
func (s *Server) SetReadTimeout(timeout time.Duration) {
	s.readTimeout = timeout
}

// SetDisconnectHandler registers a callback invoked when a session's
// connection goes away
func (s *Server) SetDisconnectHandler(fn func(*command.Session)) {
	s.onDisconnect = fn
}

// Start begins listening and accepting connections
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("Server listening", "addr", s.listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop stops the server and closes every client connection
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.Close()
		}
		return true
	})

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	clientCount := 0
	s.clients.Range(func(key, value interface{}) bool {
		clientCount++
		return true
	})

	return map[string]interface{}{
		"connected_clients": clientCount,
		"total_commands":    atomic.LoadInt64(&s.commandCount),
		"total_errors":      atomic.LoadInt64(&s.errorCount),
		"total_connections": atomic.LoadInt64(&s.connCount),
	}
}

// acceptConnections accepts new client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			continue
		}

		s.handleNewClient(conn)
	}
}

// handleNewClient sets up the session for a new connection
func (s *Server) handleNewClient(conn net.Conn) {
	atomic.AddInt64(&s.connCount, 1)

	writer := protocol.NewWriter(conn)
	client := &Client{
		conn:          conn,
		reader:        protocol.NewReader(conn),
		writer:        writer,
		session:       command.NewSession(atomic.AddInt64(&s.nextID, 1), conn, writer),
		server:        s,
		authenticated: s.password == "",
	}

	s.clients.Store(conn, client)

	s.wg.Add(1)
	go client.handle()
}

// Close closes the client connection and releases its session
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.session.Close()
		c.conn.Close()
		c.server.clients.Delete(c.conn)
		if c.server.onDisconnect != nil {
			c.server.onDisconnect(c.session)
		}
	})
}

// handle runs the serve loop for one connection
func (c *Client) handle() {
	defer c.server.wg.Done()
	defer c.Close()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		default:
		}

		if c.server.readTimeout > 0 {
			if c.session.ReplicaFeed {
				c.conn.SetReadDeadline(time.Time{})
			} else {
				c.conn.SetReadDeadline(time.Now().Add(c.server.readTimeout))
			}
		}

		value, err := c.reader.ReadNext()
		if err != nil {
			if err != io.EOF && c.server.ctx.Err() == nil {
				c.writeError(fmt.Sprintf("ERR Protocol error: %v", err))
			}
			return
		}

		cmd, err := protocol.ParseCommand(value)
		if err != nil {
			// Malformed framing leaves the stream position unknown.
			c.writeError(fmt.Sprintf("ERR Protocol error: %v", err))
			return
		}

		if !c.executeCommand(cmd) {
			return
		}
	}
}

// executeCommand runs one command, returning false when the connection
// should close
func (c *Client) executeCommand(cmd *protocol.Command) bool {
	atomic.AddInt64(&c.server.commandCount, 1)

	if !c.authenticated && cmd.Name != "AUTH" {
		c.writeError("NOAUTH Authentication required.")
		return true
	}

	switch cmd.Name {
	case "AUTH":
		c.handleAuth(cmd)
		return true

	case "QUIT":
		c.writeSimple("OK")
		return false

	default:
		if err := c.server.dispatcher.Dispatch(c.session, cmd); err != nil {
			c.server.logger.Debug("Connection write failed", "session", c.session.ID, "error", err)
			return false
		}
		return true
	}
}

func (c *Client) handleAuth(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError("ERR wrong number of arguments for 'auth' command")
		return
	}

	if c.server.password == "" {
		c.writeError("ERR Client sent AUTH, but no password is set")
		return
	}

	if string(cmd.Args[0]) == c.server.password {
		c.authenticated = true
		c.writeSimple("OK")
	} else {
		c.writeError("ERR invalid password")
	}
}

func (c *Client) writeSimple(s string) {
	c.session.WriteMu.Lock()
	defer c.session.WriteMu.Unlock()
	c.writer.WriteSimpleString(s)
	c.writer.Flush()
}

func (c *Client) writeError(msg string) {
	atomic.AddInt64(&c.server.errorCount, 1)
	// Embedded newlines would break RESP framing
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")

	c.session.WriteMu.Lock()
	defer c.session.WriteMu.Unlock()
	c.writer.WriteError(msg)
	c.writer.Flush()
}
