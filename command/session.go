package command

import (
	"net"
	"sync"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
)

type txnState int

const (
	txnIdle txnState = iota
	txnQueuing
	txnAborted
)

// Session is the dispatcher-side state of one client connection
type Session struct {
	ID   int64
	Conn net.Conn
	W    *protocol.Writer

	// WriteMu serializes writes once the session has become a replica
	// feed, where the propagation path and WAIT's GETACK probes write
	// concurrently.
	WriteMu sync.Mutex

	// Silent suppresses replies; set on the loopback session a replica
	// uses to apply the master's command stream.
	Silent bool

	// ReplicaFeed marks a session that completed PSYNC and now only
	// receives propagated commands.
	ReplicaFeed bool

	// ListeningPort is the port announced via REPLCONF listening-port.
	ListeningPort string

	txn    txnState
	queue  []*protocol.Command
	inExec bool

	// dirty is set by a handler that mutated the keyspace; it decides
	// whether the command is propagated to replicas.
	dirty bool

	// rewrite, when set, replaces the client's command in the propagated
	// stream (XADD with an auto-generated ID propagates the concrete ID).
	rewrite *protocol.Command

	closed chan struct{}
}

// NewSession creates the dispatcher state for a connection. Conn may be
// nil for loopback sessions that never block.
func NewSession(id int64, conn net.Conn, w *protocol.Writer) *Session {
	return &Session{
		ID:     id,
		Conn:   conn,
		W:      w,
		closed: make(chan struct{}),
	}
}

// Close releases any blocked wait the session is suspended in. Safe to
// call once, when the connection goes away.
func (s *Session) Close() {
	close(s.closed)
}

// Closed returns a channel closed when the session's connection is gone
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// MarkDirty records that the current command mutated the keyspace
func (s *Session) MarkDirty() {
	s.dirty = true
}

// InTransaction reports whether the session has an open MULTI block
func (s *Session) InTransaction() bool {
	return s.txn == txnQueuing || s.txn == txnAborted
}

// ResetTransaction drops any queued commands and returns to idle
func (s *Session) ResetTransaction() {
	s.txn = txnIdle
	s.queue = nil
}

func (s *Session) reply(v protocol.Value) error {
	if s.Silent || s.W == nil {
		return nil
	}
	s.WriteMu.Lock()
	defer s.WriteMu.Unlock()
	if err := s.W.WriteValue(v); err != nil {
		return err
	}
	return s.W.Flush()
}
