package replication

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/command"
	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// replicaHandle is the master-side state of one synced replica
type replicaHandle struct {
	session *command.Session
	acked   int64
}

// Master is the master-side replication state: the replication offset,
// the set of synced replicas, and their acknowledgment progress. It
// implements the dispatcher's Replication interface.
type Master struct {
	store  storage.Storage
	replID string
	logger Logger

	mu       sync.Mutex
	cond     *sync.Cond
	offset   int64
	replicas []*replicaHandle
}

// NewMaster creates the master-side replication state over the keyspace
func NewMaster(store storage.Storage) *Master {
	m := &Master{
		store:  store,
		replID: generateReplID(),
		logger: &defaultLogger{},
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// generateReplID returns a 40-character hex replication ID
func generateReplID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		// Deterministic fallback keeps the ID well-formed
		for i := range buf {
			buf[i] = byte(i)
		}
	}
	return hex.EncodeToString(buf)
}

// SetLogger sets the logger
func (m *Master) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Role returns the replication role
func (m *Master) Role() string {
	return command.RoleMaster
}

// ReplID returns the replication ID
func (m *Master) ReplID() string {
	return m.replID
}

// CurrentOffset returns the master replication offset
func (m *Master) CurrentOffset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// ReplicaCount returns the number of synced replicas
func (m *Master) ReplicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}

// StartReplicaFeed answers PSYNC on the session: it writes the FULLRESYNC
// header and a snapshot of the keyspace, then registers the session as a
// synced replica. The caller holds the write gate, so no write can land
// between the snapshot and the registration; the propagated stream
// continues exactly where the snapshot ends.
func (m *Master) StartReplicaFeed(s *command.Session) error {
	var snapshot bytes.Buffer
	if err := WriteSnapshot(&snapshot, m.store); err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}

	m.mu.Lock()
	offset := m.offset
	m.mu.Unlock()

	s.WriteMu.Lock()
	err := func() error {
		if err := s.W.WriteSimpleString(fmt.Sprintf("FULLRESYNC %s %d", m.replID, offset)); err != nil {
			return err
		}
		if err := s.W.WriteBulkPayloadHeader(snapshot.Len()); err != nil {
			return err
		}
		if err := s.W.WriteRaw(snapshot.Bytes()); err != nil {
			return err
		}
		return s.W.Flush()
	}()
	s.WriteMu.Unlock()
	if err != nil {
		return fmt.Errorf("send snapshot: %w", err)
	}

	m.mu.Lock()
	m.replicas = append(m.replicas, &replicaHandle{session: s, acked: offset})
	m.mu.Unlock()

	m.logger.Info("Replica synced", "session", s.ID, "offset", offset, "snapshotBytes", snapshot.Len())
	return nil
}

// Propagate advances the replication offset by the size of the encoded
// command and writes it to every synced replica in registration order. A
// write failure detaches that replica only.
func (m *Master) Propagate(encoded []byte) {
	m.mu.Lock()
	m.offset += int64(len(encoded))
	replicas := make([]*replicaHandle, len(m.replicas))
	copy(replicas, m.replicas)
	m.mu.Unlock()

	for _, h := range replicas {
		h.session.WriteMu.Lock()
		err := h.session.W.WriteRaw(encoded)
		if err == nil {
			err = h.session.W.Flush()
		}
		h.session.WriteMu.Unlock()

		if err != nil {
			m.logger.Error("Replica write failed, detaching", "session", h.session.ID, "error", err)
			m.DetachReplica(h.session)
		}
	}
}

// RecordAck records an acknowledged offset for a replica session. Offsets
// only move forward; a stale ack is ignored.
func (m *Master) RecordAck(s *command.Session, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.replicas {
		if h.session == s {
			if offset > h.acked {
				h.acked = offset
				m.cond.Broadcast()
			}
			return
		}
	}
}

// CountAcked returns how many replicas have acknowledged at least offset
func (m *Master) CountAcked(offset int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countAckedLocked(offset)
}

func (m *Master) countAckedLocked(offset int64) int {
	n := 0
	for _, h := range m.replicas {
		if h.acked >= offset {
			n++
		}
	}
	return n
}

// WaitForAcks blocks until count replicas acknowledge offset or the
// timeout elapses (zero means no limit), returning the acknowledged
// count. Replicas are prompted with REPLCONF GETACK *.
func (m *Master) WaitForAcks(offset int64, count int, timeout time.Duration) int {
	m.mu.Lock()
	if m.countAckedLocked(offset) >= count {
		n := m.countAckedLocked(offset)
		m.mu.Unlock()
		return n
	}
	m.mu.Unlock()

	// The prompt travels the replication stream and advances the offset
	// like any propagated command, keeping both sides' byte counts equal.
	m.Propagate(protocol.EncodeCommandStrings("REPLCONF", "GETACK", "*"))

	m.mu.Lock()
	defer m.mu.Unlock()

	expired := false
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			m.mu.Lock()
			expired = true
			m.cond.Broadcast()
			m.mu.Unlock()
		})
		defer timer.Stop()
	}

	for m.countAckedLocked(offset) < count && !expired {
		m.cond.Wait()
	}
	return m.countAckedLocked(offset)
}

// NoteListeningPort records the port a replica announced before PSYNC
func (m *Master) NoteListeningPort(s *command.Session, port string) {
	m.logger.Debug("Replica announced listening port", "session", s.ID, "port", port)
}

// DetachReplica removes a replica session, typically when its connection
// closes. Safe to call for sessions that were never registered.
func (m *Master) DetachReplica(s *command.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range m.replicas {
		if h.session == s {
			m.replicas = append(m.replicas[:i], m.replicas[i+1:]...)
			m.cond.Broadcast()
			return
		}
	}
}
