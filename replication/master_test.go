package replication_test

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/command"
	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/replication"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// feedConn is a session whose writes land in an inspectable buffer. The
// buffer can be switched into a failing mode to exercise detach paths.
type feedConn struct {
	s   *command.Session
	buf *failBuffer
}

type failBuffer struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	fail bool
}

func (b *failBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return 0, errors.New("write refused")
	}
	return b.buf.Write(p)
}

func (b *failBuffer) setFail(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fail
}

func (b *failBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func newFeedConn(id int64) *feedConn {
	buf := &failBuffer{}
	return &feedConn{
		s:   command.NewSession(id, nil, protocol.NewWriter(buf)),
		buf: buf,
	}
}

func newMaster(t *testing.T) (*replication.Master, storage.Storage) {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { store.Close() })
	return replication.NewMaster(store), store
}

func TestMasterIdentity(t *testing.T) {
	m, _ := newMaster(t)

	if m.Role() != command.RoleMaster {
		t.Errorf("Role = %q, want master", m.Role())
	}
	if len(m.ReplID()) != 40 {
		t.Errorf("ReplID length = %d, want 40", len(m.ReplID()))
	}
	if m.CurrentOffset() != 0 {
		t.Errorf("CurrentOffset = %d, want 0", m.CurrentOffset())
	}
	if m.ReplicaCount() != 0 {
		t.Errorf("ReplicaCount = %d, want 0", m.ReplicaCount())
	}
}

func TestStartReplicaFeed(t *testing.T) {
	m, store := newMaster(t)
	if err := store.Set("seed", []byte("data"), nil); err != nil {
		t.Fatal(err)
	}

	fc := newFeedConn(1)
	if err := m.StartReplicaFeed(fc.s); err != nil {
		t.Fatalf("StartReplicaFeed: %v", err)
	}
	if m.ReplicaCount() != 1 {
		t.Fatalf("ReplicaCount = %d, want 1", m.ReplicaCount())
	}

	r := protocol.NewReader(bytes.NewReader(fc.buf.bytes()))
	v, err := r.ReadNext()
	if err != nil {
		t.Fatalf("reading FULLRESYNC: %v", err)
	}
	parts := strings.Fields(v.String())
	if len(parts) != 3 || parts[0] != "FULLRESYNC" || parts[1] != m.ReplID() || parts[2] != "0" {
		t.Fatalf("FULLRESYNC line = %q", v.String())
	}

	var snapshot bytes.Buffer
	err = r.ReadBulkPayload(false, func(chunk []byte) error {
		snapshot.Write(chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("reading snapshot payload: %v", err)
	}

	loaded := storage.NewMemory()
	defer loaded.Close()
	if err := replication.LoadSnapshot(bytes.NewReader(snapshot.Bytes()), loaded); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	got, ok, _ := loaded.Get("seed")
	if !ok || string(got) != "data" {
		t.Errorf("seed = %q, %v, want data", got, ok)
	}
}

func TestFullResyncAnnouncesCurrentOffset(t *testing.T) {
	m, _ := newMaster(t)

	encoded := protocol.EncodeCommandStrings("SET", "a", "1")
	m.Propagate(encoded)

	fc := newFeedConn(1)
	if err := m.StartReplicaFeed(fc.s); err != nil {
		t.Fatal(err)
	}

	r := protocol.NewReader(bytes.NewReader(fc.buf.bytes()))
	v, err := r.ReadNext()
	if err != nil {
		t.Fatal(err)
	}
	want := "FULLRESYNC " + m.ReplID() + " " + strconv.Itoa(len(encoded))
	if v.String() != want {
		t.Errorf("FULLRESYNC line = %q, want %q", v.String(), want)
	}

	// A replica synced at offset N counts as acked through N.
	if n := m.CountAcked(m.CurrentOffset()); n != 1 {
		t.Errorf("CountAcked(current) = %d, want 1", n)
	}
}

func TestPropagateAdvancesOffsetAndStreams(t *testing.T) {
	m, _ := newMaster(t)

	fc := newFeedConn(1)
	if err := m.StartReplicaFeed(fc.s); err != nil {
		t.Fatal(err)
	}
	headerLen := len(fc.buf.bytes())

	first := protocol.EncodeCommandStrings("SET", "k", "v")
	second := protocol.EncodeCommandStrings("DEL", "k")
	m.Propagate(first)
	m.Propagate(second)

	want := int64(len(first) + len(second))
	if got := m.CurrentOffset(); got != want {
		t.Errorf("CurrentOffset = %d, want %d", got, want)
	}

	stream := fc.buf.bytes()[headerLen:]
	r := protocol.NewReader(bytes.NewReader(stream))
	cmd, err := r.ReadCommand()
	if err != nil || cmd.Name != "SET" {
		t.Fatalf("first streamed command = %v, %v", cmd, err)
	}
	cmd, err = r.ReadCommand()
	if err != nil || cmd.Name != "DEL" {
		t.Fatalf("second streamed command = %v, %v", cmd, err)
	}
}

func TestRecordAckMonotonic(t *testing.T) {
	m, _ := newMaster(t)
	fc := newFeedConn(1)
	if err := m.StartReplicaFeed(fc.s); err != nil {
		t.Fatal(err)
	}

	m.RecordAck(fc.s, 100)
	if n := m.CountAcked(100); n != 1 {
		t.Errorf("CountAcked(100) = %d, want 1", n)
	}

	// A stale ack must not move the replica backwards.
	m.RecordAck(fc.s, 50)
	if n := m.CountAcked(100); n != 1 {
		t.Errorf("CountAcked(100) after stale ack = %d, want 1", n)
	}

	if n := m.CountAcked(101); n != 0 {
		t.Errorf("CountAcked(101) = %d, want 0", n)
	}
}

func TestWaitForAcksTimesOut(t *testing.T) {
	m, _ := newMaster(t)

	start := time.Now()
	n := m.WaitForAcks(10, 1, 50*time.Millisecond)
	if n != 0 {
		t.Errorf("WaitForAcks = %d, want 0", n)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, want ~50ms", elapsed)
	}
}

func TestWaitForAcksPromptsAndUnblocks(t *testing.T) {
	m, _ := newMaster(t)
	fc := newFeedConn(1)
	if err := m.StartReplicaFeed(fc.s); err != nil {
		t.Fatal(err)
	}

	target := m.CurrentOffset() + 1

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.RecordAck(fc.s, target)
	}()

	n := m.WaitForAcks(target, 1, time.Second)
	if n != 1 {
		t.Fatalf("WaitForAcks = %d, want 1", n)
	}

	// The prompt travels the stream as REPLCONF GETACK *.
	stream := fc.buf.bytes()
	if !bytes.Contains(stream, []byte("GETACK")) {
		t.Error("GETACK prompt not written to replica")
	}
}

func TestPropagateDetachesFailedReplica(t *testing.T) {
	m, _ := newMaster(t)

	healthy := newFeedConn(1)
	broken := newFeedConn(2)
	if err := m.StartReplicaFeed(healthy.s); err != nil {
		t.Fatal(err)
	}
	if err := m.StartReplicaFeed(broken.s); err != nil {
		t.Fatal(err)
	}
	broken.buf.setFail(true)

	m.Propagate(protocol.EncodeCommandStrings("SET", "k", "v"))

	if n := m.ReplicaCount(); n != 1 {
		t.Errorf("ReplicaCount = %d, want 1 after detach", n)
	}

	// The healthy replica still receives the stream.
	if !bytes.Contains(healthy.buf.bytes(), []byte("SET")) {
		t.Error("healthy replica missed the propagated command")
	}
}

func TestDetachReplica(t *testing.T) {
	m, _ := newMaster(t)
	fc := newFeedConn(1)
	if err := m.StartReplicaFeed(fc.s); err != nil {
		t.Fatal(err)
	}

	m.DetachReplica(fc.s)
	if n := m.ReplicaCount(); n != 0 {
		t.Errorf("ReplicaCount = %d, want 0", n)
	}

	// Detaching an unknown session is a no-op.
	m.DetachReplica(newFeedConn(2).s)
}
