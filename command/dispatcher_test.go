package command_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/command"
	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// testConn binds a session to a buffer so replies can be decoded back
type testConn struct {
	s   *command.Session
	buf *bytes.Buffer
}

func newTestConn(id int64) *testConn {
	buf := &bytes.Buffer{}
	return &testConn{
		s:   command.NewSession(id, nil, protocol.NewWriter(buf)),
		buf: buf,
	}
}

func newTestDispatcher(t *testing.T) *command.Dispatcher {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { store.Close() })
	return command.NewDispatcher(store, command.ServerConfig{Dir: "/tmp", DBFilename: "dump.rdb"})
}

func mkcmd(args ...string) *protocol.Command {
	c := &protocol.Command{Name: strings.ToUpper(args[0])}
	for _, a := range args[1:] {
		c.Args = append(c.Args, []byte(a))
	}
	return c
}

// do dispatches one command and decodes its reply
func do(t *testing.T, d *command.Dispatcher, c *testConn, args ...string) protocol.Value {
	t.Helper()
	c.buf.Reset()
	if err := d.Dispatch(c.s, mkcmd(args...)); err != nil {
		t.Fatalf("Dispatch(%v) error = %v", args, err)
	}
	r := protocol.NewReader(c.buf)
	v, err := r.ReadNext()
	if err != nil {
		t.Fatalf("decoding reply for %v: %v", args, err)
	}
	return v
}

func TestPingEcho(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	if v := do(t, d, c, "PING"); v.String() != "PONG" {
		t.Errorf("PING = %s, want PONG", v.String())
	}
	if v := do(t, d, c, "PING", "hello"); v.String() != "hello" {
		t.Errorf("PING hello = %s", v.String())
	}
	if v := do(t, d, c, "ECHO", "hey"); v.String() != "hey" {
		t.Errorf("ECHO = %s", v.String())
	}
}

func TestSetGet(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	if v := do(t, d, c, "SET", "k", "v"); v.String() != "OK" {
		t.Fatalf("SET = %s", v.String())
	}
	if v := do(t, d, c, "GET", "k"); v.String() != "v" {
		t.Errorf("GET = %s", v.String())
	}
	if v := do(t, d, c, "GET", "missing"); !v.IsNull {
		t.Errorf("GET missing = %v, want null", v)
	}
}

func TestSetWithExpiry(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	do(t, d, c, "SET", "k", "v", "PX", "40")
	if v := do(t, d, c, "GET", "k"); v.IsNull {
		t.Fatal("key should exist before expiry")
	}

	time.Sleep(80 * time.Millisecond)
	if v := do(t, d, c, "GET", "k"); !v.IsNull {
		t.Errorf("GET after expiry = %v, want null", v)
	}

	if v := do(t, d, c, "SET", "k", "v", "PX", "abc"); !v.IsError() {
		t.Errorf("SET PX abc = %v, want error", v)
	}
	if v := do(t, d, c, "SET", "k", "v", "BOGUS"); !v.IsError() {
		t.Errorf("SET BOGUS = %v, want syntax error", v)
	}
}

func TestIncr(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	if v := do(t, d, c, "INCR", "n"); v.Integer != 1 {
		t.Errorf("INCR missing = %d, want 1", v.Integer)
	}
	do(t, d, c, "SET", "n", "41")
	if v := do(t, d, c, "INCR", "n"); v.Integer != 42 {
		t.Errorf("INCR = %d, want 42", v.Integer)
	}

	do(t, d, c, "SET", "text", "abc")
	v := do(t, d, c, "INCR", "text")
	if !v.IsError() || !strings.Contains(v.Error(), "not an integer") {
		t.Errorf("INCR text = %v, want not-an-integer error", v)
	}
}

func TestTypeCommand(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	do(t, d, c, "SET", "s", "v")
	do(t, d, c, "XADD", "st", "1-1", "f", "v")
	do(t, d, c, "HSET", "h", "f", "v")

	for _, tt := range [][2]string{
		{"s", "string"}, {"st", "stream"}, {"h", "hash"}, {"missing", "none"},
	} {
		if v := do(t, d, c, "TYPE", tt[0]); v.String() != tt[1] {
			t.Errorf("TYPE %s = %s, want %s", tt[0], v.String(), tt[1])
		}
	}
}

func TestWrongTypeReply(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	do(t, d, c, "XADD", "st", "1-1", "f", "v")
	v := do(t, d, c, "GET", "st")
	if !v.IsError() || !strings.HasPrefix(v.Error(), "WRONGTYPE") {
		t.Errorf("GET stream = %v, want WRONGTYPE error", v)
	}
}

func TestDelExistsKeys(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	do(t, d, c, "SET", "a", "1")
	do(t, d, c, "SET", "b", "2")

	if v := do(t, d, c, "EXISTS", "a", "b", "c"); v.Integer != 2 {
		t.Errorf("EXISTS = %d, want 2", v.Integer)
	}
	if v := do(t, d, c, "DEL", "a", "c"); v.Integer != 1 {
		t.Errorf("DEL = %d, want 1", v.Integer)
	}
	if v := do(t, d, c, "KEYS", "*"); len(v.Array) != 1 || v.Array[0].String() != "b" {
		t.Errorf("KEYS * = %v", v.Array)
	}
}

func TestHashCommands(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	if v := do(t, d, c, "HSET", "h", "name", "alice", "age", "30"); v.Integer != 2 {
		t.Errorf("HSET = %d, want 2", v.Integer)
	}
	if v := do(t, d, c, "HGET", "h", "name"); v.String() != "alice" {
		t.Errorf("HGET = %s", v.String())
	}
	if v := do(t, d, c, "HGET", "h", "missing"); !v.IsNull {
		t.Errorf("HGET missing field = %v, want null", v)
	}

	v := do(t, d, c, "HGETALL", "h")
	if len(v.Array) != 4 {
		t.Fatalf("HGETALL returned %d items, want 4", len(v.Array))
	}
	pairs := map[string]string{}
	for i := 0; i < len(v.Array); i += 2 {
		pairs[v.Array[i].String()] = v.Array[i+1].String()
	}
	if pairs["name"] != "alice" || pairs["age"] != "30" {
		t.Errorf("HGETALL = %v", pairs)
	}

	if v := do(t, d, c, "HSET", "h", "odd"); !v.IsError() {
		t.Errorf("HSET odd args = %v, want arity error", v)
	}
}

func TestUnknownAndArity(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	v := do(t, d, c, "NOSUCHCMD")
	if !v.IsError() || !strings.Contains(v.Error(), "unknown command") {
		t.Errorf("unknown command reply = %v", v)
	}
	v = do(t, d, c, "GET")
	if !v.IsError() || !strings.Contains(v.Error(), "wrong number of arguments") {
		t.Errorf("arity reply = %v", v)
	}
	// The connection keeps working after a command error.
	if v := do(t, d, c, "PING"); v.String() != "PONG" {
		t.Errorf("PING after error = %s", v.String())
	}
}

func TestTTLCommands(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	do(t, d, c, "SET", "k", "v", "EX", "100")
	if v := do(t, d, c, "TTL", "k"); v.Integer <= 0 || v.Integer > 100 {
		t.Errorf("TTL = %d, want within (0,100]", v.Integer)
	}
	if v := do(t, d, c, "PTTL", "k"); v.Integer <= 0 || v.Integer > 100000 {
		t.Errorf("PTTL = %d", v.Integer)
	}

	do(t, d, c, "SET", "forever", "v")
	if v := do(t, d, c, "TTL", "forever"); v.Integer != -1 {
		t.Errorf("TTL without expiry = %d, want -1", v.Integer)
	}
	if v := do(t, d, c, "TTL", "missing"); v.Integer != -2 {
		t.Errorf("TTL missing = %d, want -2", v.Integer)
	}
}

func TestConfigGet(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	v := do(t, d, c, "CONFIG", "GET", "dir")
	if len(v.Array) != 2 || v.Array[0].String() != "dir" || v.Array[1].String() != "/tmp" {
		t.Errorf("CONFIG GET dir = %v", v.Array)
	}
	v = do(t, d, c, "CONFIG", "GET", "dbfilename")
	if len(v.Array) != 2 || v.Array[1].String() != "dump.rdb" {
		t.Errorf("CONFIG GET dbfilename = %v", v.Array)
	}
}

func TestInfoWithoutReplication(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	v := do(t, d, c, "INFO")
	if !strings.Contains(v.String(), "role:master") {
		t.Errorf("INFO = %q, want role:master", v.String())
	}
}

// fakeRepl records propagated commands for dispatcher tests
type fakeRepl struct {
	mu         sync.Mutex
	propagated [][]byte
	offset     int64
	acked      int
}

func (f *fakeRepl) Role() string   { return command.RoleMaster }
func (f *fakeRepl) ReplID() string { return "0123456789abcdef0123456789abcdef01234567" }
func (f *fakeRepl) CurrentOffset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}
func (f *fakeRepl) ReplicaCount() int { return f.acked }
func (f *fakeRepl) Propagate(encoded []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.propagated = append(f.propagated, append([]byte(nil), encoded...))
	f.offset += int64(len(encoded))
}
func (f *fakeRepl) CountAcked(offset int64) int { return f.acked }
func (f *fakeRepl) WaitForAcks(offset int64, count int, timeout time.Duration) int {
	return f.acked
}
func (f *fakeRepl) StartReplicaFeed(s *command.Session) error       { return nil }
func (f *fakeRepl) RecordAck(s *command.Session, offset int64)      {}
func (f *fakeRepl) NoteListeningPort(s *command.Session, p string)  {}

func (f *fakeRepl) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, raw := range f.propagated {
		r := protocol.NewReader(bytes.NewReader(raw))
		cmd, err := r.ReadCommand()
		if err != nil {
			names = append(names, "?")
			continue
		}
		names = append(names, cmd.Name)
	}
	return names
}

func TestWritePropagation(t *testing.T) {
	d := newTestDispatcher(t)
	repl := &fakeRepl{}
	d.SetReplication(repl)
	c := newTestConn(1)

	do(t, d, c, "SET", "k", "v")
	do(t, d, c, "GET", "k")
	do(t, d, c, "INCR", "k") // fails: not an integer
	do(t, d, c, "INCR", "counter")
	do(t, d, c, "DEL", "missing") // deletes nothing

	got := repl.commands()
	want := []string{"SET", "INCR"}
	if len(got) != len(want) {
		t.Fatalf("propagated %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("propagated[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// The offset advanced by the canonical encoded size of each command.
	wantOffset := int64(len(protocol.EncodeCommandStrings("SET", "k", "v")) +
		len(protocol.EncodeCommandStrings("INCR", "counter")))
	if repl.CurrentOffset() != wantOffset {
		t.Errorf("offset = %d, want %d", repl.CurrentOffset(), wantOffset)
	}
}

func TestXAddAutoIDPropagatedConcrete(t *testing.T) {
	d := newTestDispatcher(t)
	repl := &fakeRepl{}
	d.SetReplication(repl)
	c := newTestConn(1)

	v := do(t, d, c, "XADD", "st", "*", "f", "v")
	generated := v.String()

	repl.mu.Lock()
	raw := repl.propagated[0]
	repl.mu.Unlock()
	cmd, err := protocol.NewReader(bytes.NewReader(raw)).ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Arg(1) != generated {
		t.Errorf("propagated ID = %s, want the generated %s", cmd.Arg(1), generated)
	}
	if cmd.Arg(1) == "*" {
		t.Error("auto ID was propagated unresolved")
	}
}

func TestWaitReturnsAckCount(t *testing.T) {
	d := newTestDispatcher(t)
	repl := &fakeRepl{acked: 2}
	d.SetReplication(repl)
	c := newTestConn(1)

	if v := do(t, d, c, "WAIT", "2", "100"); v.Integer != 2 {
		t.Errorf("WAIT = %d, want 2", v.Integer)
	}
	if v := do(t, d, c, "WAIT", "x", "100"); !v.IsError() {
		t.Errorf("WAIT x = %v, want error", v)
	}
}

func TestReplConf(t *testing.T) {
	d := newTestDispatcher(t)
	repl := &fakeRepl{}
	d.SetReplication(repl)
	c := newTestConn(1)

	if v := do(t, d, c, "REPLCONF", "listening-port", "6380"); v.String() != "OK" {
		t.Errorf("REPLCONF listening-port = %s", v.String())
	}
	if v := do(t, d, c, "REPLCONF", "capa", "psync2"); v.String() != "OK" {
		t.Errorf("REPLCONF capa = %s", v.String())
	}

	// ACK produces no reply at all.
	c.buf.Reset()
	if err := d.Dispatch(c.s, mkcmd("REPLCONF", "ACK", "100")); err != nil {
		t.Fatal(err)
	}
	if c.buf.Len() != 0 {
		t.Errorf("REPLCONF ACK wrote %q, want nothing", c.buf.String())
	}
}
