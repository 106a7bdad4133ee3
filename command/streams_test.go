package command_test

import (
	"strings"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
)

func TestXAddXRange(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	if v := do(t, d, c, "XADD", "st", "1-1", "temp", "36"); v.String() != "1-1" {
		t.Fatalf("XADD = %s", v.String())
	}
	do(t, d, c, "XADD", "st", "1-2", "temp", "37")
	do(t, d, c, "XADD", "st", "2-1", "temp", "38")

	v := do(t, d, c, "XRANGE", "st", "1", "1")
	if len(v.Array) != 2 {
		t.Fatalf("XRANGE 1 1 returned %d entries, want 2", len(v.Array))
	}

	entry := v.Array[0]
	if entry.Array[0].String() != "1-1" {
		t.Errorf("entry ID = %s, want 1-1", entry.Array[0].String())
	}
	fields := entry.Array[1]
	if len(fields.Array) != 2 || fields.Array[0].String() != "temp" || fields.Array[1].String() != "36" {
		t.Errorf("entry fields = %v", fields.Array)
	}

	v = do(t, d, c, "XRANGE", "st", "-", "+")
	if len(v.Array) != 3 {
		t.Errorf("XRANGE - + returned %d entries, want 3", len(v.Array))
	}

	v = do(t, d, c, "XRANGE", "st", "-", "+", "COUNT", "2")
	if len(v.Array) != 2 {
		t.Errorf("XRANGE COUNT 2 returned %d entries, want 2", len(v.Array))
	}
}

func TestXAddErrors(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	v := do(t, d, c, "XADD", "st", "0-0", "f", "v")
	if !v.IsError() || !strings.Contains(v.Error(), "greater than 0-0") {
		t.Errorf("XADD 0-0 = %v", v)
	}

	do(t, d, c, "XADD", "st", "5-5", "f", "v")
	v = do(t, d, c, "XADD", "st", "5-5", "f", "v")
	if !v.IsError() || !strings.Contains(v.Error(), "equal or smaller") {
		t.Errorf("XADD non-increasing = %v", v)
	}

	v = do(t, d, c, "XADD", "st", "notanid", "f", "v")
	if !v.IsError() {
		t.Errorf("XADD bad ID = %v", v)
	}

	v = do(t, d, c, "XADD", "st", "6-0", "odd")
	if !v.IsError() || !strings.Contains(v.Error(), "wrong number of arguments") {
		t.Errorf("XADD odd fields = %v", v)
	}
}

func TestXLen(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	if v := do(t, d, c, "XLEN", "missing"); v.Integer != 0 {
		t.Errorf("XLEN missing = %d, want 0", v.Integer)
	}
	do(t, d, c, "XADD", "st", "1-1", "f", "v")
	do(t, d, c, "XADD", "st", "1-2", "f", "v")
	if v := do(t, d, c, "XLEN", "st"); v.Integer != 2 {
		t.Errorf("XLEN = %d, want 2", v.Integer)
	}
}

func TestXReadImmediate(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	do(t, d, c, "XADD", "st", "1-1", "f", "a")
	do(t, d, c, "XADD", "st", "2-1", "f", "b")

	v := do(t, d, c, "XREAD", "STREAMS", "st", "1-1")
	if len(v.Array) != 1 {
		t.Fatalf("XREAD returned %d streams, want 1", len(v.Array))
	}
	stream := v.Array[0]
	if stream.Array[0].String() != "st" {
		t.Errorf("stream key = %s", stream.Array[0].String())
	}
	entries := stream.Array[1]
	if len(entries.Array) != 1 || entries.Array[0].Array[0].String() != "2-1" {
		t.Errorf("XREAD entries = %v, want only 2-1", entries.Array)
	}

	// Nothing newer than the last ID and no BLOCK: null array.
	v = do(t, d, c, "XREAD", "STREAMS", "st", "2-1")
	if !v.IsNull {
		t.Errorf("XREAD past end = %v, want null array", v)
	}
}

func TestXReadMultipleStreams(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	do(t, d, c, "XADD", "s1", "1-1", "f", "a")
	do(t, d, c, "XADD", "s2", "1-1", "f", "b")

	v := do(t, d, c, "XREAD", "STREAMS", "s1", "s2", "0", "0")
	if len(v.Array) != 2 {
		t.Fatalf("XREAD two streams returned %d, want 2", len(v.Array))
	}
}

func TestXReadBlockWokenByXAdd(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)
	writer := newTestConn(2)

	do(t, d, c, "XADD", "st", "1-1", "f", "old")

	type result struct {
		v   protocol.Value
		err error
	}
	done := make(chan result, 1)
	go func() {
		reader := newTestConn(3)
		err := d.Dispatch(reader.s, mkcmd("XREAD", "BLOCK", "0", "STREAMS", "st", "$"))
		r := protocol.NewReader(reader.buf)
		v, rerr := r.ReadNext()
		if err == nil {
			err = rerr
		}
		done <- result{v, err}
	}()

	// Give the reader time to pass its first check and suspend.
	time.Sleep(50 * time.Millisecond)
	do(t, d, writer, "XADD", "st", "2-1", "f", "new")

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("blocked XREAD error = %v", res.err)
		}
		entries := res.v.Array[0].Array[1]
		if len(entries.Array) != 1 || entries.Array[0].Array[0].String() != "2-1" {
			t.Errorf("blocked XREAD saw %v, want only the new 2-1 entry", entries.Array)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked XREAD was not woken by XADD")
	}
}

func TestXReadBlockTimeout(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	start := time.Now()
	v := do(t, d, c, "XREAD", "BLOCK", "60", "STREAMS", "st", "$")
	if !v.IsNull {
		t.Errorf("timed-out XREAD = %v, want null array", v)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, expected to block about 60ms", elapsed)
	}
}

func TestXReadUnbalancedStreams(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	v := do(t, d, c, "XREAD", "STREAMS", "a", "b", "0")
	if !v.IsError() || !strings.Contains(v.Error(), "Unbalanced") {
		t.Errorf("unbalanced XREAD = %v", v)
	}
}

func TestXReadWithoutStreamsKeyword(t *testing.T) {
	d := newTestDispatcher(t)
	c := newTestConn(1)

	// Every argument parses as an option, STREAMS never appears.
	cases := [][]string{
		{"XREAD", "COUNT", "1", "COUNT", "1"},
		{"XREAD", "BLOCK", "0", "COUNT", "5"},
		{"XREAD", "COUNT", "1", "BLOCK", "0"},
	}
	for _, args := range cases {
		v := do(t, d, c, args...)
		if !v.IsError() || !strings.Contains(v.Error(), "syntax error") {
			t.Errorf("%v = %v, want syntax error", args, v)
		}
	}
}
