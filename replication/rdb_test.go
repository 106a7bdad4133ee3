package replication_test

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/replication"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

func TestSnapshotRoundTrip(t *testing.T) {
	src := storage.NewMemory()
	defer src.Close()

	if err := src.Set("plain", []byte("value"), nil); err != nil {
		t.Fatal(err)
	}
	expiry := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := src.Set("volatile", []byte("expires"), &expiry); err != nil {
		t.Fatal(err)
	}
	if _, err := src.HSet("h", map[string][]byte{"f1": []byte("v1"), "f2": []byte("v2")}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := replication.WriteSnapshot(&buf, src); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	dst := storage.NewMemory()
	defer dst.Close()
	if err := replication.LoadSnapshot(bytes.NewReader(buf.Bytes()), dst); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	got, ok, err := dst.Get("plain")
	if err != nil || !ok {
		t.Fatalf("Get(plain) = %q, %v, %v", got, ok, err)
	}
	if string(got) != "value" {
		t.Errorf("plain = %q, want value", got)
	}

	got, ok, err = dst.Get("volatile")
	if err != nil || !ok {
		t.Fatalf("Get(volatile) = %q, %v, %v", got, ok, err)
	}
	if string(got) != "expires" {
		t.Errorf("volatile = %q, want expires", got)
	}
	if ttl := dst.TTL("volatile"); ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL(volatile) = %v, want within (0, 1h]", ttl)
	}

	fields, err := dst.HGetAll("h")
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 2 || string(fields["f1"]) != "v1" || string(fields["f2"]) != "v2" {
		t.Errorf("HGetAll(h) = %v", fields)
	}
}

func TestSnapshotOmitsStreams(t *testing.T) {
	src := storage.NewMemory()
	defer src.Close()

	if err := src.Set("s", []byte("kept"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := src.XAdd("st", "1-1", [][]byte{[]byte("f"), []byte("v")}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := replication.WriteSnapshot(&buf, src); err != nil {
		t.Fatal(err)
	}

	dst := storage.NewMemory()
	defer dst.Close()
	if err := replication.LoadSnapshot(bytes.NewReader(buf.Bytes()), dst); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := dst.Get("s"); !ok {
		t.Error("string key missing after load")
	}
	if dst.Type("st") != storage.ValueTypeNone {
		t.Errorf("Type(st) = %v, want none", dst.Type("st"))
	}
}

func TestSnapshotEmptyKeyspace(t *testing.T) {
	src := storage.NewMemory()
	defer src.Close()

	var buf bytes.Buffer
	if err := replication.WriteSnapshot(&buf, src); err != nil {
		t.Fatal(err)
	}

	dst := storage.NewMemory()
	defer dst.Close()
	if err := replication.LoadSnapshot(bytes.NewReader(buf.Bytes()), dst); err != nil {
		t.Fatal(err)
	}
	if n := dst.KeyCount(); n != 0 {
		t.Errorf("KeyCount = %d, want 0", n)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	dst := storage.NewMemory()
	defer dst.Close()

	data := []byte("NOTRD0011\xff\x00\x00\x00\x00\x00\x00\x00\x00")
	if err := replication.LoadSnapshot(bytes.NewReader(data), dst); err == nil {
		t.Error("expected error for bad magic")
	}
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	dst := storage.NewMemory()
	defer dst.Close()

	data := []byte("REDIS0099\xff\x00\x00\x00\x00\x00\x00\x00\x00")
	if err := replication.LoadSnapshot(bytes.NewReader(data), dst); err == nil {
		t.Error("expected error for unsupported version")
	}
}

// buildDump assembles an RDB stream by hand so the parser can be exercised
// against encodings the writer never produces.
func buildDump(body ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("REDIS0011")
	buf.WriteByte(0xFE) // select db
	buf.WriteByte(0)
	for _, b := range body {
		buf.Write(b)
	}
	buf.WriteByte(0xFF)
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	return buf.Bytes()
}

func TestParseIntegerEncodedString(t *testing.T) {
	dst := storage.NewMemory()
	defer dst.Close()

	// type string, key "n" (len 1), value int8 encoding of 42
	entry := []byte{0x00, 0x01, 'n', 0xC0, 42}
	if err := replication.LoadSnapshot(bytes.NewReader(buildDump(entry)), dst); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	got, ok, err := dst.Get("n")
	if err != nil || !ok {
		t.Fatalf("Get(n) = %v, %v", ok, err)
	}
	if string(got) != "42" {
		t.Errorf("n = %q, want 42", got)
	}
}

func TestParseLZFEncodedString(t *testing.T) {
	dst := storage.NewMemory()
	defer dst.Close()

	// An LZF block holding the literal run "hello": ctrl 4 then 5 bytes.
	compressed := []byte{4, 'h', 'e', 'l', 'l', 'o'}
	entry := []byte{0x00, 0x01, 'k', 0xC3, byte(len(compressed)), 5}
	entry = append(entry, compressed...)

	if err := replication.LoadSnapshot(bytes.NewReader(buildDump(entry)), dst); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	got, ok, _ := dst.Get("k")
	if !ok || string(got) != "hello" {
		t.Errorf("k = %q, %v, want hello", got, ok)
	}
}

func TestParseAuxAndExpiredKey(t *testing.T) {
	dst := storage.NewMemory()
	defer dst.Close()

	aux := []byte{0xFA, 0x09}
	aux = append(aux, []byte("redis-ver")...)
	aux = append(aux, 0x05)
	aux = append(aux, []byte("7.4.0")...)

	// ms expiry opcode with a timestamp in the past, then a string entry
	var expired bytes.Buffer
	expired.WriteByte(0xFC)
	binary.Write(&expired, binary.LittleEndian, uint64(time.Now().Add(-time.Minute).UnixMilli()))
	expired.Write([]byte{0x00, 0x04})
	expired.WriteString("gone")
	expired.Write([]byte{0x01, 'x'})

	if err := replication.LoadSnapshot(bytes.NewReader(buildDump(aux, expired.Bytes())), dst); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	if _, ok, _ := dst.Get("gone"); ok {
		t.Error("expired key visible after load")
	}
}
