package protocol

import "strconv"

// Canonical command encoding.
//
// Replication measures its offset in bytes of the command stream, so the master
// and its replicas must agree on the exact byte representation of every
// propagated command. The canonical form is the RESP array-of-bulk-strings
// encoding produced here; the master propagates exactly these bytes and both
// sides advance their offsets by their length.

// EncodeCommand returns the canonical RESP encoding of a command
func EncodeCommand(name string, args ...[]byte) []byte {
	buf := make([]byte, 0, encodedSize(len(name), args))
	buf = appendHeader(buf, '*', int64(1+len(args)))
	buf = appendBulk(buf, []byte(name))
	for _, arg := range args {
		buf = appendBulk(buf, arg)
	}
	return buf
}

// EncodeCommandStrings is EncodeCommand for string arguments
func EncodeCommandStrings(name string, args ...string) []byte {
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	return EncodeCommand(name, raw...)
}

// Encode returns the canonical RESP encoding of the command
func (c *Command) Encode() []byte {
	return EncodeCommand(c.Name, c.Args...)
}

// EncodedSize returns the length in bytes of the canonical encoding without
// materializing it
func (c *Command) EncodedSize() int {
	return encodedSize(len(c.Name), c.Args)
}

func encodedSize(nameLen int, args [][]byte) int {
	n := headerSize(int64(1 + len(args)))
	n += bulkSize(nameLen)
	for _, arg := range args {
		n += bulkSize(len(arg))
	}
	return n
}

// headerSize is the size of a type marker, decimal count and CRLF
func headerSize(count int64) int {
	return 1 + decimalLen(count) + 2
}

// bulkSize is the size of a fully framed bulk string of payload length n
func bulkSize(n int) int {
	return headerSize(int64(n)) + n + 2
}

func decimalLen(n int64) int {
	if n == 0 {
		return 1
	}
	l := 0
	if n < 0 {
		l = 1
		n = -n
	}
	for n > 0 {
		l++
		n /= 10
	}
	return l
}

func appendHeader(buf []byte, marker byte, n int64) []byte {
	buf = append(buf, marker)
	buf = strconv.AppendInt(buf, n, 10)
	return append(buf, crlfBytes...)
}

func appendBulk(buf []byte, data []byte) []byte {
	buf = appendHeader(buf, '$', int64(len(data)))
	buf = append(buf, data...)
	return append(buf, crlfBytes...)
}
