package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	// CRLF is the RESP line terminator
	CRLF = "\r\n"

	// maxBulkSize is the maximum size for bulk strings (1GB)
	maxBulkSize = 1024 * 1024 * 1024

	// maxArraySize is the maximum size for arrays
	maxArraySize = 1024 * 1024
)

var crlfBytes = []byte(CRLF)

// Reader is a streaming RESP reader. It tracks the number of bytes consumed
// from the underlying stream so replication can account offsets precisely.
type Reader struct {
	br       *bufio.Reader
	consumed int64
}

// NewReader creates a new streaming RESP reader
func NewReader(r io.Reader) *Reader {
	return &Reader{
		br: bufio.NewReader(r),
	}
}

// BytesConsumed returns the total number of bytes read from the stream
func (r *Reader) BytesConsumed() int64 {
	return r.consumed
}

// ReadNext reads the next RESP value from the stream
func (r *Reader) ReadNext() (Value, error) {
	typeByte, err := r.readByte()
	if err != nil {
		return Value{}, err
	}

	switch ValueType(typeByte) {
	case TypeSimpleString, TypeError:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: ValueType(typeByte), Data: line}, nil

	case TypeInteger:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		n, err := parseInt64(line)
		if err != nil {
			return Value{}, fmt.Errorf("invalid integer: %s", line)
		}
		return Value{Type: TypeInteger, Integer: n}, nil

	case TypeBulkString:
		return r.readBulkString()

	case TypeArray:
		return r.readArray()

	default:
		if typeByte == 0 {
			return Value{}, fmt.Errorf("unknown RESP type: empty byte (connection may be closed)")
		}
		return Value{}, fmt.Errorf("unknown RESP type: %c (0x%02x)", typeByte, typeByte)
	}
}

// ReadCommand reads the next value and parses it as a command
func (r *Reader) ReadCommand() (*Command, error) {
	v, err := r.ReadNext()
	if err != nil {
		return nil, err
	}
	return ParseCommand(v)
}

// readBulkString reads a bulk string value
func (r *Reader) readBulkString() (Value, error) {
	length, err := r.readLength("bulk string", maxBulkSize)
	if err != nil {
		return Value{}, err
	}
	if length == -1 {
		return Value{Type: TypeBulkString, IsNull: true}, nil
	}

	data := make([]byte, length)
	if err := r.readFull(data); err != nil {
		return Value{}, err
	}
	if err := r.expectCRLF(); err != nil {
		return Value{}, err
	}

	return Value{Type: TypeBulkString, Data: data}, nil
}

// readArray reads an array value
func (r *Reader) readArray() (Value, error) {
	length, err := r.readLength("array", maxArraySize)
	if err != nil {
		return Value{}, err
	}
	if length == -1 {
		return Value{Type: TypeArray, IsNull: true}, nil
	}

	array := make([]Value, length)
	for i := int64(0); i < length; i++ {
		value, err := r.ReadNext()
		if err != nil {
			return Value{}, err
		}
		array[i] = value
	}

	return Value{Type: TypeArray, Array: array}, nil
}

// ReadBulkPayload reads a bulk string in chunks, calling fn for each chunk.
// When trailingCRLF is false the payload is not CRLF-terminated; that is the
// framing used for the snapshot payload following a FULLRESYNC reply.
func (r *Reader) ReadBulkPayload(trailingCRLF bool, fn func(chunk []byte) error) error {
	typeByte, err := r.readByte()
	if err != nil {
		return err
	}
	if ValueType(typeByte) != TypeBulkString {
		return fmt.Errorf("expected bulk string, got %c", typeByte)
	}

	length, err := r.readLength("bulk string", maxBulkSize)
	if err != nil {
		return err
	}
	if length == -1 {
		return fn(nil)
	}

	const chunkSize = 8192
	buffer := make([]byte, chunkSize)
	remaining := length

	for remaining > 0 {
		toRead := chunkSize
		if remaining < int64(chunkSize) {
			toRead = int(remaining)
		}

		if err := r.readFull(buffer[:toRead]); err != nil {
			return err
		}
		if err := fn(buffer[:toRead]); err != nil {
			return err
		}

		remaining -= int64(toRead)
	}

	if trailingCRLF {
		return r.expectCRLF()
	}
	return nil
}

// Skip skips the next RESP value without parsing it completely
func (r *Reader) Skip() error {
	typeByte, err := r.readByte()
	if err != nil {
		return err
	}

	switch ValueType(typeByte) {
	case TypeSimpleString, TypeError, TypeInteger:
		_, err := r.readLine()
		return err

	case TypeBulkString:
		length, err := r.readLength("bulk string", maxBulkSize)
		if err != nil {
			return err
		}
		if length == -1 {
			return nil
		}
		return r.discard(int(length) + 2)

	case TypeArray:
		length, err := r.readLength("array", maxArraySize)
		if err != nil {
			return err
		}
		if length == -1 {
			return nil
		}
		for i := int64(0); i < length; i++ {
			if err := r.Skip(); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown RESP type: %c", typeByte)
	}
}

// readLength reads a CRLF-terminated decimal length with validation.
// -1 is returned for the null marker.
func (r *Reader) readLength(what string, max int64) (int64, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}

	length, err := parseInt64(line)
	if err != nil {
		return 0, fmt.Errorf("invalid %s length: %s", what, line)
	}

	if length == -1 {
		return -1, nil
	}
	if length < 0 || length > max {
		return 0, fmt.Errorf("invalid %s length: %d", what, length)
	}
	return length, nil
}

// readLine reads a line terminated by CRLF
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	r.consumed += int64(len(line))
	if err != nil {
		return nil, fmt.Errorf("failed to read line: %w", err)
	}

	if len(line) < 2 {
		return nil, fmt.Errorf("line too short (%d bytes), expected CRLF terminator", len(line))
	}
	if !bytes.HasSuffix(line, crlfBytes) {
		lastTwo := line[len(line)-2:]
		return nil, fmt.Errorf("missing CRLF terminator, got [%d, %d] instead of [13, 10]", lastTwo[0], lastTwo[1])
	}

	return line[:len(line)-2], nil
}

// expectCRLF reads and validates a CRLF terminator
func (r *Reader) expectCRLF() error {
	crlf := make([]byte, 2)
	if err := r.readFull(crlf); err != nil {
		return fmt.Errorf("failed to read CRLF terminator: %w", err)
	}
	if !bytes.Equal(crlf, crlfBytes) {
		return fmt.Errorf("expected CRLF terminator [13, 10], got [%d, %d]", crlf[0], crlf[1])
	}
	return nil
}

func (r *Reader) readByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err == nil {
		r.consumed++
	}
	return b, err
}

func (r *Reader) readFull(buf []byte) error {
	n, err := io.ReadFull(r.br, buf)
	r.consumed += int64(n)
	return err
}

func (r *Reader) discard(n int) error {
	d, err := r.br.Discard(n)
	r.consumed += int64(d)
	return err
}

// parseInt64 parses an int64 from a byte slice without allocation
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	var i int

	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	}

	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}
		n = n*10 + int64(b[i]-'0')
	}

	if neg {
		return -n, nil
	}
	return n, nil
}
