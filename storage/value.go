package storage

import (
	"errors"
	"time"
)

// Storage-level errors surfaced to the command layer, which maps them to
// client-facing RESP error replies.
var (
	// ErrWrongType is returned when an operation targets a key holding a
	// different data type.
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

	// ErrNotInteger is returned when an arithmetic operation targets a
	// string value that does not parse as a 64-bit signed integer.
	ErrNotInteger = errors.New("value is not an integer or out of range")

	// ErrInvalidEntryID is returned when a stream entry ID cannot be parsed.
	ErrInvalidEntryID = errors.New("invalid stream ID specified as stream command argument")

	// ErrEntryIDZero is returned when an XADD specifies the reserved 0-0 ID.
	ErrEntryIDZero = errors.New("the ID specified in XADD must be greater than 0-0")

	// ErrEntryIDTooSmall is returned when an XADD specifies an ID that does
	// not sort after the stream's current last entry.
	ErrEntryIDTooSmall = errors.New("the ID specified in XADD is equal or smaller than the target stream top item")
)

// ValueType represents the data type held by a key
type ValueType int

const (
	ValueTypeNone ValueType = iota
	ValueTypeString
	ValueTypeHash
	ValueTypeStream
)

// String returns the type name as reported by the TYPE command
func (vt ValueType) String() string {
	switch vt {
	case ValueTypeString:
		return "string"
	case ValueTypeHash:
		return "hash"
	case ValueTypeStream:
		return "stream"
	default:
		return "none"
	}
}

// Value represents a stored value with metadata
type Value struct {
	Type   ValueType
	Data   interface{}
	Expiry *time.Time
}

// IsExpired returns true if the value has expired
func (v *Value) IsExpired() bool {
	return v.Expiry != nil && time.Now().After(*v.Expiry)
}

// StringValue represents a string value
type StringValue struct {
	Data []byte
}

// HashValue represents a hash value
type HashValue struct {
	Fields map[string][]byte
}
