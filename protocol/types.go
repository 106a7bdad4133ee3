package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType represents the type of a RESP value
type ValueType byte

const (
	// RESP value types
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

// Value represents a parsed RESP value
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// Reply constructors used by command handlers and tests.

// SimpleString returns a simple status string value
func SimpleString(s string) Value {
	return Value{Type: TypeSimpleString, Data: []byte(s)}
}

// OK is the canonical "+OK" reply
func OK() Value {
	return SimpleString("OK")
}

// Err returns an error value with the given message
func Err(msg string) Value {
	return Value{Type: TypeError, Data: []byte(msg)}
}

// Errf returns a formatted error value
func Errf(format string, args ...interface{}) Value {
	return Err(fmt.Sprintf(format, args...))
}

// Integer returns an integer value
func Integer(n int64) Value {
	return Value{Type: TypeInteger, Integer: n}
}

// BulkString returns a bulk string value
func BulkString(data []byte) Value {
	return Value{Type: TypeBulkString, Data: data}
}

// BulkStringFromString returns a bulk string value from a string
func BulkStringFromString(s string) Value {
	return BulkString([]byte(s))
}

// NullBulkString returns the null bulk string value ($-1)
func NullBulkString() Value {
	return Value{Type: TypeBulkString, IsNull: true}
}

// Array returns an array value
func Array(values ...Value) Value {
	if values == nil {
		values = []Value{}
	}
	return Value{Type: TypeArray, Array: values}
}

// NullArray returns the null array value (*-1)
func NullArray() Value {
	return Value{Type: TypeArray, IsNull: true}
}

// String returns a string representation of the value
func (v Value) String() string {
	switch v.Type {
	case TypeSimpleString, TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulkString:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// Bytes returns the byte representation of the value
func (v Value) Bytes() []byte {
	return v.Data
}

// Int returns the integer value, or 0 if not an integer
func (v Value) Int() int64 {
	return v.Integer
}

// IsError returns true if this is an error value
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// Error returns the error message if this is an error value
func (v Value) Error() string {
	if v.Type == TypeError {
		return string(v.Data)
	}
	return ""
}

// Command represents a command parsed from a RESP array of bulk strings
type Command struct {
	Name string
	Args [][]byte
}

// ParseCommand parses a RESP array value into a Command
func ParseCommand(v Value) (*Command, error) {
	if v.Type != TypeArray || len(v.Array) == 0 {
		return nil, fmt.Errorf("invalid command format")
	}

	cmd := &Command{
		Args: make([][]byte, len(v.Array)-1),
	}

	// First element is the command name
	if v.Array[0].Type != TypeBulkString {
		return nil, fmt.Errorf("command name must be bulk string")
	}
	cmd.Name = strings.ToUpper(string(v.Array[0].Data))

	// Remaining elements are arguments
	for i := 1; i < len(v.Array); i++ {
		if v.Array[i].Type != TypeBulkString {
			return nil, fmt.Errorf("command arguments must be bulk strings")
		}
		cmd.Args[i-1] = v.Array[i].Data
	}

	return cmd, nil
}

// Arg returns argument i as a string, or "" if out of range
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return string(c.Args[i])
}

// String returns a string representation of the command
func (c *Command) String() string {
	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = string(arg)
	}
	return c.Name + " " + strings.Join(args, " ")
}
