// Package protocol implements the RESP wire protocol.
//
// It provides a streaming Reader that parses RESP values without unnecessary
// allocations, a buffered Writer for the typed reply formats, and a canonical
// command encoder whose byte output is the unit of replication offset
// accounting.
//
// Requests are arrays of bulk strings; replies are simple strings, errors,
// integers, bulk strings, arrays, or the null forms of bulk string and array.
package protocol
