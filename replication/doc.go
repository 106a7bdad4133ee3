// Package replication implements both sides of master/replica streaming.
//
// A master accepts REPLCONF/PSYNC handshakes, sends a point-in-time RDB
// snapshot of the keyspace, then streams every subsequent write command to
// each registered replica. The replication offset counts bytes of the
// canonical command encoding; replicas report progress with REPLCONF ACK
// and the master resolves WAIT against those acknowledgments.
//
// A replica dials its master, performs the handshake, loads the snapshot
// into local storage, and applies the command stream through the regular
// dispatcher path with replies suppressed. Applied writes are not
// re-propagated.
//
// The RDB codec in this package reads the subset of the format the server
// produces plus common encodings found in real dumps (length encodings,
// integer strings, LZF-compressed strings, millisecond expiry).
package replication
