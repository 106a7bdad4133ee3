// Package server accepts client connections and runs the RESP serve loop.
//
// Each connection gets its own goroutine, reader/writer pair and dispatcher
// session. Command errors are error replies; protocol errors are fatal to
// the connection. A connection that completes PSYNC stays in the same loop,
// which from then on only carries REPLCONF ACK traffic back from the
// replica while the replication master writes the command stream.
package server
