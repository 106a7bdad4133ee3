// Package command implements the command dispatcher: the registry of
// supported commands, the per-connection session and transaction state,
// and the execution gate that orders writes against the shared keyspace.
//
// Write commands and EXEC batches run under an exclusive lock; readonly
// commands share a read lock. Blocking commands (XREAD BLOCK, WAIT)
// manage the gate themselves so a suspended connection never stalls the
// rest of the server. On a master, every effective write is handed to the
// replication layer inside the write critical section, which preserves
// execution order in the propagated stream.
package command
