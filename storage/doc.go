// Package storage provides the in-memory keyspace for the server.
//
// The keyspace is sharded by key hash so independent keys do not contend
// on a single lock. Values are typed (string, hash, stream) and carry an
// optional expiration time. Expired keys are removed lazily on access and
// proactively by a background sampling sweeper.
//
// Streams keep their entries in a concurrent ordered map keyed by entry ID
// and maintain a registry of blocked readers that are woken in FIFO order
// when entries are appended.
package storage
