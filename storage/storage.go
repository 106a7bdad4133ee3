package storage

import "time"

// Storage defines the keyspace operations used by the command layer
type Storage interface {
	// String operations
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte, expiry *time.Time) error
	IncrBy(key string, delta int64) (int64, error)
	Del(keys ...string) int64
	Exists(keys ...string) int64

	// Hash operations
	HSet(key string, fields map[string][]byte) (int64, error)
	HGet(key, field string) ([]byte, bool, error)
	HGetAll(key string) (map[string][]byte, error)

	// Stream operations
	GetStream(key string) (*Stream, bool, error)
	GetOrCreateStream(key string) (*Stream, error)
	XAdd(key, idSpec string, fields [][]byte) (EntryID, error)
	XRange(key string, start, end EntryID) ([]*StreamEntry, error)
	XReadAfter(key string, after EntryID) ([]*StreamEntry, error)
	LastID(key string) (EntryID, error)
	Subscribe(keys ...string) (*Waiter, error)

	// Expiration operations
	Expire(key string, expiry time.Time) bool
	TTL(key string) time.Duration
	PTTL(key string) time.Duration

	// Key operations
	Keys(pattern string) []string
	KeyCount() int64
	Type(key string) ValueType
	FlushAll() error

	// Snapshot iteration, used when serializing the keyspace
	ForEach(fn func(key string, value *Value) error) error

	// Direct value placement, used when loading a snapshot
	SetValue(key string, value *Value) error

	// Shutdown
	Close() error
}

// CleanupConfig tunes the background expired-key sweeper
type CleanupConfig struct {
	// Interval between sweep cycles
	Interval time.Duration
	// SampleSize is the number of keys to sample per shard per round
	SampleSize int
	// MaxRounds bounds the rounds per shard per cycle
	MaxRounds int
	// ExpiredThreshold continues sweeping a shard while this fraction of
	// sampled keys turned out to be expired
	ExpiredThreshold float64
}

// CleanupConfigDefault mirrors the incremental behavior of the original
// server: small samples, few rounds, continue only while hit rate is high.
var CleanupConfigDefault = CleanupConfig{
	Interval:         time.Second,
	SampleSize:       20,
	MaxRounds:        4,
	ExpiredThreshold: 0.25,
}
