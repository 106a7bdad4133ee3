package storage

import (
	randv2 "math/rand/v2"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shard is a slice of the keyspace with its own lock
type shard struct {
	mu   sync.RWMutex
	data map[string]*Value
}

// MemoryStorage is a sharded in-memory keyspace. Keys are distributed over
// shards by xxhash so unrelated keys do not contend on one lock.
type MemoryStorage struct {
	shards []shard

	nshards   int
	shardMask uint64

	cleanupConfig CleanupConfig
	cleanupStop   chan struct{}
	cleanupDone   chan struct{}

	rng *randv2.Rand
}

// MemoryOption configures a MemoryStorage instance
type MemoryOption func(*MemoryStorage)

// WithShardCount sets the number of shards, rounded up to a power of 2
func WithShardCount(count int) MemoryOption {
	return func(s *MemoryStorage) {
		if count > 0 {
			s.nshards = nextPowerOf2(count)
			s.shardMask = uint64(s.nshards - 1)
		}
	}
}

// WithCleanupConfig overrides the background sweeper configuration
func WithCleanupConfig(config CleanupConfig) MemoryOption {
	return func(s *MemoryStorage) {
		s.cleanupConfig = config
	}
}

// NewMemory creates an in-memory keyspace with 64 shards by default and
// starts the background expired-key sweeper.
func NewMemory(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		nshards:       64,
		shardMask:     63,
		cleanupConfig: CleanupConfigDefault,
		cleanupStop:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
		rng:           randv2.New(randv2.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.shards = make([]shard, s.nshards)
	for i := range s.shards {
		s.shards[i].data = make(map[string]*Value)
	}

	go s.sweepExpiredKeys()

	return s
}

func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

func (s *MemoryStorage) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)&s.shardMask]
}

// liveValue returns the value for key if present and not expired. It must
// be called with at least a read lock on sh. Expired values are left in
// place for the sweeper or a later write path to remove.
func liveValue(sh *shard, key string) (*Value, bool) {
	v, ok := sh.data[key]
	if !ok || v.IsExpired() {
		return nil, false
	}
	return v, true
}

// Get retrieves a string value by key
func (s *MemoryStorage) Get(key string) ([]byte, bool, error) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	v, ok := liveValue(sh, key)
	if !ok {
		expired := sh.data[key] != nil
		sh.mu.RUnlock()
		if expired {
			s.deleteExpired(key)
		}
		return nil, false, nil
	}
	if v.Type != ValueTypeString {
		sh.mu.RUnlock()
		return nil, true, ErrWrongType
	}
	sv := v.Data.(*StringValue)
	result := make([]byte, len(sv.Data))
	copy(result, sv.Data)
	sh.mu.RUnlock()

	return result, true, nil
}

// Set stores a string value with optional expiration, replacing any
// existing value regardless of its type
func (s *MemoryStorage) Set(key string, value []byte, expiry *time.Time) error {
	newValue := &Value{
		Type:   ValueTypeString,
		Data:   &StringValue{Data: append([]byte(nil), value...)},
		Expiry: expiry,
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.data[key] = newValue
	sh.mu.Unlock()

	return nil
}

// IncrBy atomically adds delta to the integer stored at key. A missing key
// counts as 0.
func (s *MemoryStorage) IncrBy(key string, delta int64) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := liveValue(sh, key)
	if !ok {
		sh.data[key] = &Value{
			Type: ValueTypeString,
			Data: &StringValue{Data: []byte(strconv.FormatInt(delta, 10))},
		}
		return delta, nil
	}

	if v.Type != ValueTypeString {
		return 0, ErrWrongType
	}
	sv := v.Data.(*StringValue)
	current, err := strconv.ParseInt(string(sv.Data), 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}

	// Detect signed overflow before committing.
	if (delta > 0 && current > 0 && current+delta < 0) ||
		(delta < 0 && current < 0 && current+delta > 0) {
		return 0, ErrNotInteger
	}

	result := current + delta
	sv.Data = []byte(strconv.FormatInt(result, 10))
	return result, nil
}

// Del deletes one or more keys
func (s *MemoryStorage) Del(keys ...string) int64 {
	deleted := int64(0)
	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		if _, exists := sh.data[key]; exists {
			delete(sh.data, key)
			deleted++
		}
		sh.mu.Unlock()
	}
	return deleted
}

// Exists counts how many of the given keys exist
func (s *MemoryStorage) Exists(keys ...string) int64 {
	count := int64(0)
	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.RLock()
		if _, ok := liveValue(sh, key); ok {
			count++
		}
		sh.mu.RUnlock()
	}
	return count
}

// HSet stores hash fields under key, creating the hash if needed. It
// returns the number of fields that did not exist before.
func (s *MemoryStorage) HSet(key string, fields map[string][]byte) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := liveValue(sh, key)
	var hv *HashValue
	if !ok {
		hv = &HashValue{Fields: make(map[string][]byte, len(fields))}
		sh.data[key] = &Value{Type: ValueTypeHash, Data: hv}
	} else {
		if v.Type != ValueTypeHash {
			return 0, ErrWrongType
		}
		hv = v.Data.(*HashValue)
	}

	added := int64(0)
	for field, value := range fields {
		if _, exists := hv.Fields[field]; !exists {
			added++
		}
		hv.Fields[field] = append([]byte(nil), value...)
	}
	return added, nil
}

// HGet retrieves a single hash field
func (s *MemoryStorage) HGet(key, field string) ([]byte, bool, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	v, ok := liveValue(sh, key)
	if !ok {
		return nil, false, nil
	}
	if v.Type != ValueTypeHash {
		return nil, false, ErrWrongType
	}
	hv := v.Data.(*HashValue)
	value, exists := hv.Fields[field]
	if !exists {
		return nil, false, nil
	}
	result := make([]byte, len(value))
	copy(result, value)
	return result, true, nil
}

// HGetAll retrieves all fields of a hash. A missing key yields an empty map.
func (s *MemoryStorage) HGetAll(key string) (map[string][]byte, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	v, ok := liveValue(sh, key)
	if !ok {
		return map[string][]byte{}, nil
	}
	if v.Type != ValueTypeHash {
		return nil, ErrWrongType
	}
	hv := v.Data.(*HashValue)
	result := make(map[string][]byte, len(hv.Fields))
	for field, value := range hv.Fields {
		result[field] = append([]byte(nil), value...)
	}
	return result, nil
}

// GetStream returns the stream stored at key, if any
func (s *MemoryStorage) GetStream(key string) (*Stream, bool, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	v, ok := liveValue(sh, key)
	if !ok {
		return nil, false, nil
	}
	if v.Type != ValueTypeStream {
		return nil, false, ErrWrongType
	}
	return v.Data.(*Stream), true, nil
}

// GetOrCreateStream returns the stream stored at key, creating an empty
// one if the key does not exist
func (s *MemoryStorage) GetOrCreateStream(key string) (*Stream, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := liveValue(sh, key)
	if ok {
		if v.Type != ValueTypeStream {
			return nil, ErrWrongType
		}
		return v.Data.(*Stream), nil
	}

	stream := NewStream()
	sh.data[key] = &Value{Type: ValueTypeStream, Data: stream}
	return stream, nil
}

// Expire sets an expiration time on an existing key
func (s *MemoryStorage) Expire(key string, expiry time.Time) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := liveValue(sh, key)
	if !ok {
		return false
	}
	v.Expiry = &expiry
	return true
}

// TTL returns the remaining time to live for a key. -1s means no expiry,
// -2s means the key does not exist.
func (s *MemoryStorage) TTL(key string) time.Duration {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	v, ok := liveValue(sh, key)
	if !ok {
		return -2 * time.Second
	}
	if v.Expiry == nil {
		return -1 * time.Second
	}
	return time.Until(*v.Expiry)
}

// PTTL returns the remaining time to live with millisecond sentinels
func (s *MemoryStorage) PTTL(key string) time.Duration {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	v, ok := liveValue(sh, key)
	if !ok {
		return -2 * time.Millisecond
	}
	if v.Expiry == nil {
		return -1 * time.Millisecond
	}
	return time.Until(*v.Expiry)
}

// Keys returns all keys matching the glob-style pattern
func (s *MemoryStorage) Keys(pattern string) []string {
	keys := make([]string, 0)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key, v := range sh.data {
			if v.IsExpired() {
				continue
			}
			if pattern == "" || pattern == "*" || MatchPattern(key, pattern) {
				keys = append(keys, key)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

// KeyCount returns the number of live keys in the keyspace. Expired
// entries the sweeper has not collected yet are not counted.
func (s *MemoryStorage) KeyCount() int64 {
	count := int64(0)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, v := range sh.data {
			if !v.IsExpired() {
				count++
			}
		}
		sh.mu.RUnlock()
	}
	return count
}

// Type returns the type of the value stored at key
func (s *MemoryStorage) Type(key string) ValueType {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	v, ok := liveValue(sh, key)
	if !ok {
		return ValueTypeNone
	}
	return v.Type
}

// FlushAll removes every key
func (s *MemoryStorage) FlushAll() error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.data = make(map[string]*Value)
		sh.mu.Unlock()
	}
	return nil
}

// ForEach visits every live key. The callback runs outside the shard locks
// so it may call back into the storage.
func (s *MemoryStorage) ForEach(fn func(key string, value *Value) error) error {
	for i := range s.shards {
		sh := &s.shards[i]

		type pair struct {
			key   string
			value *Value
		}
		sh.mu.RLock()
		pairs := make([]pair, 0, len(sh.data))
		for key, v := range sh.data {
			if v.IsExpired() {
				continue
			}
			pairs = append(pairs, pair{key, v})
		}
		sh.mu.RUnlock()

		for _, p := range pairs {
			if err := fn(p.key, p.value); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetValue places a value directly under key, used when loading a snapshot
func (s *MemoryStorage) SetValue(key string, value *Value) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.data[key] = value
	sh.mu.Unlock()
	return nil
}

// Close stops the background sweeper
func (s *MemoryStorage) Close() error {
	close(s.cleanupStop)
	<-s.cleanupDone
	return nil
}

// deleteExpired removes key if it is still expired under the write lock
func (s *MemoryStorage) deleteExpired(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	if v, exists := sh.data[key]; exists && v.IsExpired() {
		delete(sh.data, key)
	}
	sh.mu.Unlock()
}

// sweepExpiredKeys periodically samples each shard for expired keys so the
// keyspace does not fill with dead entries nobody reads again.
func (s *MemoryStorage) sweepExpiredKeys() {
	defer close(s.cleanupDone)

	config := s.cleanupConfig
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			for i := range s.shards {
				s.sweepShard(&s.shards[i], config)
			}
		}
	}
}

func (s *MemoryStorage) sweepShard(sh *shard, config CleanupConfig) {
	for round := 0; round < config.MaxRounds; round++ {
		expired := s.sampleExpired(sh, config.SampleSize)
		if len(expired) == 0 {
			return
		}

		sh.mu.Lock()
		for _, key := range expired {
			// Recheck under the write lock, the key may have been
			// overwritten since sampling.
			if v, exists := sh.data[key]; exists && v.IsExpired() {
				delete(sh.data, key)
			}
		}
		sh.mu.Unlock()

		if float64(len(expired))/float64(config.SampleSize) < config.ExpiredThreshold {
			return
		}
		runtime.Gosched()
	}
}

// sampleExpired picks up to sampleSize keys from the shard by reservoir
// sampling and returns the ones whose values have expired.
func (s *MemoryStorage) sampleExpired(sh *shard, sampleSize int) []string {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if len(sh.data) == 0 {
		return nil
	}

	n := sampleSize
	if len(sh.data) < n {
		n = len(sh.data)
	}

	sampled := make([]string, 0, n)
	i := 0
	for key := range sh.data {
		if i < n {
			sampled = append(sampled, key)
		} else if j := s.rng.IntN(i + 1); j < n {
			sampled[j] = key
		}
		i++
	}

	expired := make([]string, 0, len(sampled))
	for _, key := range sampled {
		if v, exists := sh.data[key]; exists && v.IsExpired() {
			expired = append(expired, key)
		}
	}
	return expired
}

// XAdd appends an entry to the stream at key, creating the stream first if
// the key does not exist
func (s *MemoryStorage) XAdd(key, idSpec string, fields [][]byte) (EntryID, error) {
	stream, err := s.GetOrCreateStream(key)
	if err != nil {
		return EntryID{}, err
	}
	return stream.Add(idSpec, fields)
}

// XRange returns stream entries with start <= ID <= end. A missing key
// yields an empty result.
func (s *MemoryStorage) XRange(key string, start, end EntryID) ([]*StreamEntry, error) {
	stream, ok, err := s.GetStream(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return stream.Range(start, end), nil
}

// XReadAfter returns stream entries with ID strictly greater than after
func (s *MemoryStorage) XReadAfter(key string, after EntryID) ([]*StreamEntry, error) {
	stream, ok, err := s.GetStream(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return stream.ReadAfter(after), nil
}

// LastID returns the last entry ID of the stream at key, or 0-0 if the key
// does not exist
func (s *MemoryStorage) LastID(key string) (EntryID, error) {
	stream, ok, err := s.GetStream(key)
	if err != nil {
		return EntryID{}, err
	}
	if !ok {
		return EntryID{}, nil
	}
	return stream.LastID(), nil
}

// Subscribe registers a waiter on every named stream, creating empty
// streams for keys that do not exist yet so a reader can block on them.
func (s *MemoryStorage) Subscribe(keys ...string) (*Waiter, error) {
	w := &Waiter{ch: make(chan struct{}, 1)}
	for _, key := range keys {
		stream, err := s.GetOrCreateStream(key)
		if err != nil {
			w.Close()
			return nil, err
		}
		stream.Subscribe(w.ch)
		w.streams = append(w.streams, stream)
	}
	return w, nil
}
