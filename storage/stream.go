package storage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"
)

// EntryID identifies a stream entry. IDs order by milliseconds first and
// sequence number second.
type EntryID struct {
	Ms  uint64
	Seq uint64
}

// MinEntryID and MaxEntryID are the extremal IDs used for open-ended ranges
// ("-" and "+" in XRANGE).
var (
	MinEntryID = EntryID{Ms: 0, Seq: 0}
	MaxEntryID = EntryID{Ms: math.MaxUint64, Seq: math.MaxUint64}
)

// Less reports whether id sorts strictly before other.
func (id EntryID) Less(other EntryID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

// IsZero reports whether id is the reserved 0-0 ID.
func (id EntryID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}

// String formats the ID in its wire form "<ms>-<seq>"
func (id EntryID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

// ParseEntryID parses an explicit "<ms>-<seq>" ID. A bare "<ms>" gets
// defaultSeq as its sequence number.
func ParseEntryID(s string, defaultSeq uint64) (EntryID, error) {
	msPart := s
	seq := defaultSeq
	if i := strings.IndexByte(s, '-'); i >= 0 {
		msPart = s[:i]
		var err error
		seq, err = strconv.ParseUint(s[i+1:], 10, 64)
		if err != nil {
			return EntryID{}, ErrInvalidEntryID
		}
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return EntryID{}, ErrInvalidEntryID
	}
	return EntryID{Ms: ms, Seq: seq}, nil
}

// ParseRangeStart parses an XRANGE start bound. "-" means the smallest
// possible ID and a bare millisecond part defaults its sequence to 0.
func ParseRangeStart(s string) (EntryID, error) {
	if s == "-" {
		return MinEntryID, nil
	}
	return ParseEntryID(s, 0)
}

// ParseRangeEnd parses an XRANGE end bound. "+" means the largest possible
// ID and a bare millisecond part defaults its sequence to the maximum.
func ParseRangeEnd(s string) (EntryID, error) {
	if s == "+" {
		return MaxEntryID, nil
	}
	return ParseEntryID(s, math.MaxUint64)
}

// StreamEntry is a single entry in a stream. Fields holds alternating
// field name and value payloads in insertion order.
type StreamEntry struct {
	ID     EntryID
	Fields [][]byte
}

// Stream holds the ordered entries of a stream key together with the
// registry of blocked readers waiting for new entries.
type Stream struct {
	mu      sync.Mutex
	entries *skipmap.FuncMap[EntryID, *StreamEntry]
	lastID  EntryID
	length  int64
	waiters []chan struct{}
}

// NewStream creates an empty stream
func NewStream() *Stream {
	return &Stream{
		entries: skipmap.NewFunc[EntryID, *StreamEntry](func(a, b EntryID) bool {
			return a.Less(b)
		}),
	}
}

// Add appends an entry to the stream. The spec is the client-supplied ID
// argument: "*" auto-generates the full ID, "<ms>-*" auto-generates the
// sequence part, anything else is taken as an explicit ID which must sort
// strictly after the current last entry.
func (s *Stream) Add(spec string, fields [][]byte) (EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.resolveID(spec)
	if err != nil {
		return EntryID{}, err
	}

	entry := &StreamEntry{ID: id, Fields: fields}
	s.entries.Store(id, entry)
	s.lastID = id
	s.length++

	// Wake blocked readers in registration order.
	for _, ch := range s.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	return id, nil
}

func (s *Stream) resolveID(spec string) (EntryID, error) {
	if spec == "*" {
		now := uint64(time.Now().UnixMilli())
		if now > s.lastID.Ms {
			return EntryID{Ms: now, Seq: 0}, nil
		}
		return EntryID{Ms: s.lastID.Ms, Seq: s.lastID.Seq + 1}, nil
	}

	if strings.HasSuffix(spec, "-*") {
		ms, err := strconv.ParseUint(spec[:len(spec)-2], 10, 64)
		if err != nil {
			return EntryID{}, ErrInvalidEntryID
		}
		switch {
		case ms < s.lastID.Ms:
			return EntryID{}, ErrEntryIDTooSmall
		case ms == s.lastID.Ms:
			return EntryID{Ms: ms, Seq: s.lastID.Seq + 1}, nil
		case ms == 0:
			// 0-0 is reserved, so the first sequence at time 0 is 1.
			return EntryID{Ms: 0, Seq: 1}, nil
		default:
			return EntryID{Ms: ms, Seq: 0}, nil
		}
	}

	id, err := ParseEntryID(spec, 0)
	if err != nil {
		return EntryID{}, err
	}
	if id.IsZero() {
		return EntryID{}, ErrEntryIDZero
	}
	if !s.lastID.Less(id) {
		return EntryID{}, ErrEntryIDTooSmall
	}
	return id, nil
}

// Range returns all entries with start <= ID <= end in ascending order
func (s *Stream) Range(start, end EntryID) []*StreamEntry {
	var result []*StreamEntry
	s.entries.Range(func(id EntryID, entry *StreamEntry) bool {
		if id.Less(start) {
			return true
		}
		if end.Less(id) {
			return false
		}
		result = append(result, entry)
		return true
	})
	return result
}

// ReadAfter returns all entries with ID strictly greater than after
func (s *Stream) ReadAfter(after EntryID) []*StreamEntry {
	var result []*StreamEntry
	s.entries.Range(func(id EntryID, entry *StreamEntry) bool {
		if !after.Less(id) {
			return true
		}
		result = append(result, entry)
		return true
	})
	return result
}

// LastID returns the ID of the most recently added entry, or 0-0 for an
// empty stream
func (s *Stream) LastID() EntryID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Len returns the number of entries in the stream
func (s *Stream) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

// Subscribe registers a blocked reader's wake channel. The channel is
// signaled whenever an entry is added. Callers must Unsubscribe when done.
func (s *Stream) Subscribe(ch chan struct{}) {
	s.mu.Lock()
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()
}

// Unsubscribe removes a reader registered with Subscribe
func (s *Stream) Unsubscribe(ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Waiter is a blocked reader registered across one or more streams. A
// single wake channel is shared so a reader watching several streams
// suspends on one receive.
type Waiter struct {
	ch      chan struct{}
	streams []*Stream
}

// Chan returns the wake channel. It carries a signal after any of the
// subscribed streams gains an entry; receivers re-validate their read
// position on wake.
func (w *Waiter) Chan() <-chan struct{} {
	return w.ch
}

// Close removes the waiter from every stream it subscribed to
func (w *Waiter) Close() {
	for _, s := range w.streams {
		s.Unsubscribe(w.ch)
	}
	w.streams = nil
}
