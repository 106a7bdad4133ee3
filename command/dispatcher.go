package command

import (
	"strings"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// Server roles as reported by INFO
const (
	RoleMaster = "master"
	RoleSlave  = "slave"
)

// Replication is the dispatcher's view of the replication layer. A master
// implements propagation and acknowledgment tracking; a replica implements
// the same surface over its link to the master.
type Replication interface {
	Role() string
	ReplID() string
	CurrentOffset() int64
	ReplicaCount() int

	// Propagate hands the canonical encoding of an executed write to the
	// replication stream. Called inside the write critical section.
	Propagate(encoded []byte)

	// CountAcked returns how many replicas have acknowledged at least the
	// given offset.
	CountAcked(offset int64) int

	// WaitForAcks blocks until count replicas acknowledge offset or the
	// timeout elapses (zero means no limit), returning the acked count.
	WaitForAcks(offset int64, count int, timeout time.Duration) int

	// StartReplicaFeed answers PSYNC on the session: it writes the
	// FULLRESYNC header and snapshot payload and registers the session as
	// a replica feed.
	StartReplicaFeed(s *Session) error

	// RecordAck records a REPLCONF ACK received from a replica session.
	RecordAck(s *Session, offset int64)

	// NoteListeningPort records the replica's announced listening port.
	NoteListeningPort(s *Session, port string)
}

// Logger interface for dispatcher logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...interface{}) {}
func (noopLogger) Info(msg string, fields ...interface{})  {}
func (noopLogger) Error(msg string, fields ...interface{}) {}

// ServerConfig carries the values exposed through CONFIG GET
type ServerConfig struct {
	Dir        string
	DBFilename string
}

// Dispatcher routes parsed commands to their handlers and owns the
// execution gate over the shared keyspace.
type Dispatcher struct {
	store  storage.Storage
	gate   sync.RWMutex
	repl   Replication
	cfg    ServerConfig
	logger Logger
}

// NewDispatcher creates a dispatcher over the given keyspace
func NewDispatcher(store storage.Storage, cfg ServerConfig) *Dispatcher {
	return &Dispatcher{
		store:  store,
		cfg:    cfg,
		logger: noopLogger{},
	}
}

// SetReplication wires the replication layer. Must be called before the
// dispatcher serves replication-aware commands.
func (d *Dispatcher) SetReplication(repl Replication) {
	d.repl = repl
}

// SetLogger sets the logger
func (d *Dispatcher) SetLogger(logger Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// Store returns the underlying keyspace
func (d *Dispatcher) Store() storage.Storage {
	return d.store
}

// Dispatch executes one command for the session and writes its reply. The
// returned error is fatal to the connection; command failures are error
// replies, not errors.
func (d *Dispatcher) Dispatch(s *Session, cmd *protocol.Command) error {
	spec, known := commandTable[cmd.Name]

	// While a transaction is open every command except the transaction
	// controls is validated and queued instead of executed. An aborted
	// transaction keeps capturing until EXEC or DISCARD closes it.
	if s.InTransaction() && !isTxnControl(cmd.Name) {
		if !known {
			s.txn = txnAborted
			return s.reply(protocol.Errf("ERR unknown command '%s'", cmd.Name))
		}
		if !spec.arityOK(len(cmd.Args)) {
			s.txn = txnAborted
			return s.reply(wrongArity(cmd.Name))
		}
		s.queue = append(s.queue, cmd)
		return s.reply(protocol.SimpleString("QUEUED"))
	}

	if !known {
		return s.reply(protocol.Errf("ERR unknown command '%s'", cmd.Name))
	}
	if !spec.arityOK(len(cmd.Args)) {
		return s.reply(wrongArity(cmd.Name))
	}

	v, err := d.call(spec, s, cmd)
	if err != nil {
		return err
	}
	if v.Type == 0 {
		// Handler wrote its own output or the command has no reply.
		return nil
	}
	return s.reply(v)
}

// call runs a handler under the execution gate appropriate for the
// command. Gateless commands coordinate locking themselves.
func (d *Dispatcher) call(spec *commandSpec, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	if spec.gateless {
		return spec.handler(d, s, cmd)
	}

	if spec.write {
		d.gate.Lock()
		defer d.gate.Unlock()
	} else {
		d.gate.RLock()
		defer d.gate.RUnlock()
	}

	return d.execute(spec, s, cmd)
}

// execute runs a handler assuming the gate is already held and hands the
// effective command to replication when it mutated the keyspace.
func (d *Dispatcher) execute(spec *commandSpec, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	s.dirty = false
	s.rewrite = nil

	v, err := spec.handler(d, s, cmd)
	if err != nil {
		return v, err
	}

	if spec.write && s.dirty && d.repl != nil && d.repl.Role() == RoleMaster {
		effective := cmd
		if s.rewrite != nil {
			effective = s.rewrite
		}
		d.repl.Propagate(effective.Encode())
	}
	s.dirty = false
	s.rewrite = nil
	return v, nil
}

func wrongArity(name string) protocol.Value {
	return protocol.Errf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))
}
