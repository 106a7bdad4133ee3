package command

import (
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
)

func cmdReplConf(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	switch strings.ToUpper(cmd.Arg(0)) {
	case "LISTENING-PORT":
		if len(cmd.Args) < 2 {
			return wrongArity("REPLCONF"), nil
		}
		s.ListeningPort = cmd.Arg(1)
		if d.repl != nil {
			d.repl.NoteListeningPort(s, cmd.Arg(1))
		}
		return protocol.OK(), nil

	case "CAPA":
		return protocol.OK(), nil

	case "GETACK":
		// Answered by the replica's link goroutine before dispatch; seen
		// here only from misbehaving peers.
		return protocol.OK(), nil

	case "ACK":
		if len(cmd.Args) < 2 {
			return protocol.Value{}, nil
		}
		offset, err := strconv.ParseInt(cmd.Arg(1), 10, 64)
		if err != nil || offset < 0 {
			return protocol.Value{}, nil
		}
		if d.repl != nil {
			d.repl.RecordAck(s, offset)
		}
		// ACK carries no reply.
		return protocol.Value{}, nil

	default:
		return protocol.Errf("ERR Unrecognized REPLCONF option: %s", cmd.Arg(0)), nil
	}
}

// cmdPSync runs under the write gate: the snapshot and the registration of
// the replica feed happen with no write in between, so the propagated
// stream continues exactly where the snapshot ends.
func cmdPSync(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	if d.repl == nil || d.repl.Role() != RoleMaster {
		return protocol.Err("ERR PSYNC is only accepted by a master"), nil
	}
	if err := d.repl.StartReplicaFeed(s); err != nil {
		return protocol.Value{}, err
	}
	s.ReplicaFeed = true
	return protocol.Value{}, nil
}

func cmdWait(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	numReplicas, err := strconv.Atoi(cmd.Arg(0))
	if err != nil || numReplicas < 0 {
		return protocol.Err("ERR value is not an integer or out of range"), nil
	}
	timeoutMs, err := strconv.ParseInt(cmd.Arg(1), 10, 64)
	if err != nil || timeoutMs < 0 {
		return protocol.Err("ERR timeout is negative"), nil
	}

	if d.repl == nil {
		return protocol.Integer(0), nil
	}

	target := d.repl.CurrentOffset()
	if s.inExec {
		// No blocking inside an EXEC batch.
		return protocol.Integer(int64(d.repl.CountAcked(target))), nil
	}

	acked := d.repl.WaitForAcks(target, numReplicas, time.Duration(timeoutMs)*time.Millisecond)
	return protocol.Integer(int64(acked)), nil
}
