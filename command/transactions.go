package command

import "github.com/raniellyferreira/redis-inmemory-server/protocol"

func cmdMulti(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	if s.InTransaction() {
		return protocol.Err("ERR MULTI calls can not be nested"), nil
	}
	s.txn = txnQueuing
	s.queue = nil
	return protocol.OK(), nil
}

func cmdDiscard(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	if !s.InTransaction() {
		return protocol.Err("ERR DISCARD without MULTI"), nil
	}
	s.ResetTransaction()
	return protocol.OK(), nil
}

// cmdExec runs the queued commands as one batch. The dispatcher already
// holds the write gate, so no other connection's command can interleave.
func cmdExec(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	switch s.txn {
	case txnIdle:
		return protocol.Err("ERR EXEC without MULTI"), nil
	case txnAborted:
		s.ResetTransaction()
		return protocol.Err("EXECABORT Transaction discarded because of previous errors."), nil
	}

	queue := s.queue
	s.ResetTransaction()

	s.inExec = true
	defer func() { s.inExec = false }()

	replies := make([]protocol.Value, 0, len(queue))
	for _, queued := range queue {
		spec := commandTable[queued.Name]
		v, err := d.execute(spec, s, queued)
		if err != nil {
			return protocol.Value{}, err
		}
		replies = append(replies, v)
	}
	return protocol.Array(replies...), nil
}
