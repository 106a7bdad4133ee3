package command

import (
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

func cmdXAdd(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	if (len(cmd.Args)-2)%2 != 0 {
		return wrongArity("XADD"), nil
	}
	key := cmd.Arg(0)
	idSpec := cmd.Arg(1)
	fields := cmd.Args[2:]

	id, err := d.store.XAdd(key, idSpec, fields)
	if err != nil {
		return errorReply(err), nil
	}
	s.MarkDirty()

	// Replicas must store the same ID the master generated, so an
	// auto-generated spec is rewritten to the concrete ID before
	// propagation.
	if strings.ContainsRune(idSpec, '*') {
		args := make([][]byte, 0, len(cmd.Args))
		args = append(args, cmd.Args[0], []byte(id.String()))
		args = append(args, fields...)
		s.rewrite = &protocol.Command{Name: "XADD", Args: args}
	}

	return protocol.BulkStringFromString(id.String()), nil
}

func cmdXRange(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	start, err := storage.ParseRangeStart(cmd.Arg(1))
	if err != nil {
		return errorReply(err), nil
	}
	end, err := storage.ParseRangeEnd(cmd.Arg(2))
	if err != nil {
		return errorReply(err), nil
	}

	count := -1
	if len(cmd.Args) > 3 {
		if len(cmd.Args) != 5 || strings.ToUpper(cmd.Arg(3)) != "COUNT" {
			return protocol.Err("ERR syntax error"), nil
		}
		count, err = strconv.Atoi(cmd.Arg(4))
		if err != nil {
			return protocol.Err("ERR value is not an integer or out of range"), nil
		}
	}

	entries, err := d.store.XRange(cmd.Arg(0), start, end)
	if err != nil {
		return errorReply(err), nil
	}
	if count >= 0 && len(entries) > count {
		entries = entries[:count]
	}

	values := make([]protocol.Value, len(entries))
	for i, entry := range entries {
		values[i] = entryValue(entry)
	}
	return protocol.Array(values...), nil
}

func cmdXLen(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	stream, ok, err := d.store.GetStream(cmd.Arg(0))
	if err != nil {
		return errorReply(err), nil
	}
	if !ok {
		return protocol.Integer(0), nil
	}
	return protocol.Integer(stream.Len()), nil
}

// readTarget is one stream position a blocked XREAD watches
type readTarget struct {
	key   string
	after storage.EntryID
}

func cmdXRead(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	count := -1
	block := time.Duration(-1)
	blocking := false

	i := 0
	for ; i < len(cmd.Args); i++ {
		stop := false
		switch strings.ToUpper(cmd.Arg(i)) {
		case "COUNT":
			if i+1 >= len(cmd.Args) {
				return protocol.Err("ERR syntax error"), nil
			}
			n, err := strconv.Atoi(cmd.Arg(i + 1))
			if err != nil {
				return protocol.Err("ERR value is not an integer or out of range"), nil
			}
			count = n
			i++
		case "BLOCK":
			if i+1 >= len(cmd.Args) {
				return protocol.Err("ERR syntax error"), nil
			}
			ms, err := strconv.ParseInt(cmd.Arg(i+1), 10, 64)
			if err != nil || ms < 0 {
				return protocol.Err("ERR timeout is not an integer or out of range"), nil
			}
			blocking = true
			block = time.Duration(ms) * time.Millisecond
			i++
		case "STREAMS":
			stop = true
		default:
			return protocol.Err("ERR syntax error"), nil
		}
		if stop {
			break
		}
	}

	if i >= len(cmd.Args) {
		// Options consumed every argument without a STREAMS keyword
		return protocol.Err("ERR syntax error"), nil
	}

	rest := cmd.Args[i+1:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return protocol.Err("ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified."), nil
	}

	n := len(rest) / 2
	keys := make([]string, n)
	targets := make([]readTarget, n)

	// The blocking path re-acquires the gate around every snapshot; EXEC
	// already holds it exclusively.
	lock := func() {
		if !s.inExec {
			d.gate.RLock()
		}
	}
	unlock := func() {
		if !s.inExec {
			d.gate.RUnlock()
		}
	}

	lock()
	for j := 0; j < n; j++ {
		keys[j] = string(rest[j])
		idArg := string(rest[n+j])
		if idArg == "$" {
			// "$" means entries added after this call.
			last, err := d.store.LastID(keys[j])
			if err != nil {
				unlock()
				return errorReply(err), nil
			}
			targets[j] = readTarget{key: keys[j], after: last}
			continue
		}
		id, err := storage.ParseEntryID(idArg, 0)
		if err != nil {
			unlock()
			return errorReply(err), nil
		}
		targets[j] = readTarget{key: keys[j], after: id}
	}
	reply, found, err := gatherXRead(d, targets, count)
	unlock()
	if err != nil {
		return errorReply(err), nil
	}
	if found {
		return reply, nil
	}
	if !blocking || s.inExec {
		return protocol.NullArray(), nil
	}

	waiter, err := d.store.Subscribe(keys...)
	if err != nil {
		return errorReply(err), nil
	}
	defer waiter.Close()

	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		// Recheck first: an entry may have landed between the snapshot
		// above and the subscription.
		lock()
		reply, found, err = gatherXRead(d, targets, count)
		unlock()
		if err != nil {
			return errorReply(err), nil
		}
		if found {
			return reply, nil
		}

		select {
		case <-waiter.Chan():
		case <-timeout:
			return protocol.NullArray(), nil
		case <-s.Closed():
			return protocol.Value{}, nil
		}
	}
}

// gatherXRead collects entries past each target position. found is false
// when every watched stream came back empty.
func gatherXRead(d *Dispatcher, targets []readTarget, count int) (protocol.Value, bool, error) {
	var values []protocol.Value
	for _, t := range targets {
		entries, err := d.store.XReadAfter(t.key, t.after)
		if err != nil {
			return protocol.Value{}, false, err
		}
		if len(entries) == 0 {
			continue
		}
		if count >= 0 && len(entries) > count {
			entries = entries[:count]
		}
		entryValues := make([]protocol.Value, len(entries))
		for i, entry := range entries {
			entryValues[i] = entryValue(entry)
		}
		values = append(values, protocol.Array(
			protocol.BulkStringFromString(t.key),
			protocol.Array(entryValues...),
		))
	}
	if len(values) == 0 {
		return protocol.Value{}, false, nil
	}
	return protocol.Array(values...), true, nil
}

func entryValue(entry *storage.StreamEntry) protocol.Value {
	fields := make([]protocol.Value, len(entry.Fields))
	for i, f := range entry.Fields {
		fields[i] = protocol.BulkString(f)
	}
	return protocol.Array(
		protocol.BulkStringFromString(entry.ID.String()),
		protocol.Array(fields...),
	)
}
