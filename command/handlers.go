package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
)

func cmdPing(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	if len(cmd.Args) == 1 {
		return protocol.BulkString(cmd.Args[0]), nil
	}
	return protocol.SimpleString("PONG"), nil
}

func cmdEcho(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	return protocol.BulkString(cmd.Args[0]), nil
}

func cmdGet(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	value, exists, err := d.store.Get(cmd.Arg(0))
	if err != nil {
		return errorReply(err), nil
	}
	if !exists {
		return protocol.NullBulkString(), nil
	}
	return protocol.BulkString(value), nil
}

func cmdSet(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	key := cmd.Arg(0)
	value := cmd.Args[1]

	var expiry *time.Time
	for i := 2; i < len(cmd.Args); i++ {
		opt := strings.ToUpper(cmd.Arg(i))
		switch opt {
		case "EX", "PX", "EXAT", "PXAT":
			if i+1 >= len(cmd.Args) {
				return protocol.Err("ERR syntax error"), nil
			}
			n, err := strconv.ParseInt(cmd.Arg(i+1), 10, 64)
			if err != nil {
				return protocol.Err("ERR value is not an integer or out of range"), nil
			}
			var t time.Time
			switch opt {
			case "EX":
				t = time.Now().Add(time.Duration(n) * time.Second)
			case "PX":
				t = time.Now().Add(time.Duration(n) * time.Millisecond)
			case "EXAT":
				t = time.Unix(n, 0)
			case "PXAT":
				t = time.UnixMilli(n)
			}
			expiry = &t
			i++
		default:
			return protocol.Err("ERR syntax error"), nil
		}
	}

	if err := d.store.Set(key, value, expiry); err != nil {
		return errorReply(err), nil
	}
	s.MarkDirty()
	return protocol.OK(), nil
}

func cmdIncr(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	n, err := d.store.IncrBy(cmd.Arg(0), 1)
	if err != nil {
		return errorReply(err), nil
	}
	s.MarkDirty()
	return protocol.Integer(n), nil
}

func cmdDel(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	deleted := d.store.Del(argKeys(cmd)...)
	if deleted > 0 {
		s.MarkDirty()
	}
	return protocol.Integer(deleted), nil
}

func cmdExists(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	return protocol.Integer(d.store.Exists(argKeys(cmd)...)), nil
}

func cmdType(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	return protocol.SimpleString(d.store.Type(cmd.Arg(0)).String()), nil
}

func cmdTTL(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	ttl := d.store.TTL(cmd.Arg(0))
	if ttl < 0 {
		return protocol.Integer(int64(ttl / time.Second)), nil
	}
	// Round up so a key with any time left never reports 0.
	return protocol.Integer(int64((ttl + time.Second - 1) / time.Second)), nil
}

func cmdPTTL(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	pttl := d.store.PTTL(cmd.Arg(0))
	if pttl < 0 {
		return protocol.Integer(int64(pttl / time.Millisecond)), nil
	}
	return protocol.Integer(int64((pttl + time.Millisecond - 1) / time.Millisecond)), nil
}

func cmdKeys(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	keys := d.store.Keys(cmd.Arg(0))
	values := make([]protocol.Value, len(keys))
	for i, key := range keys {
		values[i] = protocol.BulkStringFromString(key)
	}
	return protocol.Array(values...), nil
}

func cmdFlushAll(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	if err := d.store.FlushAll(); err != nil {
		return errorReply(err), nil
	}
	s.MarkDirty()
	return protocol.OK(), nil
}

func cmdHSet(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	if (len(cmd.Args)-1)%2 != 0 {
		return wrongArity("HSET"), nil
	}
	fields := make(map[string][]byte, (len(cmd.Args)-1)/2)
	for i := 1; i < len(cmd.Args); i += 2 {
		fields[cmd.Arg(i)] = cmd.Args[i+1]
	}
	added, err := d.store.HSet(cmd.Arg(0), fields)
	if err != nil {
		return errorReply(err), nil
	}
	s.MarkDirty()
	return protocol.Integer(added), nil
}

func cmdHGet(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	value, exists, err := d.store.HGet(cmd.Arg(0), cmd.Arg(1))
	if err != nil {
		return errorReply(err), nil
	}
	if !exists {
		return protocol.NullBulkString(), nil
	}
	return protocol.BulkString(value), nil
}

func cmdHGetAll(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	fields, err := d.store.HGetAll(cmd.Arg(0))
	if err != nil {
		return errorReply(err), nil
	}
	values := make([]protocol.Value, 0, len(fields)*2)
	for field, value := range fields {
		values = append(values, protocol.BulkStringFromString(field), protocol.BulkString(value))
	}
	return protocol.Array(values...), nil
}

func cmdInfo(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	var b strings.Builder
	b.WriteString("# Replication\r\n")
	if d.repl != nil {
		fmt.Fprintf(&b, "role:%s\r\n", d.repl.Role())
		fmt.Fprintf(&b, "connected_slaves:%d\r\n", d.repl.ReplicaCount())
		fmt.Fprintf(&b, "master_replid:%s\r\n", d.repl.ReplID())
		fmt.Fprintf(&b, "master_repl_offset:%d\r\n", d.repl.CurrentOffset())
	} else {
		b.WriteString("role:master\r\nconnected_slaves:0\r\n")
	}
	b.WriteString("\r\n# Keyspace\r\n")
	fmt.Fprintf(&b, "db0:keys=%d\r\n", d.store.KeyCount())
	return protocol.BulkStringFromString(b.String()), nil
}

func cmdConfig(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error) {
	if strings.ToUpper(cmd.Arg(0)) != "GET" {
		return protocol.Errf("ERR unknown CONFIG subcommand '%s'", cmd.Arg(0)), nil
	}
	var values []protocol.Value
	for i := 1; i < len(cmd.Args); i++ {
		switch strings.ToLower(cmd.Arg(i)) {
		case "dir":
			values = append(values,
				protocol.BulkStringFromString("dir"),
				protocol.BulkStringFromString(d.cfg.Dir))
		case "dbfilename":
			values = append(values,
				protocol.BulkStringFromString("dbfilename"),
				protocol.BulkStringFromString(d.cfg.DBFilename))
		}
	}
	return protocol.Array(values...), nil
}

func argKeys(cmd *protocol.Command) []string {
	keys := make([]string, len(cmd.Args))
	for i := range cmd.Args {
		keys[i] = cmd.Arg(i)
	}
	return keys
}
