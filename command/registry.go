package command

import "github.com/raniellyferreira/redis-inmemory-server/protocol"

// handlerFunc executes one command. A zero-valued reply means the handler
// wrote its own output (or the command has none).
type handlerFunc func(d *Dispatcher, s *Session, cmd *protocol.Command) (protocol.Value, error)

// commandSpec describes one entry in the command table. minArgs/maxArgs
// count arguments after the command name; maxArgs -1 means unbounded.
// write commands take the exclusive execution gate and are candidates for
// replication. gateless commands manage the gate themselves because they
// may suspend the connection.
type commandSpec struct {
	minArgs  int
	maxArgs  int
	write    bool
	gateless bool
	handler  handlerFunc
}

func (c *commandSpec) arityOK(n int) bool {
	if n < c.minArgs {
		return false
	}
	return c.maxArgs < 0 || n <= c.maxArgs
}

// commandTable is populated in init: cmdExec walks the table to run its
// queue, so a composite literal would form an initialization cycle.
var commandTable map[string]*commandSpec

func init() {
	commandTable = map[string]*commandSpec{
		"PING":     {minArgs: 0, maxArgs: 1, handler: cmdPing},
		"ECHO":     {minArgs: 1, maxArgs: 1, handler: cmdEcho},
		"GET":      {minArgs: 1, maxArgs: 1, handler: cmdGet},
		"SET":      {minArgs: 2, maxArgs: -1, write: true, handler: cmdSet},
		"INCR":     {minArgs: 1, maxArgs: 1, write: true, handler: cmdIncr},
		"DEL":      {minArgs: 1, maxArgs: -1, write: true, handler: cmdDel},
		"EXISTS":   {minArgs: 1, maxArgs: -1, handler: cmdExists},
		"TYPE":     {minArgs: 1, maxArgs: 1, handler: cmdType},
		"TTL":      {minArgs: 1, maxArgs: 1, handler: cmdTTL},
		"PTTL":     {minArgs: 1, maxArgs: 1, handler: cmdPTTL},
		"KEYS":     {minArgs: 1, maxArgs: 1, handler: cmdKeys},
		"FLUSHALL": {minArgs: 0, maxArgs: 1, write: true, handler: cmdFlushAll},

		"HSET":    {minArgs: 3, maxArgs: -1, write: true, handler: cmdHSet},
		"HGET":    {minArgs: 2, maxArgs: 2, handler: cmdHGet},
		"HGETALL": {minArgs: 1, maxArgs: 1, handler: cmdHGetAll},

		"XADD":   {minArgs: 4, maxArgs: -1, write: true, handler: cmdXAdd},
		"XRANGE": {minArgs: 3, maxArgs: 5, handler: cmdXRange},
		"XLEN":   {minArgs: 1, maxArgs: 1, handler: cmdXLen},
		"XREAD":  {minArgs: 3, maxArgs: -1, gateless: true, handler: cmdXRead},

		"MULTI":   {minArgs: 0, maxArgs: 0, gateless: true, handler: cmdMulti},
		"EXEC":    {minArgs: 0, maxArgs: 0, write: true, handler: cmdExec},
		"DISCARD": {minArgs: 0, maxArgs: 0, gateless: true, handler: cmdDiscard},

		"INFO":     {minArgs: 0, maxArgs: 1, handler: cmdInfo},
		"CONFIG":   {minArgs: 2, maxArgs: -1, handler: cmdConfig},
		"REPLCONF": {minArgs: 1, maxArgs: -1, gateless: true, handler: cmdReplConf},
		"PSYNC":    {minArgs: 2, maxArgs: 2, write: true, handler: cmdPSync},
		"WAIT":     {minArgs: 2, maxArgs: 2, gateless: true, handler: cmdWait},
	}
}

func isTxnControl(name string) bool {
	return name == "MULTI" || name == "EXEC" || name == "DISCARD"
}
