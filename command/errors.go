package command

import (
	"errors"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// errorReply maps a storage error onto its client-facing RESP error reply
func errorReply(err error) protocol.Value {
	switch {
	case errors.Is(err, storage.ErrWrongType):
		return protocol.Err("WRONGTYPE Operation against a key holding the wrong kind of value")
	case errors.Is(err, storage.ErrNotInteger):
		return protocol.Err("ERR value is not an integer or out of range")
	case errors.Is(err, storage.ErrInvalidEntryID):
		return protocol.Err("ERR Invalid stream ID specified as stream command argument")
	case errors.Is(err, storage.ErrEntryIDZero):
		return protocol.Err("ERR The ID specified in XADD must be greater than 0-0")
	case errors.Is(err, storage.ErrEntryIDTooSmall):
		return protocol.Err("ERR The ID specified in XADD is equal or smaller than the target stream top item")
	default:
		return protocol.Err("ERR " + err.Error())
	}
}
