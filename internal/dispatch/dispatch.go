// Package dispatch routes a parsed command frame to the store and
// shapes the result into a wire response, matching the single flat
// dispatch table the reference server uses rather than a layered
// command-object hierarchy.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cachekitdb/cachekit/internal/protocol"
	"github.com/cachekitdb/cachekit/internal/store"
)

// maxRangeOutput caps the number of elements LRANGE will ever return in
// one response, mirroring the reference implementation's fixed-size
// output buffer but enforced at the dispatch boundary rather than by a
// preallocated C array.
const maxRangeOutput = 4096

// Info carries the server-level counters INFO reports, since they live
// outside the store (connection count, uptime, command count).
type Info struct {
	UptimeSeconds    int64
	ConnectedClients int
	CommandsProcessed int64
}

// Context bundles everything a command needs beyond the parsed
// arguments: the store, a hook to persist on SAVE, and a snapshot of
// server-level counters for INFO.
type Context struct {
	Store     *store.Store
	SaveFunc  func() error
	InfoFunc  func() Info
	EvictFunc func()
}

func (ctx *Context) checkEviction() {
	if ctx.EvictFunc != nil {
		ctx.EvictFunc()
	}
}

type handlerFunc func(ctx *Context, args []string, w *protocol.Writer)

var handlers = map[string]handlerFunc{
	"PING":     cmdPing,
	"ECHO":     cmdEcho,
	"SET":      cmdSet,
	"GET":      cmdGet,
	"DEL":      cmdDel,
	"INCR":     cmdIncr,
	"DECR":     cmdDecr,
	"LPUSH":    cmdLPush,
	"RPUSH":    cmdRPush,
	"LPOP":     cmdLPop,
	"RPOP":     cmdRPop,
	"LRANGE":   cmdLRange,
	"LLEN":     cmdLLen,
	"HSET":     cmdHSet,
	"HGET":     cmdHGet,
	"HDEL":     cmdHDel,
	"HGETALL":  cmdHGetAll,
	"EXPIRE":   cmdExpire,
	"TTL":      cmdTTL,
	"PERSIST":  cmdPersist,
	"KEYS":     cmdKeys,
	"DBSIZE":   cmdDBSize,
	"FLUSHDB":  cmdFlushDB,
	"SAVE":     cmdSave,
	"INFO":     cmdInfo,
}

// Dispatch runs one parsed command frame against ctx and writes its
// response into w. It never returns an error itself — every failure
// mode (bad frame shape, wrong arity, unknown verb, wrong type) is
// reported as a protocol-level error frame, matching the reference
// dispatcher's all-paths-write-something contract.
func Dispatch(ctx *Context, frame *protocol.Value, w *protocol.Writer) {
	ctx.Store.ExpireCycle(store.ActiveExpireSample)

	args, ok := frame.Strings()
	if !ok || len(args) < 1 {
		w.Error("ERR invalid command format")
		return
	}

	name := strings.ToUpper(args[0])
	h, known := handlers[name]
	if !known {
		w.Error(fmt.Sprintf("ERR unknown command '%s'", args[0]))
		return
	}
	h(ctx, args, w)
}

func arityError(w *protocol.Writer, name string) {
	w.Error(fmt.Sprintf("ERR wrong number of arguments for '%s' command", name))
}

func notIntegerError(w *protocol.Writer) {
	w.Error("ERR value is not an integer or out of range")
}

func wrongTypeError(w *protocol.Writer) {
	w.Error(store.ErrWrongType.Error())
}

func cmdPing(_ *Context, args []string, w *protocol.Writer) {
	if len(args) > 1 {
		w.BulkString(args[1])
		return
	}
	w.SimpleString("PONG")
}

func cmdEcho(_ *Context, args []string, w *protocol.Writer) {
	if len(args) < 2 {
		arityError(w, "echo")
		return
	}
	w.BulkString(args[1])
}

func cmdSet(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 3 {
		arityError(w, "set")
		return
	}
	key, val := args[1], args[2]
	ctx.Store.Set(key, val)

	if len(args) >= 5 && strings.EqualFold(args[3], "EX") {
		if secs, err := strconv.ParseInt(args[4], 10, 64); err == nil && secs > 0 {
			ctx.Store.Expire(key, secs)
		}
	}

	ctx.checkEviction()
	w.SimpleString("OK")
}

func cmdGet(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 2 {
		arityError(w, "get")
		return
	}
	val, ok, err := ctx.Store.Get(args[1])
	switch {
	case err != nil:
		wrongTypeError(w)
	case !ok:
		w.Null()
	default:
		w.BulkString(val)
	}
}

func cmdDel(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 2 {
		arityError(w, "del")
		return
	}
	deleted := 0
	for _, key := range args[1:] {
		deleted += ctx.Store.Del(key)
	}
	w.Integer(int64(deleted))
}

func cmdIncr(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 2 {
		arityError(w, "incr")
		return
	}
	result, err := ctx.Store.Incr(args[1])
	if err != nil {
		notIntegerError(w)
		return
	}
	w.Integer(result)
}

func cmdDecr(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 2 {
		arityError(w, "decr")
		return
	}
	result, err := ctx.Store.Decr(args[1])
	if err != nil {
		notIntegerError(w)
		return
	}
	w.Integer(result)
}

func cmdLPush(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 3 {
		arityError(w, "lpush")
		return
	}
	n := ctx.Store.LPush(args[1], args[2])
	if n < 0 {
		wrongTypeError(w)
		return
	}
	ctx.checkEviction()
	w.Integer(int64(n))
}

func cmdRPush(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 3 {
		arityError(w, "rpush")
		return
	}
	n := ctx.Store.RPush(args[1], args[2])
	if n < 0 {
		wrongTypeError(w)
		return
	}
	ctx.checkEviction()
	w.Integer(int64(n))
}

func cmdLPop(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 2 {
		arityError(w, "lpop")
		return
	}
	val, ok := ctx.Store.LPop(args[1])
	if !ok {
		w.Null()
		return
	}
	w.BulkString(val)
}

func cmdRPop(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 2 {
		arityError(w, "rpop")
		return
	}
	val, ok := ctx.Store.RPop(args[1])
	if !ok {
		w.Null()
		return
	}
	w.BulkString(val)
}

func cmdLRange(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 4 {
		arityError(w, "lrange")
		return
	}
	start, err1 := strconv.ParseInt(args[2], 10, 64)
	stop, err2 := strconv.ParseInt(args[3], 10, 64)
	if err1 != nil || err2 != nil {
		notIntegerError(w)
		return
	}

	items := ctx.Store.LRange(args[1], int(start), int(stop))
	if len(items) > maxRangeOutput {
		items = items[:maxRangeOutput]
	}
	w.BulkStringArray(items)
}

func cmdLLen(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 2 {
		arityError(w, "llen")
		return
	}
	w.Integer(int64(ctx.Store.LLen(args[1])))
}

func cmdHSet(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 4 {
		arityError(w, "hset")
		return
	}
	n := ctx.Store.HSet(args[1], args[2], args[3])
	if n < 0 {
		wrongTypeError(w)
		return
	}
	ctx.checkEviction()
	w.Integer(int64(n))
}

func cmdHGet(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 3 {
		arityError(w, "hget")
		return
	}
	val, ok := ctx.Store.HGet(args[1], args[2])
	if !ok {
		w.Null()
		return
	}
	w.BulkString(val)
}

func cmdHDel(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 3 {
		arityError(w, "hdel")
		return
	}
	w.Integer(int64(ctx.Store.HDel(args[1], args[2])))
}

func cmdHGetAll(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 2 {
		arityError(w, "hgetall")
		return
	}
	fields, values := ctx.Store.HGetAll(args[1])
	w.ArrayHeader(len(fields) * 2)
	for i := range fields {
		w.BulkString(fields[i])
		w.BulkString(values[i])
	}
}

func cmdExpire(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 3 {
		arityError(w, "expire")
		return
	}
	secs, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		notIntegerError(w)
		return
	}
	w.Integer(int64(ctx.Store.Expire(args[1], secs)))
}

func cmdTTL(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 2 {
		arityError(w, "ttl")
		return
	}
	w.Integer(ctx.Store.TTL(args[1]))
}

func cmdPersist(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 2 {
		arityError(w, "persist")
		return
	}
	w.Integer(int64(ctx.Store.Persist(args[1])))
}

func cmdKeys(ctx *Context, args []string, w *protocol.Writer) {
	if len(args) < 2 {
		arityError(w, "keys")
		return
	}
	w.BulkStringArray(ctx.Store.Keys(args[1]))
}

func cmdDBSize(ctx *Context, _ []string, w *protocol.Writer) {
	w.Integer(int64(ctx.Store.DBSize()))
}

func cmdFlushDB(ctx *Context, _ []string, w *protocol.Writer) {
	ctx.Store.FlushDB()
	w.SimpleString("OK")
}

func cmdSave(ctx *Context, _ []string, w *protocol.Writer) {
	if ctx.SaveFunc == nil || ctx.SaveFunc() != nil {
		w.Error("ERR snapshot save failed")
		return
	}
	w.SimpleString("OK")
}

func cmdInfo(ctx *Context, _ []string, w *protocol.Writer) {
	var info Info
	if ctx.InfoFunc != nil {
		info = ctx.InfoFunc()
	}
	body := fmt.Sprintf(
		"# Server\r\n"+
			"cachekit_version:0.1.0\r\n"+
			"uptime_in_seconds:%d\r\n"+
			"connected_clients:%d\r\n"+
			"used_memory:%d\r\n"+
			"total_commands_processed:%d\r\n"+
			"db0:keys=%d\r\n",
		info.UptimeSeconds,
		info.ConnectedClients,
		ctx.Store.UsedMemory(),
		info.CommandsProcessed,
		ctx.Store.DBSize(),
	)
	w.BulkString(body)
}
