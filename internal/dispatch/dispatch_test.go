package dispatch_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachekitdb/cachekit/internal/dispatch"
	"github.com/cachekitdb/cachekit/internal/protocol"
	"github.com/cachekitdb/cachekit/internal/store"
)

func newContext() *dispatch.Context {
	return &dispatch.Context{Store: store.New(0, nil)}
}

func arrayFrame(parts ...string) *protocol.Value {
	elems := make([]*protocol.Value, len(parts))
	for i, p := range parts {
		elems[i] = &protocol.Value{Kind: protocol.BulkString, Str: p}
	}
	return &protocol.Value{Kind: protocol.Array, Elements: elems}
}

func run(ctx *dispatch.Context, w *protocol.Writer, parts ...string) {
	w.Reset()
	dispatch.Dispatch(ctx, arrayFrame(parts...), w)
}

func TestWireScenario1_SetThenGet(t *testing.T) {
	t.Parallel()

	p := protocol.NewParser()
	p.Feed([]byte("*3\r\n$3\r\nSET\r\n$1\r\nx\r\n$1\r\n1\r\n"))
	frame, ok, err := p.Next()
	require.NoError(t, err)
	require.True(t, ok)

	ctx := newContext()
	w := protocol.NewWriter()
	dispatch.Dispatch(ctx, frame, w)
	assert.Equal(t, "+OK\r\n", string(w.Bytes()))

	p.Feed([]byte("*2\r\n$3\r\nGET\r\n$1\r\nx\r\n"))
	frame, ok, err = p.Next()
	require.NoError(t, err)
	require.True(t, ok)

	w.Reset()
	dispatch.Dispatch(ctx, frame, w)
	assert.Equal(t, "$1\r\n1\r\n", string(w.Bytes()))
}

func TestWireScenario2_IncrAfterSet(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()

	run(ctx, w, "SET", "a", "1")
	assert.Equal(t, "+OK\r\n", string(w.Bytes()))

	run(ctx, w, "INCR", "a")
	assert.Equal(t, ":2\r\n", string(w.Bytes()))

	run(ctx, w, "GET", "a")
	assert.Equal(t, "$1\r\n2\r\n", string(w.Bytes()))
}

func TestWireScenario3_RPushThenLRange(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()

	run(ctx, w, "RPUSH", "L", "a")
	run(ctx, w, "RPUSH", "L", "b")
	run(ctx, w, "RPUSH", "L", "c")

	run(ctx, w, "LRANGE", "L", "0", "-1")
	assert.Equal(t, "*3\r\n$1\r\na\r\n$1\r\nb\r\n$1\r\nc\r\n", string(w.Bytes()))
}

func TestWireScenario4_HSetThenHGet(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()

	run(ctx, w, "HSET", "h", "f", "v")
	assert.Equal(t, ":1\r\n", string(w.Bytes()))

	run(ctx, w, "HSET", "h", "f", "w")
	assert.Equal(t, ":0\r\n", string(w.Bytes()))

	run(ctx, w, "HGET", "h", "f")
	assert.Equal(t, "$1\r\nw\r\n", string(w.Bytes()))
}

func TestWireScenario5_ExpireThenGetAndTTL(t *testing.T) {
	t.Parallel()

	now := int64(0)
	st := store.New(0, nil)
	st.SetClock(func() int64 { return now })
	ctx := &dispatch.Context{Store: st}
	w := protocol.NewWriter()

	run(ctx, w, "SET", "k", "v", "EX", "1")
	assert.Equal(t, "+OK\r\n", string(w.Bytes()))

	now += 1100

	run(ctx, w, "GET", "k")
	assert.Equal(t, "$-1\r\n", string(w.Bytes()))

	run(ctx, w, "TTL", "k")
	assert.Equal(t, ":-2\r\n", string(w.Bytes()))
}

func TestWireScenario6_LPushAgainstStringIsWrongType(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()

	run(ctx, w, "SET", "a", "1")
	run(ctx, w, "LPUSH", "a", "x")
	assert.Equal(t, "-WRONGTYPE Operation against a key holding the wrong kind of value\r\n", string(w.Bytes()))
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()
	run(ctx, w, "NOSUCHCOMMAND", "x")
	assert.Equal(t, "-ERR unknown command 'NOSUCHCOMMAND'\r\n", string(w.Bytes()))
}

func TestArityErrors(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()

	run(ctx, w, "SET", "onlykey")
	assert.Equal(t, "-ERR wrong number of arguments for 'set' command\r\n", string(w.Bytes()))

	run(ctx, w, "GET")
	assert.Equal(t, "-ERR wrong number of arguments for 'get' command\r\n", string(w.Bytes()))

	run(ctx, w, "HSET", "h", "f")
	assert.Equal(t, "-ERR wrong number of arguments for 'hset' command\r\n", string(w.Bytes()))
}

func TestInvalidCommandFormatForNonArrayFrame(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()
	dispatch.Dispatch(ctx, &protocol.Value{Kind: protocol.SimpleString, Str: "PING"}, w)
	assert.Equal(t, "-ERR invalid command format\r\n", string(w.Bytes()))
}

func TestCaseInsensitiveCommandName(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()
	run(ctx, w, "set", "k", "v")
	assert.Equal(t, "+OK\r\n", string(w.Bytes()))
}

func TestPingWithAndWithoutArgument(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()

	run(ctx, w, "PING")
	assert.Equal(t, "+PONG\r\n", string(w.Bytes()))

	run(ctx, w, "PING", "hello")
	assert.Equal(t, "$5\r\nhello\r\n", string(w.Bytes()))
}

func TestDelIsVariadic(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()

	run(ctx, w, "SET", "a", "1")
	run(ctx, w, "SET", "b", "2")

	run(ctx, w, "DEL", "a", "b", "c")
	assert.Equal(t, ":2\r\n", string(w.Bytes()))
}

func TestLRangeCapsOutputAtMaxElements(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()

	for i := 0; i < 4100; i++ {
		ctx.Store.RPush("big", "x")
	}

	run(ctx, w, "LRANGE", "big", "0", "-1")
	// *4096\r\n followed by 4096 "$1\r\nx\r\n" elements.
	assert.True(t, strings.HasPrefix(string(w.Bytes()), "*4096\r\n"))
}

func TestInfoBodyFormat(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	ctx.InfoFunc = func() dispatch.Info {
		return dispatch.Info{UptimeSeconds: 42, ConnectedClients: 3, CommandsProcessed: 7}
	}
	ctx.Store.Set("k", "v")

	w := protocol.NewWriter()
	run(ctx, w, "INFO")

	out := string(w.Bytes())
	assert.Contains(t, out, "# Server\r\n")
	assert.Contains(t, out, "cachekit_version:0.1.0\r\n")
	assert.Contains(t, out, "uptime_in_seconds:42\r\n")
	assert.Contains(t, out, "connected_clients:3\r\n")
	assert.Contains(t, out, "total_commands_processed:7\r\n")
	assert.Contains(t, out, "db0:keys=1\r\n")
}

func TestSaveInvokesSaveFuncAndReportsFailure(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()

	calls := 0
	ctx.SaveFunc = func() error { calls++; return nil }
	run(ctx, w, "SAVE")
	assert.Equal(t, "+OK\r\n", string(w.Bytes()))
	assert.Equal(t, 1, calls)

	ctx.SaveFunc = func() error { return errors.New("disk full") }
	run(ctx, w, "SAVE")
	assert.Equal(t, "-ERR snapshot save failed\r\n", string(w.Bytes()))
}

func TestEvictFuncCalledOnMutatingCommands(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()

	calls := 0
	ctx.EvictFunc = func() { calls++ }

	run(ctx, w, "SET", "a", "1")
	run(ctx, w, "RPUSH", "l", "x")
	run(ctx, w, "LPUSH", "l", "y")
	run(ctx, w, "HSET", "h", "f", "v")

	assert.Equal(t, 4, calls)

	// Non-mutating reads must not trigger eviction checks.
	run(ctx, w, "GET", "a")
	assert.Equal(t, 4, calls)
}

func TestFlushDBAndDBSize(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()

	run(ctx, w, "SET", "a", "1")
	run(ctx, w, "SET", "b", "2")

	run(ctx, w, "DBSIZE")
	assert.Equal(t, ":2\r\n", string(w.Bytes()))

	run(ctx, w, "FLUSHDB")
	assert.Equal(t, "+OK\r\n", string(w.Bytes()))

	run(ctx, w, "DBSIZE")
	assert.Equal(t, ":0\r\n", string(w.Bytes()))
}

func TestKeysGlobMatching(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	w := protocol.NewWriter()

	run(ctx, w, "SET", "user:1", "a")
	run(ctx, w, "SET", "user:2", "b")
	run(ctx, w, "SET", "order:1", "c")

	run(ctx, w, "KEYS", "user:*")
	out := string(w.Bytes())
	assert.Contains(t, out, "user:1")
	assert.Contains(t, out, "user:2")
	assert.NotContains(t, out, "order:1")
}
