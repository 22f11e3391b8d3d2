package port

import (
	"strings"
	"testing"
	"time"

	"github.com/nobletooth/grove/pkg/cache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts cache.Options) *cache.Store {
	t.Helper()
	store := cache.New(t.Context(), opts)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func newTestRedisHandler(t *testing.T) *redisHandler {
	t.Helper()
	handler, err := newRedisHandler(newTestCache(t, cache.Options{Shards: 4, EnableRelations: true}))
	require.NoError(t, err)
	return handler
}

func run(handler *redisHandler, args ...string) redisOutput {
	return handler.handle(redisCommand{command: strings.ToUpper(args[0]), args: args[1:]})
}

func bulk(s string) redisOutput {
	return writeRedisBulk([]byte(s))
}

func assertRedisError(t *testing.T, output redisOutput, prefix string) {
	t.Helper()
	if assert.Equal(t, outputError, output.kind, "expected an error, got %+v", output) {
		assert.Truef(t, strings.HasPrefix(output.str, prefix), "error %q doesn't start with %q", output.str, prefix)
	}
}

func TestNewRedisHandler(t *testing.T) {
	_, err := newRedisHandler(nil)
	assert.Error(t, err)
}

func TestRedisHandler_Commands(t *testing.T) {
	for _, tc := range []struct {
		name     string
		setup    [][]string
		command  []string
		expected redisOutput
	}{
		{name: "ping", command: []string{"PING"}, expected: writeRedisString("PONG")},
		{name: "ping with message", command: []string{"ping", "hey"}, expected: bulk("hey")},
		{name: "quit", command: []string{"QUIT"}, expected: closeRedisConnection(RedisOk)},
		{name: "set", command: []string{"SET", "k", "v"}, expected: writeRedisString(RedisOk)},
		{name: "get missing", command: []string{"GET", "k"}, expected: writeRedisNil()},
		{name: "get", setup: [][]string{{"SET", "k", "v"}}, command: []string{"GET", "k"}, expected: bulk("v")},
		{name: "set nx on existing key",
			setup: [][]string{{"SET", "k", "v"}}, command: []string{"SET", "k", "w", "NX"}, expected: writeRedisNil()},
		{name: "set xx on missing key", command: []string{"SET", "k", "w", "xx"}, expected: writeRedisNil()},
		{name: "set get returns previous",
			setup: [][]string{{"SET", "k", "v"}}, command: []string{"SET", "k", "w", "GET"}, expected: bulk("v")},
		{name: "set get on missing key", command: []string{"SET", "k", "w", "GET"}, expected: writeRedisNil()},
		{name: "del counts descendants",
			setup:    [][]string{{"SET", "p", "1"}, {"SET", "c", "2", "PARENT", "p"}, {"SET", "x", "3"}},
			command:  []string{"DEL", "p", "x", "missing"},
			expected: writeRedisInt(3)},
		{name: "exists counts live keys",
			setup:    [][]string{{"SET", "a", "1"}, {"SET", "b", "2"}},
			command:  []string{"EXISTS", "a", "b", "a", "missing"},
			expected: writeRedisInt(3)},
		{name: "ttl missing", command: []string{"TTL", "k"}, expected: writeRedisInt(cache.KeyMissing)},
		{name: "ttl without expiry",
			setup: [][]string{{"SET", "k", "v"}}, command: []string{"TTL", "k"}, expected: writeRedisInt(cache.NoExpiry)},
		{name: "ttl rounds up",
			setup: [][]string{{"SET", "k", "v", "EX", "100"}}, command: []string{"TTL", "k"}, expected: writeRedisInt(100)},
		{name: "pttl without expiry",
			setup: [][]string{{"SET", "k", "v"}}, command: []string{"PTTL", "k"}, expected: writeRedisInt(cache.NoExpiry)},
		{name: "expire",
			setup: [][]string{{"SET", "k", "v"}}, command: []string{"EXPIRE", "k", "50"}, expected: writeRedisInt(1)},
		{name: "expire missing", command: []string{"EXPIRE", "k", "50"}, expected: writeRedisInt(0)},
		{name: "persist",
			setup: [][]string{{"SET", "k", "v", "EX", "100"}}, command: []string{"PERSIST", "k"}, expected: writeRedisInt(1)},
		{name: "persist missing", command: []string{"PERSIST", "k"}, expected: writeRedisInt(0)},
		{name: "persist without expiry",
			setup: [][]string{{"SET", "k", "v"}}, command: []string{"PERSIST", "k"}, expected: writeRedisInt(0)},
		{name: "setparent",
			setup:    [][]string{{"SET", "p", "1"}, {"SET", "c", "2"}},
			command:  []string{"SETPARENT", "c", "p"},
			expected: writeRedisString(RedisOk)},
		{name: "children",
			setup: [][]string{
				{"SET", "root", "1"}, {"SET", "b", "2", "PARENT", "root"}, {"SET", "a", "3", "PARENT", "root"},
				{"SET", "a1", "4", "PARENT", "a"},
			},
			command: []string{"CHILDREN", "root", "2"},
			expected: writeRedisArray([]redisOutput{
				writeRedisArray([]redisOutput{bulk("a"), writeRedisInt(1)}),
				writeRedisArray([]redisOutput{bulk("b"), writeRedisInt(1)}),
				writeRedisArray([]redisOutput{bulk("a1"), writeRedisInt(2)}),
			})},
		{name: "children default depth",
			setup: [][]string{
				{"SET", "root", "1"}, {"SET", "a", "2", "PARENT", "root"}, {"SET", "a1", "3", "PARENT", "a"},
			},
			command: []string{"CHILDREN", "root"},
			expected: writeRedisArray([]redisOutput{
				writeRedisArray([]redisOutput{bulk("a"), writeRedisInt(1)}),
			})},
		{name: "children of missing key", command: []string{"CHILDREN", "k"}, expected: writeRedisArray([]redisOutput{})},
		{name: "keyinfo",
			setup:   [][]string{{"SET", "p", "1"}, {"SET", "c", "2", "PARENT", "p"}},
			command: []string{"KEYINFO", "c"},
			expected: writeRedisArray([]redisOutput{
				bulk("key"), bulk("c"), bulk("value"), bulk("2"), bulk("ttl"), writeRedisInt(cache.NoExpiry),
				bulk("parent"), bulk("p"), bulk("children"), writeRedisInt(0),
			})},
		{name: "keyinfo missing", command: []string{"KEYINFO", "k"}, expected: writeRedisNil()},
		{name: "keys",
			setup:    [][]string{{"SET", "user:2", "b"}, {"SET", "user:1", "a"}, {"SET", "order:1", "c"}},
			command:  []string{"KEYS", "user:*"},
			expected: writeRedisKeys([]string{"user:1", "user:2"})},
		{name: "list with limit",
			setup:    [][]string{{"SET", "c", "3"}, {"SET", "a", "1"}, {"SET", "b", "2"}},
			command:  []string{"LIST", "*", "2"},
			expected: writeRedisKeys([]string{"a", "b"})},
		{name: "dbsize",
			setup: [][]string{{"SET", "a", "1"}, {"SET", "b", "2"}}, command: []string{"DBSIZE"}, expected: writeRedisInt(2)},
		{name: "flushall",
			setup: [][]string{{"SET", "a", "1"}}, command: []string{"FLUSHALL"}, expected: writeRedisString(RedisOk)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			handler := newTestRedisHandler(t)
			for _, setup := range tc.setup {
				output := run(handler, setup...)
				require.NotEqualf(t, outputError, output.kind, "setup %v failed: %s", setup, output.str)
			}
			assert.Equal(t, tc.expected, run(handler, tc.command...))
		})
	}
}

func TestRedisHandler_Errors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		setup   [][]string
		command []string
		prefix  string
	}{
		{name: "unknown command", command: []string{"HELLO", "3"}, prefix: "ERR unknown command 'HELLO'"},
		{name: "get arity", command: []string{"GET"}, prefix: "ERR wrong number of arguments for 'get' command"},
		{name: "set arity", command: []string{"SET", "k"}, prefix: "ERR wrong number of arguments"},
		{name: "ping arity", command: []string{"PING", "a", "b"}, prefix: "ERR wrong number of arguments"},
		{name: "set unknown option", command: []string{"SET", "k", "v", "FOO"}, prefix: "ERR syntax error"},
		{name: "set nx xx", command: []string{"SET", "k", "v", "NX", "XX"}, prefix: "ERR syntax error"},
		{name: "set ex keepttl", command: []string{"SET", "k", "v", "EX", "1", "KEEPTTL"}, prefix: "ERR syntax error"},
		{name: "set ex without amount", command: []string{"SET", "k", "v", "EX"}, prefix: "ERR syntax error"},
		{name: "set ex not a number",
			command: []string{"SET", "k", "v", "EX", "soon"}, prefix: "ERR value is not an integer"},
		{name: "set ex zero", command: []string{"SET", "k", "v", "EX", "0"}, prefix: "ERR invalid expire time"},
		{name: "set parent missing", command: []string{"SET", "k", "v", "PARENT", "p"}, prefix: "ERR"},
		{name: "expire not a number",
			setup: [][]string{{"SET", "k", "v"}}, command: []string{"EXPIRE", "k", "x"}, prefix: "ERR value is not an integer"},
		{name: "expire negative",
			setup: [][]string{{"SET", "k", "v"}}, command: []string{"EXPIRE", "k", "-1"}, prefix: "ERR"},
		{name: "persist empty key", command: []string{"PERSIST", ""}, prefix: "ERR expected a non-empty key"},
		{name: "setparent missing child",
			setup: [][]string{{"SET", "p", "1"}}, command: []string{"SETPARENT", "c", "p"}, prefix: "ERR"},
		{name: "setparent cycle",
			setup:   [][]string{{"SET", "a", "1"}, {"SET", "b", "2", "PARENT", "a"}},
			command: []string{"SETPARENT", "a", "b"}, prefix: "ERR"},
		{name: "children depth", setup: [][]string{{"SET", "k", "v"}}, command: []string{"CHILDREN", "k", "0"},
			prefix: "ERR"},
		{name: "children depth not a number", command: []string{"CHILDREN", "k", "deep"},
			prefix: "ERR value is not an integer"},
		{name: "keys malformed pattern", command: []string{"KEYS", `a\`}, prefix: "ERR"},
		{name: "list limit not a number", command: []string{"LIST", "*", "ten"}, prefix: "ERR value is not an integer"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			handler := newTestRedisHandler(t)
			for _, setup := range tc.setup {
				require.NotEqual(t, outputError, run(handler, setup...).kind)
			}
			assertRedisError(t, run(handler, tc.command...), tc.prefix)
		})
	}
}

func TestRedisHandler_KeyLimit(t *testing.T) {
	handler, err := newRedisHandler(newTestCache(t, cache.Options{Shards: 2, MaxKeys: 1}))
	require.NoError(t, err)
	assert.Equal(t, writeRedisString(RedisOk), run(handler, "SET", "a", "1"))
	assert.Equal(t, writeRedisString(RedisOk), run(handler, "SET", "a", "2"), "overwrites don't need a new slot")
	assertRedisError(t, run(handler, "SET", "b", "1"), "OOM")
}

func TestRedisHandler_MemoryLimit(t *testing.T) {
	handler, err := newRedisHandler(newTestCache(t, cache.Options{Shards: 2, MaxMemory: 128}))
	require.NoError(t, err)
	assert.Equal(t, writeRedisString(RedisOk), run(handler, "SET", "a", "1"))
	assertRedisError(t, run(handler, "SET", "b", "1"), "OOM")
	assertRedisError(t, run(handler, "SET", "a", strings.Repeat("x", 64)), "OOM")
}

func TestRedisHandler_RelationsDisabled(t *testing.T) {
	handler, err := newRedisHandler(newTestCache(t, cache.Options{Shards: 2}))
	require.NoError(t, err)
	run(handler, "SET", "p", "1")
	run(handler, "SET", "c", "2")
	assertRedisError(t, run(handler, "SETPARENT", "c", "p"), "ERR")
	assertRedisError(t, run(handler, "SET", "c", "2", "PARENT", "p"), "ERR")
}

func TestRedisHandler_Stats(t *testing.T) {
	handler := newTestRedisHandler(t)
	run(handler, "SET", "k", "v")
	run(handler, "GET", "k")
	run(handler, "GET", "missing")

	output := run(handler, "STATS")
	require.Equal(t, outputBulk, output.kind)
	stats := string(output.bulk)
	for _, line := range []string{
		"hits:1\r\n", "misses:1\r\n", "sets:1\r\n", "entries:1\r\n", "memory_bytes:98\r\n", "hit_ratio:0.5000\r\n",
	} {
		assert.Contains(t, stats, line)
	}
	assert.Contains(t, stats, "uptime_seconds:")
}

// TestRedisServer runs the server end to end against a stock Redis client.
func TestRedisServer(t *testing.T) {
	handler := newTestRedisHandler(t)
	server := newRedisServer("127.0.0.1:0", handler)
	listenSignal := make(chan error)
	go func() { _ = server.ListenServeAndSignal(listenSignal) }()
	require.NoError(t, <-listenSignal)
	t.Cleanup(func() { assert.NoError(t, server.Close()) })

	// RESP2 without client identity, so the handshake only needs HELLO to be rejected.
	client := redis.NewClient(&redis.Options{Addr: server.Addr().String(), Protocol: 2, DisableIdentity: true})
	t.Cleanup(func() { assert.NoError(t, client.Close()) })
	ctx := t.Context()

	pong, err := client.Ping(ctx).Result()
	require.NoError(t, err)
	assert.Equal(t, "PONG", pong)

	require.NoError(t, client.Set(ctx, "session", "s", 0).Err())
	require.NoError(t, client.Set(ctx, "session:cart", "c", time.Minute).Err())
	require.NoError(t, client.Do(ctx, "SETPARENT", "session:cart", "session").Err())
	require.NoError(t, client.Do(ctx, "SET", "session:cart:item", "i", "PARENT", "session:cart").Err())

	value, err := client.Get(ctx, "session:cart").Result()
	require.NoError(t, err)
	assert.Equal(t, "c", value)
	_, err = client.Get(ctx, "missing").Result()
	assert.ErrorIs(t, err, redis.Nil)

	keys, err := client.Keys(ctx, "session*").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"session", "session:cart", "session:cart:item"}, keys)

	children, err := client.Do(ctx, "CHILDREN", "session", "2").Result()
	require.NoError(t, err)
	assert.Equal(t, []any{
		[]any{"session:cart", int64(1)},
		[]any{"session:cart:item", int64(2)},
	}, children)

	err = client.Do(ctx, "SETPARENT", "session", "session:cart:item").Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	deleted, err := client.Del(ctx, "session").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	exists, err := client.Exists(ctx, "session", "session:cart", "session:cart:item").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
