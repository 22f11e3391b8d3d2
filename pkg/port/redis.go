// Grove speaks a subset of the Redis protocol (RESP) so that stock Redis clients can use it. Relationship operations
// that Redis doesn't have are exposed as extra commands (SETPARENT, CHILDREN, KEYINFO, LIST) and as a PARENT option
// of SET.

package port

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nobletooth/grove/pkg/cache"
	"github.com/nobletooth/grove/pkg/utils"
	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var redisAddress = flag.String("redis_address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string // Upper cased command name.
	args    []string
}

type outputKind uint8

const (
	outputString outputKind = iota // Simple string.
	outputNil
	outputError
	outputInt
	outputBulk
	outputArray
)

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	kind            outputKind
	closeConnection bool   // Closes the connection after writing if true.
	str             string // Simple string or error message.
	integer         int64
	bulk            []byte
	array           []redisOutput
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{kind: outputString, str: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{kind: outputNil}
}

func writeRedisInt(i int64) redisOutput {
	return redisOutput{kind: outputInt, integer: i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{kind: outputString, str: s}
}

func writeRedisBulk(b []byte) redisOutput {
	return redisOutput{kind: outputBulk, bulk: b}
}

func writeRedisArray(items []redisOutput) redisOutput {
	return redisOutput{kind: outputArray, array: items}
}

func writeRedisKeys(keys []string) redisOutput {
	items := make([]redisOutput, len(keys))
	for i, key := range keys {
		items[i] = writeRedisBulk([]byte(key))
	}
	return writeRedisArray(items)
}

// writeRedisError renders `err` with the error prefix a Redis client expects for its class.
func writeRedisError(err error) redisOutput {
	prefix := "ERR"
	if errors.IsAny(err, cache.ErrKeyLimitExceeded, cache.ErrMemoryLimitExceeded) {
		prefix = "OOM"
	}
	return redisOutput{kind: outputError, str: prefix + " " + err.Error()}
}

func wrongArity(command string) redisOutput {
	return redisOutput{kind: outputError,
		str: fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(command))}
}

func syntaxError() redisOutput {
	return redisOutput{kind: outputError, str: "ERR syntax error"}
}

func notAnInteger() redisOutput {
	return redisOutput{kind: outputError, str: "ERR value is not an integer or out of range"}
}

// writeTo renders the output on a redcon connection.
func (ro redisOutput) writeTo(conn redcon.Conn) {
	switch ro.kind {
	case outputString:
		conn.WriteString(ro.str)
	case outputNil:
		conn.WriteNull()
	case outputError:
		conn.WriteError(ro.str)
	case outputInt:
		conn.WriteInt64(ro.integer)
	case outputBulk:
		conn.WriteBulk(ro.bulk)
	case outputArray:
		conn.WriteArray(len(ro.array))
		for _, item := range ro.array {
			item.writeTo(conn)
		}
	default:
		utils.RaiseInvariant("redis", "unknown_output_kind", "Got an unknown redis output kind.", "kind", ro.kind)
		conn.WriteError("ERR internal error")
	}
}

type redisHandler struct {
	cache cache.Cache
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(c cache.Cache) (*redisHandler, error) {
	if c == nil {
		return nil, errors.New("expected a non-nil cache")
	}
	return &redisHandler{cache: c}, nil
}

func (rh *redisHandler) handle(cmd redisCommand) redisOutput {
	switch cmd.command {
	case "PING":
		switch len(cmd.args) {
		case 0:
			return writeRedisString("PONG")
		case 1:
			return writeRedisBulk([]byte(cmd.args[0]))
		default:
			return wrongArity(cmd.command)
		}
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "SET":
		return rh.set(cmd)
	case "GET":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		if value, found := rh.cache.Get(cmd.args[0]); found {
			return writeRedisBulk(value)
		}
		return writeRedisNil()
	case "DEL":
		if len(cmd.args) < 1 {
			return wrongArity(cmd.command)
		}
		return writeRedisInt(int64(rh.cache.DeleteMany(cmd.args)))
	case "EXISTS":
		if len(cmd.args) < 1 {
			return wrongArity(cmd.command)
		}
		count := 0
		for _, exists := range rh.cache.ExistsMany(cmd.args) {
			if exists {
				count++
			}
		}
		return writeRedisInt(int64(count))
	case "TTL":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		return writeRedisInt(rh.cache.TTLSeconds(cmd.args[0]))
	case "PTTL":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		remaining, hasExpiry, found := rh.cache.TTL(cmd.args[0])
		switch {
		case !found:
			return writeRedisInt(cache.KeyMissing)
		case !hasExpiry:
			return writeRedisInt(cache.NoExpiry)
		}
		return writeRedisInt(int64((remaining + time.Millisecond - 1) / time.Millisecond))
	case "EXPIRE":
		if len(cmd.args) != 2 {
			return wrongArity(cmd.command)
		}
		seconds, err := strconv.ParseInt(cmd.args[1], 10, 64)
		if err != nil {
			return notAnInteger()
		}
		if err := rh.cache.Expire(cmd.args[0], time.Duration(seconds)*time.Second); errors.Is(err, cache.ErrNotFound) {
			return writeRedisInt(0)
		} else if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(1)
	case "PERSIST":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		changed, err := rh.cache.Persist(cmd.args[0])
		if errors.Is(err, cache.ErrNotFound) || (err == nil && !changed) {
			return writeRedisInt(0)
		} else if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(1)
	case "KEYINFO":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		info, found := rh.cache.Info(cmd.args[0])
		if !found {
			return writeRedisNil()
		}
		parent := writeRedisNil()
		if info.HasParent {
			parent = writeRedisBulk([]byte(info.Parent))
		}
		return writeRedisArray([]redisOutput{
			writeRedisBulk([]byte("key")), writeRedisBulk([]byte(info.Key)),
			writeRedisBulk([]byte("value")), writeRedisBulk(info.Value),
			writeRedisBulk([]byte("ttl")), writeRedisInt(info.TTL),
			writeRedisBulk([]byte("parent")), parent,
			writeRedisBulk([]byte("children")), writeRedisInt(int64(info.Children)),
		})
	case "SETPARENT":
		if len(cmd.args) != 2 {
			return wrongArity(cmd.command)
		}
		if err := rh.cache.SetParent(cmd.args[0], cmd.args[1]); err != nil {
			slog.Warn("Rejected relationship write.", "child", cmd.args[0], "parent", cmd.args[1], "error", err)
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "CHILDREN":
		if len(cmd.args) < 1 || len(cmd.args) > 2 {
			return wrongArity(cmd.command)
		}
		depth := cache.DefaultChildrenDepth
		if len(cmd.args) == 2 {
			parsed, err := strconv.Atoi(cmd.args[1])
			if err != nil {
				return notAnInteger()
			}
			depth = parsed
		}
		descendants, err := rh.cache.Children(cmd.args[0], depth)
		if err != nil {
			return writeRedisError(err)
		}
		items := make([]redisOutput, len(descendants))
		for i, descendant := range descendants {
			items[i] = writeRedisArray([]redisOutput{
				writeRedisBulk([]byte(descendant.Key)), writeRedisInt(int64(descendant.Depth)),
			})
		}
		return writeRedisArray(items)
	case "KEYS":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		keys, err := rh.cache.ListKeys(cmd.args[0], 0 /*limit*/)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisKeys(keys)
	case "LIST":
		if len(cmd.args) < 1 || len(cmd.args) > 2 {
			return wrongArity(cmd.command)
		}
		limit := 0
		if len(cmd.args) == 2 {
			parsed, err := strconv.Atoi(cmd.args[1])
			if err != nil {
				return notAnInteger()
			}
			limit = parsed
		}
		keys, err := rh.cache.ListKeys(cmd.args[0], limit)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisKeys(keys)
	case "STATS":
		if len(cmd.args) != 0 {
			return wrongArity(cmd.command)
		}
		return writeRedisBulk([]byte(renderStats(rh.cache.Stats())))
	case "DBSIZE":
		if len(cmd.args) != 0 {
			return wrongArity(cmd.command)
		}
		return writeRedisInt(int64(rh.cache.Len()))
	case "FLUSHALL", "FLUSHDB":
		rh.cache.Flush()
		return writeRedisString(RedisOk)
	default:
		return redisOutput{kind: outputError, str: fmt.Sprintf("ERR unknown command '%s'", cmd.command)}
	}
}

// set serves SET key value [EX seconds | PX milliseconds | KEEPTTL] [NX | XX] [GET] [PARENT parent].
func (rh *redisHandler) set(cmd redisCommand) redisOutput {
	if len(cmd.args) < 2 {
		return wrongArity(cmd.command)
	}
	key, value := cmd.args[0], []byte(cmd.args[1])
	var opts cache.SetOptions
	hasExpiry := false
	for i := 2; i < len(cmd.args); i++ {
		option := strings.ToUpper(cmd.args[i])
		switch option {
		case "EX", "PX":
			if hasExpiry || opts.KeepTTL || i+1 >= len(cmd.args) {
				return syntaxError()
			}
			i++
			amount, err := strconv.ParseInt(cmd.args[i], 10, 64)
			if err != nil {
				return notAnInteger()
			}
			if amount <= 0 {
				return redisOutput{kind: outputError, str: "ERR invalid expire time in 'set' command"}
			}
			unit := time.Second
			if option == "PX" {
				unit = time.Millisecond
			}
			opts.TTL, hasExpiry = time.Duration(amount)*unit, true
		case "KEEPTTL":
			if hasExpiry {
				return syntaxError()
			}
			opts.KeepTTL = true
		case "NX":
			if opts.OnlyIfExists {
				return syntaxError()
			}
			opts.OnlyIfMissing = true
		case "XX":
			if opts.OnlyIfMissing {
				return syntaxError()
			}
			opts.OnlyIfExists = true
		case "GET":
			opts.ReturnPrevious = true
		case "PARENT":
			if i+1 >= len(cmd.args) {
				return syntaxError()
			}
			i++
			opts.Parent = cmd.args[i]
		default:
			return syntaxError()
		}
	}

	result, err := rh.cache.SetWithOptions(key, value, opts)
	if err != nil {
		if errors.IsAny(err, cache.ErrCycleDetected, cache.ErrRelationsDisabled) {
			slog.Warn("Rejected relationship write.", "child", key, "parent", opts.Parent, "error", err)
		}
		return writeRedisError(err)
	}
	if opts.ReturnPrevious {
		if !result.Existed {
			return writeRedisNil()
		}
		return writeRedisBulk(result.Previous)
	}
	if !result.Applied {
		return writeRedisNil()
	}
	return writeRedisString(RedisOk)
}

// renderStats formats stats the way Redis INFO does: one `field:value` pair per line.
func renderStats(stats cache.Stats) string {
	var builder strings.Builder
	for _, line := range []struct {
		field string
		value any
	}{
		{"hits", stats.Hits},
		{"misses", stats.Misses},
		{"sets", stats.Sets},
		{"deletes", stats.Deletes},
		{"lazy_expirations", stats.LazyExpirations},
		{"active_expirations", stats.ActiveExpirations},
		{"entries", stats.Entries},
		{"memory_bytes", stats.MemoryBytes},
		{"hit_ratio", strconv.FormatFloat(stats.HitRatio(), 'f', 4, 64)},
		{"uptime_seconds", int64(utils.Uptime().Seconds())},
	} {
		_, _ = fmt.Fprintf(&builder, "%s:%v\r\n", line.field, line.value)
	}
	return builder.String()
}

// newRedisServer builds a redcon server dispatching every command to `handler`.
func newRedisServer(address string, handler *redisHandler) *redcon.Server {
	return redcon.NewServerNetwork("tcp" /*net*/, address,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: strings.ToUpper(string(cmd.Args[0])), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			output := handler.handle(command)
			output.writeTo(conn)
			if output.closeConnection {
				if err := conn.Close(); err != nil {
					slog.Error("Failed to close connection.", "error", err)
				}
			}
		},
		/*accept*/ func(conn redcon.Conn) bool {
			slog.Debug("Accepted redis connection.", "remote", conn.RemoteAddr())
			return true // Accept all connections.
		},
		/*closed*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Redis connection closed with an error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})
}

// RunRedisServer serves `c` over the Redis protocol on --redis_address until `ctx` is cancelled.
func RunRedisServer(ctx context.Context, c cache.Cache) error {
	if *redisAddress == "" {
		return errors.New("expected a non-empty --redis_address flag")
	}
	redisHandler, err := newRedisHandler(c)
	if err != nil {
		return errors.Wrap(err, "failed to create a new redis handler")
	}

	redisServer := newRedisServer(*redisAddress, redisHandler)
	listenSignal := make(chan error)
	serverErrSignal := make(chan error, 1)
	go func() {
		serverErrSignal <- redisServer.ListenServeAndSignal(listenSignal)
	}()
	if err := <-listenSignal; err != nil {
		return errors.Wrapf(err, "failed to listen on %s", *redisAddress)
	}
	slog.Info("Redis server is listening.", "address", redisServer.Addr().String())

	select {
	case <-ctx.Done():
		if err := redisServer.Close(); err != nil {
			return errors.Wrap(err, "failed to close redis server")
		}
		return nil
	case err := <-serverErrSignal:
		return errors.Wrap(err, "redis server stopped unexpectedly")
	}
}
