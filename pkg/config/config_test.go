package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFlagSet declares a subset of the server flags on a fresh flag set.
func newTestFlagSet() *flag.FlagSet {
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	flagSet.String("log_level", "info", "")
	flagSet.Int("cache_shards", 32, "")
	flagSet.Duration("sweep_interval", time.Second, "")
	flagSet.Bool("enable_relations", true, "")
	flagSet.String("redis_address", ":6380", "")
	return flagSet
}

func TestParse(t *testing.T) {
	conf, err := Parse([]byte(`
log:
  level: debug
cache:
  shards: 4
  sweep_interval: 250ms
  enable_relations: false
`))
	require.NoError(t, err)
	require.NotNil(t, conf.Log.Level)
	assert.Equal(t, "debug", *conf.Log.Level)
	assert.Nil(t, conf.Log.HandlerType)
	require.NotNil(t, conf.Cache.Shards)
	assert.Equal(t, 4, *conf.Cache.Shards)
	require.NotNil(t, conf.Cache.EnableRelations)
	assert.False(t, *conf.Cache.EnableRelations)
	assert.Nil(t, conf.Server.RedisAddress)

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, &Config{}, empty)

	_, err = Parse([]byte("cache:\n  shard: 4\n"))
	assert.Error(t, err, "unknown keys are rejected")
}

func TestSetConfigFlags(t *testing.T) {
	flagSet := newTestFlagSet()
	require.NoError(t, flagSet.Parse([]string{"--redis_address=:7000"}))
	conf, err := Parse([]byte(`
log:
  level: warn
cache:
  shards: 8
  sweep_interval: 250ms
  enable_relations: false
server:
  redis_address: ":9000"
`))
	require.NoError(t, err)

	require.NoError(t, setConfigFlags(flagSet, conf))
	assert.Equal(t, "warn", flagSet.Lookup("log_level").Value.String())
	assert.Equal(t, "8", flagSet.Lookup("cache_shards").Value.String())
	assert.Equal(t, (250 * time.Millisecond).String(), flagSet.Lookup("sweep_interval").Value.String())
	assert.Equal(t, "false", flagSet.Lookup("enable_relations").Value.String())
	assert.Equal(t, ":7000", flagSet.Lookup("redis_address").Value.String(), "command line wins over the file")
}

func TestSetConfigFlagsInvalidValue(t *testing.T) {
	conf, err := Parse([]byte("cache:\n  sweep_interval: soon\n"))
	require.NoError(t, err)
	assert.Error(t, setConfigFlags(newTestFlagSet(), conf))
}

func TestDefinedFlags(t *testing.T) {
	declared, err := definedFlags()
	require.NoError(t, err)
	for _, name := range []string{
		"log_handler_type", "log_level", "cache_shards", "sweep_interval", "max_keys", "max_memory", "enable_relations",
		"glob_max_complexity", "redis_address", "http_address",
	} {
		assert.Contains(t, declared, name)
	}
	assert.Len(t, declared, 10)
}
