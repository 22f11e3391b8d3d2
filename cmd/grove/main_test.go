package main

import (
	"flag"
	"testing"
	"time"

	"github.com/nobletooth/grove/pkg/cache"
	"github.com/nobletooth/grove/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsAreRegisteredInConfig(t *testing.T) {
	unregisteredFlags := config.CollectUnregisteredFlags()
	if len(unregisteredFlags) != 0 {
		t.Fail()
		for _, flagErr := range unregisteredFlags {
			t.Error(flagErr)
		}
	}
}

// TestConfigFileConfiguresCache checks that every cache option can be driven from the config file.
func TestConfigFileConfiguresCache(t *testing.T) {
	for _, name := range []string{
		"cache_shards", "sweep_interval", "max_keys", "max_memory", "enable_relations", "glob_max_complexity",
	} {
		flagHolder := flag.Lookup(name)
		require.NotNil(t, flagHolder, "Flag %s not found", name)
		prevValue := flagHolder.Value.String()
		t.Cleanup(func() { require.NoError(t, flag.Set(name, prevValue)) })
	}

	conf, err := config.Parse([]byte(`
cache:
  shards: 4
  sweep_interval: 250ms
  max_keys: 10
  max_memory: 4096
  enable_relations: false
  glob_max_complexity: 7
`))
	require.NoError(t, err)
	require.NoError(t, config.Apply(conf))
	assert.Equal(t, cache.Options{
		Shards:            4,
		SweepInterval:     250 * time.Millisecond,
		MaxKeys:           10,
		MaxMemory:         4096,
		EnableRelations:   false,
		GlobMaxComplexity: 7,
	}, cache.OptionsFromFlags())
}
