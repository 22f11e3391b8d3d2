// Grove uses flags and a single config file for configuration.
// The config file is YAML and holds values for the same flags; every leaf field names its flag in a `flag` tag.
// Flags given explicitly on the command line take precedence over the config file.

package config

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var configFilePath = flag.String("config_file", "config.yaml", "Path to the configuration file.")

// skippedConfigFlags is the list of command line flags that don't need a config file entry.
var skippedConfigFlags = []string{"print_version", "config_file"}

// Config mirrors the command line flags. Nil fields are left out of the file and keep their flag value.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Cache  CacheConfig  `yaml:"cache"`
	Server ServerConfig `yaml:"server"`
}

type LogConfig struct {
	HandlerType *string `yaml:"handler_type" flag:"log_handler_type"`
	Level       *string `yaml:"level" flag:"log_level"`
}

type CacheConfig struct {
	Shards            *int    `yaml:"shards" flag:"cache_shards"`
	SweepInterval     *string `yaml:"sweep_interval" flag:"sweep_interval"` // Go duration, e.g. "500ms".
	MaxKeys           *int    `yaml:"max_keys" flag:"max_keys"`
	MaxMemory         *int64  `yaml:"max_memory" flag:"max_memory"` // Bytes.
	EnableRelations   *bool   `yaml:"enable_relations" flag:"enable_relations"`
	GlobMaxComplexity *int    `yaml:"glob_max_complexity" flag:"glob_max_complexity"`
}

type ServerConfig struct {
	RedisAddress *string `yaml:"redis_address" flag:"redis_address"`
	HTTPAddress  *string `yaml:"http_address" flag:"http_address"`
}

// Parse decodes a YAML config. Unknown keys are rejected so that typos don't silently fall back to defaults.
func Parse(content []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	conf := new(Config)
	if err := decoder.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to decode yaml config")
	}
	return conf, nil
}

// collectFlagValues walks `conf` and returns the string form of every set field, keyed by its flag name.
func collectFlagValues(conf *Config) (map[ /*flagName*/ string] /*flagValue*/ string, error) {
	values := make(map[string]string)
	var walk func(v reflect.Value) error
	walk = func(v reflect.Value) error {
		for fieldIdx := 0; fieldIdx < v.NumField(); fieldIdx++ {
			field, fieldType := v.Field(fieldIdx), v.Type().Field(fieldIdx)
			if fieldType.Type.Kind() == reflect.Struct { // Recurse into config sections.
				if err := walk(field); err != nil {
					return err
				}
				continue
			}
			flagName := fieldType.Tag.Get("flag")
			if flagName == "" || field.Kind() != reflect.Pointer || field.IsNil() {
				continue
			}
			if _, exists := values[flagName]; exists {
				return errors.Newf("flag '%s' has multiple entries in config: '%s'", flagName, fieldType.Name)
			}
			values[flagName] = fmt.Sprint(field.Elem().Interface())
		}
		return nil
	}
	if err := walk(reflect.ValueOf(conf).Elem()); err != nil {
		return nil, err
	}
	return values, nil
}

// setConfigFlags sets the flags of `flagSet` to the values in `conf`, skipping the ones that were set explicitly.
func setConfigFlags(flagSet *flag.FlagSet, conf *Config) error {
	values, err := collectFlagValues(conf)
	if err != nil {
		return errors.Wrap(err, "failed to collect flags")
	}
	explicit := make(map[string]struct{})
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = struct{}{} })
	for flagName, flagValue := range values {
		if _, isExplicit := explicit[flagName]; isExplicit {
			continue
		}
		if err := flagSet.Set(flagName, flagValue); err != nil {
			return errors.Wrapf(err, "failed to set flag %s", flagName)
		}
	}
	return nil
}

// Apply fills the process flags from `conf`, leaving the ones given on the command line untouched.
func Apply(conf *Config) error {
	return setConfigFlags(flag.CommandLine, conf)
}

// definedFlags returns the flag names declared by the Config schema.
func definedFlags() (map[ /*flagName*/ string]struct{}, error) {
	flagSet := make(map[string]struct{})
	var walk func(t reflect.Type) error
	walk = func(t reflect.Type) error {
		for fieldIdx := 0; fieldIdx < t.NumField(); fieldIdx++ {
			field := t.Field(fieldIdx)
			if field.Type.Kind() == reflect.Struct {
				if err := walk(field.Type); err != nil {
					return err
				}
				continue
			}
			if flagName := field.Tag.Get("flag"); flagName != "" {
				if _, exists := flagSet[flagName]; exists {
					return errors.Newf("duplicate flag name '%s' in config: %s", flagName, field.Name)
				}
				flagSet[flagName] = struct{}{}
			}
		}
		return nil
	}
	if err := walk(reflect.TypeOf(Config{})); err != nil {
		return nil, err
	}
	return flagSet, nil
}

// InitFlags parses the command line and then fills the flags that weren't given on it from the config file specified
// by the --config_file flag. It should be called after defining all flags and before using them.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}
	content, err := os.ReadFile(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath)
		return
	}
	if err != nil { // If the config file cannot be read, we skip loading and use default flag values.
		slog.Error("Failed to read config file.", "path", *configFilePath, "error", err)
		return
	}
	conf, err := Parse(content)
	if err != nil {
		slog.Error("Failed to parse config file.", "path", *configFilePath, "error", err)
		return
	}
	if err := Apply(conf); err != nil {
		slog.Error("Failed to set flags from config file.", "error", err)
		return
	}
}

// CollectUnregisteredFlags collects all flags that haven't been declared in the Config schema.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	declared, err := definedFlags()
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, hasConfigEntry := declared[f.Name]; !hasConfigEntry {
			errs = append(errs, errors.Newf("flag '%s' has not been defined in the config schema", f.Name))
		}
	})
	return errs
}

// SetTestFlag sets a flag to a specific value for the duration of the test.
func SetTestFlag(t *testing.T, name, value string) {
	t.Helper()
	flagHolder := flag.Lookup(name)
	require.NotNil(t, flagHolder, "Flag %s not found", name)
	if flagHolder != nil { // Revert the flag value back to its original when the test is done.
		prevValue := flagHolder.Value.String()
		t.Cleanup(func() { require.NoError(t, flag.Set(name, prevValue)) })
	}
	require.NoError(t, flag.Set(name, value))
}
