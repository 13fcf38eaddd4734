// Package config loads orbit.Options from a YAML file and the environment.
//
// Keys mirror the option names (entities, dbName, clientUrl,
// ensureIndexes, debug, discovery.disableDynamicFileAccess,
// discovery.requireEntitiesArray, cache.enabled, cache.ttl). Environment
// variables use the ORBIT_ prefix with dots replaced by underscores, so
// ORBIT_CACHE_ENABLED=true overrides cache.enabled.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/syssam/orbit"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "ORBIT"

const (
	keyEntities             = "entities"
	keyDBName               = "dbName"
	keyClientURL            = "clientUrl"
	keyEnsureIndexes        = "ensureIndexes"
	keyDebug                = "debug"
	keyDisableDynamicAccess = "discovery.disableDynamicFileAccess"
	keyRequireEntities      = "discovery.requireEntitiesArray"
	keyCacheEnabled         = "cache.enabled"
	keyCacheTTL             = "cache.ttl"
)

// New returns a viper instance with the option defaults and environment
// bindings registered.
func New() *viper.Viper {
	def := orbit.DefaultOptions()
	v := viper.New()
	v.SetDefault(keyEntities, def.Entities)
	v.SetDefault(keyDBName, def.DBName)
	v.SetDefault(keyClientURL, def.ClientURL)
	v.SetDefault(keyEnsureIndexes, def.EnsureIndexes)
	v.SetDefault(keyDebug, def.Debug)
	v.SetDefault(keyDisableDynamicAccess, def.Discovery.DisableDynamicFileAccess)
	v.SetDefault(keyRequireEntities, def.Discovery.RequireEntitiesArray)
	v.SetDefault(keyCacheEnabled, def.Cache.Enabled)
	v.SetDefault(keyCacheTTL, def.Cache.TTL)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads options from the YAML file at path, applies environment
// overrides and normalizes the result. A missing file is not an error; an
// empty path reads the environment only.
func Load(path string) (orbit.Options, error) {
	v := New()
	if path != "" {
		v.SetConfigType("yaml")
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) && !errors.Is(err, os.ErrNotExist) {
				return orbit.Options{}, fmt.Errorf("config: read %s: %w", filepath.Base(path), err)
			}
		}
	}
	return Decode(v)
}

// Decode converts the settings of v into options.
func Decode(v *viper.Viper) (orbit.Options, error) {
	opts := orbit.DefaultOptions()
	if err := v.Unmarshal(&opts); err != nil {
		return orbit.Options{}, fmt.Errorf("config: decode: %w", err)
	}
	opts.Normalize()
	return opts, nil
}

// Dump renders options as YAML.
func Dump(opts orbit.Options) ([]byte, error) {
	out, err := yaml.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("config: dump: %w", err)
	}
	return out, nil
}
