package config

import (
	"github.com/spf13/viper"
)

// Override keys bound to command line flags and API_PUBLISHER_* environment variables
const (
	KeyInclude                    = "include"
	KeyIncludeOnly                = "includeOnly"
	KeyExclude                    = "exclude"
	KeyExcludeOnly                = "excludeOnly"
	KeyWhatIf                     = "whatIf"
	KeyIgnoreIsolation            = "ignoreIsolation"
	KeyLastChangeVersionProcessed = "lastChangeVersionProcessed"
	KeyPageSize                   = "streamingPageSize"
	KeyMaxConcurrentStreams       = "maxConcurrentResourceStreams"
	KeyStateStoreType             = "stateStoreType"
	KeyErrorFile                  = "errorFile"
)

// ApplyOverrides copies every key set on v over the file configuration and
// validates the result again
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	source := &c.Connections.Source

	if v.IsSet(KeyInclude) {
		source.Include = v.GetString(KeyInclude)
	}
	if v.IsSet(KeyIncludeOnly) {
		source.IncludeOnly = v.GetString(KeyIncludeOnly)
	}
	if v.IsSet(KeyExclude) {
		source.Exclude = v.GetString(KeyExclude)
	}
	if v.IsSet(KeyExcludeOnly) {
		source.ExcludeOnly = v.GetString(KeyExcludeOnly)
	}
	if v.IsSet(KeyIgnoreIsolation) {
		source.IgnoreIsolation = v.GetBool(KeyIgnoreIsolation)
	}
	if v.IsSet(KeyLastChangeVersionProcessed) {
		version := v.GetInt64(KeyLastChangeVersionProcessed)
		source.LastChangeVersionProcessed = &version
	}
	if v.IsSet(KeyWhatIf) {
		c.Options.WhatIf = v.GetBool(KeyWhatIf)
	}
	if v.IsSet(KeyPageSize) {
		c.Options.StreamingPageSize = v.GetInt64(KeyPageSize)
	}
	if v.IsSet(KeyMaxConcurrentStreams) {
		c.Options.MaxConcurrentResourceStreams = v.GetInt(KeyMaxConcurrentStreams)
	}
	if v.IsSet(KeyStateStoreType) && v.GetString(KeyStateStoreType) != c.StateStore.Type {
		c.StateStore.Type = v.GetString(KeyStateStoreType)
		c.StateStore.Path = ""
	}
	if v.IsSet(KeyErrorFile) {
		c.ErrorPublishing.File = v.GetString(KeyErrorFile)
	}

	c.applyDefaults()
	return c.Validate()
}
