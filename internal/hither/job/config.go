package job

import "time"

// CacheConfig selects where results are cached: either a named preset from the configuration file or
// explicit connection parameters, which override the preset's.
type CacheConfig struct {
	Preset     string `json:"preset,omitempty" mapstructure:"preset"`
	Backend    string `json:"backend,omitempty" mapstructure:"backend" validate:"omitempty,oneof=memory redis mongo sqlite"`
	URL        string `json:"url,omitempty" mapstructure:"url"`
	Database   string `json:"database,omitempty" mapstructure:"database"`
	Collection string `json:"collection,omitempty" mapstructure:"collection"`
	Password   string `json:"-" mapstructure:"password"`
	Path       string `json:"path,omitempty" mapstructure:"path"`
}

// Config is the execution policy applied to jobs as they are declared. A nil field inherits the
// value from the enclosing scope.
type Config struct {
	Container       *string
	Cache           *CacheConfig
	CacheFailing    *bool
	ForceRun        *bool
	GPU             *bool
	ExceptionOnFail *bool
	Timeout         *time.Duration
	Handler         Handler
}

// Merge returns c with every field set in override replaced.
func (c Config) Merge(override Config) Config {
	if override.Container != nil {
		c.Container = override.Container
	}
	if override.Cache != nil {
		c.Cache = override.Cache
	}
	if override.CacheFailing != nil {
		c.CacheFailing = override.CacheFailing
	}
	if override.ForceRun != nil {
		c.ForceRun = override.ForceRun
	}
	if override.GPU != nil {
		c.GPU = override.GPU
	}
	if override.ExceptionOnFail != nil {
		c.ExceptionOnFail = override.ExceptionOnFail
	}
	if override.Timeout != nil {
		c.Timeout = override.Timeout
	}
	if override.Handler != nil {
		c.Handler = override.Handler
	}
	return c
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
