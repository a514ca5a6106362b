// Package config loads the agent's declarative TOML configuration. The file
// has one table per worker carrying a module_type key, plus an optional
// [main] table whose entries become defaults for every worker table. Any
// ${NAME} in the file is substituted from the environment before decoding,
// and unknown keys are rejected.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed default.toml
var defaultConfig string

// Common holds the options every worker understands. Concrete plugins embed
// it and add their own.
type Common struct {
	ModuleType       string            `toml:"module_type"`
	Inactive         bool              `toml:"module_inactive"`
	FlushInterval    float64           `toml:"flush_interval"`
	MaxFlushInterval float64           `toml:"max_flush_interval"`
	RandomizeStartup bool              `toml:"randomize_startup"`
	BufferLimit      int               `toml:"buffer_limit"`
	ChunkSize        int               `toml:"chunk_size"`
	SocketTimeout    float64           `toml:"socket_timeout"`
	PushCountLimit   int               `toml:"push_count_limit"`
	PushTimeLimit    float64           `toml:"push_time_limit"`
	AddTimestamps    bool              `toml:"add_timestamps"`
	SelfReport       bool              `toml:"self_report"`
	LogLevel         string            `toml:"log_level"`
	LocalHost        string            `toml:"local_host"`
	LocalPort        int               `toml:"local_port"`
	RemoteHosts      []string          `toml:"remote_hosts"`
	Destinations     []string          `toml:"destinations"`
	Metadata         map[string]string `toml:"metadata"`

	name string
}

// Defaults returns the baseline every worker starts from before the [main]
// table and its own table are applied.
func Defaults() Common {
	return Common{
		FlushInterval:    10,
		MaxFlushInterval: 600,
		RandomizeStartup: true,
		BufferLimit:      10000,
		ChunkSize:        300,
		LocalHost:        "0.0.0.0",
	}
}

// CommonConfig lets the loader reach the embedded Common of any plugin.
func (c *Common) CommonConfig() *Common { return c }

func (c *Common) SetName(name string) { c.name = name }
func (c *Common) Name() string        { return c.name }

// Normalize clamps options to their documented lower bounds and resolves
// dependent defaults.
func (c *Common) Normalize() {
	if c.FlushInterval < 1 {
		c.FlushInterval = 1
	}
	if c.MaxFlushInterval < c.FlushInterval {
		c.MaxFlushInterval = c.FlushInterval
	}
	if c.BufferLimit < 100 {
		c.BufferLimit = 100
	}
	if c.ChunkSize < 1 {
		c.ChunkSize = 1
	}
	if c.SocketTimeout > 0 && c.SocketTimeout < 1 {
		c.SocketTimeout = 1
	}
	if c.PushCountLimit <= 0 {
		c.PushCountLimit = c.BufferLimit
	}
	if c.PushTimeLimit <= 0 {
		c.PushTimeLimit = c.FlushInterval / 3
	}
	if c.PushTimeLimit < 0.1 {
		c.PushTimeLimit = 0.1
	}
}

// Plugin is implemented by every worker struct through its embedded Common.
type Plugin interface {
	CommonConfig() *Common
}

// Module is one worker table from the config file, decodable any number of
// times (the supervisor re-decodes on every worker restart).
type Module struct {
	Name string
	Type string

	cfg  *Config
	prim toml.Primitive
}

// Decode populates v from the module's table. The embedded Common is seeded
// with the file-level defaults first, so table keys override [main] which
// overrides the built-ins.
func (m *Module) Decode(v Plugin) error {
	*v.CommonConfig() = m.cfg.defaults
	if err := m.cfg.md.PrimitiveDecode(m.prim, v); err != nil {
		return fmt.Errorf("module %s: %w", m.Name, err)
	}
	c := v.CommonConfig()
	c.SetName(m.Name)
	c.Normalize()
	return nil
}

// Config is a parsed configuration file.
type Config struct {
	Modules []*Module

	md       toml.MetaData
	defaults Common
	inactive map[string]bool
}

// Defaults returns the effective [main] table (built-ins overridden by the
// file's main table).
func (c *Config) Defaults() Common { return c.defaults }

var envRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func substituteEnv(s string) string {
	return envRe.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// Load reads and parses the config file at path, falling back to the
// built-in default configuration when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(defaultConfig)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(raw))
}

// Parse parses configuration text.
func Parse(text string) (*Config, error) {
	text = substituteEnv(text)

	var tables map[string]toml.Primitive
	md, err := toml.Decode(text, &tables)
	if err != nil {
		return nil, err
	}

	cfg := &Config{md: md, defaults: Defaults(), inactive: make(map[string]bool)}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prim := tables[name]
		if name == "main" {
			if err := md.PrimitiveDecode(prim, &cfg.defaults); err != nil {
				return nil, fmt.Errorf("main table: %w", err)
			}
			continue
		}
		var peek struct {
			ModuleType string `toml:"module_type"`
			Inactive   bool   `toml:"module_inactive"`
		}
		if err := md.PrimitiveDecode(prim, &peek); err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		if peek.ModuleType == "" {
			return nil, fmt.Errorf("table %s has no module_type", name)
		}
		if peek.Inactive {
			cfg.inactive[name] = true
			continue
		}
		cfg.Modules = append(cfg.Modules, &Module{
			Name: name,
			Type: peek.ModuleType,
			cfg:  cfg,
			prim: prim,
		})
	}
	return cfg, nil
}

// CheckUndecoded returns an error naming configuration keys nothing consumed.
// Call it after every module has been decoded once.
func (c *Config) CheckUndecoded() error {
	und := c.md.Undecoded()
	if len(und) == 0 {
		return nil
	}
	keys := make([]string, 0, len(und))
	for _, k := range und {
		if len(k) > 0 && c.inactive[k[0]] {
			continue
		}
		keys = append(keys, k.String())
	}
	if len(keys) == 0 {
		return nil
	}
	return fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
}
