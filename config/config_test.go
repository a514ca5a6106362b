package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPlugin struct {
	Common
	Extra string `toml:"extra"`
}

func TestParseModuleWithMainDefaults(t *testing.T) {
	cfg, err := Parse(`
[main]
flush_interval = 5.0
log_level = "debug"

[main.metadata]
host = "h1"

[statsd]
module_type = "statsd_server"
extra = "x"
`)
	require.NoError(t, err)
	require.Len(t, cfg.Modules, 1)
	m := cfg.Modules[0]
	assert.Equal(t, "statsd", m.Name)
	assert.Equal(t, "statsd_server", m.Type)

	var p testPlugin
	require.NoError(t, m.Decode(&p))
	assert.Equal(t, 5.0, p.FlushInterval)
	assert.Equal(t, "x", p.Extra)
	assert.Equal(t, "h1", p.Metadata["host"])
	assert.Equal(t, "statsd", p.Name())
	require.NoError(t, cfg.CheckUndecoded())
}

func TestParseModuleOverridesDefaults(t *testing.T) {
	cfg, err := Parse(`
[main]
flush_interval = 5.0

[statsd]
module_type = "statsd_server"
flush_interval = 1.0
`)
	require.NoError(t, err)
	var p testPlugin
	require.NoError(t, cfg.Modules[0].Decode(&p))
	assert.Equal(t, 1.0, p.FlushInterval)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	cfg, err := Parse(`
[statsd]
module_type = "statsd_server"
no_such_option = true
`)
	require.NoError(t, err)
	var p testPlugin
	require.NoError(t, cfg.Modules[0].Decode(&p))
	err = cfg.CheckUndecoded()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_option")
}

func TestParseSkipsInactiveModules(t *testing.T) {
	cfg, err := Parse(`
[statsd]
module_type = "statsd_server"

[carbon]
module_type = "carbon_client"
module_inactive = true
some_unconsumed_key = 1
`)
	require.NoError(t, err)
	require.Len(t, cfg.Modules, 1)
	var p testPlugin
	require.NoError(t, cfg.Modules[0].Decode(&p))
	// Keys inside inactive tables are not an error.
	assert.NoError(t, cfg.CheckUndecoded())
}

func TestParseRequiresModuleType(t *testing.T) {
	_, err := Parse(`
[statsd]
local_port = 8125
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module_type")
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("BUCKY3_TEST_HOST", "env-host")
	cfg, err := Parse(`
[statsd]
module_type = "statsd_server"

[statsd.metadata]
host = "${BUCKY3_TEST_HOST}"
`)
	require.NoError(t, err)
	var p testPlugin
	require.NoError(t, cfg.Modules[0].Decode(&p))
	assert.Equal(t, "env-host", p.Metadata["host"])
}

func TestEnvSubstitutionLeavesBareDollarAlone(t *testing.T) {
	cfg, err := Parse(`
[linux]
module_type = "linux_stats"

[linux.metadata]
pattern = "^loop\\d+$"
`)
	require.NoError(t, err)
	var p testPlugin
	require.NoError(t, cfg.Modules[0].Decode(&p))
	assert.Equal(t, `^loop\d+$`, p.Metadata["pattern"])
}

func TestNormalizeClampsBounds(t *testing.T) {
	c := Common{FlushInterval: 0.1, BufferLimit: 5, ChunkSize: 0, SocketTimeout: 0.2}
	c.Normalize()
	assert.Equal(t, 1.0, c.FlushInterval)
	assert.Equal(t, 100, c.BufferLimit)
	assert.Equal(t, 1, c.ChunkSize)
	assert.Equal(t, 1.0, c.SocketTimeout)
	assert.Equal(t, 100, c.PushCountLimit)
	assert.InDelta(t, 1.0/3, c.PushTimeLimit, 1e-9)
	assert.Equal(t, 1.0, c.MaxFlushInterval)
}

func TestNormalizePushTimeLimitFloor(t *testing.T) {
	c := Defaults()
	c.FlushInterval = 1
	c.Normalize()
	assert.InDelta(t, 1.0/3, c.PushTimeLimit, 1e-9)

	c = Defaults()
	c.FlushInterval = 0.1
	c.Normalize()
	// 1s/3 is above the 0.1s floor.
	assert.InDelta(t, 1.0/3, c.PushTimeLimit, 1e-9)
}

func TestLoadFallsBackToDefaultConfig(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Modules)
	names := make(map[string]bool)
	for _, m := range cfg.Modules {
		names[m.Name] = true
	}
	assert.True(t, names["statsd"])
	assert.True(t, names["prometheus"])
	assert.False(t, names["carbon"])
}
