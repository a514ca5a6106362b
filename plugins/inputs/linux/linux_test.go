package linux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchListsBlacklist(t *testing.T) {
	m, err := compileLists(nil, []string{`loop\d+`, `ram\d+`, `sr0`})
	require.NoError(t, err)
	assert.False(t, m.accept("loop0"))
	assert.False(t, m.accept("ram15"))
	assert.False(t, m.accept("sr0"))
	assert.True(t, m.accept("sda"))
	// Full-match semantics: a blacklist entry does not match substrings.
	assert.True(t, m.accept("xloop0"))
	assert.True(t, m.accept("sr01"))
}

func TestMatchListsWhitelistWins(t *testing.T) {
	m, err := compileLists([]string{`eth\d+`}, []string{`eth0`})
	require.NoError(t, err)
	assert.True(t, m.accept("eth0"))
	assert.True(t, m.accept("eth1"))
	assert.False(t, m.accept("lo"))
}

func TestMatchListsEmptyAcceptsAll(t *testing.T) {
	m, err := compileLists(nil, nil)
	require.NoError(t, err)
	assert.True(t, m.accept("anything"))
}

func TestCompileListsBadPattern(t *testing.T) {
	_, err := compileLists([]string{`(`}, nil)
	assert.Error(t, err)
}
