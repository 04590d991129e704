package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateClientID(t *testing.T) {
	a, err := GenerateClientID(ClientIDPrefix)
	require.NoError(t, err)
	b, err := GenerateClientID(ClientIDPrefix)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(a[:]), ClientIDPrefix))
	assert.NotEqual(t, a, b, "suffix must be random")

	_, err = GenerateClientID(strings.Repeat("x", 21))
	assert.ErrorIs(t, err, ErrClientIDPrefix)
}

func TestGlobalUpdateIsCopyOnWrite(t *testing.T) {
	require.NoError(t, Init())

	before := Load()
	after := Update(func(c *Config) { c.DialTimeout = time.Second })

	assert.Equal(t, time.Second, Load().DialTimeout)
	assert.NotEqual(t, time.Second, before.DialTimeout, "earlier snapshot must not change")
	assert.Same(t, after, Load())

	Swap(*before)
	assert.Equal(t, before.DialTimeout, Load().DialTimeout)
}
