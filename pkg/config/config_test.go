package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestConfigRoundTrip(t *testing.T) {
	maxsz := 4
	in := Config{
		Log:                 true,
		LogOutput:           "proc,step",
		DisableHardwareStep: true,
		MaxWatchpointSize:   &maxsz,
	}

	data, err := yaml.Marshal(in)
	require.NoError(t, err)

	var out Config
	require.NoError(t, yaml.Unmarshal(data, &out))
	assert.Equal(t, in.Log, out.Log)
	assert.Equal(t, in.LogOutput, out.LogOutput)
	assert.Equal(t, in.DisableHardwareStep, out.DisableHardwareStep)
	require.NotNil(t, out.MaxWatchpointSize)
	assert.Equal(t, maxsz, *out.MaxWatchpointSize)
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	require.NoError(t, yaml.Unmarshal([]byte("log: false\n"), &c))
	assert.False(t, c.DisableHardwareStep)
	assert.Nil(t, c.MaxWatchpointSize)
}
