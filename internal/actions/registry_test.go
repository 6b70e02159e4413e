package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/pkg/schema"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&LogMessageAction{}))

	a, err := reg.Get("log.message")
	require.NoError(t, err)
	assert.Equal(t, "log.message", a.Name())
	assert.True(t, reg.Has("log.message"))
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&LogMessageAction{}))

	err := reg.Register(&LogMessageAction{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("nope")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, HTTPConfig{}))

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "http.request", infos[0].Name)
	assert.Equal(t, "log.message", infos[1].Name)
}
