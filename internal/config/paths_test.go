package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandHome("~/.config/feedforward/feedforward.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "feedforward", "feedforward.db"), got)

	got, err = ExpandHome("/var/lib/feedforward.db")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/feedforward.db", got)

	got, err = ExpandHome("relative/path.db")
	require.NoError(t, err)
	assert.Equal(t, "relative/path.db", got)
}
