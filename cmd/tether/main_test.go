package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRootCommand(t *testing.T) {
	root, err := newRootCommand()
	require.NoError(t, err)

	pf := root.PersistentFlags()
	for _, name := range []string{"config", "url", "token"} {
		require.NotNil(t, pf.Lookup(name), name)
	}
	for _, name := range []string{"serve", "query", "watch", "config"} {
		c, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, c.Name())
	}
}
