package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		assert.True(t, hasCommand(t, "start"), "start command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		output, err := runCommand(t, "start", "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Start the mimir daemon in the foreground")
		assert.Contains(t, output, "gateway")
	})
}
