package chat

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvard/mimir/pkg/tools"
)

func TestRunREPL(t *testing.T) {
	t.Run("requires a runner", func(t *testing.T) {
		err := RunREPL(context.Background(), REPLConfig{
			Input:  strings.NewReader(""),
			Output: &bytes.Buffer{},
			Logger: zerolog.Nop(),
		})
		require.Error(t, err)
	})

	t.Run("answers and quits", func(t *testing.T) {
		provider := &scriptedProvider{steps: []scriptStep{reply("Hi there.")}}
		runner := newTestRunner(t, provider, newTestRegistry(t))

		var out bytes.Buffer
		err := RunREPL(context.Background(), REPLConfig{
			Runner: runner,
			Input:  strings.NewReader("hello\n/quit\n"),
			Output: &out,
			Logger: zerolog.Nop(),
		})
		require.NoError(t, err)
		assert.Contains(t, out.String(), "mimir> Hi there.")
		assert.Contains(t, out.String(), "Bye.")
	})

	t.Run("skips blank lines", func(t *testing.T) {
		provider := &scriptedProvider{steps: []scriptStep{reply("Only once.")}}
		runner := newTestRunner(t, provider, newTestRegistry(t))

		var out bytes.Buffer
		err := RunREPL(context.Background(), REPLConfig{
			Runner: runner,
			Input:  strings.NewReader("\n   \nhello\n/exit\n"),
			Output: &out,
			Logger: zerolog.Nop(),
		})
		require.NoError(t, err)
		assert.Len(t, provider.requests, 1)
	})

	t.Run("reset clears the conversation", func(t *testing.T) {
		provider := &scriptedProvider{steps: []scriptStep{reply("One."), reply("Two.")}}
		runner := newTestRunner(t, provider, newTestRegistry(t))

		var out bytes.Buffer
		err := RunREPL(context.Background(), REPLConfig{
			Runner: runner,
			Input:  strings.NewReader("first\n/reset\nsecond\n/quit\n"),
			Output: &out,
			Logger: zerolog.Nop(),
		})
		require.NoError(t, err)
		assert.Contains(t, out.String(), "Conversation cleared.")

		second := provider.request(t, 1)
		require.Len(t, second.Messages, 1)
		assert.Equal(t, "second", second.Messages[0].Content)
	})

	t.Run("turn errors keep the loop alive", func(t *testing.T) {
		provider := &scriptedProvider{steps: []scriptStep{
			{err: errors.New("model offline")},
			reply("Back online."),
		}}
		runner := newTestRunner(t, provider, newTestRegistry(t))

		var out bytes.Buffer
		err := RunREPL(context.Background(), REPLConfig{
			Runner: runner,
			Input:  strings.NewReader("one\ntwo\n/quit\n"),
			Output: &out,
			Logger: zerolog.Nop(),
		})
		require.NoError(t, err)
		assert.Contains(t, out.String(), "error:")
		assert.Contains(t, out.String(), "mimir> Back online.")
	})

	t.Run("reports used tools", func(t *testing.T) {
		registry := newTestRegistry(t)
		require.NoError(t, registry.Register(tools.ToolDefinition{
			Name:        "lookup",
			Description: "Look something up",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return "found", nil
			},
		}))

		provider := &scriptedProvider{steps: []scriptStep{
			callTool("tc-1", "lookup", map[string]interface{}{}),
			reply("Found it."),
		}}
		runner := newTestRunner(t, provider, registry)

		var out bytes.Buffer
		err := RunREPL(context.Background(), REPLConfig{
			Runner: runner,
			Input:  strings.NewReader("search\n/quit\n"),
			Output: &out,
			Logger: zerolog.Nop(),
		})
		require.NoError(t, err)
		assert.Contains(t, out.String(), "(used lookup)")
	})

	t.Run("eof ends the loop", func(t *testing.T) {
		runner := newTestRunner(t, &scriptedProvider{}, newTestRegistry(t))

		err := RunREPL(context.Background(), REPLConfig{
			Runner: runner,
			Input:  strings.NewReader(""),
			Output: &bytes.Buffer{},
			Logger: zerolog.Nop(),
		})
		require.NoError(t, err)
	})
}
