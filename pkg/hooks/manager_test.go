package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubListener struct {
	name      string
	context   string
	startErr  error
	endErr    error
	endCalled int
}

func (s *stubListener) Name() string { return s.name }

func (s *stubListener) BeforeAgentStart(ctx context.Context, event BeforeAgentStartEvent) (*BeforeAgentStartResult, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	if s.context == "" {
		return nil, nil
	}
	return &BeforeAgentStartResult{PrependContext: s.context}, nil
}

func (s *stubListener) AgentEnd(ctx context.Context, event AgentEndEvent) error {
	s.endCalled++
	return s.endErr
}

func TestManagerMergesPrependContextInRegistrationOrder(t *testing.T) {
	manager := NewManager(Config{Logger: zerolog.Nop()})
	manager.Register(&stubListener{name: "first", context: "first block"})
	manager.Register(&stubListener{name: "second", context: "second block"})

	result, err := manager.BeforeAgentStart(context.Background(), BeforeAgentStartEvent{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "first block\n\nsecond block", result.PrependContext)
}

func TestManagerSkipsEmptyContributions(t *testing.T) {
	manager := NewManager(Config{Logger: zerolog.Nop()})
	manager.Register(&stubListener{name: "silent"})
	manager.Register(&stubListener{name: "speaker", context: "only block"})

	result, err := manager.BeforeAgentStart(context.Background(), BeforeAgentStartEvent{})
	require.NoError(t, err)
	assert.Equal(t, "only block", result.PrependContext)
}

func TestManagerReturnsJoinedErrorsWithPartialResult(t *testing.T) {
	manager := NewManager(Config{Logger: zerolog.Nop()})
	manager.Register(&stubListener{name: "broken", startErr: errors.New("backend down")})
	manager.Register(&stubListener{name: "working", context: "still here"})

	result, err := manager.BeforeAgentStart(context.Background(), BeforeAgentStartEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener broken")
	assert.Equal(t, "still here", result.PrependContext)
}

func TestManagerAgentEndNotifiesEveryListener(t *testing.T) {
	first := &stubListener{name: "first", endErr: errors.New("first failed")}
	second := &stubListener{name: "second"}

	manager := NewManager(Config{Logger: zerolog.Nop()})
	manager.Register(first)
	manager.Register(second)

	err := manager.AgentEnd(context.Background(), AgentEndEvent{Success: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener first")
	assert.Equal(t, 1, first.endCalled)
	assert.Equal(t, 1, second.endCalled)
}

func TestManagerNilSafe(t *testing.T) {
	var manager *Manager

	result, err := manager.BeforeAgentStart(context.Background(), BeforeAgentStartEvent{})
	require.NoError(t, err)
	assert.Empty(t, result.PrependContext)

	require.NoError(t, manager.AgentEnd(context.Background(), AgentEndEvent{}))
}

func TestManagerIgnoresNilListener(t *testing.T) {
	manager := NewManager(Config{Logger: zerolog.Nop()})
	manager.Register(nil)

	result, err := manager.BeforeAgentStart(context.Background(), BeforeAgentStartEvent{})
	require.NoError(t, err)
	assert.Empty(t, result.PrependContext)
}
