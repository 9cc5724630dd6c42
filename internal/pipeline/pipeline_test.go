package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isorun/isorun/internal/models"
)

func echoPlugins() []Plugin {
	return []Plugin{
		{
			Name:     "guard",
			Required: true,
			Setup: func(m *Manager) {
				m.OnValidate(func(ctx context.Context, pctx Context) (Context, error) {
					if pctx.Request.Code == "" {
						return pctx, fmt.Errorf("code is required")
					}
					return pctx.WithValue("validated", true), nil
				})
			},
		},
		{
			Name: "loader",
			Post: []string{"guard"},
			Setup: func(m *Manager) {
				m.OnLoad(func(ctx context.Context, pctx Context) (Context, error) {
					pctx.Packet = models.Packet{Code: pctx.Request.Code}
					return pctx, nil
				})
			},
		},
		{
			Name: "sandbox",
			Post: []string{"loader"},
			Setup: func(m *Manager) {
				m.OnExecute(func(ctx context.Context, pctx Context) (Context, error) {
					out := models.Output{OK: true, Result: pctx.Packet.Code}
					pctx.Output = &out
					return pctx, nil
				})
			},
		},
	}
}

func TestExecute_RunsChainsInOrder(t *testing.T) {
	m, err := NewManager(echoPlugins())
	require.NoError(t, err)

	out := m.Execute(context.Background(), models.Request{Code: "hi"})
	assert.True(t, out.OK)
	assert.Equal(t, "hi", out.Result)
}

func TestExecute_ValidateFailureShortCircuits(t *testing.T) {
	m, err := NewManager(echoPlugins())
	require.NoError(t, err)

	out := m.Execute(context.Background(), models.Request{})
	assert.False(t, out.OK)
	require.Len(t, out.Logs, 1)
	assert.Equal(t, models.ErrNameExecutionError, out.Logs[0].Name)
}

func TestNewManager_DetectsCycle(t *testing.T) {
	plugins := []Plugin{
		{Name: "a", Pre: []string{"b"}, Setup: func(m *Manager) {}},
		{Name: "b", Pre: []string{"a"}, Setup: func(m *Manager) {}},
	}
	_, err := NewManager(plugins)
	assert.Error(t, err)
}

func TestHasPlugin_ReflectsWiredSet(t *testing.T) {
	m, err := NewManager(echoPlugins())
	require.NoError(t, err)
	assert.True(t, m.HasPlugin("guard"))
	assert.False(t, m.HasPlugin("database"))
}
