package kernel

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isorun/isorun/internal/models"
)

func TestExecute_SimpleEntryReturnsResult(t *testing.T) {
	k, err := New(DefaultConfig(), Deps{})
	require.NoError(t, err)

	out := k.Execute(context.Background(), models.Request{
		Code:  "this.default = function(x){ return x*2 };",
		Input: 5,
	})
	require.True(t, out.OK)
	assert.EqualValues(t, 10, out.Result)
}

func TestExecute_OversizedCodeIsPayloadTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 10
	k, err := New(cfg, Deps{})
	require.NoError(t, err)

	out := k.Execute(context.Background(), models.Request{Code: strings.Repeat("x", 200)})
	require.False(t, out.OK)
	require.Len(t, out.Logs, 1)
	assert.Equal(t, models.ErrNamePayloadTooLarge, out.Logs[0].Name)
}

func TestExecute_TimeoutProducesTimeoutError(t *testing.T) {
	k, err := New(DefaultConfig(), Deps{})
	require.NoError(t, err)

	out := k.Execute(context.Background(), models.Request{
		Code:      "this.default = function(){ while(true){} };",
		TimeoutMS: 20,
	})
	require.False(t, out.OK)
	require.Len(t, out.Logs, 1)
	assert.Equal(t, models.ErrNameTimeoutError, out.Logs[0].Name)
}

func TestHasPlugin_DefaultSetWired(t *testing.T) {
	k, err := New(DefaultConfig(), Deps{})
	require.NoError(t, err)
	for _, name := range []string{"guard", "toolset", "permissions", "loader", "sandbox", "channel", "database", "logger"} {
		assert.True(t, k.HasPlugin(name), "expected plugin %q to be wired", name)
	}
}
