package scope

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScope(t *testing.T) *Scope {
	t.Helper()
	return New(goja.New())
}

func TestInject_RejectsReservedKeys(t *testing.T) {
	s := newScope(t)
	for _, key := range []string{"__proto__", "constructor", "prototype"} {
		assert.Error(t, s.Inject(key, 1))
	}
}

func TestInject_RejectsDottedKeys(t *testing.T) {
	s := newScope(t)
	assert.Error(t, s.Inject("a.b", 1))
}

func TestInject_VisibleToScript(t *testing.T) {
	s := newScope(t)
	require.NoError(t, s.Inject("answer", 42))

	v, err := s.Runtime().RunString("answer")
	require.NoError(t, err)
	assert.EqualValues(t, 42, v.Export())
}

func TestInject_IsIdempotentForTrackedKey(t *testing.T) {
	s := newScope(t)
	require.NoError(t, s.Inject("answer", 42))
	assert.NoError(t, s.Inject("answer", 42))
}

func TestReset_RemovesEverythingExceptKeepSet(t *testing.T) {
	s := newScope(t)
	require.NoError(t, s.Inject("a", 1))
	require.NoError(t, s.Inject("b", 2))

	s.Reset(map[string]struct{}{"a": {}})

	assert.ElementsMatch(t, []string{"a"}, s.Keys())
	v, err := s.Runtime().RunString("typeof b")
	require.NoError(t, err)
	assert.Equal(t, "undefined", v.String())
}

func TestReset_NilKeepRemovesAll(t *testing.T) {
	s := newScope(t)
	require.NoError(t, s.Inject("a", 1))
	s.Reset(nil)
	assert.Empty(t, s.Keys())
}

func TestForceDelete_RemovesKeyFromTracking(t *testing.T) {
	s := newScope(t)
	require.NoError(t, s.Inject("a", 1))
	s.ForceDelete("a")
	assert.Empty(t, s.Keys())
}
