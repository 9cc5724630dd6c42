package tools

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isorun/isorun/internal/channelbus"
	"github.com/isorun/isorun/internal/models"
	"github.com/isorun/isorun/internal/scope"
)

func TestExtract_UnknownNamesDropped(t *testing.T) {
	r := NewRegistry()
	resolved := r.Extract([]models.ToolSpec{{Name: "crypto"}, {Name: "not-a-real-tool"}})
	require.Len(t, resolved, 1)
	assert.Equal(t, "crypto", resolved[0].Tool.Name)
}

func TestExtract_DuplicateNameLastConfigWins(t *testing.T) {
	r := NewRegistry()
	resolved := r.Extract([]models.ToolSpec{
		{Name: "db", Config: DBConfig{URL: "sqlite://first"}},
		{Name: "crypto"},
		{Name: "db", Config: DBConfig{URL: "sqlite://second"}},
	})
	require.Len(t, resolved, 2)
	// install order follows first appearance: db, then crypto.
	assert.Equal(t, "db", resolved[0].Tool.Name)
	assert.Equal(t, "crypto", resolved[1].Tool.Name)
	assert.Equal(t, DBConfig{URL: "sqlite://second"}, resolved[0].Config)
}

func TestInstall_RollsBackOnFailure(t *testing.T) {
	rt := goja.New()
	s := scope.New(rt)
	internal := &Internal{WorkerID: "w1", Bus: channelbus.New(), Limits: DefaultLimits()}

	teardownCalled := false
	good := Tool{
		Name:     "good",
		Setup:    func(s *scope.Scope, internal *Internal, config any) error { return s.Inject("good", true) },
		Teardown: func(s *scope.Scope, internal *Internal) error { teardownCalled = true; s.ForceDelete("good"); return nil },
	}
	bad := Tool{
		Name:  "bad",
		Setup: func(s *scope.Scope, internal *Internal, config any) error { return assert.AnError },
	}

	err := Install(s, internal, []Resolved{{Tool: good}, {Tool: bad}})
	require.Error(t, err)
	assert.True(t, teardownCalled)
}

func TestCryptoTool_GetRandomValuesRespectsByteCap(t *testing.T) {
	rt := goja.New()
	s := scope.New(rt)
	internal := &Internal{WorkerID: "w1", Bus: channelbus.New(), Limits: Limits{CryptoByteCap: 8, CryptoCallCap: 10}}

	tool := CryptoTool()
	require.NoError(t, tool.Setup(s, internal, nil))

	_, err := rt.RunString(`getRandomValues(4).byteLength`)
	require.NoError(t, err)

	_, err = rt.RunString(`getRandomValues(9999)`)
	assert.Error(t, err)
}

func TestCryptoTool_CallCapExceeded(t *testing.T) {
	rt := goja.New()
	s := scope.New(rt)
	internal := &Internal{WorkerID: "w1", Bus: channelbus.New(), Limits: Limits{CryptoByteCap: 64, CryptoCallCap: 2}}

	tool := CryptoTool()
	require.NoError(t, tool.Setup(s, internal, nil))

	_, err := rt.RunString(`randomUUID()`)
	require.NoError(t, err)
	_, err = rt.RunString(`randomUUID()`)
	require.NoError(t, err)
	_, err = rt.RunString(`randomUUID()`)
	assert.Error(t, err)
}
