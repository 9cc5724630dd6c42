package hardening

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarden_StrictSucceedsAndVerifyReportsNoFailures(t *testing.T) {
	rt := goja.New()
	report, err := Harden(rt, map[string]string{"PUBLIC_REGION": "us"}, Options{
		Prototypes: true, Builtins: true, Globals: true, Runtime: true, Strict: true,
	})
	require.NoError(t, err)
	assert.True(t, report.Success)

	verify := Verify(rt)
	assert.True(t, verify.Success)
	assert.Empty(t, verify.Builtins.Details)
	assert.Empty(t, verify.Prototypes.Details)
	assert.Empty(t, verify.Globals.Details)
}

func TestHarden_LockedEvalThrows(t *testing.T) {
	rt := goja.New()
	_, err := Harden(rt, nil, DefaultOptions())
	require.NoError(t, err)

	_, runErr := rt.RunString(`eval("1+1")`)
	assert.Error(t, runErr, "eval must be disabled after hardening")
}

func TestHarden_NonStrictRecordsFailuresWithoutAborting(t *testing.T) {
	rt := goja.New()
	report, err := Harden(rt, nil, Options{Builtins: true})
	require.NoError(t, err)
	_ = report // non-strict never returns an error even if some module reports a failure
}
