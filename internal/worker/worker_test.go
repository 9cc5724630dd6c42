package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isorun/isorun/internal/models"
)

func TestRun_SimpleEntryReturnsResult(t *testing.T) {
	proc, err := Spawn("w1")
	require.NoError(t, err)

	r := NewRunner(proc, 1000)
	out := r.Run(context.Background(), models.Packet{
		Code:  "export default (x)=>x*2",
		Input: 5,
		Entry: "default",
	}, nil)

	require.True(t, out.OK)
	assert.EqualValues(t, 10, out.Result)
}

func TestRun_InfiniteLoopTimesOut(t *testing.T) {
	proc, err := Spawn("w2")
	require.NoError(t, err)

	r := NewRunner(proc, 50)
	out := r.Run(context.Background(), models.Packet{
		Code:  "export default ()=>{while(true){}}",
		Entry: "default",
	}, nil)

	require.False(t, out.OK)
	require.Len(t, out.Logs, 1)
	assert.Equal(t, models.ErrNameTimeoutError, out.Logs[0].Name)
}

func TestRun_ThrownErrorBecomesExceptionLog(t *testing.T) {
	proc, err := Spawn("w3")
	require.NoError(t, err)

	r := NewRunner(proc, 1000)
	out := r.Run(context.Background(), models.Packet{
		Code:  "export default async()=>{ throw new Error('boom') }",
		Entry: "default",
	}, nil)

	require.False(t, out.OK)
	require.Len(t, out.Logs, 1)
	assert.Equal(t, models.LogLevelException, out.Logs[0].Level)
	assert.Equal(t, "Error", out.Logs[0].Name)
	assert.Contains(t, out.Logs[0].Message, "boom")
}

func TestRun_ConsoleLogsPreserveOrder(t *testing.T) {
	proc, err := Spawn("w4")
	require.NoError(t, err)

	r := NewRunner(proc, 1000)
	out := r.Run(context.Background(), models.Packet{
		Code:  "export default ()=>{ console.log('a'); console.warn('b'); return 1 }",
		Entry: "default",
	}, nil)

	require.True(t, out.OK)
	require.Len(t, out.Logs, 2)
	assert.Equal(t, "a", out.Logs[0].Message)
	assert.Equal(t, "b", out.Logs[1].Message)
}

func TestRun_NamedExportEntryPoint(t *testing.T) {
	proc, err := Spawn("w5")
	require.NoError(t, err)

	r := NewRunner(proc, 1000)
	out := r.Run(context.Background(), models.Packet{
		Code:  "export function triple(x){ return x*3 }",
		Input: 4,
		Entry: "triple",
	}, nil)

	require.True(t, out.OK)
	assert.EqualValues(t, 12, out.Result)
}

func TestTranspileEntryModule_RewritesExportForms(t *testing.T) {
	cases := map[string]string{
		"export default (x)=>x*2":         "globalThis.default = (x)=>x*2",
		"export function foo(){return 1}": "globalThis.foo = function foo(){return 1}",
		"export const foo = 1":            "var foo = 1",
		"export let foo = 1":              "var foo = 1",
		"export class Foo {}":             "globalThis.Foo = class Foo {}",
	}
	for in, want := range cases {
		assert.Equal(t, want, transpileEntryModule(in), "input: %s", in)
	}
}
