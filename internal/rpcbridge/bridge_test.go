package rpcbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleRequest_UnknownMethodIsRPCError(t *testing.T) {
	b := New()
	reply := b.HandleRequest(context.Background(), "id-1", "db.query", nil)
	require.Error(t, reply.Err)
	assert.Equal(t, "RPCError", reply.Name)
	assert.ErrorIs(t, reply.Err, ErrUnknownMethod)
}

func TestHandleRequest_PreservesCustomErrorName(t *testing.T) {
	b := New()
	b.RegisterHandler("db.query", func(ctx context.Context, args any) (any, error) {
		return nil, &RPCError{Name: "PoolExhausted", Message: "no connections available"}
	})
	reply := b.HandleRequest(context.Background(), "id-1", "db.query", nil)
	require.Error(t, reply.Err)
	assert.Equal(t, "PoolExhausted", reply.Name)
}

func TestCallResolve_DeliversExactlyOnce(t *testing.T) {
	b := New()
	id, wait := b.Call()
	b.Resolve(id, 42)

	select {
	case r := <-wait:
		assert.Equal(t, 42, r.Result)
	case <-time.After(time.Second):
		t.Fatal("reply not delivered")
	}

	// a second resolve for the same (now-removed) id must be ignored, not panic.
	assert.NotPanics(t, func() { b.Resolve(id, 99) })
}

func TestReject_PreservesErrorName(t *testing.T) {
	b := New()
	id, wait := b.Call()
	b.Reject(id, "ValidationError", "bad input")

	r := <-wait
	require.Error(t, r.Err)
	assert.Equal(t, "ValidationError", r.Name)
	assert.EqualError(t, r.Err, "bad input")
}

func TestDeliver_UnknownIDIsIgnored(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() { b.Resolve("does-not-exist", "x") })
}
