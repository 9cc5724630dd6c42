package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isorun/isorun/internal/models"
)

type execFunc func(req models.Request) models.Output

func (f execFunc) Execute(ctx context.Context, req models.Request) models.Output {
	return f(req)
}

func TestHandleExecute_SuccessReturns200(t *testing.T) {
	r := New(execFunc(func(req models.Request) models.Output {
		return models.Output{OK: true, Result: 42, Duration: 5}
	}), nil, "test")

	body, _ := json.Marshal(models.Request{Code: "this.default=()=>42"})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleExecute_PayloadTooLargeReturns413(t *testing.T) {
	r := New(execFunc(func(req models.Request) models.Output {
		return models.ExceptionOutput(models.ErrNamePayloadTooLarge, "too big", 0)
	}), nil, "test")

	body, _ := json.Marshal(models.Request{Code: "x"})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandleExecute_DuplicateWithinWindowReturns429(t *testing.T) {
	r := New(execFunc(func(req models.Request) models.Output {
		return models.Output{OK: true, Duration: 1}
	}), nil, "test")

	body, _ := json.Marshal(models.Request{Code: "same"})

	req1 := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusOK, w1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	r := New(execFunc(func(req models.Request) models.Output { return models.Output{} }), nil, "1.2.3")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestHandleExecute_MethodNotAllowed(t *testing.T) {
	r := New(execFunc(func(req models.Request) models.Output { return models.Output{} }), nil, "test")
	req := httptest.NewRequest(http.MethodGet, "/execute", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
