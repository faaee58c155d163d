package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcube/code-interpreter-gateway/cmd/sandboxagent/internal/kernel"
	"github.com/agentcube/code-interpreter-gateway/internal/execchannel"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeExecutor stands in for *kernel.Kernel in handler tests, grounded on
// pkg/router/handlers_test.go's preference for hand-rolled fakes over a
// mocking framework.
type fakeExecutor struct {
	result    execchannel.Result
	err       error
	resetErr  error
	resetHits int
}

func (f *fakeExecutor) Execute(ctx context.Context, code string) (execchannel.Result, error) {
	return f.result, f.err
}

func (f *fakeExecutor) Reset(ctx context.Context) error {
	f.resetHits++
	return f.resetErr
}

func newTestAgentServer(exec executor) *agentServer {
	return &agentServer{k: exec, executionTimeout: time.Second, lastPingOK: true}
}

func doJSON(s *agentServer, method, path, body string, handler gin.HandlerFunc) *httptest.ResponseRecorder {
	engine := gin.New()
	switch method {
	case http.MethodPost:
		engine.POST(path, handler)
	case http.MethodGet:
		engine.GET(path, handler)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestHandleExecute_Success_Text(t *testing.T) {
	exec := &fakeExecutor{result: execchannel.Result{Kind: execchannel.KindOK, Text: "42\n"}}
	s := newTestAgentServer(exec)

	rec := doJSON(s, http.MethodPost, "/execute", `{"code":"print(42)"}`, s.handleExecute)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp executeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.ResultText)
	assert.Equal(t, "42\n", *resp.ResultText)
	assert.Nil(t, resp.ResultBase64)
}

func TestHandleExecute_Success_Image(t *testing.T) {
	exec := &fakeExecutor{result: execchannel.Result{Kind: execchannel.KindOK, ImageBase64: "iVBORw0KG=="}}
	s := newTestAgentServer(exec)

	rec := doJSON(s, http.MethodPost, "/execute", `{"code":"plot()"}`, s.handleExecute)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp executeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.ResultBase64)
	assert.Equal(t, "iVBORw0KG==", *resp.ResultBase64)
	assert.Nil(t, resp.ResultText)
}

func TestHandleExecute_UserCodeError(t *testing.T) {
	exec := &fakeExecutor{result: execchannel.Result{Kind: execchannel.KindError, ErrorDetail: "NameError: name 'x' is not defined"}}
	s := newTestAgentServer(exec)

	rec := doJSON(s, http.MethodPost, "/execute", `{"code":"print(x)"}`, s.handleExecute)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body executeErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, kindError, body.Kind)
	assert.Contains(t, body.Detail, "NameError")
}

func TestHandleExecute_Timeout(t *testing.T) {
	exec := &fakeExecutor{err: kernel.ErrTimeout}
	s := newTestAgentServer(exec)

	rec := doJSON(s, http.MethodPost, "/execute", `{"code":"while True: pass"}`, s.handleExecute)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body executeErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, kindTimeout, body.Kind)
}

func TestHandleExecute_TransportFailureMarksUnhealthy(t *testing.T) {
	exec := &fakeExecutor{err: simpleError("websocket closed")}
	s := newTestAgentServer(exec)
	require.True(t, s.lastPingOK)

	rec := doJSON(s, http.MethodPost, "/execute", `{"code":"1"}`, s.handleExecute)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, s.lastPingOK)
}

func TestHandleExecute_MissingCode(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestAgentServer(exec)

	rec := doJSON(s, http.MethodPost, "/execute", `{}`, s.handleExecute)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReset(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestAgentServer(exec)
	s.lastPingOK = false

	rec := doJSON(s, http.MethodPost, "/reset", "", s.handleReset)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, exec.resetHits)
	assert.True(t, s.lastPingOK)
}

func TestHandleHealth(t *testing.T) {
	s := newTestAgentServer(&fakeExecutor{})

	rec := doJSON(s, http.MethodGet, "/health", "", s.handleHealth)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.lastPingOK = false
	rec = doJSON(s, http.MethodGet, "/health", "", s.handleHealth)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type simpleError string

func (e simpleError) Error() string { return string(e) }
