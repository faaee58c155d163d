package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/agentcube/code-interpreter-gateway/cmd/sandboxagent/internal/kernel"
	"github.com/agentcube/code-interpreter-gateway/internal/execchannel"
)

// executor is the subset of *kernel.Kernel the handlers depend on,
// following the same narrow-interface-for-dependency-injection pattern
// internal/pool.Pool uses for its healthCheck field: production wires a
// real *kernel.Kernel, tests wire a fake.
type executor interface {
	Execute(ctx context.Context, code string) (execchannel.Result, error)
	Reset(ctx context.Context) error
}

// executeRequest/executeResponse mirror the sandbox agent's /execute contract.
type executeRequest struct {
	Code string `json:"code" binding:"required"`
}

type executeResponse struct {
	ResultText   *string `json:"result_text"`
	ResultBase64 *string `json:"result_base64"`
}

// executeErrorBody is this repo's wire contract for a 4xx /execute
// response: Kind lets internal/gateway/proxy.go tell a pure user-code
// error apart from a user-code timeout without guessing from prose.
type executeErrorBody struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
}

const (
	kindError   = "error"
	kindTimeout = "timeout"
)

type agentServer struct {
	k                executor
	executionTimeout time.Duration
	lastPingOK       bool
}

var _ executor = (*kernel.Kernel)(nil)

func (s *agentServer) handleHealth(c *gin.Context) {
	if !s.lastPingOK {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleExecute runs one snippet against the persistent kernel and applies
// the text/image/error precedence rule when forming the response. A
// timeout or kernel error is reported as a 4xx with a Kind the proxy uses
// to decide whether the sandbox still deserves to live; a transport-level
// failure talking to the kernel itself is a 500, treated by the gateway as
// TransportFailure.
func (s *agentServer) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, executeErrorBody{Detail: err.Error(), Kind: kindError})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.executionTimeout)
	defer cancel()

	result, err := s.k.Execute(ctx, req.Code)
	if err != nil {
		if err == kernel.ErrTimeout {
			klog.Warningf("sandboxagent: execution timed out after %s", s.executionTimeout)
			c.JSON(http.StatusBadRequest, executeErrorBody{
				Detail: "execution timed out",
				Kind:   kindTimeout,
			})
			return
		}
		klog.Errorf("sandboxagent: kernel transport failure: %v", err)
		s.lastPingOK = false
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	if result.Kind == "error" {
		c.JSON(http.StatusBadRequest, executeErrorBody{Detail: result.ErrorDetail, Kind: kindError})
		return
	}

	resp := executeResponse{}
	if result.ImageBase64 != "" {
		resp.ResultBase64 = &result.ImageBase64
	} else {
		resp.ResultText = &result.Text
	}
	c.JSON(http.StatusOK, resp)
}

// handleReset restarts the kernel. Operator use only; the gateway's
// cattle-model recovery path never calls this.
func (s *agentServer) handleReset(c *gin.Context) {
	if err := s.k.Reset(c.Request.Context()); err != nil {
		klog.Errorf("sandboxagent: reset failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	s.lastPingOK = true
	c.Status(http.StatusNoContent)
}
