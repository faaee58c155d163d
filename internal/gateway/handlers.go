package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/agentcube/code-interpreter-gateway/internal/pool"
)

// executeRequest is the POST /execute body.
type executeRequest struct {
	UserUUID string `json:"user_uuid"`
	Code     string `json:"code"`
}

// executeResponse is the POST /execute 2xx body — result_text and
// result_base64 are mutually exclusive.
type executeResponse struct {
	ResultText   *string `json:"result_text"`
	ResultBase64 *string `json:"result_base64"`
}

type releaseRequest struct {
	UserUUID string `json:"user_uuid"`
}

type releaseResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

type statusResponse struct {
	TotalWorkers      int  `json:"total_workers"`
	BusyWorkers       int  `json:"busy_workers"`
	IdleWorkersInPool int  `json:"idle_workers_in_pool"`
	IsInitializing    bool `json:"is_initializing"`
}

// writeTypedError writes a TypedError as its mapped HTTP status with a
// small operator-facing JSON body, never leaking internals.
func writeTypedError(c *gin.Context, e *TypedError) {
	c.JSON(e.HTTPStatus(), gin.H{
		"error": e.Detail,
		"code":  string(e.Kind),
	})
}

// handleExecute implements POST /execute: acquire a sandbox for the
// session, forward the code body, and apply the recovery policy to the
// pool based on the outcome.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserUUID == "" {
		writeTypedError(c, errUserCode("request body must be {\"user_uuid\":\"...\",\"code\":\"...\"}"))
		return
	}
	c.Set("user_uuid", req.UserUUID)

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.ProxyTimeout)
	defer cancel()

	sb, err := s.pool.Acquire(ctx, req.UserUUID)
	if err != nil {
		writeTypedError(c, poolErrToTyped(err))
		return
	}

	body, err := json.Marshal(map[string]string{"code": req.Code})
	if err != nil {
		writeTypedError(c, errInternal("failed to encode request for sandbox"))
		return
	}

	out := s.forwarder.forwardExecute(ctx, sb, req.UserUUID, body)

	if out.destroySession {
		s.pool.RecordFailure(req.UserUUID)
	}

	if out.gatewayErr != nil {
		if out.gatewayErr.Kind == KindUserCodeError {
			// Pure user-code error: pass the sandbox's own status/body
			// through and retain the session.
			c.Data(out.status, "application/json", out.body)
			return
		}
		klog.Warningf("gateway: execute failed for session %s: %v", req.UserUUID, out.gatewayErr)
		writeTypedError(c, out.gatewayErr)
		return
	}

	var resp executeResponse
	if err := json.Unmarshal(out.body, &resp); err != nil {
		s.pool.RecordFailure(req.UserUUID)
		writeTypedError(c, errInternal("sandbox returned an unparseable success body"))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleRelease implements POST /release. Idempotent: releasing an
// unknown session is a no-op and still returns 200.
func (s *Server) handleRelease(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserUUID == "" {
		writeTypedError(c, errUserCode("request body must be {\"user_uuid\":\"...\"}"))
		return
	}

	s.pool.Release(req.UserUUID)
	c.JSON(http.StatusOK, releaseResponse{Status: "ok", Detail: "session released"})
}

// handleStatus implements GET /status: a read-only snapshot of pool
// counters.
func (s *Server) handleStatus(c *gin.Context) {
	stats := s.pool.Snapshot()
	c.JSON(http.StatusOK, statusResponse{
		TotalWorkers:      stats.Total,
		BusyWorkers:       stats.Busy,
		IdleWorkersInPool: stats.Idle,
		IsInitializing:    stats.Initializing,
	})
}

// handleHealthz is an unauthenticated liveness probe, grounded on
// pkg/router/handlers.go's handleHealthLive.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// handleReadyz is an unauthenticated readiness probe: not ready while the
// pool is still initializing, grounded on handleHealthReady.
func (s *Server) handleReadyz(c *gin.Context) {
	stats := s.pool.Snapshot()
	if stats.Initializing {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// poolErrToTyped maps a pool-layer sentinel error to the gateway's
// taxonomy.
func poolErrToTyped(err error) *TypedError {
	switch {
	case errors.Is(err, pool.ErrInitializing):
		return errInitializing()
	case errors.Is(err, pool.ErrNoCapacity):
		return errNoCapacity()
	case errors.Is(err, pool.ErrCreationFailed):
		return errCreationFailed()
	default:
		return errInternal(err.Error())
	}
}
