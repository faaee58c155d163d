package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/agentcube/code-interpreter-gateway/internal/pool"
)

// executeResponseKind is the classification the sandbox agent attaches to
// a non-2xx /execute response, so the proxy can tell a pure user-code
// error (session retained) apart from a user-code timeout (session
// destroyed). This is an internal wire detail of this repo's own
// cmd/sandboxagent implementation; a response field is the chosen
// mechanism for signalling it (see executeErrorBody in
// cmd/sandboxagent/handlers.go).
type executeResponseKind string

const (
	kindUserError   executeResponseKind = "error"
	kindUserTimeout executeResponseKind = "timeout"
)

type sandboxErrorBody struct {
	Detail string               `json:"detail"`
	Kind   executeResponseKind  `json:"kind"`
}

// forwarder proxies a request body to a sandbox's internal HTTP endpoint
// and classifies the outcome per the recovery policy. Grounded
// on pkg/router/handlers.go's forwardToSandbox — a shared *http.Transport
// for connection reuse, and the same ErrorHandler-style classification of
// "connection refused" vs "timeout" into distinct responses — rebuilt
// here around a direct RoundTrip call instead of httputil.ReverseProxy,
// because the /execute contract requires inspecting the decoded response
// body (to tell a user-code error apart from a user-code timeout) before
// deciding whether the bound sandbox survives the call, something a
// byte-for-byte passthrough proxy is the wrong shape for.
type forwarder struct {
	transport *http.Transport
	signer    *RequestSigner
}

func newForwarder(signer *RequestSigner) *forwarder {
	return &forwarder{
		transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
		signer: signer,
	}
}

// outcome reports what happened to an /execute forward, and whether the
// sandbox must be destroyed as a result.
type outcome struct {
	status         int
	body           []byte
	destroySession bool
	gatewayErr     *TypedError
}

// forwardExecute forwards body to sb's /execute endpoint with ctx's
// deadline. Every result is reported as an outcome: a sandbox that
// replied is classified by classifyResponse, and failures that never
// produced a response to classify (connection refused, proxy timeout,
// client cancellation) are all TransportFailure outcomes.
func (f *forwarder) forwardExecute(ctx context.Context, sb *pool.Sandbox, sessionID string, body []byte) outcome {
	target, err := url.Parse(sb.Address + "/execute")
	if err != nil {
		return outcome{gatewayErr: errInternal(fmt.Sprintf("invalid sandbox address: %v", err)), destroySession: true}
	}

	token, err := f.signer.Sign(sessionID, body)
	if err != nil {
		return outcome{gatewayErr: errInternal(fmt.Sprintf("failed to sign request: %v", err)), destroySession: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return outcome{gatewayErr: errInternal(fmt.Sprintf("build sandbox request: %v", err)), destroySession: true}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Token", token)
	req.Header.Set("X-Session-Id", sessionID)

	resp, err := f.transport.RoundTrip(req)
	if err != nil {
		return f.classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return outcome{gatewayErr: errTransportFailure(fmt.Sprintf("reading sandbox response: %v", err)), destroySession: true}
	}

	return f.classifyResponse(resp.StatusCode, respBody)
}

func (f *forwarder) classifyTransportError(err error) outcome {
	klog.Warningf("gateway: proxy transport failure: %v", err)

	var netErr net.Error
	if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
		return outcome{gatewayErr: errTransportFailure("sandbox call timed out"), destroySession: true}
	}
	if strings.Contains(err.Error(), "context canceled") {
		// Client disconnect mid-call: equivalent to a transport failure
		// for recovery purposes — there is no way to know whether the
		// interpreter actually finished.
		return outcome{gatewayErr: errTransportFailure("request canceled"), destroySession: true}
	}
	return outcome{gatewayErr: errTransportFailure(fmt.Sprintf("sandbox unreachable: %v", err)), destroySession: true}
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// classifyResponse applies the recovery policy: 2xx passes through
// untouched and retains the session; a 4xx of kind "timeout" or any 5xx
// destroys the session; a pure 4xx user-code error retains it.
func (f *forwarder) classifyResponse(status int, body []byte) outcome {
	if status >= 200 && status < 300 {
		return outcome{status: status, body: body}
	}

	if status >= 500 {
		return outcome{
			status:         http.StatusGatewayTimeout,
			gatewayErr:     errTransportFailure("sandbox reported internal failure"),
			destroySession: true,
		}
	}

	var parsed sandboxErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Malformed error body from a supposedly well-behaved sandbox is
		// itself untrustworthy; treat conservatively as destroy-worthy.
		return outcome{
			gatewayErr:     errInternal("sandbox returned an unparseable error body"),
			destroySession: true,
		}
	}

	if parsed.Kind == kindUserTimeout {
		return outcome{
			status:         status,
			body:           body,
			gatewayErr:     errUserCodeTimeout(parsed.Detail),
			destroySession: true,
		}
	}

	return outcome{
		status:     status,
		body:       body,
		gatewayErr: errUserCode(parsed.Detail),
	}
}
