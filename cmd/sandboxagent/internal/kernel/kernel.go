// Package kernel is the Execution Channel's real transport: it speaks
// the Jupyter kernel wire protocol over a gorilla/websocket connection to
// a jupyter-server subprocess and feeds decoded messages to
// internal/execchannel's pure reducer. Grounded directly on
// pkg/picod/jupyter.go's JupyterManager.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/agentcube/code-interpreter-gateway/internal/execchannel"
)

// Kernel owns exactly one jupyter-server subprocess, one kernel, and one
// websocket stream: the agent holds exactly one stream per sandbox
// lifetime.
type Kernel struct {
	serverURL    string
	token        string
	workspaceDir string
	httpClient   *http.Client

	serverCmd *exec.Cmd
	kernelID  string
	wsConn    *websocket.Conn

	// mu serializes execution: at most one in-flight execute per sandbox.
	mu sync.Mutex
}

// New constructs a Kernel bound to workspaceDir; call Start to launch the
// subprocess and establish the stream.
func New(workspaceDir string) *Kernel {
	return &Kernel{
		serverURL:    "http://127.0.0.1:8888",
		token:        fmt.Sprintf("sandboxagent-%d", time.Now().UnixNano()),
		workspaceDir: workspaceDir,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
	}
}

// Start launches jupyter-server, creates a persistent kernel, and dials
// its websocket channel, grounded on JupyterManager.startJupyterServer/
// createKernel/connectWebSocket.
func (k *Kernel) Start(ctx context.Context) error {
	if err := os.MkdirAll(k.workspaceDir, 0o755); err != nil {
		return fmt.Errorf("kernel: create workspace directory: %w", err)
	}

	cmd := exec.Command(
		"jupyter-server",
		"--no-browser",
		"--ip=127.0.0.1",
		"--port=8888",
		fmt.Sprintf("--ServerApp.token=%s", k.token),
		fmt.Sprintf("--ServerApp.root_dir=%s", k.workspaceDir),
		"--ServerApp.allow_origin=*",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	klog.Infof("kernel: starting jupyter-server: %v", cmd.Args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("kernel: start jupyter-server: %w", err)
	}
	k.serverCmd = cmd

	if err := k.waitForServer(ctx); err != nil {
		return err
	}
	if err := k.createKernel(ctx); err != nil {
		return fmt.Errorf("kernel: create kernel: %w", err)
	}
	return k.connectWebSocket()
}

func (k *Kernel) waitForServer(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("kernel: timed out waiting for jupyter-server: %w", ctx.Err())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet,
				fmt.Sprintf("%s/api?token=%s", k.serverURL, k.token), nil)
			if err != nil {
				continue
			}
			resp, err := k.httpClient.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

func (k *Kernel) createKernel(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"name": "python3"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/kernels?token=%s", k.serverURL, k.token), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d creating kernel", resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return err
	}
	k.kernelID = created.ID
	return nil
}

func (k *Kernel) connectWebSocket() error {
	wsURL := fmt.Sprintf("ws://127.0.0.1:8888/api/kernels/%s/channels?token=%s", k.kernelID, k.token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("kernel: dial websocket: %w", err)
	}
	k.wsConn = conn
	return nil
}

// ErrTimeout is returned by Execute when EXECUTION_TIMEOUT elapses before
// the kernel replies. The sandbox is expected to be disposed of by the
// caller (cattle model) rather than reused.
var ErrTimeout = fmt.Errorf("kernel: execution timed out")

// Execute runs code to completion and returns the assembled
// execchannel.Result, enforcing timeout as ctx's deadline. It never
// resets the kernel afterward: variables, imports, and defined functions
// must persist across calls sharing a session for the session's
// lifetime, so the namespace is left untouched once execute_reply
// arrives.
func (k *Kernel) Execute(ctx context.Context, code string) (execchannel.Result, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	msgID := uuid.New().String()
	if err := k.sendExecuteRequest(msgID, code); err != nil {
		return execchannel.Result{}, fmt.Errorf("kernel: send execute_request: %w", err)
	}

	msgs := make(chan execchannel.KernelMessage)
	readErr := make(chan error, 1)
	go k.readUntilTerminal(msgID, msgs, readErr)

	resultCh := make(chan execchannel.Result, 1)
	go func() { resultCh <- execchannel.Reduce(msgs) }()

	select {
	case result := <-resultCh:
		if err := <-readErr; err != nil {
			return execchannel.Result{}, err
		}
		return result, nil
	case <-ctx.Done():
		return execchannel.Result{}, ErrTimeout
	}
}

func (k *Kernel) sendExecuteRequest(msgID, code string) error {
	msg := map[string]interface{}{
		"header": map[string]interface{}{
			"msg_id":   msgID,
			"username": "sandboxagent",
			"session":  k.kernelID,
			"msg_type": "execute_request",
			"version":  "5.3",
		},
		"parent_header": map[string]interface{}{},
		"metadata":      map[string]interface{}{},
		"content": map[string]interface{}{
			"code":             code,
			"silent":           false,
			"store_history":    true,
			"user_expressions": map[string]interface{}{},
			"allow_stdin":      false,
			"stop_on_error":    true,
		},
		"buffers": []interface{}{},
	}
	return k.wsConn.WriteJSON(msg)
}

// readUntilTerminal reads raw kernel messages, discards anything whose
// parent message id doesn't match msgID, translates the rest into
// execchannel.KernelMessage, and closes msgs once a terminal message is
// observed.
func (k *Kernel) readUntilTerminal(msgID string, msgs chan<- execchannel.KernelMessage, done chan<- error) {
	defer close(msgs)

	for {
		var raw map[string]interface{}
		if err := k.wsConn.ReadJSON(&raw); err != nil {
			done <- fmt.Errorf("kernel: read message: %w", err)
			return
		}

		parent, _ := raw["parent_header"].(map[string]interface{})
		if parentID, _ := parent["msg_id"].(string); parentID != msgID {
			continue
		}

		header, _ := raw["header"].(map[string]interface{})
		msgType, _ := header["msg_type"].(string)
		content, _ := raw["content"].(map[string]interface{})

		switch msgType {
		case "stream":
			if text, ok := content["text"].(string); ok {
				msgs <- execchannel.KernelMessage{Type: execchannel.Stream, Text: text}
			}
		case "execute_result":
			if data, ok := content["data"].(map[string]interface{}); ok {
				if text, ok := data["text/plain"].(string); ok {
					msgs <- execchannel.KernelMessage{Type: execchannel.ExecuteResult, Text: text}
				}
			}
		case "display_data":
			if data, ok := content["data"].(map[string]interface{}); ok {
				if img, ok := data["image/png"].(string); ok {
					msgs <- execchannel.KernelMessage{Type: execchannel.DisplayData, ImageBase64: img}
				}
			}
		case "error":
			ename, _ := content["ename"].(string)
			evalue, _ := content["evalue"].(string)
			var traceback []string
			if tb, ok := content["traceback"].([]interface{}); ok {
				for _, line := range tb {
					if s, ok := line.(string); ok {
						traceback = append(traceback, s)
					}
				}
			}
			msgs <- execchannel.KernelMessage{Type: execchannel.Error, ErrorName: ename, ErrorValue: evalue, Traceback: traceback}
			done <- nil
			return
		case "execute_reply":
			// Terminal signal, the equivalent of status{execution_state: idle}.
			msgs <- execchannel.KernelMessage{Type: execchannel.IdleStatus}
			done <- nil
			return
		}
	}
}

// Reset performs a full kernel restart: deletes the current kernel,
// creates a fresh one, and reconnects the websocket. Operator-triggered
// only; the cattle model never calls this from the pool controller's
// recovery path.
func (k *Kernel) Reset(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.wsConn != nil {
		k.wsConn.Close()
	}

	if k.kernelID != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
			fmt.Sprintf("%s/api/kernels/%s?token=%s", k.serverURL, k.kernelID, k.token), nil)
		if err == nil {
			if resp, err := k.httpClient.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}

	if err := k.createKernel(ctx); err != nil {
		return fmt.Errorf("kernel: recreate kernel: %w", err)
	}
	return k.connectWebSocket()
}

// Shutdown stops the websocket and the jupyter-server subprocess.
func (k *Kernel) Shutdown() error {
	if k.wsConn != nil {
		k.wsConn.Close()
	}
	if k.serverCmd != nil && k.serverCmd.Process != nil {
		return k.serverCmd.Process.Kill()
	}
	return nil
}
