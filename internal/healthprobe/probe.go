// Package healthprobe polls a sandbox's /health endpoint until it reports
// readiness or a timeout elapses, grounded on the ticker-poll idiom in
// pkg/workloadmanager/k8s_client.go's WaitForSandboxReady and
// pkg/picod/jupyter.go's waitForServer.
package healthprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type healthBody struct {
	Status string `json:"status"`
}

// Probe polls GET url/health every interval until it sees 200 {"status":"ok"}
// or ctx/timeout expires. A non-200 or connection failure mid-poll is not
// fatal; only exhausting the timeout is.
func Probe(ctx context.Context, url string, interval, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: interval}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Try once immediately rather than waiting a full interval first.
	if ok(client, url) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("healthprobe: %s did not become healthy within %s", url, timeout)
		case <-ticker.C:
			if ok(client, url) {
				return nil
			}
		}
	}
}

func ok(client *http.Client, url string) bool {
	resp, err := client.Get(url + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "ok"
}
