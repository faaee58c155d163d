// Package dockerdriver implements containerdriver.Driver against a real
// Docker Engine, the same target original_source/gateway/worker_manager.py
// drives through aiodocker. The client-wrapper shape (a small struct
// holding the engine client, label-selector listing) is carried over from
// pkg/workloadmanager/k8s_client.go, retargeted at
// Docker Engine API calls instead of the Kubernetes dynamic client.
package dockerdriver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"k8s.io/klog/v2"

	"github.com/agentcube/code-interpreter-gateway/internal/containerdriver"
)

// managementLabelKey/Value split the fixed "managed-by=code-interpreter-gateway"
// marker so it can be used both as a create-time label and a list filter.
const (
	managementLabelKey   = "managed-by"
	managementLabelValue = "code-interpreter-gateway"
)

// Driver is a containerdriver.Driver backed by a live Docker Engine.
type Driver struct {
	cli *client.Client
}

// New creates a Driver by connecting to the Docker Engine the way the
// standard docker CLI does: respecting DOCKER_HOST and negotiating the
// API version with the daemon.
func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockerdriver: failed to create Docker client: %w", err)
	}
	return &Driver{cli: cli}, nil
}

// Create starts a new sandbox container. Labels always carry the
// management marker so ListManaged (and boot-time stale cleanup) can find
// it again.
func (d *Driver) Create(ctx context.Context, spec containerdriver.CreateSpec) (containerdriver.Container, error) {
	labels := make(map[string]string, len(spec.Labels)+2)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[managementLabelKey] = managementLabelValue
	labels["created-at"] = fmt.Sprintf("%d", time.Now().Unix())

	exposedPorts, portBindings, err := sandboxPortConfig()
	if err != nil {
		return containerdriver.Container{}, &containerdriver.CreateError{
			Kind: containerdriver.CreateErrorFatal,
			Err:  err,
		}
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		Labels:       labels,
		ExposedPorts: exposedPorts,
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.Network),
		PortBindings: portBindings,
		Resources: container.Resources{
			Memory:    spec.Limits.MemoryBytes,
			CPUShares: spec.Limits.CPUShares,
		},
		Tmpfs: map[string]string{
			"/workspace": fmt.Sprintf("size=%d", spec.Limits.DiskBytes),
		},
	}

	networkConfig := &network.NetworkingConfig{}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, spec.Name)
	if err != nil {
		return containerdriver.Container{}, classifyCreateError(err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the half-created container before
		// surfacing the start failure.
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return containerdriver.Container{}, classifyCreateError(err)
	}

	addr, err := d.inspectAddress(ctx, resp.ID)
	if err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return containerdriver.Container{}, &containerdriver.CreateError{
			Kind: containerdriver.CreateErrorRetryable,
			Err:  err,
		}
	}

	return containerdriver.Container{ID: resp.ID, Name: spec.Name, Address: addr}, nil
}

// Stop stops a running container.
func (d *Driver) Stop(ctx context.Context, id string) error {
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("dockerdriver: stop %s: %w", id, err)
	}
	return nil
}

// Delete force-removes a container. A missing container is not an error.
func (d *Driver) Delete(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("dockerdriver: delete %s: %w", id, err)
	}
	return nil
}

// ListManaged enumerates every container bearing the management label, for
// boot-time stale cleanup. All: true includes stopped containers, which is
// the common case for leftovers from a crashed gateway process; those have
// no network IP, so address resolution is best-effort and never excludes a
// container from the result. Callers that only need the ID (stale cleanup
// deletes by ID) must still get every match.
func (d *Driver) ListManaged(ctx context.Context) ([]containerdriver.Container, error) {
	f := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", managementLabelKey, managementLabelValue)))
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("dockerdriver: list managed: %w", err)
	}

	out := make([]containerdriver.Container, 0, len(summaries))
	for _, s := range summaries {
		name := s.ID
		if len(s.Names) > 0 {
			name = s.Names[0]
		}
		addr, err := d.inspectAddress(ctx, s.ID)
		if err != nil {
			klog.V(4).Infof("dockerdriver: managed container %s has no resolvable address: %v", s.ID, err)
		}
		out = append(out, containerdriver.Container{ID: s.ID, Name: name, Address: addr})
	}
	return out, nil
}

// Exec runs a one-off command inside a running sandbox and returns its
// demultiplexed stdout/stderr, the Docker Engine analogue of "exec into a
// sandbox" that the driver interface exposes.
func (d *Driver) Exec(ctx context.Context, id string, cmd []string) (stdout []byte, stderr []byte, err error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dockerdriver: exec create on %s: %w", id, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("dockerdriver: exec attach on %s: %w", id, err)
	}
	defer attach.Close()

	var outBuf, errBuf writeBuffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, attach.Reader); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("dockerdriver: exec demux on %s: %w", id, err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// inspectAddress resolves the internal IP address the proxy should dial for
// a given container: the first non-empty IP among its networks. It returns
// no port; the pool appends the configured sandbox port.
func (d *Driver) inspectAddress(ctx context.Context, id string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", id, err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings yet", id)
	}
	// Sandboxes are reachable directly on the internal network at the
	// container's own IP; the sandbox agent listens on a fixed port there.
	for _, net := range info.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no assigned IP yet", id)
}

// classifyCreateError distinguishes retryable Docker Engine failures
// (daemon busy, transient system error) from fatal ones (bad image,
// invalid parameters), mirroring the retry/fatal split
// pkg/router/errors.go performs for the gateway's own error taxonomy, but
// driven here by github.com/docker/docker/errdefs instead of
// k8s.io/apimachinery/pkg/api/errors.
func classifyCreateError(err error) *containerdriver.CreateError {
	switch {
	case errdefs.IsNotFound(err), errdefs.IsInvalidParameter(err), errdefs.IsForbidden(err):
		return &containerdriver.CreateError{Kind: containerdriver.CreateErrorFatal, Err: err}
	case errdefs.IsUnavailable(err), errdefs.IsSystem(err), errdefs.IsDeadline(err):
		return &containerdriver.CreateError{Kind: containerdriver.CreateErrorRetryable, Err: err}
	default:
		// Unknown failures are treated as retryable: the worse outcome of
		// a spurious retry is a wasted creation attempt, while treating a
		// transient fault as fatal would starve the pool permanently.
		return &containerdriver.CreateError{Kind: containerdriver.CreateErrorRetryable, Err: err}
	}
}

// sandboxPortConfig builds the exposed/bound port set for the fixed
// sandbox agent port. Binding to 127.0.0.1 with an ephemeral host port
// would also work, but sandboxes here are reached over the internal
// Docker network directly by IP, so no host port publishing is needed;
// the exposed-port declaration alone documents the contract.
func sandboxPortConfig() (nat.PortSet, nat.PortMap, error) {
	port, err := nat.NewPort("tcp", "8090")
	if err != nil {
		return nil, nil, fmt.Errorf("invalid sandbox port: %w", err)
	}
	return nat.PortSet{port: struct{}{}}, nil, nil
}

// writeBuffer adapts a byte slice accumulator to io.Writer for stdcopy.
type writeBuffer struct {
	buf []byte
}

func (w *writeBuffer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *writeBuffer) Bytes() []byte { return w.buf }
