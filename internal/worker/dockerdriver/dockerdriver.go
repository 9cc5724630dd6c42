// Package dockerdriver is an alternate spec.md §4.9 worker driver: instead
// of an in-process goja.Runtime, each isolate is a long-lived container
// running a Node runtime, and a packet is executed via a docker exec
// against it. Offered as a swap-in for internal/worker.Driver where a
// deployment needs OS-level isolation stronger than goja's language-level
// sandbox (spec.md §1 names the concrete isolate runtime as an external
// collaborator, so the driver boundary is exactly where that choice
// plugs in). Grounded on
// agents/shared/docker/client.go's Client (NewClientWithOpts +
// ContainerCreate/Start/ExecCreate/ExecAttach/stdcopy pattern) and
// container_core.go's mount-plan building.
package dockerdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"github.com/isorun/isorun/internal/models"
	"github.com/isorun/isorun/internal/tools"
	"github.com/isorun/isorun/internal/worker"
)

var componentLog = log.With().Str("component", "dockerdriver").Logger()

// Config controls the image and resource limits every spawned container
// gets. NanoCPUs/MemoryBytes of zero means "no limit", left to the
// daemon's default.
type Config struct {
	Image        string
	NanoCPUs     int64
	MemoryBytes  int64
	NetworkMode  string
}

// DefaultConfig uses a minimal node:alpine-class image with no network,
// matching the NONE-permission default an isolate starts with.
func DefaultConfig() Config {
	return Config{
		Image:       "node:20-alpine",
		NetworkMode: "none",
	}
}

// Driver spawns container-backed isolates against one docker daemon
// connection.
type Driver struct {
	api *client.Client
	cfg Config
}

// New connects to the docker daemon via the standard DOCKER_HOST/env
// resolution, mirroring Aureuma's Client.NewClient.
func New(cfg Config) (*Driver, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockerdriver: connect: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := api.Ping(ctx); err != nil {
		_ = api.Close()
		return nil, fmt.Errorf("dockerdriver: ping: %w", err)
	}
	if cfg.Image == "" {
		cfg = DefaultConfig()
	}
	return &Driver{api: api, cfg: cfg}, nil
}

// Close releases the daemon connection.
func (d *Driver) Close() error { return d.api.Close() }

// containerIsolate implements worker.Isolate against one long-lived
// container. Run execs a fresh node invocation per packet rather than
// recreating the container, so repeated use of the same isolate (pool
// reuse) pays only exec overhead.
type containerIsolate struct {
	id          string
	api         *client.Client
	containerID string
}

func (c *containerIsolate) ID() string { return c.id }

// Kill stops the backing container; the pool treats a killed isolate as
// dead and will Spawn a replacement rather than reuse it.
func (c *containerIsolate) Kill() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	timeout := 0
	if err := c.api.ContainerStop(ctx, c.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		componentLog.Warn().Str("container", c.containerID).Err(err).Msg("failed to stop killed container")
	}
}

// Run execs `node -e <script>` inside the container with packet.Code
// wired as the module body, racing the exec's stdcopy read against
// timeoutMs, exactly as internal/worker.Runner races a goja call.
func (c *containerIsolate) Run(ctx context.Context, packet models.Packet, timeoutMs int, internal *tools.Internal) models.Output {
	start := time.Now()
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inputJSON, err := json.Marshal(packet.Input)
	if err != nil {
		return models.ExceptionOutput(models.ErrNameEntryError, err.Error(), time.Since(start))
	}
	entry := packet.Entry
	if entry == "" {
		entry = "default"
	}
	script := fmt.Sprintf(
		"const input=%s; %s\ntry{const r=(typeof %s==='function')?%s(input):%s; process.stdout.write(JSON.stringify({ok:true,result:r}));}catch(e){process.stdout.write(JSON.stringify({ok:false,name:e.name||'Error',message:String(e.message||e)}));}",
		string(inputJSON), packet.Code, entry, entry, entry,
	)

	execResp, err := c.api.ContainerExecCreate(runCtx, c.containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"node", "-e", script},
	})
	if err != nil {
		return models.ExceptionOutput(models.ErrNameExecutionError, err.Error(), time.Since(start))
	}

	attach, err := c.api.ContainerExecAttach(runCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return models.ExceptionOutput(models.ErrNameExecutionError, err.Error(), time.Since(start))
	}
	defer attach.Close()

	type readResult struct {
		stdout, stderr bytes.Buffer
		err            error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		var rr readResult
		_, rr.err = stdcopy.StdCopy(&rr.stdout, &rr.stderr, attach.Reader)
		resultCh <- rr
	}()

	select {
	case rr := <-resultCh:
		duration := time.Since(start)
		if rr.err != nil && rr.err != io.EOF {
			return models.ExceptionOutput(models.ErrNameExecutionError, rr.err.Error(), duration)
		}
		return parseContainerResult(rr.stdout.Bytes(), duration)
	case <-runCtx.Done():
		duration := time.Since(start)
		componentLog.Warn().Str("container", c.containerID).Dur("after", duration).Msg("exec exceeded deadline")
		return models.ExceptionOutput(models.ErrNameTimeoutError, "Execution timeout", duration)
	}
}

func parseContainerResult(stdout []byte, duration time.Duration) models.Output {
	var payload struct {
		OK      bool   `json:"ok"`
		Result  any    `json:"result"`
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(stdout, &payload); err != nil {
		return models.ExceptionOutput(models.ErrNameExecutionError, fmt.Sprintf("malformed container output: %v", err), duration)
	}
	if !payload.OK {
		return models.ExceptionOutput(payload.Name, payload.Message, duration)
	}
	return models.Output{OK: true, Result: payload.Result, Duration: duration.Milliseconds()}
}

// Spawn creates and starts a new idle container, ready to receive Run
// execs. The container sleeps on a no-op entrypoint until killed. Satisfies
// worker.Driver so internal/cluster can use either this or
// worker.InProcessDriver interchangeably.
func (d *Driver) Spawn(id string) (worker.Isolate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
	}
	if d.cfg.NanoCPUs > 0 || d.cfg.MemoryBytes > 0 {
		hostCfg.Resources = container.Resources{
			NanoCPUs: d.cfg.NanoCPUs,
			Memory:   d.cfg.MemoryBytes,
		}
	}

	resp, err := d.api.ContainerCreate(ctx, &container.Config{
		Image:      d.cfg.Image,
		Entrypoint: []string{"sleep", "infinity"},
		Labels:     map[string]string{"isorun.worker": id},
	}, hostCfg, nil, nil, "isorun-"+id)
	if err != nil {
		return nil, fmt.Errorf("dockerdriver: create: %w", err)
	}
	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("dockerdriver: start: %w", err)
	}
	return &containerIsolate{id: id, api: d.api, containerID: resp.ID}, nil
}
