package code

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	arbor "github.com/ossian/arbor"
)

const containerWorkspace = "/workspace"

// DockerRunner executes Python code inside a disposable container. The
// tool bridge runs over the container's attached stdin/stdout, so sandboxed
// code can call registered tools without network access.
type DockerRunner struct {
	cli *client.Client
	cfg runnerConfig
}

var _ arbor.CodeRunner = (*DockerRunner)(nil)

// NewDockerRunner creates a DockerRunner connected to the local Docker
// daemon. The image must have python3 on its PATH.
func NewDockerRunner(opts ...Option) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker runner: connect: %w", err)
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &DockerRunner{cli: cli, cfg: cfg}, nil
}

// Close releases the Docker client connection.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Run executes code in a fresh container and tears it down afterwards.
func (r *DockerRunner) Run(ctx context.Context, req arbor.CodeRequest, dispatch arbor.DispatchFunc) (arbor.CodeResult, error) {
	for _, pat := range blockedPatterns {
		if pat.MatchString(req.Code) {
			return arbor.CodeResult{
				Error:    fmt.Sprintf("blocked: code contains prohibited pattern: %s", pat.String()),
				ExitCode: 1,
			}, nil
		}
	}

	timeout := r.cfg.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script := preludeSource + "\n" + req.Code + "\n" + postludeSource

	networkMode := container.NetworkMode("none")
	if r.cfg.network {
		networkMode = container.NetworkMode("bridge")
	}

	env := []string{"_ARBOR_WORKSPACE=" + containerWorkspace}
	for k, v := range r.cfg.envVars {
		env = append(env, k+"="+v)
	}

	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        r.cfg.image,
			Cmd:          []string{"python3", "-u", containerWorkspace + "/__main__.py"},
			WorkingDir:   containerWorkspace,
			Env:          env,
			OpenStdin:    true,
			StdinOnce:    false,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			NetworkMode: networkMode,
			Resources: container.Resources{
				Memory:   r.cfg.memoryBytes,
				CPUQuota: r.cfg.cpuQuota,
			},
		},
		nil, nil, "")
	if err != nil {
		return arbor.CodeResult{}, fmt.Errorf("docker runner: create container: %w", err)
	}
	id := created.ID
	defer func() {
		// Removal uses a fresh context so cleanup survives a timed-out run.
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = r.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	archive, err := buildArchive(script, req.Files)
	if err != nil {
		return arbor.CodeResult{}, err
	}
	if err := r.cli.CopyToContainer(ctx, id, containerWorkspace, archive, container.CopyToContainerOptions{}); err != nil {
		return arbor.CodeResult{}, fmt.Errorf("docker runner: copy workspace: %w", err)
	}

	attach, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return arbor.CodeResult{}, fmt.Errorf("docker runner: attach: %w", err)
	}
	defer attach.Close()

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return arbor.CodeResult{}, fmt.Errorf("docker runner: start: %w", err)
	}

	// Demux the attached stream into stdout (protocol) and stderr (logs).
	stdoutR, stdoutW := io.Pipe()
	var stderrBuf strings.Builder
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, &stderrWriter{w: &stderrBuf, max: r.cfg.maxOutput}, attach.Reader)
		stdoutW.CloseWithError(err)
	}()

	var finalOutput string
	scanner := bufio.NewScanner(stdoutR)
	scanner.Buffer(make([]byte, r.cfg.maxOutput), r.cfg.maxOutput)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var msg protocolMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "tool_call":
			writeJSON(attach.Conn, handleToolCall(ctx, msg, dispatch))
		case "tool_calls_parallel":
			writeJSON(attach.Conn, handleToolCallsParallel(ctx, msg, dispatch))
		case "result":
			data, _ := json.Marshal(msg.Data)
			finalOutput = string(data)
		}
	}

	logs := stderrBuf.String()
	result := arbor.CodeResult{Output: finalOutput, Logs: logs}

	waitCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case w := <-waitCh:
		result.ExitCode = int(w.StatusCode)
		if w.StatusCode != 0 {
			result.Error = fmt.Sprintf("exit code %d", w.StatusCode)
		}
	case err := <-errCh:
		if ctx.Err() == context.DeadlineExceeded {
			result.Error = fmt.Sprintf("execution timed out after %s", timeout)
			result.ExitCode = -1
		} else if err != nil {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}

	return result, nil
}

// buildArchive produces the tar stream copied into the container: the
// assembled script plus any request input files.
func buildArchive(script string, files []arbor.CodeFile) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	add := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	if err := add("__main__.py", []byte(script)); err != nil {
		return nil, fmt.Errorf("docker runner: archive script: %w", err)
	}
	for _, f := range files {
		if f.Name == "" || len(f.Data) == 0 {
			continue
		}
		if err := add(f.Name, f.Data); err != nil {
			return nil, fmt.Errorf("docker runner: archive %s: %w", f.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("docker runner: close archive: %w", err)
	}
	return &buf, nil
}
