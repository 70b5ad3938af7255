package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

// DockerBackend isolates each bead's workspace inside its own container,
// with the workspace directory bind-mounted at /workspace. Ported from the
// teacher's DockerDispatcher (internal/dispatch/docker.go), generalized
// from one-shot agent dispatch to a workspace a Coordinator can run many
// phase commands against before tearing down.
type DockerBackend struct {
	cli   *client.Client
	Image string
	Root  string

	mu         sync.Mutex
	containers map[string]string // dir -> container id
}

// NewDockerBackend connects to the local Docker daemon using the standard
// environment-derived configuration (DOCKER_HOST et al.), negotiating the
// API version like the teacher's dispatcher does.
func NewDockerBackend(image, root string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("workspace: docker client: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root %s: %w", root, err)
	}
	return &DockerBackend{cli: cli, Image: image, Root: root, containers: make(map[string]string)}, nil
}

func (b *DockerBackend) Create(ctx context.Context, beadID beadcore.BeadID) (string, error) {
	name := sanitizeName(beadID.String())
	dir := filepath.Join(b.Root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create dir %s: %w", dir, err)
	}

	containerName := "beadforge-ws-" + name
	containerConfig := &container.Config{
		Image:      b.Image,
		Cmd:        []string{"sleep", "infinity"},
		Tty:        false,
		WorkingDir: "/workspace",
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: dir, Target: "/workspace"},
		},
	}

	resp, err := b.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("workspace: create container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("workspace: start container: %w", err)
	}

	b.mu.Lock()
	b.containers[dir] = resp.ID
	b.mu.Unlock()

	return dir, nil
}

func (b *DockerBackend) Destroy(ctx context.Context, dir string) error {
	b.mu.Lock()
	id, ok := b.containers[dir]
	delete(b.containers, dir)
	b.mu.Unlock()

	if ok {
		if err := b.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			return fmt.Errorf("workspace: remove container: %w", err)
		}
	}
	return os.RemoveAll(dir)
}

func (b *DockerBackend) Runner() CommandRunner { return dockerRunner{backend: b} }

type dockerRunner struct {
	backend *DockerBackend
}

func (r dockerRunner) Run(ctx context.Context, workspaceDir, name string, args ...string) ([]byte, []byte, int, error) {
	r.backend.mu.Lock()
	id, ok := r.backend.containers[workspaceDir]
	r.backend.mu.Unlock()
	if !ok {
		return nil, nil, -1, fmt.Errorf("workspace: no container for %s", workspaceDir)
	}

	execConfig := container.ExecOptions{
		Cmd:          append([]string{name}, args...),
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   "/workspace",
	}
	execID, err := r.backend.cli.ContainerExecCreate(ctx, id, execConfig)
	if err != nil {
		return nil, nil, -1, fmt.Errorf("workspace: exec create: %w", err)
	}

	attach, err := r.backend.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, nil, -1, fmt.Errorf("workspace: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, fmt.Errorf("workspace: read exec output: %w", err)
	}

	inspect, err := r.backend.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, fmt.Errorf("workspace: exec inspect: %w", err)
	}

	return stdout.Bytes(), stderr.Bytes(), inspect.ExitCode, nil
}

// CleanDeadWorkspaceContainers removes beadforge-owned workspace containers
// that are not running; running ones are left alone. Ported from the
// teacher's CleanDeadSessions.
func CleanDeadWorkspaceContainers(ctx context.Context, cli *client.Client) (int, error) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return 0, fmt.Errorf("workspace: list containers: %w", err)
	}
	killed := 0
	for _, c := range containers {
		isOurs := false
		for _, n := range c.Names {
			if strings.HasPrefix(n, "/beadforge-ws-") {
				isOurs = true
				break
			}
		}
		if isOurs && c.State != "running" {
			if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err == nil {
				killed++
			}
		}
	}
	return killed, nil
}
