// Package workspace manages the isolated working directories (or
// containers) an agent executes a bead's commands in (C3). Every handle
// acquired through Acquire is guaranteed to be released exactly once, even
// if the caller panics or returns early, mirroring the teacher's dispatch
// cleanup discipline (internal/git/cleanup.go, internal/dispatch/docker.go).
package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

// CommandRunner executes a command inside a workspace. Implementations
// exist per backend (DirBackend shells out locally, DockerBackend execs
// inside a container); each Backend returns its own from Runner(), and
// neither built-in backend accepts a replacement.
type CommandRunner interface {
	Run(ctx context.Context, workspaceDir string, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

// Backend creates and tears down isolated workspaces.
type Backend interface {
	// Create allocates a new workspace for beadID and returns its host
	// directory (for DockerBackend, the directory bind-mounted into the
	// bead's container).
	Create(ctx context.Context, beadID beadcore.BeadID) (dir string, err error)
	// Destroy tears down a workspace previously returned by Create. It must
	// be safe to call on a workspace that Create already partially failed
	// to set up.
	Destroy(ctx context.Context, dir string) error
	Runner() CommandRunner
}

// sanitizeName derives a filesystem/container-safe name from a bead ID:
// ASCII alphanumerics, '-', and '_' only, capped at 64 bytes, never empty.
func sanitizeName(raw string) string {
	var b []byte
	for i := 0; i < len(raw) && len(b) < 64; i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b = append(b, c)
		}
	}
	if len(b) == 0 {
		var suffix [4]byte
		rand.Read(suffix[:])
		return "ws-" + hex.EncodeToString(suffix[:])
	}
	return string(b)
}

// acquireLocks serializes concurrent Acquire calls for the same bead so two
// agents never get handles into the same workspace simultaneously (ports
// the original implementation's isolation.rs per-object lock).
var (
	acquireMu    sync.Mutex
	acquireCount = map[beadcore.BeadID]int{}
	acquireCond  = sync.NewCond(&acquireMu)
)

func lockBead(beadID beadcore.BeadID) {
	acquireMu.Lock()
	for acquireCount[beadID] > 0 {
		acquireCond.Wait()
	}
	acquireCount[beadID] = 1
	acquireMu.Unlock()
}

func unlockBead(beadID beadcore.BeadID) {
	acquireMu.Lock()
	delete(acquireCount, beadID)
	acquireCond.Broadcast()
	acquireMu.Unlock()
}

// Handle is a live workspace: its directory, the backend that owns it, and
// the bead it was created for.
type Handle struct {
	BeadID  beadcore.BeadID
	Dir     string
	backend Backend
	closed  bool
}

// Run executes a command inside the handle's workspace.
func (h *Handle) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	if h.closed {
		return nil, nil, -1, &beadcore.WorkspaceFailedError{Workspace: h.Dir, Op: "run", Reason: "workspace already closed"}
	}
	return h.backend.Runner().Run(ctx, h.Dir, name, args...)
}

// Guard releases the workspace exactly once; safe to call multiple times
// (subsequent calls are no-ops) and intended for `defer guard.Release(ctx)`
// immediately after a successful Acquire, so cleanup runs even on panic or
// early return.
type Guard struct {
	mu      sync.Mutex
	handle  *Handle
	backend Backend
}

// Release tears down the workspace. Errors are returned, not panicked, so a
// deferred Release's failure doesn't mask the caller's real error; callers
// that care should check the returned error explicitly rather than deferring
// blindly in contexts where cleanup failure must be surfaced.
func (g *Guard) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handle == nil {
		return nil
	}
	h := g.handle
	g.handle = nil
	h.closed = true
	defer unlockBead(h.BeadID)
	if err := g.backend.Destroy(ctx, h.Dir); err != nil {
		return &beadcore.WorkspaceFailedError{Workspace: h.Dir, Op: "destroy", Reason: err.Error()}
	}
	return nil
}

// Handle returns the guarded workspace handle.
func (g *Guard) Handle() *Handle { return g.handle }

// Acquire creates a new workspace for beadID via backend and returns a
// Handle plus a Guard whose Release must be called (typically deferred)
// exactly once to free it.
func Acquire(ctx context.Context, backend Backend, beadID beadcore.BeadID) (*Handle, *Guard, error) {
	lockBead(beadID)

	dir, err := backend.Create(ctx, beadID)
	if err != nil {
		unlockBead(beadID)
		return nil, nil, &beadcore.WorkspaceFailedError{Workspace: sanitizeName(beadID.String()), Op: "create", Reason: err.Error()}
	}

	h := &Handle{BeadID: beadID, Dir: dir, backend: backend}
	g := &Guard{handle: h, backend: backend}
	return h, g, nil
}

// ExecuteWithWorkspace acquires a workspace, runs fn against it, and
// guarantees release regardless of whether fn panics or returns an error. A
// release failure is returned to the caller unless fn already failed, in
// which case it would otherwise vanish into a discarded deferred error, so
// it's logged instead and fn's error takes precedence.
func ExecuteWithWorkspace(ctx context.Context, backend Backend, beadID beadcore.BeadID, fn func(ctx context.Context, h *Handle) error) (err error) {
	h, guard, acquireErr := Acquire(ctx, backend, beadID)
	if acquireErr != nil {
		return acquireErr
	}
	defer func() {
		if relErr := guard.Release(ctx); relErr != nil {
			if err != nil {
				slog.Default().Error("workspace release failed after fn error", "bead_id", beadID, "fn_error", err, "release_error", relErr)
			} else {
				err = relErr
			}
		}
	}()
	return fn(ctx, h)
}

// DirBackend creates plain directories under root, one per bead, and runs
// commands locally via os/exec. This is the default backend; DockerBackend
// (docker.go) is the container-isolated alternative.
type DirBackend struct {
	Root   string
	runner CommandRunner
}

// NewDirBackend creates a DirBackend rooted at root, creating it if needed.
func NewDirBackend(root string) (*DirBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root %s: %w", root, err)
	}
	return &DirBackend{Root: root, runner: localRunner{}}, nil
}

func (b *DirBackend) Create(_ context.Context, beadID beadcore.BeadID) (string, error) {
	dir := filepath.Join(b.Root, sanitizeName(beadID.String()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (b *DirBackend) Destroy(_ context.Context, dir string) error {
	if dir == "" || dir == b.Root {
		return fmt.Errorf("workspace: refusing to destroy root or empty path")
	}
	return os.RemoveAll(dir)
}

func (b *DirBackend) Runner() CommandRunner { return b.runner }
