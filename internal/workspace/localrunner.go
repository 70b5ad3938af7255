package workspace

import (
	"bytes"
	"context"
	"os/exec"
)

// localRunner runs commands directly on the host, rooted at the given
// workspace directory. Grounded on the teacher's exec.Command usage in
// internal/git (cmd.Dir = workspace, CombinedOutput-style error wrapping).
type localRunner struct{}

func (localRunner) Run(ctx context.Context, workspaceDir, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workspaceDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdout.Bytes(), stderr.Bytes(), -1, err
		}
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, nil
}
