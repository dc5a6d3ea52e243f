package sshx

import (
	"context"
	"fmt"
	"strings"

	"github.com/aitask/aitask/internal/gitx"
)

// GitRunner adapts Client to gitx.CommandRunner so branch probes and
// worktree provisioning run on the remote. Container workspaces get the
// docker exec wrap automatically.
type GitRunner struct {
	Client *Client
}

// Run executes the command on the remote host.
func (g *GitRunner) Run(workDir, name string, args ...string) (string, error) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		parts = append(parts, ShellQuote(a))
	}
	cmd := strings.Join(parts, " ")
	if workDir != "" {
		cmd = "cd " + ShellQuote(workDir) + " && " + cmd
	}
	return g.Client.Run(context.Background(), cmd)
}

// RemoteHost adapts Client to gitx.Host using shell test probes.
type RemoteHost struct {
	Client *Client
}

// PathState classifies a remote path.
func (h *RemoteHost) PathState(path string) (gitx.PathState, error) {
	q := ShellQuote(path)
	probe := fmt.Sprintf(
		`if [ ! -e %s ]; then echo missing; elif [ -d %s ] && [ -z "$(ls -A %s)" ]; then echo empty; else echo nonempty; fi`,
		q, q, q)
	out, err := h.Client.Run(context.Background(), probe)
	if err != nil {
		return gitx.PathMissing, fmt.Errorf("probe remote path %s: %w", path, err)
	}
	switch out {
	case "missing":
		return gitx.PathMissing, nil
	case "empty":
		return gitx.PathEmptyDir, nil
	default:
		return gitx.PathNonEmpty, nil
	}
}

// RemoveEmptyDir removes an empty remote directory.
func (h *RemoteHost) RemoveEmptyDir(path string) error {
	if _, err := h.Client.Run(context.Background(), "rmdir "+ShellQuote(path)); err != nil {
		return fmt.Errorf("rmdir remote %s: %w", path, err)
	}
	return nil
}
