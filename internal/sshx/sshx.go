// Package sshx drives remote workspaces over SSH: connection argv
// construction, canonical ssh:// path parsing, one-shot command execution
// with an optional docker exec wrap, and the staged-script protocol used to
// run backends inside a remote tmux session.
package sshx

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/aitask/aitask/internal/db"
)

// DefaultTimeout bounds one-shot remote commands.
const DefaultTimeout = 10 * time.Second

// ConnArgs returns the ssh argv up to and including the target, without the
// remote command.
func ConnArgs(host string, port int, user string) []string {
	args := []string{"-o", "BatchMode=yes", "-o", "ConnectTimeout=10", "-o", "StrictHostKeyChecking=no"}
	if port != 0 && port != 22 {
		args = append(args, "-p", strconv.Itoa(port))
	}
	target := host
	if user != "" {
		target = user + "@" + target
	}
	return append(args, target)
}

// Target is the decomposed form of a canonical ssh:// workspace path.
type Target struct {
	Host      string
	Port      int
	User      string
	Container string
	Path      string
}

// ParseCanonical splits a canonical workspace path into its parts:
//
//	ssh://user@host:port/remote/path
//	ssh://user@host:port/container-name:/remote/path
func ParseCanonical(canonicalPath, kind string) (Target, error) {
	u, err := url.Parse(canonicalPath)
	if err != nil {
		return Target{}, fmt.Errorf("parse workspace path %q: %w", canonicalPath, err)
	}
	if u.Scheme != "ssh" || u.Hostname() == "" {
		return Target{}, fmt.Errorf("workspace path %q is not an ssh:// URL", canonicalPath)
	}
	t := Target{Host: u.Hostname(), User: u.User.Username(), Path: u.Path}
	if p := u.Port(); p != "" {
		t.Port, _ = strconv.Atoi(p)
	}
	if kind == db.WorkspaceSSHContainer {
		if i := strings.Index(u.Path, ":"); i >= 0 {
			t.Container = strings.TrimPrefix(u.Path[:i], "/")
			t.Path = u.Path[i+1:]
		}
	}
	return t, nil
}

// ExtractRemotePath returns the filesystem path on the remote encoded in a
// canonical workspace path. Non-URL paths come back unchanged.
func ExtractRemotePath(canonicalPath, kind string) string {
	t, err := ParseCanonical(canonicalPath, kind)
	if err != nil {
		return canonicalPath
	}
	return t.Path
}

// Client runs commands on one SSH host, optionally inside a container.
type Client struct {
	Args      []string
	Container string
	WorkDir   string
	Timeout   time.Duration
}

// NewClient builds a Client for a workspace target.
func NewClient(t Target) *Client {
	return &Client{
		Args:      ConnArgs(t.Host, t.Port, t.User),
		Container: t.Container,
		WorkDir:   t.Path,
		Timeout:   DefaultTimeout,
	}
}

// Wrap applies the docker exec layer when the client targets a container.
func (c *Client) Wrap(cmd string) string {
	if c.Container == "" {
		return cmd
	}
	return fmt.Sprintf("docker exec -w %s %s sh -c %s",
		ShellQuote(c.WorkDir), c.Container, ShellQuote(cmd))
}

// Run executes one remote command and returns its trimmed stdout. Container
// workspaces get the docker exec wrap. Stderr is discarded; a non-zero
// remote exit surfaces as an error.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	return c.exec(ctx, c.Wrap(cmd))
}

// RunHost executes the command on the SSH host itself, bypassing any
// container wrap. tmux control and /tmp staging always happen on the host.
func (c *Client) RunHost(ctx context.Context, cmd string) (string, error) {
	return c.exec(ctx, cmd)
}

func (c *Client) exec(ctx context.Context, cmd string) (string, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(append([]string{}, c.Args...), cmd)
	proc := exec.CommandContext(ctx, "ssh", argv...)
	var stdout bytes.Buffer
	proc.Stdout = &stdout
	if err := proc.Run(); err != nil {
		return "", fmt.Errorf("ssh %s: %w", c.Args[len(c.Args)-1], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ShellQuote single-quotes s for safe interpolation into a shell command.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
