package sshx

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// SessionName is the deterministic tmux session for a task.
func SessionName(taskID int64) string {
	return fmt.Sprintf("aitask-%d", taskID)
}

// ScriptPath is the staged script location for a session.
func ScriptPath(session string) string {
	return "/tmp/" + session + ".sh"
}

// LogPath is the combined output file for a session.
func LogPath(session string) string {
	return "/tmp/" + session + ".log"
}

// RunSpec describes one backend invocation to stage on a remote.
type RunSpec struct {
	// LoginShell runs the inner command; bash when empty.
	LoginShell string
	// Prompt is staged base64-encoded and decoded into _AITASK_PROMPT
	// inside the shell body, after startup files have run.
	Prompt string
	// InnerCmd is the backend command line referencing "$_AITASK_PROMPT".
	InnerCmd string
	// WorkDir is the remote worktree the command runs in.
	WorkDir string
	// Container, when set, wraps the whole invocation in docker exec.
	Container string
	// LogPath receives combined stdout+stderr and the EXIT_CODE sentinel.
	LogPath string
}

// BuildRunScript renders the script staged at ScriptPath. The prompt rides
// inside as base64 so no quoting survives contact with the remote shell, and
// the decode happens inside the login-shell body so startup files cannot
// clobber it.
func BuildRunScript(s RunSpec) string {
	shell := s.LoginShell
	if shell == "" {
		shell = "bash"
	}
	promptB64 := base64.StdEncoding.EncodeToString([]byte(s.Prompt))

	var body strings.Builder
	if strings.Contains(shell, "zsh") {
		// zsh --login -c is non-interactive and skips .zshrc; source it
		// explicitly before the decode since .zshrc may reset PROMPT-like
		// variables.
		body.WriteString("source ~/.zshrc >/dev/null 2>&1 || true; ")
	}
	body.WriteString(`export NVM_DIR="$HOME/.nvm"; [ -s "$NVM_DIR/nvm.sh" ] && . "$NVM_DIR/nvm.sh"; `)
	body.WriteString("[ -f ~/proxy.sh ] && source ~/proxy.sh; ")
	body.WriteString("_AITASK_PROMPT=$(echo " + promptB64 + " | base64 -d); ")
	body.WriteString("cd " + ShellQuote(s.WorkDir) + " && " + s.InnerCmd)

	invoke := shell + " --login -c " + ShellQuote(body.String())
	if s.Container != "" {
		invoke = fmt.Sprintf("docker exec -w %s %s %s", ShellQuote(s.WorkDir), s.Container, invoke)
	}

	return "#!/bin/bash\n" +
		invoke + " >> " + s.LogPath + " 2>&1\n" +
		`echo "EXIT_CODE:$?" >> ` + s.LogPath + "\n"
}

// StageScript lands the script on the remote host in a single SSH call,
// carrying it as base64 so it survives any shell en route.
func (c *Client) StageScript(ctx context.Context, path, script string) error {
	b64 := base64.StdEncoding.EncodeToString([]byte(script))
	cmd := fmt.Sprintf("echo %s | base64 -d > %s && chmod +x %s", b64, path, path)
	if _, err := c.RunHost(ctx, cmd); err != nil {
		return fmt.Errorf("stage script %s: %w", path, err)
	}
	return nil
}

// StartSession launches the staged script in a detached tmux session.
func (c *Client) StartSession(ctx context.Context, session, scriptPath string) error {
	cmd := fmt.Sprintf("tmux new-session -d -s %s 'bash %s'", session, scriptPath)
	if _, err := c.RunHost(ctx, cmd); err != nil {
		return fmt.Errorf("start tmux session %s: %w", session, err)
	}
	return nil
}

// KillSession tears down the tmux session, tolerating its absence.
func (c *Client) KillSession(ctx context.Context, session string) {
	if _, err := c.RunHost(ctx, "tmux kill-session -t "+session+" 2>/dev/null || true"); err != nil {
		slog.Warn("kill tmux session failed", "session", session, "error", err)
	}
}

// RemoveRunFiles deletes the staged script and log, best-effort.
func (c *Client) RemoveRunFiles(ctx context.Context, session string) {
	cmd := fmt.Sprintf("rm -f %s %s", ScriptPath(session), LogPath(session))
	if _, err := c.RunHost(ctx, cmd); err != nil {
		slog.Warn("remove remote run files failed", "session", session, "error", err)
	}
}

// TailLog starts a long-lived ssh process following the session log from the
// beginning and returns its stdout for line streaming. The caller stops the
// tail by cancelling ctx.
func (c *Client) TailLog(ctx context.Context, session string) (io.ReadCloser, error) {
	log := LogPath(session)
	cmd := fmt.Sprintf("touch %s && tail -n +1 -F %s", log, log)
	argv := append(append([]string{}, c.Args...), cmd)
	proc := exec.CommandContext(ctx, "ssh", argv...)
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tail pipe: %w", err)
	}
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("start log tail for %s: %w", session, err)
	}
	go func() {
		// Reap the ssh process once the context ends or tail exits.
		_ = proc.Wait()
	}()
	return stdout, nil
}
