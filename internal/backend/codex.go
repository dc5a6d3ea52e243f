package backend

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aitask/aitask/internal/db"
)

// Codex drives the codex CLI in JSONL mode.
type Codex struct {
	base
	model           string
	reasoningEffort string
}

// NewCodex creates the codex adapter.
func NewCodex(workspacePath, model, reasoningEffort string) *Codex {
	return &Codex{
		base:            base{workspacePath: workspacePath},
		model:           model,
		reasoningEffort: reasoningEffort,
	}
}

// BuildCommand returns the local argv; the prompt goes on stdin.
func (c *Codex) BuildCommand(string) ([]string, error) {
	bin, err := ResolveCLI("codex")
	if err != nil {
		return nil, err
	}
	argv := []string{
		bin, "exec",
		"--json",
		"--ask-for-approval", "never",
		"--sandbox", "danger-full-access",
		"--cd", c.workspacePath,
		"--skip-git-repo-check",
	}
	if c.model != "" {
		argv = append(argv, "--model", c.model)
	}
	if c.reasoningEffort != "" {
		argv = append(argv, "--reasoning-effort", c.reasoningEffort)
	}
	return append(argv, "-"), nil
}

// RemoteCommand pipes the staged prompt into codex on the remote.
func (c *Codex) RemoteCommand(remoteWorktree string) string {
	cmd := `printf '%s' "$_AITASK_PROMPT" | codex exec --json --dangerously-bypass-approvals-and-sandbox`
	if c.model != "" {
		cmd += " -m " + c.model
	}
	return cmd + " -C " + remoteWorktree + " -"
}

// Execute runs the CLI and streams its output lines.
func (c *Codex) Execute(ctx context.Context, prompt string, cancelled func() bool) <-chan string {
	out := make(chan string, 64)
	go func() {
		argv, err := c.BuildCommand(prompt)
		if err != nil {
			out <- "[ERROR] " + err.Error() + "\n"
			out <- Sentinel(127)
			close(out)
			return
		}
		c.runSubprocess(ctx, out, procSpec{
			argv:      argv,
			env:       environWithout(),
			stdin:     prompt,
			cancelled: cancelled,
			inspect:   c.InspectLine,
		})
	}()
	return out
}

// InspectLine extracts token usage from turn.completed events and quota
// signals from error events. Non-JSON lines are ignored.
func (c *Codex) InspectLine(line string) {
	s := strings.TrimSpace(line)
	if s == "" || !gjson.Valid(s) {
		return
	}
	ev := gjson.Parse(s)
	switch ev.Get("type").String() {
	case "turn.completed":
		if usage := ev.Get("usage"); usage.Exists() {
			c.setUsage(map[string]any{
				"input_tokens":  usage.Get("input_tokens").Value(),
				"output_tokens": usage.Get("output_tokens").Value(),
				"total_tokens":  usage.Get("total_tokens").Value(),
			})
		}
	case "error":
		msg := strings.ToLower(ev.Get("message").String())
		code := strings.ToLower(ev.Get("code").String())
		for _, kw := range []string{"rate limit", "rate_limit", "quota", "insufficient", "billing", "too many requests", "429"} {
			if strings.Contains(msg, kw) || strings.Contains(code, kw) {
				c.flagQuota()
				return
			}
		}
	}
}

// ParseExitCode classifies a codex exit. Unlike claude-code, a plain exit 1
// without a quota signal counts as a code failure, not a tooling one.
func (c *Codex) ParseExitCode(code int) (bool, string) {
	switch code {
	case 0:
		return true, ""
	case 130:
		return false, ""
	case 127:
		return false, db.ErrorClassTool
	case 1:
		if c.IsQuotaError() {
			return false, db.ErrorClassQuota
		}
		return false, db.ErrorClassCode
	default:
		return false, db.ErrorClassNetwork
	}
}
