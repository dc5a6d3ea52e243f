package backend

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aitask/aitask/internal/db"
)

// Claude drives the claude-code CLI in stream-json mode.
type Claude struct {
	base
	model          string
	permissionMode string
}

// NewClaude creates the claude-code adapter.
func NewClaude(workspacePath, model, permissionMode string) *Claude {
	return &Claude{
		base:           base{workspacePath: workspacePath},
		model:          model,
		permissionMode: permissionMode,
	}
}

// BuildCommand returns the local argv; the prompt goes on stdin so it never
// hits command-line length limits.
func (c *Claude) BuildCommand(string) ([]string, error) {
	bin, err := ResolveCLI("claude")
	if err != nil {
		return nil, err
	}
	argv := []string{bin, "-p", "--output-format", "stream-json", "--input-format", "text"}
	if c.permissionMode == "" || c.permissionMode == "bypassPermissions" {
		argv = append(argv, "--dangerously-skip-permissions")
	} else {
		argv = append(argv, "--permission-mode", c.permissionMode)
	}
	if c.model != "" {
		argv = append(argv, "--model", c.model)
	}
	return argv, nil
}

// RemoteCommand returns the login-shell form used inside tmux on SSH hosts.
func (c *Claude) RemoteCommand(string) string {
	mode := c.permissionMode
	if mode == "" {
		mode = "dontAsk"
	}
	return `claude -p --output-format stream-json --permission-mode ` + mode + ` "$_AITASK_PROMPT"`
}

// Execute runs the CLI and streams its output lines.
func (c *Claude) Execute(ctx context.Context, prompt string, cancelled func() bool) <-chan string {
	out := make(chan string, 64)
	go func() {
		argv, err := c.BuildCommand(prompt)
		if err != nil {
			out <- "[ERROR] " + err.Error() + "\n"
			out <- Sentinel(127)
			close(out)
			return
		}
		// The CLI refuses to nest when it believes it is already running
		// inside itself.
		env := environWithout("CLAUDECODE")
		c.runSubprocess(ctx, out, procSpec{
			argv:      argv,
			env:       env,
			stdin:     prompt,
			cancelled: cancelled,
			inspect:   c.InspectLine,
		})
	}()
	return out
}

// InspectLine parses one stream-json event for usage data and quota errors,
// falling back to a keyword scan on non-JSON lines.
func (c *Claude) InspectLine(line string) {
	s := strings.TrimSpace(line)
	if s == "" {
		return
	}
	if !gjson.Valid(s) {
		if containsQuotaKeyword(strings.ToLower(s)) {
			c.flagQuota()
		}
		return
	}
	ev := gjson.Parse(s)
	switch ev.Get("type").String() {
	case "result":
		c.setUsage(map[string]any{
			"cost_usd":        ev.Get("cost_usd").Value(),
			"total_cost_usd":  ev.Get("total_cost_usd").Value(),
			"duration_ms":     ev.Get("duration_ms").Value(),
			"duration_api_ms": ev.Get("duration_api_ms").Value(),
			"num_turns":       ev.Get("num_turns").Value(),
		})
	case "error":
		errType := ev.Get("error.type").String()
		for _, kw := range []string{"rate_limit", "overloaded", "billing"} {
			if strings.Contains(errType, kw) {
				c.flagQuota()
				return
			}
		}
		errMsg := strings.ToLower(ev.Get("error.message").String())
		for _, kw := range []string{"rate limit", "quota", "insufficient credit", "billing", "usage limit", "overloaded"} {
			if strings.Contains(errMsg, kw) {
				c.flagQuota()
				return
			}
		}
	}
}

// ParseExitCode classifies a claude-code exit.
func (c *Claude) ParseExitCode(code int) (bool, string) {
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
		return false, db.ErrorClassTool
	default:
		return false, db.ErrorClassNetwork
	}
}
