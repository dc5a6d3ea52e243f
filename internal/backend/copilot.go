package backend

import (
	"context"
	"strings"

	"github.com/aitask/aitask/internal/db"
)

// Copilot drives the GitHub Copilot CLI. Output is plain text, so quota
// detection is keyword scanning plus the 429 regex discipline.
type Copilot struct {
	base
	model string
}

// NewCopilot creates the copilot adapter.
func NewCopilot(workspacePath, model string) *Copilot {
	return &Copilot{base: base{workspacePath: workspacePath}, model: model}
}

// BuildCommand returns the local argv. Copilot takes the prompt on the
// command line, not stdin.
func (c *Copilot) BuildCommand(prompt string) ([]string, error) {
	bin, err := ResolveCLI("copilot")
	if err != nil {
		return nil, err
	}
	argv := []string{
		bin,
		"-p", prompt,
		"--allow-all",
		"--no-color",
		// Without this the CLI switches to the alternate screen and stdout
		// captures nothing.
		"--no-alt-screen",
	}
	if c.model != "" {
		argv = append(argv, "--model", c.model)
	}
	return argv, nil
}

// RemoteCommand returns the login-shell form for SSH hosts.
func (c *Copilot) RemoteCommand(string) string {
	return `copilot --allow-all --no-color --no-alt-screen -p "$_AITASK_PROMPT"`
}

// Execute runs the CLI and streams its output lines.
func (c *Copilot) Execute(ctx context.Context, prompt string, cancelled func() bool) <-chan string {
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
			cancelled: cancelled,
			inspect:   c.InspectLine,
		})
	}()
	return out
}

// InspectLine scans plain text for quota signals.
func (c *Copilot) InspectLine(line string) {
	lower := strings.ToLower(line)
	if containsQuotaKeyword(lower) || has429Signal(lower) {
		c.flagQuota()
	}
}

// ParseExitCode classifies a copilot exit.
func (c *Copilot) ParseExitCode(code int) (bool, string) {
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
