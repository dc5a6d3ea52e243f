// Package backend drives the AI coding CLIs. Each adapter knows one CLI's
// argv, stdin/stdout protocol, usage extraction, and quota detection; the
// shared subprocess driver handles streaming, cancellation, and the exit
// sentinel that terminates every stream.
package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aitask/aitask/internal/db"
)

// Adapter is the per-CLI contract the executor drives.
type Adapter interface {
	// BuildCommand resolves the CLI and returns the local argv.
	BuildCommand(prompt string) ([]string, error)
	// RemoteCommand returns the shell command run inside a remote login
	// shell; the prompt arrives via the $_AITASK_PROMPT variable.
	RemoteCommand(remoteWorktree string) string
	// Execute streams merged output lines. The stream always ends with a
	// "[Process exited with code N]" line and the channel is then closed.
	// cancelled is polled at least every 0.5s.
	Execute(ctx context.Context, prompt string, cancelled func() bool) <-chan string
	// InspectLine runs usage and quota extraction over one output line.
	// Execute applies it internally; SSH drives feed tailed lines here.
	InspectLine(line string)
	// ParseExitCode classifies an exit code. An empty error class with
	// success=false marks a cancellation.
	ParseExitCode(code int) (success bool, errorClass string)
	UsageData() map[string]any
	IsQuotaError() bool
}

// New constructs the adapter for a backend label.
func New(backendLabel, workspacePath, model, permissionMode string) (Adapter, error) {
	switch backendLabel {
	case db.BackendClaudeCode:
		return NewClaude(workspacePath, model, permissionMode), nil
	case db.BackendCodexCLI:
		return NewCodex(workspacePath, model, ""), nil
	case db.BackendCopilotCLI:
		return NewCopilot(workspacePath, model), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backendLabel)
	}
}

var exitSentinel = regexp.MustCompile(`\[Process exited with code (-?\d+)\]`)

// Sentinel formats the stream-terminating exit line.
func Sentinel(code int) string {
	return fmt.Sprintf("\n[Process exited with code %d]\n", code)
}

// ParseSentinel extracts the exit code from a sentinel line.
func ParseSentinel(line string) (int, bool) {
	m := exitSentinel.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// scanBufferSize keeps single-line JSON events intact; stream-json results
// can run to megabytes.
const scanBufferSize = 10 << 20

// cancelPollInterval is the longest an adapter may go without observing the
// cancellation predicate.
const cancelPollInterval = 500 * time.Millisecond

// killGrace is how long a terminated child gets before the hard kill.
const killGrace = 3 * time.Second

// base carries the state shared by every adapter.
type base struct {
	workspacePath string

	mu    sync.Mutex
	usage map[string]any
	quota bool
}

func (b *base) UsageData() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage
}

func (b *base) IsQuotaError() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quota
}

func (b *base) setUsage(u map[string]any) {
	b.mu.Lock()
	b.usage = u
	b.mu.Unlock()
}

func (b *base) flagQuota() {
	b.mu.Lock()
	b.quota = true
	b.mu.Unlock()
}

// procSpec describes one subprocess invocation for the shared driver.
type procSpec struct {
	argv      []string
	env       []string
	stdin     string
	cancelled func() bool
	inspect   func(string)
}

// runSubprocess spawns the process with stdout and stderr merged, streams
// lines into out, and finishes with the exit sentinel. On Windows the argv
// cascades through shell wrappers when a variant fails with command-not-found
// symptoms. out is closed before returning.
func (b *base) runSubprocess(ctx context.Context, out chan<- string, spec procSpec) {
	defer close(out)

	variants := commandVariants(spec.argv)
	for i, argv := range variants {
		live := i == len(variants)-1
		lines, code, err := b.runOnce(ctx, out, argv, spec, live)
		if err != nil {
			out <- "[ERROR] " + err.Error() + "\n"
			out <- Sentinel(127)
			return
		}
		if !live && notFoundSymptoms(code, lines) {
			continue
		}
		if !live {
			for _, line := range lines {
				spec.inspect(line)
				out <- line
			}
		}
		out <- Sentinel(code)
		return
	}
}

// runOnce executes a single variant. In live mode lines stream straight into
// out; otherwise they are buffered so a failed variant can be discarded.
func (b *base) runOnce(ctx context.Context, out chan<- string, argv []string, spec procSpec, live bool) ([]string, int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = b.workspacePath
	cmd.Env = spec.env
	if spec.stdin != "" {
		cmd.Stdin = strings.NewReader(spec.stdin)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return nil, 0, fmt.Errorf("start %s: %w", argv[0], err)
	}

	done := make(chan struct{})
	var wasCancelled bool
	var cancelMu sync.Mutex
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
			case <-ticker.C:
				if spec.cancelled == nil || !spec.cancelled() {
					continue
				}
			}
			cancelMu.Lock()
			wasCancelled = true
			cancelMu.Unlock()
			terminateThenKill(cmd, done)
			return
		}
	}()
	go func() {
		_ = cmd.Wait()
		close(done)
		_ = pw.Close()
	}()

	var buffered []string
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		if live {
			spec.inspect(line)
			out <- line
		} else {
			buffered = append(buffered, line)
		}
	}
	<-done

	cancelMu.Lock()
	cancelled := wasCancelled
	cancelMu.Unlock()
	if cancelled {
		return buffered, 130, nil
	}
	return buffered, cmd.ProcessState.ExitCode(), nil
}

// terminateThenKill sends the graceful signal and escalates once the grace
// window passes without the process exiting.
func terminateThenKill(cmd *exec.Cmd, done <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
	case <-time.After(killGrace):
		_ = cmd.Process.Kill()
	}
}

// commandVariants returns the argv sequences to attempt. Off Windows there
// is exactly one. On Windows several CLIs install as .cmd shims that cannot
// be exec'd directly, so shell wrappers are tried first.
func commandVariants(argv []string) [][]string {
	if runtime.GOOS != "windows" {
		return [][]string{argv}
	}
	var variants [][]string
	if bash, err := exec.LookPath("bash.exe"); err == nil {
		quoted := make([]string, len(argv))
		for i, a := range argv {
			quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		variants = append(variants, []string{bash, "-c", strings.Join(quoted, " ")})
	}
	if cmdExe, err := exec.LookPath("cmd.exe"); err == nil {
		variants = append(variants, append([]string{cmdExe, "/d", "/s", "/c"}, strings.Join(argv, " ")))
	}
	if ps, err := lookPathAny("pwsh.exe", "powershell.exe"); err == nil {
		psArgs := make([]string, len(argv))
		for i, a := range argv {
			psArgs[i] = "'" + strings.ReplaceAll(a, "'", "''") + "'"
		}
		variants = append(variants, []string{ps, "-NoProfile", "-NonInteractive", "-Command",
			"& " + strings.Join(psArgs, " ")})
	}
	return append(variants, argv)
}

func lookPathAny(names ...string) (string, error) {
	for _, n := range names {
		if p, err := exec.LookPath(n); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("none of %v on PATH", names)
}

// notFoundSymptoms reports whether a variant failed because the command
// itself could not be located.
func notFoundSymptoms(code int, lines []string) bool {
	if code == 127 || code == 9009 {
		return true
	}
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "not recognized") || strings.Contains(lower, "command not found") {
			return true
		}
	}
	return false
}

// environWithout copies the process environment, dropping the named keys.
func environWithout(keys ...string) []string {
	env := os.Environ()
	out := env[:0:0]
	for _, kv := range env {
		drop := false
		for _, k := range keys {
			if strings.HasPrefix(kv, k+"=") {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, kv)
		}
	}
	return out
}
