package mergeq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aitask/aitask/internal/backend"
	"github.com/aitask/aitask/internal/db"
	"github.com/aitask/aitask/internal/gitx"
)

// resolveTimeout bounds one AI resolution attempt.
const resolveTimeout = 10 * time.Minute

// tailLines is how much resolver output failures carry back to the user.
const tailLines = 20

// resolveConflicts runs the task's own backend inside the base workspace to
// resolve the conflicted merge left behind by the no-ff attempt. The merge
// stays open while the agent works; afterwards the workspace must be clean
// with no unmerged paths, or the attempt fails.
func (m *Engine) resolveConflicts(task *db.Task, base *gitx.Repo, target, source, mergeDetail string) error {
	adapter, err := m.newAdapter(task.Backend, base.Path, task.Model, task.PermissionMode)
	if err != nil {
		return fmt.Errorf("merge failed: %s (resolver unavailable: %v)", mergeDetail, err)
	}

	slog.Info("attempting AI conflict resolution",
		"task_id", task.ID, "backend", task.Backend, "source", source, "target", target)

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	prompt := resolutionPrompt(base.Path, target, source, task, mergeDetail)

	var log strings.Builder
	exitCode := -1
	for line := range adapter.Execute(ctx, prompt, func() bool { return false }) {
		if code, ok := backend.ParseSentinel(line); ok {
			exitCode = code
			continue
		}
		log.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			log.WriteByte('\n')
		}
	}

	if mergeInProgress(base) {
		if _, err := base.Git("commit", "--no-edit"); err != nil {
			return fmt.Errorf("AI resolution did not conclude the merge: %s%s",
				gitDetail(err, ""), outputTail(log.String()))
		}
	}
	if remaining := unmergedFiles(base); len(remaining) > 0 {
		return fmt.Errorf("conflicts remain after AI resolution: %s%s",
			strings.Join(remaining, ", "), outputTail(log.String()))
	}
	dirty, err := base.IsDirty()
	if err != nil {
		return fmt.Errorf("verify workspace after AI resolution: %w", err)
	}
	if dirty {
		return fmt.Errorf("workspace left dirty after AI resolution%s", outputTail(log.String()))
	}

	if exitCode != 0 {
		// The tree is merged and clean, which is what counts; some CLIs exit
		// nonzero even after doing the work.
		slog.Warn("conflict resolver exited nonzero with a clean result",
			"task_id", task.ID, "exit_code", exitCode)
	}
	slog.Info("AI conflict resolution succeeded", "task_id", task.ID)
	return nil
}

// resolutionPrompt is deterministic for a given task and merge failure so
// repeated attempts are reproducible.
func resolutionPrompt(repoPath, target, source string, task *db.Task, mergeDetail string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A git merge of branch %q into %q failed with conflicts in the repository at %s.\n\n", source, target, repoPath)
	fmt.Fprintf(&b, "The merge was attempted for task %d (%s). The task's original objective was:\n%s\n\n", task.ID, task.Title, task.Prompt)
	fmt.Fprintf(&b, "Git reported:\n%s\n\n", mergeDetail)
	b.WriteString("Resolve every merge conflict now. Constraints:\n")
	b.WriteString("- Edit only files that contain conflict markers.\n")
	b.WriteString("- Preserve the intent of both branches; prefer the task branch where the two genuinely disagree.\n")
	b.WriteString("- Remove all conflict markers (<<<<<<<, =======, >>>>>>>).\n")
	b.WriteString("- Stage the resolved files with git add.\n")
	b.WriteString("- Do not commit, push, rebase, or switch branches.\n")
	b.WriteString("- Do not create, delete, or rename files beyond what the conflict resolution requires.\n")
	return b.String()
}

// outputTail formats the last non-empty lines of resolver output for error
// messages, or nothing when the resolver was silent.
func outputTail(output string) string {
	var kept []string
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	if len(kept) > tailLines {
		kept = kept[len(kept)-tailLines:]
	}
	return "\nresolver output (tail):\n" + strings.Join(kept, "\n")
}
