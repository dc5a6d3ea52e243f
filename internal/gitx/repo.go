package gitx

import (
	"fmt"
	"strings"
)

// Repo runs git commands against one repository root.
type Repo struct {
	Path string
	run  CommandRunner
}

// NewRepo creates a Repo at path using the given runner.
func NewRepo(path string, run CommandRunner) *Repo {
	return &Repo{Path: path, run: run}
}

// Git runs a git subcommand with the repo as -C target.
func (r *Repo) Git(args ...string) (string, error) {
	full := append([]string{"-C", r.Path}, args...)
	return r.run.Run("", "git", full...)
}

// IsRepo reports whether the path is inside a git work tree.
func (r *Repo) IsRepo() bool {
	out, err := r.Git("rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch, or "main" when the probe
// fails. A detached HEAD returns "" so callers can reject it.
func (r *Repo) CurrentBranch() string {
	out, err := r.Git("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "main"
	}
	if out == "HEAD" {
		return ""
	}
	return out
}

// BranchExists reports whether a local branch with the name exists.
func (r *Repo) BranchExists(name string) bool {
	_, err := r.Git("rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}

// IsDirty reports whether the working tree has uncommitted changes.
func (r *Repo) IsDirty() (bool, error) {
	out, err := r.Git("status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status in %s: %w", r.Path, err)
	}
	return strings.TrimSpace(out) != "", nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Repo) IsAncestor(ancestor, descendant string) bool {
	_, err := r.Git("merge-base", "--is-ancestor", ancestor, descendant)
	return err == nil
}
