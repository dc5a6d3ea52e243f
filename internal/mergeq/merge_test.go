package mergeq

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitask/aitask/internal/backend"
	"github.com/aitask/aitask/internal/db"
	"github.com/aitask/aitask/internal/gitx"
)

type fakeRunner struct {
	calls    []string
	respond  map[string]string
	fail     map[string]bool
	failOnce map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		respond:  map[string]string{},
		fail:     map[string]bool{},
		failOnce: map[string]bool{},
	}
}

func (f *fakeRunner) Run(_, name string, args ...string) (string, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	if f.failOnce[call] {
		delete(f.failOnce, call)
		return "", errors.New("git error")
	}
	if f.fail[call] {
		return "", errors.New("git error")
	}
	return f.respond[call], nil
}

func (f *fakeRunner) called(substr string) bool {
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func (f *fakeRunner) countCalled(substr string) int {
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

type fakeHost struct {
	states map[string]gitx.PathState
}

func (f *fakeHost) PathState(path string) (gitx.PathState, error) { return f.states[path], nil }
func (f *fakeHost) RemoveEmptyDir(string) error                   { return nil }

// fakeAdapter plays back scripted output; onExecute lets a test mutate git
// state the way a real resolver session would.
type fakeAdapter struct {
	lines     []string
	exit      int
	onExecute func()
}

func (f *fakeAdapter) BuildCommand(string) ([]string, error) { return []string{"fake"}, nil }
func (f *fakeAdapter) RemoteCommand(string) string           { return "fake" }
func (f *fakeAdapter) InspectLine(string)                    {}
func (f *fakeAdapter) ParseExitCode(code int) (bool, string) { return code == 0, "" }
func (f *fakeAdapter) UsageData() map[string]any             { return nil }
func (f *fakeAdapter) IsQuotaError() bool                    { return false }

func (f *fakeAdapter) Execute(_ context.Context, _ string, _ func() bool) <-chan string {
	out := make(chan string, len(f.lines)+1)
	if f.onExecute != nil {
		f.onExecute()
	}
	for _, l := range f.lines {
		out <- l
	}
	out <- backend.Sentinel(f.exit)
	close(out)
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeRunner, *fakeHost, *db.Store, *db.Workspace) {
	t.Helper()
	store, _, ws := db.NewTestFixture(t, "/repo")
	run := newFakeRunner()
	// No merge is in progress unless a test says otherwise.
	run.fail["git -C /repo rev-parse -q --verify MERGE_HEAD"] = true
	host := &fakeHost{states: map[string]gitx.PathState{}}
	m := New(store)
	m.localRun = run
	m.localHost = host
	m.newAdapter = func(string, string, string, string) (backend.Adapter, error) {
		return &fakeAdapter{}, nil
	}
	return m, run, host, store, ws
}

func reviewedTask(t *testing.T, store *db.Store, ws *db.Workspace) *db.Task {
	t.Helper()
	task := db.MustCreateTask(t, store, ws, "t", "p", db.BackendClaudeCode)
	task.Status = db.StatusToBeReview
	require.NoError(t, store.SaveTask(task))
	return task
}

func TestMerge_FastForward(t *testing.T) {
	m, run, _, store, ws := newTestEngine(t)
	task := reviewedTask(t, store, ws)

	require.NoError(t, m.Merge(task, ws))
	branch := gitx.TaskBranch(task.ID)
	assert.True(t, run.called("checkout main"))
	assert.True(t, run.called("merge --ff-only "+branch))
	assert.False(t, run.called("--no-ff"))
}

func TestMerge_NoFFFallback(t *testing.T) {
	m, run, _, store, ws := newTestEngine(t)
	task := reviewedTask(t, store, ws)
	branch := gitx.TaskBranch(task.ID)
	run.fail["git -C /repo merge --ff-only "+branch] = true

	require.NoError(t, m.Merge(task, ws))
	assert.True(t, run.called("merge --no-ff --no-edit "+branch))
}

func TestMerge_WorktreeBranchSource(t *testing.T) {
	m, run, host, store, ws := newTestEngine(t)
	task := reviewedTask(t, store, ws)
	task.WorktreePath = "/repo-task-wt"
	require.NoError(t, store.SaveTask(task))

	// The canonical branch is gone but the worktree sits on feature-x, which
	// the base workspace also knows about.
	run.fail["git -C /repo rev-parse --verify refs/heads/"+gitx.TaskBranch(task.ID)] = true
	host.states["/repo-task-wt/.git"] = gitx.PathNonEmpty
	run.respond["git -C /repo-task-wt rev-parse --is-inside-work-tree"] = "true"
	run.respond["git -C /repo-task-wt rev-parse --abbrev-ref HEAD"] = "feature-x"

	require.NoError(t, m.Merge(task, ws))
	assert.True(t, run.called("merge --ff-only feature-x"))
}

func TestMerge_NoSourceBranch(t *testing.T) {
	m, run, _, store, ws := newTestEngine(t)
	task := reviewedTask(t, store, ws)
	run.fail["git -C /repo rev-parse --verify refs/heads/"+gitx.TaskBranch(task.ID)] = true

	err := m.Merge(task, ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no mergeable branch")
}

func TestMerge_MissingTargetBranch(t *testing.T) {
	m, run, _, store, ws := newTestEngine(t)
	task := reviewedTask(t, store, ws)
	task.BranchName = "release"
	run.fail["git -C /repo rev-parse --verify refs/heads/release"] = true

	err := m.Merge(task, ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `target branch "release"`)
}

func TestMerge_DirtyBaseCheckoutRetry(t *testing.T) {
	m, run, _, store, ws := newTestEngine(t)
	task := reviewedTask(t, store, ws)

	run.failOnce["git -C /repo checkout main"] = true
	run.respond["git -C /repo status --porcelain"] = " M main.go"

	require.NoError(t, m.Merge(task, ws))
	assert.Equal(t, 2, run.countCalled("checkout main"))
	msg := sentinelMessage(task.ID)
	assert.True(t, run.called("commit -m "+msg))
	assert.Contains(t, msg, "auto-commit pending changes before merge")
}

func TestMerge_ConflictResolvedByAI(t *testing.T) {
	m, run, _, store, ws := newTestEngine(t)
	task := reviewedTask(t, store, ws)
	branch := gitx.TaskBranch(task.ID)

	run.fail["git -C /repo merge --ff-only "+branch] = true
	run.fail["git -C /repo merge --no-ff --no-edit "+branch] = true
	run.respond["git -C /repo diff --name-only --diff-filter=U"] = "a.txt"

	m.newAdapter = func(backendLabel, workspacePath, _, _ string) (backend.Adapter, error) {
		assert.Equal(t, db.BackendClaudeCode, backendLabel)
		assert.Equal(t, "/repo", workspacePath)
		return &fakeAdapter{
			lines: []string{"resolving a.txt"},
			exit:  0,
			onExecute: func() {
				// The agent resolves and commits; the conflict list empties.
				delete(run.respond, "git -C /repo diff --name-only --diff-filter=U")
			},
		}, nil
	}

	require.NoError(t, m.Merge(task, ws))
}

func TestMerge_ConflictResolverLeavesConflicts(t *testing.T) {
	m, run, _, store, ws := newTestEngine(t)
	task := reviewedTask(t, store, ws)
	branch := gitx.TaskBranch(task.ID)

	run.fail["git -C /repo merge --ff-only "+branch] = true
	run.fail["git -C /repo merge --no-ff --no-edit "+branch] = true
	run.respond["git -C /repo diff --name-only --diff-filter=U"] = "a.txt"
	m.newAdapter = func(string, string, string, string) (backend.Adapter, error) {
		return &fakeAdapter{lines: []string{"trying a.txt\n", "gave up\n"}, exit: 1}, nil
	}

	err := m.Merge(task, ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicts remain")
	assert.Contains(t, err.Error(), "trying a.txt\ngave up")
	assert.NotContains(t, err.Error(), "\n\n")
}

func TestMerge_NonConflictFailureSurfaces(t *testing.T) {
	m, run, _, store, ws := newTestEngine(t)
	task := reviewedTask(t, store, ws)
	branch := gitx.TaskBranch(task.ID)

	// Both merge strategies fail with no unmerged files: not a conflict, so
	// AI resolution never starts.
	run.fail["git -C /repo merge --ff-only "+branch] = true
	run.fail["git -C /repo merge --no-ff --no-edit "+branch] = true

	err := m.Merge(task, ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge failed")
}
