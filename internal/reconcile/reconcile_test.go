package reconcile

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitask/aitask/internal/db"
	"github.com/aitask/aitask/internal/gitx"
)

type fakeRunner struct {
	calls []string
	fail  map[string]bool
}

func (f *fakeRunner) Run(workDir, name string, args ...string) (string, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	if f.fail[call] {
		return "", errors.New("git error")
	}
	return "", nil
}

func (f *fakeRunner) called(substr string) bool {
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type fakeHost struct {
	states map[string]gitx.PathState
}

func (f *fakeHost) PathState(path string) (gitx.PathState, error) { return f.states[path], nil }
func (f *fakeHost) RemoveEmptyDir(string) error                   { return nil }

func newTestReconciler(t *testing.T) (*Reconciler, *fakeRunner, *fakeHost, *db.Store, *db.Workspace) {
	t.Helper()
	store, _, ws := db.NewTestFixture(t, "/repo")
	run := &fakeRunner{fail: map[string]bool{}}
	host := &fakeHost{states: map[string]gitx.PathState{}}
	r := New(store)
	r.run = run
	r.host = host
	return r, run, host, store, ws
}

func TestOnce_ClearsMissingWorktree(t *testing.T) {
	r, run, _, store, ws := newTestReconciler(t)

	task := db.MustCreateTask(t, store, ws, "t", "p", db.BackendClaudeCode)
	task.Status = db.StatusFailed
	task.WorktreePath = "/repo-task-1"
	require.NoError(t, store.SaveTask(task))

	changed, err := r.Once()
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.True(t, run.called("worktree prune"))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WorktreePath)

	// A second pass finds nothing to repair.
	changed, err = r.Once()
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

func TestOnce_LeavesRunningAndRemoteAlone(t *testing.T) {
	r, _, _, store, ws := newTestReconciler(t)

	running := db.MustCreateTask(t, store, ws, "r", "p", db.BackendClaudeCode)
	running.Status = db.StatusRunning
	running.WorktreePath = "/repo-task-stale"
	require.NoError(t, store.SaveTask(running))

	runner, err := store.GetRunnerByEnv("test")
	require.NoError(t, err)
	remote := &db.Workspace{
		Path: "ssh://alice@host/srv/repo", DisplayName: "remote", Kind: db.WorkspaceSSH,
		Host: "host", RunnerID: runner.ID, ConcurrencyLimit: 1,
	}
	require.NoError(t, store.CreateWorkspace(remote))
	remoteTask := db.MustCreateTask(t, store, remote, "x", "p", db.BackendCodexCLI)
	remoteTask.Status = db.StatusFailed
	remoteTask.WorktreePath = "/srv/repo-task-stale"
	require.NoError(t, store.SaveTask(remoteTask))

	changed, err := r.Once()
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

func TestOnce_AutocloseOffByDefault(t *testing.T) {
	r, run, _, store, ws := newTestReconciler(t)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	task := db.MustCreateTask(t, store, ws, "t", "p", db.BackendClaudeCode)
	task.Status = db.StatusToBeReview
	require.NoError(t, store.SaveTask(task))

	changed, err := r.Once()
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
	assert.False(t, run.called("merge-base"))

	got, _ := store.GetTask(task.ID)
	assert.Equal(t, db.StatusToBeReview, got.Status)
}

func TestOnce_AutocloseMergedBranch(t *testing.T) {
	r, run, _, store, ws := newTestReconciler(t)
	require.NoError(t, store.SetSetting(db.SettingReconcilerAutoclose, "true"))
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	task := db.MustCreateTask(t, store, ws, "t", "p", db.BackendClaudeCode)
	task.Status = db.StatusToBeReview
	task.BranchName = "main"
	require.NoError(t, store.SaveTask(task))
	// Branch probes and merge-base all succeed: branch exists and is merged.

	changed, err := r.Once()
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.True(t, run.called("merge-base --is-ancestor"))
	assert.True(t, run.called("branch -D"))

	got, _ := store.GetTask(task.ID)
	assert.Equal(t, db.StatusDone, got.Status)
}

func TestOnce_AutocloseRespectsGrace(t *testing.T) {
	r, _, _, store, ws := newTestReconciler(t)
	require.NoError(t, store.SetSetting(db.SettingReconcilerAutoclose, "true"))

	task := db.MustCreateTask(t, store, ws, "t", "p", db.BackendClaudeCode)
	task.Status = db.StatusToBeReview
	require.NoError(t, store.SaveTask(task))

	// updated_at is fresh, so the 60s grace window applies.
	changed, err := r.Once()
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

func TestOnce_AutocloseNotMerged(t *testing.T) {
	r, run, _, store, ws := newTestReconciler(t)
	require.NoError(t, store.SetSetting(db.SettingReconcilerAutoclose, "true"))
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	task := db.MustCreateTask(t, store, ws, "t", "p", db.BackendClaudeCode)
	task.Status = db.StatusToBeReview
	task.BranchName = "main"
	require.NoError(t, store.SaveTask(task))

	branch := gitx.TaskBranch(task.ID)
	run.fail["git -C /repo merge-base --is-ancestor "+branch+" main"] = true

	changed, err := r.Once()
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	got, _ := store.GetTask(task.ID)
	assert.Equal(t, db.StatusToBeReview, got.Status)
}
