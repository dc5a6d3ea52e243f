package sshx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitask/aitask/internal/db"
)

func TestConnArgs(t *testing.T) {
	args := ConnArgs("wang", 6020, "warou")
	assert.Equal(t, []string{
		"-o", "BatchMode=yes", "-o", "ConnectTimeout=10", "-o", "StrictHostKeyChecking=no",
		"-p", "6020", "warou@wang",
	}, args)

	// Default port and no user collapse to just the host.
	args = ConnArgs("host", 22, "")
	assert.Equal(t, "host", args[len(args)-1])
	assert.NotContains(t, args, "-p")
}

func TestParseCanonical(t *testing.T) {
	got, err := ParseCanonical("ssh://alice@host:2222/srv/repo", db.WorkspaceSSH)
	require.NoError(t, err)
	assert.Equal(t, Target{Host: "host", Port: 2222, User: "alice", Path: "/srv/repo"}, got)

	got, err = ParseCanonical("ssh://alice@host/dev-box:/work/repo", db.WorkspaceSSHContainer)
	require.NoError(t, err)
	assert.Equal(t, "dev-box", got.Container)
	assert.Equal(t, "/work/repo", got.Path)

	_, err = ParseCanonical("/local/path", db.WorkspaceSSH)
	assert.Error(t, err)
}

func TestExtractRemotePath(t *testing.T) {
	assert.Equal(t, "/srv/repo", ExtractRemotePath("ssh://alice@host:22/srv/repo", db.WorkspaceSSH))
	assert.Equal(t, "/work/repo", ExtractRemotePath("ssh://host/box:/work/repo", db.WorkspaceSSHContainer))
	assert.Equal(t, "/plain", ExtractRemotePath("/plain", db.WorkspaceSSH))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", ShellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
}

func TestBuildRunScript(t *testing.T) {
	script := BuildRunScript(RunSpec{
		Prompt:   `say "hi" & $(rm -rf /)`,
		InnerCmd: `claude -p "$_AITASK_PROMPT"`,
		WorkDir:  "/srv/repo-task-3",
		LogPath:  "/tmp/aitask-3.log",
	})

	// The raw prompt must never appear; only its base64 form rides along.
	assert.NotContains(t, script, "rm -rf")
	assert.Contains(t, script, "base64 -d")
	assert.Contains(t, script, "_AITASK_PROMPT=$(echo ")
	assert.Contains(t, script, `echo "EXIT_CODE:$?" >> /tmp/aitask-3.log`)
	assert.Contains(t, script, ">> /tmp/aitask-3.log 2>&1")
	assert.Contains(t, script, "bash --login -c")
	assert.NotContains(t, script, "docker exec")
}

func TestBuildRunScript_ZshSourcesRC(t *testing.T) {
	script := BuildRunScript(RunSpec{
		LoginShell: "zsh",
		Prompt:     "p",
		InnerCmd:   `claude -p "$_AITASK_PROMPT"`,
		WorkDir:    "/srv/repo",
		LogPath:    "/tmp/aitask-1.log",
	})

	rc := strings.Index(script, "source ~/.zshrc")
	decode := strings.Index(script, "_AITASK_PROMPT=")
	require.GreaterOrEqual(t, rc, 0, "zsh script must source ~/.zshrc")
	assert.Less(t, rc, decode, "rc must load before the prompt decode")
}

func TestBuildRunScript_ContainerWrap(t *testing.T) {
	script := BuildRunScript(RunSpec{
		Prompt:    "p",
		InnerCmd:  `copilot --allow-all -p "$_AITASK_PROMPT"`,
		WorkDir:   "/work/repo",
		Container: "dev-box",
		LogPath:   "/tmp/aitask-2.log",
	})
	assert.Contains(t, script, "docker exec -w '/work/repo' dev-box")
}

func TestSessionNaming(t *testing.T) {
	assert.Equal(t, "aitask-42", SessionName(42))
	assert.Equal(t, "/tmp/aitask-42.sh", ScriptPath(SessionName(42)))
	assert.Equal(t, "/tmp/aitask-42.log", LogPath(SessionName(42)))
}

func TestClientWrap(t *testing.T) {
	plain := &Client{}
	assert.Equal(t, "git status", plain.Wrap("git status"))

	boxed := &Client{Container: "dev-box", WorkDir: "/work/repo"}
	assert.Equal(t, "docker exec -w '/work/repo' dev-box sh -c 'git status'", boxed.Wrap("git status"))
}
