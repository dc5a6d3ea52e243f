package executor

import (
	"bufio"
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aitask/aitask/internal/backend"
	"github.com/aitask/aitask/internal/db"
	"github.com/aitask/aitask/internal/sshx"
)

var exitCodeSentinel = regexp.MustCompile(`^EXIT_CODE:(-?\d+)\s*$`)

// cancelPoll is how often the SSH drive checks for a cancel request while
// following the remote log.
const cancelPoll = 500 * time.Millisecond

// driveSSH stages the backend invocation on the remote, runs it inside a
// detached tmux session, and follows the session log until the EXIT_CODE
// sentinel or a cancel request.
func (e *Executor) driveSSH(task *db.Task, ws *db.Workspace, run *db.Run, client *sshx.Client) {
	adapter, err := e.newAdapter(task.Backend, task.WorktreePath, task.Model, task.PermissionMode)
	if err != nil {
		e.persistInternalError(task.ID, run.ID, err)
		return
	}

	session := run.TmuxSession
	ctx := context.Background()
	script := sshx.BuildRunScript(sshx.RunSpec{
		LoginShell: ws.LoginShell,
		Prompt:     task.Prompt,
		InnerCmd:   adapter.RemoteCommand(task.WorktreePath),
		WorkDir:    task.WorktreePath,
		Container:  ws.ContainerName,
		LogPath:    sshx.LogPath(session),
	})
	if err := client.StageScript(ctx, sshx.ScriptPath(session), script); err != nil {
		e.persistInternalError(task.ID, run.ID, err)
		return
	}
	if err := client.StartSession(ctx, session, sshx.ScriptPath(session)); err != nil {
		client.RemoveRunFiles(ctx, session)
		e.persistInternalError(task.ID, run.ID, err)
		return
	}

	tailCtx, stopTail := context.WithCancel(ctx)
	defer stopTail()
	tail, err := client.TailLog(tailCtx, session)
	if err != nil {
		client.KillSession(ctx, session)
		client.RemoveRunFiles(ctx, session)
		e.persistInternalError(task.ID, run.ID, err)
		return
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(tail)
		scanner.Buffer(make([]byte, 64*1024), 10<<20)
		for scanner.Scan() {
			lines <- scanner.Text() + "\n"
		}
	}()

	logText, exitCode, cancelled := e.followRemote(task.ID, run.ID, adapter, lines,
		func() { client.KillSession(ctx, session) })
	stopTail()

	if exitCode == -1 {
		if cancelled {
			exitCode = 130
		} else {
			exitCode = 1
		}
	}

	client.KillSession(ctx, session)
	client.RemoveRunFiles(ctx, session)
	slog.Debug("remote run drained", "task_id", task.ID, "session", session, "exit_code", exitCode)

	text := logText + "\n[Process exited with code " + strconv.Itoa(exitCode) + "]\n"
	success, class := adapter.ParseExitCode(exitCode)
	e.persistOutcome(task.ID, run.ID, outcome{
		exitCode:  exitCode,
		success:   success,
		class:     class,
		cancelled: cancelled || exitCode == 130,
		quota:     adapter.IsQuotaError(),
		usage:     adapter.UsageData(),
		log:       text,
	})
}

// followRemote consumes tail lines until the exit sentinel, a cancel
// request, or the stream closing. Leaving early strands nothing: the channel
// keeps draining so the producing scanner goroutine can always finish.
func (e *Executor) followRemote(taskID, runID int64, adapter backend.Adapter, lines <-chan string, onCancel func()) (string, int, bool) {
	var log strings.Builder
	exitCode := -1
	cancelled := false
	flush := time.NewTicker(e.flushEvery)
	poll := time.NewTicker(cancelPoll)
	defer flush.Stop()
	defer poll.Stop()
	defer func() {
		go func() {
			for range lines {
			}
		}()
	}()

follow:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// Tail died without a sentinel; treat as failure.
				break follow
			}
			if m := exitCodeSentinel.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
				exitCode, _ = strconv.Atoi(m[1])
				break follow
			}
			adapter.InspectLine(line)
			log.WriteString(line)
		case <-flush.C:
			e.flush(runID, log.String())
		case <-poll.C:
			if e.cancelRequested(taskID) {
				cancelled = true
				onCancel()
				break follow
			}
		}
	}
	return log.String(), exitCode, cancelled
}
