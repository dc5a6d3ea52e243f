package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aitask/aitask/internal/db"
)

func TestCodexInspectLine_Usage(t *testing.T) {
	c := NewCodex("/ws", "", "")
	c.InspectLine(`{"type":"turn.completed","usage":{"input_tokens":1200,"output_tokens":340,"total_tokens":1540}}`)

	usage := c.UsageData()
	assert.NotNil(t, usage)
	assert.Equal(t, float64(1540), usage["total_tokens"])
}

func TestCodexInspectLine_Quota(t *testing.T) {
	byMessage := NewCodex("/ws", "", "")
	byMessage.InspectLine(`{"type":"error","message":"Rate limit exceeded for gpt-5"}`)
	assert.True(t, byMessage.IsQuotaError())

	byCode := NewCodex("/ws", "", "")
	byCode.InspectLine(`{"type":"error","message":"request failed","code":429}`)
	assert.True(t, byCode.IsQuotaError())

	// Plain text never flags: codex quota detection is JSON-only.
	plain := NewCodex("/ws", "", "")
	plain.InspectLine("rate limit exceeded\n")
	assert.False(t, plain.IsQuotaError())
}

func TestCodexParseExitCode(t *testing.T) {
	c := NewCodex("/ws", "", "")

	success, class := c.ParseExitCode(0)
	assert.True(t, success)
	assert.Empty(t, class)

	// Exit 1 without quota maps to CODE for codex, not TOOL.
	_, class = c.ParseExitCode(1)
	assert.Equal(t, db.ErrorClassCode, class)

	_, class = c.ParseExitCode(127)
	assert.Equal(t, db.ErrorClassTool, class)

	_, class = c.ParseExitCode(3)
	assert.Equal(t, db.ErrorClassNetwork, class)

	c.InspectLine(`{"type":"error","message":"insufficient quota"}`)
	_, class = c.ParseExitCode(1)
	assert.Equal(t, db.ErrorClassQuota, class)
}

func TestCodexRemoteCommand(t *testing.T) {
	cmd := NewCodex("/ws", "o3", "").RemoteCommand("/srv/repo-task-4")
	assert.Contains(t, cmd, `printf '%s' "$_AITASK_PROMPT" | codex exec --json`)
	assert.Contains(t, cmd, "-m o3")
	assert.Contains(t, cmd, "-C /srv/repo-task-4")
	assert.True(t, cmd[len(cmd)-1] == '-', "prompt must arrive on stdin")
}
