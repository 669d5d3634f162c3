// ABOUTME: Tests for the subprocess client lifecycle and call shapes
// ABOUTME: Uses small shell scripts as stand-in agents speaking the line protocol

package agentrpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeAgentScript writes an executable /bin/sh script that plays the agent
// side of the line protocol and returns its path.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestClient(t *testing.T, binary string, timeout time.Duration) *Client {
	t.Helper()
	c := NewClient(Options{
		Binary:      binary,
		Provider:    "anthropic",
		Model:       "haiku",
		CallTimeout: timeout,
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	t.Cleanup(c.Stop)
	return c
}

// echoAgent answers get_state with a response and prompt with two text
// events followed by the terminal marker.
const echoAgent = `while IFS= read -r line; do
  case "$line" in
    *'"get_state"'*) printf '%s\n' '{"type":"response","state":"idle"}' ;;
    *'"new_session"'*) printf '%s\n' '{"type":"response","ok":true}' ;;
    *'"prompt"'*)
      printf '%s\n' '{"type":"agent_text","text":"first"}'
      printf '%s\n' '{"type":"agent_text","text":"second"}'
      printf '%s\n' '{"type":"turn_complete"}'
      ;;
  esac
done`

func TestClient_CallRoundTrip(t *testing.T) {
	c := newTestClient(t, writeAgentScript(t, echoAgent), 5*time.Second)
	require.NoError(t, c.Start())

	raw, err := c.Call(context.Background(), Command{Type: CmdGetState})
	require.NoError(t, err)

	var resp struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "idle", resp.State)
	assert.True(t, c.Running())
}

func TestClient_CallSkipsInterleavedEvents(t *testing.T) {
	// Stray non-response events before the response must not be returned
	// as the answer.
	script := `while IFS= read -r line; do
  printf '%s\n' '{"type":"agent_text","text":"noise"}'
  printf '%s\n' '{"type":"response","ok":true}'
done`
	c := newTestClient(t, writeAgentScript(t, script), 5*time.Second)
	require.NoError(t, c.Start())

	raw, err := c.Call(context.Background(), Command{Type: CmdNewSession})
	require.NoError(t, err)

	var resp struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.True(t, resp.OK)
}

func TestClient_StreamDeliversEventsInOrder(t *testing.T) {
	c := newTestClient(t, writeAgentScript(t, echoAgent), 5*time.Second)
	require.NoError(t, c.Start())

	var types []string
	err := c.Stream(context.Background(), Command{Type: CmdPrompt, Prompt: "hi"}, func(ev Event) error {
		types = append(types, ev.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent_text", "agent_text", EventTurnComplete}, types)
	assert.True(t, c.Running(), "process stays warm after a completed turn")
}

func TestClient_StreamStripsNoiseLines(t *testing.T) {
	script := `while IFS= read -r line; do
  printf 'warming up...\n'
  printf '\033[2K{"type":"agent_text","text":"hi"}\n'
  printf '%s\n' '{"type":"turn_complete"}'
done`
	c := newTestClient(t, writeAgentScript(t, script), 5*time.Second)
	require.NoError(t, c.Start())

	var types []string
	err := c.Stream(context.Background(), Command{Type: CmdPrompt, Prompt: "hi"}, func(ev Event) error {
		types = append(types, ev.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent_text", EventTurnComplete}, types)
}

func TestClient_StreamProcessDeath(t *testing.T) {
	// One event, then exit without a terminal marker.
	script := `IFS= read -r line
printf '%s\n' '{"type":"agent_text","text":"partial"}'
printf 'boom\n' >&2
exit 1`
	c := newTestClient(t, writeAgentScript(t, script), 5*time.Second)
	require.NoError(t, c.Start())

	var types []string
	err := c.Stream(context.Background(), Command{Type: CmdPrompt, Prompt: "hi"}, func(ev Event) error {
		types = append(types, ev.Type)
		return nil
	})
	require.ErrorIs(t, err, ErrProcess)
	assert.Equal(t, []string{"agent_text"}, types, "events before death still delivered")
	assert.False(t, c.Running())
}

func TestClient_StreamDeliversBurstBeforeImmediateExit(t *testing.T) {
	// The agent floods its full turn and exits without waiting to be read.
	// Every event must still arrive; a fast exit must not truncate the tail
	// of the stream or turn a completed turn into a process failure.
	script := `IFS= read -r line
i=0
while [ $i -lt 1000 ]; do
  printf '%s\n' '{"type":"agent_text","text":"chunk"}'
  i=$((i+1))
done
printf '%s\n' '{"type":"turn_complete"}'
exit 0`
	c := newTestClient(t, writeAgentScript(t, script), 30*time.Second)
	require.NoError(t, c.Start())

	var texts, terminals int
	err := c.Stream(context.Background(), Command{Type: CmdPrompt, Prompt: "hi"}, func(ev Event) error {
		switch ev.Type {
		case "agent_text":
			texts++
		case EventTurnComplete:
			terminals++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, texts, "no events lost to the exiting process")
	assert.Equal(t, 1, terminals)
}

func TestClient_StreamTimeout(t *testing.T) {
	script := `IFS= read -r line
sleep 60`
	c := newTestClient(t, writeAgentScript(t, script), 200*time.Millisecond)
	require.NoError(t, c.Start())

	start := time.Now()
	err := c.Stream(context.Background(), Command{Type: CmdPrompt, Prompt: "hi"}, func(Event) error { return nil })
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, c.Running(), "handle torn down after timeout")
}

func TestClient_CallTimeout(t *testing.T) {
	script := `IFS= read -r line
sleep 60`
	c := newTestClient(t, writeAgentScript(t, script), 200*time.Millisecond)
	require.NoError(t, c.Start())

	_, err := c.Call(context.Background(), Command{Type: CmdGetState})
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, c.Running())
}

func TestClient_StreamContextCancel(t *testing.T) {
	script := `IFS= read -r line
sleep 60`
	c := newTestClient(t, writeAgentScript(t, script), time.Minute)
	require.NoError(t, c.Start())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	err := c.Stream(ctx, Command{Type: CmdPrompt, Prompt: "hi"}, func(Event) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestClient_CallContextCancelTearsDown(t *testing.T) {
	// A cancelled call must not leave its eventual response queued for the
	// next caller on a warm handle.
	script := `IFS= read -r line
sleep 60`
	c := newTestClient(t, writeAgentScript(t, script), time.Minute)
	require.NoError(t, c.Start())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := c.Call(ctx, Command{Type: CmdGetState})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.Running(), "handle torn down after cancellation")
}

func TestClient_StreamCallbackError(t *testing.T) {
	boom := errors.New("handler rejected event")
	c := newTestClient(t, writeAgentScript(t, echoAgent), 5*time.Second)
	require.NoError(t, c.Start())

	err := c.Stream(context.Background(), Command{Type: CmdPrompt, Prompt: "hi"}, func(Event) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestClient_CallWithoutStart(t *testing.T) {
	c := newTestClient(t, "/nonexistent", time.Second)
	_, err := c.Call(context.Background(), Command{Type: CmdGetState})
	require.ErrorIs(t, err, ErrProcess)
}

func TestClient_StartIdempotent(t *testing.T) {
	c := newTestClient(t, writeAgentScript(t, echoAgent), 5*time.Second)
	require.NoError(t, c.Start())
	pidBefore := c.pid
	require.NoError(t, c.Start())
	assert.Equal(t, pidBefore, c.pid, "second Start must not respawn")
}

func TestClient_StopIdempotent(t *testing.T) {
	c := newTestClient(t, writeAgentScript(t, echoAgent), 5*time.Second)
	require.NoError(t, c.Start())
	c.Stop()
	c.Stop()
	assert.False(t, c.Running())
}

func TestClient_ArgsDerivation(t *testing.T) {
	c := NewClient(Options{Binary: "agent", Provider: "openai", Model: "gpt", Tools: "coding"})
	assert.Equal(t,
		[]string{"--provider", "openai", "--model", "gpt", "--tools", "coding", "--rpc", "jsonl", "--no-session-store"},
		c.args())

	c = NewClient(Options{Binary: "agent"})
	assert.Equal(t, []string{"--no-tools", "--rpc", "jsonl", "--no-session-store"}, c.args())
}
