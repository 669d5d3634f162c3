// ABOUTME: Minimal fake agent for end-to-end testing - speaks the line-delimited JSON protocol on stdio.
// ABOUTME: Usage: fake-agent [--provider P] [--model M] [--no-tools] [-noise] [-delay 50ms]

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

type command struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model,omitempty"`
}

func main() {
	// Flags the pool passes to real agents; accepted so the derived command
	// line works unchanged.
	provider := flag.String("provider", "fake", "provider id")
	model := flag.String("model", "echo", "model id")
	tools := flag.String("tools", "", "toolset descriptor")
	noTools := flag.Bool("no-tools", false, "disable tools")
	flag.String("rpc", "jsonl", "rpc framing")
	flag.Bool("no-session-store", false, "disable persistent sessions")

	noise := flag.Bool("noise", false, "wrap output lines in terminal noise")
	delay := flag.Duration("delay", 0, "pause before each streamed event")
	flag.Parse()

	if err := run(*provider, *model, *tools, *noTools, *noise, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(provider, model, tools string, noTools, noise bool, delay time.Duration) error {
	fmt.Fprintf(os.Stderr, "fake-agent ready provider=%s model=%s\n", provider, model)

	out := bufio.NewWriter(os.Stdout)
	emit := func(v any) error {
		line, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if noise {
			// ANSI clear-line plus a bell, the kind of garbage a TTY-happy
			// agent leaks around its frames.
			fmt.Fprintf(out, "\x1b[2K\a%s\r\n", line)
		} else {
			fmt.Fprintf(out, "%s\n", line)
		}
		return out.Flush()
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var cmd command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			fmt.Fprintf(os.Stderr, "bad frame: %s\n", scanner.Text())
			continue
		}

		switch cmd.Type {
		case "prompt":
			if delay > 0 {
				time.Sleep(delay)
			}
			for _, word := range strings.Fields(echoReply(cmd.Prompt)) {
				if err := emit(map[string]string{"type": "agent_text", "text": word + " "}); err != nil {
					return err
				}
				if delay > 0 {
					time.Sleep(delay)
				}
			}
			if !noTools && tools != "" {
				if err := emit(map[string]any{
					"type": "tool_use", "id": "fake-tool-1", "name": "echo",
					"input": map[string]string{"text": cmd.Prompt},
				}); err != nil {
					return err
				}
				if err := emit(map[string]any{
					"type": "tool_result", "id": "fake-tool-1",
					"output": cmd.Prompt, "is_error": false,
				}); err != nil {
					return err
				}
			}
			if err := emit(map[string]string{"type": "turn_complete"}); err != nil {
				return err
			}

		case "get_state":
			if err := emit(map[string]string{"type": "response", "state": "idle", "model": model}); err != nil {
				return err
			}

		case "get_available_models":
			if err := emit(map[string]any{"type": "response", "models": []string{model}}); err != nil {
				return err
			}

		case "set_model":
			model = cmd.Model
			if err := emit(map[string]any{"type": "response", "ok": true}); err != nil {
				return err
			}

		case "new_session", "abort", "get_messages":
			if err := emit(map[string]any{"type": "response", "ok": true}); err != nil {
				return err
			}

		default:
			if err := emit(map[string]any{"type": "response", "ok": false, "error": "unknown command"}); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

// echoReply builds a small deterministic answer so tests can assert content.
func echoReply(prompt string) string {
	if prompt == "" {
		return "nothing to echo"
	}
	return "echo: " + prompt
}
