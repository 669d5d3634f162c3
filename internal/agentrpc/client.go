// ABOUTME: Client manages one agent subprocess over line-delimited JSON stdio
// ABOUTME: Spawn/stop lifecycle, single-shot control calls, and streaming turn calls

package agentrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrProcess indicates protocol desync, premature process death mid-call, or
// a call attempted with no running process. Not retryable against the same
// handle; the caller decides whether to restart with a fresh process.
var ErrProcess = errors.New("agent process failure")

// ErrTimeout indicates a call exceeded its wall-clock budget while the
// process was still nominally alive. Retryable by the caller with a fresh
// process; the handle is torn down defensively either way.
var ErrTimeout = errors.New("agent call timed out")

const (
	// eventBufferSize bounds the reader's queue of parsed events.
	eventBufferSize = 256
	// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
	stopGrace = 2 * time.Second
	// stderrTailSize bounds the retained diagnostic output.
	stderrTailSize = 8 * 1024
)

// Options configures a Client.
type Options struct {
	// Binary is the agent executable to spawn.
	Binary string
	// Provider and Model select the backend; empty means the agent's default.
	Provider string
	Model    string
	// Tools is the toolset descriptor; empty spawns with --no-tools.
	Tools string
	// CallTimeout bounds every single-shot and streaming call.
	CallTimeout time.Duration
	// Logger for lifecycle and protocol diagnostics. Nil means default.
	Logger *slog.Logger
}

// Client owns one agent subprocess and its stdio channels. At most one
// single-shot or streaming call may be in flight at a time; callers serialize
// through the pool's per-entry lock.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex // guards process state below
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	events     chan Event
	readerDone chan struct{}
	forceWait  chan struct{}
	waitDone   chan struct{}
	pid        int
	stderr     *ringBuffer

	callMu sync.Mutex // serializes calls against one handle
}

// NewClient creates a client; the subprocess is not spawned until Start.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		logger: logger.With("component", "agentrpc"),
	}
}

// args derives the subprocess command line from the configured provider,
// model, and toolset, plus the fixed RPC-mode flags.
func (c *Client) args() []string {
	var args []string
	if c.opts.Provider != "" {
		args = append(args, "--provider", c.opts.Provider)
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	if c.opts.Tools == "" {
		args = append(args, "--no-tools")
	} else {
		args = append(args, "--tools", c.opts.Tools)
	}
	return append(args, "--rpc", "jsonl", "--no-session-store")
}

// Start spawns the subprocess if it is not already running. Idempotent.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil
	}

	cmd := exec.Command(c.opts.Binary, c.args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning %s: %w", c.opts.Binary, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.pid = cmd.Process.Pid
	c.events = make(chan Event, eventBufferSize)
	c.readerDone = make(chan struct{})
	c.forceWait = make(chan struct{})
	c.waitDone = make(chan struct{})
	c.stderr = newRingBuffer(stderrTailSize)

	// The drain keeps the subprocess's error stream from ever filling its
	// pipe buffer and stalling it; the tail is kept for failure diagnostics.
	go drainStderr(stderr, c.stderr)
	go c.readLoop(stdout, c.events, c.readerDone)

	readerDone := c.readerDone
	forceWait := c.forceWait
	waitDone := c.waitDone
	go func() {
		// Wait closes the stdout pipe, so it must not run until the read
		// loop has seen EOF or a fast-exiting process loses its final
		// buffered events. Stop's kill path forces it through in case an
		// inherited write end keeps the pipe from ever reaching EOF.
		select {
		case <-readerDone:
		case <-forceWait:
		}
		err := cmd.Wait()
		close(waitDone)
		if err != nil {
			c.logger.Debug("agent process exited", "pid", cmd.Process.Pid, "error", err)
		}
	}()

	c.logger.Info("agent process started",
		"binary", c.opts.Binary,
		"provider", c.opts.Provider,
		"model", c.opts.Model,
		"pid", c.pid,
	)
	return nil
}

// Stop terminates the subprocess and clears all state. Idempotent; internal
// state is cleared even if termination fails.
func (c *Client) Stop() {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	events := c.events
	forceWait := c.forceWait
	waitDone := c.waitDone
	c.cmd = nil
	c.stdin = nil
	c.events = nil
	c.readerDone = nil
	c.forceWait = nil
	c.waitDone = nil
	c.pid = 0
	c.mu.Unlock()

	if cmd == nil {
		return
	}

	// Nothing reads the queue past this point; drain it so a read loop
	// blocked on a full queue can reach EOF and release the wait goroutine.
	go func() {
		for range events {
		}
	}()

	if stdin != nil {
		stdin.Close()
	}
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-waitDone:
	case <-time.After(stopGrace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		close(forceWait)
		<-waitDone
	}

	c.logger.Info("agent process stopped", "binary", c.opts.Binary)
}

// Running reports whether the subprocess is alive, as observed by the
// background wait goroutine.
func (c *Client) Running() bool {
	c.mu.Lock()
	waitDone := c.waitDone
	c.mu.Unlock()

	if waitDone == nil {
		return false
	}
	select {
	case <-waitDone:
		return false
	default:
		return true
	}
}

// Call writes one framed command and blocks for the next "response"-typed
// message, up to the call timeout. Messages of any other type are ignored for
// the duration of the call. Used for cheap control operations.
func (c *Client) Call(ctx context.Context, cmd Command) (json.RawMessage, error) {
	return c.call(ctx, cmd, c.opts.CallTimeout)
}

// CallWithTimeout is Call with an explicit budget, used where the caller's
// tolerance differs from the default (the pool's session reset).
func (c *Client) CallWithTimeout(ctx context.Context, cmd Command, timeout time.Duration) (json.RawMessage, error) {
	return c.call(ctx, cmd, timeout)
}

func (c *Client) call(ctx context.Context, cmd Command, timeout time.Duration) (json.RawMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	events, waitDone, err := c.handle()
	if err != nil {
		return nil, err
	}
	if err := c.send(cmd); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.Stop()
				return nil, fmt.Errorf("process closed its output during %s: %w", cmd.Type, ErrProcess)
			}
			if ev.Type == EventResponse {
				return ev.Raw, nil
			}
			// Not a control response; ignore for this call.

		case <-waitDone:
			// The process died. Flush anything the reader already queued in
			// case the response beat the exit.
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						c.Stop()
						return nil, fmt.Errorf("process died during %s: %w", cmd.Type, ErrProcess)
					}
					if ev.Type == EventResponse {
						return ev.Raw, nil
					}
				default:
					c.Stop()
					return nil, fmt.Errorf("process died during %s: %w", cmd.Type, ErrProcess)
				}
			}

		case <-timer.C:
			// A late response must not be misread by the next call; the
			// handle is torn down rather than reused.
			c.Stop()
			return nil, fmt.Errorf("%s exceeded %v: %w", cmd.Type, timeout, ErrTimeout)

		case <-ctx.Done():
			// Same hazard as the timeout: a response landing after
			// cancellation must not be read as the next call's answer.
			c.Stop()
			return nil, ctx.Err()
		}
	}
}

// Stream writes one framed command and invokes onEvent for every framed
// message received, in order, until the terminal turn_complete event. The
// terminal event is delivered to onEvent before Stream returns.
//
// Failure modes are distinct by design: exceeding the call timeout while the
// process is alive tears the client down and returns ErrTimeout (a hang,
// plausibly model-side slowness); the process dying before the terminal event
// returns ErrProcess (a crash, the pool entry must not be reused).
func (c *Client) Stream(ctx context.Context, cmd Command, onEvent func(Event) error) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	events, waitDone, err := c.handle()
	if err != nil {
		return err
	}
	if err := c.send(cmd); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.logStderrTail()
				c.Stop()
				return fmt.Errorf("process exited before terminal event: %w", ErrProcess)
			}
			if err := onEvent(ev); err != nil {
				c.Stop()
				return err
			}
			if ev.Type == EventTurnComplete {
				return nil
			}

		case <-waitDone:
			// Dead process: drain what the reader already parsed, then fail
			// immediately instead of waiting out the full timeout.
			waitDone = nil
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						c.logStderrTail()
						c.Stop()
						return fmt.Errorf("process died before terminal event: %w", ErrProcess)
					}
					if err := onEvent(ev); err != nil {
						c.Stop()
						return err
					}
					if ev.Type == EventTurnComplete {
						return nil
					}
				case <-time.After(100 * time.Millisecond):
					// Reader still flushing; the closed-channel case above
					// ends the wait once EOF lands.
				}
			}

		case <-timer.C:
			// Forcibly stop the reader; a hung remote must not hold the
			// handle past its budget.
			c.Stop()
			return fmt.Errorf("streaming call exceeded %v: %w", c.opts.CallTimeout, ErrTimeout)

		case <-ctx.Done():
			c.Stop()
			return ctx.Err()
		}
	}
}

// handle snapshots the live process channels, failing if there is no running
// process to call.
func (c *Client) handle() (chan Event, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		return nil, nil, fmt.Errorf("no running process: %w", ErrProcess)
	}
	return c.events, c.waitDone, nil
}

// send writes one newline-terminated JSON frame to the subprocess.
func (c *Client) send(cmd Command) error {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("no running process: %w", ErrProcess)
	}

	frame, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding %s command: %w", cmd.Type, err)
	}
	frame = append(frame, '\n')
	if _, err := stdin.Write(frame); err != nil {
		return fmt.Errorf("writing %s command: %w", cmd.Type, ErrProcess)
	}
	return nil
}

// readLoop runs on its own goroutine, pushing every successfully parsed
// message onto the events queue. Decoupling the blocking read from the
// calling routine lets Call/Stream enforce deadlines the pipe itself has no
// notion of. The queue is closed at EOF, then readerDone releases the wait
// goroutine.
func (c *Client) readLoop(stdout io.Reader, events chan<- Event, readerDone chan<- struct{}) {
	defer close(readerDone)
	defer close(events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		ev, ok := decodeLine(scanner.Bytes())
		if !ok {
			continue
		}
		events <- ev
	}
}

// logStderrTail surfaces the retained diagnostic output after a failure.
func (c *Client) logStderrTail() {
	c.mu.Lock()
	tail := c.stderr
	c.mu.Unlock()
	if tail == nil {
		return
	}
	if s := tail.String(); s != "" {
		c.logger.Warn("agent stderr tail", "stderr", s)
	}
}

func drainStderr(r io.Reader, ring *ringBuffer) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			ring.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}
