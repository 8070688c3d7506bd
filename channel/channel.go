package channel

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/proclink/proclink/internal/procutil"
	"github.com/proclink/proclink/wire"
)

// maxFrameSize bounds a single encoded message line.
const maxFrameSize = 16 << 20

// Events are the channel's upward-facing callbacks. All of them are invoked
// from the channel's internal goroutines; nil callbacks are skipped.
type Events struct {
	// OnMessage is called with each decoded message from the worker.
	OnMessage func(wire.Message)

	// OnOutputChunk is called with text captured from the worker's stdout
	// and stderr, in arrival order.
	OnOutputChunk func(text string)

	// OnUnexpectedClose is called once when the process exits without
	// ExpectClose having been called, after both output streams are fully
	// drained. signal is the SIGxxx name, or empty if the process was not
	// signaled.
	OnUnexpectedClose func(exitCode int, signal string)

	// OnTransportError is called when encoding or writing an outbound
	// message fails, or when the reply stream fails mid-read.
	OnTransportError func(err error)
}

func (e Events) message(m wire.Message) {
	if e.OnMessage != nil {
		e.OnMessage(m)
	}
}

func (e Events) outputChunk(text string) {
	if e.OnOutputChunk != nil {
		e.OnOutputChunk(text)
	}
}

func (e Events) unexpectedClose(exitCode int, signal string) {
	if e.OnUnexpectedClose != nil {
		e.OnUnexpectedClose(exitCode, signal)
	}
}

func (e Events) transportError(err error) {
	if e.OnTransportError != nil {
		e.OnTransportError(err)
	}
}

// Config describes the worker process to spawn.
type Config struct {
	// Target is the worker executable.
	Target string

	// Args are passed before the trailing AutoStartArg. No other flags are
	// injected.
	Args []string

	// Env entries are appended to the current environment.
	Env []string

	// Init is sent as the first message immediately after spawn,
	// fire-and-forget; the worker is not yet guaranteed to be listening.
	Init wire.InitPayload

	Logger *zap.SugaredLogger
	Codec  wire.Codec
}

// Channel owns a worker process and its streams.
type Channel struct {
	log   *zap.SugaredLogger
	codec wire.Codec

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// replies is the parent's read end of the worker's fd 3.
	replies *os.File
	childFD *os.File

	init wire.InitPayload

	events   Events
	expected atomic.Bool

	writeMu sync.Mutex
	pumps   sync.WaitGroup
}

// New prepares a channel without starting the worker. Start must be called
// exactly once afterwards.
func New(cfg Config) (*Channel, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("no worker target given")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	codec := cfg.Codec
	if codec == nil {
		codec = wire.JSONCodec{}
	}

	cmd := exec.Command(cfg.Target, append(append([]string{}, cfg.Args...), wire.AutoStartArg)...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	replyR, replyW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating reply pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{replyW}

	return &Channel{
		log:     log.Named("channel"),
		codec:   codec,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		replies: replyR,
		childFD: replyW,
		init:    cfg.Init,
	}, nil
}

// Start spawns the worker, wires the stream pumps, and sends the Init
// message.
func (c *Channel) Start(events Events) error {
	c.events = events

	if err := c.cmd.Start(); err != nil {
		c.replies.Close()
		c.childFD.Close()
		return fmt.Errorf("starting worker: %w", err)
	}
	// The child holds its own copy of the reply pipe's write end; the
	// parent's copy must go away or the read side never sees EOF.
	c.childFD.Close()

	c.log.Debugw("worker started", "Pid", c.cmd.Process.Pid)

	c.pumps.Add(3)
	go c.readMessages()
	go c.pumpOutput("stdout", c.stdout)
	go c.pumpOutput("stderr", c.stderr)
	go c.watchClose()

	c.Send(wire.Message{Kind: wire.KindInit, Init: &c.init})
	return nil
}

// Send encodes and writes a message to the worker's command stream. A
// transport failure is reported through OnTransportError, never returned.
// The report is delivered on a fresh goroutine so Send never re-enters the
// caller.
func (c *Channel) Send(msg wire.Message) {
	b, err := c.codec.Encode(msg)
	if err != nil {
		c.log.Debugf("encoding %s message: %s", msg.Kind, err)
		go c.events.transportError(err)
		return
	}

	c.writeMu.Lock()
	_, err = c.stdin.Write(append(b, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.log.Debugf("writing %s message: %s", msg.Kind, err)
		go c.events.transportError(err)
	}
}

// ExpectClose marks the coming process exit as expected, suppressing the
// unexpected-close event. Called by the disposal path before the worker is
// asked to exit.
func (c *Channel) ExpectClose() {
	c.expected.Store(true)
}

// Pid returns the worker's process id.
func (c *Channel) Pid() int {
	return c.cmd.Process.Pid
}

// Terminate kills the worker process. Safe to call when the process already
// exited.
func (c *Channel) Terminate() error {
	return procutil.Terminate(c.Pid())
}

func (c *Channel) readMessages() {
	defer c.pumps.Done()

	scanner := bufio.NewScanner(c.replies)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		msg, err := c.codec.Decode(scanner.Bytes())
		if err != nil {
			c.log.Debugf("message reader got decode error: %s", err)
			c.events.transportError(err)
			continue
		}
		c.events.message(msg)
	}
	if err := scanner.Err(); err != nil {
		c.log.Debugf("message reader got error: %s", err)
		c.events.transportError(err)
	}
	c.replies.Close()
}

func (c *Channel) pumpOutput(name string, r io.Reader) {
	defer c.pumps.Done()

	buf := make([]byte, 8*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.events.outputChunk(string(buf[:n]))
		}
		if err != nil {
			if err != io.EOF {
				c.log.Debugf("%s pump got error: %s", name, err)
			}
			return
		}
	}
}

// watchClose reaps the process after the pumps drained, so close is only
// observed once the captured output is complete.
func (c *Channel) watchClose() {
	c.pumps.Wait()

	err := c.cmd.Wait()
	exitCode, signal := exitStatus(c.cmd, err)
	c.log.Debugw("worker exited", "Pid", c.cmd.Process.Pid, "ExitCode", exitCode, "Signal", signal, "Expected", c.expected.Load())

	if !c.expected.Load() {
		c.events.unexpectedClose(exitCode, signal)
	}
}

func exitStatus(cmd *exec.Cmd, waitErr error) (int, string) {
	state := cmd.ProcessState
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return 128 + int(sig), unix.SignalName(sig)
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return -1, ""
		}
	}
	return state.ExitCode(), ""
}
