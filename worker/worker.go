package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/proclink/proclink/wire"
)

// replyFD is the file descriptor the parent wires up for worker->parent
// messages.
const replyFD = 3

// maxFrameSize bounds a single encoded message line.
const maxFrameSize = 16 << 20

// HandlerFunc handles one call. The returned value is encoded as the call's
// result; a returned error rejects the call with the error's text.
type HandlerFunc func(ctx context.Context, args []json.RawMessage) (any, error)

// Worker dispatches incoming calls to registered handlers.
type Worker struct {
	log      *zap.SugaredLogger
	codec    wire.Codec
	handlers map[string]HandlerFunc

	writeMu  sync.Mutex
	inflight sync.WaitGroup
}

// New returns a worker with no handlers registered. A nil logger disables
// logging.
func New(log *zap.SugaredLogger) *Worker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Worker{
		log:      log.Named("worker"),
		codec:    wire.JSONCodec{},
		handlers: map[string]HandlerFunc{},
	}
}

// Register makes fn the handler for calls to method, replacing any previous
// handler for that name.
func (w *Worker) Register(method string, fn HandlerFunc) {
	w.handlers[method] = fn
}

// Run serves the message loop over the process's real streams: commands from
// stdin, replies to fd 3. It returns once a dispose message was handled or
// the command stream closed.
func (w *Worker) Run() error {
	if !autoStarted(os.Args) {
		return fmt.Errorf("missing %q argument; refusing to serve on stdio", wire.AutoStartArg)
	}
	out := os.NewFile(replyFD, "replies")
	if out == nil {
		return fmt.Errorf("reply fd %d is not open", replyFD)
	}
	defer out.Close()
	return w.Serve(os.Stdin, out)
}

func autoStarted(args []string) bool {
	return len(args) > 0 && args[len(args)-1] == wire.AutoStartArg
}

// Serve runs the message loop over the given streams. Exposed separately from
// Run so the loop can be driven in-process.
func (w *Worker) Serve(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		msg, err := w.codec.Decode(scanner.Bytes())
		if err != nil {
			w.log.Debugf("dropping undecodable command: %s", err)
			continue
		}

		switch msg.Kind {
		case wire.KindInit:
			w.handleInit(msg, out)

		case wire.KindCall:
			w.inflight.Add(1)
			go func(msg wire.Message) {
				defer w.inflight.Done()
				w.dispatch(msg, out)
			}(msg)

		case wire.KindDispose:
			w.log.Debug("dispose requested, waiting for in-flight calls")
			w.inflight.Wait()
			w.write(out, wire.Message{Kind: wire.KindDisposeCompleted})
			return nil

		default:
			w.log.Debugw("ignoring command of unknown kind", "Kind", msg.Kind)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading command stream: %w", err)
	}
	// Command stream closed without a dispose: the parent is gone.
	return nil
}

func (w *Worker) handleInit(msg wire.Message, out io.Writer) {
	if msg.Init != nil && msg.Init.WorkingDir != "" {
		if err := os.Chdir(msg.Init.WorkingDir); err != nil {
			w.log.Debugf("changing working dir: %s", err)
		}
	}
	w.write(out, wire.Message{Kind: wire.KindInitialized})
}

func (w *Worker) dispatch(msg wire.Message, out io.Writer) {
	defer func() {
		if r := recover(); r != nil {
			w.write(out, wire.NewRejection(msg.ID, fmt.Sprintf("panic in %q: %v", msg.Method, r)))
		}
	}()

	fn, ok := w.handlers[msg.Method]
	if !ok {
		w.write(out, wire.NewRejection(msg.ID, fmt.Sprintf("unknown method %q", msg.Method)))
		return
	}

	value, err := fn(context.Background(), msg.Args)
	if err != nil {
		w.write(out, wire.NewRejection(msg.ID, err.Error()))
		return
	}

	reply, err := wire.NewResult(msg.ID, value)
	if err != nil {
		w.write(out, wire.NewRejection(msg.ID, err.Error()))
		return
	}
	w.write(out, reply)
}

func (w *Worker) write(out io.Writer, msg wire.Message) {
	b, err := w.codec.Encode(msg)
	if err != nil {
		w.log.Debugf("encoding %s reply: %s", msg.Kind, err)
		return
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := out.Write(append(b, '\n')); err != nil {
		w.log.Debugf("writing %s reply: %s", msg.Kind, err)
	}
}
