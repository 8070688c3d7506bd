package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/proclink/proclink/wire"
)

// DefaultGraceTimeout bounds how long Dispose waits for the worker's
// acknowledgment before forcing termination.
const DefaultGraceTimeout = 2 * time.Second

// Transport is the proxy's view of the message channel. channel.Channel
// implements it.
type Transport interface {
	// Send forwards a message to the worker. Transport failures surface
	// asynchronously through the proxy's error handler, never here.
	Send(wire.Message)

	// ExpectClose suppresses the unexpected-close event for the coming exit.
	ExpectClose()

	Pid() int

	// Terminate kills the worker process, tolerating one that already
	// exited.
	Terminate() error
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the proxy's logger. A nil logger is ignored.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Proxy) {
		if log != nil {
			p.log = log
		}
	}
}

// WithGraceTimeout overrides the disposal grace timeout.
func WithGraceTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		p.graceTimeout = d
	}
}

// WithHeapExhaustionMarkers replaces the output markers that classify an
// unexpected close as out-of-memory.
func WithHeapExhaustionMarkers(markers ...string) Option {
	return func(p *Proxy) {
		p.markers = markers
	}
}

// WithMetrics attaches counters built by NewMetrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Proxy) {
		p.metrics = m
	}
}

// Proxy forwards method calls to a worker process and manages its lifecycle.
type Proxy struct {
	log          *zap.SugaredLogger
	id           string
	transport    Transport
	metrics      *Metrics
	graceTimeout time.Duration
	markers      []string

	mu        sync.Mutex
	state     State
	crashErr  error
	nextID    uint64
	pending   map[uint64]*Call
	sendQueue []wire.Message
	output    strings.Builder

	disposeAck chan struct{}
	ackOnce    sync.Once
	disposed   chan struct{}
}

// New builds a proxy over an already-constructed transport. Most callers
// should use Spawn instead, which also starts the worker.
func New(t Transport, opts ...Option) *Proxy {
	p := &Proxy{
		log:          zap.NewNop().Sugar(),
		id:           uuid.NewString(),
		transport:    t,
		graceTimeout: DefaultGraceTimeout,
		markers:      []string{DefaultHeapExhaustionMarker},
		pending:      map[uint64]*Call{},
		disposeAck:   make(chan struct{}),
		disposed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.Named("proxy").With("ProxyID", p.id)
	return p
}

// ID returns the proxy's instance id, carried in its log fields.
func (p *Proxy) ID() string { return p.id }

// State returns the current lifecycle state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the latched terminal error, or nil while the worker is alive.
func (p *Proxy) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crashErr
}

// Call forwards a method call to the worker and returns its pending result.
//
// Correlation ids are assigned synchronously in issuance order, starting at
// 0, and never reused. A call issued before the worker reported ready is
// queued and sent, in issuance order, once the initialized message arrives.
// On a crashed proxy no id is reserved and nothing is sent; the returned
// call is already settled with the latched error.
func (p *Proxy) Call(method string, args ...any) *Call {
	encoded, err := wire.EncodeArgs(args...)
	if err != nil {
		return failedCall(method, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateCrashed:
		p.log.Debugw("short-circuiting call, worker is dead", "Method", method)
		return failedCall(method, p.crashErr)
	case StateDisposing, StateDisposed:
		return failedCall(method, ErrDisposed)
	}

	id := p.nextID
	p.nextID++
	call := newCall(id, method)
	p.pending[id] = call
	p.metrics.incCallsIssued()

	msg := wire.Message{Kind: wire.KindCall, ID: id, Method: method, Args: encoded}
	if p.state == StateInitializing {
		p.sendQueue = append(p.sendQueue, msg)
	} else {
		p.transport.Send(msg)
	}
	return call
}

// Dispose drives the graceful shutdown handshake and always terminates the
// worker process, whether or not the worker acknowledges within the grace
// timeout. It never reports an error; a second Dispose waits for the first
// and returns the same outcome.
//
// Calls still pending when Dispose is invoked are never settled.
func (p *Proxy) Dispose() {
	p.mu.Lock()
	if p.state == StateDisposing || p.state == StateDisposed {
		p.mu.Unlock()
		<-p.disposed
		return
	}
	p.state = StateDisposing

	// The coming exit is expected; crash handling must not see it.
	p.transport.ExpectClose()
	p.transport.Send(wire.Message{Kind: wire.KindDispose})
	p.mu.Unlock()

	select {
	case <-p.disposeAck:
		p.log.Debug("worker acknowledged dispose")
	case <-time.After(p.graceTimeout):
		p.log.Debugw("dispose acknowledgment timed out", "GraceTimeout", p.graceTimeout)
	}

	if err := p.transport.Terminate(); err != nil {
		p.log.Debugf("terminating worker: %s", err)
	}
	p.metrics.incDisposals()

	p.mu.Lock()
	p.state = StateDisposed
	p.mu.Unlock()
	close(p.disposed)
	p.log.Debug("disposed")
}

func (p *Proxy) handleMessage(msg wire.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Kind {
	case wire.KindInitialized:
		if p.state != StateInitializing {
			p.log.Debugw("ignoring initialized message", "State", p.state)
			return
		}
		p.state = StateReady
		p.log.Debugw("worker ready", "QueuedCalls", len(p.sendQueue))
		for _, queued := range p.sendQueue {
			p.transport.Send(queued)
		}
		p.sendQueue = nil

	case wire.KindResult:
		p.settleLocked(msg.ID, msg.Result, nil, "result")

	case wire.KindRejection:
		call, ok := p.pending[msg.ID]
		if !ok {
			p.log.Debugw("no pending call for rejection, ignoring", "ID", msg.ID)
			return
		}
		p.settleLocked(msg.ID, nil, &RejectionError{Method: call.method, Reason: msg.Error}, "rejection")

	case wire.KindDisposeCompleted:
		if p.state == StateDisposing {
			p.ackOnce.Do(func() { close(p.disposeAck) })
		}

	default:
		p.log.Debugw("ignoring message of unknown kind", "Kind", msg.Kind)
	}
}

// settleLocked resolves or rejects the pending call with the given id.
// Absent ids (already settled, unknown, post-dispose) are a no-op.
func (p *Proxy) settleLocked(id uint64, result json.RawMessage, err error, outcome string) {
	call, ok := p.pending[id]
	if !ok {
		p.log.Debugw("no pending call for reply, ignoring", "ID", id)
		return
	}
	delete(p.pending, id)
	call.settle(result, err)
	p.metrics.incCallsSettled(outcome)
}

func (p *Proxy) handleOutputChunk(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// The buffer is read-only once classification consumed it.
	if p.crashErr == nil {
		p.output.WriteString(text)
	}
}

// handleUnexpectedClose is the crash classifier. The channel guarantees the
// captured output is complete by the time this fires.
func (p *Proxy) handleUnexpectedClose(exitCode int, signal string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.crashErr != nil || p.state == StateDisposing || p.state == StateDisposed {
		return
	}

	captured := p.output.String()
	var crashErr error
	if p.heapExhausted(captured) {
		crashErr = &OutOfMemoryError{Pid: p.transport.Pid(), ExitCode: exitCode, Output: tailExcerpt(captured)}
		p.metrics.incCrash("out_of_memory")
	} else {
		crashErr = &CrashError{Pid: p.transport.Pid(), ExitCode: exitCode, Signal: signal, Output: tailExcerpt(captured)}
		p.metrics.incCrash("process_crashed")
	}
	p.latchLocked(crashErr)
}

func (p *Proxy) heapExhausted(captured string) bool {
	for _, marker := range p.markers {
		if marker != "" && strings.Contains(captured, marker) {
			return true
		}
	}
	return false
}

func (p *Proxy) handleTransportError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.crashErr != nil || p.state == StateDisposing || p.state == StateDisposed {
		p.log.Debugf("ignoring transport error: %s", err)
		return
	}

	if brokenTransport(err) {
		p.metrics.incCrash("transport_broken")
		p.latchLocked(&CrashError{
			Pid:      p.transport.Pid(),
			ExitCode: -1,
			Output:   tailExcerpt(p.output.String()),
			Cause:    err,
		})
		return
	}

	// It is ambiguous whether a transport error of any other class means the
	// worker is gone. In-flight calls fail, prospective calls stay allowed.
	p.log.Warnw("transport error of ambiguous severity; failing pending calls but not latching the proxy", "Error", err)
	p.settleAllPendingLocked(fmt.Errorf("transport error: %w", err))
}

// latchLocked records the terminal error. At most one error is ever latched
// per proxy; once latched the state never returns to Ready.
func (p *Proxy) latchLocked(crashErr error) {
	p.crashErr = crashErr
	p.state = StateCrashed
	p.sendQueue = nil
	p.log.Warnw("worker crashed", "Error", crashErr, "PendingCalls", len(p.pending))
	p.settleAllPendingLocked(crashErr)
}

func (p *Proxy) settleAllPendingLocked(err error) {
	for id, call := range p.pending {
		delete(p.pending, id)
		call.settle(nil, err)
		p.metrics.incCallsSettled("failed")
	}
}
