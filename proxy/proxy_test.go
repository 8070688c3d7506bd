package proxy

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/proclink/proclink/wire"
)

type fakeTransport struct {
	mu          sync.Mutex
	sent        []wire.Message
	expectClose int
	terminated  int
}

func (f *fakeTransport) Send(m wire.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
}

func (f *fakeTransport) ExpectClose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expectClose++
}

func (f *fakeTransport) Pid() int { return 4242 }

func (f *fakeTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated++
	return nil
}

func (f *fakeTransport) sentMessages() []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Message{}, f.sent...)
}

func (f *fakeTransport) countKind(kind wire.Kind) int {
	n := 0
	for _, m := range f.sentMessages() {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func newTestProxy(t *testing.T, opts ...Option) (*Proxy, *fakeTransport) {
	ft := &fakeTransport{}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t).Sugar())}, opts...)
	return New(ft, opts...), ft
}

func newReadyProxy(t *testing.T, opts ...Option) (*Proxy, *fakeTransport) {
	p, ft := newTestProxy(t, opts...)
	p.handleMessage(wire.Message{Kind: wire.KindInitialized})
	require.Equal(t, StateReady, p.State())
	return p, ft
}

func result(t *testing.T, id uint64, value any) wire.Message {
	msg, err := wire.NewResult(id, value)
	require.NoError(t, err)
	return msg
}

func waitSettled(t *testing.T, c *Call) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return Result[string](ctx, c)
}

func TestCallsQueueUntilReadyAndDispatchInOrder(t *testing.T) {
	p, ft := newTestProxy(t)

	a := p.Call("a")
	b := p.Call("b")
	c := p.Call("c")

	assert.Equal(t, uint64(0), a.ID())
	assert.Equal(t, uint64(1), b.ID())
	assert.Equal(t, uint64(2), c.ID())
	assert.Empty(t, ft.sentMessages(), "nothing may be sent before the worker is ready")

	p.handleMessage(wire.Message{Kind: wire.KindInitialized})

	sent := ft.sentMessages()
	require.Len(t, sent, 3)
	for i, method := range []string{"a", "b", "c"} {
		assert.Equal(t, wire.KindCall, sent[i].Kind)
		assert.Equal(t, uint64(i), sent[i].ID)
		assert.Equal(t, method, sent[i].Method)
	}

	// Replies settle out of order, matched only by id.
	p.handleMessage(result(t, 1, "one"))
	p.handleMessage(result(t, 0, "zero"))
	p.handleMessage(result(t, 2, "two"))

	for call, want := range map[*Call]string{a: "zero", b: "one", c: "two"} {
		got, err := waitSettled(t, call)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCallSendsImmediatelyWhenReady(t *testing.T) {
	p, ft := newReadyProxy(t)

	call := p.Call("fetch", "key")
	sent := ft.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, wire.KindCall, sent[0].Kind)
	assert.Equal(t, "fetch", sent[0].Method)

	p.handleMessage(result(t, call.ID(), "value"))
	got, err := waitSettled(t, call)
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestDuplicateReplyIsIgnored(t *testing.T) {
	p, _ := newReadyProxy(t)

	call := p.Call("once")
	p.handleMessage(result(t, call.ID(), "first"))
	p.handleMessage(result(t, call.ID(), "second"))
	p.handleMessage(wire.NewRejection(call.ID(), "too late"))

	got, err := waitSettled(t, call)
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestUnknownReplyIsIgnored(t *testing.T) {
	p, _ := newReadyProxy(t)

	p.handleMessage(result(t, 99, "nobody asked"))
	assert.Equal(t, StateReady, p.State())
}

func TestRejectionSettlesOnlyItsCall(t *testing.T) {
	p, _ := newReadyProxy(t)

	bad := p.Call("bad")
	good := p.Call("good")

	p.handleMessage(wire.NewRejection(bad.ID(), "no such file"))

	_, err := waitSettled(t, bad)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "bad", rej.Method)
	assert.Equal(t, "no such file", rej.Reason)

	select {
	case <-good.Done():
		t.Fatal("unrelated call settled by rejection")
	default:
	}
	assert.Equal(t, StateReady, p.State(), "a rejection is not a crash")
}

func TestUnexpectedCloseLatchesCrashError(t *testing.T) {
	p, ft := newReadyProxy(t)

	first := p.Call("first")
	second := p.Call("second")

	p.handleUnexpectedClose(134, "SIGABRT")
	assert.Equal(t, StateCrashed, p.State())

	_, err1 := waitSettled(t, first)
	_, err2 := waitSettled(t, second)

	var crash *CrashError
	require.ErrorAs(t, err1, &crash)
	assert.Equal(t, 4242, crash.Pid)
	assert.Equal(t, 134, crash.ExitCode)
	assert.Equal(t, "SIGABRT", crash.Signal)
	assert.Contains(t, crash.Error(), "SIGABRT")
	assert.Contains(t, crash.Error(), "no output")
	assert.Same(t, err1, err2, "all pending calls settle with the same latched instance")

	// A later call fails immediately with the identical error and nothing is
	// sent to the dead worker.
	before := len(ft.sentMessages())
	late := p.Call("late")
	_, err3 := waitSettled(t, late)
	assert.Same(t, err1, err3)
	assert.Len(t, ft.sentMessages(), before)
}

func TestHeapMarkerClassifiesOutOfMemory(t *testing.T) {
	p, _ := newReadyProxy(t)

	call := p.Call("work")
	p.handleOutputChunk("allocating...\n")
	p.handleOutputChunk("FATAL ERROR: JavaScript heap out of memory\n")
	p.handleUnexpectedClose(1, "")

	_, err := waitSettled(t, call)
	var oom *OutOfMemoryError
	require.ErrorAs(t, err, &oom)
	assert.Equal(t, 4242, oom.Pid)
	assert.Equal(t, 1, oom.ExitCode)
	assert.Contains(t, oom.Output, "heap out of memory")
}

func TestCustomHeapMarkers(t *testing.T) {
	p, _ := newReadyProxy(t, WithHeapExhaustionMarkers("runtime: out of memory"))

	call := p.Call("work")
	p.handleOutputChunk("runtime: out of memory: cannot allocate\n")
	p.handleUnexpectedClose(2, "")

	_, err := waitSettled(t, call)
	var oom *OutOfMemoryError
	require.ErrorAs(t, err, &oom)
}

func TestCrashIsLatchedOnlyOnce(t *testing.T) {
	p, _ := newReadyProxy(t)

	p.handleUnexpectedClose(1, "")
	first := p.Err()
	p.handleUnexpectedClose(2, "SIGKILL")
	assert.Same(t, first, p.Err())
}

func TestBrokenPipeIsTreatedAsCrash(t *testing.T) {
	p, _ := newReadyProxy(t)

	call := p.Call("write")
	cause := fmt.Errorf("write |1: %w", syscall.EPIPE)
	p.handleTransportError(cause)

	assert.Equal(t, StateCrashed, p.State())
	_, err := waitSettled(t, call)
	var crash *CrashError
	require.ErrorAs(t, err, &crash)
	assert.Equal(t, -1, crash.ExitCode)
	assert.Equal(t, "", crash.Signal)
	assert.ErrorIs(t, err, syscall.EPIPE)
}

func TestAmbiguousTransportErrorDoesNotLatch(t *testing.T) {
	p, ft := newReadyProxy(t)

	inflight := p.Call("inflight")
	p.handleTransportError(fmt.Errorf("message too large"))

	_, err := waitSettled(t, inflight)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message too large")

	// The proxy stays usable for prospective calls.
	assert.Equal(t, StateReady, p.State())
	assert.NoError(t, p.Err())

	next := p.Call("next")
	assert.Equal(t, wire.KindCall, ft.sentMessages()[len(ft.sentMessages())-1].Kind)

	p.handleMessage(result(t, next.ID(), "fine"))
	got, err := waitSettled(t, next)
	require.NoError(t, err)
	assert.Equal(t, "fine", got)
}

func TestDisposeHandshake(t *testing.T) {
	p, ft := newReadyProxy(t)

	done := make(chan struct{})
	go func() {
		p.Dispose()
		close(done)
	}()

	require.Eventually(t, func() bool {
		return ft.countKind(wire.KindDispose) == 1
	}, 5*time.Second, 10*time.Millisecond)

	p.handleMessage(wire.Message{Kind: wire.KindDisposeCompleted})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispose did not complete after acknowledgment")
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, 1, ft.expectClose, "crash handling must be detached before the dispose message")
	assert.Equal(t, 1, ft.terminated, "termination runs even when the worker acknowledged")
	assert.Equal(t, StateDisposed, p.State())
}

func TestDisposeTimesOutAndStillTerminates(t *testing.T) {
	p, ft := newReadyProxy(t, WithGraceTimeout(50*time.Millisecond))

	start := time.Now()
	p.Dispose()
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, 1, ft.terminated)
	assert.Equal(t, StateDisposed, p.State())
}

func TestDisposeIsIdempotent(t *testing.T) {
	p, ft := newReadyProxy(t, WithGraceTimeout(50*time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Dispose()
		}()
	}
	wg.Wait()
	p.Dispose()

	assert.Equal(t, 1, ft.countKind(wire.KindDispose), "at most one dispose message")
	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, 1, ft.terminated, "termination runs exactly once")
}

func TestDisposeLeavesInflightCallsUnsettled(t *testing.T) {
	p, _ := newReadyProxy(t, WithGraceTimeout(50*time.Millisecond))

	inflight := p.Call("inflight")
	p.Dispose()

	select {
	case <-inflight.Done():
		t.Fatal("in-flight call settled by dispose")
	default:
	}
}

func TestCallAfterDisposeFails(t *testing.T) {
	p, ft := newReadyProxy(t, WithGraceTimeout(50*time.Millisecond))
	p.Dispose()

	before := len(ft.sentMessages())
	_, err := waitSettled(t, p.Call("late"))
	assert.ErrorIs(t, err, ErrDisposed)
	assert.Len(t, ft.sentMessages(), before)
}

func TestDisposeAfterCrash(t *testing.T) {
	p, ft := newReadyProxy(t, WithGraceTimeout(50*time.Millisecond))

	p.handleUnexpectedClose(1, "")
	require.Equal(t, StateCrashed, p.State())

	p.Dispose()
	assert.Equal(t, StateDisposed, p.State())
	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, 1, ft.terminated)
}

func TestUnexpectedCloseDuringDisposeIsIgnored(t *testing.T) {
	p, _ := newReadyProxy(t, WithGraceTimeout(50*time.Millisecond))

	done := make(chan struct{})
	go func() {
		p.Dispose()
		close(done)
	}()
	require.Eventually(t, func() bool { return p.State() == StateDisposing || p.State() == StateDisposed }, 5*time.Second, time.Millisecond)

	p.handleUnexpectedClose(0, "")
	assert.NoError(t, p.Err())

	<-done
	assert.Equal(t, StateDisposed, p.State())
}

func TestCallWaitHonorsContext(t *testing.T) {
	p, _ := newReadyProxy(t)

	call := p.Call("forever")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := call.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
