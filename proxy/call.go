package proxy

import (
	"context"
	"encoding/json"
	"fmt"
)

// Call is the one-shot pending result of a forwarded method call. It settles
// exactly once, with either the worker's encoded result or an error.
type Call struct {
	id     uint64
	method string

	done   chan struct{}
	result json.RawMessage
	err    error
}

func newCall(id uint64, method string) *Call {
	return &Call{id: id, method: method, done: make(chan struct{})}
}

// failedCall returns an already-settled call. Used to short-circuit the call
// path; no correlation id is reserved for it.
func failedCall(method string, err error) *Call {
	c := &Call{method: method, done: make(chan struct{}), err: err}
	close(c.done)
	return c
}

// settle must be invoked at most once; the proxy's call table guarantees
// that by removing the call before settling it.
func (c *Call) settle(result json.RawMessage, err error) {
	c.result = result
	c.err = err
	close(c.done)
}

// ID returns the call's correlation id.
func (c *Call) ID() uint64 { return c.id }

// Method returns the remote method name the call was bound to.
func (c *Call) Method() string { return c.method }

// Done returns a channel closed when the call settles.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call settles or ctx is done. There is no per-call
// cancellation: a ctx expiry abandons the wait, not the call.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result waits for the call and decodes its result into T.
func Result[T any](ctx context.Context, c *Call) (T, error) {
	var value T
	raw, err := c.Wait(ctx)
	if err != nil {
		return value, err
	}
	if len(raw) == 0 {
		return value, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("decoding result of %q: %w", c.method, err)
	}
	return value, nil
}
