/*
Package proxy exposes the methods of an object living in a worker process as
local asynchronous calls.

A Proxy owns the worker's channel, a table of pending calls keyed by
correlation id, and a one-way lifecycle state machine. Calls issued before
the worker reported ready are queued and dispatched in issuance order once it
does; replies may settle calls in any order, matched only by id.

When the worker closes unexpectedly, the captured stdout/stderr decides the
classification: a heap-exhaustion marker yields an OutOfMemoryError, anything
else a CrashError. The classified error is latched once: it settles every
pending call and immediately fails every later call without touching the dead
process.

Dispose drives the graceful shutdown handshake. It never fails: whether the
worker acknowledges within the grace timeout or not, the OS process is
terminated and the proxy ends up Disposed. Calls still in flight when Dispose
is invoked are never settled.

There is deliberately no timeout on the readiness handshake; a worker that
never reports ready leaves queued calls pending until something external
intervenes.
*/
package proxy
