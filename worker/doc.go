/*
Package worker is the in-process bootstrap for the worker side of a proclink
channel.

A worker reads command messages from stdin and writes reply messages to fd 3,
which the parent passed in at spawn time. Its stdout and stderr stay free for
ordinary logging; the parent captures them as plain text.

The loop proceeds as follows:

1. The parent sends an init message. The worker applies the working directory
and replies with an initialized message.
2. Each call message is dispatched to the registered handler on its own
goroutine, so replies may be written out of order; the parent matches them by
correlation id. A handler error, a handler panic, or an unknown method name
produces a rejection for that call.
3. A dispose message makes the worker wait for in-flight handlers, reply with
a dispose_completed message, and return from the loop.
*/
package worker
