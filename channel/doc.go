/*
Package channel is the sole conduit between a proxy and its worker process.

The channel spawns the worker and owns its streams: the worker's stdin carries
encoded command messages (proxy->worker), an extra pipe passed as the worker's
fd 3 carries encoded reply messages (worker->proxy), and the worker's stdout
and stderr are captured as plain text chunks.

Messages are newline-framed; encoding and decoding is delegated to a
wire.Codec. Everything the channel observes is delivered upward through the
Events callbacks: decoded messages, output text, transport errors, and
process closure.

Closure is reported only after both output streams have been drained and the
process has been reaped, so a consumer classifying the failure always sees the
complete captured output. A closure that follows ExpectClose is not reported
at all.
*/
package channel
