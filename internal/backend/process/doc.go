// Package process implements the worker factory by launching one operating
// system process per domain.
//
// The worker speaks a framed protocol on stdout: each frame is a 4-byte
// big-endian length followed by a JSON Message. Log frames stream while the
// worker runs and a single result frame ends the task. Anything the worker
// writes to stderr is forwarded line by line as log output, and its tail is
// kept as the cause when the worker exits without reporting a result.
package process
