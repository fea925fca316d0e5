// Package loom is a fiber-based asynchronous I/O scheduler. An EventLoop
// runs N pinned worker threads, each owning one kernel submission queue
// pair (io_uring on Linux) and a local ready queue of fibers, balanced by
// work stealing and a shared injector. Closures spawned onto the loop run
// on pooled fibers; facade operations on the Context suspend the fiber,
// submit via the owning worker's ring and resume it with the completion.
// Cancellation is cooperative and observed at suspension points.
package loom
