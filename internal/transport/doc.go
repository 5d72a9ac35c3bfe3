// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Backends behind the queue core. Each backend implements api.Backend
// with strictly non-blocking calls and reports transient conditions as
// iox.ErrWouldBlock:
//
//   - kernel UDP and TCP sockets (linux, golang.org/x/sys/unix)
//   - an in-process loopback network for tests and single-process use
//   - files driven through io_uring (linux)
//   - message queues over WebSocket connections
//
// Kernel-specific code is separated by build tags; other platforms get
// stubs reporting NotSupported.

package transport
