// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime settings, OpenTelemetry metrics and debug introspection for the
// queue service.
//
// Provides concurrent-safe state handling primitives including:
//   - a settings store with synchronous change listeners
//   - operation and queue instruments recorded through OTel
//   - probe registration backing DumpState
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
