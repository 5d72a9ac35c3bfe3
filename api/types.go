// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants.

package api

import "fmt"

// QDesc is a queue descriptor: a small non-negative integer naming one
// open queue. Negative values never name a queue.
type QDesc int32

// InvalidQDesc is returned alongside errors.
const InvalidQDesc QDesc = -1

// Domain, SockType and Protocol select the transport at queue creation.
// Values for the kernel families match Linux so callers can pass the
// usual constants.
type (
	Domain   int
	SockType int
	Protocol int
)

const (
	AFInet      Domain = 2
	AFInet6     Domain = 10
	AFLoop      Domain = 0x1000 // in-process loopback network
	AFWebSocket Domain = 0x1001 // message queue over WebSocket
)

const (
	SockStream    SockType = 1
	SockDgram     SockType = 2
	SockSeqPacket SockType = 5
)

const (
	ProtoDefault Protocol = 0
	ProtoTCP     Protocol = 6
	ProtoUDP     Protocol = 17
)

func (d Domain) String() string {
	switch d {
	case AFInet:
		return "inet"
	case AFInet6:
		return "inet6"
	case AFLoop:
		return "loop"
	case AFWebSocket:
		return "websocket"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// Kind is the transport capability class of a queue.
type Kind int

const (
	KindDatagram Kind = iota + 1
	KindStream
	KindMessage // connection-oriented, message boundaries preserved
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDatagram:
		return "datagram"
	case KindStream:
		return "stream"
	case KindMessage:
		return "message"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// Connectionless reports whether completions carry a peer address.
func (k Kind) Connectionless() bool { return k == KindDatagram }

// QueueState enumerates the lifecycle of a queue.
type QueueState int

const (
	StateUnbound QueueState = iota
	StateBound
	StateConnecting
	StateConnected
	StateListening
	StateFailed
	StateClosing
	StateClosed
)

func (s QueueState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateFailed:
		return "failed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OpKind is the kind of a tracked operation.
type OpKind int

const (
	OpPush OpKind = iota + 1
	OpPop
	OpConnect
	OpAccept
)

func (k OpKind) String() string {
	switch k {
	case OpPush:
		return "push"
	case OpPop:
		return "pop"
	case OpConnect:
		return "connect"
	case OpAccept:
		return "accept"
	default:
		return "unknown"
	}
}
