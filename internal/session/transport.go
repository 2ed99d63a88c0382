package session

import "github.com/duskrelay/beacon/internal/ids"

// TransportKind identifies which of the five wire transports an agent is
// attached through (§1/§4.1 of the networking substrate spec).
type TransportKind int

const (
	TransportUnknown TransportKind = iota
	TransportTCP
	TransportUDP
	TransportWS
	TransportICMP
	TransportDNS
)

func (k TransportKind) String() string {
	switch k {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	case TransportWS:
		return "ws"
	case TransportICMP:
		return "icmp"
	case TransportDNS:
		return "dns"
	default:
		return "unknown"
	}
}

// Attachment is the transport-specific handle a session uses to deliver
// outbound bytes. It replaces the opaque protocol-context pointer the
// design notes flag: each listener implementation supplies a concrete
// Attachment, but the session package only ever sees this narrow
// interface, never the listener itself. The session stores the owning
// listener's ID rather than a pointer back to it, breaking the
// listener<->agent ownership cycle.
type Attachment interface {
	// Kind reports which transport this attachment was created by.
	Kind() TransportKind

	// ListenerID identifies the listener instance that owns this
	// attachment, for routing and for breaking the pointer cycle.
	ListenerID() ids.ListenerID

	// Write hands one already-framed outbound payload to the transport.
	// Implementations are expected to be non-blocking or bounded; the
	// session's own outbound queue provides the backpressure contract,
	// not this method.
	Write(frame []byte) error
}
