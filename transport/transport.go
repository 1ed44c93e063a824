// Package transport defines the byte-oriented send/recv/health capability
// shared by every wire transport (WebSocket, QUIC, Tor SOCKS5, BLE), plus
// an in-memory test adapter and a multi-lane composition adapter. The
// core never imports a concrete wire transport; it only depends on the
// Adapter interface below.
package transport

import "errors"

// SendErrorKind classifies why Send failed, so callers can branch on kind
// instead of matching error strings.
type SendErrorKind int

const (
	// SendOK is not a failure; it is not a valid SendErrorKind value and
	// exists only so the zero value of SendErrorKind is distinguishable
	// from the kinds below in debug output.
	SendOK SendErrorKind = iota
	// QueueFull means the outbound queue has no room; the caller should
	// treat this as a transient failure.
	QueueFull
	// PayloadTooLarge means the payload exceeds MaxPayloadHint; the
	// publish of that object should fail rather than be attempted over
	// another lane with a larger hint.
	PayloadTooLarge
	// InvalidPeer means the target peer is unknown to this adapter.
	InvalidPeer
	// Closed means the adapter has been shut down.
	Closed
)

func (k SendErrorKind) String() string {
	switch k {
	case QueueFull:
		return "QueueFull"
	case PayloadTooLarge:
		return "PayloadTooLarge"
	case InvalidPeer:
		return "InvalidPeer"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SendError is the typed error returned by Adapter.Send.
type SendError struct {
	Kind SendErrorKind
	// Hint carries the transport's max payload size when Kind is
	// PayloadTooLarge.
	Hint int
}

func (e *SendError) Error() string {
	if e.Kind == PayloadTooLarge {
		return "transport: payload too large, max " + itoa(e.Hint)
	}
	return "transport: " + e.Kind.String()
}

// Is reports whether target is a *SendError of the same Kind, so
// errors.Is(err, ErrInvalidPeer) matches any InvalidPeer failure.
func (e *SendError) Is(target error) bool {
	t, ok := target.(*SendError)
	return ok && t.Kind == e.Kind
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ErrInvalidPeer is returned as a convenience sentinel wrapping
// SendError{Kind: InvalidPeer}; callers that only check errors.Is can use
// this directly.
var ErrInvalidPeer = &SendError{Kind: InvalidPeer}

// HealthSnapshot reports adapter-level counters for observability and
// adaptive scheduling.
type HealthSnapshot struct {
	OutboundQueued     uint64
	OutboundSendOK     uint64
	OutboundSendErr    uint64
	InboundReceived    uint64
	InboundDropped     uint64
	ReconnectAttempts  uint64
	LastError          string
	HasLastError       bool
}

// Adapter is the capability every transport lane must implement. It is
// modeled as an interface rather than a base type so each concrete
// transport composes independently; MultiLaneAdapter stores a slice of
// Adapter values to aggregate several lanes.
type Adapter interface {
	// Send attempts to deliver payload to peer. It never blocks; a full
	// outbound queue returns a SendError{Kind: QueueFull}.
	Send(peer string, payload []byte) error
	// Recv returns the next received (peer, payload) pair, or ok=false if
	// none is currently available. It never blocks.
	Recv() (peer string, payload []byte, ok bool)
	// MaxPayloadHint returns the largest payload this adapter can carry,
	// or 0 if unbounded.
	MaxPayloadHint() int
	// CanSend reports whether the adapter is currently able to send.
	CanSend() bool
	// CanRecv reports whether the adapter is currently able to receive.
	CanRecv() bool
	// HealthSnapshot reports the adapter's current counters.
	HealthSnapshot() HealthSnapshot
	// Close shuts the adapter down; outstanding transport I/O is
	// cancelled. Adapters must be safe to Close more than once.
	Close() error
}

// LatencyReporter is an optional capability for adapters that can measure
// round-trip performance, used by adaptive lane scoring.
type LatencyReporter interface {
	P95LatencyMS() float64
	AckSuccessRate() float64
}

var errClosed = errors.New("transport: adapter closed")
