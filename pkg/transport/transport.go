// Package transport abstracts the radio behind the acquisition protocol:
// the same scan / connect / subscribe / write / read sequence runs either
// over a directly attached local radio (pkg/transport/local) or over a
// remote radio reached through an MQTT bridge (pkg/transport/proxy).
package transport

import (
	"context"
	"errors"

	"github.com/bodygraph/scalelink"
)

// Failure taxonomy shared by both transports. Errors returned from
// transport operations wrap one of these sentinels so callers can
// distinguish "scale walked away" from "wrong device" from "no radio".
var (
	// ErrRadioUnavailable means the local radio is not powered or the
	// remote radio reported (or defaulted to) offline.
	ErrRadioUnavailable = errors.New("radio unavailable")

	// ErrTimeout means a bounded wait expired without a correlated
	// response. The attempt is over; callers may retry a whole new
	// acquisition.
	ErrTimeout = errors.New("operation timed out")

	// ErrDisconnected means the peer or the remote radio disconnected
	// while an operation was in flight.
	ErrDisconnected = errors.New("unexpected disconnect")

	// ErrMalformedMessage means a peer message could not be decoded.
	ErrMalformedMessage = errors.New("malformed peer message")
)

// Transport drives one radio for one acquisition at a time.
type Transport interface {
	// Ready verifies the radio is usable, recovering it if possible.
	Ready(ctx context.Context) error

	// Scan discovers devices until the context is done (local radio) or
	// a result set arrives (proxy). The returned channel is closed when
	// scanning ends.
	Scan(ctx context.Context) (<-chan scalelink.DeviceInfo, error)

	// Connect establishes a connection and discovers the characteristic
	// set. The DeviceInfo needs at least the address populated.
	Connect(ctx context.Context, dev scalelink.DeviceInfo) (Connection, error)

	// Close releases the transport itself (radio handle, broker session).
	Close() error
}

// Connection is one live session with a peripheral. All of its resources
// (subscriptions, correlators) must be released by Disconnect on every exit
// path, success or failure.
type Connection interface {
	// Characteristics returns the discovered characteristic set.
	Characteristics() []scalelink.Characteristic

	// Subscribe starts notification delivery for one characteristic and
	// returns the frame stream. Frames keep arriving until the
	// connection ends.
	Subscribe(uuid string) (<-chan []byte, error)

	// Write writes to a characteristic without expecting a response.
	Write(uuid string, data []byte) error

	// Read performs a point-to-point read with a bounded wait.
	Read(ctx context.Context, uuid string) ([]byte, error)

	// Closed is signalled with a non-nil error when the connection dies
	// before Disconnect is called.
	Closed() <-chan error

	// Disconnect tears the session down. Idempotent, best-effort.
	Disconnect() error
}

// Beeper is implemented by transports that can ask the far side for an
// audible cue.
type Beeper interface {
	Beep(freqHz, durationMs, repeat int) error
}

// KnownScalePublisher is implemented by transports that can inform the far
// side which scale addresses to recognize (for local feedback such as a
// beep on discovery). Publication is idempotent.
type KnownScalePublisher interface {
	PublishKnownScales(addresses []string) error
}

// DirectConnector marks transports for which, when a target address is
// already known, connecting first and matching the adapter by the
// discovered characteristic set beats scanning for the advertised name.
type DirectConnector interface {
	DirectConnect() bool
}
