// Package scalelink acquires a single weight / body-composition measurement
// from a Bluetooth Low-Energy smart scale. The root package defines the
// vendor-neutral data model, the per-vendor Adapter interface and the
// adapter registry; transports live under pkg/transport and the acquisition
// driver under pkg/acquire.
package scalelink

import (
	"strings"
	"time"

	"github.com/bodygraph/scalelink/pkg/body"
)

// DeviceInfo is the advertised identity of a discovered device. It is
// produced by a transport scan and consumed by adapter matching; fields are
// never mutated after construction.
type DeviceInfo struct {
	// Address is the peripheral MAC address, upper-case colon-separated.
	Address string

	// Name is the advertised local name. May be empty.
	Name string

	// RSSI is the signal strength at discovery time.
	RSSI int

	// AddrType is the BLE address type (0 = public, 1 = random).
	AddrType int

	// Services holds the advertised service identifiers, normalized with
	// NormalizeUUID. Order is not significant.
	Services []string

	// ManufacturerID and ManufacturerData carry the manufacturer-specific
	// advertisement record, if any. ManufacturerData == nil means the
	// record was absent.
	ManufacturerID   uint16
	ManufacturerData []byte
}

// HasService reports whether the advertised service set contains uuid.
// The comparison is normalized and order-independent.
func (d DeviceInfo) HasService(uuid string) bool {
	want := NormalizeUUID(uuid)
	for _, s := range d.Services {
		if NormalizeUUID(s) == want {
			return true
		}
	}
	return false
}

// NameMatches reports whether the advertised name matches any of the given
// patterns, case-insensitively. A pattern ending in '*' is a prefix match,
// a pattern wrapped in '*' is a substring match, anything else is exact.
func (d DeviceInfo) NameMatches(patterns ...string) bool {
	name := strings.ToLower(d.Name)
	if name == "" {
		return false
	}
	for _, p := range patterns {
		p = strings.ToLower(p)
		switch {
		case strings.HasPrefix(p, "*") && strings.HasSuffix(p, "*"):
			if strings.Contains(name, strings.Trim(p, "*")) {
				return true
			}
		case strings.HasSuffix(p, "*"):
			if strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
				return true
			}
		default:
			if name == p {
				return true
			}
		}
	}
	return false
}

// Reading is a scale measurement, produced incrementally by an adapter
// across one or more frames. ImpedanceOhm == 0 means bio-impedance was not
// (or not yet) measured.
type Reading struct {
	WeightKg     float64
	ImpedanceOhm int
}

// Characteristic describes one GATT characteristic of a connected device,
// in the shape the remote-radio firmware reports it.
type Characteristic struct {
	UUID       string   `json:"uuid"`
	Properties []string `json:"properties"`
}

// Adapter is the per-vendor capability: it recognizes a device from its
// advertisement and turns the vendor's frames into a Reading.
//
// Adapter instances may carry transient decode state (fields cached from an
// earlier frame of a multi-frame protocol). That state is scoped to one
// acquisition: callers must use a fresh instance per acquisition (see
// NewAdapterSet) or call Reset before reuse.
type Adapter interface {
	// Name identifies the adapter in logs and error messages.
	Name() string

	// Matches reports whether the advertised identity belongs to this
	// vendor. Must not panic on absent fields.
	Matches(dev DeviceInfo) bool

	// ParseFrame decodes one notification frame. The second return value
	// is false when the frame is not a valid, usable weight frame (wrong
	// marker, short buffer, zero-weight sentinel); that is not an error.
	ParseFrame(data []byte) (Reading, bool)

	// IsComplete reports whether the reading is final for this vendor.
	IsComplete(r Reading) bool

	// ComputeMetrics derives the body-composition record for a completed
	// reading, overlaying vendor-reported composition fields where the
	// vendor provides them. The second return value is false when only
	// weight-derived fields (weight, BMI) are populated.
	ComputeMetrics(r Reading, p body.Profile) (body.Composition, bool)

	// NotifyUUIDs lists the characteristics to subscribe to for this
	// vendor, in normalized or 16-bit short form.
	NotifyUUIDs() []string

	// Reset discards any cached partial-frame state.
	Reset()
}

// BroadcastParser is implemented by adapters whose scales report weight via
// advertisement broadcast alone, with no connection required.
type BroadcastParser interface {
	// ParseBroadcast decodes a raw manufacturer-data payload into a
	// Reading. Semantics of the second return value match ParseFrame.
	ParseBroadcast(manufacturerID uint16, data []byte) (Reading, bool)
}

// Unlocker is implemented by adapters whose scales require a periodic
// keep-alive write before they stream measurements.
type Unlocker interface {
	// UnlockUUID is the command characteristic to write to.
	UnlockUUID() string

	// UnlockPayload builds the next keep-alive payload. Called once per
	// interval; payloads may be time-dependent.
	UnlockPayload() []byte

	// UnlockInterval is the write cadence.
	UnlockInterval() time.Duration
}
