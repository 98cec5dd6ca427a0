// Package miscale decodes Xiaomi body-composition scales (MIBFS / MIBCS).
// These scales report weight and impedance via advertisement broadcast
// alone, so a reading can usually be obtained without ever connecting.
package miscale

import (
	"encoding/binary"

	"github.com/bodygraph/scalelink"
	"github.com/bodygraph/scalelink/pkg/body"
)

func init() {
	scalelink.Register("miscale", 10, func() scalelink.Adapter { return New() })
}

const (
	serviceUUID = "181b"
	notifyUUID  = "2a9c"

	frameMarker = 0x02
	minFrameLen = 13

	// Control byte 1 flags.
	flagImpedance  = 0x02
	flagStabilized = 0x20

	weightDivisor     = 200.0
	impedanceUnusable = 0xffff
)

var namePatterns = []string{"MIBFS*", "MIBCS*"}

// Scale decodes Mi scale frames. The stabilized flag arrives in-frame and is
// cached per session; use a fresh instance per acquisition or call Reset.
type Scale struct {
	stabilized bool
}

var _ scalelink.Adapter = (*Scale)(nil)
var _ scalelink.BroadcastParser = (*Scale)(nil)

func New() *Scale {
	return &Scale{}
}

func (s *Scale) Name() string {
	return "miscale"
}

func (s *Scale) Matches(dev scalelink.DeviceInfo) bool {
	return dev.NameMatches(namePatterns...) || dev.HasService(serviceUUID)
}

// ParseFrame decodes one measurement frame. Broadcast payloads and GATT
// notifications share the same layout.
func (s *Scale) ParseFrame(data []byte) (scalelink.Reading, bool) {
	if len(data) < minFrameLen || data[0] != frameMarker {
		return scalelink.Reading{}, false
	}

	ctrl := data[1]
	rawWeight := binary.LittleEndian.Uint16(data[11:13])
	if rawWeight == 0 {
		return scalelink.Reading{}, false
	}

	if ctrl&flagStabilized != 0 {
		s.stabilized = true
	}

	r := scalelink.Reading{WeightKg: float64(rawWeight) / weightDivisor}
	if ctrl&flagImpedance != 0 {
		if z := binary.LittleEndian.Uint16(data[9:11]); z != impedanceUnusable {
			r.ImpedanceOhm = int(z)
		}
	}
	return r, true
}

func (s *Scale) ParseBroadcast(_ uint16, data []byte) (scalelink.Reading, bool) {
	return s.ParseFrame(data)
}

// IsComplete requires the stabilized flag: the scale streams live values
// while the user steps on, then marks the settled measurement.
func (s *Scale) IsComplete(r scalelink.Reading) bool {
	return r.WeightKg > 0 && s.stabilized
}

func (s *Scale) ComputeMetrics(r scalelink.Reading, p body.Profile) (body.Composition, bool) {
	return body.Compute(r.WeightKg, r.ImpedanceOhm, p)
}

func (s *Scale) NotifyUUIDs() []string {
	return []string{notifyUUID}
}

func (s *Scale) Reset() {
	s.stabilized = false
}
