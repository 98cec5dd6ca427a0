// Package generic is the catch-all adapter for plain weight scales that
// expose the standard Weight Scale service. It registers with the lowest
// priority so that every vendor-specific adapter is evaluated first; its
// broad name match ("scale") would otherwise shadow them.
package generic

import (
	"encoding/binary"

	"github.com/bodygraph/scalelink"
	"github.com/bodygraph/scalelink/pkg/body"
)

func init() {
	scalelink.Register("generic", 100, func() scalelink.Adapter { return New() })
}

const (
	serviceUUID = "181d"
	notifyUUID  = "2a9d"

	frameMarker = 0x00
	minFrameLen = 3

	// Standard weight measurement resolution, 5 g per count.
	weightDivisor = 200.0
)

var namePatterns = []string{"*scale*"}

// Scale decodes standard weight-measurement frames. Weight-only: these
// devices carry no bio-impedance electrodes.
type Scale struct{}

var _ scalelink.Adapter = (*Scale)(nil)

func New() *Scale {
	return &Scale{}
}

func (s *Scale) Name() string {
	return "generic"
}

func (s *Scale) Matches(dev scalelink.DeviceInfo) bool {
	return dev.NameMatches(namePatterns...) || dev.HasService(serviceUUID)
}

func (s *Scale) ParseFrame(data []byte) (scalelink.Reading, bool) {
	if len(data) < minFrameLen || data[0] != frameMarker {
		return scalelink.Reading{}, false
	}

	raw := binary.LittleEndian.Uint16(data[1:3])
	if raw == 0 {
		return scalelink.Reading{}, false
	}
	return scalelink.Reading{WeightKg: float64(raw) / weightDivisor}, true
}

func (s *Scale) IsComplete(r scalelink.Reading) bool {
	return r.WeightKg > 0
}

func (s *Scale) ComputeMetrics(r scalelink.Reading, p body.Profile) (body.Composition, bool) {
	return body.Compute(r.WeightKg, r.ImpedanceOhm, p)
}

func (s *Scale) NotifyUUIDs() []string {
	return []string{notifyUUID}
}

// Reset is a no-op; the generic decoder keeps no partial-frame state.
func (s *Scale) Reset() {}
