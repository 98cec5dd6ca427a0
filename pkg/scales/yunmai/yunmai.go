// Package yunmai decodes Yunmai body-composition scales. The scale streams
// live frames while the user stands on it and flips a settled flag in the
// final frame; only settled weights are trusted.
package yunmai

import (
	"encoding/binary"

	"github.com/bodygraph/scalelink"
	"github.com/bodygraph/scalelink/pkg/body"
)

func init() {
	scalelink.Register("yunmai", 30, func() scalelink.Adapter { return New() })
}

const (
	serviceUUID = "ffe5"
	notifyUUID  = "ffe4"

	frameMarker = 0x0d
	minFrameLen = 18

	stateSettled = 0x02

	weightDivisor = 100.0
)

var namePatterns = []string{"YUNMAI*"}

// Scale decodes Yunmai frames, remembering whether the settled state was
// observed during this session.
type Scale struct {
	settled bool
}

var _ scalelink.Adapter = (*Scale)(nil)

func New() *Scale {
	return &Scale{}
}

func (s *Scale) Name() string {
	return "yunmai"
}

func (s *Scale) Matches(dev scalelink.DeviceInfo) bool {
	return dev.NameMatches(namePatterns...) || dev.HasService(serviceUUID)
}

// ParseFrame decodes one status frame. Weight and impedance are big-endian,
// unlike most vendors.
func (s *Scale) ParseFrame(data []byte) (scalelink.Reading, bool) {
	if len(data) < minFrameLen || data[0] != frameMarker {
		return scalelink.Reading{}, false
	}

	raw := binary.BigEndian.Uint16(data[13:15])
	if raw == 0 {
		return scalelink.Reading{}, false
	}

	if data[3] == stateSettled {
		s.settled = true
	}

	return scalelink.Reading{
		WeightKg:     float64(raw) / weightDivisor,
		ImpedanceOhm: int(binary.BigEndian.Uint16(data[15:17])),
	}, true
}

func (s *Scale) IsComplete(r scalelink.Reading) bool {
	return r.WeightKg > 0 && s.settled
}

func (s *Scale) ComputeMetrics(r scalelink.Reading, p body.Profile) (body.Composition, bool) {
	return body.Compute(r.WeightKg, r.ImpedanceOhm, p)
}

func (s *Scale) NotifyUUIDs() []string {
	return []string{notifyUUID}
}

func (s *Scale) Reset() {
	s.settled = false
}
