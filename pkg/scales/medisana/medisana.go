// Package medisana decodes Medisana BS4xx body-composition scales. The
// protocol splits a measurement across two frame shapes: a weight frame and
// a composition frame carrying impedance and vendor-computed percentages.
// The scale only streams after a periodic keep-alive write of the current
// unix time to its command characteristic.
package medisana

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/bodygraph/scalelink"
	"github.com/bodygraph/scalelink/pkg/body"
)

func init() {
	scalelink.Register("medisana", 20, func() scalelink.Adapter { return New() })
}

const (
	serviceUUID = "78b2"
	unlockUUID  = "8a81"

	weightNotifyUUID      = "8a21"
	compositionNotifyUUID = "8a22"

	weightMarker      = 0x1d
	minWeightFrameLen = 9

	compositionMarker      = 0x6f
	minCompositionFrameLen = 11

	weightDivisor = 100.0
	permilDivisor = 10.0

	unlockCommand  = 0x02
	unlockInterval = 5 * time.Second
)

var namePatterns = []string{"MEDISANA*", "BS444"}

// Scale accumulates a measurement across the two frame shapes. The cache is
// scoped to one acquisition session; use a fresh instance per acquisition or
// call Reset.
type Scale struct {
	weightKg float64

	haveComposition bool
	impedanceOhm    int
	fatPct          float64
	waterPct        float64
	musclePct       float64
	boneMassKg      float64
}

var _ scalelink.Adapter = (*Scale)(nil)
var _ scalelink.Unlocker = (*Scale)(nil)

func New() *Scale {
	return &Scale{}
}

func (s *Scale) Name() string {
	return "medisana"
}

func (s *Scale) Matches(dev scalelink.DeviceInfo) bool {
	return dev.NameMatches(namePatterns...) || dev.HasService(serviceUUID)
}

// ParseFrame merges weight and composition frames. A usable reading exists
// only once a weight frame has been seen; composition frames arriving first
// are cached and reported as absent.
func (s *Scale) ParseFrame(data []byte) (scalelink.Reading, bool) {
	if len(data) == 0 {
		return scalelink.Reading{}, false
	}

	switch data[0] {
	case weightMarker:
		if len(data) < minWeightFrameLen {
			return scalelink.Reading{}, false
		}
		raw := binary.LittleEndian.Uint16(data[1:3])
		if raw == 0 {
			return scalelink.Reading{}, false
		}
		s.weightKg = float64(raw) / weightDivisor

	case compositionMarker:
		if len(data) < minCompositionFrameLen {
			return scalelink.Reading{}, false
		}
		s.impedanceOhm = int(binary.LittleEndian.Uint16(data[1:3]))
		s.fatPct = float64(binary.LittleEndian.Uint16(data[3:5])) / permilDivisor
		s.waterPct = float64(binary.LittleEndian.Uint16(data[5:7])) / permilDivisor
		s.musclePct = float64(binary.LittleEndian.Uint16(data[7:9])) / permilDivisor
		s.boneMassKg = float64(binary.LittleEndian.Uint16(data[9:11])) / 100.0
		s.haveComposition = true

	default:
		return scalelink.Reading{}, false
	}

	if s.weightKg == 0 {
		return scalelink.Reading{}, false
	}
	return scalelink.Reading{WeightKg: s.weightKg, ImpedanceOhm: s.impedanceOhm}, true
}

// IsComplete requires both frame shapes: weight alone is a live value, the
// composition frame marks the finished measurement.
func (s *Scale) IsComplete(r scalelink.Reading) bool {
	return r.WeightKg > 0 && s.haveComposition
}

// ComputeMetrics overlays the vendor-reported composition fields over the
// calculator output; the scale's own fat/water/muscle/bone values use the
// same ranges as the derived equivalents.
func (s *Scale) ComputeMetrics(r scalelink.Reading, p body.Profile) (body.Composition, bool) {
	c, ok := body.Compute(r.WeightKg, r.ImpedanceOhm, p)
	if !s.haveComposition {
		return c, ok
	}
	if s.fatPct > 0 {
		c.BodyFatPct = s.fatPct
	}
	if s.waterPct > 0 {
		c.WaterPct = s.waterPct
	}
	if s.musclePct > 0 {
		c.MuscleMassKg = round2(r.WeightKg * s.musclePct / 100)
	}
	if s.boneMassKg > 0 {
		c.BoneMassKg = s.boneMassKg
	}
	return c, ok
}

func (s *Scale) NotifyUUIDs() []string {
	return []string{weightNotifyUUID, compositionNotifyUUID}
}

// UnlockUUID is the command characteristic for the keep-alive write.
func (s *Scale) UnlockUUID() string {
	return unlockUUID
}

// UnlockPayload is the command byte followed by the current unix time,
// little-endian. The scale stops notifying when the writes stop.
func (s *Scale) UnlockPayload() []byte {
	payload := make([]byte, 5)
	payload[0] = unlockCommand
	binary.LittleEndian.PutUint32(payload[1:], uint32(time.Now().Unix()))
	return payload
}

func (s *Scale) UnlockInterval() time.Duration {
	return unlockInterval
}

func (s *Scale) Reset() {
	*s = Scale{}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
