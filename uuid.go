package scalelink

import "strings"

// Bluetooth Base UUID suffix, used to expand 16-bit identifiers. The remote
// radio firmware normalizes UUIDs the same way, so topic names and
// characteristic lookups agree across both transports.
const btBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID to the canonical 32-character lower-case hex
// form without dashes. 16-bit short identifiers ("181b", "2A9D") are
// expanded with the Bluetooth base UUID.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	if len(s) == 4 {
		return "0000" + s + btBaseSuffix
	}
	return s
}
