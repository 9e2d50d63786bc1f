package events

import "strings"

// MatchPattern reports whether an event type matches a listener's pattern.
// Patterns are dot-separated; each segment matches either exactly or via the
// single-segment wildcard "*". Segment counts must agree, so "person.*"
// matches "person.arrived" but neither "device.arrived" nor
// "person.arrived.detail".
func MatchPattern(pattern, eventType string) bool {
	pSegs := strings.Split(pattern, ".")
	eSegs := strings.Split(eventType, ".")
	if len(pSegs) != len(eSegs) {
		return false
	}
	for i, p := range pSegs {
		if p != "*" && p != eSegs[i] {
			return false
		}
	}
	return true
}
