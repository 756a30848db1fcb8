package mqttbroker

import "strings"

// Match reports whether topic matches the subscription filter, honouring
// the single-level "+" and multi-level "#" wildcards.
func Match(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && !strings.HasPrefix(filter, "$") {
		return false
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// ValidFilter rejects filters with misplaced wildcards.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	parts := strings.Split(filter, "/")
	for i, part := range parts {
		switch {
		case part == "#":
			if i != len(parts)-1 {
				return false
			}
		case part == "+":
		case strings.ContainsAny(part, "+#"):
			return false
		}
	}
	return true
}
