package submq

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// SharedPrefix is the sentinel that marks an MQTT 5 shared-subscription filter.
const SharedPrefix = "$share/"

// SubKeySeparator separates a clientID from its share group inside a durable
// hash field (clientID<!>shareGroup). ClientIDs containing it are rejected as
// invalid input (see ValidateClientID) since it would otherwise be possible to
// forge a collision with a real subKey.
const SubKeySeparator = "<!>"

// IsWildcard reports whether filter contains a single-level (+) or
// multi-level (#) MQTT wildcard.
func IsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// IsShared reports whether topic begins with the shared-subscription sentinel.
func IsShared(topic string) bool {
	return strings.HasPrefix(topic, SharedPrefix)
}

// ParseShared splits a $share/<group>/<filter> topic into its group name and
// inner filter. It fails if the group or filter segment is missing or empty.
func ParseShared(topic string) (group, filter string, err error) {
	if !IsShared(topic) {
		return "", "", fmt.Errorf("topic %q is not a shared subscription", topic)
	}
	rest := topic[len(SharedPrefix):]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", fmt.Errorf("shared subscription %q is missing a filter after the group", topic)
	}
	group, filter = rest[:idx], rest[idx+1:]
	if group == "" {
		return "", "", fmt.Errorf("shared subscription %q has an empty group name", topic)
	}
	if filter == "" {
		return "", "", fmt.Errorf("shared subscription %q has an empty filter", topic)
	}
	return group, filter, nil
}

// Match reports whether concreteTopic matches filter under MQTT level-wise
// wildcard rules: '+' matches exactly one non-empty level, '#' matches the
// remainder (zero or more levels) and is only valid as the last level.
func Match(filter, concreteTopic string) bool {
	// MQTT-4.7.2-1: a Topic Filter beginning with a wildcard MUST NOT match
	// a Topic Name that begins with a '$'.
	if len(concreteTopic) > 0 && concreteTopic[0] == '$' {
		if len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
			return false
		}
	}

	fIdx := 0
	tIdx := 0
	fLen := len(filter)
	tLen := len(concreteTopic)

	for fIdx <= fLen {
		var fLevel string
		var fNext int

		if idx := strings.IndexByte(filter[fIdx:], '/'); idx >= 0 {
			fNext = fIdx + idx
			fLevel = filter[fIdx:fNext]
		} else {
			fNext = fLen
			fLevel = filter[fIdx:]
		}

		if fLevel == "#" {
			return true
		}

		if tIdx > tLen {
			return false
		}

		var tLevel string
		var tNext int

		if idx := strings.IndexByte(concreteTopic[tIdx:], '/'); idx >= 0 {
			tNext = tIdx + idx
			tLevel = concreteTopic[tIdx:tNext]
		} else {
			tNext = tLen
			tLevel = concreteTopic[tIdx:]
		}

		if fLevel == "+" {
			if tLevel == "" {
				return false
			}
		} else if fLevel != tLevel {
			return false
		}

		if fNext == fLen {
			fIdx = fLen + 1
		} else {
			fIdx = fNext + 1
		}

		if tNext == tLen {
			tIdx = tLen + 1
		} else {
			tIdx = tNext + 1
		}
	}

	return tIdx > tLen
}

// ValidateFilter checks that filter is syntactically legal for a SUBSCRIBE:
// non-empty, valid UTF-8, no NUL byte, and wildcards occupying a whole level
// with '#' only as the final level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("filter cannot be empty")
	}
	if strings.Contains(filter, "\x00") {
		return fmt.Errorf("filter contains a null byte")
	}
	if !utf8.ValidString(filter) {
		return fmt.Errorf("filter is not valid UTF-8")
	}

	parts := strings.Split(filter, "/")
	for i, part := range parts {
		if strings.Contains(part, "+") && part != "+" {
			return fmt.Errorf("single-level wildcard '+' must occupy its entire topic level")
		}
		if strings.Contains(part, "#") {
			if part != "#" {
				return fmt.Errorf("multi-level wildcard '#' must occupy its entire topic level")
			}
			if i != len(parts)-1 {
				return fmt.Errorf("multi-level wildcard '#' must be the last level")
			}
		}
	}
	return nil
}

// ValidateClientID checks that clientID is non-empty and does not contain the
// sub-key separator sentinel, which would otherwise let a crafted clientID
// collide with a shared-subscription durable key.
func ValidateClientID(clientID string) error {
	if clientID == "" {
		return fmt.Errorf("clientID cannot be empty")
	}
	if strings.Contains(clientID, SubKeySeparator) {
		return fmt.Errorf("clientID cannot contain the reserved separator %q", SubKeySeparator)
	}
	return nil
}

// SubKey builds the durable hash field identifying a subscriber within a
// filter's hash: the clientID alone, or clientID<!>shareGroup for a shared
// subscription.
func SubKey(clientID, shareGroup string) string {
	if shareGroup == "" {
		return clientID
	}
	return clientID + SubKeySeparator + shareGroup
}

// SplitSubKey reverses SubKey, recovering the clientID and share group (empty
// if the subscription was not shared) from a durable hash field.
func SplitSubKey(key string) (clientID, shareGroup string) {
	if idx := strings.Index(key, SubKeySeparator); idx >= 0 {
		return key[:idx], key[idx+len(SubKeySeparator):]
	}
	return key, ""
}
