package mqttbroker

import "strings"

// validTopicName reports whether t may be used in PUBLISH. Wildcards are filter-only.
func validTopicName(t string) bool {
	return t != "" && !strings.ContainsAny(t, "+#")
}

// validFilter reports whether f is a well-formed subscription filter:
// '+' must occupy a whole level and '#' must be the whole last level.
func validFilter(f string) bool {
	if f == "" {
		return false
	}
	levels := strings.Split(f, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return false
		}
	}
	return true
}

// matchTopic reports whether topic matches filter. Topics starting with '$'
// are never matched by a leading wildcard.
func matchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
