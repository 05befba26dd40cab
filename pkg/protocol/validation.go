package protocol

import "regexp"

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// MaxPayloadBytes bounds the size of any single frame payload.
const MaxPayloadBytes = 65536

// IsValidID checks identifier format: 1-64 characters, alphanumeric plus
// underscore and hyphen. Applies to lesson, classroom, and user IDs alike.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}
