package util

import "github.com/google/uuid"

// NewID returns a random UUID, optionally prefixed as "<prefix>_<uuid>".
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// StableID derives a deterministic UUID from parts so retried work maps to
// the same row.
func StableID(prefix string, parts ...string) string {
	name := ""
	for i, part := range parts {
		if i > 0 {
			name += "\x00"
		}
		name += part
	}
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
