package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random v4 UUID in compact hex form, optionally prefixed.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// IsID reports whether value has the shape NewID produces for prefix.
func IsID(prefix, value string) bool {
	if prefix != "" {
		if !strings.HasPrefix(value, prefix+"_") {
			return false
		}
		value = strings.TrimPrefix(value, prefix+"_")
	}
	if len(value) != 32 {
		return false
	}
	_, err := uuid.Parse(value)
	return err == nil
}
