package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random 32-char hex id, optionally prefixed ("ans_...").
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// NewToken returns a short opaque token used for anonymous participants.
// It never contains ':' so it can close an identity composite.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
