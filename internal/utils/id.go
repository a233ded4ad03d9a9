package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier for a relay connection.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
