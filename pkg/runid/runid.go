// Package runid generates and validates run identifiers. A run identifier
// namespaces all externally-visible resource names of one invocation and
// locates its checkpointed state.
package runid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// MaxLength is the maximum length of a run identifier. Providers embed the
// identifier in resource names, which have their own length limits.
const MaxLength = 8

// Generate returns a short random hex identifier.
func Generate() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// Fallback to a timestamp-based ID if crypto/rand fails.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}

	return hex.EncodeToString(b)
}

// Validate checks that a user-supplied run identifier is alphanumeric and
// short enough to be embedded in provider resource names.
func Validate(id string) error {
	if id == "" {
		return fmt.Errorf("run identifier must not be empty")
	}

	if len(id) > MaxLength {
		return fmt.Errorf("run identifier %q exceeds %d characters", id, MaxLength)
	}

	for _, r := range id {
		if !isAlphanumeric(r) {
			return fmt.Errorf("run identifier %q must be alphanumeric", id)
		}
	}

	return nil
}

func isAlphanumeric(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	}

	return false
}
