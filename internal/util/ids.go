package util

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// stableNamespace seeds every StableID. Changing it changes every stored id.
var stableNamespace = uuid.MustParse("6f1c2a8e-3d5b-4c8e-9a7f-2b0e4d6c8a1f")

// NewID returns a random URL-safe identifier.
func NewID() (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return id, nil
}

// NewPrefixedID returns a random identifier with the given prefix, e.g. "run_".
func NewPrefixedID(prefix string) (string, error) {
	id, err := NewID()
	if err != nil {
		return "", err
	}
	return prefix + id, nil
}

// StableID returns a name-based UUID of the parts joined with "|". Equal
// parts always yield the same id.
func StableID(parts ...string) string {
	return uuid.NewSHA1(stableNamespace, []byte(strings.Join(parts, "|"))).String()
}
