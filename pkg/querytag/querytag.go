// Package querytag generates and validates the short correlation tags
// attached to dispatched queries so client-side events can be joined to
// warehouse-side query history.
package querytag

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Prefix is the fixed tag namespace.
const Prefix = "cdesk_"

var tagRe = regexp.MustCompile(`^cdesk_[0-9a-f]{8}$`)

// Generate returns a fresh tag of the form cdesk_<8 hex chars>.
func Generate() string {
	return Prefix + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// IsValid reports whether tag matches the cdesk_<8 hex> form.
func IsValid(tag string) bool {
	return tagRe.MatchString(tag)
}

// Extract returns the 8-hex suffix of a valid tag. The second return is
// false when tag does not match the expected form.
func Extract(tag string) (string, bool) {
	if !IsValid(tag) {
		return "", false
	}
	return strings.TrimPrefix(tag, Prefix), true
}
