// Package identity normalises client-issued participant identifiers.
package identity

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxParticipantIDLength bounds a stored participant identifier in bytes.
const MaxParticipantIDLength = 128

// NormalizeParticipantID trims id and reports whether it is usable as a
// storage key. Identifiers are issued by the client and otherwise opaque:
// any printable UTF-8 text is accepted.
func NormalizeParticipantID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxParticipantIDLength || !utf8.ValidString(id) {
		return "", false
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return "", false
	}
	return id, true
}
