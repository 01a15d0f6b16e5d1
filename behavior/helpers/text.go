// Small text utilities shared by tracking, actions, and analysis.
package helpers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Compact, stable hash for cache keys. Not cryptographic.
func HashOfString(s string) string {
	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(s)))
}

// Bare domains count as links, since that is how most chat spam is posted. The top-level domain
// must be alphabetic, so "e.g." and "3.14" are not links. No trailing period.
var urlRegex = regexp.MustCompile(`(?:(?:https?|ftp)://)?(?:[\w\-]+\.)+[a-zA-Z]{2,}\b(?::\d+)?(?:/(?:[\w/\-&?=%.~#+:@]*[\w/\-&?=%~#+@])?)?`)

func ExtractTextURLs(raw string) []string {
	return urlRegex.FindAllString(raw, -1)
}

// Canonical form for comparing free-text answers: surrounding whitespace removed, lower case.
func NormalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
