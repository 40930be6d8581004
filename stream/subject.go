package stream

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// maxTokenTail bounds the readable part of a token so subjects stay short
// even for long query keys.
const maxTokenTail = 48

// Token maps an arbitrary query key to a valid NATS subject token.
//
// The key is sanitized to subject-safe characters for readability, then
// suffixed with an xxh3 hash of the original key so distinct keys always
// produce distinct tokens even when sanitization collapses them (for
// example "a.b" and "a_b").
//
// Parameters:
//   - queryKey: Canonical query identifier
//
// Returns:
//   - string: Subject token, stable across processes
func Token(queryKey string) string {
	var b strings.Builder
	b.Grow(len(queryKey))
	for _, r := range queryKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	tail := b.String()
	if len(tail) > maxTokenTail {
		tail = tail[:maxTokenTail]
	}
	if tail == "" {
		tail = "key"
	}

	return fmt.Sprintf("%s-%016x", tail, xxh3.HashString(queryKey))
}

// Subject joins a prefix and a query key token into a full subject.
func Subject(prefix, queryKey string) string {
	return prefix + "." + Token(queryKey)
}
