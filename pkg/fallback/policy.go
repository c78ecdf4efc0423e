package fallback

import (
	"strings"

	"github.com/google/uuid"

	"go-overflow/pkg/models"
)

// ShouldOffload reports whether a body of bodySize bytes goes to the blob store.
// A threshold of 0 offloads every body.
func ShouldOffload(enabled bool, bodySize, threshold int) bool {
	return enabled && bodySize >= threshold
}

const maxKeyIDLength = 200

// KeyFor names the blob for one physical send of msg. The message id keeps keys
// traceable; the random suffix keeps a retried send from colliding with a blob
// still pending under the same id. Callers must not cache the result.
func KeyFor(msg *models.TransportMessage) string {
	suffix := uuid.NewString()

	id := sanitizeKeyPart(msg.MessageID())
	if id == "" {
		return suffix
	}
	return id + "/" + suffix
}

func sanitizeKeyPart(s string) string {
	if len(s) > maxKeyIDLength {
		s = s[:maxKeyIDLength]
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
