package enrichment

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"cap2cal/internal/event"
)

// CacheKey identifies an event for patch memoization. Title, start, address,
// and output locale are normalized so trivial OCR differences in case and
// spacing still hit.
func CacheKey(sk event.Skeleton, locale string) string {
	parts := []string{
		normalizeKeyPart(sk.Title),
		normalizeKeyPart(sk.Start.Date),
		normalizeKeyPart(sk.Start.Time),
		normalizeKeyPart(sk.LocationRaw),
		normalizeKeyPart(locale),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func normalizeKeyPart(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}
