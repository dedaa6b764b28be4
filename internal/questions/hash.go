package questions

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// normalize concatenates a block's content after cleaning each part. It
// trims whitespace, lowercases, and normalizes line endings so the same
// question authored with cosmetic differences hashes to the same identity.
func normalize(b block) string {
	normalizePart := func(part string) string {
		p := strings.ToLower(part)
		p = strings.TrimSpace(p)
		p = strings.ReplaceAll(p, "\r\n", "\n")
		return p
	}

	q := normalizePart(b.Question)
	a := normalizePart(b.Answer)
	c := normalizePart(b.Context)

	// Joined with a newline so adjacent fields cannot run together and
	// collide, e.g. "question"+"answer" vs "questiona"+"nswer".
	return strings.Join([]string{q, a, c}, "\n")
}

// hashBlock returns the block's SHA-256 identity as a hex string. Question
// ids are content-derived so re-parsing an unchanged bank yields stable ids.
func hashBlock(b block) string {
	sum := sha256.Sum256([]byte(normalize(b)))
	return fmt.Sprintf("%x", sum)
}

// slug derives a filesystem-safe directory name from a bank reference.
func slug(ref string) string {
	s := strings.ToLower(strings.TrimSpace(ref))
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			sb.WriteRune('-')
		}
	}
	return strings.Trim(sb.String(), "-")
}
