package source

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const issueTitleMaxLength = 200

var (
	titleEmailRegex      = regexp.MustCompile(`(?i)\b[\w.+-]+@[\w.-]+\.[a-z]{2,}\b`)
	titleUUIDRegex       = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-8][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`)
	titleBearerRegex     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/=-]{8,}\b`)
	titleHexTokenRegex   = regexp.MustCompile(`(?i)\b[0-9a-f]{24,}\b`)
	titleLongNumberRegex = regexp.MustCompile(`\b\d{12,19}\b`)
)

// RedactIssueTitle strips user identifiers and secrets from an issue title
// before it is stored or sent anywhere, and caps its length.
func RedactIssueTitle(title string) string {
	redacted := strings.TrimSpace(title)
	redacted = titleEmailRegex.ReplaceAllString(redacted, "<email>")
	redacted = titleUUIDRegex.ReplaceAllString(redacted, "<uuid>")
	redacted = titleBearerRegex.ReplaceAllString(redacted, "<token>")
	redacted = titleHexTokenRegex.ReplaceAllString(redacted, "<token>")
	redacted = titleLongNumberRegex.ReplaceAllString(redacted, "<long-number>")
	return Truncate(redacted, issueTitleMaxLength)
}

func Truncate(value string, max int) string {
	if max <= 0 || utf8.RuneCountInString(value) <= max {
		return value
	}
	runes := []rune(value)
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
