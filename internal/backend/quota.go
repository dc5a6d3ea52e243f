package backend

import (
	"regexp"
	"strings"
)

// quotaKeywords are the plain-text phrases every backend treats as a quota
// or rate-limit refusal. Matching is case-insensitive on the caller side.
var quotaKeywords = []string{
	"rate limit",
	"rate_limit",
	"quota exceeded",
	"insufficient credit",
	"billing error",
	"usage limit",
	"overloaded",
	"too many requests",
}

func containsQuotaKeyword(lower string) bool {
	for _, kw := range quotaKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// The bare number 429 is too common (line numbers, ports, ids) to treat as a
// quota signal on its own. It must either follow an http/status/error/code
// marker or be accompanied by rate-limit wording on the same line.
var (
	status429 = regexp.MustCompile(`\b(?:http|status|error|code)\s*[:=-]?\s*429\b`)
	worded429 = regexp.MustCompile(`\b429\b.*\b(?:too many requests|rate limit|quota)\b`)
)

func has429Signal(lower string) bool {
	return status429.MatchString(lower) || worded429.MatchString(lower)
}
