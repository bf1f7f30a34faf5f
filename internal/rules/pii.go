package rules

import "regexp"

var (
	emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRegex = regexp.MustCompile(`\+?[0-9][0-9\-\s]{7,}[0-9]`)
)

// DetectPII reports whether text looks like it carries an email address or
// phone number.
func DetectPII(text string) bool {
	return emailRegex.MatchString(text) || phoneRegex.MatchString(text)
}
