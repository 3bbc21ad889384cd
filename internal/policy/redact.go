package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	phonePattern = regexp.MustCompile(`(?:\+?\d[\d()\-\s.]{7,}\d)`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// RedactPII masks emails, card numbers, phone numbers and SSNs in free text.
// Conversation text is redacted before it leaves the process, and model
// reasoning is redacted before it is stored.
func RedactPII(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	masked := emailPattern.ReplaceAllString(value, "[email_redacted]")
	masked = ssnPattern.ReplaceAllString(masked, "[ssn_redacted]")
	masked = cardPattern.ReplaceAllStringFunc(masked, redactCard)
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	return masked
}

func redactCard(value string) string {
	digits := make([]byte, 0, len(value))
	for i := 0; i < len(value); i++ {
		if value[i] >= '0' && value[i] <= '9' {
			digits = append(digits, value[i])
		}
	}
	if len(digits) < 13 {
		return value
	}
	return "[card_redacted_" + string(digits[len(digits)-4:]) + "]"
}
