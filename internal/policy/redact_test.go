package policy

import (
	"strings"
	"testing"
)

func TestRedactPIIMasksCommonPatterns(t *testing.T) {
	text := "customer: reach me at jane.doe@example.com or +1 (415) 555-0100, card 4111 1111 1111 1234, ssn 123-45-6789"
	masked := RedactPII(text)

	for _, leaked := range []string{"jane.doe@example.com", "555-0100", "4111 1111", "123-45-6789"} {
		if strings.Contains(masked, leaked) {
			t.Fatalf("expected %q to be masked, got %q", leaked, masked)
		}
	}
	if !strings.Contains(masked, "[card_redacted_1234]") {
		t.Fatalf("expected card suffix to be kept, got %q", masked)
	}
	if !strings.HasPrefix(masked, "customer: reach me at") {
		t.Fatalf("non PII text must be untouched, got %q", masked)
	}
}

func TestRedactPIILeavesPlainTextAlone(t *testing.T) {
	text := "agent: your order 42 ships tomorrow"
	if got := RedactPII(text); got != text {
		t.Fatalf("expected unchanged text, got %q", got)
	}
}
