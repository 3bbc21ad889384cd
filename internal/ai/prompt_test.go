package ai

import (
	"errors"
	"strings"
	"testing"
)

func TestParseEnvelopeShape(t *testing.T) {
	cases := map[string]string{
		"array root":      `[{"conversation_id":"a"}]`,
		"missing results": `{"rows":[]}`,
		"extra key":       `{"results":[],"note":"hi"}`,
		"results object":  `{"results":{"conversation_id":"a"}}`,
		"row not object":  `{"results":["a"]}`,
		"null results":    `{"results":null}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := parseEnvelope([]byte(content))
			var malformed *MalformedResponseError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected malformed error, got %v", err)
			}
			if string(malformed.Raw) != content {
				t.Fatalf("expected raw content to be kept")
			}
		})
	}
}

func TestParseEnvelopeKeysRowsByID(t *testing.T) {
	rows, unattributed, err := parseEnvelope([]byte(`{"results":[
		{"conversation_id":"a","reasoning":"first"},
		{"conversation_id":7},
		{"reasoning":"no id"},
		{"conversation_id":"a","reasoning":"second"},
		{"conversation_id":"b"}
	]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 || unattributed != 2 {
		t.Fatalf("expected 2 keyed rows and 2 unattributed, got %d and %d", len(rows), unattributed)
	}
	if !strings.Contains(string(rows["a"]), "first") {
		t.Fatalf("first row for an id must win, got %s", rows["a"])
	}
}

func TestParseEnvelopeAcceptsEmptyResults(t *testing.T) {
	rows, _, err := parseEnvelope([]byte(` {"results":[]} `))
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected empty rows, got %v %v", rows, err)
	}
}

func TestUserPromptListsEveryItemAndSchema(t *testing.T) {
	prompt := buildUserPrompt(twoItems)
	for _, item := range twoItems {
		if !strings.Contains(prompt, "id: "+item.ConversationID) {
			t.Fatalf("prompt is missing %s", item.ConversationID)
		}
	}
	if !strings.Contains(prompt, `"sentiment_score"`) || !strings.Contains(prompt, `"results"`) {
		t.Fatalf("prompt must embed the response schema: %s", prompt)
	}
}
