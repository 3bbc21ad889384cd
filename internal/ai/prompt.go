package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

const systemPrompt = "You are an internal conversation insights engine. " +
	"Return strict JSON with sentiment_score (-1.0 to 1.0), clusters (slug strings), " +
	"confidence (0 to 1) representing certainty, and a short reasoning. " +
	"If input is ambiguous, lower the confidence."

type resultEnvelope struct {
	Results []resultRow `json:"results"`
}

type resultRow struct {
	ConversationID string   `json:"conversation_id" jsonschema:"description=Identifier copied from the input"`
	SentimentScore float64  `json:"sentiment_score" jsonschema:"minimum=-1,maximum=1"`
	Clusters       []string `json:"clusters" jsonschema:"maxItems=10,description=Topic slugs"`
	Confidence     float64  `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Reasoning      string   `json:"reasoning"`
}

var (
	schemaOnce sync.Once
	schemaText string
)

func envelopeSchema() string {
	schemaOnce.Do(func() {
		reflector := jsonschema.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
		}
		encoded, err := json.Marshal(reflector.Reflect(&resultEnvelope{}))
		if err != nil {
			schemaText = `{"results":[{"conversation_id":"string","sentiment_score":"number","clusters":["string"],"confidence":"number","reasoning":"string"}]}`
			return
		}
		schemaText = string(encoded)
	})
	return schemaText
}

func buildUserPrompt(items []Item) string {
	var builder strings.Builder
	builder.WriteString("Analyze the following conversations and respond ONLY with minified JSON matching this JSON schema: ")
	builder.WriteString(envelopeSchema())
	builder.WriteString(". Return exactly one result per conversation and use the provided conversation_id. ")
	builder.WriteString("Do not invent ids.\n")
	for _, item := range items {
		fmt.Fprintf(&builder, "\n- id: %s, text: %s", item.ConversationID, item.Text)
	}
	return builder.String()
}

// parseEnvelope enforces the transport-level shape: a JSON object whose only
// key is "results", holding an array of objects. Rows are keyed by their
// conversation_id string; the first row for an id wins.
func parseEnvelope(content []byte) (map[string]json.RawMessage, int, error) {
	content = bytes.TrimSpace(content)
	raw := json.RawMessage(append([]byte(nil), content...))

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(content, &envelope); err != nil || envelope == nil {
		return nil, 0, &MalformedResponseError{Reason: "content is not a JSON object", Raw: raw}
	}
	results, ok := envelope["results"]
	if !ok {
		return nil, 0, &MalformedResponseError{Reason: `missing "results" key`, Raw: raw}
	}
	if len(envelope) != 1 {
		return nil, 0, &MalformedResponseError{Reason: `unexpected keys besides "results"`, Raw: raw}
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(results, &rows); err != nil || rows == nil {
		return nil, 0, &MalformedResponseError{Reason: `"results" is not an array`, Raw: raw}
	}

	keyed := make(map[string]json.RawMessage, len(rows))
	unattributed := 0
	for index, row := range rows {
		trimmed := bytes.TrimSpace(row)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, 0, &MalformedResponseError{Reason: fmt.Sprintf("result %d is not an object", index), Raw: raw}
		}
		var head struct {
			ConversationID any `json:"conversation_id"`
		}
		if err := json.Unmarshal(trimmed, &head); err != nil {
			return nil, 0, &MalformedResponseError{Reason: fmt.Sprintf("result %d: %v", index, err), Raw: raw}
		}
		id, ok := head.ConversationID.(string)
		if !ok || id == "" {
			unattributed++
			continue
		}
		if _, seen := keyed[id]; seen {
			continue
		}
		keyed[id] = append(json.RawMessage(nil), trimmed...)
	}
	return keyed, unattributed, nil
}
