package contextbuilder

import (
	"fmt"
	"strings"

	"github.com/iago/conversation-insights/internal/domain"
)

const DefaultMaxInputTokens = 3000

type BuildOutput struct {
	Text       string
	Lines      int
	Omitted    int
	TokenCount int
}

// Builder renders the conversation text sent for enrichment, keeping the
// most recent messages that fit in a token budget.
type Builder struct {
	maxInputTokens int
}

func NewBuilder(maxInputTokens int) *Builder {
	if maxInputTokens <= 0 {
		maxInputTokens = DefaultMaxInputTokens
	}
	return &Builder{maxInputTokens: maxInputTokens}
}

// Build flattens messages as "speaker: text" lines in order. Blank messages
// and immediate repeats from the same speaker are dropped. When the budget
// is exceeded the oldest lines go first and a marker line replaces them.
// The newest line is always kept, truncated if it alone exceeds the budget.
func (b *Builder) Build(messages []domain.Message) BuildOutput {
	lines := collapse(messages)
	if len(lines) == 0 {
		return BuildOutput{}
	}

	selected := make([]string, 0, len(lines))
	totalTokens := 0
	for index := len(lines) - 1; index >= 0; index-- {
		tokens := estimateTokens(lines[index])
		if totalTokens+tokens > b.maxInputTokens {
			if len(selected) == 0 {
				selected = append(selected, truncateToTokens(lines[index], b.maxInputTokens))
				totalTokens = b.maxInputTokens
			}
			break
		}
		selected = append(selected, lines[index])
		totalTokens += tokens
	}

	omitted := len(lines) - len(selected)
	ordered := make([]string, 0, len(selected)+1)
	if omitted > 0 {
		ordered = append(ordered, fmt.Sprintf("[%d earlier message(s) omitted]", omitted))
	}
	for index := len(selected) - 1; index >= 0; index-- {
		ordered = append(ordered, selected[index])
	}

	return BuildOutput{
		Text:       strings.Join(ordered, "\n"),
		Lines:      len(selected),
		Omitted:    omitted,
		TokenCount: totalTokens,
	}
}

func collapse(messages []domain.Message) []string {
	lines := make([]string, 0, len(messages))
	previous := ""
	for _, message := range messages {
		text := strings.Join(strings.Fields(message.Text), " ")
		if text == "" {
			continue
		}
		line := message.Speaker() + ": " + text
		if strings.EqualFold(line, previous) {
			continue
		}
		lines = append(lines, line)
		previous = line
	}
	return lines
}

func estimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	count := len([]rune(trimmed)) / 4
	if count < 1 {
		count = 1
	}
	return count
}

func truncateToTokens(text string, tokens int) string {
	runes := []rune(text)
	limit := tokens * 4
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
