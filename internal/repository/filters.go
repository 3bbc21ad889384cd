package repository

import (
	"strings"
	"time"

	"github.com/iago/conversation-insights/internal/domain"
)

// sqlDialect hides the differences between the SQLite and Postgres stores
// when building dynamic WHERE clauses.
type sqlDialect struct {
	placeholder func(index int) string
	timeArg     func(value time.Time) any
}

// buildInsightWindow returns the time-window clause shared by the page query
// and the total count.
func buildInsightWindow(filter domain.InsightFilter, dialect sqlDialect) (string, []any) {
	query := strings.Builder{}
	query.WriteString("FROM insights WHERE created_at >= ")
	query.WriteString(dialect.placeholder(1))
	query.WriteString(" AND created_at <= ")
	query.WriteString(dialect.placeholder(2))
	return query.String(), []any{dialect.timeArg(filter.StartTime), dialect.timeArg(filter.EndTime)}
}

func buildInsightFilters(filter domain.InsightFilter, dialect sqlDialect) (string, []any) {
	base, args := buildInsightWindow(filter, dialect)
	query := strings.Builder{}
	query.WriteString(base)

	if filter.MinConfidence != nil {
		args = append(args, *filter.MinConfidence)
		query.WriteString(" AND confidence >= " + dialect.placeholder(len(args)))
	}

	threshold := domain.SentimentThreshold()
	switch filter.Sentiment {
	case domain.SentimentPositive:
		args = append(args, threshold)
		query.WriteString(" AND sentiment_score > " + dialect.placeholder(len(args)))
	case domain.SentimentNegative:
		args = append(args, -threshold)
		query.WriteString(" AND sentiment_score < " + dialect.placeholder(len(args)))
	case domain.SentimentNeutral:
		args = append(args, -threshold, threshold)
		query.WriteString(" AND sentiment_score >= " + dialect.placeholder(len(args)-1))
		query.WriteString(" AND sentiment_score <= " + dialect.placeholder(len(args)))
	}

	return query.String(), args
}

func inClause(count int, offset int, dialect sqlDialect) string {
	parts := make([]string, 0, count)
	for i := 0; i < count; i++ {
		parts = append(parts, dialect.placeholder(offset+i+1))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
