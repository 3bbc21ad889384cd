package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iago/conversation-insights/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	messages      JSONB NOT NULL DEFAULT '[]',
	metadata      JSONB NOT NULL DEFAULT '{}',
	raw_payload   TEXT NOT NULL DEFAULT '',
	last_response TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_status_created ON conversations(status, created_at);

CREATE TABLE IF NOT EXISTS insights (
	conversation_id TEXT PRIMARY KEY REFERENCES conversations(id),
	sentiment_score DOUBLE PRECISION NOT NULL,
	clusters        JSONB NOT NULL DEFAULT '[]',
	confidence      DOUBLE PRECISION NOT NULL,
	reasoning       TEXT NOT NULL DEFAULT '',
	model           TEXT NOT NULL DEFAULT '',
	raw_response    TEXT,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_insights_created ON insights(created_at);
`

var postgresDialect = sqlDialect{
	placeholder: func(index int) string { return fmt.Sprintf("$%d", index) },
	timeArg:     func(value time.Time) any { return value.UTC() },
}

type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create pg schema: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, conversation *domain.Conversation) error {
	messages, err := encodeJSON(conversation.Messages, "[]")
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	metadata, err := encodeJSON(conversation.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	command, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, status, error, messages, metadata, raw_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`,
		conversation.ID,
		string(conversation.Status),
		conversation.Error,
		string(messages),
		string(metadata),
		string(conversation.RawPayload),
		conversation.CreatedAt.UTC(),
		conversation.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	var (
		conversation domain.Conversation
		status       string
		messages     []byte
		metadata     []byte
		rawPayload   string
		lastResponse *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, error, messages, metadata, raw_payload, last_response, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`, id).Scan(
		&conversation.ID,
		&status,
		&conversation.Error,
		&messages,
		&metadata,
		&rawPayload,
		&lastResponse,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	conversation.Status = domain.ConversationStatus(status)
	if err := json.Unmarshal(messages, &conversation.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if err := json.Unmarshal(metadata, &conversation.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	conversation.RawPayload = json.RawMessage(rawPayload)
	if lastResponse != nil {
		conversation.LastResponse = json.RawMessage(*lastResponse)
	}
	return &conversation, nil
}

func (s *PostgresStore) SetStatus(
	ctx context.Context,
	id string,
	status domain.ConversationStatus,
	errMsg string,
) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $2, error = $3, updated_at = $4
		WHERE id = $1 AND status = ANY($5)
	`, id, string(status), errMsg, s.now(), statusStrings(domain.PredecessorsOf(status)))
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	if command.RowsAffected() == 0 {
		return s.explainNoUpdate(ctx, s.pool, id, status)
	}
	return nil
}

func (s *PostgresStore) AttachResponse(ctx context.Context, id string, raw json.RawMessage) error {
	command, err := s.pool.Exec(ctx,
		"UPDATE conversations SET last_response = $2 WHERE id = $1",
		id, nullableText(raw),
	)
	if err != nil {
		return fmt.Errorf("attach response: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) WriteInsight(ctx context.Context, insight *domain.Insight) error {
	clusters, err := encodeJSON(insight.Clusters, "[]")
	if err != nil {
		return fmt.Errorf("encode clusters: %w", err)
	}
	now := s.now()
	createdAt := insight.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insight tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	command, err := tx.Exec(ctx, `
		UPDATE conversations
		SET status = $2, error = '', updated_at = $3
		WHERE id = $1 AND status = $4
	`, insight.ConversationID, string(domain.StatusCompleted), now, string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("complete conversation: %w", err)
	}
	if command.RowsAffected() == 0 {
		return s.explainNoUpdate(ctx, tx, insight.ConversationID, domain.StatusCompleted)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO insights (conversation_id, sentiment_score, clusters, confidence, reasoning, model, raw_response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id) DO UPDATE SET
			sentiment_score = EXCLUDED.sentiment_score,
			clusters = EXCLUDED.clusters,
			confidence = EXCLUDED.confidence,
			reasoning = EXCLUDED.reasoning,
			model = EXCLUDED.model,
			raw_response = EXCLUDED.raw_response,
			created_at = EXCLUDED.created_at
	`,
		insight.ConversationID,
		insight.SentimentScore,
		string(clusters),
		insight.Confidence,
		insight.Reasoning,
		insight.Model,
		nullableText(insight.RawResponse),
		createdAt.UTC(),
	); err != nil {
		return fmt.Errorf("upsert insight: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insight tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInsight(ctx context.Context, conversationID string) (*domain.Insight, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT conversation_id, sentiment_score, clusters, confidence, reasoning, model, raw_response, created_at
		FROM insights
		WHERE conversation_id = $1
	`, conversationID)
	insight, err := scanPostgresInsight(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return insight, nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM conversations
		WHERE status = ANY($1)
		ORDER BY created_at ASC, id ASC
	`, []string{string(domain.StatusQueued), string(domain.StatusProcessing)})
	if err != nil {
		return nil, fmt.Errorf("list pending conversations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect pending ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) QueryInsights(
	ctx context.Context,
	filter domain.InsightFilter,
) ([]domain.Insight, int, error) {
	windowQuery, windowArgs := buildInsightWindow(filter, postgresDialect)
	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) "+windowQuery, windowArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count insights: %w", err)
	}

	filterQuery, args := buildInsightFilters(filter, postgresDialect)
	listQuery := fmt.Sprintf(
		`SELECT conversation_id, sentiment_score, clusters, confidence, reasoning, model, raw_response, created_at
		%s
		ORDER BY created_at DESC, conversation_id ASC
		LIMIT $%d`,
		filterQuery,
		len(args)+1,
	)
	args = append(args, filter.EffectiveLimit())
	rows, err := s.pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Insight, 0)
	for rows.Next() {
		insight, err := scanPostgresInsight(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *insight)
	}
	if rows.Err() != nil {
		return nil, 0, fmt.Errorf("iterate insights: %w", rows.Err())
	}
	return items, total, nil
}

type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) explainNoUpdate(
	ctx context.Context,
	db pgQueryer,
	id string,
	target domain.ConversationStatus,
) error {
	var current string
	err := db.QueryRow(ctx, "SELECT status FROM conversations WHERE id = $1", id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load conversation status: %w", err)
	}
	return transitionError(domain.ConversationStatus(current), target)
}

func scanPostgresInsight(row pgx.Row) (*domain.Insight, error) {
	var (
		insight     domain.Insight
		clusters    []byte
		rawResponse *string
	)
	if err := row.Scan(
		&insight.ConversationID,
		&insight.SentimentScore,
		&clusters,
		&insight.Confidence,
		&insight.Reasoning,
		&insight.Model,
		&rawResponse,
		&insight.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan insight: %w", err)
	}
	if err := json.Unmarshal(clusters, &insight.Clusters); err != nil {
		return nil, fmt.Errorf("decode clusters: %w", err)
	}
	if rawResponse != nil {
		insight.RawResponse = json.RawMessage(*rawResponse)
	}
	insight.CreatedAt = insight.CreatedAt.UTC()
	return &insight, nil
}
