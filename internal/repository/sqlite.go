package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/iago/conversation-insights/internal/domain"
	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so lexical order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	messages      TEXT NOT NULL DEFAULT '[]',
	metadata      TEXT NOT NULL DEFAULT '{}',
	raw_payload   TEXT NOT NULL DEFAULT '',
	last_response TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_status_created ON conversations(status, created_at);

CREATE TABLE IF NOT EXISTS insights (
	conversation_id TEXT PRIMARY KEY REFERENCES conversations(id),
	sentiment_score REAL NOT NULL,
	clusters        TEXT NOT NULL DEFAULT '[]',
	confidence      REAL NOT NULL,
	reasoning       TEXT NOT NULL DEFAULT '',
	model           TEXT NOT NULL DEFAULT '',
	raw_response    TEXT,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_insights_created ON insights(created_at);
`

var sqliteDialect = sqlDialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(value time.Time) any { return formatSQLiteTime(value) },
}

// SQLiteStore persists conversations in a single SQLite file. Writes go
// through one connection so status transitions are serialized.
type SQLiteStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	now     func() time.Time
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = filepath.Join("data", "conversations.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := sqliteDSN(dbPath)
	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite write db: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open sqlite read db: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)

	store := &SQLiteStore{
		writeDB: writeDB,
		readDB:  readDB,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if _, err := writeDB.ExecContext(ctx, sqliteSchema); err != nil {
		store.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return store, nil
}

func sqliteDSN(path string) string {
	params := url.Values{}
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(ON)")
	params.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + params.Encode()
}

func (s *SQLiteStore) Close() error {
	writeErr := s.writeDB.Close()
	readErr := s.readDB.Close()
	return errors.Join(writeErr, readErr)
}

func (s *SQLiteStore) Insert(ctx context.Context, conversation *domain.Conversation) error {
	messages, err := encodeJSON(conversation.Messages, "[]")
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	metadata, err := encodeJSON(conversation.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	result, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO conversations (id, status, error, messages, metadata, raw_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		conversation.ID,
		string(conversation.Status),
		conversation.Error,
		string(messages),
		string(metadata),
		string(conversation.RawPayload),
		formatSQLiteTime(conversation.CreatedAt),
		formatSQLiteTime(conversation.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	var (
		conversation domain.Conversation
		status       string
		messages     string
		metadata     string
		rawPayload   string
		lastResponse sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := s.readDB.QueryRowContext(ctx, `
		SELECT id, status, error, messages, metadata, raw_payload, last_response, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(
		&conversation.ID,
		&status,
		&conversation.Error,
		&messages,
		&metadata,
		&rawPayload,
		&lastResponse,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	conversation.Status = domain.ConversationStatus(status)
	if err := json.Unmarshal([]byte(messages), &conversation.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &conversation.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	conversation.RawPayload = json.RawMessage(rawPayload)
	if lastResponse.Valid {
		conversation.LastResponse = json.RawMessage(lastResponse.String)
	}
	if conversation.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if conversation.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (s *SQLiteStore) SetStatus(
	ctx context.Context,
	id string,
	status domain.ConversationStatus,
	errMsg string,
) error {
	predecessors := statusStrings(domain.PredecessorsOf(status))
	if len(predecessors) == 0 {
		return s.explainNoUpdate(ctx, s.writeDB, id, status)
	}

	args := []any{string(status), errMsg, formatSQLiteTime(s.now()), id}
	for _, predecessor := range predecessors {
		args = append(args, predecessor)
	}
	result, err := s.writeDB.ExecContext(ctx,
		"UPDATE conversations SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status IN "+
			inClause(len(predecessors), 4, sqliteDialect),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	if affected == 0 {
		return s.explainNoUpdate(ctx, s.writeDB, id, status)
	}
	return nil
}

func (s *SQLiteStore) AttachResponse(ctx context.Context, id string, raw json.RawMessage) error {
	result, err := s.writeDB.ExecContext(ctx,
		"UPDATE conversations SET last_response = ? WHERE id = ?",
		string(raw), id,
	)
	if err != nil {
		return fmt.Errorf("attach response: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach response: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) WriteInsight(ctx context.Context, insight *domain.Insight) error {
	clusters, err := encodeJSON(insight.Clusters, "[]")
	if err != nil {
		return fmt.Errorf("encode clusters: %w", err)
	}
	now := s.now()
	createdAt := insight.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insight tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, error = '', updated_at = ?
		WHERE id = ? AND status = ?
	`, string(domain.StatusCompleted), formatSQLiteTime(now), insight.ConversationID, string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("complete conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete conversation: %w", err)
	}
	if affected == 0 {
		return s.explainNoUpdate(ctx, tx, insight.ConversationID, domain.StatusCompleted)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO insights (conversation_id, sentiment_score, clusters, confidence, reasoning, model, raw_response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			sentiment_score = excluded.sentiment_score,
			clusters = excluded.clusters,
			confidence = excluded.confidence,
			reasoning = excluded.reasoning,
			model = excluded.model,
			raw_response = excluded.raw_response,
			created_at = excluded.created_at
	`,
		insight.ConversationID,
		insight.SentimentScore,
		string(clusters),
		insight.Confidence,
		insight.Reasoning,
		insight.Model,
		nullableText(insight.RawResponse),
		formatSQLiteTime(createdAt),
	); err != nil {
		return fmt.Errorf("upsert insight: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insight tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInsight(ctx context.Context, conversationID string) (*domain.Insight, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT conversation_id, sentiment_score, clusters, confidence, reasoning, model, raw_response, created_at
		FROM insights
		WHERE conversation_id = ?
	`, conversationID)
	insight, err := scanSQLiteInsight(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return insight, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id FROM conversations
		WHERE status IN (?, ?)
		ORDER BY created_at ASC, rowid ASC
	`, string(domain.StatusQueued), string(domain.StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("list pending conversations: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) QueryInsights(
	ctx context.Context,
	filter domain.InsightFilter,
) ([]domain.Insight, int, error) {
	windowQuery, windowArgs := buildInsightWindow(filter, sqliteDialect)
	var total int
	if err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) "+windowQuery, windowArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count insights: %w", err)
	}

	filterQuery, args := buildInsightFilters(filter, sqliteDialect)
	args = append(args, filter.EffectiveLimit())
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT conversation_id, sentiment_score, clusters, confidence, reasoning, model, raw_response, created_at
		`+filterQuery+`
		ORDER BY created_at DESC, conversation_id ASC
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Insight, 0)
	for rows.Next() {
		insight, err := scanSQLiteInsight(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *insight)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate insights: %w", err)
	}
	return items, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) explainNoUpdate(
	ctx context.Context,
	db sqlQueryer,
	id string,
	target domain.ConversationStatus,
) error {
	var current string
	err := db.QueryRowContext(ctx, "SELECT status FROM conversations WHERE id = ?", id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load conversation status: %w", err)
	}
	return transitionError(domain.ConversationStatus(current), target)
}

func scanSQLiteInsight(row rowScanner) (*domain.Insight, error) {
	var (
		insight     domain.Insight
		clusters    string
		rawResponse sql.NullString
		createdAt   string
	)
	if err := row.Scan(
		&insight.ConversationID,
		&insight.SentimentScore,
		&clusters,
		&insight.Confidence,
		&insight.Reasoning,
		&insight.Model,
		&rawResponse,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan insight: %w", err)
	}
	if err := json.Unmarshal([]byte(clusters), &insight.Clusters); err != nil {
		return nil, fmt.Errorf("decode clusters: %w", err)
	}
	if rawResponse.Valid {
		insight.RawResponse = json.RawMessage(rawResponse.String)
	}
	parsed, err := parseSQLiteTime(createdAt)
	if err != nil {
		return nil, err
	}
	insight.CreatedAt = parsed
	return &insight, nil
}

func formatSQLiteTime(value time.Time) string {
	return value.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(value string) (time.Time, error) {
	parsed, err := time.Parse(sqliteTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return parsed, nil
}

func nullableText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
