package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/iago/conversation-insights/internal/domain"
)

// MemoryStore keeps everything in process memory. Used for tests and local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	insights      map[string]*domain.Insight
	sequence      map[string]int
	next          int
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*domain.Conversation),
		insights:      make(map[string]*domain.Insight),
		sequence:      make(map[string]int),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Insert(_ context.Context, conversation *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conversation.ID]; exists {
		return ErrDuplicateKey
	}
	s.conversations[conversation.ID] = cloneConversation(conversation)
	s.sequence[conversation.ID] = s.next
	s.next++
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conversation, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conversation), nil
}

func (s *MemoryStore) SetStatus(
	_ context.Context,
	id string,
	status domain.ConversationStatus,
	errMsg string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if !domain.CanTransition(conversation.Status, status) {
		return transitionError(conversation.Status, status)
	}
	conversation.Status = status
	conversation.Error = errMsg
	conversation.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AttachResponse(_ context.Context, id string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conversation.LastResponse = append(json.RawMessage(nil), raw...)
	return nil
}

func (s *MemoryStore) WriteInsight(_ context.Context, insight *domain.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[insight.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if !domain.CanTransition(conversation.Status, domain.StatusCompleted) {
		return transitionError(conversation.Status, domain.StatusCompleted)
	}

	stored := cloneInsight(insight)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.insights[insight.ConversationID] = stored
	conversation.Status = domain.StatusCompleted
	conversation.Error = ""
	conversation.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) GetInsight(_ context.Context, conversationID string) (*domain.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	insight, ok := s.insights[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInsight(insight), nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]*domain.Conversation, 0)
	for _, conversation := range s.conversations {
		if conversation.Status.Pending() {
			pending = append(pending, conversation)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return s.sequence[pending[i].ID] < s.sequence[pending[j].ID]
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	ids := make([]string, 0, len(pending))
	for _, conversation := range pending {
		ids = append(ids, conversation.ID)
	}
	return ids, nil
}

func (s *MemoryStore) QueryInsights(
	_ context.Context,
	filter domain.InsightFilter,
) ([]domain.Insight, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	items := make([]domain.Insight, 0)
	for _, insight := range s.insights {
		if !filter.InWindow(insight.CreatedAt) {
			continue
		}
		total++
		if filter.Matches(*insight) {
			items = append(items, *cloneInsight(insight))
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ConversationID < items[j].ConversationID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	if limit := filter.EffectiveLimit(); len(items) > limit {
		items = items[:limit]
	}
	return items, total, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneConversation(conversation *domain.Conversation) *domain.Conversation {
	if conversation == nil {
		return nil
	}
	clone := *conversation
	clone.Messages = append([]domain.Message(nil), conversation.Messages...)
	if conversation.Metadata != nil {
		clone.Metadata = make(map[string]any, len(conversation.Metadata))
		for key, value := range conversation.Metadata {
			clone.Metadata[key] = value
		}
	}
	clone.RawPayload = append(json.RawMessage(nil), conversation.RawPayload...)
	clone.LastResponse = append(json.RawMessage(nil), conversation.LastResponse...)
	return &clone
}

func cloneInsight(insight *domain.Insight) *domain.Insight {
	if insight == nil {
		return nil
	}
	clone := *insight
	clone.Clusters = append([]string{}, insight.Clusters...)
	clone.RawResponse = append(json.RawMessage(nil), insight.RawResponse...)
	return &clone
}
