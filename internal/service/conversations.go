package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/iago/conversation-insights/internal/domain"
	"github.com/iago/conversation-insights/internal/queue"
	"github.com/iago/conversation-insights/internal/repository"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrShuttingDown = errors.New("service is shutting down")
)

const (
	maxConversationIDLength = 128
	maxMessages             = 1000
)

type SubmitInput struct {
	ConversationID string
	Messages       []domain.Message
	Metadata       map[string]any
	RawPayload     json.RawMessage
}

// ConversationsService admits conversations: it validates, persists with
// status queued, and only then hands the id to the work queue.
type ConversationsService struct {
	store        repository.ConversationStore
	queue        queue.Pusher
	logger       *log.Logger
	now          func() time.Time
	newID        func() string
	shuttingDown atomic.Bool
}

func NewConversationsService(
	store repository.ConversationStore,
	pusher queue.Pusher,
	logger *log.Logger,
) *ConversationsService {
	return &ConversationsService{
		store:  store,
		queue:  pusher,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  newConversationID,
	}
}

func newConversationID() string {
	return "conv_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// BeginShutdown makes every later Submit fail with ErrShuttingDown.
func (s *ConversationsService) BeginShutdown() {
	s.shuttingDown.Store(true)
}

func (s *ConversationsService) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

func (s *ConversationsService) Submit(ctx context.Context, input SubmitInput) (*domain.Conversation, error) {
	if s.ShuttingDown() {
		return nil, ErrShuttingDown
	}
	if err := validateSubmission(input); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(input.ConversationID)
	if id == "" {
		id = s.newID()
	}
	now := s.now()
	conversation := &domain.Conversation{
		ID:         id,
		Messages:   input.Messages,
		Metadata:   input.Metadata,
		Status:     domain.StatusQueued,
		RawPayload: input.RawPayload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Insert(ctx, conversation); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, err
		}
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	if err := s.queue.Push(id); err != nil {
		// Stored as queued; the next startup reseed picks it up.
		if s.logger != nil {
			s.logger.Printf("conversation stored but not queued conversation_id=%s err=%v", id, err)
		}
	}
	return conversation, nil
}

func validateSubmission(input SubmitInput) error {
	id := strings.TrimSpace(input.ConversationID)
	if len(id) > maxConversationIDLength {
		return fmt.Errorf("%w: conversation_id must be at most %d characters", ErrValidation, maxConversationIDLength)
	}
	if input.ConversationID != "" && id == "" {
		return fmt.Errorf("%w: conversation_id must not be blank", ErrValidation)
	}
	if len(input.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrValidation)
	}
	if len(input.Messages) > maxMessages {
		return fmt.Errorf("%w: at most %d messages are accepted", ErrValidation, maxMessages)
	}
	for index, message := range input.Messages {
		if strings.TrimSpace(message.Text) == "" {
			return fmt.Errorf("%w: messages[%d].text must not be blank", ErrValidation, index)
		}
	}
	for key, value := range input.Metadata {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: metadata keys must not be blank", ErrValidation)
		}
		switch value.(type) {
		case nil, string, bool, float64, json.Number:
		default:
			return fmt.Errorf("%w: metadata.%s must be a string, number, boolean or null", ErrValidation, key)
		}
	}
	return nil
}
