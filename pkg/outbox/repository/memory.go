package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sakashimaa/outbox-service/pkg/outbox/domain"
)

// MemoryRepository keeps outbox messages in process memory. It honors the
// same contract as the Postgres repository through the domain state machine
// and backs worker unit tests and local development.
type MemoryRepository struct {
	mu sync.RWMutex

	messages map[uuid.UUID]*domain.Message
	order    map[uuid.UUID]uint64
	sequence uint64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		messages: make(map[uuid.UUID]*domain.Message),
		order:    make(map[uuid.UUID]uint64),
	}
}

func (r *MemoryRepository) SaveMessage(ctx context.Context, message *domain.Message) error {
	if message == nil {
		return fmt.Errorf("%w: message is nil", ErrInvalidArgument)
	}

	return r.SaveMessages(ctx, []*domain.Message{message})
}

func (r *MemoryRepository) SaveMessages(_ context.Context, messages []*domain.Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("%w: no messages to save", ErrInvalidArgument)
	}
	for _, m := range messages {
		if m == nil {
			return fmt.Errorf("%w: message is nil", ErrInvalidArgument)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range messages {
		if _, exists := r.messages[m.Id]; exists {
			return &PersistenceError{Op: "save messages", Err: fmt.Errorf("duplicate message id %s", m.Id)}
		}
	}

	for _, m := range messages {
		r.sequence++
		r.messages[m.Id] = m.Clone()
		r.order[m.Id] = r.sequence
	}

	return nil
}

func (r *MemoryRepository) GetUnprocessedMessages(_ context.Context, batchSize int) ([]*domain.Message, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidArgument, batchSize)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*domain.Message
	for _, m := range r.messages {
		if m.Unprocessed() {
			candidates = append(candidates, m)
		}
	}

	// Oldest first; insertion order breaks ties so equal timestamps stay stable.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].OccurredOn.Equal(candidates[j].OccurredOn) {
			return r.order[candidates[i].Id] < r.order[candidates[j].Id]
		}

		return candidates[i].OccurredOn.Before(candidates[j].OccurredOn)
	})

	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	snapshots := make([]*domain.Message, len(candidates))
	for i, m := range candidates {
		snapshots[i] = m.Clone()
	}

	return snapshots, nil
}

func (r *MemoryRepository) GetMessage(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}

	return m.Clone(), nil
}

func (r *MemoryRepository) MarkMessageAsProcessed(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}

	m.MarkProcessed(time.Now())

	return nil
}

func (r *MemoryRepository) MarkMessageAsFailed(_ context.Context, id uuid.UUID, cause string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}

	m.MarkFailed(cause)

	return nil
}

func (r *MemoryRepository) DiscardMessage(_ context.Context, id uuid.UUID, cause string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}

	m.Discard(cause)

	return nil
}

func (r *MemoryRepository) UpdateMessageContent(_ context.Context, id uuid.UUID, content json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}

	return m.UpdateContent(content)
}

func (r *MemoryRepository) DeleteProcessedMessagesOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, m := range r.messages {
		if m.Status == domain.StatusProcessed && m.ProcessedOn != nil && m.ProcessedOn.Before(cutoff) {
			delete(r.messages, id)
			delete(r.order, id)
			deleted++
		}
	}

	return deleted, nil
}
