package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxDeliveryAttempts bounds retries per outbox item. An item that keeps
// failing is dropped with a logged warning: at-least-attempted, not
// at-least-delivered.
const maxDeliveryAttempts = 3

// OutboxItem is one buffered user action awaiting delivery.
type OutboxItem struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
}

// DeliverFunc sends one item to the gateway. An error re-enqueues the item
// until the retry bound is hit.
type DeliverFunc func(ctx context.Context, item *OutboxItem) error

// SyncQueue buffers outgoing actions while the client is offline and flushes
// them in FIFO order once connectivity returns. The queue mirrors to a
// Storage so a reload does not lose pending items.
type SyncQueue struct {
	mu      sync.Mutex
	items   []OutboxItem
	storage Storage
	deliver DeliverFunc
	online  bool
	log     zerolog.Logger
}

// NewSyncQueue restores any persisted items from storage.
func NewSyncQueue(storage Storage, deliver DeliverFunc, logger zerolog.Logger) (*SyncQueue, error) {
	q := &SyncQueue{
		storage: storage,
		deliver: deliver,
		log:     logger.With().Str("component", "syncqueue").Logger(),
	}
	if storage != nil {
		items, err := storage.Load()
		if err != nil {
			return nil, err
		}
		q.items = items
	}
	return q, nil
}

// Add appends one item and, when online, immediately attempts a flush.
func (q *SyncQueue) Add(itemType string, data interface{}) error {
	var body json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		body = b
	}

	q.mu.Lock()
	q.items = append(q.items, OutboxItem{
		ID:         uuid.New().String(),
		Type:       itemType,
		Data:       body,
		EnqueuedAt: time.Now(),
	})
	q.persistLocked()
	online := q.online
	q.mu.Unlock()

	if online {
		q.Process(context.Background())
	}
	return nil
}

// Process drains the queue. It snapshots and clears the live queue first so
// deliveries that enqueue further items cannot double-send, then attempts
// each item in order. Failures are re-enqueued until the retry bound, then
// dropped with a warning.
func (q *SyncQueue) Process(ctx context.Context) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	snapshot := q.items
	q.items = nil
	q.persistLocked()
	q.mu.Unlock()

	var failed []OutboxItem
	for i := range snapshot {
		item := snapshot[i]
		if err := q.deliver(ctx, &item); err != nil {
			item.RetryCount++
			if item.RetryCount >= maxDeliveryAttempts {
				q.log.Warn().Str("id", item.ID).Str("type", item.Type).
					Int("retries", item.RetryCount).Err(err).Msg("dropping undeliverable outbox item")
				continue
			}
			failed = append(failed, item)
		}
	}

	if len(failed) > 0 {
		q.mu.Lock()
		// failed items go back ahead of anything enqueued mid-flush to
		// preserve original ordering as far as possible
		q.items = append(failed, q.items...)
		q.persistLocked()
		q.mu.Unlock()
	}
}

// SetOnline records connectivity. The offline-to-online edge triggers an
// immediate flush.
func (q *SyncQueue) SetOnline(online bool) {
	q.mu.Lock()
	wasOnline := q.online
	q.online = online
	q.mu.Unlock()

	if online && !wasOnline {
		q.Process(context.Background())
	}
}

// Len reports the number of pending items.
func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the pending items in order.
func (q *SyncQueue) Items() []OutboxItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]OutboxItem(nil), q.items...)
}

// persistLocked mirrors the queue to storage. Persistence failures are
// logged, not fatal: the live queue stays authoritative.
func (q *SyncQueue) persistLocked() {
	if q.storage == nil {
		return
	}
	if err := q.storage.Save(append([]OutboxItem(nil), q.items...)); err != nil {
		q.log.Warn().Err(err).Msg("failed to persist outbox")
	}
}
