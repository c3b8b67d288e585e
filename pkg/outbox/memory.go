package outbox

import (
	"context"
	"sync"

	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/pkg/errors"
)

type MemoryQueue struct {
	mu       sync.Mutex
	entries  []Entry
	settings settings
}

var _ Queue = &MemoryQueue{}

func NewMemoryQueue(opts ...Option) *MemoryQueue {
	return &MemoryQueue{settings: buildSettings(opts)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, env envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.settings.maxEntries > 0 && len(q.entries) >= q.settings.maxEntries {
		return errors.Wrapf(ErrQueueOverflow, "%d entries", len(q.entries))
	}
	q.entries = append(q.entries, Entry{Envelope: env, EnqueuedAt: q.settings.now()})
	return nil
}

// Flush holds the queue lock for the whole drain so a concurrent Enqueue
// lands behind everything being flushed.
func (q *MemoryQueue) Flush(ctx context.Context, send SendFunc) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sent := 0
	for len(q.entries) > 0 {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return sent, err
			}
		}
		if err := send(q.entries[0].Envelope); err != nil {
			return sent, err
		}
		q.entries[0] = Entry{}
		q.entries = q.entries[1:]
		sent++
	}
	q.entries = nil
	return sent, nil
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queued entries, oldest first.
func (q *MemoryQueue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

func (q *MemoryQueue) Close() error {
	return nil
}
