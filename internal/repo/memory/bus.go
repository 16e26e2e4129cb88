package memory

import (
	"context"
	"sync"

	"github.com/mkravets/eventsched/internal/bus"
)

// BusRecorder captures published messages; tests can inject failures to
// drive the retry path.
type BusRecorder struct {
	mu       sync.Mutex
	messages []bus.Message
	offset   int64

	// FailNext makes the next n publishes return FailErr.
	FailNext int
	FailErr  error
}

func NewBusRecorder() *BusRecorder {
	return &BusRecorder{}
}

func (r *BusRecorder) Publish(_ context.Context, msg bus.Message) (int32, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailNext > 0 {
		r.FailNext--
		return 0, 0, r.FailErr
	}

	r.messages = append(r.messages, msg)
	r.offset++
	return 0, r.offset, nil
}

func (r *BusRecorder) Messages() []bus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]bus.Message, len(r.messages))
	copy(out, r.messages)
	return out
}
