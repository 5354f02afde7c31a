package events

import (
	"context"
	"sync"

	"github.com/chess-club/federation-api/internal/ports/out/events"
)

// Recorder keeps published transitions in memory. It is safe for concurrent use.
type Recorder struct {
	mu  sync.Mutex
	out []events.Transition

	// Err, when set, is returned by Publish after recording.
	Err error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, t events.Transition) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, t)
	return r.Err
}

// Transitions returns a copy of everything published so far.
func (r *Recorder) Transitions() []events.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Transition(nil), r.out...)
}
