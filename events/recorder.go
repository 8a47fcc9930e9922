package events

import (
	"context"
	"sync"
	"time"
)

// Recorder is an in-memory Emitter that keeps everything it receives
type Recorder struct {
	mu     sync.Mutex
	events []*Event
	seqs   map[string]int64
}

// NewRecorder creates an empty Recorder
func NewRecorder() *Recorder {
	return &Recorder{seqs: make(map[string]int64)}
}

// Emit stores the event in memory
func (r *Recorder) Emit(_ context.Context, sessionID string, typ Type, payload Payload) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs[sessionID]++
	evt := &Event{SessionID: sessionID, Seq: r.seqs[sessionID], Type: typ, Payload: payload, Timestamp: time.Now()}
	r.events = append(r.events, evt)
	return evt
}

// Events returns everything recorded so far
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of typ, in order
func (r *Recorder) OfType(typ Type) []*Event {
	var out []*Event
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []Type {
	evts := r.Events()
	out := make([]Type, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

// Offset returns the last seq recorded for sessionID
func (r *Recorder) Offset(_ context.Context, sessionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seqs[sessionID], nil
}
