// Package events publishes task lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event types
const (
	TaskStarted   = "task.started"
	TaskProgress  = "task.progress"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
)

// Event is one task lifecycle notification
type Event struct {
	Type           string    `json:"type"`
	TaskID         string    `json:"task_id"`
	TaskName       string    `json:"task_name,omitempty"`
	Model          string    `json:"model,omitempty"`
	State          string    `json:"state,omitempty"`
	Percent        int       `json:"percent,omitempty"`
	FilesProcessed int       `json:"files_processed,omitempty"`
	Error          string    `json:"error,omitempty"`
	Time           time.Time `json:"time"`
}

// ToJSON encodes the event payload
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events somewhere
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
