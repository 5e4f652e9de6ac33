// Package orchestrator runs the supervisory RARV loop (Reason, Act,
// Review, Verify): it pulls tasks from the file-backed queue, dispatches
// them to agents with retrieved context, routes results through council
// review and BFT consensus, adjusts the team from quality signals, and
// periodically verifies the completion checklist. All observable state
// flows through an append-only event log and an atomically rewritten
// dashboard snapshot.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"loki/internal/logging"
	"loki/internal/store"
)

// EventType names one orchestrator event.
type EventType string

const (
	EventSessionStart      EventType = "session_start"
	EventSessionStop       EventType = "session_stop"
	EventSessionPause      EventType = "session_pause"
	EventSessionResume     EventType = "session_resume"
	EventSessionComplete   EventType = "session_complete"
	EventTaskStarted       EventType = "task_started"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventAgentAdded        EventType = "agent_added"
	EventAgentRemoved      EventType = "agent_removed"
	EventConsensusReached  EventType = "consensus_reached"
	EventConsensusFailed   EventType = "consensus_failed"
	EventFaultDetected     EventType = "fault_detected"
	EventChecklistVerified EventType = "checklist_verified"
)

// Event is one line of the event log.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// eventBuffer bounds the sink's channel; a full buffer blocks producers
// rather than dropping events.
const eventBuffer = 256

// EventSink serialises events from any goroutine into one fsynced JSONL
// file. A single writer goroutine assigns timestamps, so ordering is
// monotonic across producers and strict per producer.
type EventSink struct {
	ch       chan Event
	done     chan struct{}
	appender *store.Appender
	now      func() time.Time
	log      *logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewEventSink opens (or creates) the event log and starts the writer.
func NewEventSink(path string) (*EventSink, error) {
	app, err := store.NewAppender(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	s := &EventSink{
		ch:       make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		appender: app,
		now:      time.Now,
		log:      logging.Get(logging.CategoryEvents),
	}
	go s.run()
	return s, nil
}

// Emit queues one event. Blocks when the buffer is full; never drops.
// Emitting after Close is a no-op. The lock is held across the send so a
// concurrent Close cannot close the channel under a blocked producer; the
// writer goroutine keeps draining, so the send always completes.
func (s *EventSink) Emit(eventType EventType, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- Event{Type: eventType, Data: data}
}

// Close drains pending events and closes the log file.
func (s *EventSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.ch)
	<-s.done
	return s.appender.Close()
}

func (s *EventSink) run() {
	defer close(s.done)
	for ev := range s.ch {
		ev.Timestamp = s.now()
		if err := s.appender.Append(ev); err != nil {
			s.log.Error("failed to append event %s: %v", ev.Type, err)
		}
	}
}
