// Package stream normalizes raw provider chunks into the small event
// vocabulary the reducer and HTTP clients consume.
//
// [Normalize] is a pure per-chunk translation; [Events] drives it over a raw
// chunk channel and applies the termination rules.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/MrWong99/dealdesk/pkg/provider/llm"
)

// EventType identifies the kind of a normalized [Event].
type EventType string

const (
	EventText             EventType = "text"
	EventToolUseStart     EventType = "tool_use_start"
	EventToolUseDelta     EventType = "tool_use_delta"
	EventContentBlockStop EventType = "content_block_stop"
	EventMessageStop      EventType = "message_stop"
)

// Event is one normalized stream event. Only the fields relevant to Type are
// set.
type Event struct {
	Type EventType `json:"type"`

	// Text is the delta for EventText.
	Text string `json:"text,omitempty"`

	// ToolUseID and Name identify the tool for EventToolUseStart. ToolUseID
	// is also set on EventToolUseDelta when the provider reports it.
	ToolUseID string `json:"toolUseId,omitempty"`
	Name      string `json:"name,omitempty"`

	// Input is the raw JSON fragment for EventToolUseDelta. Fragments are
	// not valid JSON on their own.
	Input string `json:"input,omitempty"`

	// StopReason is set for EventMessageStop.
	StopReason string `json:"stopReason,omitempty"`
}

// MarshalJSON keeps empty input fragments on the wire for delta events.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Type != EventToolUseDelta {
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		plain
		Input string `json:"input"`
	}{plain(e), e.Input})
}

// Normalize translates a single raw chunk. The boolean is false for chunks
// that carry no event (message start, usage metadata, non-tool block starts,
// errors).
func Normalize(c llm.Chunk) (Event, bool) {
	switch {
	case c.ContentBlockDelta != nil:
		d := c.ContentBlockDelta
		if d.ToolUse != nil {
			return Event{Type: EventToolUseDelta, Input: d.ToolUse.Input}, true
		}
		if d.Text != "" {
			return Event{Type: EventText, Text: d.Text}, true
		}
	case c.ContentBlockStart != nil:
		if tu := c.ContentBlockStart.ToolUse; tu != nil {
			return Event{Type: EventToolUseStart, ToolUseID: tu.ID, Name: tu.Name}, true
		}
	case c.ContentBlockStop != nil:
		return Event{Type: EventContentBlockStop}, true
	case c.MessageStop != nil:
		return Event{Type: EventMessageStop, StopReason: c.MessageStop.StopReason}, true
	}
	return Event{}, false
}

// ErrStream wraps a mid-stream failure reported by the provider.
var ErrStream = errors.New("stream: provider error")

// Events iterates chunks in order, yielding one event per meaningful chunk.
//
// Iteration ends after EventMessageStop, when the channel closes, or on the
// first error. A chunk carrying Err yields that error (wrapping [ErrStream]);
// context cancellation yields ctx.Err(). A channel that closes without a
// message stop ends silently.
func Events(ctx context.Context, chunks <-chan llm.Chunk) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			var (
				c  llm.Chunk
				ok bool
			)
			select {
			case <-ctx.Done():
				yield(Event{}, ctx.Err())
				return
			case c, ok = <-chunks:
			}
			if !ok {
				return
			}
			if c.Err != nil {
				yield(Event{}, fmt.Errorf("%w: %w", ErrStream, c.Err))
				return
			}
			ev, ok := Normalize(c)
			if !ok {
				continue
			}
			if !yield(ev, nil) {
				return
			}
			if ev.Type == EventMessageStop {
				return
			}
		}
	}
}
