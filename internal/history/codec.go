package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowforge/engine/internal/types"
)

// wireEvent is the on-disk shape of a HistoryEvent: Attributes is a
// polymorphic payload keyed off Type (spec.md §6 "History blob:
// newline-delimited JSON, one event per line, in append order").
type wireEvent struct {
	Type       string          `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	ID         string          `json:"id,omitempty"`
	Seq        int64           `json:"seq,omitempty"`
	HasSeq     bool            `json:"hasSeq,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// EncodeEvent marshals one HistoryEvent to a single NDJSON line (no
// trailing newline).
func EncodeEvent(ev *types.HistoryEvent) ([]byte, error) {
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return json.Marshal(wireEvent{
		Type:       ev.Type.String(),
		Timestamp:  ev.Timestamp,
		ID:         ev.ID,
		Seq:        ev.Seq,
		HasSeq:     ev.HasSeq,
		Attributes: attrs,
	})
}

// DecodeEvent parses one NDJSON line back into a HistoryEvent, resolving
// Attributes to its concrete per-type struct.
func DecodeEvent(line []byte) (*types.HistoryEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	t, ok := eventTypeByName[w.Type]
	if !ok {
		return nil, fmt.Errorf("decode event: unknown type %q", w.Type)
	}
	attrs, err := decodeAttributes(t, w.Attributes)
	if err != nil {
		return nil, fmt.Errorf("decode attributes for %s: %w", w.Type, err)
	}
	return &types.HistoryEvent{
		Type:       t,
		Timestamp:  w.Timestamp,
		ID:         w.ID,
		Seq:        w.Seq,
		HasSeq:     w.HasSeq,
		Attributes: attrs,
	}, nil
}

// EncodeHistory renders a full event slice as NDJSON.
func EncodeHistory(events []*types.HistoryEvent) ([]byte, error) {
	var buf []byte
	for _, ev := range events {
		line, err := EncodeEvent(ev)
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf, nil
}

// DecodeHistory parses an NDJSON blob back into an ordered event slice.
func DecodeHistory(blob []byte) ([]*types.HistoryEvent, error) {
	var out []*types.HistoryEvent
	start := 0
	for i := 0; i <= len(blob); i++ {
		if i == len(blob) || blob[i] == '\n' {
			if i > start {
				ev, err := DecodeEvent(blob[start:i])
				if err != nil {
					return nil, err
				}
				out = append(out, ev)
			}
			start = i + 1
		}
	}
	return out, nil
}

var eventTypeByName = func() map[string]types.EventType {
	m := make(map[string]types.EventType)
	for t := types.EventTypeUnspecified; t <= types.EventTypeTransactionRequestFailed; t++ {
		if name := t.String(); name != "Unknown" {
			m[name] = t
		}
	}
	return m
}()

func decodeAttributes(t types.EventType, raw json.RawMessage) (any, error) {
	var target any
	switch t {
	case types.EventTypeWorkflowStarted:
		target = &types.WorkflowStartedAttributes{}
	case types.EventTypeWorkflowRunStarted:
		target = &types.WorkflowRunStartedAttributes{}
	case types.EventTypeWorkflowRunCompleted:
		target = &types.WorkflowRunCompletedAttributes{}
	case types.EventTypeWorkflowSucceeded:
		target = &types.WorkflowSucceededAttributes{}
	case types.EventTypeWorkflowFailed:
		target = &types.WorkflowFailedAttributes{}
	case types.EventTypeWorkflowTimedOut:
		target = &types.WorkflowTimedOutAttributes{}
	case types.EventTypeTaskScheduled:
		target = &types.TaskScheduledAttributes{}
	case types.EventTypeTimerScheduled:
		target = &types.TimerScheduledAttributes{}
	case types.EventTypeChildWorkflowScheduled:
		target = &types.ChildWorkflowScheduledAttributes{}
	case types.EventTypeSignalSent:
		target = &types.SignalSentAttributes{}
	case types.EventTypeEventsEmitted:
		target = &types.EventsEmittedAttributes{}
	case types.EventTypeEntityRequest:
		target = &types.EntityRequestAttributes{}
	case types.EventTypeBucketRequest:
		target = &types.BucketRequestAttributes{}
	case types.EventTypeSearchRequest:
		target = &types.SearchRequestAttributes{}
	case types.EventTypeTransactionRequest:
		target = &types.TransactionRequestAttributes{}
	case types.EventTypeSignalExpectStarted:
		target = &types.SignalExpectStartedAttributes{}
	case types.EventTypeConditionStarted:
		target = &types.ConditionStartedAttributes{}
	case types.EventTypeTaskSucceeded:
		target = &types.TaskSucceededAttributes{}
	case types.EventTypeTaskFailed:
		target = &types.TaskFailedAttributes{}
	case types.EventTypeTaskHeartbeatTimedOut:
		target = &types.TaskHeartbeatTimedOutAttributes{}
	case types.EventTypeTimerCompleted:
		target = &types.TimerCompletedAttributes{}
	case types.EventTypeChildWorkflowSucceeded:
		target = &types.ChildWorkflowSucceededAttributes{}
	case types.EventTypeChildWorkflowFailed:
		target = &types.ChildWorkflowFailedAttributes{}
	case types.EventTypeSignalReceived:
		target = &types.SignalReceivedAttributes{}
	case types.EventTypeSignalTimedOut:
		target = &types.SignalTimedOutAttributes{}
	case types.EventTypeConditionTimedOut:
		target = &types.ConditionTimedOutAttributes{}
	case types.EventTypeEntityRequestSucceeded:
		target = &types.EntityRequestSucceededAttributes{}
	case types.EventTypeEntityRequestFailed:
		target = &types.EntityRequestFailedAttributes{}
	case types.EventTypeBucketRequestSucceeded:
		target = &types.BucketRequestSucceededAttributes{}
	case types.EventTypeBucketRequestFailed:
		target = &types.BucketRequestFailedAttributes{}
	case types.EventTypeSearchRequestSucceeded:
		target = &types.SearchRequestSucceededAttributes{}
	case types.EventTypeSearchRequestFailed:
		target = &types.SearchRequestFailedAttributes{}
	case types.EventTypeTransactionRequestSucceeded:
		target = &types.TransactionRequestSucceededAttributes{}
	case types.EventTypeTransactionRequestFailed:
		target = &types.TransactionRequestFailedAttributes{}
	default:
		return nil, fmt.Errorf("unhandled event type %s", t)
	}
	if len(raw) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, err
	}
	return target, nil
}
