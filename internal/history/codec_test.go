package history

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/engine/internal/types"
)

func TestEncodeDecodeEventRoundTrip(t *testing.T) {
	ev := types.NewSequencedEvent(types.EventTypeTaskSucceeded, 3, time.Unix(100, 0).UTC(), &types.TaskSucceededAttributes{Result: []byte("hi")})
	line, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeEvent(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != ev.Type || got.Seq != ev.Seq || !got.HasSeq {
		t.Fatalf("got = %+v, want %+v", got, ev)
	}
	attrs, ok := got.Attributes.(*types.TaskSucceededAttributes)
	if !ok || string(attrs.Result) != "hi" {
		t.Fatalf("attributes = %+v, want Result=hi", got.Attributes)
	}
}

func TestEncodeDecodeHistoryNDJSON(t *testing.T) {
	events := []*types.HistoryEvent{
		types.NewSequencedEvent(types.EventTypeTaskScheduled, 0, time.Unix(0, 0).UTC(), &types.TaskScheduledAttributes{Name: "a"}),
		types.NewSequencedEvent(types.EventTypeTaskSucceeded, 0, time.Unix(1, 0).UTC(), &types.TaskSucceededAttributes{Result: []byte("ok")}),
	}
	blob, err := EncodeHistory(events)
	if err != nil {
		t.Fatalf("encode history: %v", err)
	}
	got, err := DecodeHistory(blob)
	if err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Type != types.EventTypeTaskScheduled || got[1].Type != types.EventTypeTaskSucceeded {
		t.Fatalf("types out of order: %+v", got)
	}
}

func TestMemoryStoreAppendIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ev := types.NewSequencedEvent(types.EventTypeTaskScheduled, 0, time.Unix(0, 0), &types.TaskScheduledAttributes{Name: "a"})
	if err := s.AppendEvents(ctx, "wf/e1", []*types.HistoryEvent{ev, ev}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendEvents(ctx, "wf/e1", []*types.HistoryEvent{ev}); err != nil {
		t.Fatalf("append again: %v", err)
	}
	got, _ := s.GetHistory(ctx, "wf/e1")
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (deduped by event id)", len(got))
	}
}
