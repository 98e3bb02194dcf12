package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileRecorder_AppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "nested", "transcript.jsonl")
	rec, err := NewFileRecorder(p)
	if err != nil {
		t.Fatalf("init recorder: %v", err)
	}

	ev1 := Event{Timestamp: time.Unix(1, 0).UTC(), ClientID: "1", Message: "где заказ", Reply: "уже в пути", AutoSent: true}
	ev2 := Event{Timestamp: time.Unix(2, 0).UTC(), ClientID: "2", Message: "привет"}
	if err := rec.Append(ev1); err != nil {
		t.Fatalf("append1: %v", err)
	}
	if err := rec.Append(ev2); err != nil {
		t.Fatalf("append2: %v", err)
	}

	events, err := rec.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("want 2, got %d", len(events))
	}
	if events[0].ClientID != "1" || events[1].ClientID != "2" {
		t.Fatalf("order mismatch: %+v", events)
	}
	if events[0].ID == "" || events[0].ID == events[1].ID {
		t.Fatalf("ids not assigned: %q %q", events[0].ID, events[1].ID)
	}
	if !events[0].AutoSent {
		t.Fatalf("auto_sent lost")
	}

	st, err := os.Stat(p)
	if err != nil || st.Size() == 0 {
		t.Fatalf("file not written")
	}
}

func TestFileRecorder_LoadClient(t *testing.T) {
	rec, err := NewFileRecorder(filepath.Join(t.TempDir(), "t.jsonl"))
	if err != nil {
		t.Fatalf("init recorder: %v", err)
	}
	for i, client := range []string{"a", "b", "a", "a"} {
		if err := rec.Append(Event{Timestamp: time.Unix(int64(i), 0), ClientID: client, Message: client}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := rec.LoadClient("a", 2)
	if err != nil {
		t.Fatalf("load client: %v", err)
	}
	if len(got) != 2 || got[0].Timestamp.Unix() != 2 || got[1].Timestamp.Unix() != 3 {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestFileRecorder_PruneAndSkipCorrupt(t *testing.T) {
	p := filepath.Join(t.TempDir(), "t.jsonl")
	rec, err := NewFileRecorder(p)
	if err != nil {
		t.Fatalf("init recorder: %v", err)
	}
	_ = rec.Append(Event{Timestamp: time.Unix(10, 0), ClientID: "old"})
	f, _ := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o644)
	_, _ = f.WriteString("{not json\n")
	_ = f.Close()
	_ = rec.Append(Event{Timestamp: time.Unix(100, 0), ClientID: "new"})

	n, err := rec.Prune(time.Unix(50, 0))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 pruned, got %d", n)
	}
	events, _ := rec.Load()
	if len(events) != 1 || events[0].ClientID != "new" {
		t.Fatalf("unexpected events after prune: %+v", events)
	}
}
