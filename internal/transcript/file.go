package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type FileRecorder struct {
	path string
	mu   sync.Mutex
}

func NewFileRecorder(path string) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to init transcript file: %w", err)
	}
	_ = f.Close()
	return &FileRecorder{path: path}, nil
}

// Append writes one event, assigning an id and timestamp when missing.
func (r *FileRecorder) Append(event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open append: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(event); err != nil {
		return fmt.Errorf("encode append: %w", err)
	}
	return nil
}

func (r *FileRecorder) Load() ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readAll()
}

// LoadClient returns the last limit events of one client; limit <= 0 means all.
func (r *FileRecorder) LoadClient(clientID string, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all, err := r.readAll()
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range all {
		if ev.ClientID == clientID {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Prune drops events older than before and reports how many were removed.
func (r *FileRecorder) Prune(before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all, err := r.readAll()
	if err != nil {
		return 0, err
	}
	kept := all[:0]
	for _, ev := range all {
		if !ev.Timestamp.Before(before) {
			kept = append(kept, ev)
		}
	}
	removed := len(all) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	tmp := r.path + ".tmp"
	wf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open write: %w", err)
	}
	enc := json.NewEncoder(wf)
	for _, ev := range kept {
		if err := enc.Encode(ev); err != nil {
			_ = wf.Close()
			return 0, fmt.Errorf("encode: %w", err)
		}
	}
	if err := wf.Close(); err != nil {
		return 0, fmt.Errorf("close write: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return 0, fmt.Errorf("replace transcript: %w", err)
	}
	return removed, nil
}

// readAll skips lines that do not decode.
func (r *FileRecorder) readAll() ([]Event, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open read: %w", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	s.Buffer(buf, 10*1024*1024)
	var events []Event
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return events, nil
}
