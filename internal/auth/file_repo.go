package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileRepository stores the roster as a JSON array.
type FileRepository struct {
	path string
	mu   sync.Mutex
}

func NewFileRepository(path string) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("touch file: %w", err)
	}
	_ = f.Close()
	return &FileRepository{path: path}, nil
}

func (r *FileRepository) LoadAll() ([]Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadUnlocked()
}

func (r *FileRepository) Upsert(agent Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents, err := r.loadUnlocked()
	if err != nil {
		return err
	}
	updated := false
	for i, a := range agents {
		if a.ID == agent.ID {
			agents[i] = agent
			updated = true
			break
		}
	}
	if !updated {
		agents = append(agents, agent)
	}
	return r.saveUnlocked(agents)
}

func (r *FileRepository) Remove(agentID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents, err := r.loadUnlocked()
	if err != nil {
		return err
	}
	out := make([]Agent, 0, len(agents))
	for _, a := range agents {
		if a.ID != agentID {
			out = append(out, a)
		}
	}
	return r.saveUnlocked(out)
}

// loadUnlocked treats an empty or malformed file as an empty roster.
func (r *FileRepository) loadUnlocked() ([]Agent, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	var agents []Agent
	if err := json.NewDecoder(f).Decode(&agents); err != nil {
		return []Agent{}, nil
	}
	return agents, nil
}

func (r *FileRepository) saveUnlocked(agents []Agent) error {
	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open write: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(agents); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return os.Rename(tmp, r.path)
}
