// Package auth keeps the roster of human agents allowed to receive reply
// suggestions and run admin commands.
package auth

import (
	"sort"
	"sync"
	"time"
)

type Agent struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	AddedAt   time.Time `json:"added_at"`
}

// DisplayName prefers @username, then the first name.
func (a Agent) DisplayName() string {
	switch {
	case a.Username != "":
		return "@" + a.Username
	case a.FirstName != "":
		return a.FirstName
	}
	return "agent"
}

type Repository interface {
	LoadAll() ([]Agent, error)
	Upsert(agent Agent) error
	Remove(agentID int64) error
}

// Roster is safe for concurrent use; the Telegram handlers call it from many goroutines.
type Roster struct {
	repo Repository

	mu     sync.RWMutex
	agents map[int64]Agent
}

// NewRoster preloads the repository and merges ids configured in the environment.
func NewRoster(repo Repository, initial []int64) (*Roster, error) {
	r := &Roster{repo: repo, agents: make(map[int64]Agent)}
	if repo != nil {
		agents, err := repo.LoadAll()
		if err != nil {
			return nil, err
		}
		for _, a := range agents {
			r.agents[a.ID] = a
		}
	}
	for _, id := range initial {
		if _, ok := r.agents[id]; !ok {
			r.agents[id] = Agent{ID: id}
		}
	}
	return r, nil
}

func (r *Roster) IsAgent(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// Grant adds or refreshes an agent.
func (r *Roster) Grant(a Agent) error {
	if a.AddedAt.IsZero() {
		a.AddedAt = time.Now().UTC()
	}
	r.mu.Lock()
	if prev, ok := r.agents[a.ID]; ok && !prev.AddedAt.IsZero() {
		a.AddedAt = prev.AddedAt
	}
	r.agents[a.ID] = a
	r.mu.Unlock()
	if r.repo != nil {
		return r.repo.Upsert(a)
	}
	return nil
}

func (r *Roster) Revoke(id int64) error {
	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()
	if r.repo != nil {
		return r.repo.Remove(id)
	}
	return nil
}

// List returns the agents ordered by id.
func (r *Roster) List() []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs lists agent ids in ascending order.
func (r *Roster) IDs() []int64 {
	agents := r.List()
	out := make([]int64, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}
