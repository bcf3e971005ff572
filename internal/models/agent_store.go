package models

import (
	"errors"
	"sort"
	"sync/atomic"
)

// ErrNotFound is returned when an entity is not found in the data store
var ErrNotFound = errors.New("entity not found")

// AgentStore provides thread-safe access to agent configurations.
// Reads happen on the bid path and never take a lock.
type AgentStore interface {
	// Read operations (hot path)
	Get(agentID int) *AgentConfig
	GetAll() []*AgentConfig
	Version() uint64

	// Write operations (reload path)
	ReloadAll(agents []AgentConfig) error
	Upsert(agent AgentConfig) error
	Delete(agentID int) error
}

// agentSnapshot represents an immutable snapshot of all agent configurations
type agentSnapshot struct {
	version uint64
	agents  []*AgentConfig       // Sorted by ID
	index   map[int]*AgentConfig // Agent ID -> AgentConfig
}

// InMemoryAgentStore implements AgentStore with atomic snapshot updates
type InMemoryAgentStore struct {
	data atomic.Pointer[agentSnapshot]
}

// NewInMemoryAgentStore creates a new AgentStore instance
func NewInMemoryAgentStore() *InMemoryAgentStore {
	store := &InMemoryAgentStore{}
	store.data.Store(&agentSnapshot{index: make(map[int]*AgentConfig)})
	return store
}

// Get retrieves an agent configuration by ID
func (s *InMemoryAgentStore) Get(agentID int) *AgentConfig {
	return s.data.Load().index[agentID]
}

// GetAll returns every agent configuration ordered by ID. The returned slice
// is a copy; the configurations it points to must not be modified.
func (s *InMemoryAgentStore) GetAll() []*AgentConfig {
	data := s.data.Load()
	result := make([]*AgentConfig, len(data.agents))
	copy(result, data.agents)
	return result
}

// Version increases every time the store contents change.
func (s *InMemoryAgentStore) Version() uint64 {
	return s.data.Load().version
}

// ReloadAll atomically replaces all agent configurations
func (s *InMemoryAgentStore) ReloadAll(agents []AgentConfig) error {
	list := make([]*AgentConfig, 0, len(agents))
	for i := range agents {
		a := agents[i]
		list = append(list, &a)
	}
	s.swap(func() []*AgentConfig { return list })
	return nil
}

// Upsert inserts or replaces one agent configuration.
func (s *InMemoryAgentStore) Upsert(agent AgentConfig) error {
	s.swap(func() []*AgentConfig {
		current := s.data.Load()
		list := make([]*AgentConfig, 0, len(current.agents)+1)
		for _, a := range current.agents {
			if a.ID != agent.ID {
				list = append(list, a)
			}
		}
		return append(list, &agent)
	})
	return nil
}

// Delete removes an agent configuration
func (s *InMemoryAgentStore) Delete(agentID int) error {
	current := s.data.Load()
	if _, ok := current.index[agentID]; !ok {
		return ErrNotFound
	}
	s.swap(func() []*AgentConfig {
		list := make([]*AgentConfig, 0, len(current.agents))
		for _, a := range current.agents {
			if a.ID != agentID {
				list = append(list, a)
			}
		}
		return list
	})
	return nil
}

// swap builds a new snapshot from the agent list returned by build and
// publishes it. Writers are expected to be serialized by the reload path.
func (s *InMemoryAgentStore) swap(build func() []*AgentConfig) {
	current := s.data.Load()
	list := build()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	index := make(map[int]*AgentConfig, len(list))
	for _, a := range list {
		index[a.ID] = a
	}
	s.data.Store(&agentSnapshot{
		version: current.version + 1,
		agents:  list,
		index:   index,
	})
}
