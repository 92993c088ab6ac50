package roomclient

import (
	"context"
	"net/http"
	"sync"

	"roomops/internal/artifacts"
	"roomops/internal/domain"
)

// Memory is an in-process Runtime. It backs `serve --memory`, local dry runs
// and tests. Faults, when set, runs before every call and may block or fail it.
type Memory struct {
	Faults func(ctx context.Context, op, key string) error

	mu     sync.Mutex
	rooms  map[string]*memRoom
	counts map[string]int
}

type memRoom struct {
	entities  []domain.EntityState
	artifacts []domain.ArtifactState
	policies  map[string]string
}

func NewMemory() *Memory {
	return &Memory{rooms: map[string]*memRoom{}, counts: map[string]int{}}
}

// Put replaces the stored state of a room.
func (m *Memory) Put(state domain.RoomState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &memRoom{policies: map[string]string{}}
	r.entities = append(r.entities, state.Entities...)
	r.artifacts = append(r.artifacts, state.Artifacts...)
	for k, v := range state.Policies {
		r.policies[k] = v
	}
	m.rooms[state.RoomID] = r
}

// Calls returns how many successful calls of op were made.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[op]
}

func (m *Memory) fault(ctx context.Context, op, key string) error {
	if m.Faults == nil {
		return nil
	}
	return m.Faults(ctx, op, key)
}

func (m *Memory) room(roomID string) *memRoom {
	r, ok := m.rooms[roomID]
	if !ok {
		r = &memRoom{policies: map[string]string{}}
		m.rooms[roomID] = r
	}
	return r
}

func (m *Memory) GetState(ctx context.Context, roomID string) (domain.RoomState, error) {
	if err := m.fault(ctx, "get_state", roomID); err != nil {
		return domain.RoomState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts["get_state"]++
	r := m.room(roomID)
	st := domain.RoomState{
		RoomID:    roomID,
		Entities:  append([]domain.EntityState{}, r.entities...),
		Artifacts: append([]domain.ArtifactState{}, r.artifacts...),
		Policies:  map[string]string{},
	}
	for k, v := range r.policies {
		st.Policies[k] = v
	}
	return st, nil
}

func (m *Memory) JoinEntity(ctx context.Context, roomID string, entity domain.EntitySpec) error {
	if err := m.fault(ctx, "join", entity.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(roomID)
	for _, e := range r.entities {
		if e.ID == entity.ID {
			return nil
		}
	}
	m.counts["join"]++
	r.entities = append(r.entities, domain.EntityState{
		ID:          entity.ID,
		Kind:        entity.Kind,
		DisplayName: entity.DisplayName,
		Visibility:  entity.Visibility,
		Connected:   true,
	})
	return nil
}

func (m *Memory) KickEntity(ctx context.Context, roomID, entityID string) error {
	if err := m.fault(ctx, "kick", entityID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(roomID)
	for i, e := range r.entities {
		if e.ID == entityID {
			m.counts["kick"]++
			r.entities = append(r.entities[:i], r.entities[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) GetArtifactHash(ctx context.Context, roomID, name string) (string, bool, error) {
	if err := m.fault(ctx, "get_artifact", name); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.room(roomID).artifacts {
		if a.Name == name {
			return a.ContentHash, true, nil
		}
	}
	return "", false, nil
}

func (m *Memory) SeedArtifact(ctx context.Context, roomID string, a domain.ArtifactSeedSpec, content []byte) error {
	if err := m.fault(ctx, "seed", a.Name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts["seed"]++
	r := m.room(roomID)
	next := domain.ArtifactState{
		Name:        a.Name,
		Type:        a.Type,
		Workspace:   a.Workspace,
		ContentHash: artifacts.Fingerprint(a, content),
	}
	for i, cur := range r.artifacts {
		if cur.Name == a.Name {
			next.Promoted = cur.Promoted && cur.ContentHash == next.ContentHash
			r.artifacts[i] = next
			return nil
		}
	}
	r.artifacts = append(r.artifacts, next)
	return nil
}

func (m *Memory) PromoteArtifact(ctx context.Context, roomID, name string) error {
	if err := m.fault(ctx, "promote", name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(roomID)
	for i := range r.artifacts {
		if r.artifacts[i].Name == name {
			m.counts["promote"]++
			r.artifacts[i].Promoted = true
			return nil
		}
	}
	return &APIError{StatusCode: http.StatusNotFound, Code: CodeNotFound, Message: "artifact " + name + " not found"}
}

func (m *Memory) DeleteArtifact(ctx context.Context, roomID, name string) error {
	if err := m.fault(ctx, "delete", name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(roomID)
	for i, a := range r.artifacts {
		if a.Name == name {
			m.counts["delete"]++
			r.artifacts = append(r.artifacts[:i], r.artifacts[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) ApplyPolicy(ctx context.Context, roomID, policyName, value string) error {
	if err := m.fault(ctx, "policy", policyName); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts["policy"]++
	m.room(roomID).policies[policyName] = value
	return nil
}

var (
	_ Runtime = (*Memory)(nil)
	_ Runtime = (*HTTPClient)(nil)
)
