package runtime

import (
	"sync"

	"github.com/google/uuid"

	"camlink/domain"
)

type Set map[uuid.UUID]struct{}

// Registry indexes live (non-terminal) sessions two ways:
// by owning client, and by camera object. The object index is what makes
// delete-while-transferring refusals cheap.
type Registry struct {
	mu       sync.RWMutex
	owners   map[uuid.UUID]string // session -> client
	byClient map[string]Set       // client -> sessions
	byObject map[domain.ObjectID]uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{
		owners:   make(map[uuid.UUID]string),
		byClient: make(map[string]Set),
		byObject: make(map[domain.ObjectID]uuid.UUID),
	}
}

// Track registers a session under its owning client and its camera object.
// Called when a session is queued; the reverse, Release, when it reaches a
// terminal state.
func (r *Registry) Track(session *domain.TransferSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.owners[session.ID] = session.ClientID
	if _, ok := r.byClient[session.ClientID]; !ok {
		r.byClient[session.ClientID] = make(Set)
	}
	r.byClient[session.ClientID][session.ID] = struct{}{}
	r.byObject[session.ObjectID] = session.ID
}

// Release removes a session from all indexes. It cleans up empty per-client
// sets so the maps don't grow with every client that ever connected.
func (r *Registry) Release(session *domain.TransferSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.owners, session.ID)
	if members, ok := r.byClient[session.ClientID]; ok {
		delete(members, session.ID)
		if len(members) == 0 {
			delete(r.byClient, session.ClientID)
		}
	}
	if id, ok := r.byObject[session.ObjectID]; ok && id == session.ID {
		delete(r.byObject, session.ObjectID)
	}
}

// SessionForObject reports the live session holding the object, if any.
func (r *Registry) SessionForObject(objectID domain.ObjectID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byObject[objectID]
	return id, ok
}

// Owner reports which client a live session belongs to.
func (r *Registry) Owner(sessionID uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.owners[sessionID]
	return client, ok
}

// Count reports how many sessions are currently tracked.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
