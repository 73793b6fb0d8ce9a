package registry

import (
	"time"

	"marketplace/pkg/types"
)

// Roster is the registry of participants for a single role.
type Roster struct {
	role  types.Role
	cache *Cache[types.ParticipantID, types.Participant]
	now   func() time.Time
}

// NewRoster creates a roster for role. onEvict, when set, is told about every
// participant dropped by the capacity policy.
func NewRoster(role types.Role, capacity int, onEvict func(types.Participant)) (*Roster, error) {
	var cb EvictFunc[types.ParticipantID, types.Participant]
	if onEvict != nil {
		cb = func(_ types.ParticipantID, p types.Participant) { onEvict(p) }
	}
	cache, err := NewCache[types.ParticipantID, types.Participant](capacity, cb)
	if err != nil {
		return nil, err
	}
	return &Roster{role: role, cache: cache, now: time.Now}, nil
}

func (r *Roster) Role() types.Role { return r.role }

// TouchOrCreate records that id was heard from at endpoint. An existing
// record keeps its identity and FirstSeen and only has its endpoint and
// LastSeen refreshed. The returned bool is true when the record was created.
func (r *Roster) TouchOrCreate(id types.ParticipantID, endpoint types.Endpoint) (types.Participant, bool) {
	now := r.now()
	p, existed := r.cache.Upsert(id, func(old types.Participant, exists bool) types.Participant {
		if !exists {
			old = types.Participant{ID: id, Role: r.role, FirstSeen: now}
		}
		old.Endpoint = endpoint
		old.LastSeen = now
		return old
	})
	return p, !existed
}

// Get looks up a participant and counts as a touch.
func (r *Roster) Get(id types.ParticipantID) (types.Participant, bool) {
	return r.cache.Get(id)
}

// Values returns the current members, oldest first. Order carries no meaning
// for callers.
func (r *Roster) Values() []types.Participant {
	return r.cache.Values()
}

func (r *Roster) Len() int { return r.cache.Len() }
