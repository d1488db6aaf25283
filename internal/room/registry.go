package room

import "sync"

// Handle is the transport-owned send endpoint for one client connection.
//
// The registry stores handles and indexes memberships by handle identity, so
// implementations must be comparable (in practice, pointer types). Send must
// be safe for concurrent use and must not block indefinitely; a failed or
// dropped send is the sender's problem, not the registry's.
type Handle interface {
	Send(msg any) error
}

// Member pairs a participant ID with its current handle.
type Member struct {
	UserID string
	Handle Handle
}

// Membership names one (room, participant) entry.
type Membership struct {
	RoomID string
	UserID string
}

// Removal describes one membership removed by RemoveAllForHandle, together
// with a snapshot of the members remaining in that room after removal.
type Removal struct {
	RoomID    string
	UserID    string
	Remaining []Member
}

// Registry is the sole owner of room membership state.
//
// rooms maps roomID -> participantID -> handle. byHandle is the reverse
// index used for disconnect cleanup; it is updated in the same critical
// section as rooms, so the two can never disagree.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]map[string]Handle
	byHandle map[Handle]map[Membership]struct{}

	// maxPerRoom caps room size. 0 means unlimited.
	maxPerRoom int
}

func NewRegistry(maxParticipantsPerRoom int) *Registry {
	return &Registry{
		rooms:      make(map[string]map[string]Handle),
		byHandle:   make(map[Handle]map[Membership]struct{}),
		maxPerRoom: maxParticipantsPerRoom,
	}
}

// Join inserts (or replaces, last-writer-wins) the participant's handle in
// the room, creating the room if absent. It returns a snapshot of the other
// members at insertion time, for the caller to notify, and whether the join
// was admitted. A join is refused only when the room is at capacity and the
// participant is not already a member.
//
// On replacement the superseded handle's reverse-index entry is dropped, so
// a later close of that handle cleans up nothing here. The registry never
// closes the superseded handle; the transport owns its lifecycle.
func (r *Registry) Join(roomID, userID string, h Handle) (others []Member, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]Handle)
		r.rooms[roomID] = members
	}

	prev, replacing := members[userID]
	if !replacing && r.maxPerRoom > 0 && len(members) >= r.maxPerRoom {
		return nil, false
	}
	if replacing {
		r.unindexLocked(prev, Membership{RoomID: roomID, UserID: userID})
	}

	members[userID] = h
	r.indexLocked(h, Membership{RoomID: roomID, UserID: userID})

	others = make([]Member, 0, len(members)-1)
	for id, handle := range members {
		if id == userID {
			continue
		}
		others = append(others, Member{UserID: id, Handle: handle})
	}
	return others, true
}

// Leave removes the participant from the room if present and reports whether
// a removal happened, along with a snapshot of the remaining members. The
// room is deleted when its last participant leaves.
func (r *Registry) Leave(roomID, userID string) (removed bool, remaining []Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return false, nil
	}
	h, ok := members[userID]
	if !ok {
		return false, nil
	}

	delete(members, userID)
	r.unindexLocked(h, Membership{RoomID: roomID, UserID: userID})

	if len(members) == 0 {
		delete(r.rooms, roomID)
		return true, nil
	}

	remaining = make([]Member, 0, len(members))
	for id, handle := range members {
		remaining = append(remaining, Member{UserID: id, Handle: handle})
	}
	return true, remaining
}

// Lookup resolves a participant's handle within a room.
func (r *Registry) Lookup(roomID, userID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	h, ok := members[userID]
	return h, ok
}

// Participants returns the participant IDs currently in the room. A missing
// room yields an empty slice. Ordering is arbitrary.
func (r *Registry) Participants(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[roomID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// RemoveAllForHandle removes every membership registered under the handle
// and returns one Removal per removed membership, each with the members
// remaining in that room. It is idempotent: once a handle's memberships are
// gone (via Leave, replacement, or a prior call), it returns nil.
func (r *Registry) RemoveAllForHandle(h Handle) []Removal {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.byHandle[h]
	if !ok {
		return nil
	}
	delete(r.byHandle, h)

	removals := make([]Removal, 0, len(entries))
	for m := range entries {
		members, ok := r.rooms[m.RoomID]
		if !ok {
			continue
		}
		// Guard against a concurrent replace: only remove the entry if it still
		// points at this handle.
		if members[m.UserID] != h {
			continue
		}
		delete(members, m.UserID)

		removal := Removal{RoomID: m.RoomID, UserID: m.UserID}
		if len(members) == 0 {
			delete(r.rooms, m.RoomID)
		} else {
			removal.Remaining = make([]Member, 0, len(members))
			for id, handle := range members {
				removal.Remaining = append(removal.Remaining, Member{UserID: id, Handle: handle})
			}
		}
		removals = append(removals, removal)
	}
	if len(removals) == 0 {
		return nil
	}
	return removals
}

// HasRoom reports whether the room currently exists (i.e. has members).
func (r *Registry) HasRoom(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) indexLocked(h Handle, m Membership) {
	entries := r.byHandle[h]
	if entries == nil {
		entries = make(map[Membership]struct{})
		r.byHandle[h] = entries
	}
	entries[m] = struct{}{}
}

func (r *Registry) unindexLocked(h Handle, m Membership) {
	entries, ok := r.byHandle[h]
	if !ok {
		return
	}
	delete(entries, m)
	if len(entries) == 0 {
		delete(r.byHandle, h)
	}
}
