package service

import (
	"slices"
	"sort"
	"sync"

	"github.com/Wyydra/mesh/internal/core/domain"
)

// RoomRegistry is the authoritative room -> participants map. All mutations
// are serialized behind mu and every read returns a copy, so callers never
// hold the lock across network I/O.
type RoomRegistry struct {
	mu sync.Mutex
	// rooms keeps members in join order.
	rooms map[domain.RoomID][]domain.ParticipantRef
	// memberships is the reverse index used by disconnect cleanup.
	memberships map[domain.ParticipantID]map[domain.RoomID]struct{}
}

type JoinResult struct {
	Room             domain.RoomID
	ParticipantCount int
	Participants     []domain.ParticipantRef
	// Others is Participants without the joiner.
	Others []domain.ParticipantRef
	// Left lists the rooms the participant was moved out of.
	Left []LeaveResult
}

type LeaveResult struct {
	Room        domain.RoomID
	Participant domain.ParticipantRef
	Removed     bool
	Remaining   []domain.ParticipantRef
	RoomDeleted bool
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:       make(map[domain.RoomID][]domain.ParticipantRef),
		memberships: make(map[domain.ParticipantID]map[domain.RoomID]struct{}),
	}
}

// Join adds p to the room named raw, creating it if needed. A participant is a
// member of one room at a time: any other membership is dropped first and
// reported in JoinResult.Left. Joining the same room twice is idempotent.
func (r *RoomRegistry) Join(raw string, p domain.ParticipantRef) (JoinResult, error) {
	id, err := domain.NormalizeRoomID(raw)
	if err != nil {
		return JoinResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var left []LeaveResult
	for prev := range r.memberships[p.SocketID] {
		if prev != id {
			left = append(left, r.leaveLocked(prev, p.SocketID))
		}
	}
	sort.Slice(left, func(i, j int) bool { return left[i].Room < left[j].Room })

	members := r.rooms[id]
	if i := indexOf(members, p.SocketID); i >= 0 {
		members[i].UserID = p.UserID
	} else {
		members = append(members, p)
		r.rooms[id] = members
	}
	if r.memberships[p.SocketID] == nil {
		r.memberships[p.SocketID] = make(map[domain.RoomID]struct{})
	}
	r.memberships[p.SocketID][id] = struct{}{}

	all := slices.Clone(members)
	return JoinResult{
		Room:             id,
		ParticipantCount: len(all),
		Participants:     all,
		Others:           without(all, p.SocketID),
		Left:             left,
	}, nil
}

// Leave removes id from room. Leaving a room one is not in is a no-op.
func (r *RoomRegistry) Leave(room domain.RoomID, id domain.ParticipantID) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, id)
}

// LeaveAll removes id from every room it is recorded in.
func (r *RoomRegistry) LeaveAll(id domain.ParticipantID) []LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []LeaveResult
	for room := range r.memberships[id] {
		out = append(out, r.leaveLocked(room, id))
	}
	// stale memberships with no room entry still need the index gone
	delete(r.memberships, id)
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

func (r *RoomRegistry) leaveLocked(room domain.RoomID, id domain.ParticipantID) LeaveResult {
	res := LeaveResult{Room: room, Participant: domain.ParticipantRef{SocketID: id}}

	if rooms := r.memberships[id]; rooms != nil {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.memberships, id)
		}
	}

	members, ok := r.rooms[room]
	if !ok {
		return res
	}
	i := indexOf(members, id)
	if i < 0 {
		res.Remaining = slices.Clone(members)
		return res
	}
	res.Participant = members[i]
	res.Removed = true
	members = slices.Delete(members, i, i+1)
	if len(members) == 0 {
		delete(r.rooms, room)
		res.RoomDeleted = true
		return res
	}
	r.rooms[room] = members
	res.Remaining = slices.Clone(members)
	return res
}

// RosterOf returns a snapshot of room's members, nil for an unknown room.
func (r *RoomRegistry) RosterOf(room domain.RoomID) []domain.ParticipantRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.rooms[room])
}

func (r *RoomRegistry) IsMember(room domain.RoomID, id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.memberships[id][room]
	return ok
}

func (r *RoomRegistry) RoomsOf(id domain.ParticipantID) []domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RoomID, 0, len(r.memberships[id]))
	for room := range r.memberships[id] {
		out = append(out, room)
	}
	slices.Sort(out)
	return out
}

// ActiveRooms lists non-empty rooms, largest first.
func (r *RoomRegistry) ActiveRooms() []domain.RoomSummary {
	r.mu.Lock()
	out := make([]domain.RoomSummary, 0, len(r.rooms))
	for id, members := range r.rooms {
		out = append(out, domain.RoomSummary{RoomID: id, ParticipantCount: len(members)})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ParticipantCount != out[j].ParticipantCount {
			return out[i].ParticipantCount > out[j].ParticipantCount
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

// Stats returns the number of rooms and of memberships across them.
func (r *RoomRegistry) Stats() (rooms, participants int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, members := range r.rooms {
		participants += len(members)
	}
	return len(r.rooms), participants
}

func indexOf(members []domain.ParticipantRef, id domain.ParticipantID) int {
	return slices.IndexFunc(members, func(p domain.ParticipantRef) bool { return p.SocketID == id })
}

func without(members []domain.ParticipantRef, id domain.ParticipantID) []domain.ParticipantRef {
	out := make([]domain.ParticipantRef, 0, len(members))
	for _, m := range members {
		if m.SocketID != id {
			out = append(out, m)
		}
	}
	return out
}
