package server

import (
	"fmt"
	"sort"
	"sync"
)

// Directory is the registry of nicknames and room membership. A single mutex
// guards the nickname index, the room index and every session's room field,
// so a session is never observed in two rooms or in a room after it left.
//
// Methods return snapshots; callers send notifications after the lock is
// released.
type Directory struct {
	mu        sync.Mutex
	nicknames map[string]*Session
	rooms     map[string]map[*Session]struct{}
}

// JoinResult describes the membership change made by Join.
type JoinResult struct {
	// Previous is the room the session left, or "".
	Previous string
	// PreviousPeers are the members still in Previous.
	PreviousPeers []*Session
	// Peers are the other members of the joined room.
	Peers []*Session
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		nicknames: make(map[string]*Session),
		rooms:     make(map[string]map[*Session]struct{}),
	}
}

// Register claims nick for s. The uniqueness check and the insert happen
// under one lock acquisition.
func (d *Directory) Register(s *Session, nick string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, taken := d.nicknames[nick]; taken {
		return fmt.Errorf("%w: %s", ErrNicknameTaken, nick)
	}
	d.nicknames[nick] = s
	s.setNickname(nick)
	return nil
}

// Unregister removes s from its room and releases its nickname. It returns
// the room s was in and the members remaining there.
func (d *Directory) Unregister(s *Session) (string, []*Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, peers := d.leaveLocked(s)

	nick := s.Nickname()
	if owner, ok := d.nicknames[nick]; ok && owner == s {
		delete(d.nicknames, nick)
	}
	return room, peers
}

// Join moves s into room, leaving its current room first. Rejoining the
// current room is treated as a leave followed by a join. It returns
// ErrNotRegistered when s no longer owns its nickname, so a session that is
// being disconnected cannot re-enter a room.
func (d *Directory) Join(s *Session, room string) (JoinResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var res JoinResult
	if !d.ownsNicknameLocked(s) {
		return res, ErrNotRegistered
	}
	res.Previous, res.PreviousPeers = d.leaveLocked(s)

	members, ok := d.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		d.rooms[room] = members
	}
	res.Peers = snapshotMembers(members)
	members[s] = struct{}{}
	s.room = room

	return res, nil
}

// Leave removes s from its room. It returns ErrNotInRoom when s was not in
// a room.
func (d *Directory) Leave(s *Session) (string, []*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, peers := d.leaveLocked(s)
	if room == "" {
		return "", nil, ErrNotInRoom
	}
	return room, peers, nil
}

func (d *Directory) ownsNicknameLocked(s *Session) bool {
	nick := s.Nickname()
	return nick != "" && d.nicknames[nick] == s
}

// leaveLocked removes s from its room, deletes the room if it became empty,
// and clears s.room unconditionally.
func (d *Directory) leaveLocked(s *Session) (string, []*Session) {
	room := s.room
	s.room = ""
	if room == "" {
		return "", nil
	}

	members, ok := d.rooms[room]
	if !ok {
		return room, nil
	}
	delete(members, s)
	if len(members) == 0 {
		delete(d.rooms, room)
		return room, nil
	}
	return room, snapshotMembers(members)
}

// Lookup resolves a nickname.
func (d *Directory) Lookup(nick string) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.nicknames[nick]
	return s, ok
}

// RoomOf returns the room s is in, or "".
func (d *Directory) RoomOf(s *Session) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return s.room
}

// Members returns a copy of the room's current membership.
func (d *Directory) Members(room string) []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return snapshotMembers(d.rooms[room])
}

// Prune removes s from room after a failed delivery. It reports whether s
// was still a member.
func (d *Directory) Prune(room string, s *Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s.room != room {
		return false
	}
	d.leaveLocked(s)
	return true
}

// Snapshot returns every registered user with their room and every room with
// its member count, each sorted by name.
func (d *Directory) Snapshot() ([]UserEntry, []RoomEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	users := make([]UserEntry, 0, len(d.nicknames))
	for nick, s := range d.nicknames {
		users = append(users, UserEntry{Nickname: nick, Room: s.room})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Nickname < users[j].Nickname })

	rooms := make([]RoomEntry, 0, len(d.rooms))
	for name, members := range d.rooms {
		rooms = append(rooms, RoomEntry{Name: name, Members: len(members)})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })

	return users, rooms
}

// Sessions returns every registered session.
func (d *Directory) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	sessions := make([]*Session, 0, len(d.nicknames))
	for _, s := range d.nicknames {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of registered nicknames.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.nicknames)
}

// DeleteRoom removes room and clears its members' room reference. It
// returns the former members, or nil if the room did not exist.
func (d *Directory) DeleteRoom(room string) []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleteRoomLocked(room)
}

// ClearRooms deletes every room and returns the former members by room.
func (d *Directory) ClearRooms() map[string][]*Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	cleared := make(map[string][]*Session, len(d.rooms))
	for name := range d.rooms {
		cleared[name] = d.deleteRoomLocked(name)
	}
	return cleared
}

func (d *Directory) deleteRoomLocked(room string) []*Session {
	members, ok := d.rooms[room]
	if !ok {
		return nil
	}
	delete(d.rooms, room)

	sessions := snapshotMembers(members)
	for _, s := range sessions {
		s.room = ""
	}
	return sessions
}

func snapshotMembers(members map[*Session]struct{}) []*Session {
	out := make([]*Session, 0, len(members))
	for s := range members {
		out = append(out, s)
	}
	return out
}
