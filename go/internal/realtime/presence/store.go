package presence

import (
	"github.com/mcdev12/mathduel/go/internal/realtime/events"
)

// Entry is one connected identity
type Entry struct {
	IdentityID  string `json:"user_id"`
	DisplayName string `json:"username"`
}

// FromRoster converts a roster payload into entries
func FromRoster(p events.RosterPayload) []Entry {
	out := make([]Entry, 0, len(p.Users))
	for _, u := range p.Users {
		out = append(out, Entry{IdentityID: u.UserID, DisplayName: u.Username})
	}
	return out
}

// FromParticipant converts a joined participant into an entry
func FromParticipant(p events.Participant) Entry {
	return Entry{IdentityID: p.UserID, DisplayName: p.Username}
}

// Store is the roster of one channel. Snapshots replace it; joins and leaves are advisory hints
// applied immediately. Not safe for concurrent use.
type Store struct {
	entries []Entry
	index   map[string]int

	leaveListeners []func(identityID string)
}

func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// OnLeave registers fn to run after a successful ApplyLeave
func (s *Store) OnLeave(fn func(identityID string)) {
	s.leaveListeners = append(s.leaveListeners, fn)
}

// ApplySnapshot replaces the roster. Entries without an id are dropped and the first
// occurrence of a repeated id wins.
func (s *Store) ApplySnapshot(entries []Entry) {
	s.entries = make([]Entry, 0, len(entries))
	s.index = make(map[string]int, len(entries))
	for _, e := range entries {
		if e.IdentityID == "" {
			continue
		}
		if _, dup := s.index[e.IdentityID]; dup {
			continue
		}
		s.index[e.IdentityID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
}

// ApplyJoin adds e and reports whether it was new. Duplicate joins are no-ops.
func (s *Store) ApplyJoin(e Entry) bool {
	if e.IdentityID == "" {
		return false
	}
	if _, ok := s.index[e.IdentityID]; ok {
		return false
	}
	s.index[e.IdentityID] = len(s.entries)
	s.entries = append(s.entries, e)
	return true
}

// ApplyLeave removes identityID and notifies leave listeners when it was present
func (s *Store) ApplyLeave(identityID string) bool {
	i, ok := s.index[identityID]
	if !ok {
		return false
	}

	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	delete(s.index, identityID)
	for j := i; j < len(s.entries); j++ {
		s.index[s.entries[j].IdentityID] = j
	}

	for _, fn := range s.leaveListeners {
		fn(identityID)
	}
	return true
}

// Entries returns a copy of the roster in order
func (s *Store) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) Contains(identityID string) bool {
	_, ok := s.index[identityID]
	return ok
}

func (s *Store) Len() int { return len(s.entries) }

// DisplayName returns the name for identityID, or the id itself when unknown or unnamed
func (s *Store) DisplayName(identityID string) string {
	if i, ok := s.index[identityID]; ok && s.entries[i].DisplayName != "" {
		return s.entries[i].DisplayName
	}
	return identityID
}
