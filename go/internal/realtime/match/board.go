package match

import (
	"time"
)

// SlotID is a fixed player role within a match
type SlotID string

const (
	SlotPlayerOne SlotID = "player_one"
	SlotPlayerTwo SlotID = "player_two"
)

// Slots is the fixed, ordered set of slots
var Slots = [...]SlotID{SlotPlayerOne, SlotPlayerTwo}

// ParseSlot maps a wire slot name to a SlotID
func ParseSlot(s string) (SlotID, bool) {
	switch SlotID(s) {
	case SlotPlayerOne, SlotPlayerTwo:
		return SlotID(s), true
	}
	return "", false
}

// HistoryCapacity is the number of recorded submissions kept per board
const HistoryCapacity = 10

// HistoryEntry is one server-recorded submission
type HistoryEntry struct {
	Expression string    `json:"expression"`
	Score      float64   `json:"score"`
	Value      *float64  `json:"value"`
	Cost       *int      `json:"cost,omitempty"`
	IsOptimal  bool      `json:"is_optimal"`
	RecordedAt time.Time `json:"recorded_at"`
}

// History is a fixed-capacity ring, newest entry first
type History struct {
	buf   [HistoryCapacity]HistoryEntry
	start int
	size  int
}

// Push records e as the newest entry, evicting the oldest when full
func (h *History) Push(e HistoryEntry) {
	h.start = (h.start - 1 + HistoryCapacity) % HistoryCapacity
	h.buf[h.start] = e
	if h.size < HistoryCapacity {
		h.size++
	}
}

func (h *History) Len() int { return h.size }

// Entries returns a copy, newest first
func (h *History) Entries() []HistoryEntry {
	out := make([]HistoryEntry, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%HistoryCapacity]
	}
	return out
}

func (h *History) Reset() {
	*h = History{}
}

// Board is the live state of one slot. Owner is the identity the board was built for and survives a
// temporary leave, so reassigning the same identity keeps the board.
type Board struct {
	Owner      string
	Expression string
	History    History
}

// reset empties the board for a new owner
func (b *Board) reset(owner string) {
	b.Owner = owner
	b.Expression = ""
	b.History.Reset()
}

// clear empties the board but keeps its owner
func (b *Board) clear() {
	b.Expression = ""
	b.History.Reset()
}
