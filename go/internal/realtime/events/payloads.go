package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Payload is implemented by every typed event payload in this package and nothing else.
type Payload interface {
	Kind() EventKind
	sealed()
}

// Participant is a room participant as serialized by the rooms API
type Participant struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// PlayerAssignmentPayload assigns every player slot at once; a nil id empties the slot.
type PlayerAssignmentPayload struct {
	PlayerOneID *string `json:"player_one_id"`
	PlayerTwoID *string `json:"player_two_id"`
}

// ParticipantJoinedPayload is the payload for a participant_joined event
type ParticipantJoinedPayload struct {
	Participant Participant `json:"participant"`
}

// ParticipantLeftPayload is the payload for a participant_left event
type ParticipantLeftPayload struct {
	UserID string `json:"user_id"`
}

// InputUpdatePayload carries the live expression of one player
type InputUpdatePayload struct {
	UserID     string `json:"user_id"`
	Slot       string `json:"slot,omitempty"`
	Expression string `json:"expression"`
}

// Submission is a server-recorded expression submission
type Submission struct {
	ID          string     `json:"id"`
	MatchID     string     `json:"match_id"`
	UserID      string     `json:"user_id"`
	Slot        string     `json:"slot,omitempty"`
	Expression  string     `json:"expression"`
	ResultValue *float64   `json:"result_value"`
	Cost        *int       `json:"cost"`
	Distance    *float64   `json:"distance"`
	IsOptimal   bool       `json:"is_optimal"`
	Score       float64    `json:"score"`
	SubmittedAt *Timestamp `json:"submitted_at"`
}

// SubmissionReceivedPayload is the payload for a submission_received event
type SubmissionReceivedPayload struct {
	MatchID    string      `json:"match_id"`
	Submission *Submission `json:"submission"`
}

// RoundStartedPayload is the payload for a round_started event
type RoundStartedPayload struct {
	MatchID      string     `json:"match_id"`
	TargetNumber *int       `json:"target_number"`
	OptimalCost  *int       `json:"optimal_cost"`
	Deadline     *Timestamp `json:"deadline"`
	CurrentIndex int        `json:"current_index"`
}

// ProblemAdvancedPayload is the payload for a problem_advanced event
type ProblemAdvancedPayload struct {
	MatchID      string     `json:"match_id"`
	ProblemIndex *int       `json:"problem_index"`
	TargetNumber *int       `json:"target_number"`
	OptimalCost  *int       `json:"optimal_cost"`
	Deadline     *Timestamp `json:"deadline"`
}

// ProblemFinishedPayload reports how one problem of the round was decided. A nil winner is a draw.
type ProblemFinishedPayload struct {
	MatchID          string      `json:"match_id"`
	ProblemIndex     *int        `json:"problem_index"`
	Reason           string      `json:"reason"`
	WinnerUserID     *string     `json:"winner_user_id"`
	WinnerSubmission *Submission `json:"winner_submission"`
}

// RoundFinishedPayload is the payload for a round_finished event
type RoundFinishedPayload struct {
	MatchID       string  `json:"match_id"`
	Reason        string  `json:"reason"`
	WinnerUserID  *string `json:"winner_user_id"`
	TotalProblems *int    `json:"total_problems"`
}

// RoomClosedPayload is the payload for a room_closed event
type RoomClosedPayload struct {
	Reason string `json:"reason"`
}

// ChatPayload is a chat message broadcast on a channel
type ChatPayload struct {
	User      string     `json:"user"`
	UserID    string     `json:"user_id"`
	Message   string     `json:"message"`
	Timestamp *Timestamp `json:"timestamp"`
	ClientID  string     `json:"client_id"`
}

// RosterUser is one connected identity in a roster snapshot
type RosterUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// RosterPayload is a full replacement snapshot of the connected identities
type RosterPayload struct {
	Users []RosterUser `json:"users"`
}

// UnhandledPayload keeps the type of a frame this client does not understand
type UnhandledPayload struct {
	Type string
}

func (PlayerAssignmentPayload) Kind() EventKind   { return KindPlayerAssignment }
func (ParticipantJoinedPayload) Kind() EventKind  { return KindParticipantJoined }
func (ParticipantLeftPayload) Kind() EventKind    { return KindParticipantLeft }
func (InputUpdatePayload) Kind() EventKind        { return KindInputUpdate }
func (SubmissionReceivedPayload) Kind() EventKind { return KindSubmissionReceived }
func (RoundStartedPayload) Kind() EventKind       { return KindRoundStarted }
func (ProblemAdvancedPayload) Kind() EventKind    { return KindProblemAdvanced }
func (ProblemFinishedPayload) Kind() EventKind    { return KindProblemFinished }
func (RoundFinishedPayload) Kind() EventKind      { return KindRoundFinished }
func (RoomClosedPayload) Kind() EventKind         { return KindRoomClosed }
func (ChatPayload) Kind() EventKind               { return KindChat }
func (RosterPayload) Kind() EventKind             { return KindRoster }
func (UnhandledPayload) Kind() EventKind          { return KindUnhandled }

func (PlayerAssignmentPayload) sealed()   {}
func (ParticipantJoinedPayload) sealed()  {}
func (ParticipantLeftPayload) sealed()    {}
func (InputUpdatePayload) sealed()        {}
func (SubmissionReceivedPayload) sealed() {}
func (RoundStartedPayload) sealed()       {}
func (ProblemAdvancedPayload) sealed()    {}
func (ProblemFinishedPayload) sealed()    {}
func (RoundFinishedPayload) sealed()      {}
func (RoomClosedPayload) sealed()         {}
func (ChatPayload) sealed()               {}
func (RosterPayload) sealed()             {}
func (UnhandledPayload) sealed()          {}

// Timestamp accepts RFC 3339 and the zone-less ISO 8601 form the API emits for naive datetimes (read as UTC).
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// TimePtr returns the timestamp as a *time.Time, nil when absent
func (t *Timestamp) TimePtr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
