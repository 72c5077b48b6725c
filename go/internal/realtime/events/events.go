package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind is the "type" discriminator of a frame pushed by the server
type EventKind string

const (
	KindPlayerAssignment   EventKind = "player_assignment"
	KindParticipantJoined  EventKind = "participant_joined"
	KindParticipantLeft    EventKind = "participant_left"
	KindInputUpdate        EventKind = "input_update"
	KindSubmissionReceived EventKind = "submission_received"
	KindRoundStarted       EventKind = "round_started"
	KindProblemAdvanced    EventKind = "problem_advanced"
	KindProblemFinished    EventKind = "problem_finished"
	KindRoundFinished      EventKind = "round_finished"
	KindRoomClosed         EventKind = "room_closed"
	KindChat               EventKind = "chat"
	KindRoster             EventKind = "roster"

	// KindUnhandled marks a frame whose type this client does not know yet.
	KindUnhandled EventKind = "unhandled"
)

var knownKinds = []EventKind{
	KindPlayerAssignment,
	KindParticipantJoined,
	KindParticipantLeft,
	KindInputUpdate,
	KindSubmissionReceived,
	KindRoundStarted,
	KindProblemAdvanced,
	KindProblemFinished,
	KindRoundFinished,
	KindRoomClosed,
	KindChat,
	KindRoster,
}

// Known returns every event kind the codec decodes into a typed payload
func Known() []EventKind {
	out := make([]EventKind, len(knownKinds))
	copy(out, knownKinds)
	return out
}

// Echoable reports whether frames of this kind can be echoes of a locally originated action.
func (k EventKind) Echoable() bool {
	return k == KindChat || k == KindInputUpdate
}

// Envelope is a decoded inbound frame
type Envelope struct {
	Kind     EventKind
	ClientID string
	Payload  Payload
	Raw      json.RawMessage
}

var (
	ErrMissingType   = errors.New("missing type discriminator")
	ErrMissingField  = errors.New("missing required field")
	ErrMalformedJSON = errors.New("malformed frame")
)

// DecodeError describes a frame that could not be decoded. It is never fatal to a session.
type DecodeError struct {
	Kind EventKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("decode frame: %v", e.Err)
	}
	return fmt.Sprintf("decode %s frame: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses a raw frame into an Envelope. Unknown kinds decode into UnhandledPayload.
func Decode(raw []byte) (Envelope, error) {
	var head struct {
		Type     string `json:"type"`
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Envelope{}, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformedJSON, err)}
	}
	if head.Type == "" {
		return Envelope{}, &DecodeError{Err: ErrMissingType}
	}

	kind := EventKind(head.Type)
	payload, err := decodePayload(kind, raw)
	if err != nil {
		return Envelope{}, &DecodeError{Kind: kind, Err: err}
	}

	return Envelope{
		Kind:     payload.Kind(),
		ClientID: head.ClientID,
		Payload:  payload,
		Raw:      append(json.RawMessage(nil), raw...),
	}, nil
}

func decodePayload(kind EventKind, raw []byte) (Payload, error) {
	switch kind {
	case KindPlayerAssignment:
		return decodeAs[PlayerAssignmentPayload](raw, nil)

	case KindParticipantJoined:
		return decodeAs(raw, func(p ParticipantJoinedPayload) error {
			if p.Participant.UserID == "" {
				return fmt.Errorf("%w: participant.user_id", ErrMissingField)
			}
			return nil
		})

	case KindParticipantLeft:
		return decodeAs(raw, func(p ParticipantLeftPayload) error {
			if p.UserID == "" {
				return fmt.Errorf("%w: user_id", ErrMissingField)
			}
			return nil
		})

	case KindInputUpdate:
		return decodeAs(raw, func(p InputUpdatePayload) error {
			if p.UserID == "" && p.Slot == "" {
				return fmt.Errorf("%w: user_id or slot", ErrMissingField)
			}
			return nil
		})

	case KindSubmissionReceived:
		return decodeAs(raw, func(p SubmissionReceivedPayload) error {
			if p.Submission == nil {
				return fmt.Errorf("%w: submission", ErrMissingField)
			}
			if p.Submission.UserID == "" && p.Submission.Slot == "" {
				return fmt.Errorf("%w: submission.user_id or submission.slot", ErrMissingField)
			}
			if p.Submission.Expression == "" {
				return fmt.Errorf("%w: submission.expression", ErrMissingField)
			}
			return nil
		})

	case KindRoundStarted:
		return decodeAs[RoundStartedPayload](raw, nil)

	case KindProblemAdvanced:
		return decodeAs[ProblemAdvancedPayload](raw, nil)

	case KindProblemFinished:
		return decodeAs(raw, func(p ProblemFinishedPayload) error {
			if p.WinnerSubmission != nil && p.WinnerSubmission.UserID == "" && p.WinnerSubmission.Slot == "" {
				return fmt.Errorf("%w: winner_submission.user_id or winner_submission.slot", ErrMissingField)
			}
			return nil
		})

	case KindRoundFinished:
		return decodeAs[RoundFinishedPayload](raw, nil)

	case KindRoomClosed:
		return decodeAs[RoomClosedPayload](raw, nil)

	case KindChat:
		return decodeAs(raw, func(p ChatPayload) error {
			if p.Message == "" {
				return fmt.Errorf("%w: message", ErrMissingField)
			}
			return nil
		})

	case KindRoster:
		return decodeAs(raw, func(p RosterPayload) error {
			if p.Users == nil {
				return fmt.Errorf("%w: users", ErrMissingField)
			}
			return nil
		})

	default:
		return UnhandledPayload{Type: string(kind)}, nil
	}
}

func decodeAs[T Payload](raw []byte, validate func(T) error) (Payload, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if validate != nil {
		if err := validate(payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// ChatFrame is the only frame the client writes to the push channel
type ChatFrame struct {
	Type     EventKind `json:"type"`
	Message  string    `json:"message"`
	ClientID string    `json:"client_id"`
}

// EncodeChat builds an outbound chat frame
func EncodeChat(message, clientID string) ([]byte, error) {
	data, err := json.Marshal(ChatFrame{Type: KindChat, Message: message, ClientID: clientID})
	if err != nil {
		return nil, fmt.Errorf("encode chat frame: %w", err)
	}
	return data, nil
}
