package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/synapse/internal/apperr"
)

// MessageType identifies websocket frame variants.
type MessageType string

const (
	TypeSubmitTurn   MessageType = "submit-turn"
	TypeTypingStatus MessageType = "typing-status"
	TypeTurnResponse MessageType = "turn-response"
	TypeTurnError    MessageType = "turn-error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// MaxContentLength bounds a single inbound message.
const MaxContentLength = 16000

// Frame is the wire envelope for every websocket message.
type Frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SubmitTurn is the only inbound event: one user message.
type SubmitTurn struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
	Content        string `json:"content" validate:"required,max=16000"`
}

// Event is an outbound payload.
type Event interface {
	EventType() MessageType
}

type TypingStatus struct {
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

type TurnResponse struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// TurnError is the terminal event of a failed turn.
type TurnError struct {
	ConversationID string `json:"conversationId"`
	Code           string `json:"code"`
	Kind           string `json:"kind"`
	Message        string `json:"message"`
	Retryable      bool   `json:"retryable"`
}

func (TypingStatus) EventType() MessageType { return TypeTypingStatus }
func (TurnResponse) EventType() MessageType { return TypeTurnResponse }
func (TurnError) EventType() MessageType    { return TypeTurnError }

// IsCritical reports whether the event must be delivered even under
// backpressure. Only the typing-started hint may be dropped.
func IsCritical(ev Event) bool {
	switch e := ev.(type) {
	case TurnResponse, TurnError:
		return true
	case TypingStatus:
		return !e.Typing
	default:
		return true
	}
}

// Encode renders an outbound event as a frame.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.EventType(), err)
	}
	return json.Marshal(Frame{Type: ev.EventType(), Payload: payload})
}

// NewTurnError maps err onto the client-visible error event.
func NewTurnError(conversationID string, err error) TurnError {
	kind := apperr.KindOf(err)
	return TurnError{
		ConversationID: conversationID,
		Code:           errorCode(kind),
		Kind:           string(kind),
		Message:        apperr.PublicMessage(err),
		Retryable:      apperr.IsRetryable(err),
	}
}

func errorCode(kind apperr.Kind) string {
	switch kind {
	case apperr.KindValidation:
		return "invalid_request"
	case apperr.KindService:
		return "upstream_unavailable"
	case apperr.KindStorage:
		return "storage_unavailable"
	case apperr.KindAuthentication:
		return "unauthenticated"
	default:
		return "internal_error"
	}
}

// ParseClientMessage decodes and validates one inbound frame.
func ParseClientMessage(raw []byte) (SubmitTurn, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return SubmitTurn{}, apperr.Validation("protocol.parse", "invalid frame", err)
	}

	switch frame.Type {
	case TypeSubmitTurn:
		var msg SubmitTurn
		if len(frame.Payload) == 0 {
			return SubmitTurn{}, apperr.Validation("protocol.parse", "payload is required", nil)
		}
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return SubmitTurn{}, apperr.Validation("protocol.parse", "invalid submit-turn payload", err)
		}
		msg.ConversationID = strings.TrimSpace(msg.ConversationID)
		if strings.TrimSpace(msg.Content) == "" {
			msg.Content = ""
		}
		if err := Validate(msg); err != nil {
			return SubmitTurn{}, err
		}
		return msg, nil
	default:
		return SubmitTurn{}, apperr.Validation("protocol.parse", fmt.Sprintf("unsupported message type %q", frame.Type), ErrUnsupportedType)
	}
}
