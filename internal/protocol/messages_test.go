package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/antoniostano/synapse/internal/apperr"
)

func TestParseClientMessageSubmitTurn(t *testing.T) {
	raw := []byte(`{"type":"submit-turn","payload":{"conversationId":" c1 ","content":"Hello"}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if msg.ConversationID != "c1" || msg.Content != "Hello" {
		t.Fatalf("unexpected submit-turn: %+v", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat","payload":{}}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("error = %v, want validation kind", err)
	}
}

func TestParseClientMessageRejectsBadPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":          `{`,
		"missing payload":   `{"type":"submit-turn"}`,
		"blank content":     `{"type":"submit-turn","payload":{"conversationId":"c1","content":"   "}}`,
		"missing chat":      `{"type":"submit-turn","payload":{"content":"hi"}}`,
		"wrong field types": `{"type":"submit-turn","payload":{"conversationId":1,"content":true}}`,
		"oversized content": `{"type":"submit-turn","payload":{"conversationId":"c1","content":"` + strings.Repeat("a", MaxContentLength+1) + `"}}`,
	}
	for name, raw := range cases {
		_, err := ParseClientMessage([]byte(raw))
		if !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%s: error = %v, want validation error", name, err)
		}
	}
}

func TestValidationMessageUsesJSONNames(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"submit-turn","payload":{"content":"hi"}}`))
	if got := apperr.PublicMessage(err); got != "conversationId is required" {
		t.Fatalf("PublicMessage() = %q", got)
	}
}

func TestEncodeWrapsPayload(t *testing.T) {
	raw, err := Encode(TypingStatus{ConversationID: "c1", Typing: true})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var frame struct {
		Type    string       `json:"type"`
		Payload TypingStatus `json:"payload"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "typing-status" || !frame.Payload.Typing || frame.Payload.ConversationID != "c1" {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestNewTurnError(t *testing.T) {
	ev := NewTurnError("c1", apperr.Service("generation", "generation request failed", nil).WithRetryable(true))
	if ev.Kind != "service" || ev.Code != "upstream_unavailable" || !ev.Retryable {
		t.Fatalf("NewTurnError() = %+v", ev)
	}
	if ev.Message != "generation request failed" {
		t.Fatalf("Message = %q", ev.Message)
	}
	if IsCritical(TypingStatus{Typing: true}) || !IsCritical(TypingStatus{}) || !IsCritical(ev) || !IsCritical(TurnResponse{}) {
		t.Fatalf("IsCritical classification wrong")
	}
}

func BenchmarkParseClientMessageSubmitTurn(b *testing.B) {
	raw := []byte(`{"type":"submit-turn","payload":{"conversationId":"7b0e3c9a-3c44-4a8f-9a57-0c1c3f4f8f0e","content":"what did we talk about yesterday?"}}`)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ParseClientMessage(raw); err != nil {
			b.Fatal(err)
		}
	}
}
