package events

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the event union carried over a channel.
type Kind string

const (
	KindChatMessage Kind = "chat_message"
	KindTyping      Kind = "typing"
	KindCallSignal  Kind = "call_signal"
	KindDateInvite  Kind = "date_invite"
	KindDateResult  Kind = "date_result"
	KindUnknown     Kind = "unknown"
)

// CallKind is the wire discriminator of a call signaling event.
type CallKind string

const (
	CallRequest  CallKind = "call_request"
	CallResponse CallKind = "call_response"
	CallCancel   CallKind = "call_cancel"
	CallOffer    CallKind = "offer"
	CallAnswer   CallKind = "answer"
	CallICE      CallKind = "ice-candidate"
)

// ChatMessage is a plain chat message. Legacy streams frame it bare,
// with no discriminator field at all.
type ChatMessage struct {
	ID        int64  `json:"id,omitempty"`
	SenderID  int64  `json:"sender_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// TypingSignal reports a peer starting or stopping typing.
type TypingSignal struct {
	Event    string `json:"event"`
	Username string `json:"username"`
	IsTyping bool   `json:"typing"`
}

// DateInviteStatus is the lifecycle state of a date proposal.
type DateInviteStatus string

const (
	DateInviteNone     DateInviteStatus = "none"
	DateInvitePending  DateInviteStatus = "pending"
	DateInviteAccepted DateInviteStatus = "accepted"
	DateInviteDeclined DateInviteStatus = "declined"
)

// DateInviteEvent is a date-proposal lifecycle event embedded in the
// chat stream.
type DateInviteEvent struct {
	Type       string           `json:"type"`
	SenderID   int64            `json:"sender_id"`
	SenderName string           `json:"sender_name,omitempty"`
	Status     DateInviteStatus `json:"status"`
}

// DateResultEvent carries the outcome of the preference matching after
// both sides accepted a date proposal.
type DateResultEvent struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CallSignal is one call-negotiation event relayed over the shared
// per-conversation signaling channel. Payload fields are opaque to the
// multiplexer; only the coordinator interprets them.
type CallSignal struct {
	Event      CallKind        `json:"event"`
	FromUserID int64           `json:"from_user_id"`
	ToUserID   int64           `json:"to_user_id"`
	Accepted   bool            `json:"accepted,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

// Event is the tagged union dispatched by the multiplexer. Exactly one
// payload pointer is non-nil for a known kind.
type Event struct {
	Kind       Kind
	Chat       *ChatMessage
	Typing     *TypingSignal
	Call       *CallSignal
	DateInvite *DateInviteEvent
	DateResult *DateResultEvent

	// wireTag is the raw discriminator value, kept for diagnostics on
	// unknown kinds.
	wireTag string
}

// WireTag returns the raw discriminator the frame carried.
func (e *Event) WireTag() string {
	return e.wireTag
}

// discriminator probes the two historical framing conventions.
type discriminator struct {
	Event string `json:"event"`
	Type  string `json:"type"`
}

var callKinds = map[string]CallKind{
	string(CallRequest):  CallRequest,
	string(CallResponse): CallResponse,
	string(CallCancel):   CallCancel,
	string(CallOffer):    CallOffer,
	string(CallAnswer):   CallAnswer,
	string(CallICE):      CallICE,
}

// Decode parses a raw frame into a typed event. Discriminator ambiguity
// is resolved in fixed priority order: explicit "event" field, else
// explicit "type" field, else a bare chat message. Unknown discriminator
// values decode to KindUnknown rather than an error so the multiplexer
// can drop them with a warning.
func Decode(data []byte) (*Event, error) {
	var disc discriminator
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch {
	case disc.Event != "":
		return decodeByEvent(disc.Event, data)
	case disc.Type != "":
		return decodeByType(disc.Type, data)
	default:
		var msg ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("malformed chat frame: %w", err)
		}
		return &Event{Kind: KindChatMessage, Chat: &msg}, nil
	}
}

func decodeByEvent(tag string, data []byte) (*Event, error) {
	if tag == "typing" {
		var sig TypingSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			return nil, fmt.Errorf("malformed typing frame: %w", err)
		}
		return &Event{Kind: KindTyping, Typing: &sig, wireTag: tag}, nil
	}

	if _, ok := callKinds[tag]; ok {
		var sig CallSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			return nil, fmt.Errorf("malformed call signal frame: %w", err)
		}
		return &Event{Kind: KindCallSignal, Call: &sig, wireTag: tag}, nil
	}

	return &Event{Kind: KindUnknown, wireTag: tag}, nil
}

func decodeByType(tag string, data []byte) (*Event, error) {
	switch tag {
	case "date_invite":
		var evt DateInviteEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("malformed date invite frame: %w", err)
		}
		return &Event{Kind: KindDateInvite, DateInvite: &evt, wireTag: tag}, nil
	case "date_result":
		var evt DateResultEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("malformed date result frame: %w", err)
		}
		return &Event{Kind: KindDateResult, DateResult: &evt, wireTag: tag}, nil
	default:
		return &Event{Kind: KindUnknown, wireTag: tag}, nil
	}
}

// Encode serializes a typed event to its wire frame.
func (e *Event) Encode() ([]byte, error) {
	switch e.Kind {
	case KindChatMessage:
		return json.Marshal(e.Chat)
	case KindTyping:
		sig := *e.Typing
		sig.Event = "typing"
		return json.Marshal(&sig)
	case KindCallSignal:
		if e.Call.Event == "" {
			return nil, fmt.Errorf("call signal has no event kind")
		}
		return json.Marshal(e.Call)
	case KindDateInvite:
		evt := *e.DateInvite
		evt.Type = "date_invite"
		return json.Marshal(&evt)
	case KindDateResult:
		evt := *e.DateResult
		evt.Type = "date_result"
		return json.Marshal(&evt)
	default:
		return nil, fmt.Errorf("cannot encode event of kind %q", e.Kind)
	}
}

// NewCallSignal builds a call event ready for Encode.
func NewCallSignal(sig *CallSignal) *Event {
	return &Event{Kind: KindCallSignal, Call: sig}
}

// NewTypingSignal builds a typing event ready for Encode.
func NewTypingSignal(username string, isTyping bool) *Event {
	return &Event{Kind: KindTyping, Typing: &TypingSignal{
		Event:    "typing",
		Username: username,
		IsTyping: isTyping,
	}}
}
