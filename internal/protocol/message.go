package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types used by the room protocol.
const (
	TypeChatMessage = "chat_message"
	TypeTyping      = "typing"
	TypeUserList    = "user_list"
	TypeSystem      = "system"
)

// Membership notice statuses.
const (
	StatusJoined = "joined"
	StatusLeft   = "left"
)

// ErrMalformed is returned when an inbound frame cannot be decoded into a
// known payload.
var ErrMalformed = errors.New("malformed payload")

// Inbound is a decoded client frame. The set of implementations is closed:
// ChatMessage and Typing.
type Inbound interface {
	Kind() string
	inbound()
}

// ChatMessage is a client request to post a line to the room.
type ChatMessage struct {
	Message string `json:"message"`
}

// Typing is a client typing indicator.
type Typing struct {
	IsTyping bool `json:"is_typing"`
}

func (ChatMessage) Kind() string { return TypeChatMessage }
func (Typing) Kind() string      { return TypeTyping }

func (ChatMessage) inbound() {}
func (Typing) inbound()      {}

type envelope struct {
	Type string `json:"type"`
}

// DecodeInbound classifies a raw frame by its type tag and decodes the
// matching payload. Unknown tags and shape mismatches wrap ErrMalformed.
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeChatMessage:
		var m ChatMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: chat_message: %v", ErrMalformed, err)
		}
		return m, nil
	case TypeTyping:
		var m Typing
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: typing: %v", ErrMalformed, err)
		}
		return m, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrMalformed, env.Type)
	}
}

// Event is a server frame delivered to room members. The set of
// implementations is closed: ChatEvent, UserListEvent, TypingEvent and
// SystemEvent.
type Event interface {
	Kind() string
	event()
}

// ChatEvent carries one formatted chat line ("<identity>: <content>").
type ChatEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// UserListEvent is the full presence snapshot of a room.
type UserListEvent struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// TypingEvent relays one member's typing state.
type TypingEvent struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	IsTyping bool   `json:"is_typing"`
}

// SystemEvent is a membership notice.
type SystemEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (ChatEvent) Kind() string     { return TypeChatMessage }
func (UserListEvent) Kind() string { return TypeUserList }
func (TypingEvent) Kind() string   { return TypeTyping }
func (SystemEvent) Kind() string   { return TypeSystem }

func (ChatEvent) event()     {}
func (UserListEvent) event() {}
func (TypingEvent) event()   {}
func (SystemEvent) event()   {}

// FormatChatLine renders the wire text of a chat line.
func FormatChatLine(identity, content string) string {
	return identity + ": " + content
}

// NewChat builds a chat_message event for identity's content.
func NewChat(identity, content string) ChatEvent {
	return ChatEvent{Type: TypeChatMessage, Message: FormatChatLine(identity, content)}
}

// NewUserList builds a user_list event. A nil slice is sent as [].
func NewUserList(users []string) UserListEvent {
	if users == nil {
		users = []string{}
	}
	return UserListEvent{Type: TypeUserList, Users: users}
}

// NewTyping builds a typing relay event.
func NewTyping(identity string, isTyping bool) TypingEvent {
	return TypingEvent{Type: TypeTyping, User: identity, IsTyping: isTyping}
}

// NewJoined builds the notice broadcast when identity enters a room.
func NewJoined(identity string) SystemEvent {
	return SystemEvent{Type: TypeSystem, Message: identity + " joined the room", Status: StatusJoined}
}

// NewLeft builds the notice broadcast when identity's last connection leaves.
func NewLeft(identity string) SystemEvent {
	return SystemEvent{Type: TypeSystem, Message: identity + " left the room", Status: StatusLeft}
}

// Frame is a loosely typed view of any server event, used by clients and
// tests that read the stream without knowing the type in advance.
type Frame struct {
	Type     string   `json:"type"`
	Message  string   `json:"message,omitempty"`
	Users    []string `json:"users,omitempty"`
	User     string   `json:"user,omitempty"`
	IsTyping bool     `json:"is_typing,omitempty"`
	Status   string   `json:"status,omitempty"`
}
