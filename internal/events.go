package internal

import (
	"encoding/json"
	"time"
)

// Inbound event names accepted from a connection.
const (
	EventMessageDelete = "message:delete"
	EventMessageEdit   = "message:edit"
	EventTypingStart   = "typing:start"
	EventTypingStop    = "typing:stop"
	EventMessageRead   = "message:read"
	EventImageViewed   = "image:viewed"
)

// Outbound event names emitted by the server.
const (
	EventUserOnline             = "user:online"
	EventUserOffline            = "user:offline"
	EventUsersOnline            = "users:online"
	EventMessageDeleted         = "message:deleted"
	EventMessageDeleteConfirmed = "message:delete:confirmed"
	EventMessageEdited          = "message:edited"
	EventMessageEditConfirmed   = "message:edit:confirmed"
	EventCallIncoming           = "call:incoming"
	EventCallAnswered           = "call:answered"
	EventCallDeclined           = "call:declined"
	EventCallEnded              = "call:ended"
	EventError                  = "error"
)

// Envelope is the json frame both sides exchange over the websocket.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceState is the derived online/offline state of a user.
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// PresenceEvent is produced on registry occupancy edges only.
type PresenceEvent struct {
	UserID    string        `json:"userId"`
	Username  string        `json:"username"`
	State     PresenceState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}

// OnlineUser is one entry of the users:online list.
type OnlineUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type messageDeletedPayload struct {
	MessageID   string `json:"messageId"`
	ForEveryone bool   `json:"forEveryone"`
	DeletedBy   string `json:"deletedBy"`
}

type messageEditedPayload struct {
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
	EditedBy   string `json:"editedBy"`
	EditedAt   string `json:"editedAt"`
}

type messageConfirmedPayload struct {
	MessageID string `json:"messageId"`
}

type typingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type messageReadPayload struct {
	MessageID string `json:"messageId"`
	ReadBy    string `json:"readBy"`
	ReadAt    string `json:"readAt"`
}

type imageViewedPayload struct {
	ImageID  string `json:"imageId"`
	ViewedBy string `json:"viewedBy"`
	ViewedAt string `json:"viewedAt"`
}

type errorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

type callIncomingPayload struct {
	CallID   string       `json:"callId"`
	Caller   callerDetail `json:"caller"`
	CallType CallType     `json:"callType"`
}

type callerDetail struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type callPayload struct {
	CallID   string `json:"callId"`
	Duration int    `json:"duration,omitempty"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
