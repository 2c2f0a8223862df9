package models

import (
	"encoding/json"
	"time"
)

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

type Conversation struct {
	ID           string    `json:"id"`
	Title        *string   `json:"title"`
	IsGroup      bool      `json:"isGroup"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"lastMessage"`
}

type Participant struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	JoinedAt       time.Time `json:"joinedAt"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
	Sender         *User     `json:"sender,omitempty"`
}

// Less reports whether a sorts before b in the total message order:
// creation time first, identifier second.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// MessagePage is one page of a conversation's history, oldest first.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"nextCursor"`
}

// Room addresses
func ConversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}

func UserRoom(userID string) string {
	return "user:" + userID
}

// Event names pushed to connected clients
const (
	EventMessageCreated          = "message:created"
	EventMessageDeleted          = "message:deleted"
	EventConversationListChanged = "conversation:list-changed"
	EventTyping                  = "typing"
	EventSystem                  = "system"
	EventAck                     = "ack"
)

// Frame types sent by clients
const (
	FrameJoinConversation  = "join_conversation"
	FrameLeaveConversation = "leave_conversation"
	FrameSendMessage       = "message:send"
	FrameDeleteMessage     = "message:delete"
	FrameTyping            = "typing"
)

type MessageCreatedEvent struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversationId"`
}

type MessageDeletedEvent struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	LastMessage    *Message  `json:"lastMessage"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type ConversationListChangedEvent struct {
	ConversationID string `json:"conversationId"`
}

type TypingEvent struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// Request/Response structures
type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,dive,required"`
	Title          string   `json:"title" validate:"max=200"`
	InitialMessage string   `json:"initialMessage"`
}

type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	ClientToken    string `json:"clientToken,omitempty" validate:"omitempty,max=64"`
}

type DeleteMessageRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// HTTP response envelopes.
type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type ConversationResponse struct {
	Conversation Conversation `json:"conversation"`
}

type MessageResponse struct {
	Message Message `json:"message"`
}

type UsersResponse struct {
	Users []User `json:"users"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// Ack answers a client frame that carried an ack id.
type Ack struct {
	OK      bool     `json:"ok"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
	Code    string   `json:"code,omitempty"`
}

// Envelope is the single frame shape used in both directions on the socket.
type Envelope struct {
	Type    string          `json:"type"`
	AckID   string          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
