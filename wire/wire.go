// Package wire defines the event names and payload shapes shared by the
// gateway and the Go client. Every frame on a socket is one Envelope.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Client -> server events.
const (
	EvAuthenticate = "authenticate"
	EvNewMessage   = "NEW_MESSAGE"
	EvTypingStart  = "TYPING_START"
	EvTypingStop   = "TYPING_STOP"
	EvMessageRead  = "MESSAGE_READ"
	EvPing         = "ping"
)

// Server -> client events.
const (
	EvAuthSuccess       = "AUTH_SUCCESS"
	EvAuthError         = "AUTH_ERROR"
	EvMessageSent       = "MESSAGE_SENT"
	EvMessageError      = "MESSAGE_ERROR"
	EvRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	EvUserTyping        = "USER_TYPING"
	EvReadReceipt       = "MESSAGE_READ_RECEIPT"
	EvStatusChange      = "USER_STATUS_CHANGE"
	EvSuperseded        = "SESSION_SUPERSEDED"
	EvNotification      = "NOTIFICATION"
	EvPong              = "pong"
)

// Presence statuses carried by EvStatusChange.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

// Envelope is the frame format: a type tag and a raw payload.
type Envelope struct {
	Event string          `json:"t"`
	Data  json.RawMessage `json:"d,omitempty"`
}

// Encode marshals payload into an Envelope frame ready for the socket.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		d, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal %s payload: %w", event, err)
		}
		env.Data = d
	}
	return json.Marshal(env)
}

// Decode parses a frame into an Envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, fmt.Errorf("wire: bad frame: %w", err)
	}
	return env, nil
}

type AuthRequest struct {
	Identity   string `json:"identity"`
	Token      string `json:"token"`
	DeviceInfo string `json:"deviceInfo,omitempty"`
}

type AuthSuccess struct {
	Identity string `json:"identity"`
	Channel  string `json:"channel"`
}

// ErrorPayload carries the reason for AUTH_ERROR, MESSAGE_ERROR and
// RATE_LIMIT_EXCEEDED frames.
type ErrorPayload struct {
	Reason string `json:"reason"`
}

// MessageIn is a client publish request. Fingerprint is optional; when the
// client supplies one a deliberate retry carries the same value and the
// gateway suppresses the duplicate.
type MessageIn struct {
	ReceiverID  string `json:"receiverId"`
	Content     string `json:"content"`
	Fingerprint string `json:"clientFingerprint,omitempty"`
}

// MessageOut is a delivered message as seen by the receiver.
type MessageOut struct {
	Fingerprint string `json:"fingerprint"`
	SenderID    string `json:"senderId"`
	Content     string `json:"content"`
	CreatedAt   int64  `json:"createdAt"`
}

type MessageSent struct {
	Fingerprint string `json:"fingerprint"`
	Confirmed   bool   `json:"confirmed"`
}

type Typing struct {
	ReceiverID string `json:"receiverId"`
}

type UserTyping struct {
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

type MessageRead struct {
	MessageID string `json:"messageId"`
}

type ReadReceipt struct {
	MessageID string `json:"messageId"`
	ReadAt    int64  `json:"readAt"`
}

type StatusChange struct {
	Identity string `json:"identity"`
	Status   string `json:"status"`
}

type Notification struct {
	ID        string `json:"id"`
	Data      string `json:"data"`
	CreatedAt int64  `json:"createdAt"`
}

// PingPayload is the application-level latency probe. The gateway echoes it
// back unchanged as a pong so the client can measure the round trip.
type PingPayload struct {
	Nonce  string `json:"nonce"`
	SentAt int64  `json:"sentAt"`
}

// Fingerprint derives the dedup identity of one send attempt. Retrying with
// the same nonce reproduces the fingerprint; distinct sends never collide.
func Fingerprint(senderID, receiverID, nonce string, at time.Time) string {
	h := sha256.Sum256([]byte(senderID + "|" + receiverID + "|" + nonce + "|" + fmt.Sprint(at.UnixNano())))
	return hex.EncodeToString(h[:16])
}
