package main

import "time"

// Message is the durable record behind store-and-forward delivery. A row is
// written for every accepted publish so /messages/sync can replay what a
// receiver missed while offline.
type Message struct {
	ID uint `json:"-" gorm:"primarykey"`

	Fingerprint string `json:"fingerprint" gorm:"column:fingerprint;size:64;uniqueIndex"`
	SenderID    string `json:"senderId" gorm:"column:sender_id;index"`
	ReceiverID  string `json:"receiverId" gorm:"column:receiver_id;index:idx_receiver_created"`
	Content     string `json:"content" gorm:"column:content"`

	CreatedAt time.Time  `json:"createdAt" gorm:"index:idx_receiver_created"`
	ReadAt    *time.Time `json:"readAt,omitempty" gorm:"column:read_at"`
}

// PresenceRecord is the in-memory presence state for one identity.
type PresenceRecord struct {
	Identity   string `json:"identity"`
	Status     string `json:"status"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

type syncResponse struct {
	Messages []Message `json:"messages"`
	Since    int64     `json:"since"`
}

// AdminPush is the body of a signed admin notification request.
type AdminPush struct {
	NotificationID string   `json:"-"`
	UserIDs        []string `json:"us"`
	Data           string   `json:"d"`
}

// ClusterEvent is what nodes exchange over the redis channel.
type ClusterEvent struct {
	NodeName   string `json:"node"`
	Kind       string `json:"kind"` // "message" or "presence"
	ReceiverID string `json:"receiverId,omitempty"`
	Channel    string `json:"channel,omitempty"`

	Fingerprint string `json:"fingerprint,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	Content     string `json:"content,omitempty"`
	CreatedAt   int64  `json:"createdAt,omitempty"`

	Identity string `json:"identity,omitempty"`
	Status   string `json:"status,omitempty"`
}
