package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageStore is the persistence collaborator of the dispatcher. Delivery
// and storage are decoupled: every accepted publish is saved, whether or not
// the receiver is online.
type MessageStore interface {
	Save(ctx context.Context, m *Message) error
	// Since returns messages addressed to receiverID created after since,
	// oldest first.
	Since(ctx context.Context, receiverID string, since time.Time) ([]Message, error)
	// MarkRead records the read timestamp for a message the reader
	// received. Repeated calls return the original timestamp.
	MarkRead(ctx context.Context, fingerprint, readerID string) (*Message, time.Time, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewMessageStore migrates the message table and wraps db.
func NewMessageStore(db *gorm.DB) (MessageStore, error) {
	if err := db.AutoMigrate(new(Message)); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &gormStore{db: db}, nil
}

func (s *gormStore) Save(ctx context.Context, m *Message) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("store: save message: %w", err)
	}
	return nil
}

func (s *gormStore) Since(ctx context.Context, receiverID string, since time.Time) ([]Message, error) {
	ms := []Message{}
	err := s.db.WithContext(ctx).
		Where("receiver_id = ? and created_at > ?", receiverID, since).
		Order("created_at").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("store: sync since: %w", err)
	}
	return ms, nil
}

func (s *gormStore) MarkRead(ctx context.Context, fingerprint, readerID string) (*Message, time.Time, error) {
	m := Message{}
	err := s.db.WithContext(ctx).
		Where("fingerprint = ? and receiver_id = ?", fingerprint, readerID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, time.Time{}, ErrMessageNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("store: find message: %w", err)
	}
	if m.ReadAt != nil {
		return &m, *m.ReadAt, nil
	}
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&m).Update("read_at", now).Error; err != nil {
		return nil, time.Time{}, fmt.Errorf("store: mark read: %w", err)
	}
	m.ReadAt = &now
	return &m, now, nil
}
