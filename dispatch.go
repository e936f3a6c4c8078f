package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alumlink/realtime/wire"
)

// Dispatcher routes validated publishes to the receiver's session and acks
// to the sender. It owns no shared state itself; registry, dedup cache and
// rate limiter are injected and each guard their own maps.
type Dispatcher struct {
	reg     *Registry
	dedup   *DedupCache
	limiter *RateLimiter
	store   MessageStore
	log     *zap.SugaredLogger

	// publish, when set, forwards messages for receivers that may live on
	// another node.
	publish func(m *Message, channel string)
}

func NewDispatcher(reg *Registry, dedup *DedupCache, limiter *RateLimiter, store MessageStore) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		dedup:   dedup,
		limiter: limiter,
		store:   store,
		log:     zap.S().With("component", "dispatch"),
	}
}

// Publish runs the full gate chain for one send attempt: dedup, rate limit,
// store, deliver, ack. The receiver being offline is not an error; the
// stored row is picked up by a later sync.
func (d *Dispatcher) Publish(ctx context.Context, sender *Session, in wire.MessageIn) {
	now := time.Now()
	fingerprint := in.Fingerprint
	if fingerprint == "" {
		fingerprint = wire.Fingerprint(sender.Identity, in.ReceiverID, uuid.NewString(), now)
	}

	if in.ReceiverID == "" || in.Content == "" {
		sender.Send(wire.EvMessageError, wire.ErrorPayload{Reason: "receiverId and content are required"})
		return
	}

	if !d.dedup.ShouldProcess(fingerprint) {
		// Duplicate of an already-processed send attempt. Dropping it
		// silently is the contract: no second ack, no error.
		duplicatesDropped.Inc()
		d.log.Debugw("duplicate dropped", "fingerprint", fingerprint, "sender", sender.Identity)
		return
	}

	if !d.limiter.TryConsume(sender.Identity) {
		rateLimited.Inc()
		d.log.Infow("rate limited", "sender", sender.Identity)
		sender.Send(wire.EvRateLimitExceeded, wire.ErrorPayload{Reason: "message rate limit exceeded"})
		return
	}

	m := &Message{
		Fingerprint: fingerprint,
		SenderID:    sender.Identity,
		ReceiverID:  in.ReceiverID,
		Content:     in.Content,
		CreatedAt:   now,
	}
	if err := d.store.Save(ctx, m); err != nil {
		d.log.Errorw("save message", "fingerprint", fingerprint, "err", err)
		sender.Send(wire.EvMessageError, wire.ErrorPayload{Reason: "message could not be stored"})
		return
	}
	messagesStored.Inc()

	if !d.deliver(m, sender.Channel) && d.publish != nil {
		d.publish(m, sender.Channel)
	}

	sender.Send(wire.EvMessageSent, wire.MessageSent{Fingerprint: fingerprint, Confirmed: true})
}

// deliver pushes m to the receiver's session on channel, reporting whether a
// live session was found.
func (d *Dispatcher) deliver(m *Message, channel string) bool {
	rs, ok := d.reg.Lookup(m.ReceiverID, channel)
	if !ok {
		return false
	}
	rs.Send(wire.EvNewMessage, wire.MessageOut{
		Fingerprint: m.Fingerprint,
		SenderID:    m.SenderID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt.Unix(),
	})
	messagesDelivered.Inc()
	return true
}

// DeliverRemote pushes a message that originated on another node to a local
// receiver session, if one exists. The origin node already stored it.
func (d *Dispatcher) DeliverRemote(m *Message, channel string) {
	d.deliver(m, channel)
}

// Typing relays a typing indicator to the receiver's session. No dedup, no
// rate limit, no persistence; the receiving side times the indicator out.
func (d *Dispatcher) Typing(sender *Session, receiverID string, isTyping bool) {
	rs, ok := d.reg.Lookup(receiverID, sender.Channel)
	if !ok {
		return
	}
	rs.Send(wire.EvUserTyping, wire.UserTyping{SenderID: sender.Identity, IsTyping: isTyping})
}

// MarkRead stamps the message read and relays a receipt to the original
// sender. Repeated receipts are harmless and carry the first read time.
func (d *Dispatcher) MarkRead(ctx context.Context, reader *Session, messageID string) {
	m, readAt, err := d.store.MarkRead(ctx, messageID, reader.Identity)
	if err != nil {
		d.log.Debugw("mark read", "messageId", messageID, "reader", reader.Identity, "err", err)
		return
	}
	ss, ok := d.reg.Lookup(m.SenderID, reader.Channel)
	if !ok {
		return
	}
	ss.Send(wire.EvReadReceipt, wire.ReadReceipt{MessageID: messageID, ReadAt: readAt.Unix()})
}

// Notify pushes a platform notification to each target's session on the
// notifications channel.
func (d *Dispatcher) Notify(channel string, userIDs []string, n wire.Notification) int {
	sent := 0
	for _, id := range userIDs {
		s, ok := d.reg.Lookup(id, channel)
		if !ok {
			continue
		}
		if s.Send(wire.EvNotification, n) {
			sent++
		}
	}
	return sent
}
