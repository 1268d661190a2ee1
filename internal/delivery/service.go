// Package delivery owns the per-message lifecycle SENT -> DELIVERED -> READ.
// Receipts are applied as conditional bulk updates per conversation, so a
// repeated trigger or a duplicated relay event changes nothing and emits
// nothing. One receipt event is published per conversation, never per
// message.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/relay"
	"github.com/whisper/pairchat/internal/store"
)

// Publisher sends events to the relay.
type Publisher interface {
	Publish(ctx context.Context, ev relay.Event) error
}

// Presence answers whether a user has any live connection.
type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Options tunes retry behaviour for idempotent store writes.
type Options struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultOptions returns the production retry policy.
func DefaultOptions() Options {
	return Options{
		MaxTries:        4,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Service runs send, markDelivered and markRead.
type Service struct {
	store    store.Store
	pub      Publisher
	presence Presence
	opts     Options
	now      func() time.Time

	// Conversations never change once created, so participant checks are
	// served from memory after the first lookup.
	conversations sync.Map // id -> *store.Conversation
}

// NewService wires a Service.
func NewService(st store.Store, pub Publisher, presence Presence, opts Options) *Service {
	if opts.MaxTries == 0 {
		opts.MaxTries = 1
	}
	return &Service{
		store:    st,
		pub:      pub,
		presence: presence,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Authorize returns the conversation if userID is one of its participants.
// A missing conversation and a non-participant both yield chat.ErrForbidden.
func (s *Service) Authorize(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	if v, ok := s.conversations.Load(conversationID); ok {
		conv := v.(*store.Conversation)
		if !conv.HasParticipant(userID) {
			return nil, chat.ErrForbidden
		}
		return conv, nil
	}

	conv, err := s.store.FindConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chat.ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("delivery: find conversation: %w: %w", chat.ErrTransient, err)
	}
	s.conversations.Store(conv.ID, conv)

	if !conv.HasParticipant(userID) {
		return nil, chat.ErrForbidden
	}
	return conv, nil
}

// Send persists a message and publishes message:new on the conversation
// channel. If the recipient is online the message is marked delivered right
// away.
func (s *Service) Send(ctx context.Context, conversationID, senderID, text string) (*store.Message, error) {
	start := time.Now()

	if err := chat.ValidateMessage(text); err != nil {
		return nil, err
	}
	conv, err := s.Authorize(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("delivery: create message: %w: %w", chat.ErrTransient, err)
	}

	sender := protocol.Sender{ID: senderID}
	if u, err := s.store.FindUser(ctx, senderID); err == nil {
		sender.Username = u.Username
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Printf("[delivery] sender lookup %s: %v", senderID, err)
	}

	ev, err := relay.NewEvent(protocol.TypeMessageNew, chat.ConversationChannel(conv.ID), senderID, messagePayload(msg, sender))
	if err != nil {
		return nil, err
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		// The message is durable; the recipient sees it on next fetch.
		log.Printf("[delivery] publish message:new conversation=%s: %v", conv.ID, err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())

	recipient := conv.Peer(senderID)
	online, err := s.presence.IsOnline(ctx, recipient)
	if err != nil {
		log.Printf("[delivery] presence lookup %s: %v", recipient, err)
		return msg, nil
	}
	if online {
		if _, err := s.MarkDelivered(ctx, conv.ID, recipient); err != nil {
			log.Printf("[delivery] deliver-on-send conversation=%s: %v", conv.ID, err)
		}
	}
	return msg, nil
}

// MarkDelivered marks every undelivered message addressed to actingUserID
// in the conversation as delivered, and publishes one message:delivered
// receipt if anything changed. It returns the number of messages changed.
func (s *Service) MarkDelivered(ctx context.Context, conversationID, actingUserID string) (int64, error) {
	if _, err := s.Authorize(ctx, conversationID, actingUserID); err != nil {
		return 0, err
	}

	at := s.now()
	n, err := s.retry(ctx, func() (int64, error) {
		return s.store.MarkDelivered(ctx, conversationID, actingUserID, at)
	})
	if err != nil {
		return 0, fmt.Errorf("delivery: mark delivered: %w: %w", chat.ErrTransient, err)
	}
	if n == 0 {
		return 0, nil
	}

	metrics.ReceiptsTotal.WithLabelValues("delivered").Inc()
	s.publishReceipt(ctx, protocol.TypeMessageDelivered, conversationID, actingUserID,
		protocol.DeliveredPayload{ConversationID: conversationID, DeliveredAt: at})
	return n, nil
}

// MarkRead marks every unread message addressed to actingUserID in the
// conversation as read (and delivered, if it was not yet), and publishes
// one message:read receipt if anything changed.
func (s *Service) MarkRead(ctx context.Context, conversationID, actingUserID string) (int64, error) {
	if _, err := s.Authorize(ctx, conversationID, actingUserID); err != nil {
		return 0, err
	}

	at := s.now()
	n, err := s.retry(ctx, func() (int64, error) {
		return s.store.MarkRead(ctx, conversationID, actingUserID, at)
	})
	if err != nil {
		return 0, fmt.Errorf("delivery: mark read: %w: %w", chat.ErrTransient, err)
	}
	if n == 0 {
		return 0, nil
	}

	metrics.ReceiptsTotal.WithLabelValues("read").Inc()
	s.publishReceipt(ctx, protocol.TypeMessageRead, conversationID, actingUserID,
		protocol.ReadPayload{ConversationID: conversationID, ReadAt: at})
	return n, nil
}

// DeliverPending runs MarkDelivered for every conversation of a user who
// just came online. Failures on one conversation do not stop the others.
func (s *Service) DeliverPending(ctx context.Context, userID string) error {
	convs, err := s.store.ConversationsFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("delivery: list conversations: %w: %w", chat.ErrTransient, err)
	}

	var errs []error
	for _, conv := range convs {
		s.conversations.Store(conv.ID, conv)
		if _, err := s.MarkDelivered(ctx, conv.ID, userID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartConversation returns the conversation between userID and
// recipientID, creating it on first use. The recipient is told about it on
// their user channel.
func (s *Service) StartConversation(ctx context.Context, userID, recipientID string) (*store.Conversation, error) {
	if recipientID == userID {
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", chat.ErrMalformed)
	}
	if _, err := s.store.FindUser(ctx, recipientID); errors.Is(err, store.ErrNotFound) {
		return nil, chat.ErrForbidden
	} else if err != nil {
		return nil, fmt.Errorf("delivery: find recipient: %w: %w", chat.ErrTransient, err)
	}

	conv, err := s.retryConversation(ctx, userID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("delivery: upsert conversation: %w: %w", chat.ErrTransient, err)
	}
	s.conversations.Store(conv.ID, conv)

	ev, err := relay.NewEvent(protocol.TypeConversationNew, chat.UserChannel(recipientID), userID, ConversationPayload(conv))
	if err != nil {
		return nil, err
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		log.Printf("[delivery] publish conversation:new to %s: %v", recipientID, err)
	}
	return conv, nil
}

// ConversationPayload converts a store record to its wire form.
func ConversationPayload(c *store.Conversation) protocol.ConversationPayload {
	return protocol.ConversationPayload{
		ID:           c.ID,
		ParticipantA: c.ParticipantA,
		ParticipantB: c.ParticipantB,
		CreatedAt:    c.CreatedAt,
	}
}

func (s *Service) publishReceipt(ctx context.Context, eventType, conversationID, actingUserID string, payload any) {
	ev, err := relay.NewEvent(eventType, chat.ConversationChannel(conversationID), actingUserID, payload)
	if err != nil {
		log.Printf("[delivery] build %s: %v", eventType, err)
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		// The store is already updated; the receipt shows up on next fetch.
		log.Printf("[delivery] publish %s conversation=%s: %v", eventType, conversationID, err)
	}
}

func (s *Service) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if s.opts.InitialInterval > 0 {
		b.InitialInterval = s.opts.InitialInterval
	}
	if s.opts.MaxInterval > 0 {
		b.MaxInterval = s.opts.MaxInterval
	}
	return b
}

// retry runs an idempotent bulk update with exponential backoff.
func (s *Service) retry(ctx context.Context, op func() (int64, error)) (int64, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (int64, error) {
		attempt++
		n, err := op()
		if err != nil && attempt < int(s.opts.MaxTries) {
			log.Printf("[delivery] attempt %d failed, retrying: %v", attempt, err)
		}
		return n, err
	}, backoff.WithBackOff(s.backOff()), backoff.WithMaxTries(s.opts.MaxTries))
}

// retryConversation retries the canonical-pair upsert, which is idempotent.
func (s *Service) retryConversation(ctx context.Context, userID, recipientID string) (*store.Conversation, error) {
	return backoff.Retry(ctx, func() (*store.Conversation, error) {
		return s.store.UpsertConversation(ctx, userID, recipientID)
	}, backoff.WithBackOff(s.backOff()), backoff.WithMaxTries(s.opts.MaxTries))
}

// History returns up to limit of the newest messages of a conversation,
// oldest first, for a participant.
func (s *Service) History(ctx context.Context, conversationID, userID string, limit int) ([]protocol.MessageNewPayload, error) {
	conv, err := s.Authorize(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.FindMessages(ctx, conv.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("delivery: find messages: %w: %w", chat.ErrTransient, err)
	}

	senders := make(map[string]protocol.Sender, 2)
	out := make([]protocol.MessageNewPayload, len(msgs))
	for i, msg := range msgs {
		sender, ok := senders[msg.SenderID]
		if !ok {
			sender = protocol.Sender{ID: msg.SenderID}
			if u, err := s.store.FindUser(ctx, msg.SenderID); err == nil {
				sender.Username = u.Username
			} else if !errors.Is(err, store.ErrNotFound) {
				log.Printf("[delivery] sender lookup %s: %v", msg.SenderID, err)
			}
			senders[msg.SenderID] = sender
		}
		out[len(msgs)-1-i] = messagePayload(msg, sender)
	}
	return out, nil
}

func messagePayload(msg *store.Message, sender protocol.Sender) protocol.MessageNewPayload {
	return protocol.MessageNewPayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		CreatedAt:      msg.CreatedAt,
		DeliveredAt:    msg.DeliveredAt,
		ReadAt:         msg.ReadAt,
		Sender:         sender,
	}
}
