// Package gateway is the glue between live connections and the
// coordination services. It runs the connect and disconnect lifecycles,
// turns client events into delivery/typing/subscription calls, and fans
// relay events out to the connections this process holds.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/delivery"
	"github.com/whisper/pairchat/internal/directory"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/presence"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/relay"
	"github.com/whisper/pairchat/internal/session"
	"github.com/whisper/pairchat/internal/typing"
)

// Conns is the view of the local connection registry the gateway needs.
// ws.Server implements it.
type Conns interface {
	SendMessage(connID string, data []byte) error
	UserOf(connID string) (string, bool)
	ConnIDs() []string
}

// Deps wires a Gateway. Sessions and Limiter are optional: without Sessions
// the sweeper is disabled, without Limiter nothing is throttled.
type Deps struct {
	Conns     Conns
	Directory *directory.Directory
	Presence  *presence.Tracker
	Hub       *relay.Hub
	Delivery  *delivery.Service
	Typing    *typing.Coordinator
	Sessions  *session.Store
	Limiter   *ratelimit.Limiter

	MessageRule ratelimit.Rule
	TypingRule  ratelimit.Rule
	// Retries bounds shared-store retries on connect and join.
	Retries uint
	// HistoryLimit caps the messages replayed on join. Zero means 50.
	HistoryLimit int
}

// Gateway coordinates one process's connections.
type Gateway struct {
	Deps

	mu      sync.Mutex
	refs    map[string]map[string]func() // connID -> channel -> hub release
	release func()                       // presence channel
}

// New creates a Gateway. Call Start before accepting connections.
func New(d Deps) *Gateway {
	if d.Retries == 0 {
		d.Retries = 3
	}
	if d.MessageRule.Limit == 0 {
		d.MessageRule = ratelimit.RuleMessage
	}
	if d.TypingRule.Limit == 0 {
		d.TypingRule = ratelimit.RuleTyping
	}
	return &Gateway{
		Deps: d,
		refs: make(map[string]map[string]func()),
	}
}

// Start subscribes this process to the global presence channel.
func (g *Gateway) Start() error {
	release, err := g.Hub.Subscribe(chat.PresenceChannel, g.broadcast)
	if err != nil {
		return fmt.Errorf("gateway: subscribe presence: %w", err)
	}
	g.mu.Lock()
	g.release = release
	g.mu.Unlock()
	return nil
}

// Stop drops the presence subscription.
func (g *Gateway) Stop() {
	g.mu.Lock()
	release := g.release
	g.release = nil
	g.mu.Unlock()
	if release != nil {
		release()
	}
}

// Connect runs after a connection has been registered. It subscribes the
// connection to its user channel, counts it toward presence, seeds the
// client with the online snapshot and marks pending messages delivered.
func (g *Gateway) Connect(ctx context.Context, connID, userID string) error {
	if err := g.subscribe(ctx, connID, chat.UserChannel(userID)); err != nil {
		return err
	}

	wentOnline, err := backoff.Retry(ctx, func() (bool, error) {
		return g.Presence.Add(ctx, userID, connID)
	}, g.retryOpts()...)
	if err != nil {
		return fmt.Errorf("gateway: presence add: %w: %w", chat.ErrTransient, err)
	}
	if wentOnline {
		metrics.PresenceTransitions.WithLabelValues("online").Inc()
		g.publishStatus(ctx, protocol.TypeStatusOnline, userID)
	}

	online, err := g.Presence.Snapshot(ctx)
	if err != nil {
		log.Printf("[gateway] presence snapshot conn=%s: %v", connID, err)
	} else {
		g.send(connID, protocol.TypeStatusOnlineAll, protocol.OnlineAllPayload{Users: online})
	}

	if err := g.Delivery.DeliverPending(ctx, userID); err != nil {
		log.Printf("[gateway] deliver pending user=%s: %v", userID, err)
	}

	// The connection may have closed while we were setting it up; its
	// disconnect may have run before our subscriptions existed.
	if _, ok := g.Conns.UserOf(connID); !ok {
		g.Disconnect(ctx, connID, userID)
		return nil
	}

	log.Printf("[gateway] connected conn=%s user=%s", connID, userID)
	return nil
}

// Disconnect runs after a connection has left the registry. It is
// idempotent and never fails; shared-store errors are logged and left to
// the sweeper.
func (g *Gateway) Disconnect(ctx context.Context, connID, userID string) {
	if _, err := g.Directory.UnsubscribeAll(ctx, connID); err != nil {
		log.Printf("[gateway] unsubscribe all conn=%s: %v", connID, err)
	}
	g.releaseAll(connID)

	wentOffline, err := g.Presence.Remove(ctx, userID, connID)
	if err != nil {
		log.Printf("[gateway] presence remove conn=%s user=%s: %v", connID, userID, err)
	}
	if wentOffline {
		metrics.PresenceTransitions.WithLabelValues("offline").Inc()
		g.publishStatus(ctx, protocol.TypeStatusOffline, userID)
	}

	g.Typing.DropConnection(ctx, connID)
}

// Heartbeat extends the shared-store lifetime of the connection's
// subscriptions.
func (g *Gateway) Heartbeat(ctx context.Context, connID string) {
	if err := g.Directory.Refresh(ctx, connID); err != nil {
		log.Printf("[gateway] refresh conn=%s: %v", connID, err)
	}
}

// Join subscribes the connection to a conversation it participates in,
// marks everything addressed to the user in it as read and replies with the
// conversation's recent messages.
func (g *Gateway) Join(ctx context.Context, connID, userID, conversationID string) error {
	if _, err := g.Delivery.Authorize(ctx, conversationID, userID); err != nil {
		return err
	}
	channel := chat.ConversationChannel(conversationID)
	if err := g.subscribe(ctx, connID, channel); err != nil {
		return err
	}
	if _, ok := g.Conns.UserOf(connID); !ok {
		g.unsubscribe(ctx, connID, channel)
		return nil
	}

	if _, err := g.Delivery.MarkRead(ctx, conversationID, userID); err != nil {
		return err
	}

	limit := g.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	msgs, err := g.Delivery.History(ctx, conversationID, userID, limit)
	if err != nil {
		return err
	}
	g.send(connID, protocol.TypeConversationHistory, protocol.HistoryPayload{
		ConversationID: conversationID,
		Messages:       msgs,
	})
	return nil
}

// Leave drops the connection's subscription to a conversation. An open
// typing signal there is closed first.
func (g *Gateway) Leave(ctx context.Context, connID, conversationID string) {
	g.Typing.StopConversation(ctx, connID, conversationID)
	g.unsubscribe(ctx, connID, chat.ConversationChannel(conversationID))
}

// Send handles message:new.
func (g *Gateway) Send(ctx context.Context, connID, userID string, msg protocol.SendMsg) error {
	if err := g.allow(ctx, userID, g.MessageRule); err != nil {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return err
	}
	if _, err := g.Delivery.Send(ctx, msg.ConversationID, userID, msg.Text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return err
	}
	return nil
}

// SetTyping handles typing:start and typing:stop.
func (g *Gateway) SetTyping(ctx context.Context, connID, userID, conversationID string, start bool) error {
	if start {
		if err := g.allow(ctx, userID, g.TypingRule); err != nil {
			return err
		}
	}
	if _, err := g.Delivery.Authorize(ctx, conversationID, userID); err != nil {
		return err
	}
	if !start {
		if err := g.Typing.Stop(ctx, connID, userID, conversationID); err != nil {
			return fmt.Errorf("gateway: typing: %w: %w", chat.ErrTransient, err)
		}
		return nil
	}

	// A start from a connection whose disconnect already ran would never
	// be followed by a stop.
	if _, ok := g.Conns.UserOf(connID); !ok {
		return nil
	}
	if err := g.Typing.Start(ctx, connID, userID, conversationID); err != nil {
		return fmt.Errorf("gateway: typing: %w: %w", chat.ErrTransient, err)
	}
	if _, ok := g.Conns.UserOf(connID); !ok {
		g.Typing.DropConnection(ctx, connID)
	}
	return nil
}

// StartConversation handles conversation:start and answers the requester
// with conversation:started.
func (g *Gateway) StartConversation(ctx context.Context, connID, userID, recipientID string) error {
	conv, err := g.Delivery.StartConversation(ctx, userID, recipientID)
	if err != nil {
		return err
	}
	g.send(connID, protocol.TypeConversationStarted, delivery.ConversationPayload(conv))
	return nil
}

// Handle routes a parsed client message.
func (g *Gateway) Handle(ctx context.Context, connID, userID, msgType string, msg any) error {
	switch m := msg.(type) {
	case protocol.ConversationMsg:
		switch msgType {
		case protocol.TypeConversationJoin:
			return g.Join(ctx, connID, userID, m.ConversationID)
		case protocol.TypeConversationLeave:
			g.Leave(ctx, connID, m.ConversationID)
			return nil
		case protocol.TypeMessageDeliver:
			_, err := g.Delivery.MarkDelivered(ctx, m.ConversationID, userID)
			return err
		case protocol.TypeMessageRead:
			_, err := g.Delivery.MarkRead(ctx, m.ConversationID, userID)
			return err
		case protocol.TypeTypingStart:
			return g.SetTyping(ctx, connID, userID, m.ConversationID, true)
		case protocol.TypeTypingStop:
			return g.SetTyping(ctx, connID, userID, m.ConversationID, false)
		}
	case protocol.SendMsg:
		return g.Send(ctx, connID, userID, m)
	case protocol.StartConversationMsg:
		return g.StartConversation(ctx, connID, userID, m.RecipientID)
	}
	return fmt.Errorf("%w: unexpected %q payload %T", chat.ErrMalformed, msgType, msg)
}

// ReplyError reports a failed client event to its connection.
func (g *Gateway) ReplyError(connID, msgType string, err error) {
	userID, _ := g.Conns.UserOf(connID)
	log.Printf("[gateway] %s rejected conn=%s user=%s: %v", msgType, connID, userID, err)

	var limited *rateLimitedError
	if errors.As(err, &limited) {
		g.send(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(math.Ceil(limited.retryAfter.Seconds())),
		})
		return
	}
	g.send(connID, protocol.TypeError, protocol.ErrorMsg{
		Code:    chat.Code(err),
		Message: chat.PublicMessage(err),
	})
}

// fanout delivers a relay event to the local connections subscribed to its
// channel.
func (g *Gateway) fanout(ev relay.Event) {
	ctx := context.Background()

	ids, err := g.Directory.SubscribersOf(ctx, ev.Channel)
	if err != nil {
		log.Printf("[gateway] directory lookup %s, using local index: %v", ev.Channel, err)
		ids = g.Directory.LocalSubscribersOf(ev.Channel)
	}
	if len(ids) == 0 {
		return
	}

	data, err := protocol.NewServerMessage(ev.Type, ev.Payload)
	if err != nil {
		log.Printf("[gateway] build %s: %v", ev.Type, err)
		return
	}

	skipOrigin := ev.Type == protocol.TypeTypingStart || ev.Type == protocol.TypeTypingStop
	for _, id := range ids {
		userID, ok := g.Conns.UserOf(id)
		if !ok {
			continue // held by another process
		}
		if skipOrigin && userID == ev.UserID {
			continue
		}
		if err := g.Conns.SendMessage(id, data); err != nil {
			log.Printf("[gateway] send %s to conn=%s: %v", ev.Type, id, err)
		}
	}
	metrics.RelayEventsTotal.WithLabelValues(ev.Type).Inc()
}

// broadcast delivers a presence transition to every local connection.
func (g *Gateway) broadcast(ev relay.Event) {
	data, err := protocol.NewServerMessage(ev.Type, ev.Payload)
	if err != nil {
		log.Printf("[gateway] build %s: %v", ev.Type, err)
		return
	}
	for _, id := range g.Conns.ConnIDs() {
		_ = g.Conns.SendMessage(id, data)
	}
	metrics.RelayEventsTotal.WithLabelValues(ev.Type).Inc()
}

func (g *Gateway) subscribe(ctx context.Context, connID, channel string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, g.Directory.Subscribe(ctx, channel, connID)
	}, g.retryOpts()...)
	if err != nil {
		return fmt.Errorf("gateway: subscribe %s: %w: %w", channel, chat.ErrTransient, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.refs[connID][channel]; ok {
		return nil
	}
	release, err := g.Hub.Subscribe(channel, g.fanout)
	if err != nil {
		return fmt.Errorf("gateway: relay subscribe %s: %w: %w", channel, chat.ErrTransient, err)
	}
	if g.refs[connID] == nil {
		g.refs[connID] = make(map[string]func())
	}
	g.refs[connID][channel] = release
	return nil
}

func (g *Gateway) unsubscribe(ctx context.Context, connID, channel string) {
	if err := g.Directory.Unsubscribe(ctx, channel, connID); err != nil {
		log.Printf("[gateway] unsubscribe %s conn=%s: %v", channel, connID, err)
	}

	g.mu.Lock()
	release, ok := g.refs[connID][channel]
	if ok {
		delete(g.refs[connID], channel)
		if len(g.refs[connID]) == 0 {
			delete(g.refs, connID)
		}
	}
	g.mu.Unlock()

	if ok {
		release()
	}
}

func (g *Gateway) releaseAll(connID string) {
	g.mu.Lock()
	refs := g.refs[connID]
	delete(g.refs, connID)
	g.mu.Unlock()

	for _, release := range refs {
		release()
	}
}

// subscriptions returns the number of hub references held for connID.
func (g *Gateway) subscriptions(connID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refs[connID])
}

func (g *Gateway) publishStatus(ctx context.Context, eventType, userID string) {
	ev, err := relay.NewEvent(eventType, chat.PresenceChannel, userID, protocol.StatusPayload{UserID: userID})
	if err != nil {
		log.Printf("[gateway] build %s: %v", eventType, err)
		return
	}
	if err := g.Hub.Publish(ctx, ev); err != nil {
		log.Printf("[gateway] publish %s user=%s: %v", eventType, userID, err)
	}
}

func (g *Gateway) send(connID, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s: %v", msgType, err)
		return
	}
	if err := g.Conns.SendMessage(connID, data); err != nil {
		log.Printf("[gateway] send %s to conn=%s: %v", msgType, connID, err)
	}
}

func (g *Gateway) retryOpts() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return []backoff.RetryOption{backoff.WithBackOff(b), backoff.WithMaxTries(g.Retries)}
}

type rateLimitedError struct {
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.retryAfter)
}

func (e *rateLimitedError) Unwrap() error { return chat.ErrRateLimited }

func (g *Gateway) allow(ctx context.Context, userID string, rule ratelimit.Rule) error {
	if g.Limiter == nil {
		return nil
	}
	ok, _ := g.Limiter.Allow(ctx, userID, rule)
	if ok {
		return nil
	}
	wait, err := g.Limiter.RetryAfter(ctx, userID, rule)
	if err != nil || wait <= 0 {
		wait = rule.Window
	}
	return &rateLimitedError{retryAfter: wait}
}
