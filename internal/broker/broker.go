// Package broker is the realtime core of the messaging service. It owns the
// lifecycle of authenticated connections (register, fan out, evict), parses
// inbound frames, persists chat messages through the Store before any
// forwarding, and relays typing indicators between live peers.
//
// Persistence is the durability boundary: a message that fails to persist is
// never forwarded and the sender gets an error frame; a message that
// persists but finds its receiver offline is simply durable, retrievable
// through the history API, with no redelivery queue.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/messenger/internal/auth"
	"github.com/campuslink/messenger/internal/directory"
	"github.com/campuslink/messenger/internal/events"
	"github.com/campuslink/messenger/internal/message"
	"github.com/campuslink/messenger/internal/metrics"
	"github.com/campuslink/messenger/internal/protocol"
	"github.com/campuslink/messenger/internal/ratelimit"
	"github.com/campuslink/messenger/internal/registry"
)

// defaultOpTimeout bounds store and directory calls made while processing a
// single frame.
const defaultOpTimeout = 5 * time.Second

// ErrNotMember rejects a connection whose token is valid but whose user does
// not belong to the tenant it names.
var ErrNotMember = errors.New("broker: user is not a member of the tenant")

// Broker wires the connection registry, the message store, the identity
// directory, and the optional rate limiter and event publisher together.
type Broker struct {
	store     message.Store
	reg       *registry.Registry
	dir       directory.Directory
	validator *auth.Validator
	limiter   *ratelimit.Limiter // nil disables rate limiting
	events    *events.Publisher  // nil-safe no-op
	opTimeout time.Duration
}

// New creates a Broker. limiter and publisher may be nil.
func New(store message.Store, reg *registry.Registry, dir directory.Directory,
	validator *auth.Validator, limiter *ratelimit.Limiter, publisher *events.Publisher) *Broker {
	return &Broker{
		store:     store,
		reg:       reg,
		dir:       dir,
		validator: validator,
		limiter:   limiter,
		events:    publisher,
		opTimeout: defaultOpTimeout,
	}
}

// Registry exposes the connection registry for collaborators that push
// frames outside the broker's own read path (the REST send and read-receipt
// handlers).
func (b *Broker) Registry() *registry.Registry {
	return b.reg
}

// Authenticate validates the credential on an upgrade request and checks
// tenant membership against the directory. The token is taken from the
// "token" query parameter (browser WebSocket clients cannot set headers) or
// from a standard bearer Authorization header.
func (b *Broker) Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		const prefix = "Bearer "
		if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
			token = h[len(prefix):]
		}
	}

	identity, err := b.validator.Validate(token)
	if err != nil {
		return auth.Identity{}, err
	}

	ok, err := b.dir.IsMember(ctx, identity.TenantID, identity.UserID)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("broker: membership check: %w", err)
	}
	if !ok {
		return auth.Identity{}, ErrNotMember
	}
	return identity, nil
}

// HandleOpen registers a newly opened connection under its identity,
// evicting (and closing) any prior connection of the same user, and
// announces the user's presence to the rest of the tenant.
func (b *Broker) HandleOpen(tenant, user uuid.UUID, h registry.Handle) {
	if evicted := b.reg.Register(tenant, user, h); evicted != nil {
		log.Printf("broker: evicted prior connection tenant=%s user=%s", tenant, user)
	}
	metrics.ConnectionsActive.Set(float64(b.reg.Count()))
	metrics.TenantsActive.Set(float64(b.reg.TenantCount()))

	b.broadcastPresence(tenant, user, protocol.PresenceOnline)
}

// HandleClose removes the connection's registration if it is still the
// current one (compare-and-remove: a stale close after a reconnect must not
// evict the newer connection) and broadcasts the user going offline.
func (b *Broker) HandleClose(tenant, user uuid.UUID, h registry.Handle) {
	if !b.reg.Unregister(tenant, user, h) {
		return
	}
	metrics.ConnectionsActive.Set(float64(b.reg.Count()))
	metrics.TenantsActive.Set(float64(b.reg.TenantCount()))

	b.broadcastPresence(tenant, user, protocol.PresenceOffline)
}

// HandleFrame processes one inbound frame from an open connection. Malformed
// or unknown frames are dropped with a warning and an error frame; they
// never close the connection.
func (b *Broker) HandleFrame(sender registry.Handle, tenant, user uuid.UUID, data []byte) {
	_, frame, err := protocol.ParseClientFrame(data)
	if err != nil {
		log.Printf("broker: drop frame tenant=%s user=%s: %v", tenant, user, err)
		metrics.FramesTotal.WithLabelValues("unknown", "dropped").Inc()
		// Unknown-but-well-formed types are ignored; only unparseable
		// payloads are answered so a broken client can notice.
		if !errors.Is(err, protocol.ErrUnknownType) {
			b.sendError(sender, protocol.CodeParseError, "invalid frame format")
		}
		return
	}

	switch f := frame.(type) {
	case protocol.ChatFrame:
		b.handleChat(sender, tenant, user, f)
	case protocol.TypingFrame:
		b.handleTyping(tenant, user, f)
	case protocol.PingFrame:
		metrics.FramesTotal.WithLabelValues(protocol.TypePing, "ok").Inc()
		b.sendPong(sender)
	}
}

// handleChat runs the full inbound chat pipeline: rate limit, validate,
// authorize, persist, publish, fan out. Any failure before persistence
// drops the frame and reports an error frame to the sender; failures after
// persistence are swallowed because the message is already durable.
func (b *Broker) handleChat(sender registry.Handle, tenant, user uuid.UUID, f protocol.ChatFrame) {
	receiver, err := uuid.Parse(f.ReceiverID)
	if err != nil || receiver == uuid.Nil {
		log.Printf("broker: drop chat frame with bad receiver tenant=%s user=%s", tenant, user)
		metrics.FramesTotal.WithLabelValues(protocol.TypeMessage, "dropped").Inc()
		b.sendError(sender, protocol.CodeInvalidMessage, "missing or invalid receiver_id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opTimeout)
	defer cancel()

	if b.limiter != nil {
		allowed, _ := b.limiter.Allow(ctx, tenant.String()+":"+user.String(), ratelimit.RuleMessage)
		if !allowed {
			metrics.FramesTotal.WithLabelValues(protocol.TypeMessage, "rejected").Inc()
			b.sendError(sender, protocol.CodeRateLimited, "too many messages, slow down")
			return
		}
	}

	if err := message.ValidateContent(f.Content); err != nil {
		metrics.FramesTotal.WithLabelValues(protocol.TypeMessage, "rejected").Inc()
		b.sendError(sender, protocol.CodeInvalidMessage, err.Error())
		return
	}

	ok, err := b.dir.IsMember(ctx, tenant, receiver)
	if err != nil {
		log.Printf("broker: membership check failed tenant=%s receiver=%s: %v", tenant, receiver, err)
		metrics.FramesTotal.WithLabelValues(protocol.TypeMessage, "error").Inc()
		b.sendError(sender, protocol.CodeInternal, "authorization check failed")
		return
	}
	if !ok {
		metrics.FramesTotal.WithLabelValues(protocol.TypeMessage, "rejected").Inc()
		b.sendError(sender, protocol.CodeNotCoTenant, "receiver is not in your company")
		return
	}

	// Persist before any fan-out. A message that cannot be stored is never
	// forwarded.
	start := time.Now()
	stored, err := b.store.Create(ctx, message.New(tenant, user, receiver, f.Content, f.Attachment))
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("broker: persist failed tenant=%s user=%s: %v", tenant, user, err)
		metrics.FramesTotal.WithLabelValues(protocol.TypeMessage, "error").Inc()
		b.sendError(sender, protocol.CodePersistFailed, "failed to store message")
		return
	}

	metrics.FramesTotal.WithLabelValues(protocol.TypeMessage, "ok").Inc()

	delivered := b.Deliver(stored)
	b.events.MessageStored(stored, delivered)
}

// Deliver forwards a persisted message to its receiver's live connection,
// if any. Write failures are swallowed: the peer is treated as unreachable
// and the message stays retrievable through the store. Reports whether the
// frame reached a live connection. Also used by the REST send path.
func (b *Broker) Deliver(m message.Message) bool {
	h, ok := b.reg.Lookup(m.TenantID, m.ReceiverID)
	if !ok {
		metrics.MessagesDelivered.WithLabelValues("offline").Inc()
		return false
	}

	frame, err := protocol.NewServerFrame(protocol.TypeMessage, protocol.ServerChatFrame{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		TenantID:   m.TenantID,
		Content:    m.Content,
		Attachment: m.Attachment,
		CreatedAt:  m.CreatedAt,
		Read:       m.Read,
	})
	if err != nil {
		log.Printf("broker: build chat frame: %v", err)
		return false
	}

	start := time.Now()
	if err := h.WriteFrame(frame); err != nil {
		log.Printf("broker: forward to tenant=%s user=%s failed: %v", m.TenantID, m.ReceiverID, err)
		metrics.MessagesDelivered.WithLabelValues("write_failed").Inc()
		return false
	}
	metrics.FanoutLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesDelivered.WithLabelValues("delivered").Inc()
	return true
}

// NotifyRead pushes a read receipt to the original sender's live
// connection, if any. Best-effort, never persisted.
func (b *Broker) NotifyRead(tenant, sender, messageID, reader uuid.UUID) {
	h, ok := b.reg.Lookup(tenant, sender)
	if !ok {
		return
	}

	frame, err := protocol.NewServerFrame(protocol.TypeReadReceipt, protocol.ReadReceiptFrame{
		MessageID: messageID,
		ReaderID:  reader,
	})
	if err != nil {
		log.Printf("broker: build read receipt: %v", err)
		return
	}
	if err := h.WriteFrame(frame); err != nil {
		log.Printf("broker: read receipt to tenant=%s user=%s failed: %v", tenant, sender, err)
	}
}

// handleTyping forwards a typing indicator to the target's live connection.
// Never persisted, never acknowledged, silently dropped if the recipient is
// offline or the frame is malformed.
func (b *Broker) handleTyping(tenant, user uuid.UUID, f protocol.TypingFrame) {
	to, err := uuid.Parse(f.To)
	if err != nil || to == uuid.Nil {
		metrics.FramesTotal.WithLabelValues(protocol.TypeTyping, "dropped").Inc()
		return
	}

	h, ok := b.reg.Lookup(tenant, to)
	if !ok {
		metrics.FramesTotal.WithLabelValues(protocol.TypeTyping, "ok").Inc()
		return
	}

	frame, err := protocol.NewServerFrame(protocol.TypeTyping, protocol.ServerTypingFrame{From: user})
	if err != nil {
		log.Printf("broker: build typing frame: %v", err)
		return
	}
	if err := h.WriteFrame(frame); err != nil {
		log.Printf("broker: typing to tenant=%s user=%s failed: %v", tenant, to, err)
	}
	metrics.FramesTotal.WithLabelValues(protocol.TypeTyping, "ok").Inc()
}

// broadcastPresence announces a user's status change to every other live
// connection in the tenant. Write failures are ignored; dead connections
// are cleaned up by their own read paths.
func (b *Broker) broadcastPresence(tenant, user uuid.UUID, status string) {
	frame, err := protocol.NewServerFrame(protocol.TypePresence, protocol.PresenceFrame{
		UserID: user,
		Status: status,
	})
	if err != nil {
		log.Printf("broker: build presence frame: %v", err)
		return
	}

	for peer, h := range b.reg.Tenant(tenant) {
		if peer == user {
			continue
		}
		_ = h.WriteFrame(frame)
	}
}

// sendError sends a structured error frame back to the sender. Failures are
// logged but not propagated; the connection stays open either way.
func (b *Broker) sendError(h registry.Handle, code, msg string) {
	frame, err := protocol.NewServerFrame(protocol.TypeError, protocol.ErrorFrame{
		Code:    code,
		Message: msg,
	})
	if err != nil {
		log.Printf("broker: build error frame: %v", err)
		return
	}
	if err := h.WriteFrame(frame); err != nil {
		log.Printf("broker: send error frame: %v", err)
	}
}

// sendPong responds to a client ping.
func (b *Broker) sendPong(h registry.Handle) {
	frame, err := protocol.NewServerFrame(protocol.TypePong, protocol.PongFrame{})
	if err != nil {
		log.Printf("broker: build pong frame: %v", err)
		return
	}
	if err := h.WriteFrame(frame); err != nil {
		log.Printf("broker: send pong frame: %v", err)
	}
}
