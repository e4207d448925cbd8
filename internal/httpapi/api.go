// Package httpapi is the pull side of the messaging split: REST endpoints
// for conversation history, pagination, unread counts, partner lists,
// search, and message lifecycle (send, mark read, delete). Mutating
// endpoints also push over the realtime broker when the affected peer holds
// a live connection, so REST-only clients and WebSocket clients interoperate.
package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/campuslink/messenger/internal/auth"
	"github.com/campuslink/messenger/internal/broker"
	"github.com/campuslink/messenger/internal/directory"
	"github.com/campuslink/messenger/internal/events"
	"github.com/campuslink/messenger/internal/message"
	"github.com/campuslink/messenger/internal/metrics"
)

// DefaultPageSize caps paginated responses when the client sends no limit.
const DefaultPageSize = 50

const identityKey = "identity"

// API serves the REST surface. The broker reference is used only to push
// frames to live connections; all reads go straight to the store.
type API struct {
	store     message.Store
	broker    *broker.Broker
	dir       directory.Directory
	validator *auth.Validator
	events    *events.Publisher // nil-safe
}

// New assembles the API. publisher may be nil.
func New(store message.Store, b *broker.Broker, dir directory.Directory,
	validator *auth.Validator, publisher *events.Publisher) *API {
	return &API{
		store:     store,
		broker:    b,
		dir:       dir,
		validator: validator,
		events:    publisher,
	}
}

// Router builds the gin engine with all routes mounted.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	msgs := r.Group("/v1/messages/:companyID", a.authenticate, a.matchTenant)
	{
		msgs.POST("/send", a.send)
		msgs.GET("/user/:userID", a.conversation)
		msgs.GET("/user/:userID/paginated", a.paginated)
		msgs.POST("/:id/read", a.markRead)
		msgs.DELETE("/:id", a.remove)
		msgs.GET("/partners", a.partners)
		msgs.GET("/unread-count", a.unreadCount)
		msgs.GET("/search", a.search)
		msgs.GET("/inbox", a.inbox)
	}
	return r
}

// authenticate validates the bearer token and stores the caller identity in
// the request context.
func (a *API) authenticate(c *gin.Context) {
	const prefix = "Bearer "
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, prefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	identity, err := a.validator.Validate(header[len(prefix):])
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set(identityKey, identity)
	c.Next()
}

// matchTenant rejects requests whose URL tenant differs from the token's.
func (a *API) matchTenant(c *gin.Context) {
	tenant, err := uuid.Parse(c.Param("companyID"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid company id"})
		return
	}
	if identity(c).TenantID != tenant {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "company scope mismatch"})
		return
	}
	c.Next()
}

func identity(c *gin.Context) auth.Identity {
	return c.MustGet(identityKey).(auth.Identity)
}

type sendRequest struct {
	ReceiverID string  `json:"receiver_id" binding:"required"`
	Content    string  `json:"content"`
	Attachment *string `json:"attachment"`
}

// send persists a message and pushes it to the receiver's live connection,
// if any. The stored record with its server-assigned id is returned so the
// caller can append it without inventing temporary ids.
func (a *API) send(c *gin.Context) {
	id := identity(c)

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	receiver, err := uuid.Parse(req.ReceiverID)
	if err != nil || receiver == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receiver_id"})
		return
	}
	if err := message.ValidateContent(req.Content); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, err := a.dir.IsMember(c.Request.Context(), id.TenantID, receiver)
	if err != nil {
		log.Printf("httpapi: membership check: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !ok {
		a.fail(c, message.ErrTenantMismatch)
		return
	}

	stored, err := a.store.Create(c.Request.Context(),
		message.New(id.TenantID, id.UserID, receiver, req.Content, req.Attachment))
	if err != nil {
		a.fail(c, err)
		return
	}

	delivered := a.broker.Deliver(stored)
	a.events.MessageStored(stored, delivered)

	c.JSON(http.StatusCreated, stored)
}

// conversation returns the full history with another user, oldest first.
func (a *API) conversation(c *gin.Context) {
	id := identity(c)
	peer, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	history, err := a.store.History(c.Request.Context(), id.TenantID, id.UserID, peer)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": history})
}

// paginated returns a window of the conversation, newest first.
func (a *API) paginated(c *gin.Context) {
	id := identity(c)
	peer, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	limit, err := intQuery(c, "limit", DefaultPageSize)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	page, err := a.store.Paginated(c.Request.Context(), id.TenantID, id.UserID, peer, limit, offset)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": page, "limit": limit, "offset": offset})
}

// markRead flips a message to read and pushes a read receipt to the
// original sender's live connection.
func (a *API) markRead(c *gin.Context) {
	id := identity(c)
	msgID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	m, err := a.store.Get(c.Request.Context(), id.TenantID, msgID)
	if err != nil {
		a.fail(c, err)
		return
	}
	if err := a.store.MarkRead(c.Request.Context(), id.TenantID, msgID); err != nil {
		a.fail(c, err)
		return
	}

	a.broker.NotifyRead(id.TenantID, m.SenderID, msgID, id.UserID)
	a.events.MessageRead(id.TenantID, msgID, id.UserID)

	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// remove deletes a message permanently. Deleting an already deleted message
// is a 404; the operation is not idempotent.
func (a *API) remove(c *gin.Context) {
	id := identity(c)
	msgID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	if err := a.store.Delete(c.Request.Context(), id.TenantID, msgID); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// partners lists the distinct users the caller has exchanged messages with.
func (a *API) partners(c *gin.Context) {
	id := identity(c)

	partners, err := a.store.Partners(c.Request.Context(), id.TenantID, id.UserID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"partners": partners})
}

// unreadCount returns how many messages addressed to the caller are unread.
func (a *API) unreadCount(c *gin.Context) {
	id := identity(c)

	count, err := a.store.UnreadCount(c.Request.Context(), id.TenantID, id.UserID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// search finds messages in the caller's conversations matching the query.
func (a *API) search(c *gin.Context) {
	id := identity(c)

	query := c.Query("q")
	if strings.TrimSpace(query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query"})
		return
	}

	matches, err := a.store.Search(c.Request.Context(), id.TenantID, id.UserID, query)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": matches})
}

// inbox returns the caller's received messages grouped by sender.
func (a *API) inbox(c *gin.Context) {
	id := identity(c)

	grouped, err := a.store.Inbox(c.Request.Context(), id.TenantID, id.UserID)
	if err != nil {
		a.fail(c, err)
		return
	}

	// JSON object keys must be strings.
	out := make(map[string][]message.Message, len(grouped))
	for sender, msgs := range grouped {
		out[sender.String()] = msgs
	}
	c.JSON(http.StatusOK, gin.H{"inbox": out})
}

// fail maps store errors onto HTTP statuses.
func (a *API) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, message.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, message.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, message.ErrTenantMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		log.Printf("httpapi: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func intQuery(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
