package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/campuslink/messenger/internal/auth"
	"github.com/campuslink/messenger/internal/broker"
	"github.com/campuslink/messenger/internal/directory"
	"github.com/campuslink/messenger/internal/message"
	"github.com/campuslink/messenger/internal/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeHandle records frames pushed to a "live" connection.
type fakeHandle struct {
	mu     sync.Mutex
	frames [][]byte
}

func (h *fakeHandle) WriteFrame(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	h.frames = append(h.frames, buf)
	return nil
}

func (h *fakeHandle) Close() error { return nil }

type apiFixture struct {
	router    *gin.Engine
	store     *message.MemoryStore
	reg       *registry.Registry
	validator *auth.Validator
	tenant    uuid.UUID
	alice     uuid.UUID
	bob       uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	tenant := uuid.New()
	alice := uuid.New()
	bob := uuid.New()

	store := message.NewMemoryStore()
	reg := registry.New()
	dir := directory.NewStatic().Add(tenant, alice, bob)
	validator := auth.NewValidator([]byte("api-test-secret"))
	b := broker.New(store, reg, dir, validator, nil, nil)

	return &apiFixture{
		router:    New(store, b, dir, validator, nil).Router(),
		store:     store,
		reg:       reg,
		validator: validator,
		tenant:    tenant,
		alice:     alice,
		bob:       bob,
	}
}

func (f *apiFixture) token(t *testing.T, user uuid.UUID) string {
	t.Helper()
	token, err := f.validator.Mint(auth.Identity{UserID: user, TenantID: f.tenant, Role: "student"}, time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func (f *apiFixture) do(t *testing.T, user uuid.UUID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.token(t, user))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) base() string {
	return "/v1/messages/" + f.tenant.String()
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return m
}

func TestSendPersistsAndPushes(t *testing.T) {
	f := newAPIFixture(t)
	bobConn := &fakeHandle{}
	f.reg.Register(f.tenant, f.bob, bobConn)

	w := f.do(t, f.alice, "POST", f.base()+"/send", map[string]string{
		"receiver_id": f.bob.String(),
		"content":     "hello over rest",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	var stored message.Message
	if err := json.Unmarshal(w.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode stored message: %v", err)
	}
	if stored.ID == uuid.Nil {
		t.Error("response missing server-assigned id")
	}
	if stored.SenderID != f.alice || stored.ReceiverID != f.bob {
		t.Errorf("stored routing = %s -> %s", stored.SenderID, stored.ReceiverID)
	}

	history, err := f.store.History(context.Background(), f.tenant, f.alice, f.bob)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(history))
	}

	bobConn.mu.Lock()
	defer bobConn.mu.Unlock()
	if len(bobConn.frames) != 1 {
		t.Fatalf("receiver got %d frames, want 1", len(bobConn.frames))
	}
	var frame map[string]interface{}
	json.Unmarshal(bobConn.frames[0], &frame)
	if frame["content"] != "hello over rest" {
		t.Errorf("pushed content = %v", frame["content"])
	}
}

func TestSendValidation(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, f.alice, "POST", f.base()+"/send", map[string]string{
		"receiver_id": f.bob.String(),
		"content":     "   ",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty content: status = %d, want 400", w.Code)
	}

	w = f.do(t, f.alice, "POST", f.base()+"/send", map[string]string{
		"receiver_id": "not-a-uuid",
		"content":     "hi",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad receiver: status = %d, want 400", w.Code)
	}

	w = f.do(t, f.alice, "POST", f.base()+"/send", map[string]string{
		"receiver_id": uuid.New().String(), // not a tenant member
		"content":     "hi",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("outsider receiver: status = %d, want 403", w.Code)
	}
}

func TestConversationAndPagination(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	for _, content := range []string{"one", "two", "three"} {
		if _, err := f.store.Create(ctx, message.New(f.tenant, f.alice, f.bob, content, nil)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	w := f.do(t, f.alice, "GET", f.base()+"/user/"+f.bob.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("conversation status = %d", w.Code)
	}
	var conv []message.Message
	json.Unmarshal(decode(t, w)["messages"], &conv)
	if len(conv) != 3 {
		t.Fatalf("conversation = %d messages, want 3", len(conv))
	}
	if conv[0].Content != "one" {
		t.Errorf("first message = %q, want %q (oldest first)", conv[0].Content, "one")
	}

	w = f.do(t, f.alice, "GET", f.base()+"/user/"+f.bob.String()+"/paginated?limit=2&offset=0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("paginated status = %d", w.Code)
	}
	var page []message.Message
	json.Unmarshal(decode(t, w)["messages"], &page)
	if len(page) != 2 {
		t.Fatalf("page = %d messages, want 2", len(page))
	}
	if page[0].Content != "three" {
		t.Errorf("first page entry = %q, want %q (newest first)", page[0].Content, "three")
	}

	// Beyond the available data: empty, not an error.
	w = f.do(t, f.alice, "GET", f.base()+"/user/"+f.bob.String()+"/paginated?limit=10&offset=50", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("out-of-range paginated status = %d", w.Code)
	}
	page = nil
	json.Unmarshal(decode(t, w)["messages"], &page)
	if len(page) != 0 {
		t.Errorf("out-of-range page has %d messages, want 0", len(page))
	}
}

func TestMarkReadPushesReceiptAndUpdatesCount(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	stored, err := f.store.Create(ctx, message.New(f.tenant, f.alice, f.bob, "read me", nil))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	aliceConn := &fakeHandle{}
	f.reg.Register(f.tenant, f.alice, aliceConn)

	w := f.do(t, f.bob, "GET", f.base()+"/unread-count", nil)
	var count struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &count)
	if count.Count != 1 {
		t.Fatalf("unread count = %d, want 1", count.Count)
	}

	w = f.do(t, f.bob, "POST", f.base()+"/"+stored.ID.String()+"/read", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("mark read status = %d, body = %s", w.Code, w.Body)
	}

	w = f.do(t, f.bob, "GET", f.base()+"/unread-count", nil)
	json.Unmarshal(w.Body.Bytes(), &count)
	if count.Count != 0 {
		t.Errorf("unread count after read = %d, want 0", count.Count)
	}

	aliceConn.mu.Lock()
	defer aliceConn.mu.Unlock()
	if len(aliceConn.frames) != 1 {
		t.Fatalf("sender got %d frames, want 1 read receipt", len(aliceConn.frames))
	}
	var frame map[string]interface{}
	json.Unmarshal(aliceConn.frames[0], &frame)
	if frame["type"] != "read_receipt" || frame["message_id"] != stored.ID.String() {
		t.Errorf("receipt frame = %v", frame)
	}
}

func TestMarkReadUnknownMessage(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, f.bob, "POST", f.base()+"/"+uuid.New().String()+"/read", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestDeleteIsTerminal(t *testing.T) {
	f := newAPIFixture(t)
	stored, err := f.store.Create(context.Background(), message.New(f.tenant, f.alice, f.bob, "bye", nil))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	w := f.do(t, f.alice, "DELETE", f.base()+"/"+stored.ID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = f.do(t, f.alice, "DELETE", f.base()+"/"+stored.ID.String(), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestSearchAndPartnersAndInbox(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	if _, err := f.store.Create(ctx, message.New(f.tenant, f.alice, f.bob, "deadline tomorrow", nil)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.store.Create(ctx, message.New(f.tenant, f.bob, f.alice, "got it", nil)); err != nil {
		t.Fatalf("create: %v", err)
	}

	w := f.do(t, f.alice, "GET", f.base()+"/search?q=DEADLINE", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d", w.Code)
	}
	var found []message.Message
	json.Unmarshal(decode(t, w)["messages"], &found)
	if len(found) != 1 || found[0].Content != "deadline tomorrow" {
		t.Errorf("search found %d messages", len(found))
	}

	w = f.do(t, f.alice, "GET", f.base()+"/search", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty query status = %d, want 400", w.Code)
	}

	w = f.do(t, f.alice, "GET", f.base()+"/partners", nil)
	var partners []uuid.UUID
	json.Unmarshal(decode(t, w)["partners"], &partners)
	if len(partners) != 1 || partners[0] != f.bob {
		t.Errorf("partners = %v, want [%s]", partners, f.bob)
	}

	w = f.do(t, f.alice, "GET", f.base()+"/inbox", nil)
	var inbox map[string][]message.Message
	json.Unmarshal(decode(t, w)["inbox"], &inbox)
	if len(inbox[f.bob.String()]) != 1 {
		t.Errorf("inbox from bob = %d messages, want 1", len(inbox[f.bob.String()]))
	}
}

func TestTenantScopeEnforced(t *testing.T) {
	f := newAPIFixture(t)

	// Token for one tenant, URL for another.
	other := uuid.New()
	w := f.do(t, f.alice, "GET", "/v1/messages/"+other.String()+"/partners", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("cross-tenant status = %d, want 403", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest("GET", f.base()+"/partners", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest("GET", f.base()+"/partners", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", w.Code)
	}
}
