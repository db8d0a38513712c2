package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"proconnect/internal/middleware"
	"proconnect/internal/registry"
	"proconnect/pkg/logger"
)

// asUser injects the authenticated identity the way the auth middleware does.
func asUser(userID int, username string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.UserIDKey, userID)
			ctx = context.WithValue(ctx, middleware.UsernameKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newHandlerHarness(t *testing.T) (*Handler, *MemoryStore, *UnreadCounter) {
	t.Helper()
	store := NewMemoryStore()
	unread := NewUnreadCounter(store, newMemoryCache(), time.Minute, logger.NewNop())
	gw := NewGateway(context.Background(), store, registry.New(), unread, NewLoopbackBroker(), logger.NewNop())
	h := NewHandler(gw, store, unread, logger.NewNop())
	return h, store, unread
}

func routerAs(h *Handler, userID int, username string) http.Handler {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(asUser(userID, username))
		h.Routes(r)
	})
	return r
}

func TestHandler_StartConversationIdempotent(t *testing.T) {
	h, store, _ := newHandlerHarness(t)
	alice := store.AddUser("alice")
	bob := store.AddUser("bob")
	router := routerAs(h, alice, "alice")

	body := `{"participantId":` + strconv.Itoa(bob) + `}`

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/conversations", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create status = %d, want 201", rec.Code)
	}
	var first Conversation
	json.Unmarshal(rec.Body.Bytes(), &first)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/conversations", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("second create status = %d, want 200", rec.Code)
	}
	var second Conversation
	json.Unmarshal(rec.Body.Bytes(), &second)

	if first.ID != second.ID {
		t.Errorf("conversation ids differ: %d vs %d", first.ID, second.ID)
	}
}

func TestHandler_StartConversationWithSelfRejected(t *testing.T) {
	h, store, _ := newHandlerHarness(t)
	alice := store.AddUser("alice")
	router := routerAs(h, alice, "alice")

	body := `{"participantId":` + strconv.Itoa(alice) + `}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/conversations", strings.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_GetMessagesAscending(t *testing.T) {
	h, store, _ := newHandlerHarness(t)
	ctx := context.Background()
	alice := store.AddUser("alice")
	bob := store.AddUser("bob")
	conv, _, _ := store.FindOrCreateConversation(ctx, alice, bob)
	store.AppendMessage(ctx, conv.ID, alice, "first")
	store.AppendMessage(ctx, conv.ID, bob, "second")

	router := routerAs(h, alice, "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/conversations/"+strconv.Itoa(conv.ID)+"/messages", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var msgs []Message
	json.Unmarshal(rec.Body.Bytes(), &msgs)
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("messages out of order: %+v", msgs)
	}
}

func TestHandler_GetMessagesForbiddenForOutsider(t *testing.T) {
	h, store, _ := newHandlerHarness(t)
	ctx := context.Background()
	alice := store.AddUser("alice")
	bob := store.AddUser("bob")
	eve := store.AddUser("eve")
	conv, _, _ := store.FindOrCreateConversation(ctx, alice, bob)

	router := routerAs(h, eve, "eve")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/conversations/"+strconv.Itoa(conv.ID)+"/messages", nil))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestHandler_MarkReadAndUnreadCount(t *testing.T) {
	h, store, _ := newHandlerHarness(t)
	ctx := context.Background()
	alice := store.AddUser("alice")
	bob := store.AddUser("bob")
	conv, _, _ := store.FindOrCreateConversation(ctx, alice, bob)
	store.AppendMessage(ctx, conv.ID, alice, "Hi")

	bobRouter := routerAs(h, bob, "bob")

	rec := httptest.NewRecorder()
	bobRouter.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/unread-count", nil))
	var count map[string]int
	json.Unmarshal(rec.Body.Bytes(), &count)
	if count["count"] != 1 {
		t.Fatalf("unread count = %d, want 1", count["count"])
	}

	rec = httptest.NewRecorder()
	bobRouter.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/chat/conversations/"+strconv.Itoa(conv.ID)+"/read", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("mark-read status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	bobRouter.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/unread-count", nil))
	json.Unmarshal(rec.Body.Bytes(), &count)
	if count["count"] != 0 {
		t.Errorf("unread count after mark-read = %d, want 0", count["count"])
	}
}

func TestHandler_ListConversationsEmpty(t *testing.T) {
	h, store, _ := newHandlerHarness(t)
	alice := store.AddUser("alice")

	router := routerAs(h, alice, "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/conversations", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}
