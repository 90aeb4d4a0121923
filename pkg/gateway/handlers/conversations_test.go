package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxlingo/voxlingo/pkg/convo"
	"github.com/voxlingo/voxlingo/pkg/gateway/config"
)

type fakeConversationStore struct {
	created      *convo.Conversation
	script       []convo.Message
	conversation convo.Conversation
	full         convo.FullConversation
	listed       []convo.Conversation
	err          error
}

func (s *fakeConversationStore) CreateConversation(ctx context.Context, c convo.Conversation, script []convo.Message) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.created = &c
	s.script = script
	return 42, nil
}

func (s *fakeConversationStore) GetConversation(ctx context.Context, id int64, ownerID string) (convo.Conversation, error) {
	if s.err != nil {
		return convo.Conversation{}, s.err
	}
	c := s.conversation
	c.ID = id
	return c, nil
}

func (s *fakeConversationStore) ListConversations(ctx context.Context, ownerID string) ([]convo.Conversation, error) {
	return s.listed, s.err
}

func (s *fakeConversationStore) GetFullConversation(ctx context.Context, id int64, ownerID string) (convo.FullConversation, error) {
	if s.err != nil {
		return convo.FullConversation{}, s.err
	}
	return s.full, nil
}

type fakeScriptGenerator struct {
	script []convo.Message
	err    error
	stall  bool

	gotLevel    convo.Level
	gotTopic    string
	gotDuration int
}

func (g *fakeScriptGenerator) GenerateScript(ctx context.Context, level convo.Level, topic string, duration int) ([]convo.Message, error) {
	g.gotLevel, g.gotTopic, g.gotDuration = level, topic, duration
	if g.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return g.script, g.err
}

func testScript() []convo.Message {
	return []convo.Message{
		{Text: "Hello there", IsUser: false},
		{Text: "Hi, how are you?", IsUser: true},
	}
}

func newConversationsHandler(store *fakeConversationStore, gen *fakeScriptGenerator) ConversationsHandler {
	return ConversationsHandler{
		Config:    config.Config{MaxBodyBytes: 1 << 20, MaxScriptMessages: 64},
		Store:     store,
		Generator: gen,
	}
}

func TestConversations_Create(t *testing.T) {
	store := &fakeConversationStore{conversation: convo.Conversation{Title: "t", Status: convo.StatusCreated}}
	gen := &fakeScriptGenerator{script: testScript()}
	h := newConversationsHandler(store, gen)

	body := `{"topic":"ordering food","level":2,"duration":6}`
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if gen.gotLevel != convo.LevelMedium || gen.gotTopic != "ordering food" || gen.gotDuration != 6 {
		t.Fatalf("generator called with level=%d topic=%q duration=%d", gen.gotLevel, gen.gotTopic, gen.gotDuration)
	}
	if store.created == nil {
		t.Fatalf("conversation was not persisted")
	}
	if store.created.Title != "Conversation about ordering food on level medium" {
		t.Fatalf("title = %q", store.created.Title)
	}
	if store.created.Status != convo.StatusCreated {
		t.Fatalf("status = %q, want created", store.created.Status)
	}
	if len(store.script) != 2 {
		t.Fatalf("persisted script has %d messages", len(store.script))
	}
}

func TestConversations_CreateValidation(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		param string
	}{
		{"missing topic", `{"level":1,"duration":4}`, "topic"},
		{"blank topic", `{"topic":"  ","level":1,"duration":4}`, "topic"},
		{"level too low", `{"topic":"x","level":0,"duration":4}`, "level"},
		{"level too high", `{"topic":"x","level":4,"duration":4}`, "level"},
		{"duration too short", `{"topic":"x","level":1,"duration":1}`, "duration"},
		{"duration too long", `{"topic":"x","level":1,"duration":1000}`, "duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newConversationsHandler(&fakeConversationStore{}, &fakeScriptGenerator{script: testScript()})
			req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), `"param":"`+tc.param+`"`) {
				t.Fatalf("body %q does not name param %q", rr.Body.String(), tc.param)
			}
		})
	}
}

func TestConversations_CreateGenerationFailureIs502(t *testing.T) {
	gen := &fakeScriptGenerator{err: convo.NewGenerationError("exhausted retries")}
	h := newConversationsHandler(&fakeConversationStore{}, gen)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader(`{"topic":"x","level":1,"duration":4}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"code":"assistant_unavailable"`) {
		t.Fatalf("body %q missing assistant_unavailable code", rr.Body.String())
	}
}

func TestConversations_CreateTimesOutOnStalledGenerator(t *testing.T) {
	gen := &fakeScriptGenerator{stall: true}
	h := newConversationsHandler(&fakeConversationStore{}, gen)
	h.Config.HandlerTimeout = 30 * time.Millisecond

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader(`{"topic":"x","level":1,"duration":4}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"type":"api_error"`) {
		t.Fatalf("body %q missing api_error type", rr.Body.String())
	}
}

func TestConversations_List(t *testing.T) {
	store := &fakeConversationStore{listed: []convo.Conversation{{ID: 1}, {ID: 2}}}
	h := newConversationsHandler(store, &fakeScriptGenerator{})

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp struct {
		Conversations []convo.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Conversations) != 2 {
		t.Fatalf("conversations = %d, want 2", len(resp.Conversations))
	}
}

func TestConversations_GetByID(t *testing.T) {
	store := &fakeConversationStore{full: convo.FullConversation{
		Conversation: convo.Conversation{ID: 7, Status: convo.StatusFinished},
		Messages:     []convo.MessageWithResponse{{Message: convo.Message{ID: 1, Text: "Hi"}}},
	}}
	h := newConversationsHandler(store, &fakeScriptGenerator{})

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/7", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"status":"finished"`) {
		t.Fatalf("body %q missing status", rr.Body.String())
	}
}

func TestConversations_GetUnknownIs404(t *testing.T) {
	store := &fakeConversationStore{err: convo.NewNotFoundError("conversation not found")}
	h := newConversationsHandler(store, &fakeScriptGenerator{})

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/999", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestConversations_BadIDIs400(t *testing.T) {
	h := newConversationsHandler(&fakeConversationStore{}, &fakeScriptGenerator{})

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/abc", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestConversations_DeleteIsMethodNotAllowed(t *testing.T) {
	h := newConversationsHandler(&fakeConversationStore{}, &fakeScriptGenerator{})

	req := httptest.NewRequest(http.MethodDelete, "/v1/conversations", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
