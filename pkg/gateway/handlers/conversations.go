package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/voxlingo/voxlingo/pkg/convo"
	"github.com/voxlingo/voxlingo/pkg/gateway/auth"
	"github.com/voxlingo/voxlingo/pkg/gateway/config"
	"github.com/voxlingo/voxlingo/pkg/gateway/mw"
)

// ConversationStore is the persistence surface the REST handlers need.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c convo.Conversation, script []convo.Message) (int64, error)
	GetConversation(ctx context.Context, id int64, ownerID string) (convo.Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]convo.Conversation, error)
	GetFullConversation(ctx context.Context, id int64, ownerID string) (convo.FullConversation, error)
}

// ScriptGenerator produces the scripted dialogue for a new conversation.
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, level convo.Level, topic string, duration int) ([]convo.Message, error)
}

// ConversationsHandler handles /v1/conversations and /v1/conversations/{id}.
type ConversationsHandler struct {
	Config    config.Config
	Store     ConversationStore
	Generator ScriptGenerator
	Logger    *slog.Logger
}

type createConversationRequest struct {
	Topic    string `json:"topic"`
	Level    int    `json:"level"`
	Duration int    `json:"duration"`
}

func (h ConversationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	ownerID := ownerFrom(r)

	// Script generation retries against the model; cap the whole request so
	// a stalled upstream surfaces as a timeout instead of hanging.
	if h.Config.HandlerTimeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), h.Config.HandlerTimeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/conversations")
	rest = strings.Trim(rest, "/")

	switch {
	case rest == "" && r.Method == http.MethodPost:
		h.create(w, r, reqID, ownerID)
	case rest == "" && r.Method == http.MethodGet:
		h.list(w, r, reqID, ownerID)
	case rest != "" && r.Method == http.MethodGet:
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			writeErrorJSON(w, reqID, convo.NewInvalidRequestErrorWithParam("conversation id must be a positive integer", "id"), http.StatusBadRequest)
			return
		}
		h.get(w, r, reqID, ownerID, id)
	default:
		writeErrorJSON(w, reqID, &convo.Error{Type: convo.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
	}
}

func (h ConversationsHandler) create(w http.ResponseWriter, r *http.Request, reqID, ownerID string) {
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorJSON(w, reqID, convo.NewInvalidRequestError("failed to read request body"), http.StatusBadRequest)
		return
	}

	var req createConversationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorJSON(w, reqID, convo.NewInvalidRequestError("invalid json body"), http.StatusBadRequest)
		return
	}

	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		writeErrorJSON(w, reqID, convo.NewInvalidRequestErrorWithParam("topic is required", "topic"), http.StatusBadRequest)
		return
	}
	level := convo.Level(req.Level)
	if !level.Valid() {
		writeErrorJSON(w, reqID, convo.NewInvalidRequestErrorWithParam("level must be 1, 2 or 3", "level"), http.StatusBadRequest)
		return
	}
	if req.Duration == 0 {
		req.Duration = 10
	}
	maxMessages := h.Config.MaxScriptMessages
	if maxMessages < 2 {
		maxMessages = 64
	}
	if req.Duration < 2 || req.Duration > maxMessages {
		writeErrorJSON(w, reqID, convo.NewInvalidRequestErrorWithParam(
			fmt.Sprintf("duration must be between 2 and %d messages", maxMessages), "duration"), http.StatusBadRequest)
		return
	}

	script, err := h.Generator.GenerateScript(r.Context(), level, req.Topic, req.Duration)
	if err != nil {
		writeErr(w, reqID, err)
		return
	}

	conversation := convo.Conversation{
		OwnerID:  ownerID,
		Title:    fmt.Sprintf("Conversation about %s on level %s", req.Topic, level.Label()),
		Level:    level,
		Topic:    req.Topic,
		Duration: req.Duration,
		Status:   convo.StatusCreated,
	}
	id, err := h.Store.CreateConversation(r.Context(), conversation, script)
	if err != nil {
		writeErr(w, reqID, err)
		return
	}

	created, err := h.Store.GetConversation(r.Context(), id, ownerID)
	if err != nil {
		writeErr(w, reqID, err)
		return
	}

	if h.Logger != nil {
		h.Logger.Info("conversation created",
			"request_id", reqID,
			"conversation_id", id,
			"level", int(level),
			"messages", len(script),
		)
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h ConversationsHandler) list(w http.ResponseWriter, r *http.Request, reqID, ownerID string) {
	conversations, err := h.Store.ListConversations(r.Context(), ownerID)
	if err != nil {
		writeErr(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Conversations []convo.Conversation `json:"conversations"`
	}{Conversations: conversations})
}

func (h ConversationsHandler) get(w http.ResponseWriter, r *http.Request, reqID, ownerID string, id int64) {
	full, err := h.Store.GetFullConversation(r.Context(), id, ownerID)
	if err != nil {
		writeErr(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, full)
}

// ownerFrom resolves the conversation owner for this request. Anonymous is
// only reachable when auth is disabled.
func ownerFrom(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.OwnerID()
	}
	return "anonymous"
}
