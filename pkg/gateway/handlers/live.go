package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlingo/voxlingo/pkg/convo"
	"github.com/voxlingo/voxlingo/pkg/gateway/config"
	"github.com/voxlingo/voxlingo/pkg/gateway/live/engine"
	"github.com/voxlingo/voxlingo/pkg/gateway/live/sessions"
	"github.com/voxlingo/voxlingo/pkg/gateway/mw"
	"github.com/voxlingo/voxlingo/pkg/gateway/ratelimit"
)

// LiveHandler handles /v1/live websocket sessions. Each accepted connection
// runs one conversation engine to completion.
type LiveHandler struct {
	Config       config.Config
	Store        engine.Store
	Generator    engine.Generator
	Speech       engine.Speech
	Blob         engine.Blob
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	LiveSessions *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeErrorJSON(w, reqID, &convo.Error{Type: convo.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.LiveSessions.Draining() {
		writeErrorJSON(w, reqID, &convo.Error{Type: convo.ErrAPI, Message: "gateway is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeErrorJSON(w, reqID, &convo.Error{Type: convo.ErrAuthentication, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	ownerID := ownerFrom(r)

	var permit *ratelimit.Permit
	if h.Limiter != nil {
		dec := h.Limiter.AcquireSession(ownerID, time.Now())
		if !dec.Allowed {
			writeErrorJSON(w, reqID, &convo.Error{Type: convo.ErrRateLimit, Message: "too many live sessions"}, http.StatusTooManyRequests)
			return
		}
		permit = dec.Permit
	}
	defer permit.Release()

	upgrader := websocket.Upgrader{
		// Origin is validated above against the configured allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.Config.LiveMaxAudioBytes > 0 {
		// Frames carry base64-encoded audio plus the JSON envelope.
		conn.SetReadLimit(h.Config.LiveMaxAudioBytes*4/3 + 4096)
	}

	eng, err := engine.New(engine.Dependencies{
		Store:     h.Store,
		Generator: h.Generator,
		Speech:    h.Speech,
		Blob:      h.Blob,
		Conn:      conn,
		Logger:    h.Logger,
		OwnerID:   ownerID,
		Config: engine.Config{
			SetupTimeout:   h.Config.LiveSetupTimeout,
			PingInterval:   h.Config.LiveWSPingInterval,
			WriteTimeout:   h.Config.LiveWSWriteTimeout,
			QueueSize:      h.Config.LiveQueueSize,
			AudioNamespace: h.Config.AudioNamespace,
		},
	})
	if err != nil {
		_ = conn.Close()
		return
	}

	// Registration is keyed by conversation, which is only known after the
	// setup frame. The engine reports it back so a second connection for the
	// same conversation displaces this one.
	unregister := func() {}
	eng.OnSetup = func(conversationID int64) {
		unregister = h.LiveSessions.Register(conversationID, sessions.Handle{
			OwnerID: ownerID,
			Cancel:  eng.Cancel,
			Warn:    eng.Warn,
		})
	}
	defer func() { unregister() }()

	if err := eng.Run(r.Context()); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("live session ended with error", "request_id", reqID, "error", err)
		}
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients.
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}
