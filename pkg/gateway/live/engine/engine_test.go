package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlingo/voxlingo/pkg/convo"
)

type memStore struct {
	mu           sync.Mutex
	conversation convo.Conversation
	messages     []convo.Message
	responses    map[int64]convo.Response
	statusLog    []convo.Status
	feedback     *convo.Feedback
	getCalls     int
	finishAfter  int // when > 0, flip status to finished after this many GetConversation calls
}

func newMemStore(status convo.Status, messages []convo.Message) *memStore {
	return &memStore{
		conversation: convo.Conversation{ID: 1, OwnerID: "owner", Status: status},
		messages:     messages,
		responses:    make(map[int64]convo.Response),
	}
}

func (s *memStore) GetConversation(ctx context.Context, id int64, ownerID string) (convo.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if id != s.conversation.ID || ownerID != s.conversation.OwnerID {
		return convo.Conversation{}, convo.NewNotFoundError("conversation not found")
	}
	if s.finishAfter > 0 && s.getCalls > s.finishAfter {
		s.conversation.Status = convo.StatusFinished
	}
	return s.conversation, nil
}

func (s *memStore) NextUnanswered(ctx context.Context, conversationID int64) (*convo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if _, ok := s.responses[m.ID]; !ok {
			msg := m
			return &msg, nil
		}
	}
	return nil, nil
}

func (s *memStore) AnsweredHumanResponses(ctx context.Context, conversationID int64) ([]convo.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]convo.Response, 0)
	for _, m := range s.messages {
		if !m.IsUser {
			continue
		}
		if r, ok := s.responses[m.ID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) UpsertResponse(ctx context.Context, messageID int64, audioURL, feedback string, rating float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[messageID] = convo.Response{MessageID: messageID, AudioURL: audioURL, Feedback: feedback, Rating: rating}
	return nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id int64, from, to convo.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !from.CanTransitionTo(to) {
		return convo.NewInvalidStateError("illegal transition")
	}
	s.conversation.Status = to
	s.statusLog = append(s.statusLog, to)
	return nil
}

func (s *memStore) Finish(ctx context.Context, id int64, feedback string, rating float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation.Status = convo.StatusFinished
	s.statusLog = append(s.statusLog, convo.StatusFinished)
	s.feedback = &convo.Feedback{ConversationID: id, Feedback: feedback, Rating: rating}
	return nil
}

type fakeGenerator struct {
	graded  convo.TurnFeedback
	summary string
	err     error
}

func (g *fakeGenerator) GradeAudio(ctx context.Context, phrase string, audio []byte, mimeType string) (convo.TurnFeedback, error) {
	if g.err != nil {
		return convo.TurnFeedback{}, g.err
	}
	return g.graded, nil
}

func (g *fakeGenerator) Summarize(ctx context.Context, feedbacks []string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.summary, nil
}

type fakeSpeech struct{ err error }

func (s *fakeSpeech) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return []byte("synthesized:" + text), "audio/mpeg", nil
}

type fakeBlob struct{ err error }

func (b *fakeBlob) Store(ctx context.Context, data []byte, mimeType, namespace string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return "https://cdn.test/" + namespace + "/blob", nil
}

// fakeConn scripts the client side: frames pushed into inbound are returned
// by ReadMessage, written frames are recorded and mirrored on writes for the
// test to react to.
type fakeConn struct {
	inbound chan []byte
	writes  chan []byte

	mu      sync.Mutex
	written []map[string]any
	once    sync.Once
	closed  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 8),
		writes:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	// Deliver queued client frames before reporting the close, the way a
	// real socket surfaces buffered reads.
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	default:
	}
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, fmt.Errorf("use of closed connection")
	}
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, frame)
	c.mu.Unlock()
	c.writes <- data
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.written))
	copy(out, c.written)
	return out
}

// awaitFrame blocks until a frame of the given type (and optional status) is
// written, failing the test on timeout.
func (c *fakeConn) awaitFrame(t *testing.T, frameType, status string) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case data := <-c.writes:
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Fatalf("bad frame %q: %v", data, err)
			}
			if frame["type"] != frameType {
				continue
			}
			if status != "" && frame["status"] != status {
				continue
			}
			return frame
		case <-deadline:
			t.Fatalf("timed out waiting for %s/%s frame; got %v", frameType, status, c.frames())
		}
	}
}

func (c *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.inbound <- data
}

func newTestEngine(t *testing.T, store Store, gen Generator, conn *fakeConn) *Engine {
	t.Helper()
	e, err := New(Dependencies{
		Store:     store,
		Generator: gen,
		Speech:    &fakeSpeech{},
		Blob:      &fakeBlob{},
		Conn:      conn,
		OwnerID:   "owner",
		Config:    Config{SetupTimeout: time.Second},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func setupFrame(id int64) map[string]any {
	return map[string]any{"type": "setup", "protocol_version": "1", "conversation_id": id}
}

func sendFrame(id int64, audio string) map[string]any {
	return map[string]any{
		"type":            "send",
		"conversation_id": id,
		"audio_b64":       base64.StdEncoding.EncodeToString([]byte(audio)),
		"mime_type":       "audio/webm",
	}
}

func script() []convo.Message {
	return []convo.Message{
		{ID: 10, ConversationID: 1, Text: "Hi", IsUser: false},
		{ID: 11, ConversationID: 1, Text: "?", IsUser: true},
		{ID: 12, ConversationID: 1, Text: "Bye", IsUser: false},
	}
}

func TestRun_SetupPlaysAITurnThenSuspends(t *testing.T) {
	store := newMemStore(convo.StatusStarted, script())
	conn := newFakeConn()
	e := newTestEngine(t, store, &fakeGenerator{}, conn)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	conn.push(t, setupFrame(1))

	msgFrame := conn.awaitFrame(t, "message", "")
	if msgFrame["audio_url"] == "" {
		t.Fatalf("message frame missing audio_url: %v", msgFrame)
	}
	reqFrame := conn.awaitFrame(t, "request_message", "")
	inner, ok := reqFrame["message"].(map[string]any)
	if !ok || inner["message"] != "?" {
		t.Fatalf("request_message names wrong message: %v", reqFrame)
	}

	store.mu.Lock()
	if _, ok := store.responses[10]; !ok {
		t.Fatalf("AI turn response not persisted before suspension")
	}
	if r := store.responses[10]; r.Feedback != convo.AITurnFeedback || r.Rating != convo.AITurnRating {
		t.Fatalf("AI turn response = %+v", r)
	}
	if _, ok := store.responses[11]; ok {
		t.Fatalf("human turn should not have a response yet")
	}
	store.mu.Unlock()

	// Client walks away mid-conversation: the engine just stops driving.
	conn.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run error: %v", err)
	}
}

func TestRun_FullConversation(t *testing.T) {
	store := newMemStore(convo.StatusCreated, script())
	gen := &fakeGenerator{
		graded:  convo.TurnFeedback{Feedback: "good pace", Rating: 7},
		summary: "Watch the linking sounds.",
	}
	conn := newFakeConn()
	e := newTestEngine(t, store, gen, conn)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	conn.push(t, setupFrame(1))
	conn.awaitFrame(t, "status", "STARTED")
	conn.awaitFrame(t, "request_message", "")
	conn.push(t, sendFrame(1, "spoken answer"))

	finished := conn.awaitFrame(t, "status", "FINISHED")
	if finished["feedback"] != "Watch the linking sounds." {
		t.Fatalf("finished feedback = %v", finished["feedback"])
	}
	if finished["rating"] != 7.0 {
		t.Fatalf("finished rating = %v, want 7", finished["rating"])
	}
	conn.awaitFrame(t, "bye", "")

	if err := <-done; err != nil {
		t.Fatalf("Run error: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.responses) != 3 {
		t.Fatalf("responses = %d, want all three turns answered", len(store.responses))
	}
	if r := store.responses[11]; r.Feedback != "good pace" || r.Rating != 7 {
		t.Fatalf("human response = %+v", r)
	}
	if store.feedback == nil || store.feedback.Rating != 7 {
		t.Fatalf("session feedback = %+v", store.feedback)
	}
	if store.conversation.Status != convo.StatusFinished {
		t.Fatalf("status = %s, want finished", store.conversation.Status)
	}

	// Event order: STARTED before any turn, message(Hi) before
	// request_message, FINISHING before FINISHED.
	var order []string
	for _, f := range conn.frames() {
		if f["type"] == "status" {
			order = append(order, f["status"].(string))
		} else {
			order = append(order, f["type"].(string))
		}
	}
	want := []string{
		"STARTED",
		"PROCESSING_TURN", "message", "TURN_PROCESSED",
		"request_message",
		"PROCESSING_TURN", "message", "TURN_PROCESSED",
		"PROCESSING_TURN", "message", "TURN_PROCESSED",
		"FINISHING", "FINISHED", "bye",
	}
	if len(order) != len(want) {
		t.Fatalf("event order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full order %v)", i, order[i], want[i], order)
		}
	}
}

// A client that keeps sending after its last graded turn must not wedge the
// read loop once the session stops consuming frames.
func TestRun_DrainsLateClientFramesAfterFinish(t *testing.T) {
	store := newMemStore(convo.StatusCreated, script())
	gen := &fakeGenerator{graded: convo.TurnFeedback{Feedback: "ok", Rating: 6}}
	conn := newFakeConn()
	e := newTestEngine(t, store, gen, conn)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	conn.push(t, setupFrame(1))
	conn.awaitFrame(t, "request_message", "")
	conn.push(t, sendFrame(1, "spoken answer"))

	late, err := json.Marshal(sendFrame(1, "too late"))
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	flooded := make(chan struct{})
	go func() {
		defer close(flooded)
		for i := 0; i < 32; i++ {
			conn.inbound <- late
		}
	}()

	conn.awaitFrame(t, "bye", "")
	if err := <-done; err != nil {
		t.Fatalf("Run error: %v", err)
	}

	select {
	case <-flooded:
	case <-time.After(3 * time.Second):
		t.Fatalf("read loop stopped consuming client frames after finish")
	}
}

func TestRun_SetupOnFinishedConversationCloses(t *testing.T) {
	store := newMemStore(convo.StatusFinished, script())
	conn := newFakeConn()
	e := newTestEngine(t, store, &fakeGenerator{}, conn)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	conn.push(t, setupFrame(1))
	conn.awaitFrame(t, "bye", "")
	if err := <-done; err != nil {
		t.Fatalf("Run error: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.responses) != 0 || len(store.statusLog) != 0 {
		t.Fatalf("finished conversation must not be written to")
	}
}

func TestRun_SendAfterFinishClosesWithoutWrites(t *testing.T) {
	store := newMemStore(convo.StatusStarted, []convo.Message{
		{ID: 20, ConversationID: 1, Text: "Say hi", IsUser: true},
	})
	// First get serves setup; the status re-validation on the send sees a
	// conversation that finished in the meantime.
	store.finishAfter = 1

	conn := newFakeConn()
	e := newTestEngine(t, store, &fakeGenerator{graded: convo.TurnFeedback{Feedback: "x", Rating: 1}}, conn)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	conn.push(t, setupFrame(1))
	conn.awaitFrame(t, "request_message", "")
	conn.push(t, sendFrame(1, "late answer"))
	conn.awaitFrame(t, "bye", "")

	if err := <-done; err != nil {
		t.Fatalf("Run error: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.responses) != 0 {
		t.Fatalf("no response may be written after finish, got %v", store.responses)
	}
}

func TestRun_GenerationFailureAbortsTurnKeepsStatus(t *testing.T) {
	store := newMemStore(convo.StatusStarted, []convo.Message{
		{ID: 30, ConversationID: 1, Text: "Repeat after me", IsUser: true},
	})
	gen := &fakeGenerator{err: convo.NewGenerationError("exhausted")}
	conn := newFakeConn()
	e := newTestEngine(t, store, gen, conn)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	conn.push(t, setupFrame(1))
	conn.awaitFrame(t, "request_message", "")
	conn.push(t, sendFrame(1, "attempt"))

	errFrame := conn.awaitFrame(t, "error", "")
	if errFrame["code"] != "assistant_unavailable" {
		t.Fatalf("error code = %v", errFrame["code"])
	}

	if err := <-done; err == nil {
		t.Fatalf("expected Run to surface the generation failure")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.conversation.Status != convo.StatusStarted {
		t.Fatalf("status = %s, want unchanged started", store.conversation.Status)
	}
	if len(store.responses) != 0 {
		t.Fatalf("no partial turn may be persisted, got %v", store.responses)
	}
}

func TestRun_SetupUnknownConversation(t *testing.T) {
	store := newMemStore(convo.StatusStarted, script())
	conn := newFakeConn()
	e := newTestEngine(t, store, &fakeGenerator{}, conn)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	conn.push(t, setupFrame(999))
	errFrame := conn.awaitFrame(t, "error", "")
	if errFrame["code"] != "not_found" {
		t.Fatalf("error code = %v, want not_found", errFrame["code"])
	}
	if err := <-done; err == nil {
		t.Fatalf("expected Run to return the not found error")
	}
}

func TestRun_SendForWrongConversationIsRejected(t *testing.T) {
	store := newMemStore(convo.StatusStarted, []convo.Message{
		{ID: 40, ConversationID: 1, Text: "Say hi", IsUser: true},
		{ID: 41, ConversationID: 1, Text: "Bye", IsUser: false},
	})
	gen := &fakeGenerator{graded: convo.TurnFeedback{Feedback: "ok", Rating: 5}, summary: "s"}
	conn := newFakeConn()
	e := newTestEngine(t, store, gen, conn)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	conn.push(t, setupFrame(1))
	conn.awaitFrame(t, "request_message", "")
	conn.push(t, sendFrame(2, "misdirected"))

	errFrame := conn.awaitFrame(t, "error", "")
	if errFrame["code"] != "bad_request" {
		t.Fatalf("error code = %v", errFrame["code"])
	}

	// The right send still completes the conversation.
	conn.push(t, sendFrame(1, "answer"))
	conn.awaitFrame(t, "status", "FINISHED")
	if err := <-done; err != nil {
		t.Fatalf("Run error: %v", err)
	}
}
