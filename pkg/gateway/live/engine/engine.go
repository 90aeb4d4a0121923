package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlingo/voxlingo/pkg/convo"
	"github.com/voxlingo/voxlingo/pkg/gateway/live/protocol"
	"github.com/voxlingo/voxlingo/pkg/gateway/metrics"
)

// Store is the persistence surface the engine drives turns against.
type Store interface {
	GetConversation(ctx context.Context, id int64, ownerID string) (convo.Conversation, error)
	NextUnanswered(ctx context.Context, conversationID int64) (*convo.Message, error)
	AnsweredHumanResponses(ctx context.Context, conversationID int64) ([]convo.Response, error)
	UpsertResponse(ctx context.Context, messageID int64, audioURL, feedback string, rating float64) error
	UpdateStatus(ctx context.Context, id int64, from, to convo.Status) error
	Finish(ctx context.Context, id int64, feedback string, rating float64) error
}

// Generator grades human turns and summarizes finished sessions.
type Generator interface {
	GradeAudio(ctx context.Context, expectedPhrase string, audio []byte, mimeType string) (convo.TurnFeedback, error)
	Summarize(ctx context.Context, feedbacks []string) (string, error)
}

// Speech synthesizes AI turn text into audio.
type Speech interface {
	Synthesize(ctx context.Context, text string) ([]byte, string, error)
}

// Blob persists audio and returns a public URL.
type Blob interface {
	Store(ctx context.Context, data []byte, mimeType, namespace string) (string, error)
}

type Config struct {
	SetupTimeout   time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	QueueSize      int
	AudioNamespace string
}

// Engine drives one conversation over one live connection. It is a single
// goroutine consuming decoded inbound frames, so turns within a conversation
// are strictly sequential and two sends can never race each other.
type Engine struct {
	store     Store
	generator Generator
	speech    Speech
	blob      Blob
	conn      wsConn
	logger    *slog.Logger
	ownerID   string
	cfg       Config

	// OnSetup, when set, is invoked once with the conversation ID after a
	// valid setup frame resolves to an accessible conversation. Callers use
	// it to index the session. Set before Run.
	OnSetup func(conversationID int64)

	outbound chan []byte
	cancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

type Dependencies struct {
	Store     Store
	Generator Generator
	Speech    Speech
	Blob      Blob
	Conn      wsConn
	Logger    *slog.Logger
	OwnerID   string
	Config    Config
}

var errClientGone = errors.New("engine: client disconnected")

func New(deps Dependencies) (*Engine, error) {
	if deps.Store == nil || deps.Generator == nil || deps.Speech == nil || deps.Blob == nil {
		return nil, errors.New("engine: missing gateway dependency")
	}
	if deps.Conn == nil {
		return nil, errors.New("engine: missing connection")
	}
	cfg := deps.Config
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.AudioNamespace == "" {
		cfg.AudioNamespace = "conversation-audio"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     deps.Store,
		generator: deps.Generator,
		speech:    deps.Speech,
		blob:      deps.Blob,
		conn:      deps.Conn,
		logger:    logger,
		ownerID:   deps.OwnerID,
		cfg:       cfg,
		outbound:  make(chan []byte, cfg.QueueSize),
	}, nil
}

// Cancel aborts the session from outside, e.g. on gateway drain or when a
// newer connection claims the same conversation.
func (e *Engine) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Warn pushes a non-closing error frame if there is queue room; a full or
// finished session drops the warning.
func (e *Engine) Warn(code, message string) error {
	data, err := json.Marshal(protocol.NewError(code, message, false))
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine: session closed")
	}
	select {
	case e.outbound <- data:
		return nil
	default:
		return errors.New("engine: outbound queue full")
	}
}

type inboundFrame struct {
	setup     *protocol.ClientSetup
	send      *protocol.ClientSend
	decodeErr *protocol.DecodeError
}

// Run drives the connection to completion. It returns nil on a clean finish
// or client disconnect; anything else is a session-fatal error already
// reported to the client where the protocol allows it.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	writer := &outboundWriter{
		ws:     e.conn,
		ctx:    ctx,
		out:    e.outbound,
		ping:   e.cfg.PingInterval,
		budget: e.cfg.WriteTimeout,
	}
	writerDone := make(chan error, 1)
	go func() { writerDone <- writer.Run() }()

	inbound := make(chan inboundFrame, 8)
	go e.readLoop(inbound)

	metrics.LiveSessions.Inc()
	defer metrics.LiveSessions.Dec()

	err := e.run(ctx, inbound)

	// run no longer receives once it returns. Keep consuming queued frames
	// so the read loop can reach the connection close instead of blocking
	// on a full queue.
	go func() {
		for range inbound {
		}
	}()

	// Closing the queue lets the writer drain pending frames, send the
	// websocket close message and release the connection, which in turn
	// stops the read loop.
	e.mu.Lock()
	e.closed = true
	close(e.outbound)
	e.mu.Unlock()
	<-writerDone

	if errors.Is(err, errClientGone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) readLoop(inbound chan<- inboundFrame) {
	defer close(inbound)
	for {
		messageType, data, err := e.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		decoded, err := protocol.DecodeClientMessage(data)
		if err != nil {
			var decodeErr *protocol.DecodeError
			if !errors.As(err, &decodeErr) {
				decodeErr = &protocol.DecodeError{Code: "bad_request", Message: "invalid frame"}
			}
			inbound <- inboundFrame{decodeErr: decodeErr}
			continue
		}
		switch msg := decoded.(type) {
		case protocol.ClientSetup:
			inbound <- inboundFrame{setup: &msg}
		case protocol.ClientSend:
			inbound <- inboundFrame{send: &msg}
		}
	}
}

func (e *Engine) run(ctx context.Context, inbound <-chan inboundFrame) error {
	setup, err := e.awaitSetup(ctx, inbound)
	if err != nil {
		return err
	}

	conversation, err := e.store.GetConversation(ctx, setup.ConversationID, e.ownerID)
	if err != nil {
		return e.fail(ctx, err)
	}

	e.logger.Info("live session setup",
		"conversation_id", conversation.ID,
		"status", conversation.Status,
	)
	if e.OnSetup != nil {
		e.OnSetup(conversation.ID)
	}

	switch conversation.Status {
	case convo.StatusFinished:
		// Nothing left to drive; tell the client and hang up.
		e.emit(ctx, protocol.NewBye())
		return nil
	case convo.StatusCreated:
		if err := e.store.UpdateStatus(ctx, conversation.ID, convo.StatusCreated, convo.StatusStarted); err != nil {
			return e.fail(ctx, err)
		}
		e.emit(ctx, protocol.NewStatus(protocol.StatusStarted))
	case convo.StatusStarted:
		// Resume from the next unanswered message without replaying
		// already-answered turns.
	default:
		return e.fail(ctx, convo.NewInvalidStateError(fmt.Sprintf("unknown status %q", conversation.Status)))
	}

	return e.driveTurns(ctx, inbound, conversation.ID)
}

// driveTurns is the turn loop: AI turns play out back to back, human turns
// suspend the loop until the client's send frame arrives, and an exhausted
// script finishes the conversation.
func (e *Engine) driveTurns(ctx context.Context, inbound <-chan inboundFrame, conversationID int64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := e.store.NextUnanswered(ctx, conversationID)
		if err != nil {
			return e.fail(ctx, err)
		}
		if msg == nil {
			return e.finish(ctx, conversationID)
		}

		if msg.IsUser {
			e.rejectQueuedSends(ctx, inbound)
			e.emit(ctx, protocol.NewRequestMessage(*msg))
			send, err := e.awaitSend(ctx, inbound, conversationID)
			if err != nil {
				return err
			}
			if err := e.processHumanTurn(ctx, conversationID, *msg, send); err != nil {
				return e.fail(ctx, err)
			}
			continue
		}

		if err := e.processAITurn(ctx, *msg); err != nil {
			return e.fail(ctx, err)
		}
	}
}

// processAITurn synthesizes, stores and persists one AI-voiced line. The
// message event is only emitted after the response row is durable.
func (e *Engine) processAITurn(ctx context.Context, msg convo.Message) error {
	e.emit(ctx, protocol.NewStatus(protocol.StatusProcessing))

	audio, mimeType, err := e.speech.Synthesize(ctx, msg.Text)
	if err != nil {
		return err
	}
	audioURL, err := e.blob.Store(ctx, audio, mimeType, e.cfg.AudioNamespace)
	if err != nil {
		return err
	}
	if err := e.store.UpsertResponse(ctx, msg.ID, audioURL, convo.AITurnFeedback, convo.AITurnRating); err != nil {
		return err
	}

	e.emit(ctx, protocol.NewMessage(msg, audioURL))
	e.emit(ctx, protocol.NewStatus(protocol.StatusTurnProcessed))
	metrics.TurnsProcessed.WithLabelValues("ai").Inc()
	return nil
}

// processHumanTurn grades and persists the user's answer for the pending
// human message.
func (e *Engine) processHumanTurn(ctx context.Context, conversationID int64, msg convo.Message, send protocol.ClientSend) error {
	// The status may have moved while we were suspended; sends against a
	// non-started conversation close the transport without detail.
	conversation, err := e.store.GetConversation(ctx, conversationID, e.ownerID)
	if err != nil {
		return err
	}
	if conversation.Status != convo.StatusStarted {
		return convo.NewInvalidStateError("conversation is not accepting messages")
	}

	audio, err := send.Audio()
	if err != nil {
		return convo.NewInvalidRequestErrorWithParam("audio payload is not valid base64", "audio_b64")
	}

	e.emit(ctx, protocol.NewStatus(protocol.StatusProcessing))

	graded, err := e.generator.GradeAudio(ctx, msg.Text, audio, send.MimeType)
	if err != nil {
		return err
	}
	audioURL, err := e.blob.Store(ctx, audio, send.MimeType, e.cfg.AudioNamespace)
	if err != nil {
		return err
	}
	if err := e.store.UpsertResponse(ctx, msg.ID, audioURL, graded.Feedback, graded.Rating); err != nil {
		return err
	}

	e.emit(ctx, protocol.NewMessage(msg, audioURL))
	e.emit(ctx, protocol.NewStatus(protocol.StatusTurnProcessed))
	metrics.TurnsProcessed.WithLabelValues("human").Inc()
	return nil
}

// finish aggregates the session: one summary over all human-turn feedback
// texts, the mean rating rounded to two decimals, both persisted together
// with the terminal status in a single transaction.
func (e *Engine) finish(ctx context.Context, conversationID int64) error {
	e.emit(ctx, protocol.NewStatus(protocol.StatusFinishing))

	responses, err := e.store.AnsweredHumanResponses(ctx, conversationID)
	if err != nil {
		return e.fail(ctx, err)
	}

	summary := ""
	rating := 0.0
	if len(responses) > 0 {
		feedbacks := make([]string, 0, len(responses))
		for _, r := range responses {
			feedbacks = append(feedbacks, r.Feedback)
		}
		summary, err = e.generator.Summarize(ctx, feedbacks)
		if err != nil {
			return e.fail(ctx, err)
		}
		rating = convo.AverageRating(responses)
	}

	if err := e.store.Finish(ctx, conversationID, summary, rating); err != nil {
		return e.fail(ctx, err)
	}

	e.emit(ctx, protocol.NewFinishedStatus(summary, rating))
	e.emit(ctx, protocol.NewBye())
	metrics.ConversationsFinished.Inc()
	e.logger.Info("conversation finished", "conversation_id", conversationID, "rating", rating)
	return nil
}

func (e *Engine) awaitSetup(ctx context.Context, inbound <-chan inboundFrame) (protocol.ClientSetup, error) {
	timer := time.NewTimer(e.cfg.SetupTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return protocol.ClientSetup{}, ctx.Err()
		case <-timer.C:
			e.emit(ctx, protocol.NewError("bad_request", "setup frame expected", true))
			return protocol.ClientSetup{}, errors.New("engine: setup timeout")
		case frame, ok := <-inbound:
			if !ok {
				return protocol.ClientSetup{}, errClientGone
			}
			switch {
			case frame.setup != nil:
				return *frame.setup, nil
			case frame.decodeErr != nil:
				e.emit(ctx, protocol.NewError(frame.decodeErr.Code, frame.decodeErr.Error(), false))
			default:
				e.emit(ctx, protocol.NewError("bad_request", "setup must be the first frame", true))
				return protocol.ClientSetup{}, errors.New("engine: first frame was not setup")
			}
		}
	}
}

// awaitSend suspends the turn loop until the client answers the pending
// human turn. Frames that are not a valid send for this conversation get an
// error reply and the wait continues.
func (e *Engine) awaitSend(ctx context.Context, inbound <-chan inboundFrame, conversationID int64) (protocol.ClientSend, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.ClientSend{}, ctx.Err()
		case frame, ok := <-inbound:
			if !ok {
				return protocol.ClientSend{}, errClientGone
			}
			switch {
			case frame.send != nil:
				if frame.send.ConversationID != conversationID {
					e.emit(ctx, protocol.NewError("bad_request", "send is for a different conversation", false))
					continue
				}
				return *frame.send, nil
			case frame.setup != nil:
				e.emit(ctx, protocol.NewError("bad_request", "conversation is already set up", false))
			case frame.decodeErr != nil:
				e.emit(ctx, protocol.NewError(frame.decodeErr.Code, frame.decodeErr.Error(), false))
			}
		}
	}
}

// rejectQueuedSends clears sends that arrived while no human turn was
// pending, e.g. a client double-submit racing TURN_PROCESSED. Each one gets
// an explicit rejection instead of silently grading the wrong turn.
func (e *Engine) rejectQueuedSends(ctx context.Context, inbound <-chan inboundFrame) {
	for {
		select {
		case frame, ok := <-inbound:
			if !ok {
				return
			}
			if frame.send != nil {
				e.emit(ctx, protocol.NewError("unexpected_send", "no human turn is pending", false))
			}
		default:
			return
		}
	}
}

// fail reports a session-fatal error on the protocol and decides what the
// caller returns. Invalid state closes without detail; generation and
// storage failures surface a generic assistant error so the client can
// retry the turn after reconnecting.
func (e *Engine) fail(ctx context.Context, err error) error {
	var convoErr *convo.Error
	if !errors.As(err, &convoErr) {
		e.logger.Error("live session internal error", "error", err)
		e.emit(ctx, protocol.NewError("internal", "internal error", true))
		return err
	}

	switch convoErr.Type {
	case convo.ErrNotFound:
		e.emit(ctx, protocol.NewError("not_found", convoErr.Message, true))
		return err
	case convo.ErrInvalidState:
		e.emit(ctx, protocol.NewBye())
		return nil
	case convo.ErrGeneration, convo.ErrStorage:
		metrics.GenerationFailures.Inc()
		e.logger.Warn("turn aborted", "error", err)
		e.emit(ctx, protocol.NewError("assistant_unavailable", "something is wrong with our assistant, try again", true))
		return err
	case convo.ErrInvalidRequest:
		e.emit(ctx, protocol.NewError("bad_request", convoErr.Message, true))
		return err
	default:
		e.emit(ctx, protocol.NewError("internal", "internal error", true))
		return err
	}
}

func (e *Engine) emit(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("encode outbound frame", "error", err)
		return
	}
	select {
	case e.outbound <- data:
	case <-ctx.Done():
	}
}
