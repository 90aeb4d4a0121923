package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxlingo/voxlingo/pkg/convo"
)

// ErrStaleStatus is returned when a guarded status update matched no row:
// either the conversation moved on concurrently or the transition would go
// backward.
var ErrStaleStatus = errors.New("store: conversation status changed concurrently")

// Store is the persistence boundary for conversations, messages, responses
// and feedback. All soft-deleted rows are invisible to every query.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool against the given DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports database reachability for the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateConversation persists a conversation and its script in one
// transaction. The script must already be validated.
func (s *Store) CreateConversation(ctx context.Context, c convo.Conversation, script []convo.Message) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO conversation (owner_id, title, level, topic, duration, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		c.OwnerID, c.Title, int(c.Level), c.Topic, c.Duration, string(c.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert conversation: %w", err)
	}

	for _, m := range script {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_message (conversation_id, message, is_user)
			 VALUES ($1, $2, $3)`,
			id, m.Text, m.IsUser,
		); err != nil {
			return 0, fmt.Errorf("store: insert message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

// GetConversation loads a conversation scoped to its owner. Absent, soft
// deleted and foreign conversations are indistinguishable: all are NotFound.
func (s *Store) GetConversation(ctx context.Context, id int64, ownerID string) (convo.Conversation, error) {
	var c convo.Conversation
	var status string
	var level int
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, level, topic, duration, status, created_at, updated_at
		 FROM conversation
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`,
		id, ownerID,
	).Scan(&c.ID, &c.OwnerID, &c.Title, &level, &c.Topic, &c.Duration, &status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return convo.Conversation{}, convo.NewNotFoundError("conversation not found")
	}
	if err != nil {
		return convo.Conversation{}, fmt.Errorf("store: get conversation: %w", err)
	}
	c.Level = convo.Level(level)
	c.Status = convo.Status(status)
	return c, nil
}

// ListConversations returns the owner's non-deleted conversations, newest
// first.
func (s *Store) ListConversations(ctx context.Context, ownerID string) ([]convo.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, level, topic, duration, status, created_at
		 FROM conversation
		 WHERE owner_id = $1 AND deleted_at IS NULL
		 ORDER BY id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]convo.Conversation, 0)
	for rows.Next() {
		var c convo.Conversation
		var status string
		var level int
		if err := rows.Scan(&c.ID, &c.Title, &level, &c.Topic, &c.Duration, &status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		c.OwnerID = ownerID
		c.Level = convo.Level(level)
		c.Status = convo.Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetFullConversation returns the conversation with its full script, each
// message's active response URL, and the session feedback if finished.
func (s *Store) GetFullConversation(ctx context.Context, id int64, ownerID string) (convo.FullConversation, error) {
	c, err := s.GetConversation(ctx, id, ownerID)
	if err != nil {
		return convo.FullConversation{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT cm.id, cm.message, cm.is_user, COALESCE(cmr.audio_response_url, ''), cmr.rating
		 FROM conversation_message cm
		 LEFT JOIN conversation_message_response cmr
		   ON cmr.conversation_message_id = cm.id AND cmr.deleted_at IS NULL
		 WHERE cm.conversation_id = $1 AND cm.deleted_at IS NULL
		 ORDER BY cm.id`,
		id,
	)
	if err != nil {
		return convo.FullConversation{}, fmt.Errorf("store: get script: %w", err)
	}
	defer rows.Close()

	full := convo.FullConversation{Conversation: c}
	for rows.Next() {
		var m convo.MessageWithResponse
		if err := rows.Scan(&m.ID, &m.Text, &m.IsUser, &m.AudioURL, &m.Rating); err != nil {
			return convo.FullConversation{}, fmt.Errorf("store: scan message: %w", err)
		}
		m.ConversationID = id
		full.Messages = append(full.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return convo.FullConversation{}, err
	}

	var fb convo.Feedback
	err = s.pool.QueryRow(ctx,
		`SELECT conversation_id, feedback, rating
		 FROM conversation_feedback
		 WHERE conversation_id = $1 AND deleted_at IS NULL`,
		id,
	).Scan(&fb.ConversationID, &fb.Feedback, &fb.Rating)
	if err == nil {
		full.Feedback = &fb
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return convo.FullConversation{}, fmt.Errorf("store: get feedback: %w", err)
	}
	return full, nil
}

// NextUnanswered resolves the next turn: the first message, in creation
// order, with no active response. A nil message means the dialogue is
// exhausted.
func (s *Store) NextUnanswered(ctx context.Context, conversationID int64) (*convo.Message, error) {
	var m convo.Message
	err := s.pool.QueryRow(ctx,
		`SELECT cm.id, cm.conversation_id, cm.message, cm.is_user
		 FROM conversation_message cm
		 LEFT JOIN conversation_message_response cmr
		   ON cmr.conversation_message_id = cm.id AND cmr.deleted_at IS NULL
		 WHERE cm.conversation_id = $1 AND cm.deleted_at IS NULL AND cmr.id IS NULL
		 ORDER BY cm.id
		 LIMIT 1`,
		conversationID,
	).Scan(&m.ID, &m.ConversationID, &m.Text, &m.IsUser)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: next unanswered: %w", err)
	}
	return &m, nil
}

// AnsweredHumanResponses returns the active responses of every human-turn
// message, in script order. These feed the session summary and the average
// rating.
func (s *Store) AnsweredHumanResponses(ctx context.Context, conversationID int64) ([]convo.Response, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cmr.id, cmr.conversation_message_id, cmr.audio_response_url, cmr.feedback, cmr.rating
		 FROM conversation_message cm
		 JOIN conversation_message_response cmr
		   ON cmr.conversation_message_id = cm.id AND cmr.deleted_at IS NULL
		 WHERE cm.conversation_id = $1 AND cm.deleted_at IS NULL AND cm.is_user
		 ORDER BY cm.id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: answered human responses: %w", err)
	}
	defer rows.Close()

	out := make([]convo.Response, 0)
	for rows.Next() {
		var r convo.Response
		if err := rows.Scan(&r.ID, &r.MessageID, &r.AudioURL, &r.Feedback, &r.Rating); err != nil {
			return nil, fmt.Errorf("store: scan response: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertResponse records the answer to a message, superseding any previous
// active response in the same transaction so the single-active-response
// invariant holds at every observation point.
func (s *Store) UpsertResponse(ctx context.Context, messageID int64, audioURL, feedback string, rating float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE conversation_message_response
		 SET deleted_at = now()
		 WHERE conversation_message_id = $1 AND deleted_at IS NULL`,
		messageID,
	); err != nil {
		return fmt.Errorf("store: supersede response: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO conversation_message_response (conversation_message_id, audio_response_url, feedback, rating)
		 VALUES ($1, $2, $3, $4)`,
		messageID, audioURL, feedback, rating,
	); err != nil {
		return fmt.Errorf("store: insert response: %w", err)
	}
	return tx.Commit(ctx)
}

// UpdateStatus moves a conversation from one status to the next. The
// transition is validated in Go and guarded in SQL, so backward or stale
// writes fail with ErrStaleStatus instead of clobbering newer state.
func (s *Store) UpdateStatus(ctx context.Context, id int64, from, to convo.Status) error {
	if !from.CanTransitionTo(to) {
		return convo.NewInvalidStateError(fmt.Sprintf("illegal status transition %s -> %s", from, to))
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversation
		 SET status = $1, updated_at = now()
		 WHERE id = $2 AND status = $3 AND deleted_at IS NULL`,
		string(to), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// Finish writes the session feedback row and moves the conversation to
// finished in a single transaction. Started is the only status finish may
// depart from.
func (s *Store) Finish(ctx context.Context, id int64, feedback string, rating float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE conversation_feedback
		 SET deleted_at = now()
		 WHERE conversation_id = $1 AND deleted_at IS NULL`,
		id,
	); err != nil {
		return fmt.Errorf("store: supersede feedback: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO conversation_feedback (conversation_id, feedback, rating)
		 VALUES ($1, $2, $3)`,
		id, feedback, rating,
	); err != nil {
		return fmt.Errorf("store: insert feedback: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE conversation
		 SET status = $1, updated_at = now()
		 WHERE id = $2 AND status = $3 AND deleted_at IS NULL`,
		string(convo.StatusFinished), id, string(convo.StatusStarted),
	)
	if err != nil {
		return fmt.Errorf("store: finish status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return tx.Commit(ctx)
}
