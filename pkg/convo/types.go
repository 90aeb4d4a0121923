package convo

import "time"

// Status is the persisted lifecycle state of a conversation. Transitions are
// monotonic: Created -> Started -> Finished. Finished is terminal.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusStarted, StatusFinished:
		return true
	}
	return false
}

// rank orders statuses for the monotonic-transition check.
func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusStarted:
		return 1
	case StatusFinished:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Same-state writes are rejected too: every status is written
// exactly once.
func (s Status) CanTransitionTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// Level is the difficulty ordinal chosen at creation time.
type Level int

const (
	LevelEasy   Level = 1
	LevelMedium Level = 2
	LevelHard   Level = 3
)

func (l Level) Valid() bool {
	return l >= LevelEasy && l <= LevelHard
}

// Label returns the wording used in prompts and generated titles.
func (l Level) Label() string {
	switch l {
	case LevelEasy:
		return "easy"
	case LevelMedium:
		return "medium"
	case LevelHard:
		return "hard"
	default:
		return "unknown"
	}
}

// Conversation is one practice dialogue. Soft-deleted rows are invisible to
// every store query.
type Conversation struct {
	ID        int64      `json:"id"`
	OwnerID   string     `json:"-"`
	Title     string     `json:"title"`
	Level     Level      `json:"level"`
	Topic     string     `json:"topic"`
	Duration  int        `json:"duration"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Message is one scripted dialogue line. Messages are immutable once created
// and ordered by id within their conversation.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	Text           string `json:"message"`
	IsUser         bool   `json:"is_user"`
}

// Response is the active answer to one message: audio URL plus per-turn
// feedback. At most one non-deleted response exists per message; redoing a
// turn soft-deletes the previous row first.
type Response struct {
	ID        int64   `json:"id"`
	MessageID int64   `json:"message_id"`
	AudioURL  string  `json:"audio_url"`
	Feedback  string  `json:"feedback"`
	Rating    float64 `json:"rating"`
}

// TurnFeedback is the graded result of a single human turn.
type TurnFeedback struct {
	Feedback string  `json:"feedback"`
	Rating   float64 `json:"rating"`
}

// Feedback is the session-level summary written when a conversation reaches
// Finished. Rating is the mean over all human-turn responses, rounded to two
// decimal places.
type Feedback struct {
	ConversationID int64   `json:"conversation_id"`
	Feedback       string  `json:"feedback"`
	Rating         float64 `json:"rating"`
}

// FullConversation is the read model served by the detail endpoint: the
// conversation with its script and each message's active response, if any.
type FullConversation struct {
	Conversation
	Messages []MessageWithResponse `json:"messages"`
	Feedback *Feedback             `json:"feedback,omitempty"`
}

type MessageWithResponse struct {
	Message
	AudioURL string   `json:"audio_url,omitempty"`
	Rating   *float64 `json:"rating,omitempty"`
}
