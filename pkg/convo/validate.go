package convo

import (
	"math"
	"strings"
	"unicode/utf8"
)

const (
	RatingMin = 0
	RatingMax = 10

	// AITurnFeedback and AITurnRating are recorded for synthesized AI turns,
	// which are not graded.
	AITurnFeedback = "synthesized"
	AITurnRating   = 10

	minMessageRunes = 2
)

// ValidateScript checks a generated conversation script before it is
// persisted: at least two lines, non-trivial text, speakers strictly
// alternating, and at least one human turn so the final aggregate is defined.
func ValidateScript(messages []Message) error {
	if len(messages) < 2 {
		return NewInvalidRequestErrorWithParam("script must contain at least two messages", "messages")
	}

	hasHuman := false
	for i, m := range messages {
		text := strings.TrimSpace(m.Text)
		if utf8.RuneCountInString(text) < minMessageRunes {
			return NewInvalidRequestErrorWithParam("script message text is too short", "messages")
		}
		if i > 0 && m.IsUser == messages[i-1].IsUser {
			return NewInvalidRequestErrorWithParam("script speakers must alternate", "messages")
		}
		if m.IsUser {
			hasHuman = true
		}
	}
	if !hasHuman {
		return NewInvalidRequestErrorWithParam("script must contain at least one human turn", "messages")
	}
	return nil
}

// ValidateTurnFeedback normalizes a graded turn: feedback must be non-empty
// and the rating is clamped into [RatingMin, RatingMax].
func ValidateTurnFeedback(fb TurnFeedback) (TurnFeedback, error) {
	fb.Feedback = strings.TrimSpace(fb.Feedback)
	if fb.Feedback == "" {
		return TurnFeedback{}, NewInvalidRequestErrorWithParam("feedback must not be empty", "feedback")
	}
	fb.Rating = ClampRating(fb.Rating)
	return fb, nil
}

// ClampRating bounds a rating into [RatingMin, RatingMax].
func ClampRating(rating float64) float64 {
	if rating < RatingMin {
		return RatingMin
	}
	if rating > RatingMax {
		return RatingMax
	}
	return rating
}

// AverageRating is the arithmetic mean of the response ratings, rounded to
// two decimal places. An empty slice yields 0; callers guard the degenerate
// zero-human-turn conversation up front via ValidateScript.
func AverageRating(responses []Response) float64 {
	if len(responses) == 0 {
		return 0
	}
	total := 0.0
	for _, r := range responses {
		total += r.Rating
	}
	return math.Round(total/float64(len(responses))*100) / 100
}
