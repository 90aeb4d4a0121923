package convo

import "testing"

func TestValidateScript(t *testing.T) {
	tests := []struct {
		name     string
		messages []Message
		wantErr  bool
	}{
		{
			name: "alternating pair",
			messages: []Message{
				{Text: "Good morning", IsUser: false},
				{Text: "Hello there", IsUser: true},
			},
		},
		{
			name: "alternating run",
			messages: []Message{
				{Text: "Hi", IsUser: false},
				{Text: "Hello", IsUser: true},
				{Text: "How are you?", IsUser: false},
				{Text: "Fine, thanks", IsUser: true},
			},
		},
		{
			name: "consecutive same speaker",
			messages: []Message{
				{Text: "Hi", IsUser: false},
				{Text: "How are you?", IsUser: false},
				{Text: "Fine", IsUser: true},
			},
			wantErr: true,
		},
		{
			name:     "single message",
			messages: []Message{{Text: "Hi", IsUser: true}},
			wantErr:  true,
		},
		{
			name: "no human turn",
			messages: []Message{
				{Text: "Hi", IsUser: false},
				{Text: "Bye", IsUser: false},
			},
			wantErr: true,
		},
		{
			name: "empty text",
			messages: []Message{
				{Text: "Hi", IsUser: false},
				{Text: "  ", IsUser: true},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScript(tt.messages)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateScript() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTurnFeedback(t *testing.T) {
	fb, err := ValidateTurnFeedback(TurnFeedback{Feedback: " solid pronunciation ", Rating: 14})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fb.Feedback != "solid pronunciation" {
		t.Fatalf("feedback = %q, want trimmed", fb.Feedback)
	}
	if fb.Rating != RatingMax {
		t.Fatalf("rating = %v, want clamped to %d", fb.Rating, RatingMax)
	}

	if _, err := ValidateTurnFeedback(TurnFeedback{Feedback: "   ", Rating: 5}); err == nil {
		t.Fatalf("expected error for empty feedback")
	}

	fb, err = ValidateTurnFeedback(TurnFeedback{Feedback: "try again", Rating: -3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fb.Rating != RatingMin {
		t.Fatalf("rating = %v, want clamped to %d", fb.Rating, RatingMin)
	}
}

func TestAverageRating(t *testing.T) {
	got := AverageRating([]Response{{Rating: 8}, {Rating: 6}, {Rating: 10}})
	if got != 8.00 {
		t.Fatalf("AverageRating = %v, want 8.00", got)
	}

	got = AverageRating([]Response{{Rating: 7}, {Rating: 8}})
	if got != 7.5 {
		t.Fatalf("AverageRating = %v, want 7.5", got)
	}

	got = AverageRating([]Response{{Rating: 5}, {Rating: 5}, {Rating: 6}})
	if got != 5.33 {
		t.Fatalf("AverageRating = %v, want 5.33", got)
	}

	if got = AverageRating(nil); got != 0 {
		t.Fatalf("AverageRating(empty) = %v, want 0", got)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusStarted, true},
		{StatusCreated, StatusFinished, true},
		{StatusStarted, StatusFinished, true},
		{StatusStarted, StatusCreated, false},
		{StatusFinished, StatusStarted, false},
		{StatusFinished, StatusCreated, false},
		{StatusFinished, StatusFinished, false},
		{StatusStarted, StatusStarted, false},
		{Status("bogus"), StatusStarted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Fatalf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestLevelLabel(t *testing.T) {
	if LevelEasy.Label() != "easy" || LevelMedium.Label() != "medium" || LevelHard.Label() != "hard" {
		t.Fatalf("unexpected level labels")
	}
	if Level(9).Valid() {
		t.Fatalf("level 9 should be invalid")
	}
}
