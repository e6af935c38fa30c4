package domain

import "testing"

func TestGenerationType_Wants(t *testing.T) {
	cases := []struct {
		g            GenerationType
		epics, wants bool
	}{
		{GenerateEpicsOnly, true, false},
		{GenerateStoriesOnly, false, true},
		{GenerateBoth, true, true},
	}
	for _, tc := range cases {
		if got := tc.g.WantsEpics(); got != tc.epics {
			t.Errorf("%s.WantsEpics() = %v, want %v", tc.g, got, tc.epics)
		}
		if got := tc.g.WantsStories(); got != tc.wants {
			t.Errorf("%s.WantsStories() = %v, want %v", tc.g, got, tc.wants)
		}
	}
}

func TestSessionState_QuestionsResolved(t *testing.T) {
	s := &SessionState{}
	if !s.QuestionsResolved() {
		t.Error("empty question list must count as resolved")
	}

	s.Questions = []*Question{
		{ID: "q_1", Answered: true},
		{ID: "q_2", Skipped: true},
		{ID: "q_3"},
	}
	if s.QuestionsResolved() {
		t.Error("open question q_3 should block resolution")
	}

	s.Questions[2].Answered = true
	if !s.QuestionsResolved() {
		t.Error("all questions resolved, expected true")
	}
}

func TestSessionState_Counts(t *testing.T) {
	s := &SessionState{
		Questions: []*Question{
			{Answered: true},
			{Answered: true, Skipped: true},
			{},
		},
	}
	if got := s.AnsweredCount(); got != 1 {
		t.Errorf("AnsweredCount = %d, want 1 (skips excluded)", got)
	}
	if got := s.SkippedCount(); got != 1 {
		t.Errorf("SkippedCount = %d, want 1", got)
	}
}

func TestSessionState_TotalStoryPoints(t *testing.T) {
	s := &SessionState{
		Epics:       []Epic{{EstimatedStoryPoints: 21}, {EstimatedStoryPoints: 8}},
		UserStories: []UserStory{{StoryPoints: 5}, {StoryPoints: 3}},
	}
	if got := s.TotalStoryPoints(); got != 37 {
		t.Errorf("TotalStoryPoints = %d, want 37", got)
	}
}

func TestQuestionByID(t *testing.T) {
	s := &SessionState{Questions: []*Question{{ID: "q_1"}, {ID: "q_2"}}}
	if q := s.QuestionByID("q_2"); q == nil || q.ID != "q_2" {
		t.Errorf("QuestionByID(q_2) = %+v", q)
	}
	if q := s.QuestionByID("q_9"); q != nil {
		t.Errorf("QuestionByID(q_9) = %+v, want nil", q)
	}
}

func TestEngineError_Format(t *testing.T) {
	err := NewEngineError(-32010, "invalid phase transition")
	want := "engine error -32010: invalid phase transition"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := WrapEngineError(-32132, "save session", ErrStoreWrite)
	if wrapped.Code != -32132 {
		t.Errorf("Code = %d, want -32132", wrapped.Code)
	}
}
