package model

// Patch is a partial update of the game fields. Nil fields are left untouched.
//
// ClearRound wipes level, index, question, starter and the answered set; it is
// applied before the explicit fields so a patch can clear and set in one go.
// AddAnswered inserts a user into the answered set if not already present.
type Patch struct {
	Phase         *Phase
	Level         *Level
	QuestionIndex *int
	Question      *string
	StarterID     *string
	AnsweredUsers []string
	ResetAnswered bool
	AddAnswered   string
	ClearRound    bool
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.Phase == nil && p.Level == nil && p.QuestionIndex == nil && p.Question == nil &&
		p.StarterID == nil && p.AnsweredUsers == nil && !p.ResetAnswered && p.AddAnswered == "" && !p.ClearRound
}

// Apply returns s with the patch applied. s is not modified.
func (p Patch) Apply(s GameState) GameState {
	out := s.Clone()
	if p.ClearRound {
		out.Level = nil
		out.QuestionIndex = nil
		out.Question = nil
		out.StarterID = nil
		out.AnsweredUsers = []string{}
	}
	if p.Phase != nil {
		out.Phase = *p.Phase
	}
	if p.Level != nil {
		out.Level = clonePtr(p.Level)
	}
	if p.QuestionIndex != nil {
		out.QuestionIndex = clonePtr(p.QuestionIndex)
	}
	if p.Question != nil {
		out.Question = clonePtr(p.Question)
	}
	if p.StarterID != nil {
		out.StarterID = clonePtr(p.StarterID)
	}
	if p.ResetAnswered {
		out.AnsweredUsers = []string{}
	}
	if p.AnsweredUsers != nil {
		out.AnsweredUsers = append([]string{}, p.AnsweredUsers...)
	}
	if p.AddAnswered != "" && !out.HasAnswered(p.AddAnswered) {
		out.AnsweredUsers = append(out.AnsweredUsers, p.AddAnswered)
	}
	if out.AnsweredUsers == nil {
		out.AnsweredUsers = []string{}
	}
	return out
}
