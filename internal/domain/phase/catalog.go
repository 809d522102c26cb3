package phase

import (
	"fmt"

	"github.com/okian/icebreaker/internal/domain/model"
)

// Catalog holds the ordered question list of every level.
type Catalog struct {
	questions map[model.Level][]string
}

var defaultQuestions = map[model.Level][]string{
	model.LevelFun: {
		"What is the most spontaneous thing you have ever done?",
		"Which song always gets you on the dance floor?",
		"What was your first impression of this place tonight?",
		"If you could live in any city for a year, which one would it be?",
		"What is a hobby you picked up and never let go of?",
	},
	model.LevelSensual: {
		"What detail do you notice first when someone catches your eye?",
		"Describe your idea of a perfect slow evening for two.",
		"Which compliment stayed with you the longest?",
		"What is the most romantic place you have been to?",
	},
	model.LevelDaring: {
		"Tell the group about a first date that went completely off script.",
		"Who here would you trust to plan a surprise trip for you, and why?",
		"What is something you have never said out loud on a first date?",
	},
}

// DefaultCatalog returns the built-in question bank.
func DefaultCatalog() Catalog {
	return Catalog{questions: defaultQuestions}
}

// NewCatalog builds a catalog from level names to questions. Levels missing
// from overrides keep the built-in questions.
func NewCatalog(overrides map[string][]string) (Catalog, error) {
	qs := make(map[model.Level][]string, len(model.Levels))
	for _, l := range model.Levels {
		qs[l] = defaultQuestions[l]
	}
	for name, list := range overrides {
		l, err := model.ParseLevel(name)
		if err != nil {
			return Catalog{}, err
		}
		if len(list) == 0 {
			return Catalog{}, fmt.Errorf("level %s: no questions", l)
		}
		qs[l] = append([]string(nil), list...)
	}
	return Catalog{questions: qs}, nil
}

// Len returns the number of questions in level.
func (c Catalog) Len(level model.Level) int {
	return len(c.questions[level])
}

// Question returns the question at index i of level.
func (c Catalog) Question(level model.Level, i int) (string, bool) {
	qs := c.questions[level]
	if i < 0 || i >= len(qs) {
		return "", false
	}
	return qs[i], true
}
