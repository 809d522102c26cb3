// Package simulation plays a whole event with simulated devices against one
// shared backend and checks that every device converged on the same row.
package simulation

import (
	"fmt"
	"time"
)

// Config holds configuration for a simulated event.
type Config struct {
	Devices           int           // Simulated participants, one device each
	Seed              int64         // Seeds starters and device behavior
	QuestionsPerLevel int           // Generated questions per level; 0 keeps the built-in bank
	MatchSelection    bool          // Vote after every level
	TimeUnit          time.Duration // Auto-advance time unit
	MaxThink          time.Duration // Upper bound of a device's pause between actions
	Timeout           time.Duration // Whole run, including convergence
	PostgresDSN       string        // Optional shared store; in-memory when empty
	NATSURL           string        // Optional shared feed; in-memory when empty
	Verbose           bool          // Log every device action
}

// DefaultConfig returns a small, fast in-memory run.
func DefaultConfig() Config {
	return Config{
		Devices:           6,
		Seed:              time.Now().UnixNano(),
		QuestionsPerLevel: 3,
		MatchSelection:    true,
		TimeUnit:          20 * time.Millisecond,
		MaxThink:          15 * time.Millisecond,
		Timeout:           time.Minute,
	}
}

// Validate rejects configurations that cannot finish.
func (c Config) Validate() error {
	switch {
	case c.Devices < 1:
		return fmt.Errorf("%w: at least one device is required", ErrInvalidConfig)
	case c.QuestionsPerLevel < 0:
		return fmt.Errorf("%w: questions per level must not be negative", ErrInvalidConfig)
	case c.TimeUnit <= 0:
		return fmt.Errorf("%w: time unit must be positive", ErrInvalidConfig)
	case c.MaxThink < 0:
		return fmt.Errorf("%w: think time must not be negative", ErrInvalidConfig)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Stats holds run statistics.
type Stats struct {
	Devices        int
	Advances       int64 // advance or continue attempts
	Committed      int64 // attempts that committed a transition
	NoOps          int64 // attempts another device beat
	Answers        int64
	Votes          int64
	VotesRejected  int64
	Outcomes       int64
	ActionErrors   int64
	FinalVersion   int64
	LevelsMatched  int
	PairsFormed    int
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	ConvergedAfter time.Duration
}

const percentageMultiplier = 100
