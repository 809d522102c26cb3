package repository

import "time"

// Option applies a configuration option to a store.
type Option func(*options)

type options struct {
	now         func() time.Time
	autoMigrate bool
}

func defaultOptions() options {
	return options{now: time.Now, autoMigrate: true}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithAutoMigrate controls whether the PostgreSQL store creates its tables
// on startup.
func WithAutoMigrate(enabled bool) Option {
	return func(o *options) {
		o.autoMigrate = enabled
	}
}
