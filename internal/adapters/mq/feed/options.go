package feed

import "github.com/okian/icebreaker/pkg/logger"

const (
	defaultBufferSize    = 64
	defaultSubjectPrefix = "icebreaker"
)

type options struct {
	bufferSize int
	prefix     string
	logger     logger.Logger
}

func defaultOptions() options {
	return options{bufferSize: defaultBufferSize, prefix: defaultSubjectPrefix}
}

// Option configures a feed.
type Option func(*options)

// WithBufferSize sets the per-subscriber channel buffer. A subscriber that
// lets it fill is dropped.
func WithBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithSubjectPrefix sets the NATS subject prefix.
func WithSubjectPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
