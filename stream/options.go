package stream

import "github.com/novelytical/realtime/types"

// DefaultSubjectPrefix is the subject namespace adapters publish under when
// no prefix is configured.
const DefaultSubjectPrefix = "changes"

type adapterOptions struct {
	prefix string
	logger types.Logger
}

// Option configures a stream adapter.
type Option func(*adapterOptions)

// WithSubjectPrefix sets the subject namespace the adapter subscribes under.
// Query key "novel:42" with prefix "changes" maps to subject
// "changes.<token>".
//
// Default: "changes"
func WithSubjectPrefix(prefix string) Option {
	return func(o *adapterOptions) {
		o.prefix = prefix
	}
}

// WithLogger sets the logger used for per-message decode warnings.
//
// Default: no-op logger
func WithLogger(logger types.Logger) Option {
	return func(o *adapterOptions) {
		o.logger = logger
	}
}
