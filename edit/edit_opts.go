package edit

import "log/slog"

// DefaultTouchPerm is the permission given to touched entries.
const DefaultTouchPerm = 0o644

// Option configures an Editor.
type Option func(*Editor)

// WithBeforeMissAtHead inserts at the head of the list, instead of the end,
// when a Before anchor is not found.
func WithBeforeMissAtHead(enabled bool) Option {
	return func(e *Editor) {
		e.beforeMissAtHead = enabled
	}
}

// WithStrict makes missing targets and anchors fail with ErrEntryMiss
// instead of falling back.
func WithStrict(enabled bool) Option {
	return func(e *Editor) {
		e.strict = enabled
	}
}

// WithTouchPerm sets the permission bits of touched entries.
func WithTouchPerm(perm uint32) Option {
	return func(e *Editor) {
		e.touchPerm = perm
	}
}

// WithLogger sets the logger for edit operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Editor) {
		e.logger = logger
	}
}
