package lens

import (
	"log/slog"

	"github.com/meigma/lens/archive"
	"github.com/meigma/lens/edit"
	"github.com/meigma/lens/metrics"
)

// Option configures a Lens.
type Option func(*Lens)

// WithCodec sets the archive codec. If not set, a codec with default limits
// is used.
func WithCodec(c *archive.Codec) Option {
	return func(l *Lens) {
		l.codec = c
	}
}

// WithEditor sets the editor used by Manipulate. If not set, an editor with
// the lenient defaults is used.
func WithEditor(e *edit.Editor) Option {
	return func(l *Lens) {
		l.editor = e
	}
}

// WithStagingDir sets the parent directory for per-operation staging areas.
// If not set, the system temporary directory is used.
func WithStagingDir(dir string) Option {
	return func(l *Lens) {
		l.stagingDir = dir
	}
}

// WithStashWorkers sets how many entries are stashed or restored in
// parallel. Values < 0 force serial processing. Zero uses GOMAXPROCS.
func WithStashWorkers(n int) Option {
	return func(l *Lens) {
		l.workers = n
	}
}

// WithStrictFocus makes Focus fail with ErrEntryMiss when the target entry
// does not exist. By default the siblings are stashed anyway and the payload
// becomes empty.
func WithStrictFocus(enabled bool) Option {
	return func(l *Lens) {
		l.strictFocus = enabled
	}
}

// WithDeferredRelease makes Unfocus leave the restored entries in the stash
// and report their keys in Result.Keys. The caller deletes them with Release
// after persisting the record, so a record that fails to persist can still
// be unfocused again. By default Unfocus deletes them itself.
func WithDeferredRelease(enabled bool) Option {
	return func(l *Lens) {
		l.deferRel = enabled
	}
}

// WithLogger sets the logger for engine operations. It is also passed to the
// default codec and editor.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lens) {
		l.logger = logger
	}
}

// WithMetrics records operation metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Lens) {
		l.metrics = m
	}
}
