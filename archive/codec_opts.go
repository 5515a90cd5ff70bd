package archive

import "log/slog"

const (
	// DefaultMaxEntrySize is the default per-entry size limit (1GiB).
	DefaultMaxEntrySize = 1 << 30

	// DefaultMaxArchiveSize is the default limit on a spooled archive (4GiB).
	DefaultMaxArchiveSize = 4 << 30

	// DefaultMaxEntries is the default limit on entries per archive.
	DefaultMaxEntries = 200_000

	// DefaultMaxDecoderMemory is the default zstd decoder memory limit (256MB).
	DefaultMaxDecoderMemory = 256 << 20
)

// Option configures a Codec.
type Option func(*Codec)

// WithMaxEntrySize limits the size of a single entry's content.
// Set limit to 0 to disable the limit.
func WithMaxEntrySize(limit uint64) Option {
	return func(c *Codec) {
		c.maxEntrySize = limit
	}
}

// WithMaxArchiveSize limits the bytes Decode spools to staging for a zip
// archive, which is read whole because its directory is at the end. Tar and
// cpio are streamed entry by entry and bounded by WithMaxEntrySize.
// Set limit to 0 to disable the limit.
func WithMaxArchiveSize(limit uint64) Option {
	return func(c *Codec) {
		c.maxArchiveSize = limit
	}
}

// WithMaxEntries limits the number of entries Decode accepts.
// Zero uses DefaultMaxEntries. Negative means no limit.
func WithMaxEntries(n int) Option {
	return func(c *Codec) {
		c.maxEntries = n
	}
}

// WithMaxDecoderMemory limits the memory used by zstd decoders.
// Set limit to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(c *Codec) {
		c.maxDecoderMemory = limit
	}
}

// WithSkipUnreadable makes Encode log and drop entries whose content cannot be
// resolved instead of failing. Dropped entries are omitted entirely, so the
// output stays well formed.
func WithSkipUnreadable(enabled bool) Option {
	return func(c *Codec) {
		c.skipUnreadable = enabled
	}
}

// WithLogger sets the logger for codec operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Codec) {
		c.logger = logger
	}
}
