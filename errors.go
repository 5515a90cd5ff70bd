package lens

import (
	"errors"

	"github.com/meigma/lens/archive"
	"github.com/meigma/lens/edit"
	"github.com/meigma/lens/stack"
	"github.com/meigma/lens/stash"
)

// ErrEntryMiss is returned in strict mode when the focus target, or an edit
// target or anchor, does not exist. Errors from Manipulate also match
// [edit.ErrEntryMiss].
var ErrEntryMiss = errors.New("lens: entry not found")

// Errors re-exported from archive.
var (
	// ErrFormat is returned when the payload is not a supported archive or is corrupt.
	ErrFormat = archive.ErrFormat

	// ErrSizeOverflow is returned when an entry exceeds the configured size limit.
	ErrSizeOverflow = archive.ErrSizeOverflow

	// ErrTooManyEntries is returned when an archive has more entries than allowed.
	ErrTooManyEntries = archive.ErrTooManyEntries
)

// Errors re-exported from stack.
var (
	// ErrParse is returned when the lens stack attribute is malformed.
	ErrParse = stack.ErrParse

	// ErrStackEmpty is returned by Unfocus when the record is not focused.
	ErrStackEmpty = stack.ErrEmpty
)

// Errors re-exported from stash.
var (
	// ErrStashMiss is returned when a stashed entry is unknown or was already restored.
	ErrStashMiss = stash.ErrMiss

	// ErrDigestMismatch is returned when stashed content changed while in custody.
	ErrDigestMismatch = stash.ErrDigestMismatch
)

// Errors re-exported from edit.
var (
	// ErrInvalidOperation is returned for malformed structural edits.
	ErrInvalidOperation = edit.ErrInvalidOperation
)
