package lens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/meigma/lens/archive"
	"github.com/meigma/lens/edit"
	"github.com/meigma/lens/internal/staging"
	"github.com/meigma/lens/metrics"
	"github.com/meigma/lens/stack"
	"github.com/meigma/lens/stash"
)

// Record is the unit the engine operates on: a payload plus text attributes.
//
// WritePayload replaces the payload; OpenPayload afterwards must return the
// new content. Implementations that persist records should make a failed
// operation invisible, for example by staging writes until a commit.
type Record interface {
	stack.AttributeReader
	stack.AttributeWriter

	OpenPayload() (io.ReadCloser, error)
	WritePayload(r io.Reader) error
}

// Op names an engine operation.
type Op string

// Engine operations.
const (
	OpFocus      Op = "focus"
	OpUnfocus    Op = "unfocus"
	OpManipulate Op = "manipulate"
)

// Result describes a completed operation, for routing the record.
type Result struct {
	Op Op

	// Depth is the lens stack depth after the operation.
	Depth int

	// Entry is the focused entry (focus), the entry that was focused
	// (unfocus), or the edited entry (manipulate).
	Entry string

	// Missed reports that the focus or edit target, or an edit anchor,
	// was not found and a fallback was used.
	Missed bool

	// Entries is the number of entries in the archive involved.
	Entries int

	// Keys lists the stash keys involved in archive order: the keys
	// stashed by a focus, or the keys restored by an unfocus.
	Keys []string
}

// Lens runs focus, unfocus and structural edits against records.
// A Lens is safe for concurrent use on different records.
type Lens struct {
	stash       stash.Stash
	codec       *archive.Codec
	editor      *edit.Editor
	stagingDir  string
	workers     int
	strictFocus bool
	deferRel    bool
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates a Lens that keeps stashed entries in s.
func New(s stash.Stash, opts ...Option) (*Lens, error) {
	if s == nil {
		return nil, errors.New("lens: nil stash")
	}
	l := &Lens{stash: s}
	for _, opt := range opts {
		opt(l)
	}
	if l.codec == nil {
		l.codec = archive.New(archive.WithLogger(l.logger))
	}
	if l.editor == nil {
		l.editor = edit.New(edit.WithLogger(l.logger))
	}
	return l, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (l *Lens) log() *slog.Logger {
	if l.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logger
}

func (l *Lens) workerCount(jobs int) int {
	n := l.workers
	switch {
	case n < 0:
		n = 1
	case n == 0:
		n = runtime.GOMAXPROCS(0)
	}
	return max(1, min(n, jobs))
}

// Release deletes the stash entries named by keys. It completes an Unfocus
// run with WithDeferredRelease once the rebuilt record has been persisted.
// Keys that are already gone are skipped.
func (l *Lens) Release(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		err := l.stash.Delete(ctx, key)
		if err != nil && !errors.Is(err, stash.ErrMiss) {
			errs = append(errs, fmt.Errorf("release %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// stashKeys returns the stash keys of entries in order.
func stashKeys(entries []stack.Entry) []string {
	var keys []string
	for i := range entries {
		if entries[i].StashKey != "" {
			keys = append(keys, entries[i].StashKey)
		}
	}
	return keys
}

// Depth returns the lens stack depth of rec: zero when it is not focused.
func Depth(rec stack.AttributeReader) (int, error) {
	s, err := stack.Load(rec)
	if err != nil {
		return 0, err
	}
	return s.Depth(), nil
}

// decode decodes the record payload into area.
func (l *Lens) decode(ctx context.Context, rec Record, area *staging.Area) (*archive.Archive, error) {
	rc, err := rec.OpenPayload()
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	defer rc.Close()
	return l.codec.Decode(ctx, rc, area)
}

// encode encodes headers as an archive of the given format into a staging
// file and returns its path. contents supplies the regular entries in order.
func (l *Lens) encode(ctx context.Context, area *staging.Area, format archive.Format, headers []archive.Header, contents []archive.Entry) (string, error) {
	f, err := area.Create()
	if err != nil {
		return "", err
	}
	path := f.Name()
	err = l.codec.Encode(ctx, f, format, headers, sequence(contents), area)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = area.Remove(path)
		return "", err
	}
	return path, nil
}

// sequence resolves regular entries, in order, to the staged contents.
// Encode asks for regular entries exactly once each, in header order.
func sequence(contents []archive.Entry) archive.Resolver {
	next := 0
	return func(h archive.Header) (io.ReadCloser, int64, error) {
		if next >= len(contents) {
			return nil, 0, fmt.Errorf("no content for %s", h.Name)
		}
		e := &contents[next]
		next++
		return e.Open()
	}
}

// writePayload replaces the record payload with the staging file at path.
// A cancelled ctx leaves the payload untouched.
func writePayload(ctx context.Context, rec Record, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var r io.Reader
	if path == "" {
		r = strings.NewReader("")
	} else {
		f, err := os.Open(path) //nolint:gosec // staging file
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	if err := rec.WritePayload(r); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}
