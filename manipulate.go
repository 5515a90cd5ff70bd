package lens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meigma/lens/archive"
	"github.com/meigma/lens/edit"
	"github.com/meigma/lens/internal/staging"
	"github.com/meigma/lens/stack"
)

// Manipulate applies a structural edit to the archive in the record payload
// and re-encodes it in the same format. The lens stack is not changed, but a
// malformed stack attribute still fails with ErrParse.
//
// A missing target or anchor is reported through Result.Missed unless the
// editor is strict, in which case the error matches ErrEntryMiss.
func (l *Lens) Manipulate(ctx context.Context, rec Record, op edit.Op) (res *Result, err error) {
	start := time.Now()
	defer func() {
		l.metrics.ObserveTransition(string(OpManipulate), start, res != nil && res.Missed, err)
	}()

	s, err := stack.Load(rec)
	if err != nil {
		return nil, err
	}

	area, err := staging.New(l.stagingDir)
	if err != nil {
		return nil, err
	}
	defer area.Close()

	arc, err := l.decode(ctx, rec, area)
	if err != nil {
		return nil, err
	}

	edited, err := l.editor.Apply(arc.Entries, op, area)
	if errors.Is(err, edit.ErrEntryMiss) {
		return nil, fmt.Errorf("%w: %w", ErrEntryMiss, err)
	}
	if err != nil {
		return nil, err
	}

	headers := make([]archive.Header, len(edited.Entries))
	contents := make([]archive.Entry, 0, len(edited.Entries))
	for i := range edited.Entries {
		headers[i] = edited.Entries[i].Header
		if headers[i].Kind == archive.KindRegular {
			contents = append(contents, edited.Entries[i])
		}
	}

	out, err := l.encode(ctx, area, arc.Format, headers, contents)
	if err != nil {
		return nil, fmt.Errorf("rebuild archive: %w", err)
	}
	if err := writePayload(ctx, rec, out); err != nil {
		return nil, err
	}

	entry := op.Destination
	if entry == "" {
		entry = op.Target
	}
	l.log().Info("manipulated archive",
		"op", string(op.Kind),
		"entry", entry,
		"missed", edited.Missed,
		"entries", len(edited.Entries))

	return &Result{
		Op:      OpManipulate,
		Depth:   s.Depth(),
		Entry:   entry,
		Missed:  edited.Missed != "",
		Entries: len(edited.Entries),
	}, nil
}
