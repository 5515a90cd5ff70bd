package lens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/lens/archive"
	"github.com/meigma/lens/internal/staging"
	"github.com/meigma/lens/stack"
)

// Unfocus rebuilds the archive recorded at the top of the record's lens
// stack and makes it the payload again.
//
// Entries are written in their recorded order with their recorded kind and
// permission. Stashed entries are read back from the stash; the focused
// entry gets the current payload. The stack is popped and the attribute is
// removed once it is empty. The stash entries are deleted only after the
// record has been updated, or left for Release with WithDeferredRelease.
//
// Unfocus fails with ErrStackEmpty when the record is not focused and with
// ErrStashMiss when a stashed entry is gone. On error the record and the
// stash are left untouched, so the call can be retried.
func (l *Lens) Unfocus(ctx context.Context, rec Record) (res *Result, err error) {
	start := time.Now()
	defer func() {
		l.metrics.ObserveTransition(string(OpUnfocus), start, false, err)
	}()

	s, err := stack.Load(rec)
	if err != nil {
		return nil, err
	}
	view, err := s.Pop()
	if errors.Is(err, stack.ErrEmpty) {
		return nil, ErrStackEmpty
	}
	if err != nil {
		return nil, err
	}

	area, err := staging.New(l.stagingDir)
	if err != nil {
		return nil, err
	}
	defer area.Close()

	restored, err := l.restore(ctx, area, view.Entries)
	if err != nil {
		return nil, err
	}

	focused := view.FocusedIndex()
	if focused >= 0 {
		if restored[focused], err = l.stagePayload(rec, area); err != nil {
			return nil, err
		}
	}

	headers := make([]archive.Header, len(view.Entries))
	contents := make([]archive.Entry, 0, len(view.Entries))
	for i := range view.Entries {
		headers[i] = view.Entries[i].Header()
		if headers[i].Kind == archive.KindRegular {
			contents = append(contents, restored[i])
		}
	}

	out, err := l.encode(ctx, area, view.Format(), headers, contents)
	if err != nil {
		return nil, fmt.Errorf("rebuild archive: %w", err)
	}
	if err := writePayload(ctx, rec, out); err != nil {
		return nil, err
	}
	if err := stack.Store(rec, s); err != nil {
		return nil, err
	}

	keys := stashKeys(view.Entries)
	if !l.deferRel {
		l.release(ctx, keys)
	}

	l.metrics.ObserveRestored(len(keys))
	l.metrics.ObserveDepth(s.Depth())
	l.log().Info("unfocused archive entry",
		"entry", view.FocusedEntry,
		"format", view.FormatName,
		"entries", len(view.Entries),
		"depth", s.Depth())

	return &Result{
		Op:      OpUnfocus,
		Depth:   s.Depth(),
		Entry:   view.FocusedEntry,
		Entries: len(view.Entries),
		Keys:    keys,
	}, nil
}

// restore reads every stashed entry into a staging file. The result is
// indexed like entries; entries without a stash key are left zero. The
// stash is not modified.
func (l *Lens) restore(ctx context.Context, area *staging.Area, entries []stack.Entry) ([]archive.Entry, error) {
	restored := make([]archive.Entry, len(entries))
	jobs := countKeys(entries)
	if jobs == 0 {
		return restored, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workerCount(jobs))
	for i := range entries {
		e := &entries[i]
		if e.StashKey == "" {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			staged, err := l.fetch(gctx, area, e)
			if err != nil {
				return fmt.Errorf("restore %s: %w", e.Name, err)
			}
			restored[i] = staged
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return restored, nil
}

func (l *Lens) fetch(ctx context.Context, area *staging.Area, e *stack.Entry) (archive.Entry, error) {
	rc, err := l.stash.Open(ctx, e.StashKey)
	if err != nil {
		return archive.Entry{}, err
	}
	defer rc.Close()
	path, size, err := area.Stage(rc)
	if err != nil {
		return archive.Entry{}, err
	}
	l.log().Debug("restored entry", "name", e.Name, "key", e.StashKey, "size", size)
	return archive.Entry{Header: e.Header(), Size: size, Staged: path}, nil
}

// release deletes restored entries from the stash. It runs even when ctx is
// cancelled. Entries that cannot be deleted are left for Prune.
func (l *Lens) release(ctx context.Context, keys []string) {
	if err := l.Release(context.WithoutCancel(ctx), keys); err != nil {
		l.log().Error("failed to release restored entries", "error", err)
	}
}

// stagePayload copies the current payload into area.
func (l *Lens) stagePayload(rec Record, area *staging.Area) (archive.Entry, error) {
	rc, err := rec.OpenPayload()
	if err != nil {
		return archive.Entry{}, fmt.Errorf("open payload: %w", err)
	}
	defer rc.Close()
	path, size, err := area.Stage(rc)
	if err != nil {
		return archive.Entry{}, fmt.Errorf("stage payload: %w", err)
	}
	return archive.Entry{Size: size, Staged: path}, nil
}

func countKeys(entries []stack.Entry) int {
	n := 0
	for i := range entries {
		if entries[i].StashKey != "" {
			n++
		}
	}
	return n
}
