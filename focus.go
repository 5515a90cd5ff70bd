package lens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/lens/archive"
	"github.com/meigma/lens/internal/staging"
	"github.com/meigma/lens/stack"
	"github.com/meigma/lens/stash"
)

// Focus makes the content of the entry named target the record payload.
//
// The payload is decoded and every other regular entry is handed to the
// stash; the archive layout is pushed onto the record's lens stack so that
// Unfocus can rebuild it. When names repeat, the first regular entry with the
// name is focused and later ones are stashed.
//
// If no regular entry is named target, Focus still stashes the siblings and
// leaves an empty payload, reporting Result.Missed; with WithStrictFocus it
// fails with ErrEntryMiss instead. On error the record is left untouched and
// entries stashed by the call are deleted again.
func (l *Lens) Focus(ctx context.Context, rec Record, target string) (res *Result, err error) {
	start := time.Now()
	defer func() {
		l.metrics.ObserveTransition(string(OpFocus), start, res != nil && res.Missed, err)
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

	view := stack.View{
		FormatName:   arc.Format.Name,
		FormatCode:   arc.Format.Code,
		Filter:       arc.Format.Filter,
		FocusedEntry: target,
		Entries:      make([]stack.Entry, len(arc.Entries)),
	}
	for i := range arc.Entries {
		view.Entries[i] = stack.EntryFromHeader(arc.Entries[i].Header)
	}
	focused := view.FocusedIndex()

	if focused < 0 && l.strictFocus {
		return nil, fmt.Errorf("%w: %q", ErrEntryMiss, target)
	}

	keys, stashed, err := l.stashSiblings(ctx, area, arc.Entries, focused, view.Entries)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			l.rollback(ctx, keys)
		}
	}()

	payload := ""
	if focused >= 0 {
		payload = arc.Entries[focused].Staged
	} else {
		l.log().Warn("focus target not found, payload will be empty", "target", target, "entries", len(arc.Entries))
	}

	s.Push(view)
	if _, err := stack.Marshal(s); err != nil {
		return nil, err
	}
	if err := writePayload(ctx, rec, payload); err != nil {
		return nil, err
	}
	if err := stack.Store(rec, s); err != nil {
		return nil, err
	}
	committed = true

	l.metrics.ObserveStashed(len(keys), stashed)
	l.metrics.ObserveDepth(s.Depth())
	l.log().Info("focused archive entry",
		"entry", target,
		"format", arc.Format.Name,
		"entries", len(arc.Entries),
		"stashed", len(keys),
		"depth", s.Depth())

	return &Result{
		Op:      OpFocus,
		Depth:   s.Depth(),
		Entry:   target,
		Missed:  focused < 0,
		Entries: len(arc.Entries),
		Keys:    stashKeys(view.Entries),
	}, nil
}

// stashSiblings puts every regular entry except the focused one into the
// stash, recording the keys in recs. Staging files are released as soon as
// their content is stashed. On error the entries stashed so far are deleted.
func (l *Lens) stashSiblings(ctx context.Context, area *staging.Area, entries []archive.Entry, focused int, recs []stack.Entry) ([]string, int64, error) {
	jobs := 0
	for i := range entries {
		if entries[i].Kind == archive.KindRegular && i != focused {
			recs[i].StashKey = stash.NewKey()
			jobs++
		}
	}
	if jobs == 0 {
		return nil, 0, nil
	}

	var (
		mu    sync.Mutex
		keys  = make([]string, 0, jobs)
		total int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workerCount(jobs))
	for i := range entries {
		key := recs[i].StashKey
		if key == "" {
			continue
		}
		e := &entries[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := l.put(gctx, area, key, e); err != nil {
				return fmt.Errorf("stash %s: %w", e.Name, err)
			}
			mu.Lock()
			keys = append(keys, key)
			total += e.Size
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.rollback(ctx, keys)
		return nil, 0, err
	}
	return keys, total, nil
}

func (l *Lens) put(ctx context.Context, area *staging.Area, key string, e *archive.Entry) error {
	rc, _, err := e.Open()
	if err != nil {
		return err
	}
	err = l.stash.Put(ctx, key, rc)
	rc.Close()
	if err != nil {
		return err
	}
	if err := area.Remove(e.Staged); err != nil {
		l.log().Warn("failed to release staging file", "name", e.Name, "error", err)
	}
	l.log().Debug("stashed entry", "name", e.Name, "key", key, "size", e.Size)
	return nil
}

// rollback deletes stashed entries. It runs even when ctx is cancelled.
func (l *Lens) rollback(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := l.stash.Delete(ctx, key); err != nil {
			l.log().Warn("failed to delete stashed entry", "key", key, "error", err)
		}
	}
	l.log().Debug("rolled back stashed entries", "count", len(keys))
}
